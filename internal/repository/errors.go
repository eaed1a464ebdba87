package repository

import "errors"

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned when inserting a record whose key is taken.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrConditionFailed is returned when a conditional ledger update matched no row
	// because its guard (cooldown or balance) did not hold.
	ErrConditionFailed = errors.New("ledger condition not met")
)
