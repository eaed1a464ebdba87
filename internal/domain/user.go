package domain

import "time"

// User is a locally registered identity (local auth mode).
type User struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
