package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"bot-panel/internal/domain"
	"bot-panel/internal/heroku"
)

var (
	// ErrAccountNotFound is returned when the caller has no ledger account.
	ErrAccountNotFound = errors.New("account not found")
	// ErrCooldownActive is returned when a claim or recharge repeats inside its window.
	ErrCooldownActive = errors.New("cooldown active")
	// ErrInvalidKey is returned when a recharge key does not match the configured secret.
	ErrInvalidKey = errors.New("invalid recharge key")
	// ErrInsufficientBalance is returned when a deploy is attempted without tokens.
	ErrInsufficientBalance = errors.New("insufficient token balance")
	// ErrMissingParameter is returned when a required request field is empty.
	ErrMissingParameter = errors.New("missing parameter")
	// ErrAppNotFound is returned when an app is not a deployment of the caller.
	ErrAppNotFound = errors.New("app not found")
	// ErrInvalidAppName is returned for app names the platform would never issue.
	ErrInvalidAppName = errors.New("invalid app name")
	// ErrArchiveDisabled is returned when no log archive bucket is configured.
	ErrArchiveDisabled = errors.New("log archive not configured")
)

// CooldownError reports how long until the action is allowed again.
type CooldownError struct {
	Action    domain.LedgerAction
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s %s: try again in %s", e.Action, ErrCooldownActive, e.Remaining.Round(time.Second))
}

func (e *CooldownError) Unwrap() error {
	return ErrCooldownActive
}

func missing(name string) error {
	return fmt.Errorf("%w: %s", ErrMissingParameter, name)
}

// checkAppName rejects names before they are placed into a platform or probe URL.
func checkAppName(name string) error {
	if strings.TrimSpace(name) == "" {
		return missing("appName")
	}
	if !heroku.ValidAppName(name) {
		return ErrInvalidAppName
	}
	return nil
}
