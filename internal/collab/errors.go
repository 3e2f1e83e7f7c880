package collab

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Error kinds. Every *DomainError unwraps to exactly one of these, so
// callers classify failures with errors.Is.
var (
	ErrValidation     = errors.New("validation")
	ErrAuthorization  = errors.New("authorization")
	ErrNotFound       = errors.New("not found")
	ErrInvalidState   = errors.New("invalid state")
	ErrCooldown       = errors.New("cooldown")
	ErrAlreadyGranted = errors.New("already granted")
	ErrLocked         = errors.New("locked")
	ErrLockForbidden  = errors.New("lock forbidden")
	ErrTransport      = errors.New("transport")
)

type DomainError struct {
	Kind    error
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Kind
}

func domainError(kind error, code, message string, details any) *DomainError {
	return &DomainError{
		Kind:    kind,
		Code:    code,
		Message: message,
		Details: details,
	}
}

type CooldownDetails struct {
	RemainingSeconds int           `json:"remainingSeconds"`
	Remaining        time.Duration `json:"-"`
}

// cooldownError reports whole seconds rounded up and clamped to the open
// interval (0, cooldown).
func cooldownError(remaining, cooldown time.Duration) *DomainError {
	seconds := int(math.Ceil(remaining.Seconds()))
	if limit := int(cooldown/time.Second) - 1; limit >= 1 && seconds > limit {
		seconds = limit
	}
	if seconds < 1 {
		seconds = 1
	}
	return domainError(ErrCooldown, "COOLDOWN",
		fmt.Sprintf("permission was requested recently; retry in %ds", seconds),
		CooldownDetails{RemainingSeconds: seconds, Remaining: remaining})
}

// CooldownRemaining reports how long the caller must wait when err is a
// cooldown rejection.
func CooldownRemaining(err error) (time.Duration, bool) {
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || !errors.Is(domainErr.Kind, ErrCooldown) {
		return 0, false
	}
	details, ok := domainErr.Details.(CooldownDetails)
	if !ok {
		return 0, true
	}
	if details.Remaining > 0 {
		return details.Remaining, true
	}
	return time.Duration(details.RemainingSeconds) * time.Second, true
}

// Code returns the machine-readable code of a domain error, or "" for any
// other error.
func Code(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

func notFound(what string) *DomainError {
	return domainError(ErrNotFound, "NOT_FOUND", what+" not found", nil)
}

func conflict(message string) *DomainError {
	return domainError(ErrInvalidState, "CONFLICT", message, nil)
}

const maxIDLength = 128

func validateID(field, value string) error {
	if value == "" {
		return domainError(ErrValidation, "VALIDATION_ERROR", field+" is required", map[string]string{"field": field})
	}
	if len(value) > maxIDLength {
		return domainError(ErrValidation, "VALIDATION_ERROR", fmt.Sprintf("%s exceeds %d characters", field, maxIDLength), map[string]string{"field": field})
	}
	for _, r := range value {
		if r <= ' ' || r == 0x7f || r == '/' {
			return domainError(ErrValidation, "VALIDATION_ERROR", field+" contains invalid characters", map[string]string{"field": field})
		}
	}
	return nil
}

func validateIDs(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if err := validateID(pairs[i], pairs[i+1]); err != nil {
			return err
		}
	}
	return nil
}
