// Package admission gates entry to password-protected sessions.
package admission

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrPasswordRequired is returned when a protected session is joined
	// without a password.
	ErrPasswordRequired = errors.New("session password required")
	// ErrPasswordMismatch is returned when the password does not match.
	ErrPasswordMismatch = errors.New("session password mismatch")
)

const MinPasswordLength = 4

// Gate hashes and checks room passwords
type Gate struct {
	cost int
}

// NewGate creates a gate using the given bcrypt cost. A cost of zero uses
// bcrypt.DefaultCost.
func NewGate(cost int) *Gate {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Gate{cost: cost}
}

// Hash returns the stored form of a room password. An empty password means
// the session is open and hashes to "".
func (g *Gate) Hash(password string) (string, error) {
	if password == "" {
		return "", nil
	}
	if len(password) < MinPasswordLength {
		return "", fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), g.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Admit checks a join attempt against the session's stored hash.
func (g *Gate) Admit(storedHash, password string) error {
	if storedHash == "" {
		return nil
	}
	if password == "" {
		return ErrPasswordRequired
	}
	if err := bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrPasswordMismatch
		}
		return fmt.Errorf("compare password: %w", err)
	}
	return nil
}
