package auth

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Credentials holds the dashboard operator login. The plaintext password
// from configuration is hashed once at startup and discarded.
type Credentials struct {
	Username     string
	passwordHash []byte
}

// NewCredentials hashes the configured password and returns the credential
// set used by the login handler.
func NewCredentials(username, password string) (*Credentials, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("dashboard username is required")
	}
	if password == "" {
		return nil, fmt.Errorf("dashboard password is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash dashboard password: %w", err)
	}
	return &Credentials{Username: username, passwordHash: hash}, nil
}

// Verify reports whether the supplied login matches.
func (c *Credentials) Verify(username, password string) bool {
	if c == nil || strings.TrimSpace(username) != c.Username {
		return false
	}
	return bcrypt.CompareHashAndPassword(c.passwordHash, []byte(password)) == nil
}
