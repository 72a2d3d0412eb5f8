package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoToken is returned when the session has never logged in.
var ErrNoToken = errors.New("no session token")

// Identity is the authenticated user driving the session, as asserted by the
// backend-issued token. The daemon never holds the signing key, so claims are
// read without verification; the backend rejects forged tokens on connect.
type Identity struct {
	UserID      string
	DisplayName string
	ExpiresAt   time.Time
}

// Expired reports whether the token carried an expiry that has passed.
func (id Identity) Expired(now time.Time) bool {
	return !id.ExpiresAt.IsZero() && !now.Before(id.ExpiresAt)
}

// ParseIdentity extracts the user identity from a JWT session token.
// The user id is read from "sub", falling back to "user_id".
func ParseIdentity(token string) (Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}

	var id Identity
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		id.UserID = sub
	} else {
		switch v := claims["user_id"].(type) {
		case string:
			id.UserID = v
		case float64:
			id.UserID = fmt.Sprintf("%.0f", v)
		}
	}
	if id.UserID == "" {
		return Identity{}, errors.New("parse token: no subject or user_id claim")
	}
	if name, ok := claims["name"].(string); ok {
		id.DisplayName = name
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}
	return id, nil
}

// SaveToken writes the token for a session with 0600 permissions.
func SaveToken(name, token string) error {
	token = strings.TrimSpace(token)
	if _, err := ParseIdentity(token); err != nil {
		return err
	}
	path := TokenPath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(token+"\n"), 0600)
}

// LoadToken reads the stored token for a session.
func LoadToken(name string) (string, error) {
	data, err := os.ReadFile(TokenPath(name))
	if os.IsNotExist(err) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// RemoveToken deletes the stored token. Missing tokens are not an error.
func RemoveToken(name string) error {
	err := os.Remove(TokenPath(name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
