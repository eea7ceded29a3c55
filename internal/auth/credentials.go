package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/fiberstack/fiber/internal/model"
)

// Credentials is the env-provisioned user roster. Passwords are held as
// SHA-256 digests; roles come from the admin/operator user lists, everyone
// else in the roster is a viewer.
type Credentials struct {
	hashes    map[string]string // username -> hex(SHA-256(password))
	admins    map[string]bool
	operators map[string]bool
}

// ParseCredentials builds the roster from a "user:pass,user:pass" string.
func ParseCredentials(raw string, adminUsers, operatorUsers []string) (*Credentials, error) {
	c := &Credentials{
		hashes:    make(map[string]string),
		admins:    make(map[string]bool),
		operators: make(map[string]bool),
	}

	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		user, pass, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("auth: malformed credential entry (want user:pass)")
		}
		user = strings.TrimSpace(user)
		if user == "" {
			return nil, fmt.Errorf("auth: credential entry with empty username")
		}
		sum := sha256.Sum256([]byte(strings.TrimSpace(pass)))
		c.hashes[user] = hex.EncodeToString(sum[:])
	}
	if len(c.hashes) == 0 {
		return nil, fmt.Errorf("auth: no credentials configured")
	}

	for _, u := range adminUsers {
		c.admins[u] = true
	}
	for _, u := range operatorUsers {
		c.operators[u] = true
	}
	return c, nil
}

// Verify checks a username/password pair against the roster.
func (c *Credentials) Verify(username, password string) bool {
	expected, ok := c.hashes[username]
	if !ok {
		return false
	}
	sum := sha256.Sum256([]byte(password))
	got := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

// RoleFor returns the role for a roster user. Users absent from the roster
// get no role; this is only meaningful after Verify succeeds.
func (c *Credentials) RoleFor(username string) model.Role {
	switch {
	case c.admins[username]:
		return model.RoleAdmin
	case c.operators[username]:
		return model.RoleOperator
	default:
		return model.RoleViewer
	}
}
