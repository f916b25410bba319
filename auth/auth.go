// Package auth provides a reference smtp.AuthenticationHandler backed by bcrypt-hashed credentials, the same
// password-hashing primitive from golang.org/x/crypto the teacher's codebase already depends on (the teacher uses
// the sibling hkdf package for its SOCKS daemon's key derivation; this package uses bcrypt for the same
// family of concern, verifying a password rather than deriving a stream cipher key).
package auth

import (
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/smtpgate/smtpgate/lalog"
)

// Store holds bcrypt-hashed passwords keyed by username. It implements smtp.AuthenticationHandler by decoding the
// AUTH PLAIN or AUTH LOGIN credential the session handed it and comparing the password against the stored hash.
type Store struct {
	logger lalog.Logger

	mu    sync.RWMutex
	hashes map[string][]byte
}

// NewStore constructs an empty credential store.
func NewStore() *Store {
	return &Store{
		logger: lalog.Logger{ComponentName: "auth.Store"},
		hashes: make(map[string][]byte),
	}
}

// SetPassword hashes password with bcrypt at the default cost and stores it under username, replacing any
// previously configured password for that user.
func (s *Store) SetPassword(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("auth: failed to hash password for %q: %w", username, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashes[username] = hash
	return nil
}

// RemoveUser deletes a user's stored credential, if any.
func (s *Store) RemoveUser(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hashes, username)
}

// Authenticate implements smtp.AuthenticationHandler. mechanism is "PLAIN" or "LOGIN"; credential is the still
// base64-encoded payload the session collected from the client, which parsePlain/parseLogin decode.
func (s *Store) Authenticate(mechanism, credential string) bool {
	var username, password string
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		u, p, ok := parsePlain(credential)
		if !ok {
			return false
		}
		username, password = u, p
	case "LOGIN":
		u, p, ok := parseLogin(credential)
		if !ok {
			return false
		}
		username, password = u, p
	default:
		return false
	}

	s.mu.RLock()
	hash, exists := s.hashes[username]
	s.mu.RUnlock()
	if !exists {
		// Still run a comparison against a fixed hash so that a nonexistent username takes roughly the same time
		// as a wrong password, rather than returning immediately.
		bcrypt.CompareHashAndPassword(decoyHash, []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

// decoyHash is a bcrypt hash of an arbitrary, never-used password, spent purely to keep the failure path's timing
// close to the real comparison when the username does not exist.
var decoyHash, _ = bcrypt.GenerateFromPassword([]byte("smtpgate-decoy"), bcrypt.DefaultCost)

// parsePlain decodes an AUTH PLAIN credential: the session hands Authenticate the raw base64 line straight off the
// wire, per RFC 4616 that decodes to authzid\x00authcid\x00password.
func parsePlain(credential string) (username, password string, ok bool) {
	decoded, err := base64.StdEncoding.DecodeString(credential)
	if err != nil {
		return "", "", false
	}
	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// parseLogin decodes the two-line AUTH LOGIN exchange the session assembles as "base64(username)\x00base64(password)".
func parseLogin(credential string) (username, password string, ok bool) {
	parts := strings.SplitN(credential, "\x00", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	u, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", "", false
	}
	p, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", "", false
	}
	return string(u), string(p), true
}
