/*
Package sasl implements the AUTH mechanisms offered by the receiver:
PLAIN and LOGIN (RFC 4616, RFC draft LOGIN) and CRAM-MD5 (RFC 2195),
behind one Mechanism interface driven by the receiver state machine.
*/
package sasl

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrCancelled is returned when the client responds to a challenge with "*",
// per RFC 4954 4.
var ErrCancelled = errors.New("sasl: client cancelled authentication")

// Credentials mirrors the two ways a mechanism can hand back what it
// collected: a verifiable authid/authpass pair, or an opaque bearer token
// for mechanisms this engine does not implement the verification side of.
type Credentials struct {
	AuthID   string
	AuthPass string
	Token    string
	IsToken  bool
}

// CredentialStore is the host callback used to verify a Verify-style Credentials value.
type CredentialStore interface {
	// Verify reports whether authid/authpass is a valid login. Implementations
	// must be safe for concurrent use.
	Verify(authid, authpass string) bool
	// SharedSecret returns the plaintext secret for CRAM-MD5, which requires
	// the server to compute an HMAC the client can independently reproduce;
	// ok is false when authid is unknown.
	SharedSecret(authid string) (secret string, ok bool)
}

// Mechanism drives one AUTH exchange. Challenge returns the next raw
// (not yet base64-encoded) challenge to send (more is false once the
// exchange is ready to verify); Respond consumes the client's decoded
// response and reports whether the exchange is complete; Credentials then
// returns what the client supplied.
type Mechanism interface {
	Name() string
	Challenge() (challenge []byte, more bool)
	Respond(response []byte) (done bool, err error)
	Credentials() Credentials
}

// New constructs the named mechanism ("PLAIN", "LOGIN", "CRAM-MD5"), or
// returns an error for anything else.
func New(name string) (Mechanism, error) {
	switch strings.ToUpper(name) {
	case "PLAIN":
		return &plainMechanism{}, nil
	case "LOGIN":
		return &loginMechanism{}, nil
	case "CRAM-MD5":
		return newCramMD5(), nil
	default:
		return nil, fmt.Errorf("sasl: unsupported mechanism %q", name)
	}
}

// plainMechanism implements RFC 4616: a single response of
// authzid\0authid\0authpass, optionally sent inline with "AUTH PLAIN <resp>".
type plainMechanism struct {
	creds Credentials
	done  bool
}

func (m *plainMechanism) Name() string { return "PLAIN" }

func (m *plainMechanism) Challenge() ([]byte, bool) {
	return nil, true // empty initial challenge; client may respond inline
}

func (m *plainMechanism) Respond(resp []byte) (bool, error) {
	parts := strings.SplitN(string(resp), "\x00", 3)
	if len(parts) != 3 {
		return false, errors.New("sasl: malformed PLAIN response")
	}
	m.creds = Credentials{AuthID: parts[1], AuthPass: parts[2]}
	m.done = true
	return true, nil
}

func (m *plainMechanism) Credentials() Credentials { return m.creds }

// loginMechanism implements the common (non-standard but near-universal) LOGIN flow:
// server asks "Username:" then "Password:", both base64.
type loginMechanism struct {
	stage int
	creds Credentials
}

func (m *loginMechanism) Name() string { return "LOGIN" }

func (m *loginMechanism) Challenge() ([]byte, bool) {
	switch m.stage {
	case 0:
		return []byte("Username:"), true
	case 1:
		return []byte("Password:"), true
	default:
		return nil, false
	}
}

func (m *loginMechanism) Respond(resp []byte) (bool, error) {
	switch m.stage {
	case 0:
		m.creds.AuthID = string(resp)
		m.stage++
		return false, nil
	case 1:
		m.creds.AuthPass = string(resp)
		m.stage++
		return true, nil
	default:
		return false, errors.New("sasl: LOGIN exchange already complete")
	}
}

func (m *loginMechanism) Credentials() Credentials { return m.creds }

// cramMD5Mechanism implements RFC 2195: server sends a unique challenge
// string, client replies "authid hex(hmac-md5(secret, challenge))".
type cramMD5Mechanism struct {
	challenge []byte
	sent      bool
	creds     Credentials
	authID    string
	digest    string
}

func newCramMD5() *cramMD5Mechanism {
	return &cramMD5Mechanism{challenge: []byte(cramChallenge())}
}

func cramChallenge() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "localhost"
	}
	return fmt.Sprintf("<%d.%d@%s>", rand.Int63(), os.Getpid(), hostname)
}

func (m *cramMD5Mechanism) Name() string { return "CRAM-MD5" }

func (m *cramMD5Mechanism) Challenge() ([]byte, bool) {
	if m.sent {
		return nil, false
	}
	m.sent = true
	return m.challenge, true
}

func (m *cramMD5Mechanism) Respond(resp []byte) (bool, error) {
	fields := strings.Fields(string(resp))
	if len(fields) != 2 {
		return false, errors.New("sasl: malformed CRAM-MD5 response")
	}
	m.authID, m.digest = fields[0], fields[1]
	// The HMAC cannot be verified without the shared secret; the caller
	// must invoke VerifyCramMD5 with the store-provided secret.
	m.creds = Credentials{AuthID: m.authID}
	return true, nil
}

func (m *cramMD5Mechanism) Credentials() Credentials { return m.creds }

// VerifyCramMD5 recomputes the expected digest over challenge using secret
// and compares it, constant-time, against the client-supplied hex digest.
func (m *cramMD5Mechanism) VerifyCramMD5(secret string) bool {
	mac := hmac.New(md5.New, []byte(secret))
	mac.Write(m.challenge)
	expected := hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(m.digest)) == 1
}

// Base64Decode / Base64Encode wrap the standard encoding used on the wire
// for every AUTH continuation line.
func Base64Decode(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }
func Base64Encode(b []byte) string          { return base64.StdEncoding.EncodeToString(b) }

// bcryptStore is an in-memory CredentialStore backed by bcrypt password
// hashes.
type bcryptStore struct {
	hashed map[string][]byte
	shared map[string]string
}

// NewBcryptStore builds a CredentialStore from a map of authid to bcrypt hash.
func NewBcryptStore(hashed map[string][]byte, sharedSecrets map[string]string) CredentialStore {
	return &bcryptStore{hashed: hashed, shared: sharedSecrets}
}

func (s *bcryptStore) Verify(authid, authpass string) bool {
	hash, ok := s.hashed[authid]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(authpass)) == nil
}

func (s *bcryptStore) SharedSecret(authid string) (string, bool) {
	secret, ok := s.shared[authid]
	return secret, ok
}

// HashPassword is the registration-time counterpart of bcryptStore.Verify.
func HashPassword(plaintext string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
}
