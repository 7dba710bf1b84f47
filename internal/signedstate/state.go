// Package signedstate issues and verifies self-validating OAuth state tokens.
//
// A token is "<unix-millis>.<hex HMAC-SHA256(secret, unix-millis)>". Any process
// holding the same secret can verify it, so the instance serving the callback
// does not need to be the one that started the flow.
package signedstate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxAge is how long a token stays valid after issue.
const DefaultMaxAge = 10 * time.Minute

// Signer creates and verifies state tokens.
type Signer struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// Option customizes a Signer.
type Option func(*Signer)

// WithMaxAge overrides DefaultMaxAge.
func WithMaxAge(d time.Duration) Option {
	return func(s *Signer) { s.maxAge = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

// New returns a Signer keyed with secret.
func New(secret []byte, opts ...Option) *Signer {
	s := &Signer{
		secret: secret,
		maxAge: DefaultMaxAge,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create mints a token stamped with the current time.
func (s *Signer) Create() string {
	ts := strconv.FormatInt(s.now().UnixMilli(), 10)
	return ts + "." + hex.EncodeToString(s.sign(ts))
}

// Verify reports whether token was issued by this secret within the max age.
func (s *Signer) Verify(token string) bool {
	ts, sig, ok := strings.Cut(token, ".")
	if !ok {
		return false
	}

	issued, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}

	age := s.now().Sub(time.UnixMilli(issued))
	if age < 0 || age > s.maxAge {
		return false
	}

	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(got, s.sign(ts))
}

func (s *Signer) sign(ts string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(ts))
	return mac.Sum(nil)
}
