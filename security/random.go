package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// ErrRandomUnavailable is returned when the secure random source cannot
// produce bytes. Callers must treat it as fatal for the operation at hand;
// there is no fallback to a weaker generator.
var ErrRandomUnavailable = errors.New("secure random source unavailable")

// DefaultTokenBytes is the entropy used for anti-forgery tokens (256 bits).
const DefaultTokenBytes = 32

// TokenSource generates cryptographically strong random strings.
// The zero value reads from crypto/rand.
type TokenSource struct {
	reader io.Reader
}

// NewTokenSource creates a token source reading from r.
// A nil reader selects crypto/rand.Reader. Tests inject failing readers here.
func NewTokenSource(r io.Reader) *TokenSource {
	return &TokenSource{reader: r}
}

// Bytes returns n random bytes.
func (s *TokenSource) Bytes(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid byte length %d", n)
	}

	r := rand.Reader
	if s != nil && s.reader != nil {
		r = s.reader
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRandomUnavailable, err)
	}
	return b, nil
}

// Hex returns n random bytes hex-encoded (2n characters).
func (s *TokenSource) Hex(n int) (string, error) {
	b, err := s.Bytes(n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// RandomHex returns byteLength bytes from crypto/rand, hex-encoded.
func RandomHex(byteLength int) (string, error) {
	var s *TokenSource
	return s.Hex(byteLength)
}
