package message

import (
	"crypto/rand"
	"errors"
	"fmt"
)

// TokenLength is the number of characters in a LoginToken.
const TokenLength = 40

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// ErrMalformedToken is returned by ParseToken for strings that cannot be a
// LoginToken.
var ErrMalformedToken = errors.New("malformed login token")

// LoginToken is the credential minted at login and presented at stream
// upgrade.
type LoginToken string

// tokenSource is swapped in tests.
var tokenSource = rand.Read

// NewLoginToken returns a random alphanumeric token of TokenLength characters.
func NewLoginToken() (LoginToken, error) {
	out := make([]byte, 0, TokenLength)
	buf := make([]byte, TokenLength)
	// 248 is the largest multiple of 62 below 256; larger bytes are rejected
	// so every character is equally likely.
	for len(out) < TokenLength {
		if _, err := tokenSource(buf); err != nil {
			return "", fmt.Errorf("generate login token: %w", err)
		}
		for _, b := range buf {
			if b >= 248 {
				continue
			}
			out = append(out, tokenAlphabet[int(b)%len(tokenAlphabet)])
			if len(out) == TokenLength {
				break
			}
		}
	}
	return LoginToken(out), nil
}

// ParseToken validates that s is exactly TokenLength ASCII alphanumerics.
func ParseToken(s string) (LoginToken, error) {
	if len(s) != TokenLength {
		return "", fmt.Errorf("%w: length %d", ErrMalformedToken, len(s))
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return "", fmt.Errorf("%w: invalid character at %d", ErrMalformedToken, i)
		}
	}
	return LoginToken(s), nil
}

// Redacted returns a prefix of the token suitable for logs.
func (t LoginToken) Redacted() string {
	if len(t) <= 6 {
		return "***"
	}
	return string(t[:6]) + "***"
}
