// Package keys validates the Ed25519 public keys users register for
// end-to-end encryption. Keys travel as base58. The server never holds
// private keys; it only checks that a key is usable and derives the forms
// clients need to find each other: a checksummed fingerprint and the X25519
// box key.
package keys

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

var (
	ErrEncoding = errors.New("public key is not base58")
	ErrLength   = errors.New("public key has wrong length")
	ErrPoint    = errors.New("public key is not a curve point")
	ErrChecksum = errors.New("fingerprint checksum mismatch")
)

// ParsePublicKey decodes a base58 Ed25519 public key and checks that it is a
// valid point on the curve.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrLength, ed25519.PublicKeySize, len(raw))
	}
	if _, err := new(edwards25519.Point).SetBytes(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPoint, err)
	}
	return ed25519.PublicKey(raw), nil
}

// Encode returns the base58 form of pub.
func Encode(pub ed25519.PublicKey) string {
	return base58.Encode(pub)
}

// Fingerprint is base58(pubkey || sha256(pubkey)[0:4]). The trailing
// checksum lets clients catch a mistyped key.
func Fingerprint(pub ed25519.PublicKey) string {
	hash := sha256.Sum256(pub)
	payload := make([]byte, 0, len(pub)+4)
	payload = append(payload, pub...)
	payload = append(payload, hash[:4]...)
	return base58.Encode(payload)
}

// ParseFingerprint verifies a fingerprint and returns the embedded key.
func ParseFingerprint(fp string) (ed25519.PublicKey, error) {
	decoded, err := base58.Decode(fp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	if len(decoded) != ed25519.PublicKeySize+4 {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrLength, ed25519.PublicKeySize+4, len(decoded))
	}
	pub, sum := decoded[:ed25519.PublicKeySize], decoded[ed25519.PublicKeySize:]
	hash := sha256.Sum256(pub)
	for i := range 4 {
		if sum[i] != hash[i] {
			return nil, ErrChecksum
		}
	}
	return ed25519.PublicKey(pub), nil
}

// BoxKey converts pub to its birationally equivalent X25519 public key, in
// base58, for clients sealing messages with NaCl box.
func BoxKey(pub ed25519.PublicKey) (string, error) {
	point, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPoint, err)
	}
	return base58.Encode(point.BytesMontgomery()), nil
}
