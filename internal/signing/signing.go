// Package signing produces and verifies Ed25519 signatures for the device
// identity.
package signing

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"docnotary/go-core/internal/apperr"

	"github.com/mr-tron/base58"
)

const (
	SeedSize      = ed25519.SeedSize
	PublicKeySize = ed25519.PublicKeySize
	SignatureSize = ed25519.SignatureSize

	redacted = "[SECRET]"
)

// KeyPair is the device signing key. The private half never leaves the
// process except through Seed for the secret store.
type KeyPair struct {
	suite    Suite
	seed     []byte
	public   []byte
	std      ed25519.PrivateKey
	expanded *expandedKey
}

// NewKeyPair expands a 32-byte private seed for suite.
func NewKeyPair(seed []byte, suite Suite) (KeyPair, error) {
	if len(seed) != SeedSize {
		return KeyPair{}, fmt.Errorf("%w: private key must be %d bytes, got %d", apperr.ErrSigningFailure, SeedSize, len(seed))
	}
	kp := KeyPair{suite: suite, seed: append([]byte(nil), seed...)}
	switch suite {
	case SHA512:
		kp.std = ed25519.NewKeyFromSeed(kp.seed)
		kp.public = append([]byte(nil), kp.std.Public().(ed25519.PublicKey)...)
	case SHA3_512:
		exp, err := expandSeed(suite.newHash(), kp.seed)
		if err != nil {
			return KeyPair{}, fmt.Errorf("%w: expand key: %v", apperr.ErrSigningFailure, err)
		}
		kp.expanded = exp
		kp.public = append([]byte(nil), exp.public...)
	default:
		return KeyPair{}, fmt.Errorf("%w: unsupported suite %s", apperr.ErrSigningFailure, suite)
	}
	return kp, nil
}

func (k KeyPair) Suite() Suite { return k.suite }

func (k KeyPair) IsZero() bool { return len(k.seed) == 0 }

// PublicKey returns a copy of the 32-byte public key.
func (k KeyPair) PublicKey() []byte { return append([]byte(nil), k.public...) }

// Seed returns a copy of the private seed. Callers zero it when done.
func (k KeyPair) Seed() []byte { return append([]byte(nil), k.seed...) }

// Sign returns the 64-byte signature of message.
func (k KeyPair) Sign(message []byte) ([]byte, error) {
	switch {
	case k.std != nil:
		return ed25519.Sign(k.std, message), nil
	case k.expanded != nil:
		sig, err := signWith(k.suite.newHash(), k.expanded, message)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperr.ErrSigningFailure, err)
		}
		return sig, nil
	default:
		return nil, fmt.Errorf("%w: no signing key loaded", apperr.ErrSigningFailure)
	}
}

// Zero wipes the private material held by k.
func (k *KeyPair) Zero() {
	zeroBytes(k.seed)
	zeroBytes(k.std)
	if k.expanded != nil {
		k.expanded.wipe()
	}
	k.seed, k.std, k.expanded = nil, nil, nil
}

func (k KeyPair) String() string { return redacted }

func (k KeyPair) Format(f fmt.State, _ rune) {
	_, _ = io.WriteString(f, redacted)
}

func (k KeyPair) MarshalJSON() ([]byte, error) { return json.Marshal(redacted) }

func (k KeyPair) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("suite", k.suite.String()),
		slog.String("public_key_fp", Fingerprint(k.public)),
	)
}

// Verify reports whether sig is a valid suite signature of message by publicKey.
func Verify(suite Suite, publicKey, message, sig []byte) bool {
	switch suite {
	case SHA512:
		if len(publicKey) != PublicKeySize {
			return false
		}
		return ed25519.Verify(publicKey, message, sig)
	case SHA3_512:
		return verifyWith(suite.newHash(), publicKey, message, sig)
	default:
		return false
	}
}

// Fingerprint is a short, display-only identifier of a public key.
func Fingerprint(publicKey []byte) string {
	if len(publicKey) == 0 {
		return ""
	}
	sum := sha256.Sum256(publicKey)
	return base58.Encode(sum[:12])
}
