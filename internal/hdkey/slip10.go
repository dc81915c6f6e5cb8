// Package hdkey implements SLIP-0010 hierarchical derivation for Ed25519.
//
// Ed25519 only supports hardened children, so every path segment is hardened
// and the derivation never touches public keys.
package hdkey

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"docnotary/go-core/internal/apperr"
	"docnotary/go-core/internal/signing"
)

const (
	HardenedOffset uint32 = 0x80000000

	masterHMACKey = "ed25519 seed"

	minSeedLen = 16
	maxSeedLen = 64
)

// DefaultPath is the only path the identity uses: m/44'/53550'/0'/0'/0'.
var DefaultPath = Path{44, 53550, 0, 0, 0}

var (
	ErrInvalidPath = errors.New("invalid derivation path")
	ErrNonHardened = fmt.Errorf("%w: ed25519 supports hardened segments only", ErrInvalidPath)
)

// Path holds segment indexes without the hardened bit.
type Path []uint32

func (p Path) String() string {
	var b strings.Builder
	b.WriteString("m")
	for _, seg := range p {
		b.WriteString("/")
		b.WriteString(strconv.FormatUint(uint64(seg&^HardenedOffset), 10))
		b.WriteString("'")
	}
	return b.String()
}

// ParsePath parses "m/44'/53550'/0'/0'/0'". The "h" suffix is accepted as an
// alias for "'".
func ParsePath(s string) (Path, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) == 0 || parts[0] != "m" {
		return nil, fmt.Errorf("%w: must start with m", ErrInvalidPath)
	}
	out := make(Path, 0, len(parts)-1)
	for i, part := range parts[1:] {
		var hardened bool
		switch {
		case strings.HasSuffix(part, "'"):
			part, hardened = strings.TrimSuffix(part, "'"), true
		case strings.HasSuffix(part, "h"), strings.HasSuffix(part, "H"):
			part, hardened = part[:len(part)-1], true
		}
		if !hardened {
			return nil, fmt.Errorf("%w (segment %d)", ErrNonHardened, i+1)
		}
		v, err := strconv.ParseUint(part, 10, 32)
		if err != nil || uint32(v) >= HardenedOffset {
			return nil, fmt.Errorf("%w: bad segment %q", ErrInvalidPath, part)
		}
		out = append(out, uint32(v))
	}
	return out, nil
}

// ExtendedKey is the transient (key, chain code) pair of SLIP-0010.
type ExtendedKey struct {
	Key       [32]byte
	ChainCode [32]byte
}

// Zero wipes both halves.
func (k *ExtendedKey) Zero() {
	for i := range k.Key {
		k.Key[i] = 0
		k.ChainCode[i] = 0
	}
}

// MasterKey computes HMAC-SHA512(key="ed25519 seed", data=seed).
func MasterKey(seed []byte) (ExtendedKey, error) {
	if len(seed) < minSeedLen || len(seed) > maxSeedLen {
		return ExtendedKey{}, fmt.Errorf("%w: seed must be %d..%d bytes, got %d", apperr.ErrDerivationFailure, minSeedLen, maxSeedLen, len(seed))
	}
	return split(hmacSHA512([]byte(masterHMACKey), seed)), nil
}

// DeriveChild derives the hardened child at index. The hardened bit is set
// whether or not the caller already set it.
func DeriveChild(parent ExtendedKey, index uint32) ExtendedKey {
	var msg [1 + 32 + 4]byte
	msg[0] = 0x00
	copy(msg[1:33], parent.Key[:])
	binary.BigEndian.PutUint32(msg[33:], index|HardenedOffset)
	out := split(hmacSHA512(parent.ChainCode[:], msg[:]))
	for i := range msg {
		msg[i] = 0
	}
	return out
}

// Derive walks path from the master key and returns the final 32-byte key,
// which is the Ed25519 private seed.
func Derive(seed []byte, path Path) ([32]byte, error) {
	key, err := MasterKey(seed)
	if err != nil {
		return [32]byte{}, err
	}
	for _, seg := range path {
		next := DeriveChild(key, seg)
		key.Zero()
		key = next
	}
	out := key.Key
	key.Zero()
	return out, nil
}

// DeriveKeyPair derives the key at path and expands it for suite.
func DeriveKeyPair(seed []byte, path Path, suite signing.Suite) (signing.KeyPair, error) {
	priv, err := Derive(seed, path)
	if err != nil {
		return signing.KeyPair{}, err
	}
	defer func() {
		for i := range priv {
			priv[i] = 0
		}
	}()
	return signing.NewKeyPair(priv[:], suite)
}

func hmacSHA512(key, data []byte) []byte {
	mac := hmac.New(sha512.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func split(sum []byte) ExtendedKey {
	var k ExtendedKey
	copy(k.Key[:], sum[:32])
	copy(k.ChainCode[:], sum[32:])
	for i := range sum {
		sum[i] = 0
	}
	return k
}
