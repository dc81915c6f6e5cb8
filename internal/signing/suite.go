package signing

import (
	"crypto/sha512"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Suite selects the hash used inside Ed25519. SHA512 is RFC 8032 Ed25519;
// SHA3_512 substitutes SHA3-512 for key expansion, nonce derivation and the
// challenge hash. The two are not signature compatible.
type Suite int

const (
	SHA512 Suite = iota
	SHA3_512
)

func (s Suite) String() string {
	switch s {
	case SHA512:
		return "sha512"
	case SHA3_512:
		return "sha3-512"
	default:
		return fmt.Sprintf("suite(%d)", int(s))
	}
}

// ParseSuite accepts the config spellings of a suite.
func ParseSuite(v string) (Suite, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "sha512", "sha-512", "ed25519":
		return SHA512, nil
	case "sha3-512", "sha3_512", "sha3":
		return SHA3_512, nil
	default:
		return 0, fmt.Errorf("unknown signing hash %q", v)
	}
}

func (s Suite) newHash() func() hash.Hash {
	if s == SHA3_512 {
		return func() hash.Hash { return sha3.New512() }
	}
	return sha512.New
}
