// Package mnemonic generates and validates BIP-39 recovery phrases and turns
// them into binary seeds.
package mnemonic

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"docnotary/go-core/internal/apperr"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/text/unicode/norm"
)

const (
	Strength128 = 128 // 12 words
	Strength256 = 256 // 24 words

	SeedSize = 64
)

var (
	ErrUnsupportedStrength = errors.New("entropy strength must be 128 or 256 bits")

	ErrWordCount   = fmt.Errorf("%w: word count must be 12 or 24", apperr.ErrInvalidMnemonic)
	ErrUnknownWord = fmt.Errorf("%w: word is not in the wordlist", apperr.ErrInvalidMnemonic)
	ErrChecksum    = fmt.Errorf("%w: checksum mismatch", apperr.ErrInvalidMnemonic)
)

var wordIndex = sync.OnceValue(func() map[string]int {
	list := bip39.GetWordList()
	idx := make(map[string]int, len(list))
	for i, w := range list {
		idx[norm.NFKD.String(w)] = i
	}
	return idx
})

// Mnemonic is a validated recovery phrase. The zero value is not valid.
type Mnemonic struct {
	words []string
}

// Words returns a copy of the normalized words.
func (m Mnemonic) Words() []string {
	return append([]string(nil), m.words...)
}

// Phrase returns the space-joined sentence.
func (m Mnemonic) Phrase() string {
	return strings.Join(m.words, " ")
}

func (m Mnemonic) WordCount() int { return len(m.words) }

func (m Mnemonic) IsZero() bool { return len(m.words) == 0 }

// String redacts the phrase so it never lands in fmt output by accident.
func (m Mnemonic) String() string { return fmt.Sprintf("[MNEMONIC %d words]", len(m.words)) }

func (m Mnemonic) LogValue() slog.Value { return slog.StringValue(m.String()) }

// Generate draws strength bits of secure entropy and encodes them as a phrase.
func Generate(strength int) (Mnemonic, error) {
	if strength != Strength128 && strength != Strength256 {
		return Mnemonic{}, ErrUnsupportedStrength
	}
	entropy, err := bip39.NewEntropy(strength)
	if err != nil {
		return Mnemonic{}, fmt.Errorf("%w: entropy: %v", apperr.ErrDerivationFailure, err)
	}
	defer zeroBytes(entropy)
	return FromEntropy(entropy)
}

// FromEntropy encodes 16 or 32 bytes of entropy as a phrase.
func FromEntropy(entropy []byte) (Mnemonic, error) {
	if len(entropy)*8 != Strength128 && len(entropy)*8 != Strength256 {
		return Mnemonic{}, ErrUnsupportedStrength
	}
	sentence, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return Mnemonic{}, fmt.Errorf("%w: encode mnemonic: %v", apperr.ErrDerivationFailure, err)
	}
	m, err := Parse(sentence)
	if err != nil {
		// Only reachable if the wordlist changed underneath us.
		return Mnemonic{}, fmt.Errorf("%w: generated phrase failed validation: %v", apperr.ErrDerivationFailure, err)
	}
	return m, nil
}

// Parse splits a user-entered phrase on whitespace and validates it.
func Parse(phrase string) (Mnemonic, error) {
	return Validate(strings.Fields(phrase))
}

// Validate checks word count, wordlist membership and checksum. Words are
// NFKD-normalized and lower-cased; nothing else is corrected.
func Validate(candidate []string) (Mnemonic, error) {
	words := make([]string, 0, len(candidate))
	for _, w := range candidate {
		w = strings.ToLower(norm.NFKD.String(strings.TrimSpace(w)))
		if w == "" {
			continue
		}
		words = append(words, w)
	}
	if len(words) != 12 && len(words) != 24 {
		return Mnemonic{}, fmt.Errorf("%w (got %d)", ErrWordCount, len(words))
	}

	index := wordIndex()
	indices := make([]int, len(words))
	for i, w := range words {
		v, ok := index[w]
		if !ok {
			return Mnemonic{}, fmt.Errorf("%w (position %d)", ErrUnknownWord, i+1)
		}
		indices[i] = v
	}
	if !checksumValid(indices) {
		return Mnemonic{}, ErrChecksum
	}
	return Mnemonic{words: words}, nil
}

// ToSeed derives the 64-byte BIP-39 seed:
// PBKDF2-HMAC-SHA512(NFKD(sentence), "mnemonic"+NFKD(passphrase), 2048).
func ToSeed(m Mnemonic, passphrase string) []byte {
	return bip39.NewSeed(norm.NFKD.String(m.Phrase()), norm.NFKD.String(passphrase))
}

// checksumValid repacks the 11-bit word indices and compares the trailing
// ENT/32 checksum bits with SHA-256 of the leading entropy bytes.
func checksumValid(indices []int) bool {
	buf := make([]byte, (len(indices)*11+7)/8)
	pos := 0
	for _, v := range indices {
		for b := 10; b >= 0; b-- {
			if (v>>uint(b))&1 == 1 {
				buf[pos/8] |= 0x80 >> uint(pos%8)
			}
			pos++
		}
	}
	csBits := len(indices) / 3
	entropy := buf[:(len(indices)*11-csBits)/8]
	defer zeroBytes(buf)

	sum := sha256.Sum256(entropy)
	want := sum[0] >> uint(8-csBits)
	got := buf[len(entropy)] >> uint(8-csBits)
	return want == got
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
