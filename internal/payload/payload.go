// Package payload builds the canonical byte string signed for a document.
//
// The layout is fixed: keys in the order sha256Hex, docTitle,
// participantsUsernames, no whitespace, and participants sorted by case-folded
// name. Two devices given the same inputs always sign identical bytes.
package payload

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

const digestHexLen = 64

var ErrInvalidDigest = errors.New("invalid sha256 digest")

// Build returns the canonical payload. participants is not modified.
func Build(sha256Hex, title string, participants []string) []byte {
	sorted := SortParticipants(participants)

	var b strings.Builder
	b.Grow(64 + len(sha256Hex) + len(title) + 8*len(sorted))
	b.WriteString(`{"sha256Hex":`)
	writeString(&b, strings.ToLower(sha256Hex))
	b.WriteString(`,"docTitle":`)
	writeString(&b, title)
	b.WriteString(`,"participantsUsernames":[`)
	for i, p := range sorted {
		if i > 0 {
			b.WriteByte(',')
		}
		writeString(&b, p)
	}
	b.WriteString(`]}`)
	return []byte(b.String())
}

// SortParticipants returns a copy ordered by Unicode simple case folding,
// with raw byte order breaking ties between names that fold equal.
func SortParticipants(participants []string) []string {
	out := slices.Clone(participants)
	if out == nil {
		return []string{}
	}
	folder := cases.Fold()
	keys := make(map[string]string, len(out))
	for _, p := range out {
		if _, ok := keys[p]; !ok {
			keys[p] = folder.String(p)
		}
	}
	slices.SortStableFunc(out, func(a, b string) int {
		if c := strings.Compare(keys[a], keys[b]); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
	return out
}

// ValidateDigestHex checks that v is a hex-encoded SHA-256 digest.
func ValidateDigestHex(v string) error {
	if len(v) != digestHexLen {
		return fmt.Errorf("%w: want %d hex characters, got %d", ErrInvalidDigest, digestHexLen, len(v))
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return fmt.Errorf("%w: non-hex character at offset %d", ErrInvalidDigest, i)
		}
	}
	return nil
}

const hexDigits = "0123456789abcdef"

// writeString emits s as a JSON string, escaping only what JSON requires.
func writeString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			switch {
			case c == '"':
				b.WriteString(`\"`)
			case c == '\\':
				b.WriteString(`\\`)
			case c == '\n':
				b.WriteString(`\n`)
			case c == '\r':
				b.WriteString(`\r`)
			case c == '\t':
				b.WriteString(`\t`)
			case c == '\b':
				b.WriteString(`\b`)
			case c == '\f':
				b.WriteString(`\f`)
			case c < 0x20:
				b.WriteString(`\u00`)
				b.WriteByte(hexDigits[c>>4])
				b.WriteByte(hexDigits[c&0xf])
			default:
				b.WriteByte(c)
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			b.WriteString(`�`)
		} else {
			b.WriteString(s[i : i+size])
		}
		i += size
	}
	b.WriteByte('"')
}
