// Package privacylog keeps secrets and personal identifiers out of logs.
package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

var (
	// Values under these keys are replaced by a per-process fingerprint so
	// log lines about one account can still be correlated.
	fingerprintedKeys = map[string]struct{}{
		"email":     {},
		"challenge": {},
		"user_id":   {},
		"username":  {},
		"device_id": {},
	}
	// A key containing any of these is dropped entirely.
	secretKeyParts = []string{
		"token", "secret", "password", "passphrase", "phrase", "mnemonic",
		"seed", "private", "signature", "authorization", "cookie",
	}
	processSalt = newSalt()
)

// NewLogger returns a slog logger writing to w through the sanitizing
// handler. format is "json" or "text".
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var base slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		base = slog.NewTextHandler(w, opts)
	}
	return slog.New(WrapHandler(base))
}

// ParseLevel maps debug/info/warn/error to a slog level, defaulting to info.
func ParseLevel(v string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(v))); err != nil {
		return slog.LevelInfo
	}
	return level
}

type SanitizingHandler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(sanitize(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SanitizingHandler{next: h.next.WithAttrs(sanitizeAll(attrs))}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

func sanitize(attr slog.Attr) slog.Attr {
	// Resolve first: redacting types such as keys and mnemonics are
	// LogValuers and must render through their own LogValue.
	attr.Value = attr.Value.Resolve()
	key := strings.TrimSpace(attr.Key)
	lower := strings.ToLower(key)
	switch {
	case isSecretKey(lower):
		return slog.String(key, redactedValue)
	case isFingerprintedKey(lower):
		return slog.String(key+"_fp", fingerprintID(attr.Value.String()))
	case attr.Value.Kind() == slog.KindGroup:
		return slog.Attr{Key: key, Value: slog.GroupValue(sanitizeAll(attr.Value.Group())...)}
	default:
		return attr
	}
}

func sanitizeAll(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		out[i] = sanitize(attr)
	}
	return out
}

func isFingerprintedKey(key string) bool {
	_, ok := fingerprintedKeys[key]
	return ok
}

func isSecretKey(key string) bool {
	for _, part := range secretKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

// fingerprintID is stable within one process and unlinkable across runs.
func fingerprintID(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(v + "|" + processSalt))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func newSalt() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "fallback_salt"
	}
	return hex.EncodeToString(buf[:])
}
