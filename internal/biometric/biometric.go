// Package biometric gates access to stored credentials behind a local user
// check.
package biometric

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"golang.org/x/term"
)

var ErrUnavailable = errors.New("biometric check unavailable")

type Authenticator interface {
	IsAvailable() bool
	// Evaluate returns false without error when the user declines or fails
	// the check.
	Evaluate(ctx context.Context, reason string) (bool, error)
}

// Static answers every check the same way.
type Static struct {
	Available bool
	Allow     bool
	Err       error

	calls atomic.Int32
}

func (s *Static) IsAvailable() bool { return s.Available }

func (s *Static) Evaluate(ctx context.Context, _ string) (bool, error) {
	s.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !s.Available {
		return false, ErrUnavailable
	}
	if s.Err != nil {
		return false, s.Err
	}
	return s.Allow, nil
}

func (s *Static) Calls() int { return int(s.calls.Load()) }

// PassphrasePrompt stands in for a biometric sensor on a terminal: the user
// re-enters the secret store passphrase.
type PassphrasePrompt struct {
	expected string
	fd       int
	out      io.Writer
	read     func(fd int) ([]byte, error)
	isTerm   func(fd int) bool
}

func NewPassphrasePrompt(expected string) *PassphrasePrompt {
	return &PassphrasePrompt{
		expected: expected,
		fd:       int(os.Stdin.Fd()),
		out:      os.Stderr,
		read:     term.ReadPassword,
		isTerm:   term.IsTerminal,
	}
}

func (p *PassphrasePrompt) IsAvailable() bool {
	return p.expected != "" && p.isTerm(p.fd)
}

func (p *PassphrasePrompt) Evaluate(ctx context.Context, reason string) (bool, error) {
	if !p.IsAvailable() {
		return false, ErrUnavailable
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if strings.TrimSpace(reason) != "" {
		_, _ = fmt.Fprintf(p.out, "%s\n", reason)
	}
	_, _ = io.WriteString(p.out, "Passphrase: ")
	got, err := p.read(p.fd)
	_, _ = io.WriteString(p.out, "\n")
	if err != nil {
		return false, fmt.Errorf("read passphrase: %w", err)
	}
	defer func() {
		for i := range got {
			got[i] = 0
		}
	}()
	return subtle.ConstantTimeCompare(got, []byte(p.expected)) == 1, nil
}
