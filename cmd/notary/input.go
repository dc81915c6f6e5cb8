package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"docnotary/go-core/internal/securestore"

	"golang.org/x/term"
)

const (
	envStorePassphrase = "NOTARY_STORE_PASSPHRASE"
	// Optional. When set, the signing key and recovery phrase are sealed
	// with it instead of the store passphrase.
	envKeyPassphrase = "NOTARY_KEY_PASSPHRASE"
)

var errEmptyInput = errors.New("no input")

// readSecret reads one line without echo when stdin is a terminal, or the
// next line of stdin otherwise.
func readSecret(prompt string) (string, error) {
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		_, _ = fmt.Fprint(stderr, prompt)
		raw, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(stderr)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", strings.TrimSuffix(strings.TrimSpace(prompt), ":"), err)
		}
		defer clear(raw)
		return nonEmpty(string(raw))
	}
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", errEmptyInput
	}
	return nonEmpty(line)
}

func readPhrase() (string, error) {
	return readSecret("Recovery phrase: ")
}

func storePassphrase() (string, error) {
	if v := os.Getenv(envStorePassphrase); strings.TrimSpace(v) != "" {
		return v, nil
	}
	f, ok := stdin.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return "", fmt.Errorf("set %s or run from a terminal to unlock the secret store", envStorePassphrase)
	}
	return readSecret("Secret store passphrase: ")
}

func keyMaterialOption() securestore.FileOption {
	return securestore.WithClassPassphrase(securestore.ClassKeyMaterial, os.Getenv(envKeyPassphrase))
}

func nonEmpty(v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", errEmptyInput
	}
	return v, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
