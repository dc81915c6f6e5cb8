package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"docnotary/go-core/internal/apperr"
	"docnotary/go-core/internal/identity"
	"docnotary/go-core/internal/mnemonic"
	"docnotary/go-core/internal/payload"
	"docnotary/go-core/internal/securestore"
	"docnotary/go-core/internal/session"
)

const (
	exitOK            = 0
	exitInternal      = 1
	exitInvalidInput  = 10
	exitNetworkFailed = 20
	exitAuthRejected  = 30
	exitCryptoFailed  = 40
	exitStoreFailed   = 50
)

var (
	version = "dev"
	commit  = "unknown"
)

// Swapped by tests.
var (
	stdin  io.Reader = os.Stdin
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string) int {
	if len(args) < 1 {
		printUsage()
		return exitInvalidInput
	}

	var err error
	switch args[0] {
	case "mnemonic":
		err = runMnemonic(args[1:])
	case "derive":
		err = runDerive(args[1:])
	case "payload":
		err = runPayload(args[1:])
	case "sign-doc":
		err = runSignDoc(ctx, args[1:])
	case "register":
		err = runRegister(ctx, args[1:])
	case "login":
		err = runLogin(ctx, args[1:])
	case "whoami":
		err = runWhoami(ctx, args[1:])
	case "logout":
		err = runLogout(ctx, args[1:])
	case "conformance":
		err = runConformance(ctx, args[1:])
	case "doctor":
		err = runDoctor(ctx, args[1:])
	case "version":
		_, err = fmt.Fprintf(stdout, "notary version=%s commit=%s\n", version, commit)
	default:
		printUsage()
		return exitInvalidInput
	}
	if err == nil {
		return exitOK
	}
	if errors.Is(err, errUsage) {
		printUsage()
		return exitInvalidInput
	}
	_, _ = fmt.Fprintln(stderr, err.Error())
	return exitCodeFor(err)
}

func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, apperr.ErrNetwork), errors.Is(err, errNotReady):
		return exitNetworkFailed
	case errors.Is(err, apperr.ErrInvalidMnemonic),
		errors.Is(err, mnemonic.ErrUnsupportedStrength),
		errors.Is(err, session.ErrEmailRequired),
		errors.Is(err, payload.ErrInvalidDigest),
		errors.Is(err, errEmptyInput),
		errors.Is(err, apperr.ErrInvalidTransition):
		return exitInvalidInput
	case errors.Is(err, apperr.ErrChallengeExpiredOrInvalid),
		errors.Is(err, apperr.ErrRefreshFailure),
		errors.Is(err, apperr.ErrNotAuthenticated),
		errors.Is(err, apperr.ErrRateLimited),
		errors.Is(err, session.ErrBiometricDenied),
		errors.Is(err, identity.ErrNoIdentity),
		apperr.IsAuthFailure(err):
		return exitAuthRejected
	case errors.Is(err, apperr.ErrSigningFailure),
		errors.Is(err, apperr.ErrDerivationFailure):
		return exitCryptoFailed
	case errors.Is(err, securestore.ErrAuthFailed),
		errors.Is(err, securestore.ErrInvalid):
		return exitStoreFailed
	default:
		return exitInternal
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printUsage() {
	lines := []string{
		"notary <command> [flags]",
		"commands:",
		"  mnemonic new   [--words 12|24] [--json]",
		"  mnemonic check",
		"  derive         [--config path] [--json]",
		"  payload        --sha256 <hex> --title <title> [--participants a,b]",
		"  sign-doc       --sha256 <hex> --title <title> [--participants a,b] [--config path]",
		"  register       --email <email> [--username name] [--config path]",
		"  login          --email <email> [--config path]",
		"  whoami         [--config path] [--unattended]",
		"  logout         [--config path] [--unattended] [--force]",
		"  conformance    --email <email> [--config path]",
		"  doctor         [--config path] [--require-key] [--json]",
		"  version",
		"",
		"the recovery phrase is read from the terminal, or from stdin when piped.",
		"the secret store passphrase comes from " + envStorePassphrase + " or the terminal.",
		"set " + envKeyPassphrase + " to seal the signing key with a separate passphrase.",
	}
	for _, l := range lines {
		if _, err := fmt.Fprintln(stderr, l); err != nil {
			return
		}
	}
}
