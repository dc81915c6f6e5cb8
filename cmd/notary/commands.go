package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"strings"

	"docnotary/go-core/internal/apperr"
	"docnotary/go-core/internal/hdkey"
	"docnotary/go-core/internal/identity"
	"docnotary/go-core/internal/mnemonic"
	"docnotary/go-core/internal/payload"
	"docnotary/go-core/internal/securestore"
	"docnotary/go-core/internal/session"
	"docnotary/go-core/internal/signing"
	"docnotary/go-core/pkg/models"
)

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func runMnemonic(args []string) error {
	if len(args) < 1 {
		return errUsage
	}
	switch args[0] {
	case "new":
		fs := newFlagSet("mnemonic new")
		words := fs.Int("words", 12, "phrase length: 12 or 24")
		asJSON := fs.Bool("json", false, "emit json")
		if err := fs.Parse(args[1:]); err != nil {
			return errUsage
		}
		m, err := mnemonic.Generate(*words * 32 / 3)
		if err != nil {
			return fmt.Errorf("generate %d words: %w", *words, err)
		}
		if *asJSON {
			return printJSON(map[string]any{"words": m.Words(), "wordCount": m.WordCount()})
		}
		_, err = fmt.Fprintln(stdout, m.Phrase())
		return err
	case "check":
		phrase, err := readPhrase()
		if err != nil {
			return err
		}
		m, err := mnemonic.Parse(phrase)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(stdout, "valid words=%d\n", m.WordCount())
		return err
	default:
		return errUsage
	}
}

func runDerive(args []string) error {
	fs := newFlagSet("derive")
	configPath := fs.String("config", "", "config file")
	asJSON := fs.Bool("json", false, "emit json")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	cfg, logger, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	suite, err := cfg.Suite()
	if err != nil {
		return err
	}
	path, err := cfg.DerivationPath()
	if err != nil {
		return err
	}
	phrase, err := readPhrase()
	if err != nil {
		return err
	}
	ids := identity.NewService(securestore.NewMemoryStore(), identity.WithSuite(suite), identity.WithPath(path), identity.WithLogger(logger))
	kp, _, err := ids.Derive(phrase)
	if err != nil {
		return err
	}
	defer kp.Zero()

	pub := kp.PublicKey()
	out := map[string]any{
		"path":         path.String(),
		"suite":        suite.String(),
		"publicKeyB64": base64.StdEncoding.EncodeToString(pub),
		"publicKeyHex": hex.EncodeToString(pub),
		"fingerprint":  signing.Fingerprint(pub),
	}
	if *asJSON {
		return printJSON(out)
	}
	_, err = fmt.Fprintf(stdout, "path=%s suite=%s public_key=%s fingerprint=%s\n",
		out["path"], out["suite"], out["publicKeyB64"], out["fingerprint"])
	return err
}

type documentFlags struct {
	sha256       *string
	title        *string
	participants *string
}

func addDocumentFlags(fs *flag.FlagSet) documentFlags {
	return documentFlags{
		sha256:       fs.String("sha256", "", "hex SHA-256 digest of the document"),
		title:        fs.String("title", "", "document title"),
		participants: fs.String("participants", "", "comma separated participant usernames"),
	}
}

func (d documentFlags) validate() error {
	return payload.ValidateDigestHex(*d.sha256)
}

func runPayload(args []string) error {
	fs := newFlagSet("payload")
	doc := addDocumentFlags(fs)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if err := doc.validate(); err != nil {
		return err
	}
	body := payload.Build(*doc.sha256, *doc.title, splitList(*doc.participants))
	_, err := fmt.Fprintln(stdout, string(body))
	return err
}

func runSignDoc(ctx context.Context, args []string) error {
	fs := newFlagSet("sign-doc")
	flags := addCommonFlags(fs)
	doc := addDocumentFlags(fs)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if err := doc.validate(); err != nil {
		return err
	}
	a, err := newApp(flags, true)
	if err != nil {
		return err
	}
	defer a.close(flags)

	if _, err := a.ids.Load(ctx); err != nil {
		if errors.Is(err, identity.ErrNoIdentity) {
			return fmt.Errorf("%w: run login first", err)
		}
		return err
	}
	signed, err := a.ids.SignDocument(*doc.sha256, *doc.title, splitList(*doc.participants))
	if err != nil {
		return err
	}
	return printJSON(signed)
}

func runRegister(ctx context.Context, args []string) error {
	fs := newFlagSet("register")
	flags := addCommonFlags(fs)
	email := fs.String("email", "", "account email")
	username := fs.String("username", "", "username shown to other participants")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if models.NormalizeEmail(*email) == "" {
		return session.ErrEmailRequired
	}
	a, err := newApp(flags, false)
	if err != nil {
		return err
	}
	path, err := a.cfg.DerivationPath()
	if err != nil {
		return err
	}
	phrase, err := readPhrase()
	if err != nil {
		return err
	}
	ids := identity.NewService(securestore.NewMemoryStore(), identity.WithSuite(a.suite), identity.WithPath(path), identity.WithLogger(a.logger))
	kp, _, err := ids.Derive(phrase)
	if err != nil {
		return err
	}
	defer kp.Zero()
	pub := kp.PublicKey()

	if err := a.client.RegisterKey(ctx, models.RegisterKeyRequest{
		Email:        *email,
		Username:     strings.TrimSpace(*username),
		PublicKeyB64: base64.StdEncoding.EncodeToString(pub),
	}); err != nil {
		return err
	}
	return printJSON(map[string]any{
		"registered":  true,
		"email":       models.NormalizeEmail(*email),
		"fingerprint": signing.Fingerprint(pub),
	})
}

func runLogin(ctx context.Context, args []string) error {
	fs := newFlagSet("login")
	flags := addCommonFlags(fs)
	email := fs.String("email", "", "account email")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	a, err := newApp(flags, true)
	if err != nil {
		return err
	}
	defer a.close(flags)

	if err := a.ctrl.Start(ctx); err != nil {
		return err
	}
	if st, ok := a.ctrl.State().(session.RequiresBiometric); ok {
		return fmt.Errorf("%w: a session for %s is already stored, run whoami or logout",
			apperr.ErrInvalidTransition, st.Email)
	}
	if err := a.ctrl.RequestChallenge(ctx, *email); err != nil {
		return err
	}
	phrase, err := readPhrase()
	if err != nil {
		return err
	}
	if err := a.ctrl.CompleteAuthentication(ctx, phrase); err != nil {
		return err
	}
	return printAuthenticated(a)
}

func runWhoami(ctx context.Context, args []string) error {
	fs := newFlagSet("whoami")
	flags := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	a, err := newApp(flags, true)
	if err != nil {
		return err
	}
	defer a.close(flags)

	if err := resume(ctx, a); err != nil {
		return err
	}
	return printAuthenticated(a)
}

func runLogout(ctx context.Context, args []string) error {
	fs := newFlagSet("logout")
	flags := addCommonFlags(fs)
	force := fs.Bool("force", false, "drop local credentials even if the server cannot be reached")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	a, err := newApp(flags, true)
	if err != nil {
		return err
	}
	defer a.close(flags)

	if *force {
		if err := a.ctrl.Start(ctx); err != nil {
			return err
		}
		// Loaded so the best-effort server logout has a token to send.
		if err := a.guard.Restore(ctx); err != nil && !errors.Is(err, apperr.ErrNotAuthenticated) {
			a.logger.Debug("restore before forced logout failed", "error", err.Error())
		}
		if err := a.ctrl.ForceLogout(ctx); err != nil {
			return err
		}
	} else {
		if err := resume(ctx, a); err != nil {
			return err
		}
		if err := a.ctrl.Logout(ctx); err != nil {
			return fmt.Errorf("%w (use --force to drop local credentials)", err)
		}
	}
	return printJSON(map[string]any{"loggedOut": true})
}

// resume unlocks a stored session through the presence check.
func resume(ctx context.Context, a *app) error {
	if err := a.ctrl.Start(ctx); err != nil {
		return err
	}
	st, ok := a.ctrl.State().(session.RequiresBiometric)
	if !ok {
		return fmt.Errorf("%w: no stored session, run login", apperr.ErrNotAuthenticated)
	}
	return a.ctrl.AuthenticateWithBiometric(ctx, "Unlock the notary session for "+st.Email)
}

func printAuthenticated(a *app) error {
	st, ok := a.ctrl.State().(session.Authenticated)
	if !ok {
		return fmt.Errorf("%w: state %s", apperr.ErrNotAuthenticated, a.ctrl.State().Name())
	}
	out := map[string]any{"user": st.User}
	if id, err := a.ids.Current(); err == nil {
		out["fingerprint"] = id.Fingerprint
		out["suite"] = id.Suite.String()
	}
	return printJSON(out)
}

type conformanceResult struct {
	Suite       string `json:"suite"`
	Fingerprint string `json:"fingerprint"`
	Accepted    bool   `json:"accepted"`
	Error       string `json:"error,omitempty"`
}

// runConformance signs a fresh server challenge with every suite and
// reports which ones the backend accepts.
func runConformance(ctx context.Context, args []string) error {
	fs := newFlagSet("conformance")
	flags := addCommonFlags(fs)
	email := fs.String("email", "", "enrolled account email")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if models.NormalizeEmail(*email) == "" {
		return session.ErrEmailRequired
	}
	a, err := newApp(flags, false)
	if err != nil {
		return err
	}
	path, err := a.cfg.DerivationPath()
	if err != nil {
		return err
	}
	phrase, err := readPhrase()
	if err != nil {
		return err
	}

	var (
		results  []conformanceResult
		accepted int
	)
	for _, suite := range []signing.Suite{signing.SHA512, signing.SHA3_512} {
		res, err := tryChallenge(ctx, a, suite, path, *email, phrase)
		if err != nil {
			return err
		}
		if res.Accepted {
			accepted++
		}
		results = append(results, res)
	}
	if err := printJSON(map[string]any{"configured": a.suite.String(), "results": results}); err != nil {
		return err
	}
	if accepted == 0 {
		return fmt.Errorf("%w: no suite was accepted", apperr.ErrChallengeExpiredOrInvalid)
	}
	return nil
}

func tryChallenge(ctx context.Context, a *app, suite signing.Suite, path hdkey.Path, email, phrase string) (conformanceResult, error) {
	ids := identity.NewService(securestore.NewMemoryStore(), identity.WithSuite(suite), identity.WithPath(path), identity.WithLogger(a.logger))
	id, err := ids.Import(ctx, phrase)
	if err != nil {
		return conformanceResult{}, err
	}
	defer func() { _ = ids.Forget(context.WithoutCancel(ctx)) }()
	res := conformanceResult{Suite: suite.String(), Fingerprint: id.Fingerprint}

	challenge, err := a.client.RequestChallenge(ctx, email)
	if err != nil {
		return conformanceResult{}, err
	}
	sig, err := ids.SignChallenge(challenge)
	if err != nil {
		return conformanceResult{}, err
	}
	resp, err := a.client.CompleteAuth(ctx, models.CompleteAuthRequest{Email: email, Challenge: challenge, SignatureB64: sig})
	switch {
	case err == nil:
		res.Accepted = true
		if lerr := a.client.Logout(ctx, resp.AccessToken); lerr != nil {
			a.logger.Debug("logout after conformance login failed", "kind", apperr.KindOf(lerr))
		}
	case errors.Is(err, apperr.ErrChallengeExpiredOrInvalid):
		res.Error = err.Error()
	default:
		return conformanceResult{}, err
	}
	return res, nil
}
