package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"docnotary/go-core/internal/backend"
	"docnotary/go-core/internal/biometric"
	"docnotary/go-core/internal/config"
	"docnotary/go-core/internal/identity"
	"docnotary/go-core/internal/platform/privacylog"
	"docnotary/go-core/internal/platform/ratelimiter"
	"docnotary/go-core/internal/platform/telemetry"
	"docnotary/go-core/internal/securestore"
	"docnotary/go-core/internal/session"
	"docnotary/go-core/internal/signing"
	"docnotary/go-core/internal/tokenguard"

	"github.com/prometheus/client_golang/prometheus"
)

// challengeLimiterIdle is how long a per-email throttle entry survives
// without traffic.
const challengeLimiterIdle = 30 * time.Minute

type app struct {
	cfg     config.Config
	logger  *slog.Logger
	suite   signing.Suite
	store   securestore.Store
	client  *backend.Client
	guard   *tokenguard.Guard
	ids     *identity.Service
	ctrl    *session.Controller
	reg     *prometheus.Registry
	metrics *telemetry.Metrics
}

type commonFlags struct {
	configPath  *string
	unattended  *bool
	dumpMetrics *bool
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		configPath:  fs.String("config", "", "config file (default notary.yaml, configs/notary.yaml or the user config dir)"),
		unattended:  fs.Bool("unattended", false, "skip the presence check when resuming a stored session"),
		dumpMetrics: fs.Bool("metrics", false, "print client counters to stderr on exit"),
	}
}

func loadConfig(path string) (config.Config, *slog.Logger, error) {
	cfg, err := config.LoadFromPath(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := privacylog.NewLogger(stderr, privacylog.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	return cfg, logger, nil
}

// newApp wires the full client stack. withStore=false skips the secret
// store for commands that only need the backend.
func newApp(flags commonFlags, withStore bool) (*app, error) {
	cfg, logger, err := loadConfig(*flags.configPath)
	if err != nil {
		return nil, err
	}
	suite, err := cfg.Suite()
	if err != nil {
		return nil, err
	}
	path, err := cfg.DerivationPath()
	if err != nil {
		return nil, err
	}

	client, err := backend.New(cfg.Backend.URL,
		backend.WithHTTPClient(&http.Client{Timeout: cfg.Backend.Timeout}),
		backend.WithPaths(cfg.Backend.Paths),
		backend.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	rt := &app{cfg: cfg, logger: logger, suite: suite, client: client}
	if !withStore {
		return rt, nil
	}

	var passphrase string
	switch cfg.Store.Kind {
	case config.StoreMemory:
		rt.store = securestore.NewMemoryStore()
	default:
		passphrase, err = storePassphrase()
		if err != nil {
			return nil, err
		}
		fileStore, err := securestore.NewFileStore(cfg.Store.Dir, passphrase, keyMaterialOption())
		if err != nil {
			return nil, fmt.Errorf("open secret store: %w", err)
		}
		rt.store = fileStore
	}

	rt.reg = prometheus.NewRegistry()
	rt.metrics, err = telemetry.NewMetrics(rt.reg)
	if err != nil {
		return nil, err
	}
	rt.guard = tokenguard.New(rt.store, client,
		tokenguard.WithLogger(logger),
		tokenguard.WithMetrics(rt.metrics),
		tokenguard.WithRefreshTimeout(cfg.Session.RefreshTimeout),
		tokenguard.WithExpirySkew(cfg.Session.ExpirySkew),
	)
	rt.ids = identity.NewService(rt.store,
		identity.WithSuite(suite),
		identity.WithPath(path),
		identity.WithLogger(logger),
	)

	var bio biometric.Authenticator = biometric.NewPassphrasePrompt(passphrase)
	if *flags.unattended {
		bio = &biometric.Static{Available: true, Allow: true}
	}
	rt.ctrl = session.NewController(client, rt.guard, rt.ids, rt.store,
		session.WithBiometric(bio),
		session.WithChallengeLimiter(ratelimiter.New(cfg.Session.ChallengePerMinute, cfg.Session.ChallengeBurst, challengeLimiterIdle)),
		session.WithMetrics(rt.metrics),
		session.WithLogger(logger),
	)
	return rt, nil
}

// close prints the counters gathered during the command when asked to.
func (a *app) close(flags commonFlags) {
	if a == nil || a.reg == nil || !*flags.dumpMetrics {
		return
	}
	families, err := a.reg.Gather()
	if err != nil {
		a.logger.Warn("gather metrics failed", "error", err.Error())
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := ""
			for _, lp := range m.GetLabel() {
				labels += fmt.Sprintf(" %s=%s", lp.GetName(), lp.GetValue())
			}
			_, _ = fmt.Fprintf(stderr, "%s%s %g\n", mf.GetName(), labels, m.GetCounter().GetValue()+m.GetGauge().GetValue())
		}
	}
}
