// Package doctor reports whether this device is ready to log in and sign:
// configuration, secret store and backend reachability.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"docnotary/go-core/internal/apperr"
	"docnotary/go-core/internal/backend"
	"docnotary/go-core/internal/config"
	"docnotary/go-core/internal/identity"
	"docnotary/go-core/internal/securestore"
)

const defaultProbeTimeout = 2 * time.Second

var hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9.-]+$`)

type Input struct {
	Config config.Config
	// Store is nil when the store passphrase is not available; the unlock
	// and key checks are skipped then.
	Store      securestore.Store
	RequireKey bool
}

type Check struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Reason string `json:"reason,omitempty"`
}

type Report struct {
	Ready     bool      `json:"ready"`
	Checks    []Check   `json:"checks"`
	CheckedAt time.Time `json:"checked_at"`
}

type Doctor struct {
	now   func() time.Time
	probe func(ctx context.Context, cfg config.Config) error
}

func New() *Doctor {
	return &Doctor{
		now:   func() time.Time { return time.Now().UTC() },
		probe: probeBackend,
	}
}

func (d *Doctor) Run(ctx context.Context, in Input) Report {
	report := Report{
		Ready:     true,
		Checks:    make([]Check, 0, 8),
		CheckedAt: d.now(),
	}
	appendCheck := func(name string, err error) {
		c := Check{Name: name, Pass: err == nil}
		if err != nil {
			c.Reason = err.Error()
			report.Ready = false
		}
		report.Checks = append(report.Checks, c)
	}

	cfg := in.Config
	appendCheck("config_valid", cfg.Validate())
	urlErr := validateBackendURL(cfg.Backend.URL)
	appendCheck("backend_url_valid", urlErr)
	if urlErr == nil {
		appendCheck("backend_reachable", d.probe(ctx, cfg))
	}

	if cfg.Store.Kind == config.StoreFile {
		appendCheck("store_dir_private", checkStoreDir(cfg.Store.Dir))
	}
	if in.Store == nil {
		return report
	}
	_, err := in.Store.Retrieve(ctx, securestore.NameSigningKey)
	switch {
	case err == nil:
		appendCheck("store_unlocks", nil)
		appendCheck("signing_key_present", nil)
	case errors.Is(err, securestore.ErrNotFound):
		appendCheck("store_unlocks", nil)
		if in.RequireKey {
			appendCheck("signing_key_present", identity.ErrNoIdentity)
		}
	default:
		appendCheck("store_unlocks", err)
	}
	return report
}

func validateBackendURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("backend url is invalid: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend url scheme must be http or https: %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("backend url has no host")
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	if !hostnamePattern.MatchString(host) {
		return fmt.Errorf("backend url host is invalid: %q", host)
	}
	return nil
}

// checkStoreDir accepts a missing directory: the store creates it with the
// right mode on first write.
func checkStoreDir(dir string) error {
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("store dir %s is not a directory", dir)
	}
	if runtime.GOOS == "windows" {
		return nil
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return fmt.Errorf("store dir %s has mode %04o, want 0700", dir, perm)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			return err
		}
		if fi.Mode().IsRegular() && fi.Mode().Perm()&0o077 != 0 {
			return fmt.Errorf("store file %s has mode %04o, want 0600", filepath.Join(dir, e.Name()), fi.Mode().Perm())
		}
	}
	return nil
}

// probeBackend calls the authenticated probe without a token. Any HTTP
// answer means the backend is reachable.
func probeBackend(ctx context.Context, cfg config.Config) error {
	ctx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
	defer cancel()
	client, err := backend.New(cfg.Backend.URL,
		backend.WithHTTPClient(&http.Client{Timeout: defaultProbeTimeout}),
		backend.WithPaths(cfg.Backend.Paths),
	)
	if err != nil {
		return err
	}
	_, err = client.Me(ctx, "")
	var httpErr *apperr.HTTPError
	if err == nil || errors.As(err, &httpErr) {
		return nil
	}
	return err
}
