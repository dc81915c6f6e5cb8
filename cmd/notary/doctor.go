package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"docnotary/go-core/internal/config"
	"docnotary/go-core/internal/doctor"
	"docnotary/go-core/internal/securestore"
)

var errNotReady = errors.New("device is not ready")

func runDoctor(ctx context.Context, args []string) error {
	fs := newFlagSet("doctor")
	configPath := fs.String("config", "", "config file")
	requireKey := fs.Bool("require-key", false, "fail when no signing key is stored")
	asJSON := fs.Bool("json", false, "emit json")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	cfg, err := config.LoadFromPath(*configPath)
	if err != nil {
		return err
	}

	in := doctor.Input{Config: cfg, RequireKey: *requireKey}
	switch cfg.Store.Kind {
	case config.StoreFile:
		// Never prompt here; the unlock check runs only with the env passphrase.
		if pass := os.Getenv(envStorePassphrase); strings.TrimSpace(pass) != "" {
			store, err := securestore.NewFileStore(cfg.Store.Dir, pass, keyMaterialOption())
			if err != nil {
				return err
			}
			in.Store = store
		}
	case config.StoreMemory:
		in.Store = securestore.NewMemoryStore()
	}

	report := doctor.New().Run(ctx, in)
	if *asJSON {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		if _, err := fmt.Fprintf(stdout, "ready=%v checks=%d\n", report.Ready, len(report.Checks)); err != nil {
			return err
		}
		for _, c := range report.Checks {
			line := "[PASS] " + c.Name
			if !c.Pass {
				line = "[FAIL] " + c.Name + ": " + c.Reason
			}
			if _, err := fmt.Fprintln(stdout, line); err != nil {
				return err
			}
		}
	}
	if !report.Ready {
		return errNotReady
	}
	return nil
}
