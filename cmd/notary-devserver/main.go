package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"docnotary/go-core/internal/platform/privacylog"
	"docnotary/go-core/internal/signing"
	"docnotary/go-core/internal/testutil/fakebackend"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	addr := flag.String("addr", "127.0.0.1:8787", "listen address")
	suiteName := flag.String("suite", "sha512", "signature suite the server verifies: sha512 | sha3-512")
	accessTTL := flag.Duration("access-ttl", 15*time.Minute, "access token lifetime")
	challengeTTL := flag.Duration("challenge-ttl", 5*time.Minute, "challenge lifetime")
	logLevel := flag.String("log-level", "info", "debug | info | warn | error")
	logFormat := flag.String("log-format", "text", "text | json")
	flag.Parse()
	if *showVersion {
		fmt.Printf("notary-devserver version=%s commit=%s\n", version, commit)
		return
	}

	logger := privacylog.NewLogger(os.Stderr, privacylog.ParseLevel(*logLevel), *logFormat)
	suite, err := signing.ParseSuite(*suiteName)
	if err != nil {
		logger.Error("invalid suite", "error", err.Error())
		os.Exit(2)
	}

	srv := fakebackend.New(
		fakebackend.WithSuite(suite),
		fakebackend.WithAccessTTL(*accessTTL),
		fakebackend.WithChallengeTTL(*challengeTTL),
		fakebackend.WithLogger(logger),
	)
	srv.Mount("/metrics", promhttp.Handler())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(*addr) }()
	logger.Info("notary-devserver listening", "addr", *addr, "suite", suite.String())

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("notary-devserver failed", "error", err.Error())
			os.Exit(1)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err.Error())
		}
	}
	logger.Info("notary-devserver stopped")
}
