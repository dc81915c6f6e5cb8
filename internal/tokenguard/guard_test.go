package tokenguard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"docnotary/go-core/internal/apperr"
	"docnotary/go-core/internal/platform/telemetry"
	"docnotary/go-core/internal/securestore"
	"docnotary/go-core/pkg/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeRefresher struct {
	calls atomic.Int32
	fn    func(ctx context.Context, refreshToken string) (models.Tokens, error)
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (models.Tokens, error) {
	f.calls.Add(1)
	return f.fn(ctx, refreshToken)
}

func rotating(context.Context, string) (models.Tokens, error) {
	return models.Tokens{AccessToken: "a-2", RefreshToken: "r-2"}, nil
}

func unauthorized() error {
	return apperr.NewHTTPError(http.StatusUnauthorized, "token_expired", "", apperr.ErrNotAuthenticated)
}

func newTestGuard(t *testing.T, r Refresher, opts ...Option) (*Guard, *securestore.MemoryStore, *telemetry.Metrics) {
	t.Helper()
	store := securestore.NewMemoryStore()
	metrics := telemetry.Discard()
	g := New(store, r, append([]Option{WithMetrics(metrics)}, opts...)...)
	if err := g.SetTokens(context.Background(), models.Tokens{AccessToken: "a-1", RefreshToken: "r-1"}); err != nil {
		t.Fatalf("SetTokens failed: %v", err)
	}
	return g, store, metrics
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestConcurrentAuthFailuresShareOneRefresh(t *testing.T) {
	release := make(chan struct{})
	r := &fakeRefresher{fn: func(ctx context.Context, refreshToken string) (models.Tokens, error) {
		if refreshToken != "r-1" {
			t.Errorf("unexpected refresh token %q", refreshToken)
		}
		<-release
		return models.Tokens{AccessToken: "a-2", RefreshToken: "r-2"}, nil
	}}
	g, store, metrics := newTestGuard(t, r)

	const workers = 5
	var stale, fresh atomic.Int32
	call := func(_ context.Context, token string) error {
		if token == "a-1" {
			stale.Add(1)
			return unauthorized()
		}
		fresh.Add(1)
		return nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- g.Do(context.Background(), call)
		}()
	}
	waitFor(t, "waiters to join", func() bool {
		return testutil.ToFloat64(metrics.RefreshWaiters) == workers-1
	})
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Do failed: %v", err)
		}
	}
	if got := r.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one refresh, got %d", got)
	}
	if stale.Load() != workers || fresh.Load() != workers {
		t.Fatalf("unexpected call counts stale=%d fresh=%d", stale.Load(), fresh.Load())
	}
	if got := testutil.ToFloat64(metrics.RefreshAttempts.WithLabelValues(telemetry.ResultSuccess)); got != 1 {
		t.Fatalf("unexpected refresh success count %v", got)
	}
	stored, _ := store.Retrieve(context.Background(), securestore.NameRefreshToken)
	if string(stored) != "r-2" {
		t.Fatalf("rotated refresh token not persisted: %q", stored)
	}
}

func TestSupersededTokenRetriesWithoutRefresh(t *testing.T) {
	r := &fakeRefresher{fn: rotating}
	g, _, _ := newTestGuard(t, r)
	if err := g.SetTokens(context.Background(), models.Tokens{AccessToken: "a-9", RefreshToken: "r-9"}); err != nil {
		t.Fatalf("SetTokens failed: %v", err)
	}
	got, err := g.refresh(context.Background(), "a-1")
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if got.AccessToken != "a-9" {
		t.Fatalf("expected current token, got %q", got.AccessToken)
	}
	if r.calls.Load() != 0 {
		t.Fatal("superseded token must not trigger a refresh")
	}
}

func TestSecondAuthFailureIsNotRetried(t *testing.T) {
	r := &fakeRefresher{fn: rotating}
	g, _, _ := newTestGuard(t, r)
	var calls int
	err := g.Do(context.Background(), func(context.Context, string) error {
		calls++
		return unauthorized()
	})
	if !apperr.IsAuthFailure(err) {
		t.Fatalf("expected auth failure, got %v", err)
	}
	if calls != 2 || r.calls.Load() != 1 {
		t.Fatalf("expected 2 calls and 1 refresh, got %d and %d", calls, r.calls.Load())
	}
}

func TestRejectedRefreshClearsSessionAndNotifies(t *testing.T) {
	r := &fakeRefresher{fn: func(context.Context, string) (models.Tokens, error) {
		return models.Tokens{}, apperr.NewHTTPError(http.StatusUnauthorized, "", "", apperr.ErrRefreshFailure)
	}}
	notified := make(chan error, 1)
	g, store, metrics := newTestGuard(t, r, WithOnRefreshFailure(func(err error) { notified <- err }))

	err := g.Do(context.Background(), func(context.Context, string) error { return unauthorized() })
	if !errors.Is(err, apperr.ErrRefreshFailure) {
		t.Fatalf("expected ErrRefreshFailure, got %v", err)
	}
	// The callback has finished before Do returns.
	select {
	case got := <-notified:
		if !errors.Is(got, apperr.ErrRefreshFailure) {
			t.Fatalf("unexpected callback error %v", got)
		}
	default:
		t.Fatal("refresh failure callback must run before waiters are released")
	}
	if g.Authenticated() {
		t.Fatal("tokens must be cleared after rejected refresh")
	}
	if _, err := store.Retrieve(context.Background(), securestore.NameAccessToken); !errors.Is(err, securestore.ErrNotFound) {
		t.Fatalf("persisted token not deleted: %v", err)
	}
	if got := testutil.ToFloat64(metrics.RefreshAttempts.WithLabelValues(telemetry.ResultRejected)); got != 1 {
		t.Fatalf("unexpected rejected count %v", got)
	}
}

func TestNetworkRefreshFailureKeepsSession(t *testing.T) {
	r := &fakeRefresher{fn: func(context.Context, string) (models.Tokens, error) {
		return models.Tokens{}, fmt.Errorf("%w: connection refused", apperr.ErrNetwork)
	}}
	var notified atomic.Bool
	g, store, _ := newTestGuard(t, r, WithOnRefreshFailure(func(error) { notified.Store(true) }))

	err := g.Do(context.Background(), func(context.Context, string) error { return unauthorized() })
	if !errors.Is(err, apperr.ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if errors.Is(err, apperr.ErrRefreshFailure) {
		t.Fatal("network failure must not be a refresh failure")
	}
	if g.Tokens().AccessToken != "a-1" {
		t.Fatal("tokens must be kept on network failure")
	}
	if _, err := store.Retrieve(context.Background(), securestore.NameAccessToken); err != nil {
		t.Fatalf("persisted token lost: %v", err)
	}
	if notified.Load() {
		t.Fatal("network failure must not force logout")
	}
}

func TestClearDuringInflightRefreshDoesNotRepopulate(t *testing.T) {
	entered := make(chan struct{})
	r := &fakeRefresher{fn: func(ctx context.Context, _ string) (models.Tokens, error) {
		close(entered)
		<-ctx.Done()
		// The server answered just as the client gave up.
		return models.Tokens{AccessToken: "a-late", RefreshToken: "r-late"}, nil
	}}
	g, store, metrics := newTestGuard(t, r)

	doErr := make(chan error, 1)
	go func() {
		doErr <- g.Do(context.Background(), func(context.Context, string) error { return unauthorized() })
	}()
	<-entered
	if err := g.Clear(context.Background()); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	err := <-doErr
	if !errors.Is(err, apperr.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if g.Authenticated() {
		t.Fatalf("late refresh repopulated tokens: %+v", g.Tokens())
	}
	if store.Len() != 0 {
		t.Fatalf("store repopulated with %d entries", store.Len())
	}
	if got := testutil.ToFloat64(metrics.RefreshAttempts.WithLabelValues(telemetry.ResultAborted)); got != 1 {
		t.Fatalf("unexpected aborted count %v", got)
	}
}

func TestProactiveRefreshForExpiringJWT(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sign := func(exp time.Time) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
		}).SignedString([]byte("test-key"))
		if err != nil {
			t.Fatalf("sign failed: %v", err)
		}
		return tok
	}

	cases := []struct {
		name        string
		access      string
		wantRefresh bool
	}{
		{"expiring", sign(now.Add(10 * time.Second)), true},
		{"expired", sign(now.Add(-time.Minute)), true},
		{"fresh", sign(now.Add(time.Hour)), false},
		{"opaque", "opaque-token", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := &fakeRefresher{fn: rotating}
			g := New(securestore.NewMemoryStore(), r, WithClock(func() time.Time { return now }), WithExpirySkew(30*time.Second))
			if err := g.SetTokens(context.Background(), models.Tokens{AccessToken: tc.access, RefreshToken: "r-1"}); err != nil {
				t.Fatalf("SetTokens failed: %v", err)
			}
			var used string
			if err := g.Do(context.Background(), func(_ context.Context, token string) error {
				used = token
				return nil
			}); err != nil {
				t.Fatalf("Do failed: %v", err)
			}
			refreshed := r.calls.Load() == 1
			if refreshed != tc.wantRefresh {
				t.Fatalf("refresh=%v, want %v", refreshed, tc.wantRefresh)
			}
			if tc.wantRefresh && used != "a-2" {
				t.Fatalf("call used %q after proactive refresh", used)
			}
		})
	}
}

func TestRefreshWithoutRotationKeepsRefreshToken(t *testing.T) {
	r := &fakeRefresher{fn: func(context.Context, string) (models.Tokens, error) {
		return models.Tokens{AccessToken: "a-2"}, nil
	}}
	g, _, _ := newTestGuard(t, r)
	if _, err := g.refresh(context.Background(), "a-1"); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if got := g.Tokens(); got.AccessToken != "a-2" || got.RefreshToken != "r-1" {
		t.Fatalf("unexpected tokens %+v", got)
	}
}

func TestDoWithoutSession(t *testing.T) {
	g := New(securestore.NewMemoryStore(), &fakeRefresher{fn: rotating})
	err := g.Do(context.Background(), func(context.Context, string) error { return nil })
	if !errors.Is(err, apperr.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestNonAuthErrorsPassThrough(t *testing.T) {
	r := &fakeRefresher{fn: rotating}
	g, _, _ := newTestGuard(t, r)
	boom := apperr.NewHTTPError(http.StatusInternalServerError, "", "", nil)
	err := g.Do(context.Background(), func(context.Context, string) error { return boom })
	if !errors.Is(err, boom) || r.calls.Load() != 0 {
		t.Fatalf("expected pass-through without refresh, got %v (refreshes %d)", err, r.calls.Load())
	}
}

func TestRestoreLoadsPersistedSession(t *testing.T) {
	_, store, _ := newTestGuard(t, &fakeRefresher{fn: rotating})

	restored := New(store, &fakeRefresher{fn: rotating})
	if err := restored.Restore(context.Background()); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if got := restored.Tokens(); got.AccessToken != "a-1" || got.RefreshToken != "r-1" {
		t.Fatalf("unexpected tokens %+v", got)
	}

	empty := New(securestore.NewMemoryStore(), &fakeRefresher{fn: rotating})
	if err := empty.Restore(context.Background()); !errors.Is(err, apperr.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestWaiterCancellationDoesNotAbortRefresh(t *testing.T) {
	release := make(chan struct{})
	r := &fakeRefresher{fn: func(context.Context, string) (models.Tokens, error) {
		<-release
		return models.Tokens{AccessToken: "a-2", RefreshToken: "r-2"}, nil
	}}
	g, _, _ := newTestGuard(t, r)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := g.refresh(ctx, "a-1")
		done <- err
	}()
	waitFor(t, "refresh to start", func() bool { return r.calls.Load() == 1 })
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	close(release)
	waitFor(t, "refresh to land", func() bool { return g.Tokens().AccessToken == "a-2" })
}
