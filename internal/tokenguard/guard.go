// Package tokenguard attaches the session access token to authenticated
// calls and refreshes it when the backend rejects it.
//
// At most one refresh runs at a time. Callers that hit an authorization
// failure while a refresh is in flight wait for it and retry with its
// result. Clear (logout) aborts an in-flight refresh, and a refresh that
// finishes for a closed session never writes tokens back.
package tokenguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"docnotary/go-core/internal/apperr"
	"docnotary/go-core/internal/platform/telemetry"
	"docnotary/go-core/internal/securestore"
	"docnotary/go-core/pkg/models"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultRefreshTimeout = 20 * time.Second
	defaultExpirySkew     = 30 * time.Second
)

// Refresher exchanges a refresh token for a new pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (models.Tokens, error)
}

// Call performs one authenticated request with accessToken.
type Call func(ctx context.Context, accessToken string) error

type Guard struct {
	store          securestore.Store
	refresher      Refresher
	logger         *slog.Logger
	metrics        *telemetry.Metrics
	now            func() time.Time
	refreshTimeout time.Duration
	expirySkew     time.Duration

	// persistMu orders store writes so an older result never lands after a
	// newer one.
	persistMu sync.Mutex

	mu        sync.Mutex
	tokens    models.Tokens
	gen       uint64
	inflight  *refreshCall
	onFailure func(error)
}

type refreshCall struct {
	gen    uint64
	done   chan struct{}
	cancel context.CancelFunc
	tokens models.Tokens
	err    error
}

type Option func(*Guard)

func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(g *Guard) {
		if m != nil {
			g.metrics = m
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

func WithRefreshTimeout(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.refreshTimeout = d
		}
	}
}

// WithExpirySkew sets how close to its exp claim a JWT access token may get
// before it is refreshed ahead of use. Zero disables proactive refresh.
func WithExpirySkew(d time.Duration) Option {
	return func(g *Guard) {
		if d >= 0 {
			g.expirySkew = d
		}
	}
}

// WithOnRefreshFailure registers fn to run after the backend rejects a
// refresh and the session has been cleared.
func WithOnRefreshFailure(fn func(error)) Option {
	return func(g *Guard) { g.onFailure = fn }
}

func New(store securestore.Store, refresher Refresher, opts ...Option) *Guard {
	g := &Guard{
		store:          store,
		refresher:      refresher,
		logger:         slog.Default(),
		metrics:        telemetry.Discard(),
		now:            time.Now,
		refreshTimeout: defaultRefreshTimeout,
		expirySkew:     defaultExpirySkew,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// OnRefreshFailure replaces the refresh failure callback.
func (g *Guard) OnRefreshFailure(fn func(error)) {
	g.mu.Lock()
	g.onFailure = fn
	g.mu.Unlock()
}

// Tokens returns the in-memory session.
func (g *Guard) Tokens() models.Tokens {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tokens
}

func (g *Guard) Authenticated() bool {
	return g.Tokens().AccessToken != ""
}

// SetTokens starts a new session with t and persists it.
func (g *Guard) SetTokens(ctx context.Context, t models.Tokens) error {
	if t.AccessToken == "" {
		return errors.New("access token is empty")
	}
	g.persistMu.Lock()
	defer g.persistMu.Unlock()

	g.mu.Lock()
	g.gen++
	stale := g.inflight
	g.inflight = nil
	g.tokens = t
	g.mu.Unlock()
	if stale != nil {
		stale.cancel()
	}
	return g.persist(ctx, t)
}

// Stored reads the persisted session without loading it.
func (g *Guard) Stored(ctx context.Context) (models.Tokens, error) {
	access, err := g.store.Retrieve(ctx, securestore.NameAccessToken)
	if err != nil {
		if errors.Is(err, securestore.ErrNotFound) {
			return models.Tokens{}, apperr.ErrNotAuthenticated
		}
		return models.Tokens{}, err
	}
	out := models.Tokens{AccessToken: string(access)}
	refresh, err := g.store.Retrieve(ctx, securestore.NameRefreshToken)
	switch {
	case err == nil:
		out.RefreshToken = string(refresh)
	case !errors.Is(err, securestore.ErrNotFound):
		return models.Tokens{}, err
	}
	return out, nil
}

// Restore loads the persisted session into memory.
func (g *Guard) Restore(ctx context.Context) error {
	t, err := g.Stored(ctx)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.gen++
	g.tokens = t
	g.mu.Unlock()
	return nil
}

// Clear ends the session: it aborts and waits for any in-flight refresh,
// then deletes the tokens from memory and the store.
func (g *Guard) Clear(ctx context.Context) error {
	g.mu.Lock()
	g.gen++
	call := g.inflight
	g.inflight = nil
	g.tokens = models.Tokens{}
	g.mu.Unlock()

	if call != nil {
		call.cancel()
		<-call.done
	}

	g.persistMu.Lock()
	defer g.persistMu.Unlock()
	return g.deletePersisted(ctx)
}

// Do runs call with the current access token. If the backend answers 401 or
// 403, the token is refreshed (or an in-flight refresh is joined) and call
// is retried exactly once.
func (g *Guard) Do(ctx context.Context, call Call) error {
	access := g.Tokens().AccessToken
	if access == "" {
		return apperr.ErrNotAuthenticated
	}
	if g.expiringSoon(access) {
		g.metrics.ProactiveRefresh.Inc()
		fresh, err := g.refresh(ctx, access)
		if err != nil {
			return err
		}
		access = fresh.AccessToken
	}

	err := call(ctx, access)
	if err == nil || !apperr.IsAuthFailure(err) {
		return err
	}
	g.logger.Debug("access token rejected, refreshing")
	fresh, rerr := g.refresh(ctx, access)
	if rerr != nil {
		return rerr
	}
	g.metrics.RetriedRequests.Inc()
	return call(ctx, fresh.AccessToken)
}

// refresh returns a token pair newer than stale, starting a refresh only if
// none is running and stale is still current.
func (g *Guard) refresh(ctx context.Context, stale string) (models.Tokens, error) {
	g.mu.Lock()
	if g.tokens.AccessToken == "" {
		g.mu.Unlock()
		return models.Tokens{}, apperr.ErrNotAuthenticated
	}
	call := g.inflight
	switch {
	case call != nil:
		g.metrics.RefreshWaiters.Inc()
	case g.tokens.AccessToken != stale:
		t := g.tokens
		g.mu.Unlock()
		return t, nil
	default:
		rctx, cancel := context.WithTimeout(context.Background(), g.refreshTimeout)
		call = &refreshCall{gen: g.gen, done: make(chan struct{}), cancel: cancel}
		g.inflight = call
		go g.run(rctx, call, g.tokens.RefreshToken)
	}
	g.mu.Unlock()

	select {
	case <-call.done:
		return call.tokens, call.err
	case <-ctx.Done():
		return models.Tokens{}, ctx.Err()
	}
}

func (g *Guard) run(ctx context.Context, call *refreshCall, refreshToken string) {
	defer call.cancel()

	var (
		tokens models.Tokens
		err    error
	)
	if refreshToken == "" {
		err = fmt.Errorf("%w: no refresh token", apperr.ErrRefreshFailure)
	} else {
		tokens, err = g.refresher.Refresh(ctx, refreshToken)
		if err == nil && tokens.RefreshToken == "" {
			tokens.RefreshToken = refreshToken
		}
	}

	g.persistMu.Lock()
	g.mu.Lock()
	if g.inflight == call {
		g.inflight = nil
	}
	current := call.gen == g.gen
	fatal := false
	switch {
	case !current:
		call.err = fmt.Errorf("%w: refresh finished after logout", apperr.ErrSessionClosed)
		g.metrics.RefreshAttempts.WithLabelValues(telemetry.ResultAborted).Inc()
	case err == nil:
		g.tokens = tokens
		call.tokens = tokens
		g.metrics.RefreshAttempts.WithLabelValues(telemetry.ResultSuccess).Inc()
	case apperr.IsTransient(err):
		call.err = err
		if !errors.Is(err, apperr.ErrNetwork) {
			call.err = fmt.Errorf("%w: %w", apperr.ErrNetwork, err)
		}
		g.metrics.RefreshAttempts.WithLabelValues(telemetry.ResultNetwork).Inc()
	default:
		fatal = true
		g.gen++
		g.tokens = models.Tokens{}
		call.err = err
		if !errors.Is(err, apperr.ErrRefreshFailure) {
			call.err = fmt.Errorf("%w: %w", apperr.ErrRefreshFailure, err)
		}
		g.metrics.RefreshAttempts.WithLabelValues(telemetry.ResultRejected).Inc()
	}
	onFailure := g.onFailure
	g.mu.Unlock()

	switch {
	case current && err == nil:
		if perr := g.persist(context.Background(), tokens); perr != nil {
			g.logger.Warn("persist refreshed tokens failed", "error", perr.Error())
		}
	case fatal:
		if derr := g.deletePersisted(context.Background()); derr != nil {
			g.logger.Warn("delete rejected tokens failed", "error", derr.Error())
		}
	}
	g.persistMu.Unlock()

	// Waiters are released only after the failure callback returns, so a
	// caller seeing the error also sees its effects.
	if fatal {
		g.logger.Warn("token refresh rejected, session cleared", "error", call.err.Error())
		if onFailure != nil {
			onFailure(call.err)
		}
	} else if call.err != nil {
		g.logger.Debug("token refresh failed", "kind", apperr.KindOf(call.err))
	}
	close(call.done)
}

func (g *Guard) expiringSoon(access string) bool {
	if g.expirySkew <= 0 {
		return false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(access, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !g.now().Add(g.expirySkew).Before(exp.Time)
}

func (g *Guard) persist(ctx context.Context, t models.Tokens) error {
	if err := g.store.Store(ctx, securestore.NameAccessToken, []byte(t.AccessToken), securestore.ClassToken); err != nil {
		return fmt.Errorf("persist access token: %w", err)
	}
	if t.RefreshToken == "" {
		return g.store.Delete(ctx, securestore.NameRefreshToken)
	}
	if err := g.store.Store(ctx, securestore.NameRefreshToken, []byte(t.RefreshToken), securestore.ClassToken); err != nil {
		return fmt.Errorf("persist refresh token: %w", err)
	}
	return nil
}

func (g *Guard) deletePersisted(ctx context.Context) error {
	return errors.Join(
		g.store.Delete(ctx, securestore.NameAccessToken),
		g.store.Delete(ctx, securestore.NameRefreshToken),
	)
}
