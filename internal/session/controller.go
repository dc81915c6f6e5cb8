// Package session drives the authentication state machine: challenge
// request, seed phrase completion, biometric re-entry and logout.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"docnotary/go-core/internal/apperr"
	"docnotary/go-core/internal/biometric"
	"docnotary/go-core/internal/identity"
	"docnotary/go-core/internal/platform/ratelimiter"
	"docnotary/go-core/internal/platform/telemetry"
	"docnotary/go-core/internal/securestore"
	"docnotary/go-core/internal/tokenguard"
	"docnotary/go-core/pkg/models"
)

const forceLogoutServerTimeout = 5 * time.Second

var (
	ErrBiometricDenied = errors.New("biometric check denied")
	ErrEmailRequired   = errors.New("email is required")
)

// Backend is the part of the auth API the controller calls.
type Backend interface {
	RequestChallenge(ctx context.Context, email string) (string, error)
	CompleteAuth(ctx context.Context, req models.CompleteAuthRequest) (models.AuthResponse, error)
	Me(ctx context.Context, accessToken string) (models.User, error)
	Logout(ctx context.Context, accessToken string) error
}

type Controller struct {
	backend  Backend
	guard    *tokenguard.Guard
	identity *identity.Service
	store    securestore.Store
	bio      biometric.Authenticator
	limiter  *ratelimiter.MapLimiter
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	state   State
	epoch   uint64
	subs    map[int]func(State)
	nextSub int
	pending []State

	notifyMu sync.Mutex
}

type Option func(*Controller)

func WithBiometric(a biometric.Authenticator) Option {
	return func(c *Controller) { c.bio = a }
}

// WithChallengeLimiter throttles challenge requests per email. nil disables
// throttling.
func WithChallengeLimiter(l *ratelimiter.MapLimiter) Option {
	return func(c *Controller) { c.limiter = l }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// NewController wires the controller to guard: a rejected token refresh
// forces a logout.
func NewController(b Backend, guard *tokenguard.Guard, ids *identity.Service, store securestore.Store, opts ...Option) *Controller {
	c := &Controller{
		backend:  b,
		guard:    guard,
		identity: ids,
		store:    store,
		metrics:  telemetry.Discard(),
		logger:   slog.Default(),
		now:      time.Now,
		state:    Unknown{},
		subs:     map[int]func(State){},
	}
	for _, opt := range opts {
		opt(c)
	}
	guard.OnRefreshFailure(c.onRefreshFailure)
	return c
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers fn for every later transition. Calls are made in
// transition order, outside the controller lock.
func (c *Controller) Subscribe(fn func(State)) (cancel func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Start inspects persisted credentials. With a stored session, a stored key
// and a usable biometric check the user only needs to unlock.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.check(opStart); err != nil {
		return err
	}
	tokens, tokErr := c.guard.Stored(ctx)
	hasKey := c.identity.HasStoredKey(ctx)
	hasBio := c.bio != nil && c.bio.IsAvailable()

	var next State = Unauthenticated{}
	if tokErr == nil && tokens.AccessToken != "" && hasKey && hasBio {
		email, _ := c.store.Retrieve(ctx, securestore.NameEmail)
		next = RequiresBiometric{Email: string(email)}
	}
	c.logger.Debug("session start", "stored_session", tokErr == nil, "stored_key", hasKey, "biometric", hasBio)

	c.mu.Lock()
	if !allowedFrom(opStart, c.state) {
		c.mu.Unlock()
		return c.invalid(opStart)
	}
	err := c.setLocked(next)
	c.mu.Unlock()
	c.drain()
	return err
}

// RequestChallenge fetches a challenge for email. It is allowed again while
// a challenge is pending so the user can replace an expired one.
func (c *Controller) RequestChallenge(ctx context.Context, email string) error {
	email = models.NormalizeEmail(email)
	if email == "" {
		return ErrEmailRequired
	}

	c.mu.Lock()
	if !allowedFrom(opRequestChallenge, c.state) {
		c.mu.Unlock()
		return c.invalid(opRequestChallenge)
	}
	if !c.limiter.Allow(email, c.now()) {
		c.mu.Unlock()
		c.metrics.ChallengeThrottle.Inc()
		return apperr.ErrRateLimited
	}
	epoch, err := c.enterLocked(AwaitingChallenge{Email: email})
	c.mu.Unlock()
	c.drain()
	if err != nil {
		return err
	}

	challenge, err := c.backend.RequestChallenge(ctx, email)
	if err == nil {
		err = c.store.Store(ctx, securestore.NameEmail, []byte(email), securestore.ClassToken)
	}
	if err != nil {
		c.logger.Info("challenge request failed", "email", email, "kind", apperr.KindOf(err))
		return errors.Join(err, c.commit(epoch, Unauthenticated{Err: err}))
	}
	if err := c.commit(epoch, AwaitingSeedPhrase{Email: email, Challenge: challenge}); err != nil {
		if errors.Is(err, apperr.ErrSessionClosed) {
			// The email was written after a forced logout cleared it.
			return errors.Join(err, c.store.Delete(context.WithoutCancel(ctx), securestore.NameEmail))
		}
		return err
	}
	return nil
}

// CompleteAuthentication derives the key from phrase, signs the pending
// challenge and exchanges it for a session. On failure the challenge stays
// pending with the error attached.
func (c *Controller) CompleteAuthentication(ctx context.Context, phrase string) error {
	c.mu.Lock()
	pending, ok := c.state.(AwaitingSeedPhrase)
	if !ok {
		c.mu.Unlock()
		return c.invalid(opCompleteAuth)
	}
	epoch, err := c.enterLocked(Authenticating{Email: pending.Email})
	c.mu.Unlock()
	c.drain()
	if err != nil {
		return err
	}

	fail := func(err error) error {
		c.logger.Info("authentication failed", "email", pending.Email, "kind", apperr.KindOf(err))
		cerr := c.commit(epoch, AwaitingSeedPhrase{
			Email:     pending.Email,
			Challenge: pending.Challenge,
			Err:       err,
		})
		if errors.Is(cerr, apperr.ErrSessionClosed) {
			return errors.Join(err, c.discard(ctx))
		}
		return errors.Join(err, cerr)
	}

	id, err := c.identity.Import(ctx, phrase)
	if err != nil {
		return fail(err)
	}
	if c.stale(epoch) {
		return c.discard(ctx)
	}
	sig, err := c.identity.SignChallenge(pending.Challenge)
	if err != nil {
		return fail(err)
	}
	resp, err := c.backend.CompleteAuth(ctx, models.CompleteAuthRequest{
		Email:        pending.Email,
		Challenge:    pending.Challenge,
		SignatureB64: sig,
	})
	if err != nil {
		return fail(err)
	}
	if err := c.guard.SetTokens(ctx, resp.Tokens); err != nil {
		return fail(err)
	}
	c.limiter.Reset(pending.Email)

	if err := c.commit(epoch, Authenticated{User: resp.User}); err != nil {
		if errors.Is(err, apperr.ErrSessionClosed) {
			return c.discard(ctx)
		}
		return err
	}
	c.logger.Info("authenticated", "user_id", resp.User.ID, "public_key_fp", id.Fingerprint)
	return nil
}

// AuthenticateWithBiometric unlocks a persisted session. Every failure,
// including a declined prompt, forces a logout.
func (c *Controller) AuthenticateWithBiometric(ctx context.Context, reason string) error {
	c.mu.Lock()
	locked, ok := c.state.(RequiresBiometric)
	if !ok {
		c.mu.Unlock()
		return c.invalid(opBiometric)
	}
	epoch, err := c.enterLocked(Authenticating{Email: locked.Email})
	c.mu.Unlock()
	c.drain()
	if err != nil {
		return err
	}

	user, err := c.unlock(ctx, reason)
	if err != nil {
		c.logger.Info("biometric unlock failed", "kind", apperr.KindOf(err))
		if c.stale(epoch) {
			// A rejected refresh already forced the logout.
			return err
		}
		return errors.Join(err, c.forceLogout(ctx, err))
	}
	return c.commit(epoch, Authenticated{User: user})
}

func (c *Controller) unlock(ctx context.Context, reason string) (models.User, error) {
	if c.bio == nil {
		return models.User{}, biometric.ErrUnavailable
	}
	ok, err := c.bio.Evaluate(ctx, reason)
	if err != nil {
		return models.User{}, err
	}
	if !ok {
		return models.User{}, ErrBiometricDenied
	}
	if _, err := c.identity.Load(ctx); err != nil {
		return models.User{}, err
	}
	if err := c.guard.Restore(ctx); err != nil {
		return models.User{}, err
	}
	var user models.User
	err = c.guard.Do(ctx, func(ctx context.Context, token string) error {
		u, err := c.backend.Me(ctx, token)
		user = u
		return err
	})
	return user, err
}

// Me returns the current user from the backend through the token guard.
func (c *Controller) Me(ctx context.Context) (models.User, error) {
	if _, ok := c.State().(Authenticated); !ok {
		return models.User{}, apperr.ErrNotAuthenticated
	}
	var user models.User
	err := c.guard.Do(ctx, func(ctx context.Context, token string) error {
		u, err := c.backend.Me(ctx, token)
		user = u
		return err
	})
	return user, err
}

// Logout ends the session on the server first. If the server call fails the
// error is returned and the session stays; use ForceLogout to drop it.
func (c *Controller) Logout(ctx context.Context) error {
	c.mu.Lock()
	if !allowedFrom(opLogout, c.state) {
		c.mu.Unlock()
		return c.invalid(opLogout)
	}
	epoch := c.epoch
	c.mu.Unlock()

	err := c.guard.Do(ctx, func(ctx context.Context, token string) error {
		return c.backend.Logout(ctx, token)
	})
	if err != nil {
		c.logger.Warn("server logout failed", "kind", apperr.KindOf(err))
		return err
	}
	if err := c.clearCredentials(ctx); err != nil {
		return err
	}
	return c.commit(epoch, Unauthenticated{})
}

// ForceLogout always ends the session: it tries the server once, then
// deletes tokens, key material and the email.
func (c *Controller) ForceLogout(ctx context.Context) error {
	return c.forceLogout(ctx, nil)
}

func (c *Controller) forceLogout(ctx context.Context, cause error) error {
	c.mu.Lock()
	if !allowedFrom(opForceLogout, c.state) {
		c.mu.Unlock()
		return c.invalid(opForceLogout)
	}
	// Abandon whatever operation is in flight.
	c.epoch++
	c.mu.Unlock()

	if access := c.guard.Tokens().AccessToken; access != "" {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), forceLogoutServerTimeout)
		if err := c.backend.Logout(sctx, access); err != nil {
			c.logger.Debug("best-effort server logout failed", "kind", apperr.KindOf(err))
		}
		cancel()
	}
	clearErr := c.clearCredentials(context.WithoutCancel(ctx))
	if clearErr != nil {
		c.logger.Warn("clear credentials failed", "error", clearErr.Error())
	}

	c.mu.Lock()
	err := c.setLocked(Unauthenticated{Err: cause})
	c.mu.Unlock()
	c.drain()
	return errors.Join(clearErr, err)
}

func (c *Controller) onRefreshFailure(err error) {
	if _, unknown := c.State().(Unknown); unknown {
		return
	}
	c.logger.Warn("session refresh rejected, logging out")
	if ferr := c.forceLogout(context.Background(), err); ferr != nil {
		c.logger.Debug("forced logout after refresh failure", "error", ferr.Error())
	}
}

func (c *Controller) clearCredentials(ctx context.Context) error {
	return errors.Join(
		c.guard.Clear(ctx),
		c.identity.Forget(ctx),
		c.store.Delete(ctx, securestore.NameEmail),
	)
}

func (c *Controller) check(op operation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !allowedFrom(op, c.state) {
		return c.invalidLocked(op)
	}
	return nil
}

func (c *Controller) invalid(op operation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidLocked(op)
}

func (c *Controller) invalidLocked(op operation) error {
	return fmt.Errorf("%w: %s from %s", apperr.ErrInvalidTransition, op, c.state.Name())
}

// enterLocked moves to a busy state and returns the epoch the operation
// must still hold when it commits.
func (c *Controller) enterLocked(busy State) (uint64, error) {
	if err := c.setLocked(busy); err != nil {
		return 0, err
	}
	return c.epoch, nil
}

// stale reports whether a forced logout happened since epoch.
func (c *Controller) stale(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch != epoch
}

// discard deletes credentials an abandoned operation may have written after
// a forced logout cleared them.
func (c *Controller) discard(ctx context.Context) error {
	err := c.clearCredentials(context.WithoutCancel(ctx))
	if err != nil {
		c.logger.Warn("discard abandoned credentials failed", "error", err.Error())
	}
	return errors.Join(apperr.ErrSessionClosed, err)
}

// commit applies next unless a forced logout happened since epoch.
func (c *Controller) commit(epoch uint64, next State) error {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return apperr.ErrSessionClosed
	}
	err := c.setLocked(next)
	c.mu.Unlock()
	c.drain()
	return err
}

func (c *Controller) setLocked(next State) error {
	from := c.state
	if !canTransition(from, next) {
		return fmt.Errorf("%w: %s -> %s", apperr.ErrInvalidTransition, from.Name(), next.Name())
	}
	c.state = next
	c.epoch++
	c.pending = append(c.pending, next)
	c.metrics.StateTransitions.WithLabelValues(next.Name()).Inc()
	c.logger.Info("auth state changed", "from", from.Name(), "to", next.Name(), "kind", stateErrKind(next))
	return nil
}

// drain delivers pending transitions. Only one goroutine delivers at a
// time; others leave their transitions in the queue for it.
func (c *Controller) drain() {
	for c.notifyMu.TryLock() {
		for {
			c.mu.Lock()
			batch := c.pending
			c.pending = nil
			subs := make([]func(State), 0, len(c.subs))
			for _, fn := range c.subs {
				subs = append(subs, fn)
			}
			c.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, s := range batch {
				for _, fn := range subs {
					fn(s)
				}
			}
		}
		c.notifyMu.Unlock()

		c.mu.Lock()
		more := len(c.pending) > 0
		c.mu.Unlock()
		if !more {
			return
		}
	}
}

func stateErrKind(s State) string {
	switch st := s.(type) {
	case Unauthenticated:
		if st.Err != nil {
			return apperr.KindOf(st.Err)
		}
	case AwaitingSeedPhrase:
		if st.Err != nil {
			return apperr.KindOf(st.Err)
		}
	}
	return ""
}

// EmailOf returns the email a state refers to, if any.
func EmailOf(s State) string {
	switch st := s.(type) {
	case AwaitingChallenge:
		return st.Email
	case AwaitingSeedPhrase:
		return st.Email
	case Authenticating:
		return st.Email
	case RequiresBiometric:
		return st.Email
	case Authenticated:
		return strings.TrimSpace(st.User.Email)
	default:
		return ""
	}
}
