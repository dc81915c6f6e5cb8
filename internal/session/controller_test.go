package session

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"docnotary/go-core/internal/apperr"
	"docnotary/go-core/internal/backend"
	"docnotary/go-core/internal/biometric"
	"docnotary/go-core/internal/identity"
	"docnotary/go-core/internal/platform/ratelimiter"
	"docnotary/go-core/internal/securestore"
	"docnotary/go-core/internal/testutil/fakebackend"
	"docnotary/go-core/internal/tokenguard"
)

const (
	testEmail  = "alice@example.com"
	testPhrase = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	otherValid = "legal winner thank year wave sausage worth useful legal winner thank yellow"
)

type harness struct {
	server *fakebackend.Server
	client *backend.Client
	store  *securestore.MemoryStore
	guard  *tokenguard.Guard
	ids    *identity.Service
	ctrl   *Controller
	states *recorder
}

type recorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *recorder) add(s State) {
	r.mu.Lock()
	r.seen = append(r.seen, s.Name())
	r.mu.Unlock()
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

type harnessOpts struct {
	store   *securestore.MemoryStore
	server  *fakebackend.Server
	bio     biometric.Authenticator
	limiter *ratelimiter.MapLimiter
	// wrap decorates the store handed to the guard, identity and controller.
	wrap func(securestore.Store) securestore.Store
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	if o.server == nil {
		o.server = fakebackend.New()
		enrollPhrase(t, o.server, testPhrase)
	}
	if o.store == nil {
		o.store = securestore.NewMemoryStore()
	}
	httpSrv := httptest.NewServer(o.server.Handler())
	t.Cleanup(httpSrv.Close)

	client, err := backend.New(httpSrv.URL)
	if err != nil {
		t.Fatalf("backend.New failed: %v", err)
	}
	var backing securestore.Store = o.store
	if o.wrap != nil {
		backing = o.wrap(o.store)
	}
	guard := tokenguard.New(backing, client, tokenguard.WithExpirySkew(0))
	ids := identity.NewService(backing)
	opts := []Option{WithChallengeLimiter(o.limiter)}
	if o.bio != nil {
		opts = append(opts, WithBiometric(o.bio))
	}
	h := &harness{
		server: o.server,
		client: client,
		store:  o.store,
		guard:  guard,
		ids:    ids,
		ctrl:   NewController(client, guard, ids, backing, opts...),
		states: &recorder{},
	}
	h.ctrl.Subscribe(h.states.add)
	return h
}

func enrollPhrase(t *testing.T, srv *fakebackend.Server, phrase string) {
	t.Helper()
	kp, _, err := identity.NewService(securestore.NewMemoryStore()).Derive(phrase)
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}
	srv.Enroll(testEmail, "alice", kp.PublicKey())
}

// gatedStore blocks the first write of name until release is closed.
type gatedStore struct {
	inner   securestore.Store
	name    string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedStore(name string) *gatedStore {
	return &gatedStore{name: name, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedStore) wrap(inner securestore.Store) securestore.Store {
	g.inner = inner
	return g
}

func (g *gatedStore) Store(ctx context.Context, name string, data []byte, class securestore.Class) error {
	if name == g.name {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	return g.inner.Store(ctx, name, data, class)
}

func (g *gatedStore) Retrieve(ctx context.Context, name string) ([]byte, error) {
	return g.inner.Retrieve(ctx, name)
}

func (g *gatedStore) Delete(ctx context.Context, name string) error {
	return g.inner.Delete(ctx, name)
}

func (g *gatedStore) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(3 * time.Second):
		t.Fatalf("write of %s never started", g.name)
	}
}

func (h *harness) login(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if err := h.ctrl.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := h.ctrl.RequestChallenge(ctx, testEmail); err != nil {
		t.Fatalf("RequestChallenge failed: %v", err)
	}
	if err := h.ctrl.CompleteAuthentication(ctx, testPhrase); err != nil {
		t.Fatalf("CompleteAuthentication failed: %v", err)
	}
}

func waitForState(t *testing.T, c *Controller, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for c.State().Name() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state %s, want %s", c.State().Name(), want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestLoginWithCorrectPhrase(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.login(t)

	st, ok := h.ctrl.State().(Authenticated)
	if !ok {
		t.Fatalf("expected Authenticated, got %s", h.ctrl.State().Name())
	}
	if st.User.Email != testEmail {
		t.Fatalf("unexpected user %+v", st.User)
	}
	want := []string{"unauthenticated", "awaiting_challenge", "awaiting_seed_phrase", "authenticating", "authenticated"}
	waitFor(t, func() bool { return len(h.states.names()) == len(want) })
	for i, name := range h.states.names() {
		if name != want[i] {
			t.Fatalf("transition %d = %s, want %s (all %v)", i, name, want[i], h.states.names())
		}
	}
	for _, name := range []string{securestore.NameAccessToken, securestore.NameRefreshToken, securestore.NameEmail, securestore.NameSigningKey, securestore.NamePhrase} {
		if _, err := h.store.Retrieve(context.Background(), name); err != nil {
			t.Fatalf("%s not persisted: %v", name, err)
		}
	}
	user, err := h.ctrl.Me(context.Background())
	if err != nil || user.Email != testEmail {
		t.Fatalf("Me = %+v, %v", user, err)
	}
}

func TestWrongPhraseStaysAwaitingSeedPhrase(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	_ = h.ctrl.Start(ctx)
	if err := h.ctrl.RequestChallenge(ctx, testEmail); err != nil {
		t.Fatalf("RequestChallenge failed: %v", err)
	}

	err := h.ctrl.CompleteAuthentication(ctx, otherValid)
	if !errors.Is(err, apperr.ErrChallengeExpiredOrInvalid) {
		t.Fatalf("expected rejected signature, got %v", err)
	}
	st, ok := h.ctrl.State().(AwaitingSeedPhrase)
	if !ok || st.Err == nil || st.Email != testEmail {
		t.Fatalf("expected AwaitingSeedPhrase with error, got %#v", h.ctrl.State())
	}

	err = h.ctrl.CompleteAuthentication(ctx, "abandon abandon abandon")
	if !errors.Is(err, apperr.ErrInvalidMnemonic) {
		t.Fatalf("expected ErrInvalidMnemonic, got %v", err)
	}
	if _, ok := h.ctrl.State().(AwaitingSeedPhrase); !ok {
		t.Fatalf("expected AwaitingSeedPhrase, got %s", h.ctrl.State().Name())
	}

	// The consumed challenge is gone; a fresh one lets the right phrase in.
	if err := h.ctrl.RequestChallenge(ctx, testEmail); err != nil {
		t.Fatalf("fresh RequestChallenge failed: %v", err)
	}
	if err := h.ctrl.CompleteAuthentication(ctx, testPhrase); err != nil {
		t.Fatalf("CompleteAuthentication failed: %v", err)
	}
	if _, ok := h.ctrl.State().(Authenticated); !ok {
		t.Fatalf("expected Authenticated, got %s", h.ctrl.State().Name())
	}
}

func TestChallengeFailureReturnsToUnauthenticated(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	_ = h.ctrl.Start(context.Background())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.ctrl.RequestChallenge(ctx, testEmail)
	if !apperr.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	st, ok := h.ctrl.State().(Unauthenticated)
	if !ok || st.Err == nil {
		t.Fatalf("expected Unauthenticated with error, got %#v", h.ctrl.State())
	}
}

func TestInvalidTransitionsAreRejected(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	if err := h.ctrl.RequestChallenge(ctx, testEmail); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("RequestChallenge before Start: %v", err)
	}
	if err := h.ctrl.ForceLogout(ctx); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("ForceLogout before Start: %v", err)
	}
	_ = h.ctrl.Start(ctx)
	if err := h.ctrl.Start(ctx); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("second Start: %v", err)
	}
	if err := h.ctrl.CompleteAuthentication(ctx, testPhrase); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("CompleteAuthentication without challenge: %v", err)
	}
	if err := h.ctrl.AuthenticateWithBiometric(ctx, "unlock"); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("biometric from unauthenticated: %v", err)
	}
	if err := h.ctrl.Logout(ctx); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("Logout while unauthenticated: %v", err)
	}
	if _, err := h.ctrl.Me(ctx); !errors.Is(err, apperr.ErrNotAuthenticated) {
		t.Fatalf("Me while unauthenticated: %v", err)
	}
}

func TestTransitionTableIsClosed(t *testing.T) {
	all := []State{Unknown{}, Unauthenticated{}, AwaitingChallenge{}, AwaitingSeedPhrase{}, Authenticating{}, RequiresBiometric{}, Authenticated{}}
	for _, from := range all {
		if _, ok := transitions[from.kind()]; !ok {
			t.Fatalf("no transitions listed for %s", from.Name())
		}
		for _, to := range all {
			if _, isUnknown := to.(Unknown); isUnknown && canTransition(from, to) {
				t.Fatalf("%s may not return to unknown", from.Name())
			}
		}
	}
	if canTransition(Unauthenticated{}, Authenticated{}) {
		t.Fatal("authentication must pass through the challenge states")
	}
}

func TestRefreshFailureForcesLogout(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.login(t)

	h.server.RevokeAccessTokens()
	h.server.FailRefresh(true)

	_, err := h.ctrl.Me(context.Background())
	if !errors.Is(err, apperr.ErrRefreshFailure) {
		t.Fatalf("expected ErrRefreshFailure, got %v", err)
	}
	waitForState(t, h.ctrl, "unauthenticated")
	st := h.ctrl.State().(Unauthenticated)
	if !errors.Is(st.Err, apperr.ErrRefreshFailure) {
		t.Fatalf("expected refresh failure cause, got %v", st.Err)
	}
	waitFor(t, func() bool { return h.store.Len() == 0 })
}

func TestExpiredAccessTokenRefreshesTransparently(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.login(t)
	h.server.RevokeAccessTokens()

	user, err := h.ctrl.Me(context.Background())
	if err != nil || user.Email != testEmail {
		t.Fatalf("Me = %+v, %v", user, err)
	}
	if h.server.RefreshCalls() != 1 {
		t.Fatalf("expected one refresh, got %d", h.server.RefreshCalls())
	}
	if _, ok := h.ctrl.State().(Authenticated); !ok {
		t.Fatalf("expected Authenticated, got %s", h.ctrl.State().Name())
	}
}

func TestConcurrentRequestsShareRefresh(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.login(t)
	h.server.RevokeAccessTokens()
	h.server.SetRefreshDelay(50 * time.Millisecond)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.ctrl.Me(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Me failed: %v", err)
		}
	}
	if got := h.server.RefreshCalls(); got != 1 {
		t.Fatalf("expected a single refresh, got %d", got)
	}
}

func TestBiometricUnlockRestoresSession(t *testing.T) {
	store := securestore.NewMemoryStore()
	srv := fakebackend.New()
	enrollPhrase(t, srv, testPhrase)
	first := newHarness(t, harnessOpts{store: store, server: srv})
	first.login(t)

	bio := &biometric.Static{Available: true, Allow: true}
	second := newHarness(t, harnessOpts{store: store, server: srv, bio: bio})
	ctx := context.Background()
	if err := second.ctrl.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	locked, ok := second.ctrl.State().(RequiresBiometric)
	if !ok || locked.Email != testEmail {
		t.Fatalf("expected RequiresBiometric, got %#v", second.ctrl.State())
	}
	if err := second.ctrl.AuthenticateWithBiometric(ctx, "Unlock"); err != nil {
		t.Fatalf("AuthenticateWithBiometric failed: %v", err)
	}
	if _, ok := second.ctrl.State().(Authenticated); !ok {
		t.Fatalf("expected Authenticated, got %s", second.ctrl.State().Name())
	}
	if _, err := second.ids.SignChallenge("x"); err != nil {
		t.Fatalf("key not loaded after unlock: %v", err)
	}
}

func TestBiometricDenialForcesLogout(t *testing.T) {
	store := securestore.NewMemoryStore()
	srv := fakebackend.New()
	enrollPhrase(t, srv, testPhrase)
	newHarness(t, harnessOpts{store: store, server: srv}).login(t)

	second := newHarness(t, harnessOpts{store: store, server: srv, bio: &biometric.Static{Available: true}})
	ctx := context.Background()
	_ = second.ctrl.Start(ctx)
	err := second.ctrl.AuthenticateWithBiometric(ctx, "Unlock")
	if !errors.Is(err, ErrBiometricDenied) {
		t.Fatalf("expected ErrBiometricDenied, got %v", err)
	}
	st, ok := second.ctrl.State().(Unauthenticated)
	if !ok || !errors.Is(st.Err, ErrBiometricDenied) {
		t.Fatalf("expected Unauthenticated after denial, got %#v", second.ctrl.State())
	}
	if store.Len() != 0 {
		t.Fatalf("credentials left after forced logout: %d", store.Len())
	}
}

func TestStartWithoutBiometricIsUnauthenticated(t *testing.T) {
	store := securestore.NewMemoryStore()
	srv := fakebackend.New()
	enrollPhrase(t, srv, testPhrase)
	newHarness(t, harnessOpts{store: store, server: srv}).login(t)

	second := newHarness(t, harnessOpts{store: store, server: srv, bio: &biometric.Static{}})
	if err := second.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, ok := second.ctrl.State().(Unauthenticated); !ok {
		t.Fatalf("expected Unauthenticated, got %s", second.ctrl.State().Name())
	}
}

func TestLogoutClearsEverything(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.login(t)
	if err := h.ctrl.Logout(context.Background()); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, ok := h.ctrl.State().(Unauthenticated); !ok {
		t.Fatalf("expected Unauthenticated, got %s", h.ctrl.State().Name())
	}
	if h.store.Len() != 0 || h.guard.Authenticated() {
		t.Fatal("credentials left after logout")
	}
	if h.server.Logouts() != 1 {
		t.Fatalf("expected one server logout, got %d", h.server.Logouts())
	}
}

func TestLogoutServerFailureKeepsSession(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.login(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.ctrl.Logout(ctx); err == nil {
		t.Fatal("expected logout error")
	}
	if _, ok := h.ctrl.State().(Authenticated); !ok {
		t.Fatalf("state must be unchanged, got %s", h.ctrl.State().Name())
	}
	if err := h.ctrl.ForceLogout(context.Background()); err != nil {
		t.Fatalf("ForceLogout failed: %v", err)
	}
	if h.store.Len() != 0 {
		t.Fatal("ForceLogout must clear credentials")
	}
}

func TestChallengeRequestsAreThrottled(t *testing.T) {
	h := newHarness(t, harnessOpts{limiter: ratelimiter.New(1, 2, time.Minute)})
	ctx := context.Background()
	_ = h.ctrl.Start(ctx)
	for i := 0; i < 2; i++ {
		if err := h.ctrl.RequestChallenge(ctx, testEmail); err != nil {
			t.Fatalf("RequestChallenge %d failed: %v", i, err)
		}
	}
	if err := h.ctrl.RequestChallenge(ctx, testEmail); !errors.Is(err, apperr.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if _, ok := h.ctrl.State().(AwaitingSeedPhrase); !ok {
		t.Fatalf("throttling must not change state, got %s", h.ctrl.State().Name())
	}
}

func TestRequestChallengeRequiresEmail(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	_ = h.ctrl.Start(context.Background())
	if err := h.ctrl.RequestChallenge(context.Background(), "  "); !errors.Is(err, ErrEmailRequired) {
		t.Fatalf("expected ErrEmailRequired, got %v", err)
	}
}

func TestSubscribersCanReadStateWithoutDeadlock(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	seen := make(chan string, 16)
	cancel := h.ctrl.Subscribe(func(s State) {
		_ = h.ctrl.State()
		seen <- s.Name()
	})
	_ = h.ctrl.Start(context.Background())
	select {
	case name := <-seen:
		if name != "unauthenticated" {
			t.Fatalf("unexpected first notification %s", name)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no notification")
	}
	cancel()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestForcedLogoutDuringLoginLeavesNoKeyMaterial(t *testing.T) {
	gate := newGatedStore(securestore.NameSigningKey)
	h := newHarness(t, harnessOpts{wrap: gate.wrap})
	ctx := context.Background()
	_ = h.ctrl.Start(ctx)
	if err := h.ctrl.RequestChallenge(ctx, testEmail); err != nil {
		t.Fatalf("RequestChallenge failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- h.ctrl.CompleteAuthentication(ctx, testPhrase) }()
	gate.waitEntered(t)
	if err := h.ctrl.ForceLogout(ctx); err != nil {
		t.Fatalf("ForceLogout failed: %v", err)
	}
	close(gate.release)

	if err := <-done; !errors.Is(err, apperr.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	for _, name := range []string{securestore.NameSigningKey, securestore.NamePhrase, securestore.NameAccessToken, securestore.NameEmail} {
		if _, err := h.store.Retrieve(ctx, name); !errors.Is(err, securestore.ErrNotFound) {
			t.Fatalf("%s still stored after forced logout: %v", name, err)
		}
	}
	if _, err := h.ids.Current(); !errors.Is(err, identity.ErrNoIdentity) {
		t.Fatalf("signing key still loaded: %v", err)
	}
	if h.guard.Authenticated() {
		t.Fatal("session issued after forced logout")
	}
	if _, ok := h.ctrl.State().(Unauthenticated); !ok {
		t.Fatalf("expected Unauthenticated, got %s", h.ctrl.State().Name())
	}
}

func TestForcedLogoutDuringChallengeDropsEmail(t *testing.T) {
	gate := newGatedStore(securestore.NameEmail)
	h := newHarness(t, harnessOpts{wrap: gate.wrap})
	ctx := context.Background()
	_ = h.ctrl.Start(ctx)

	done := make(chan error, 1)
	go func() { done <- h.ctrl.RequestChallenge(ctx, testEmail) }()
	gate.waitEntered(t)
	if err := h.ctrl.ForceLogout(ctx); err != nil {
		t.Fatalf("ForceLogout failed: %v", err)
	}
	close(gate.release)

	if err := <-done; !errors.Is(err, apperr.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if _, err := h.store.Retrieve(ctx, securestore.NameEmail); !errors.Is(err, securestore.ErrNotFound) {
		t.Fatalf("email still stored after forced logout: %v", err)
	}
	if _, ok := h.ctrl.State().(Unauthenticated); !ok {
		t.Fatalf("expected Unauthenticated, got %s", h.ctrl.State().Name())
	}
}

func TestRejectedRefreshDuringUnlockLogsOutOnce(t *testing.T) {
	store := securestore.NewMemoryStore()
	srv := fakebackend.New()
	enrollPhrase(t, srv, testPhrase)
	newHarness(t, harnessOpts{store: store, server: srv}).login(t)
	srv.RevokeAccessTokens()
	srv.FailRefresh(true)

	second := newHarness(t, harnessOpts{store: store, server: srv, bio: &biometric.Static{Available: true, Allow: true}})
	ctx := context.Background()
	if err := second.ctrl.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	err := second.ctrl.AuthenticateWithBiometric(ctx, "Unlock")
	if !errors.Is(err, apperr.ErrRefreshFailure) {
		t.Fatalf("expected ErrRefreshFailure, got %v", err)
	}

	logouts := 0
	for _, name := range second.states.names() {
		if name == "unauthenticated" {
			logouts++
		}
	}
	if logouts != 1 {
		t.Fatalf("expected one transition to unauthenticated, got %d in %v", logouts, second.states.names())
	}
	st, ok := second.ctrl.State().(Unauthenticated)
	if !ok || !errors.Is(st.Err, apperr.ErrRefreshFailure) {
		t.Fatalf("expected Unauthenticated with refresh failure, got %#v", second.ctrl.State())
	}
	if store.Len() != 0 {
		t.Fatalf("credentials left after forced logout: %d", store.Len())
	}
}
