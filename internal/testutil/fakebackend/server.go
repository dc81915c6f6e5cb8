// Package fakebackend is an in-process implementation of the auth
// endpoints. Tests drive it through httptest; the dev server binary serves
// it on a real port. It is not a production server.
package fakebackend

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"docnotary/go-core/internal/signing"
	"docnotary/go-core/pkg/models"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	refreshCookie = "refresh_token"

	CodeBadRequest       = "bad_request"
	CodeChallengeInvalid = "challenge_invalid"
	CodeBadSignature     = "bad_signature"
	CodeUnknownAccount   = "unknown_account"
	CodeTokenRevoked     = "token_revoked"
	CodeRefreshRejected  = "refresh_rejected"
)

type Server struct {
	e            *echo.Echo
	jwtKey       []byte
	suite        signing.Suite
	now          func() time.Time
	accessTTL    time.Duration
	challengeTTL time.Duration

	refreshCalls atomic.Int32

	mu           sync.Mutex
	accounts     map[string]account
	challenges   map[string]pendingChallenge
	sessions     map[string]string // refresh token -> email
	minGen       int64
	refreshDelay time.Duration
	failRefresh  bool
	logouts      int
}

type account struct {
	user      models.User
	publicKey []byte
}

type pendingChallenge struct {
	value    string
	issuedAt time.Time
}

type Option func(*Server)

// WithSuite selects the signature scheme the server verifies.
func WithSuite(s signing.Suite) Option { return func(srv *Server) { srv.suite = s } }

func WithClock(now func() time.Time) Option {
	return func(srv *Server) {
		if now != nil {
			srv.now = now
		}
	}
}

func WithAccessTTL(d time.Duration) Option {
	return func(srv *Server) {
		if d > 0 {
			srv.accessTTL = d
		}
	}
}

func WithChallengeTTL(d time.Duration) Option {
	return func(srv *Server) {
		if d > 0 {
			srv.challengeTTL = d
		}
	}
}

// WithLogger logs every request through l.
func WithLogger(l *slog.Logger) Option {
	return func(srv *Server) {
		if l == nil {
			return
		}
		srv.e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			LogMethod:  true,
			LogURIPath: true,
			LogStatus:  true,
			LogLatency: true,
			LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
				l.Info("request",
					"method", v.Method,
					"path", v.URIPath,
					"status", v.Status,
					"latency_ms", v.Latency.Milliseconds(),
				)
				return nil
			},
		}))
	}
}

func New(opts ...Option) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		e:            e,
		jwtKey:       randomBytes(32),
		suite:        signing.SHA512,
		now:          time.Now,
		accessTTL:    15 * time.Minute,
		challengeTTL: 5 * time.Minute,
		accounts:     map[string]account{},
		challenges:   map[string]pendingChallenge{},
		sessions:     map[string]string{},
	}
	for _, opt := range opts {
		opt(s)
	}
	e.HTTPErrorHandler = s.handleError
	s.routes()
	return s
}

func (s *Server) routes() {
	auth := echojwt.WithConfig(echojwt.Config{
		SigningKey:    s.jwtKey,
		SigningMethod: "HS256",
		ErrorHandler: func(_ echo.Context, err error) error {
			return newError(http.StatusUnauthorized, "unauthorized", err.Error())
		},
	})

	g := s.e.Group("/auth", middleware.BodyLimit("4K"))
	g.POST("/register", s.register)
	g.POST("/challenge", s.challenge)
	g.POST("/complete", s.complete)
	g.POST("/refresh", s.refresh)
	g.GET("/me", s.me, auth, s.requireCurrentGen)
	g.POST("/logout", s.logout, auth, s.requireCurrentGen)
}

func (s *Server) Handler() http.Handler { return s.e }

// Mount serves h at path next to the auth routes.
func (s *Server) Mount(path string, h http.Handler) {
	s.e.Any(path, echo.WrapHandler(h))
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	err := s.e.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

// Enroll registers publicKey for email.
func (s *Server) Enroll(email, username string, publicKey []byte) models.User {
	email = models.NormalizeEmail(email)
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[email]
	if !ok {
		acc.user = models.User{ID: "usr_" + randomToken(6), Email: email, Username: username}
	}
	if username != "" {
		acc.user.Username = username
	}
	acc.publicKey = append([]byte(nil), publicKey...)
	s.accounts[email] = acc
	return acc.user
}

// RevokeAccessTokens makes every access token issued so far fail with 401
// while refresh tokens stay valid.
func (s *Server) RevokeAccessTokens() {
	s.mu.Lock()
	s.minGen++
	s.mu.Unlock()
}

// SetRefreshDelay holds every refresh response for d.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	s.refreshDelay = d
	s.mu.Unlock()
}

// FailRefresh makes refresh answer 401.
func (s *Server) FailRefresh(fail bool) {
	s.mu.Lock()
	s.failRefresh = fail
	s.mu.Unlock()
}

func (s *Server) RefreshCalls() int { return int(s.refreshCalls.Load()) }

func (s *Server) Logouts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logouts
}

// PendingChallenge returns the outstanding challenge for email.
func (s *Server) PendingChallenge(email string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challenges[models.NormalizeEmail(email)]
	return ch.value, ok
}

func (s *Server) register(c echo.Context) error {
	var req models.RegisterKeyRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Email) == "" {
		return newError(http.StatusBadRequest, CodeBadRequest, "email and publicKeyB64 are required")
	}
	pub, err := base64.StdEncoding.DecodeString(req.PublicKeyB64)
	if err != nil || len(pub) != signing.PublicKeySize {
		return newError(http.StatusBadRequest, CodeBadRequest, "publicKeyB64 must be a base64 ed25519 public key")
	}
	return c.JSON(http.StatusCreated, s.Enroll(req.Email, req.Username, pub))
}

func (s *Server) challenge(c echo.Context) error {
	var req models.ChallengeRequest
	if err := c.Bind(&req); err != nil {
		return newError(http.StatusBadRequest, CodeBadRequest, "invalid body")
	}
	email := models.NormalizeEmail(req.Email)
	if email == "" {
		return newError(http.StatusBadRequest, CodeBadRequest, "email is required")
	}
	value := randomToken(32)
	s.mu.Lock()
	s.challenges[email] = pendingChallenge{value: value, issuedAt: s.now()}
	s.mu.Unlock()
	return c.JSON(http.StatusOK, models.ChallengeResponse{Challenge: value})
}

func (s *Server) complete(c echo.Context) error {
	var req models.CompleteAuthRequest
	if err := c.Bind(&req); err != nil {
		return newError(http.StatusBadRequest, CodeBadRequest, "invalid body")
	}
	email := models.NormalizeEmail(req.Email)

	s.mu.Lock()
	defer s.mu.Unlock()
	pending, ok := s.challenges[email]
	if !ok || pending.value != req.Challenge || s.now().Sub(pending.issuedAt) > s.challengeTTL {
		return newError(http.StatusUnauthorized, CodeChallengeInvalid, "challenge expired or invalid")
	}
	delete(s.challenges, email)

	acc, ok := s.accounts[email]
	if !ok {
		return newError(http.StatusUnauthorized, CodeUnknownAccount, "no key enrolled for this account")
	}
	sig, err := base64.StdEncoding.DecodeString(req.SignatureB64)
	if err != nil || !signing.Verify(s.suite, acc.publicKey, []byte(req.Challenge), sig) {
		return newError(http.StatusUnauthorized, CodeBadSignature, "signature does not verify")
	}
	tokens, err := s.issueLocked(acc.user)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, models.AuthResponse{Tokens: tokens, User: acc.user})
}

func (s *Server) refresh(c echo.Context) error {
	s.refreshCalls.Add(1)

	s.mu.Lock()
	delay, fail := s.refreshDelay, s.failRefresh
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		}
	}

	cookie, err := c.Cookie(refreshCookie)
	if err != nil || cookie.Value == "" {
		return newError(http.StatusUnauthorized, CodeRefreshRejected, "missing refresh token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if fail {
		return newError(http.StatusUnauthorized, CodeRefreshRejected, "refresh rejected")
	}
	email, ok := s.sessions[cookie.Value]
	if !ok {
		return newError(http.StatusUnauthorized, CodeRefreshRejected, "unknown refresh token")
	}
	delete(s.sessions, cookie.Value)
	tokens, err := s.issueLocked(s.accounts[email].user)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tokens)
}

func (s *Server) me(c echo.Context) error {
	email := subject(c)
	s.mu.Lock()
	acc, ok := s.accounts[email]
	s.mu.Unlock()
	if !ok {
		return newError(http.StatusUnauthorized, CodeUnknownAccount, "account no longer exists")
	}
	return c.JSON(http.StatusOK, acc.user)
}

func (s *Server) logout(c echo.Context) error {
	email := subject(c)
	s.mu.Lock()
	for token, owner := range s.sessions {
		if owner == email {
			delete(s.sessions, token)
		}
	}
	s.logouts++
	s.mu.Unlock()
	return c.NoContent(http.StatusNoContent)
}

// requireCurrentGen rejects access tokens issued before the last
// RevokeAccessTokens.
func (s *Server) requireCurrentGen(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims := claimsOf(c)
		gen, _ := claims["gen"].(float64)
		s.mu.Lock()
		minGen := s.minGen
		s.mu.Unlock()
		if int64(gen) < minGen {
			return newError(http.StatusUnauthorized, CodeTokenRevoked, "access token revoked")
		}
		return next(c)
	}
}

func (s *Server) issueLocked(user models.User) (models.Tokens, error) {
	now := s.now()
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": user.Email,
		"uid": user.ID,
		"gen": s.minGen,
		"jti": randomToken(8),
		"iat": now.Unix(),
		"exp": now.Add(s.accessTTL).Unix(),
	}).SignedString(s.jwtKey)
	if err != nil {
		return models.Tokens{}, newError(http.StatusInternalServerError, "internal", "could not sign token")
	}
	refresh := randomToken(32)
	s.sessions[refresh] = user.Email
	return models.Tokens{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, body := http.StatusInternalServerError, models.ErrorResponse{Code: "internal", Message: "internal error"}
	var apiErr *apiError
	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &apiErr):
		status, body = apiErr.status, apiErr.body
	case errors.As(err, &httpErr):
		status = httpErr.Code
		body = models.ErrorResponse{Code: strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))}
		if msg, ok := httpErr.Message.(string); ok {
			body.Message = msg
		}
	case errors.Is(err, context.Canceled):
		return
	}
	if jerr := c.JSON(status, body); jerr != nil {
		s.e.Logger.Error(jerr)
	}
}

type apiError struct {
	status int
	body   models.ErrorResponse
}

func (e *apiError) Error() string { return e.body.Code + ": " + e.body.Message }

func newError(status int, code, message string) error {
	return &apiError{status: status, body: models.ErrorResponse{Code: code, Message: message}}
}

func claimsOf(c echo.Context) jwt.MapClaims {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok {
		return jwt.MapClaims{}
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return jwt.MapClaims{}
	}
	return claims
}

func subject(c echo.Context) string {
	sub, _ := claimsOf(c).GetSubject()
	return sub
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

func randomToken(n int) string {
	return base64.RawURLEncoding.EncodeToString(randomBytes(n))
}
