// Package backend is the HTTP client for the authentication endpoints.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"docnotary/go-core/internal/apperr"
	"docnotary/go-core/pkg/models"
)

const (
	defaultTimeout   = 15 * time.Second
	maxResponseBytes = 1 << 20
	refreshCookie    = "refresh_token"
)

// Paths are the endpoint paths relative to the base URL.
type Paths struct {
	Challenge   string `yaml:"challenge"`
	Complete    string `yaml:"complete"`
	Refresh     string `yaml:"refresh"`
	Me          string `yaml:"me"`
	Logout      string `yaml:"logout"`
	RegisterKey string `yaml:"register_key"`
}

func DefaultPaths() Paths {
	return Paths{
		Challenge:   "/auth/challenge",
		Complete:    "/auth/complete",
		Refresh:     "/auth/refresh",
		Me:          "/auth/me",
		Logout:      "/auth/logout",
		RegisterKey: "/auth/register",
	}
}

type Client struct {
	base   *url.URL
	paths  Paths
	http   *http.Client
	logger *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithPaths(p Paths) Option {
	return func(c *Client) {
		def := DefaultPaths()
		c.paths = Paths{
			Challenge:   firstNonEmpty(p.Challenge, def.Challenge),
			Complete:    firstNonEmpty(p.Complete, def.Complete),
			Refresh:     firstNonEmpty(p.Refresh, def.Refresh),
			Me:          firstNonEmpty(p.Me, def.Me),
			Logout:      firstNonEmpty(p.Logout, def.Logout),
			RegisterKey: firstNonEmpty(p.RegisterKey, def.RegisterKey),
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url must be http(s), got %q", baseURL)
	}
	if u.Host == "" {
		return nil, errors.New("backend url has no host")
	}
	c := &Client{
		base:   u,
		paths:  DefaultPaths(),
		http:   &http.Client{Timeout: defaultTimeout},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// RequestChallenge asks the backend for a one-time challenge for email.
func (c *Client) RequestChallenge(ctx context.Context, email string) (string, error) {
	var out models.ChallengeResponse
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   c.paths.Challenge,
		body:   models.ChallengeRequest{Email: email},
		kinds:  challengeKinds,
	}, &out)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Challenge) == "" {
		return "", errors.New("challenge response has no challenge")
	}
	return out.Challenge, nil
}

// CompleteAuth submits the signed challenge and returns the issued session.
func (c *Client) CompleteAuth(ctx context.Context, in models.CompleteAuthRequest) (models.AuthResponse, error) {
	var out models.AuthResponse
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   c.paths.Complete,
		body:   in,
		kinds:  challengeKinds,
	}, &out)
	if err != nil {
		return models.AuthResponse{}, err
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return models.AuthResponse{}, errors.New("completion response has no access token")
	}
	return out, nil
}

// Refresh exchanges refreshToken for a new token pair. The refresh token is
// sent only as the refresh_token cookie. Any HTTP error response is
// classified as apperr.ErrRefreshFailure.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (models.Tokens, error) {
	var out models.Tokens
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   c.paths.Refresh,
		cookie: refreshToken,
		kinds:  func(int) error { return apperr.ErrRefreshFailure },
	}, &out)
	if err != nil {
		return models.Tokens{}, err
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return models.Tokens{}, fmt.Errorf("%w: refresh response has no access token", apperr.ErrRefreshFailure)
	}
	return out, nil
}

// Me returns the user the access token belongs to.
func (c *Client) Me(ctx context.Context, accessToken string) (models.User, error) {
	var out models.User
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   c.paths.Me,
		bearer: accessToken,
		kinds:  authKinds,
	}, &out)
	return out, err
}

func (c *Client) Logout(ctx context.Context, accessToken string) error {
	return c.do(ctx, request{
		method: http.MethodPost,
		path:   c.paths.Logout,
		bearer: accessToken,
		kinds:  authKinds,
	}, nil)
}

// RegisterKey enrolls a public key for email. Only development backends
// expose this endpoint.
func (c *Client) RegisterKey(ctx context.Context, in models.RegisterKeyRequest) error {
	return c.do(ctx, request{
		method: http.MethodPost,
		path:   c.paths.RegisterKey,
		body:   in,
	}, nil)
}

type request struct {
	method string
	path   string
	body   any
	bearer string
	cookie string
	kinds  func(status int) error
}

func (c *Client) do(ctx context.Context, r request, out any) (retErr error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var body io.Reader
	if r.body != nil {
		raw, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", r.path, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, c.base.JoinPath(r.path).String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+r.bearer)
	}
	if r.cookie != "" {
		req.Header.Set("Cookie", refreshCookie+"="+r.cookie)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("backend request failed", "method", r.method, "path", r.path, "error", err.Error())
		return fmt.Errorf("%w: %s %s: %w", apperr.ErrNetwork, r.method, r.path, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil && retErr == nil {
			retErr = closeErr
		}
	}()
	c.logger.Debug("backend request",
		"method", r.method,
		"path", r.path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(started).Milliseconds(),
	)

	limited := io.LimitReader(resp.Body, maxResponseBytes)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, limited, r.kinds)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, limited)
		return nil
	}
	if err := json.NewDecoder(limited).Decode(out); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", apperr.ErrNetwork, ctxErr)
		}
		return fmt.Errorf("decode %s response: %w", r.path, err)
	}
	return nil
}

func decodeError(status int, body io.Reader, kinds func(int) error) error {
	var payload models.ErrorResponse
	raw, _ := io.ReadAll(body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			payload.Message = strings.TrimSpace(string(raw))
			if len(payload.Message) > 200 {
				payload.Message = payload.Message[:200]
			}
		}
	}
	var kind error
	if kinds != nil {
		kind = kinds(status)
	}
	return apperr.NewHTTPError(status, payload.Code, payload.Message, kind)
}

func challengeKinds(status int) error {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusGone:
		return apperr.ErrChallengeExpiredOrInvalid
	default:
		return nil
	}
}

func authKinds(status int) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperr.ErrNotAuthenticated
	default:
		return nil
	}
}

func firstNonEmpty(v, fallback string) string {
	if strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}
