// Package auth obtains and caches the broker API token. The broker
// expects at most one token request per day, so a disk-backed cache and
// the rate limiter sit in front of every refresh.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"settlement-arb-alerts/internal/ratelimit"
)

// ErrAuthenticationFailed marks a rejected or failed token request. The
// caller decides on retry policy; the client never retries on its own.
var ErrAuthenticationFailed = errors.New("auth: authentication failed")

// Options parameterise the authenticated client.
type Options struct {
	AuthURL  string
	Username string
	Password string
	TokenTTL time.Duration
	Timeout  time.Duration
}

// Client trades credentials for tokens against the broker's
// /auth/getToken endpoint and attaches them to outbound requests.
type Client struct {
	opts    Options
	cache   *Cache
	limiter *ratelimit.Limiter
	client  *http.Client
	logger  zerolog.Logger
	group   singleflight.Group
}

// NewClient wires the token cache and rate limiter into a client.
func NewClient(opts Options, cache *Cache, limiter *ratelimit.Limiter, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}

	return &Client{
		opts:    opts,
		cache:   cache,
		limiter: limiter,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "auth_client").Logger(),
	}
}

// GetToken returns a usable credential, from cache when possible. With
// forceRefresh the cache is bypassed. Concurrent refreshes collapse into
// a single network call; every waiter receives the same result.
func (c *Client) GetToken(ctx context.Context, forceRefresh bool) (Credential, error) {
	if !forceRefresh {
		if cred, ok := c.cache.Get(); ok {
			return cred, nil
		}
	}

	res, err, _ := c.group.Do("token", func() (any, error) {
		// A refresh that finished while we queued is good enough,
		// even for forced callers.
		if cred, ok := c.cache.Get(); ok {
			return cred, nil
		}
		return c.refresh(ctx)
	})
	if err != nil {
		return Credential{}, err
	}
	return res.(Credential), nil
}

// AuthHeader returns the header the broker expects on authenticated
// WebSocket and REST requests.
func (c *Client) AuthHeader(cred Credential) http.Header {
	header := http.Header{}
	header.Set("X-Auth-Token", cred.Token)
	return header
}

func (c *Client) refresh(ctx context.Context) (Credential, error) {
	if err := c.limiter.WaitIfNeeded(ctx, ratelimit.EndpointAuthToken); err != nil {
		return Credential{}, err
	}

	c.logger.Info().Str("url", c.opts.AuthURL).Msg("requesting auth token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.AuthURL, nil)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: create request: %v", ErrAuthenticationFailed, err)
	}
	req.Header.Set("X-Username", c.opts.Username)
	req.Header.Set("X-Password", c.opts.Password)

	resp, err := c.client.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return Credential{}, fmt.Errorf("%w: status %d: %s", ErrAuthenticationFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	token := strings.TrimSpace(resp.Header.Get("X-Auth-Token"))
	if token == "" {
		return Credential{}, fmt.Errorf("%w: X-Auth-Token header missing or empty", ErrAuthenticationFailed)
	}

	cred := c.cache.Store(token, time.Now().UTC(), c.opts.TokenTTL)
	c.limiter.Record(ratelimit.EndpointAuthToken)

	c.logger.Info().Time("expires_at", cred.ExpiresAt).Msg("auth token obtained")
	return cred, nil
}
