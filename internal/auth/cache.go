package auth

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSafetyMargin keeps a token out of use while it could expire
// mid-call.
const DefaultSafetyMargin = time.Hour

// Credential is one bearer token with its validity window. Replaced
// wholesale on refresh, never mutated.
type Credential struct {
	Token     string    `json:"token"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Cache persists a single credential to disk so a restarted process
// reuses it instead of burning the once-per-day auth budget.
type Cache struct {
	path   string
	margin time.Duration
	logger zerolog.Logger
	now    func() time.Time

	mu   sync.Mutex
	cred *Credential
}

// NewCache loads any previously persisted credential from path. A
// missing or unreadable file is a cache miss, never an error.
func NewCache(path string, margin time.Duration, logger zerolog.Logger) *Cache {
	if margin <= 0 {
		margin = DefaultSafetyMargin
	}
	c := &Cache{
		path:   path,
		margin: margin,
		logger: logger.With().Str("component", "token_cache").Logger(),
		now:    time.Now,
	}
	c.load()
	return c
}

// Get returns the cached credential if it is still usable, i.e. now is
// before expiry minus the safety margin.
func (c *Cache) Get() (Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cred == nil {
		return Credential{}, false
	}
	if !c.usable(*c.cred) {
		c.logger.Info().Time("expires_at", c.cred.ExpiresAt).Msg("cached token expired")
		c.cred = nil
		return Credential{}, false
	}
	return *c.cred, true
}

// Store overwrites the cached credential and persists it before
// returning. A persistence failure is logged, not fatal; the in-memory
// copy still serves the current process.
func (c *Cache) Store(token string, issuedAt time.Time, ttl time.Duration) Credential {
	cred := Credential{
		Token:     token,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cred = &cred

	if err := c.persist(cred); err != nil {
		c.logger.Error().Err(err).Str("path", c.path).Msg("failed to persist token cache")
	} else {
		c.logger.Info().Time("expires_at", cred.ExpiresAt).Msg("token cached")
	}
	return cred
}

// TimeUntilExpiry reports remaining validity (margin not subtracted),
// or zero when no usable credential is cached.
func (c *Cache) TimeUntilExpiry() time.Duration {
	cred, ok := c.Get()
	if !ok {
		return 0
	}
	return cred.ExpiresAt.Sub(c.now())
}

// Clear drops the credential and removes the cache file.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cred = nil
	if c.path == "" {
		return
	}
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn().Err(err).Msg("failed to remove token cache file")
	}
}

func (c *Cache) usable(cred Credential) bool {
	return c.now().Before(cred.ExpiresAt.Add(-c.margin))
}

func (c *Cache) load() {
	if c.path == "" {
		return
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn().Err(err).Str("path", c.path).Msg("failed to read token cache")
		}
		return
	}

	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		c.logger.Warn().Err(err).Str("path", c.path).Msg("corrupted token cache, ignoring")
		return
	}
	if cred.Token == "" || cred.ExpiresAt.IsZero() {
		return
	}
	if !c.usable(cred) {
		return
	}

	c.cred = &cred
	c.logger.Info().Time("expires_at", cred.ExpiresAt).Msg("token loaded from cache")
}

func (c *Cache) persist(cred Credential) error {
	if c.path == "" {
		return nil
	}

	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(c.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(c.path, data, 0o600)
}
