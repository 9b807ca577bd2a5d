// Package ratelimit enforces the per-endpoint call budgets the broker
// documents for its REST API (e.g. /auth/getToken once per day).
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Endpoint keys for the broker API surface. The actual budgets live in
// configuration; these constants only name the logical endpoints.
const (
	EndpointAuthToken      = "/auth/getToken"
	EndpointInstrumentsAll = "/instruments/all"
	EndpointMarketDataGet  = "/marketdata/get"
	EndpointOrderCancel    = "/order/cancelById"
	EndpointRiskPositions  = "/risk/position/getPositions"
)

// Limit is a call budget: at most Calls within any trailing Period.
type Limit struct {
	Calls  int
	Period time.Duration
}

// Limiter tracks call timestamps per endpoint key. Keys without a
// configured limit are unlimited. All checks and mutations share one
// mutex so two callers can never both claim the last slot.
type Limiter struct {
	mu      sync.Mutex
	limits  map[string]Limit
	history map[string][]time.Time
	now     func() time.Time
	logger  zerolog.Logger
}

// New builds a Limiter from a static budget table.
func New(limits map[string]Limit, logger zerolog.Logger) *Limiter {
	table := make(map[string]Limit, len(limits))
	for key, lim := range limits {
		if lim.Calls > 0 && lim.Period > 0 {
			table[key] = lim
		}
	}
	return &Limiter{
		limits:  table,
		history: make(map[string][]time.Time),
		now:     time.Now,
		logger:  logger.With().Str("component", "ratelimit").Logger(),
	}
}

// SetClock replaces the time source. Intended for tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// CanCall reports whether a call to key is within budget right now.
func (l *Limiter) CanCall(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.canCallLocked(key)
}

// Record appends "now" to the key's history. Callers record only after
// the call actually went out.
func (l *Limiter) Record(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.limits[key]; !ok {
		return
	}
	l.pruneLocked(key)
	l.history[key] = append(l.history[key], l.now())
}

// NextAllowedTime returns the instant at which a call to key becomes
// legal. If a call is legal now, it returns the current time.
func (l *Limiter) NextAllowedTime(key string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextAllowedLocked(key)
}

// WaitIfNeeded blocks until a call to key is within budget or the context
// is cancelled. It does not record the call; the caller records after the
// call succeeds.
func (l *Limiter) WaitIfNeeded(ctx context.Context, key string) error {
	for {
		l.mu.Lock()
		if l.canCallLocked(key) {
			l.mu.Unlock()
			return nil
		}
		next := l.nextAllowedLocked(key)
		wait := next.Sub(l.now())
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}

		l.logger.Warn().
			Str("endpoint", key).
			Dur("wait", wait).
			Msg("rate limit reached, deferring call")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Reset clears history for one key, or for every key when key is empty.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if key == "" {
		l.history = make(map[string][]time.Time)
		return
	}
	delete(l.history, key)
}

func (l *Limiter) canCallLocked(key string) bool {
	lim, ok := l.limits[key]
	if !ok {
		return true
	}
	l.pruneLocked(key)
	return len(l.history[key]) < lim.Calls
}

func (l *Limiter) nextAllowedLocked(key string) time.Time {
	now := l.now()

	lim, ok := l.limits[key]
	if !ok {
		return now
	}
	l.pruneLocked(key)

	calls := l.history[key]
	if len(calls) < lim.Calls {
		return now
	}

	// Oldest in-window record ages out first.
	oldest := calls[0]
	for _, t := range calls[1:] {
		if t.Before(oldest) {
			oldest = t
		}
	}
	return oldest.Add(lim.Period)
}

// pruneLocked drops records older than the key's window.
func (l *Limiter) pruneLocked(key string) {
	lim, ok := l.limits[key]
	if !ok {
		return
	}

	cutoff := l.now().Add(-lim.Period)
	calls := l.history[key]
	kept := calls[:0]
	for _, t := range calls {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(l.history, key)
		return
	}
	l.history[key] = kept
}
