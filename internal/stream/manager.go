// Package stream owns the persistent market-data connection: it
// authenticates, subscribes the configured instrument universe in
// batches, keeps the link alive with heartbeats, and supervises
// reconnection. Inbound frames are decoded once and fed to the quote
// store.
package stream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"settlement-arb-alerts/internal/auth"
	"settlement-arb-alerts/internal/market"
)

// State of the connection state machine.
type State string

const (
	StateDisconnected     State = "disconnected"
	StateConnecting       State = "connecting"
	StateAuthenticating   State = "authenticating"
	StateSubscriptionSync State = "subscription_sync"
	StateLive             State = "live"
	StateReconnecting     State = "reconnecting"
)

// Broker best-practice defaults.
const (
	DefaultBatchSize         = 1000
	DefaultBatchPause        = 250 * time.Millisecond
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 10 * time.Second
)

// TokenSource supplies a credential for the connection handshake.
type TokenSource interface {
	GetToken(ctx context.Context, forceRefresh bool) (auth.Credential, error)
}

// Options parameterise the connection manager.
type Options struct {
	URL               string
	MarketID          string
	BatchSize         int
	BatchPause        time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration

	// AuthFailureThreshold is how many consecutive failed token
	// attempts trigger the operator alert callback.
	AuthFailureThreshold int
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.BatchPause <= 0 {
		o.BatchPause = DefaultBatchPause
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = 2 * time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = time.Minute
	}
	if o.AuthFailureThreshold <= 0 {
		o.AuthFailureThreshold = 5
	}
	return o
}

// Manager drives one connection through its state machine. Each
// instance owns its own state; tests run several side by side against
// fake dialers.
type Manager struct {
	opts   Options
	dialer Dialer
	tokens TokenSource
	store  *market.Store
	logger zerolog.Logger

	// onUpdate fires after a quote has been applied to the store.
	onUpdate func(symbol string)
	// onAuthFailure escalates persistent authentication failure to an
	// operator-visible channel.
	onAuthFailure func(err error, attempts int)

	state atomic.Value

	// writeMu serializes the transport write path so a heartbeat probe
	// and a subscription batch never interleave mid-frame.
	writeMu sync.Mutex

	mu      sync.Mutex
	desired []string
	seen    map[string]struct{}
	subCh   chan []string
}

// New builds a connection manager. onUpdate may be nil.
func New(opts Options, dialer Dialer, tokens TokenSource, store *market.Store, logger zerolog.Logger) *Manager {
	m := &Manager{
		opts:   opts.withDefaults(),
		dialer: dialer,
		tokens: tokens,
		store:  store,
		logger: logger.With().Str("component", "stream").Logger(),
		seen:   make(map[string]struct{}),
		subCh:  make(chan []string, 16),
	}
	m.state.Store(StateDisconnected)
	return m
}

// OnUpdate registers the per-symbol callback invoked after each applied
// quote update. Must be called before Run.
func (m *Manager) OnUpdate(fn func(symbol string)) {
	m.onUpdate = fn
}

// OnAuthFailure registers the persistent-auth-failure escalation hook.
// Must be called before Run.
func (m *Manager) OnAuthFailure(fn func(err error, attempts int)) {
	m.onAuthFailure = fn
}

// State returns the current connection state.
func (m *Manager) State() State {
	return m.state.Load().(State)
}

// Subscribe adds symbols to the desired set, preserving order and
// dropping duplicates. While Live the additions are flushed through the
// normal batching path; otherwise they ride the next SubscriptionSync.
func (m *Manager) Subscribe(symbols []string) {
	m.mu.Lock()
	added := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if _, ok := m.seen[sym]; ok {
			continue
		}
		m.seen[sym] = struct{}{}
		m.desired = append(m.desired, sym)
		added = append(added, sym)
	}
	m.mu.Unlock()

	if len(added) == 0 {
		return
	}
	select {
	case m.subCh <- added:
	default:
		// Flush channel full; the full desired set is resent on the
		// next SubscriptionSync anyway.
	}
}

// Run drives the connect/reconnect loop until ctx is cancelled, which
// is the terminal transition to Disconnected.
func (m *Manager) Run(ctx context.Context) error {
	defer m.setState(StateDisconnected)

	bo := &backoff.Backoff{
		Min:    m.opts.BackoffMin,
		Max:    m.opts.BackoffMax,
		Factor: 2,
		Jitter: true,
	}
	authFailures := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		m.setState(StateConnecting)

		cred, err := m.tokens.GetToken(ctx, authFailures > 0)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			authFailures++
			m.logger.Error().Err(err).Int("attempts", authFailures).Msg("authentication failed")
			if authFailures >= m.opts.AuthFailureThreshold {
				if m.onAuthFailure != nil {
					m.onAuthFailure(err, authFailures)
				}
				authFailures = 0
			}
			if err := m.sleep(ctx, bo.Duration()); err != nil {
				return err
			}
			continue
		}

		m.setState(StateAuthenticating)

		tr, err := m.dialer.Dial(ctx, m.opts.URL, authHeader(cred))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Error().Err(err).Str("url", m.opts.URL).Msg("connection failed")
			m.setState(StateReconnecting)
			if err := m.sleep(ctx, bo.Duration()); err != nil {
				return err
			}
			continue
		}

		authFailures = 0
		bo.Reset()

		err = m.runSession(ctx, tr)
		_ = tr.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		m.logger.Warn().Err(err).Msg("session ended, reconnecting")
		m.setState(StateReconnecting)
		if err := m.sleep(ctx, bo.Duration()); err != nil {
			return err
		}
	}
}

// runSession performs SubscriptionSync and then serves the Live state
// until the transport dies or ctx is cancelled.
func (m *Manager) runSession(ctx context.Context, tr Transport) error {
	pong := make(chan struct{}, 1)
	tr.SetPongHandler(func() {
		select {
		case pong <- struct{}{}:
		default:
		}
	})

	// Anything queued while disconnected is covered by the full sync.
	m.drainSubCh()

	m.setState(StateSubscriptionSync)
	if err := m.sendBatches(ctx, tr, m.snapshotDesired()); err != nil {
		return fmt.Errorf("stream: subscription sync: %w", err)
	}

	m.setState(StateLive)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var once sync.Once
	teardown := func() {
		once.Do(func() { _ = tr.Close() })
	}

	go m.heartbeatLoop(sessCtx, tr, pong, teardown)
	go m.flushLoop(sessCtx, tr)

	for {
		payload, err := tr.ReadMessage()
		if err != nil {
			teardown()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("stream: read: %w", err)
		}
		m.handleFrame(payload, pong)
	}
}

// heartbeatLoop sends a liveness probe every interval and requires an
// acknowledgment within the timeout. A missed probe tears the session
// down exactly once; the read loop then drives reconnection.
func (m *Manager) heartbeatLoop(ctx context.Context, tr Transport, pong <-chan struct{}, teardown func()) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Drop any stale ack from a previous probe.
		select {
		case <-pong:
		default:
		}

		m.writeMu.Lock()
		err := tr.WritePing(time.Now().Add(m.opts.HeartbeatTimeout))
		m.writeMu.Unlock()
		if err != nil {
			m.logger.Warn().Err(err).Msg("heartbeat write failed")
			teardown()
			return
		}

		timer := time.NewTimer(m.opts.HeartbeatTimeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-pong:
			timer.Stop()
		case <-timer.C:
			m.logger.Warn().
				Dur("timeout", m.opts.HeartbeatTimeout).
				Msg("heartbeat not acknowledged, forcing reconnect")
			teardown()
			return
		}
	}
}

// flushLoop sends subscription additions that arrive while Live.
func (m *Manager) flushLoop(ctx context.Context, tr Transport) {
	for {
		select {
		case <-ctx.Done():
			return
		case added := <-m.subCh:
			if err := m.sendBatches(ctx, tr, added); err != nil {
				m.logger.Warn().Err(err).Msg("failed to flush subscription additions")
				return
			}
		}
	}
}

// sendBatches chunks symbols at the batch cap and writes one smd frame
// per chunk, pausing briefly between chunks to avoid bursting the
// remote side.
func (m *Manager) sendBatches(ctx context.Context, tr Transport, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}

	total := (len(symbols) + m.opts.BatchSize - 1) / m.opts.BatchSize
	for i := 0; i < len(symbols); i += m.opts.BatchSize {
		end := i + m.opts.BatchSize
		if end > len(symbols) {
			end = len(symbols)
		}
		batch := symbols[i:end]

		payload, err := encodeSubscribe(batch, m.opts.MarketID)
		if err != nil {
			return err
		}

		m.writeMu.Lock()
		err = tr.WriteMessage(payload)
		m.writeMu.Unlock()
		if err != nil {
			return err
		}

		m.logger.Info().
			Int("batch", i/m.opts.BatchSize+1).
			Int("batches", total).
			Int("symbols", len(batch)).
			Msg("subscription batch sent")

		if end < len(symbols) {
			if err := m.sleep(ctx, m.opts.BatchPause); err != nil {
				return err
			}
		}
	}
	return nil
}

// handleFrame decodes and dispatches one inbound frame. Malformed
// frames are logged and dropped; they never terminate the connection.
func (m *Manager) handleFrame(payload []byte, pong chan<- struct{}) {
	ev, err := DecodeEvent(payload)
	if err != nil {
		m.logger.Warn().Err(err).Msg("discarding malformed message")
		return
	}

	switch ev.Kind {
	case EventQuoteUpdate:
		for _, upd := range ev.Updates {
			m.store.Apply(upd.Symbol, upd.Update)
			if m.onUpdate != nil {
				m.onUpdate(upd.Symbol)
			}
		}
	case EventHeartbeatAck:
		select {
		case pong <- struct{}{}:
		default:
		}
	case EventSubscriptionAck:
		m.logger.Debug().Str("status", ev.Message).Msg("subscription acknowledged")
	case EventError:
		m.logger.Warn().Str("message", ev.Message).Msg("broker reported error")
	}
}

func (m *Manager) snapshotDesired() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.desired))
	copy(out, m.desired)
	return out
}

func (m *Manager) drainSubCh() {
	for {
		select {
		case <-m.subCh:
		default:
			return
		}
	}
}

func (m *Manager) setState(s State) {
	m.state.Store(s)
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func authHeader(cred auth.Credential) http.Header {
	h := make(http.Header)
	h.Set("X-Auth-Token", cred.Token)
	return h
}
