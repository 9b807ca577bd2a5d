package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"settlement-arb-alerts/internal/auth"
	"settlement-arb-alerts/internal/market"
)

type fakeTransport struct {
	mu          sync.Mutex
	writes      [][]byte
	pings       int
	pongHandler func()
	autoPong    bool

	inbound chan []byte
	done    chan struct{}
	once    sync.Once
}

func newFakeTransport(autoPong bool) *fakeTransport {
	return &fakeTransport{
		autoPong: autoPong,
		inbound:  make(chan []byte, 16),
		done:     make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case msg := <-t.inbound:
		return msg, nil
	case <-t.done:
		return nil, errors.New("connection closed")
	}
}

func (t *fakeTransport) WriteMessage(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	buf := make([]byte, len(payload))
	copy(buf, payload)
	t.writes = append(t.writes, buf)
	return nil
}

func (t *fakeTransport) WritePing(deadline time.Time) error {
	t.mu.Lock()
	t.pings++
	handler := t.pongHandler
	auto := t.autoPong
	t.mu.Unlock()
	if auto && handler != nil {
		go handler()
	}
	return nil
}

func (t *fakeTransport) SetPongHandler(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pongHandler = fn
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

func (t *fakeTransport) writeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.writes)
}

func (t *fakeTransport) writtenBatches(tb testing.TB) []subscribeRequest {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()

	batches := make([]subscribeRequest, 0, len(t.writes))
	for _, raw := range t.writes {
		var req subscribeRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			tb.Fatalf("解析订阅消息失败: %v", err)
		}
		batches = append(batches, req)
	}
	return batches
}

type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	headers    []http.Header

	// pongFrom: transports dialed at or after this index answer pings.
	pongFrom int
}

func (d *fakeDialer) Dial(ctx context.Context, url string, header http.Header) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tr := newFakeTransport(len(d.transports) >= d.pongFrom)
	d.transports = append(d.transports, tr)
	d.headers = append(d.headers, header)
	return tr, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.transports) {
		return nil
	}
	return d.transports[i]
}

type fakeTokens struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeTokens) GetToken(ctx context.Context, forceRefresh bool) (auth.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return auth.Credential{}, f.err
	}
	return auth.Credential{Token: "tok-123", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testOptions() Options {
	return Options{
		URL:               "ws://broker.test/",
		MarketID:          "ROFX",
		BatchSize:         1000,
		BatchPause:        time.Millisecond,
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  time.Hour,
		BackoffMin:        time.Millisecond,
		BackoffMax:        5 * time.Millisecond,
	}
}

func TestManagerBatchesSubscriptions(t *testing.T) {
	dialer := &fakeDialer{}
	m := New(testOptions(), dialer, &fakeTokens{}, market.NewStore(), zerolog.Nop())

	symbols := make([]string, 2500)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("SYM-%04d", i)
	}
	m.Subscribe(symbols)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()

	waitFor(t, time.Second, func() bool {
		tr := dialer.transport(0)
		return tr != nil && tr.writeCount() == 3
	}, "expected 3 subscription batches")

	batches := dialer.transport(0).writtenBatches(t)
	if len(batches[0].Products) != 1000 || len(batches[1].Products) != 1000 || len(batches[2].Products) != 500 {
		t.Fatalf("batch sizes = %d/%d/%d, want 1000/1000/500",
			len(batches[0].Products), len(batches[1].Products), len(batches[2].Products))
	}

	// Chunk order follows subscription order.
	if batches[0].Products[0].Symbol != "SYM-0000" {
		t.Fatalf("first product = %q", batches[0].Products[0].Symbol)
	}
	if batches[2].Products[499].Symbol != "SYM-2499" {
		t.Fatalf("last product = %q", batches[2].Products[499].Symbol)
	}
	for _, batch := range batches {
		if batch.Type != "smd" {
			t.Fatalf("批次类型应为 smd, 实际 %q", batch.Type)
		}
	}

	if m.State() != StateLive {
		t.Fatalf("state = %q, want live", m.State())
	}

	cancel()
	<-done
	if m.State() != StateDisconnected {
		t.Fatalf("state after shutdown = %q", m.State())
	}
}

func TestManagerAttachesAuthHeader(t *testing.T) {
	dialer := &fakeDialer{}
	m := New(testOptions(), dialer, &fakeTokens{}, market.NewStore(), zerolog.Nop())
	m.Subscribe([]string{"SYM"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	waitFor(t, time.Second, func() bool { return dialer.dialCount() == 1 }, "expected one dial")

	dialer.mu.Lock()
	header := dialer.headers[0]
	dialer.mu.Unlock()
	if header.Get("X-Auth-Token") != "tok-123" {
		t.Fatalf("握手缺少令牌头: %v", header)
	}
}

func TestManagerHeartbeatTimeoutReconnectsOnce(t *testing.T) {
	opts := testOptions()
	opts.HeartbeatInterval = 20 * time.Millisecond
	opts.HeartbeatTimeout = 10 * time.Millisecond

	// First transport never answers pings; later ones do.
	dialer := &fakeDialer{pongFrom: 1}
	m := New(opts, dialer, &fakeTokens{}, market.NewStore(), zerolog.Nop())
	m.Subscribe([]string{"SYM"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return dialer.dialCount() == 2 },
		"missed heartbeat should force exactly one reconnect")

	// The healthy session keeps answering; no further reconnects.
	time.Sleep(150 * time.Millisecond)
	if n := dialer.dialCount(); n != 2 {
		t.Fatalf("dial count = %d, want 2", n)
	}
}

func TestManagerResubscribesAfterReconnect(t *testing.T) {
	opts := testOptions()
	opts.HeartbeatInterval = 20 * time.Millisecond
	opts.HeartbeatTimeout = 10 * time.Millisecond

	dialer := &fakeDialer{pongFrom: 1}
	m := New(opts, dialer, &fakeTokens{}, market.NewStore(), zerolog.Nop())
	m.Subscribe([]string{"SYM-A", "SYM-B"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool {
		tr := dialer.transport(1)
		return tr != nil && tr.writeCount() == 1
	}, "second session should resend the full subscription set")

	batches := dialer.transport(1).writtenBatches(t)
	if len(batches[0].Products) != 2 {
		t.Fatalf("resubscribe products = %d, want 2", len(batches[0].Products))
	}
	if batches[0].Products[0].Symbol != "SYM-A" || batches[0].Products[1].Symbol != "SYM-B" {
		t.Fatalf("重连后订阅顺序应保持: %+v", batches[0].Products)
	}
}

func TestManagerSubscribeWhileLive(t *testing.T) {
	dialer := &fakeDialer{}
	m := New(testOptions(), dialer, &fakeTokens{}, market.NewStore(), zerolog.Nop())
	m.Subscribe([]string{"SYM-A"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	waitFor(t, time.Second, func() bool {
		tr := dialer.transport(0)
		return tr != nil && tr.writeCount() == 1 && m.State() == StateLive
	}, "initial subscription not sent")

	m.Subscribe([]string{"SYM-B", "SYM-A"})

	waitFor(t, time.Second, func() bool {
		return dialer.transport(0).writeCount() == 2
	}, "live addition should be flushed")

	batches := dialer.transport(0).writtenBatches(t)
	// Duplicate SYM-A is dropped; only the new symbol goes out.
	if len(batches[1].Products) != 1 || batches[1].Products[0].Symbol != "SYM-B" {
		t.Fatalf("flush batch = %+v", batches[1].Products)
	}
}

func TestManagerRoutesQuoteUpdates(t *testing.T) {
	dialer := &fakeDialer{}
	store := market.NewStore()
	m := New(testOptions(), dialer, &fakeTokens{}, store, zerolog.Nop())
	m.Subscribe([]string{"MERV - XMEV - GGAL - CI"})

	var mu sync.Mutex
	var seen []string
	m.OnUpdate(func(symbol string) {
		mu.Lock()
		seen = append(seen, symbol)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	waitFor(t, time.Second, func() bool { return m.State() == StateLive }, "not live")
	tr := dialer.transport(0)

	// A malformed frame is discarded without dropping the session.
	tr.inbound <- []byte(`garbage`)
	tr.inbound <- []byte(`{
		"type": "Md",
		"marketData": [{
			"symbol": "MERV - XMEV - GGAL - CI",
			"entries": [{"type": "BI", "price": 100.20, "size": 50}]
		}]
	}`)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, "quote update not routed")

	if dialer.dialCount() != 1 {
		t.Fatalf("malformed frame 不应断开连接, dials = %d", dialer.dialCount())
	}

	q, ok := store.Get("MERV - XMEV - GGAL - CI")
	if !ok || !q.HasBid() {
		t.Fatalf("store quote = %+v, ok = %v", q, ok)
	}
}

func TestManagerEscalatesAuthFailures(t *testing.T) {
	opts := testOptions()
	opts.AuthFailureThreshold = 3

	tokens := &fakeTokens{err: errors.New("bad credentials")}
	dialer := &fakeDialer{}
	m := New(opts, dialer, tokens, market.NewStore(), zerolog.Nop())

	var mu sync.Mutex
	var escalated []int
	m.OnAuthFailure(func(err error, attempts int) {
		mu.Lock()
		escalated = append(escalated, attempts)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(escalated) >= 1
	}, "auth failure escalation not fired")

	mu.Lock()
	first := escalated[0]
	mu.Unlock()
	if first != 3 {
		t.Fatalf("escalated after %d attempts, want 3", first)
	}
	if dialer.dialCount() != 0 {
		t.Fatal("认证失败时不应建立连接")
	}
}
