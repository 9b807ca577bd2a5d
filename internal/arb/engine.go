// Package arb evaluates settlement-term spreads between contado
// inmediato and 24hs quotes of the same instrument, nets out fees and
// caución financing, and emits alerts for opportunities that clear the
// configured profitability bar.
package arb

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"settlement-arb-alerts/internal/market"
)

var (
	hundred = decimal.NewFromInt(100)
	two     = decimal.NewFromInt(2)
)

// Sink receives opportunities that survived deduplication.
type Sink interface {
	Notify(ctx context.Context, opp Opportunity) error
}

// FeeTable holds per-leg trading costs as percentages of notional.
type FeeTable struct {
	CommissionPct decimal.Decimal
	ClassFeePct   map[market.Class]decimal.Decimal
}

// RoundTripPct is the total cost of the two legs for an instrument
// class: broker commission plus the class market fee, each paid twice.
func (t FeeTable) RoundTripPct(class market.Class) decimal.Decimal {
	return t.CommissionPct.Add(t.ClassFeePct[class]).Mul(two)
}

// Config parameterises the evaluation engine.
type Config struct {
	Financing FinancingParams
	Fees      FeeTable

	// SettlementDays is the calendar gap between CI and 24hs
	// settlement, normally 1.
	SettlementDays int

	// MinNetPct is the net profitability bar, percent of notional.
	// Alerts require a net strictly above it.
	MinNetPct decimal.Decimal

	// Cooldown suppresses repeat alerts for the same instrument,
	// whichever direction they trade. A relative net change of at
	// least ChangePct percent bypasses the cooldown.
	Cooldown  time.Duration
	ChangePct decimal.Decimal
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	Evaluations uint64
	Detected    uint64
	Sent        uint64
	Suppressed  uint64
}

type alertRecord struct {
	at     time.Time
	netPct decimal.Decimal
}

// Engine is the evaluation core. It is driven by per-symbol update
// callbacks from the stream and is safe for concurrent use.
type Engine struct {
	cfg    Config
	store  *market.Store
	sink   Sink
	logger zerolog.Logger
	now    func() time.Time

	pairs map[string]market.Pair

	mu   sync.Mutex
	last map[string]alertRecord

	evaluations atomic.Uint64
	detected    atomic.Uint64
	sent        atomic.Uint64
	suppressed  atomic.Uint64
}

// NewEngine indexes the pair universe by both leg symbols so a quote
// update resolves its pair in one lookup.
func NewEngine(cfg Config, store *market.Store, pairs []market.Pair, sink Sink, logger zerolog.Logger) *Engine {
	if cfg.SettlementDays <= 0 {
		cfg.SettlementDays = 1
	}
	idx := make(map[string]market.Pair, len(pairs)*2)
	for _, p := range pairs {
		idx[p.CI.Symbol] = p
		idx[p.T24.Symbol] = p
	}
	return &Engine{
		cfg:    cfg,
		store:  store,
		sink:   sink,
		logger: logger.With().Str("component", "engine").Logger(),
		now:    time.Now,
		pairs:  idx,
		last:   make(map[string]alertRecord),
	}
}

// SetClock overrides the time source. Solo para tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Evaluations: e.evaluations.Load(),
		Detected:    e.detected.Load(),
		Sent:        e.sent.Load(),
		Suppressed:  e.suppressed.Load(),
	}
}

// OnQuote re-evaluates the pair that owns symbol. Symbols outside the
// configured universe are ignored.
func (e *Engine) OnQuote(ctx context.Context, symbol string) {
	pair, ok := e.pairs[symbol]
	if !ok {
		return
	}

	ci, okCI := e.store.Get(pair.CI.Symbol)
	t24, okT24 := e.store.Get(pair.T24.Symbol)
	if !okCI || !okT24 {
		return
	}

	e.evaluations.Add(1)

	best, found := e.bestOpportunity(pair, ci, t24)
	if !found || best.NetPct.LessThanOrEqual(e.cfg.MinNetPct) {
		return
	}
	e.detected.Add(1)

	if !e.shouldAlert(best) {
		e.suppressed.Add(1)
		e.logger.Debug().
			Str("ticker", best.Ticker).
			Str("direction", string(best.Direction)).
			Str("net_pct", best.NetPct.StringFixed(4)).
			Msg("opportunity suppressed by cooldown")
		return
	}

	e.sent.Add(1)
	e.logger.Info().Str("opportunity", best.Summary()).Msg("opportunity detected")
	if err := e.sink.Notify(ctx, best); err != nil {
		e.logger.Error().Err(err).Str("ticker", best.Ticker).Msg("failed to deliver alert")
	}
}

// bestOpportunity evaluates both directions and keeps the more
// profitable one.
func (e *Engine) bestOpportunity(pair market.Pair, ci, t24 market.Quote) (Opportunity, bool) {
	var best Opportunity
	found := false
	for _, dir := range []Direction{DirectionColocadora, DirectionTomadora} {
		opp, ok := e.evaluate(pair, ci, t24, dir)
		if !ok {
			continue
		}
		if !found || opp.NetPct.GreaterThan(best.NetPct) {
			best = opp
			found = true
		}
	}
	return best, found
}

func (e *Engine) evaluate(pair market.Pair, ci, t24 market.Quote, dir Direction) (Opportunity, bool) {
	days := e.cfg.SettlementDays

	var (
		buySym, sellSym   string
		buy, sell         decimal.Decimal
		buySize, sellSize decimal.Decimal
		financing         decimal.Decimal
	)

	switch dir {
	case DirectionColocadora:
		// Sell CI, buy 24hs, place the cash for the lag.
		if !ci.HasBid() || !t24.HasOffer() {
			return Opportunity{}, false
		}
		sellSym, sell, sellSize = pair.CI.Symbol, ci.Bid, ci.BidSize
		buySym, buy, buySize = pair.T24.Symbol, t24.Offer, t24.OfferSize
		financing = e.cfg.Financing.ColocadoraPct(days)
	case DirectionTomadora:
		// Buy CI funded by caución, sell 24hs.
		if !ci.HasOffer() || !t24.HasBid() {
			return Opportunity{}, false
		}
		buySym, buy, buySize = pair.CI.Symbol, ci.Offer, ci.OfferSize
		sellSym, sell, sellSize = pair.T24.Symbol, t24.Bid, t24.BidSize
		financing = e.cfg.Financing.TomadoraPct(days).Neg()
	default:
		return Opportunity{}, false
	}

	raw := sell.Sub(buy).Div(buy).Mul(hundred)
	fees := e.cfg.Fees.RoundTripPct(pair.CI.Class)
	net := raw.Sub(fees).Add(financing)

	// Executable size is bounded by the thinner side. A missing size
	// leaves amounts at zero without hiding the percentage signal.
	size := decimal.Min(buySize, sellSize)
	notional := buy.Mul(size)

	return Opportunity{
		Ticker:       pair.Ticker,
		Class:        pair.CI.Class,
		Direction:    dir,
		Days:         days,
		BuySymbol:    buySym,
		SellSymbol:   sellSym,
		BuyPrice:     buy,
		SellPrice:    sell,
		Size:         size,
		RawSpreadPct: raw,
		FeesPct:      fees,
		FinancingPct: financing,
		NetPct:       net,
		SpreadTNA:    raw.Mul(yearDays).Div(decimal.NewFromInt(int64(days))),
		Notional:     notional,
		NetAmount:    net.Div(hundred).Mul(notional),
		DetectedAt:   e.now(),
	}, true
}

// shouldAlert applies the per-pair cooldown. A repeat inside the window
// still goes out when the net edge moved by at least ChangePct percent
// relative to the last alerted value.
func (e *Engine) shouldAlert(opp Opportunity) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := opp.Key()
	rec, ok := e.last[key]
	if ok && e.now().Sub(rec.at) < e.cfg.Cooldown {
		if rec.netPct.IsZero() {
			e.last[key] = alertRecord{at: e.now(), netPct: opp.NetPct}
			return true
		}
		change := opp.NetPct.Sub(rec.netPct).Div(rec.netPct).Abs().Mul(hundred)
		if change.LessThan(e.cfg.ChangePct) {
			return false
		}
	}
	e.last[key] = alertRecord{at: e.now(), netPct: opp.NetPct}
	return true
}
