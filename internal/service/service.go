// Package service wires the stream, the evaluation engine, persistence,
// and alert delivery into the long-running scanner.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"settlement-arb-alerts/internal/alerting"
	"settlement-arb-alerts/internal/arb"
	"settlement-arb-alerts/internal/config"
	"settlement-arb-alerts/internal/market"
	"settlement-arb-alerts/internal/scheduler"
	"settlement-arb-alerts/internal/storage"
	"settlement-arb-alerts/internal/stream"
)

// Service orchestrates the scanner: one streaming connection feeding
// the engine, plus periodic stats and sampling jobs.
type Service struct {
	cfg      *config.Config
	quotes   *market.Store
	manager  *stream.Manager
	engine   *arb.Engine
	store    *storage.Store
	notifier alerting.Notifier
	logger   zerolog.Logger

	lockKey int64
}

// New constructs the scanner service. The engine is built here so its
// alert sink can compose persistence and delivery. store and notifier
// may be nil.
func New(cfg *config.Config, quotes *market.Store, manager *stream.Manager, pairs []market.Pair, store *storage.Store, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	s := &Service{
		cfg:      cfg,
		quotes:   quotes,
		manager:  manager,
		store:    store,
		notifier: notifier,
		logger:   logger.With().Str("component", "service").Logger(),
		lockKey:  cfg.Stats.AdvisoryLockKey,
	}

	s.engine = arb.NewEngine(engineConfig(cfg), quotes, pairs, s, logger)
	return s
}

// Engine exposes the evaluation engine, mainly for stats.
func (s *Service) Engine() *arb.Engine {
	return s.engine
}

// Notify implements arb.Sink: persist the opportunity, then deliver it.
func (s *Service) Notify(ctx context.Context, opp arb.Opportunity) error {
	if s.store != nil {
		if _, err := s.store.InsertOpportunity(ctx, toRecord(opp)); err != nil {
			s.logger.Error().Err(err).Str("ticker", opp.Ticker).Msg("failed to persist opportunity")
		}
	}
	if s.notifier == nil || !s.cfg.Alerting.Enabled {
		return nil
	}
	return s.notifier.Notify(ctx, opp)
}

// Run blocks until ctx is cancelled or a component fails fatally.
func (s *Service) Run(ctx context.Context) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		return fmt.Errorf("another scanner instance holds the advisory lock")
	}
	if unlock != nil {
		defer unlock()
	}

	s.manager.OnUpdate(func(symbol string) {
		s.engine.OnQuote(ctx, symbol)
	})
	s.manager.OnAuthFailure(func(err error, attempts int) {
		s.sendLifecycle(ctx, fmt.Sprintf("arbscanner: autenticación fallida %d veces seguidas: %v", attempts, err))
	})

	s.sendLifecycle(ctx, fmt.Sprintf("arbscanner iniciado: %d instrumentos en seguimiento", len(s.cfg.Instruments.Tickers)))
	defer s.sendLifecycle(context.Background(), "arbscanner detenido")

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return s.manager.Run(ctx)
	})

	sched := scheduler.New(s.logger)
	group.Go(func() error {
		return sched.Run(ctx, scheduler.Job{
			Name:     "stats",
			Interval: s.cfg.Stats.Interval,
			Tick:     s.logStats,
		})
	})

	if s.cfg.Sampling.Enabled && s.store != nil {
		group.Go(func() error {
			return sched.Run(ctx, scheduler.Job{
				Name:     "sampling",
				Interval: s.cfg.Sampling.Interval,
				Tick:     s.sampleQuotes,
			})
		})
	}

	return group.Wait()
}

func (s *Service) logStats(ctx context.Context, now time.Time) error {
	stats := s.engine.Stats()
	s.logger.Info().
		Str("state", string(s.manager.State())).
		Int("symbols_quoted", s.quotes.Len()).
		Uint64("evaluations", stats.Evaluations).
		Uint64("detected", stats.Detected).
		Uint64("alerts_sent", stats.Sent).
		Uint64("suppressed", stats.Suppressed).
		Msg("scanner stats")
	return nil
}

// sampleQuotes persists a BBO snapshot of every quoted symbol.
func (s *Service) sampleQuotes(ctx context.Context, now time.Time) error {
	quotes := s.quotes.Snapshot()
	if len(quotes) == 0 {
		return nil
	}

	ticks := make([]storage.QuoteTick, 0, len(quotes))
	for _, q := range quotes {
		ticks = append(ticks, storage.QuoteTick{
			Symbol:     q.Symbol,
			Bid:        q.Bid,
			BidSize:    q.BidSize,
			Offer:      q.Offer,
			OfferSize:  q.OfferSize,
			Last:       q.Last,
			ObservedAt: now,
		})
	}

	if err := s.store.InsertQuoteTicks(ctx, ticks); err != nil {
		return fmt.Errorf("persist quote sample: %w", err)
	}
	return nil
}

func (s *Service) sendLifecycle(ctx context.Context, text string) {
	if s.notifier == nil || !s.cfg.Alerting.Telegram.LifecycleNotices {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.notifier.SendText(ctx, text); err != nil {
		s.logger.Warn().Err(err).Msg("failed to send lifecycle notice")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.store == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.store.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func engineConfig(cfg *config.Config) arb.Config {
	return arb.Config{
		Financing: arb.FinancingParams{
			TasaTNA:              decimalFromFloat(cfg.Financing.TasaTNA),
			ArancelColocadoraTNA: decimalFromFloat(cfg.Financing.ArancelColocadoraTNA),
			ArancelTomadoraTNA:   decimalFromFloat(cfg.Financing.ArancelTomadoraTNA),
		},
		Fees: arb.FeeTable{
			CommissionPct: decimalFromFloat(cfg.Fees.CommissionPct),
			ClassFeePct:   classFeeTable(cfg.Fees.ClassPct),
		},
		SettlementDays: cfg.Financing.SettlementDays,
		MinNetPct:      decimalFromFloat(cfg.Alerting.MinNetPct),
		Cooldown:       cfg.Alerting.Cooldown,
		ChangePct:      decimalFromFloat(cfg.Alerting.ChangePct),
	}
}

func decimalFromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func classFeeTable(classPct map[string]float64) map[market.Class]decimal.Decimal {
	out := make(map[market.Class]decimal.Decimal, len(classPct))
	for class, pct := range classPct {
		out[market.Class(class)] = decimal.NewFromFloat(pct)
	}
	return out
}

func toRecord(opp arb.Opportunity) storage.OpportunityRecord {
	return storage.OpportunityRecord{
		DetectedAt:   opp.DetectedAt,
		Ticker:       opp.Ticker,
		Class:        string(opp.Class),
		Direction:    string(opp.Direction),
		Days:         opp.Days,
		BuySymbol:    opp.BuySymbol,
		SellSymbol:   opp.SellSymbol,
		BuyPrice:     opp.BuyPrice,
		SellPrice:    opp.SellPrice,
		Size:         opp.Size,
		RawSpreadPct: opp.RawSpreadPct,
		FeesPct:      opp.FeesPct,
		FinancingPct: opp.FinancingPct,
		NetPct:       opp.NetPct,
		SpreadTNA:    opp.SpreadTNA,
		Notional:     opp.Notional,
		NetAmount:    opp.NetAmount,
	}
}
