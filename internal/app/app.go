package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"settlement-arb-alerts/internal/alerting"
	"settlement-arb-alerts/internal/arb"
	"settlement-arb-alerts/internal/auth"
	"settlement-arb-alerts/internal/config"
	"settlement-arb-alerts/internal/market"
	"settlement-arb-alerts/internal/ratelimit"
	"settlement-arb-alerts/internal/service"
	"settlement-arb-alerts/internal/storage"
	"settlement-arb-alerts/internal/stream"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Telegram.Enabled {
		return nil
	}
	cfg := a.Config.Alerting.Telegram
	notifier := alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	if cfg.FinancingDetail {
		notifier = notifier.WithFinancingDetail(arb.FinancingParams{
			TasaTNA:              decimalFromFloat(a.Config.Financing.TasaTNA),
			ArancelColocadoraTNA: decimalFromFloat(a.Config.Financing.ArancelColocadoraTNA),
			ArancelTomadoraTNA:   decimalFromFloat(a.Config.Financing.ArancelTomadoraTNA),
		})
	}
	return notifier
}

func (a *App) newAuthClient() *auth.Client {
	limits := make(map[string]ratelimit.Limit, len(a.Config.RateLimits))
	for endpoint, rule := range a.Config.RateLimits {
		limits[endpoint] = ratelimit.Limit{Calls: rule.Calls, Period: rule.Period}
	}
	limiter := ratelimit.New(limits, a.Logger)
	cache := auth.NewCache(a.Config.Broker.TokenCachePath, a.Config.Broker.TokenCacheTTL, a.Logger)

	return auth.NewClient(auth.Options{
		AuthURL:  a.Config.Broker.AuthURL,
		Username: a.Config.Broker.Username,
		Password: a.Config.Broker.Password,
		TokenTTL: a.Config.Broker.TokenTTL,
		Timeout:  a.Config.Broker.RequestTimeout,
	}, cache, limiter, a.Logger)
}

func (a *App) buildPairs() []market.Pair {
	classifier := market.NewClassifier(a.Config.Instruments.CEDEARs, a.Config.Instruments.Letras)
	pairs := make([]market.Pair, 0, len(a.Config.Instruments.Tickers))
	for _, ticker := range a.Config.Instruments.Tickers {
		pairs = append(pairs, market.NewPair(ticker, a.Config.Instruments.MarketID, classifier))
	}
	return pairs
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil || store == nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

// Run executes the long-running scanner.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(a.Config.Instruments.Tickers) == 0 {
		return errors.New("instruments.tickers is empty; nothing to scan")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	tokens := a.newAuthClient()
	quotes := market.NewStore()
	pairs := a.buildPairs()

	manager := stream.New(stream.Options{
		URL:                  a.Config.Broker.WSURL,
		MarketID:             a.Config.Instruments.MarketID,
		BatchSize:            a.Config.Stream.BatchSize,
		BatchPause:           a.Config.Stream.BatchPause,
		HeartbeatInterval:    a.Config.Stream.HeartbeatInterval,
		HeartbeatTimeout:     a.Config.Stream.HeartbeatTimeout,
		BackoffMin:           a.Config.Stream.BackoffMin,
		BackoffMax:           a.Config.Stream.BackoffMax,
		AuthFailureThreshold: a.Config.Stream.AuthFailureThreshold,
	}, stream.WSDialer{HandshakeTimeout: a.Config.Broker.RequestTimeout}, tokens, quotes, a.Logger)

	for _, pair := range pairs {
		manager.Subscribe(pair.Symbols())
	}

	svc := service.New(a.Config, quotes, manager, pairs, store, a.newNotifier(), a.Logger)

	a.Logger.Info().
		Int("tickers", len(pairs)).
		Str("market_id", a.Config.Instruments.MarketID).
		Msg("starting scanner")

	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("scanner terminated with error")
		return err
	}

	a.Logger.Info().Msg("scanner stopped")
	return nil
}

// ExportOptions hold parameters for exporting alerted opportunities.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}
