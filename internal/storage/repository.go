package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertOpportunitySQL = `INSERT INTO opportunities (
        detected_at,
        ticker,
        class,
        direction,
        days,
        buy_symbol,
        sell_symbol,
        buy_price,
        sell_price,
        size,
        raw_spread_pct,
        fees_pct,
        financing_pct,
        net_pct,
        spread_tna,
        notional,
        net_amount
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
    )
    RETURNING id, created_at;`

	listRecentOpportunitiesSQL = `SELECT
        id,
        detected_at,
        ticker,
        class,
        direction,
        days,
        buy_symbol,
        sell_symbol,
        buy_price,
        sell_price,
        size,
        raw_spread_pct,
        fees_pct,
        financing_pct,
        net_pct,
        spread_tna,
        notional,
        net_amount,
        created_at
    FROM opportunities
    ORDER BY detected_at DESC
    LIMIT $1;`

	listOpportunitiesBetweenSQL = `SELECT
        id,
        detected_at,
        ticker,
        class,
        direction,
        days,
        buy_symbol,
        sell_symbol,
        buy_price,
        sell_price,
        size,
        raw_spread_pct,
        fees_pct,
        financing_pct,
        net_pct,
        spread_tna,
        notional,
        net_amount,
        created_at
    FROM opportunities
    WHERE detected_at >= $1
      AND detected_at < $2
    ORDER BY detected_at;`

	countOpportunitiesSQL = `SELECT COUNT(*) FROM opportunities;`

	deleteOpportunitiesBeforeSQL = `DELETE FROM opportunities WHERE detected_at < $1;`

	insertQuoteTickSQL = `INSERT INTO quote_ticks (
        symbol,
        bid,
        bid_size,
        offer,
        offer_size,
        last,
        observed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    );`

	countQuoteTicksSQL = `SELECT COUNT(*) FROM quote_ticks;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// OpportunityStore defines persistence for alerted opportunities.
type OpportunityStore interface {
	InsertOpportunity(ctx context.Context, rec OpportunityRecord) (OpportunityRecord, error)
	ListRecentOpportunities(ctx context.Context, limit int) ([]OpportunityRecord, error)
	ListOpportunitiesBetween(ctx context.Context, from, to time.Time) ([]OpportunityRecord, error)
	CountOpportunities(ctx context.Context) (int64, error)
	DeleteOpportunitiesBefore(ctx context.Context, olderThan time.Time) error
}

// QuoteTickStore defines persistence for sampled quote snapshots.
type QuoteTickStore interface {
	InsertQuoteTicks(ctx context.Context, ticks []QuoteTick) error
	CountQuoteTicks(ctx context.Context) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to opportunities and quote ticks.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertOpportunity persists an alerted opportunity.
func (s *Store) InsertOpportunity(ctx context.Context, rec OpportunityRecord) (OpportunityRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return OpportunityRecord{}, err
	}

	row := pool.QueryRow(ctx, insertOpportunitySQL,
		rec.DetectedAt,
		rec.Ticker,
		rec.Class,
		rec.Direction,
		rec.Days,
		rec.BuySymbol,
		rec.SellSymbol,
		rec.BuyPrice.String(),
		rec.SellPrice.String(),
		rec.Size.String(),
		rec.RawSpreadPct.String(),
		rec.FeesPct.String(),
		rec.FinancingPct.String(),
		rec.NetPct.String(),
		rec.SpreadTNA.String(),
		rec.Notional.String(),
		rec.NetAmount.String(),
	)

	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return OpportunityRecord{}, fmt.Errorf("insert opportunity: %w", scanErr)
	}
	return rec, nil
}

// ListRecentOpportunities lists the most recent alerted opportunities.
func (s *Store) ListRecentOpportunities(ctx context.Context, limit int) ([]OpportunityRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentOpportunitiesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent opportunities: %w", queryErr)
	}
	defer rows.Close()

	return collectOpportunities(rows, limit)
}

// ListOpportunitiesBetween lists opportunities within a time window.
func (s *Store) ListOpportunitiesBetween(ctx context.Context, from, to time.Time) ([]OpportunityRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listOpportunitiesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list opportunities between: %w", queryErr)
	}
	defer rows.Close()

	return collectOpportunities(rows, 0)
}

// CountOpportunities counts stored opportunities.
func (s *Store) CountOpportunities(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countOpportunitiesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count opportunities: %w", scanErr)
	}
	return count, nil
}

// DeleteOpportunitiesBefore deletes historical opportunities.
func (s *Store) DeleteOpportunitiesBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteOpportunitiesBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete opportunities before: %w", execErr)
	}
	return nil
}

// InsertQuoteTicks persists a batch of quote snapshots in one round trip.
func (s *Store) InsertQuoteTicks(ctx context.Context, ticks []QuoteTick) error {
	if len(ticks) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, tick := range ticks {
		batch.Queue(insertQuoteTickSQL,
			tick.Symbol,
			tick.Bid.String(),
			tick.BidSize.String(),
			tick.Offer.String(),
			tick.OfferSize.String(),
			tick.Last.String(),
			tick.ObservedAt,
		)
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()
	for range ticks {
		if _, execErr := results.Exec(); execErr != nil {
			return fmt.Errorf("insert quote tick: %w", execErr)
		}
	}
	return nil
}

// CountQuoteTicks counts stored quote snapshots.
func (s *Store) CountQuoteTicks(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countQuoteTicksSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count quote ticks: %w", scanErr)
	}
	return count, nil
}

func collectOpportunities(rows pgx.Rows, sizeHint int) ([]OpportunityRecord, error) {
	records := make([]OpportunityRecord, 0, sizeHint)
	for rows.Next() {
		rec, scanErr := scanOpportunity(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanOpportunity(rows pgx.Rows) (OpportunityRecord, error) {
	var (
		rec     OpportunityRecord
		numeric = make([]string, 10)
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.DetectedAt,
		&rec.Ticker,
		&rec.Class,
		&rec.Direction,
		&rec.Days,
		&rec.BuySymbol,
		&rec.SellSymbol,
		&numeric[0],
		&numeric[1],
		&numeric[2],
		&numeric[3],
		&numeric[4],
		&numeric[5],
		&numeric[6],
		&numeric[7],
		&numeric[8],
		&numeric[9],
		&rec.CreatedAt,
	); err != nil {
		return OpportunityRecord{}, err
	}

	targets := []struct {
		name string
		dst  *decimal.Decimal
	}{
		{"buy_price", &rec.BuyPrice},
		{"sell_price", &rec.SellPrice},
		{"size", &rec.Size},
		{"raw_spread_pct", &rec.RawSpreadPct},
		{"fees_pct", &rec.FeesPct},
		{"financing_pct", &rec.FinancingPct},
		{"net_pct", &rec.NetPct},
		{"spread_tna", &rec.SpreadTNA},
		{"notional", &rec.Notional},
		{"net_amount", &rec.NetAmount},
	}
	for i, target := range targets {
		value, err := decimal.NewFromString(numeric[i])
		if err != nil {
			return OpportunityRecord{}, fmt.Errorf("parse %s: %w", target.name, err)
		}
		*target.dst = value
	}

	return rec, nil
}
