package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// OpportunityRecord captures an alerted opportunity for auditing and
// offline analysis.
type OpportunityRecord struct {
	ID         int64
	DetectedAt time.Time
	Ticker     string
	Class      string
	Direction  string
	Days       int

	BuySymbol  string
	SellSymbol string
	BuyPrice   decimal.Decimal
	SellPrice  decimal.Decimal
	Size       decimal.Decimal

	RawSpreadPct decimal.Decimal
	FeesPct      decimal.Decimal
	FinancingPct decimal.Decimal
	NetPct       decimal.Decimal
	SpreadTNA    decimal.Decimal

	Notional  decimal.Decimal
	NetAmount decimal.Decimal

	CreatedAt time.Time
}

// QuoteTick is a sampled best-bid-offer snapshot of one symbol.
type QuoteTick struct {
	Symbol     string
	Bid        decimal.Decimal
	BidSize    decimal.Decimal
	Offer      decimal.Decimal
	OfferSize  decimal.Decimal
	Last       decimal.Decimal
	ObservedAt time.Time
}
