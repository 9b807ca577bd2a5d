package arb

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"settlement-arb-alerts/internal/market"
)

// Direction identifies which leg of the settlement-term trade carries
// the caución.
type Direction string

const (
	// DirectionColocadora sells contado inmediato, buys 24hs, and
	// places the interim cash in caución.
	DirectionColocadora Direction = "colocadora"
	// DirectionTomadora buys contado inmediato funded by caución and
	// sells 24hs.
	DirectionTomadora Direction = "tomadora"
)

// Opportunity is one evaluated settlement-term spread that cleared the
// profitability bar. All *Pct fields are percentages of the buy-leg
// notional; amounts are in pesos.
type Opportunity struct {
	Ticker    string
	Class     market.Class
	Direction Direction
	Days      int

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

	DetectedAt time.Time
}

// Key identifies the alert stream this opportunity belongs to for
// deduplication purposes. Both directions of the same instrument share
// one record, so a direction flip alone does not re-alert.
func (o Opportunity) Key() string {
	return o.Ticker
}

// Summary renders a one-line description for logs.
func (o Opportunity) Summary() string {
	return fmt.Sprintf("%s %s net %s%% (raw %s%%, TNA %s%%)",
		o.Ticker, o.Direction,
		o.NetPct.StringFixed(4), o.RawSpreadPct.StringFixed(4), o.SpreadTNA.StringFixed(2))
}
