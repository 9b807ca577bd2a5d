package arb

import (
	"github.com/shopspring/decimal"
)

// Caución rates quote a nominal annual percentage over a 360-day year,
// the local money-market convention.
var yearDays = decimal.NewFromInt(360)

// FinancingParams holds the caución curve inputs. All rates are annual
// percentages (TNA), e.g. 35 means 35% TNA.
type FinancingParams struct {
	TasaTNA              decimal.Decimal
	ArancelColocadoraTNA decimal.Decimal
	ArancelTomadoraTNA   decimal.Decimal
}

// ColocadoraPct returns the net income, as a percentage of notional,
// from placing funds in caución for the given number of days. The
// market arancel is deducted from the headline rate.
func (p FinancingParams) ColocadoraPct(days int) decimal.Decimal {
	return p.TasaTNA.Sub(p.ArancelColocadoraTNA).
		Mul(decimal.NewFromInt(int64(days))).
		Div(yearDays)
}

// TomadoraPct returns the cost, as a percentage of notional, of taking
// funds in caución for the given number of days. The arancel adds to
// the headline rate.
func (p FinancingParams) TomadoraPct(days int) decimal.Decimal {
	return p.TasaTNA.Add(p.ArancelTomadoraTNA).
		Mul(decimal.NewFromInt(int64(days))).
		Div(yearDays)
}

// Breakdown itemises a caución leg for alert text. Amounts are
// percentages of notional.
type Breakdown struct {
	Days       int
	RatePct    decimal.Decimal
	ArancelPct decimal.Decimal
	NetPct     decimal.Decimal
}

// ColocadoraBreakdown details the income side of a colocadora leg.
func (p FinancingParams) ColocadoraBreakdown(days int) Breakdown {
	d := decimal.NewFromInt(int64(days))
	return Breakdown{
		Days:       days,
		RatePct:    p.TasaTNA.Mul(d).Div(yearDays),
		ArancelPct: p.ArancelColocadoraTNA.Mul(d).Div(yearDays),
		NetPct:     p.ColocadoraPct(days),
	}
}

// TomadoraBreakdown details the cost side of a tomadora leg.
func (p FinancingParams) TomadoraBreakdown(days int) Breakdown {
	d := decimal.NewFromInt(int64(days))
	return Breakdown{
		Days:       days,
		RatePct:    p.TasaTNA.Mul(d).Div(yearDays),
		ArancelPct: p.ArancelTomadoraTNA.Mul(d).Div(yearDays),
		NetPct:     p.TomadoraPct(days).Neg(),
	}
}
