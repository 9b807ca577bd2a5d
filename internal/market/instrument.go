package market

import (
	"fmt"
	"strings"
)

// Settlement identifies the settlement term of an instrument.
type Settlement string

const (
	// SettlementCI is "contado inmediato" (cash, settles same day).
	SettlementCI Settlement = "CI"
	// Settlement24H settles on the next business day.
	Settlement24H Settlement = "24hs"
)

// Days returns the settlement lag in business days. dias24h is the
// configured lag for the 24hs term (usually 1).
func (s Settlement) Days(dias24h int) int {
	if s == SettlementCI {
		return 0
	}
	return dias24h
}

// Class selects which market fee schedule applies to an instrument.
type Class string

const (
	ClassBond   Class = "bono"
	ClassCEDEAR Class = "cedear"
	ClassLetra  Class = "letra"
)

// Classifier maps a bare ticker to its instrument class. Tickers absent
// from both lists fall back to ClassBond, matching the BYMA default fee.
type Classifier struct {
	cedears map[string]struct{}
	letras  map[string]struct{}
}

// NewClassifier builds a classifier from the configured ticker lists.
func NewClassifier(cedears, letras []string) *Classifier {
	c := &Classifier{
		cedears: make(map[string]struct{}, len(cedears)),
		letras:  make(map[string]struct{}, len(letras)),
	}
	for _, t := range cedears {
		c.cedears[strings.ToUpper(strings.TrimSpace(t))] = struct{}{}
	}
	for _, t := range letras {
		c.letras[strings.ToUpper(strings.TrimSpace(t))] = struct{}{}
	}
	return c
}

// Classify returns the class for a bare ticker.
func (c *Classifier) Classify(ticker string) Class {
	upper := strings.ToUpper(strings.TrimSpace(ticker))
	if _, ok := c.cedears[upper]; ok {
		return ClassCEDEAR
	}
	if _, ok := c.letras[upper]; ok {
		return ClassLetra
	}
	return ClassBond
}

// Instrument is one tradable symbol: a ticker at a fixed settlement term.
// Immutable once constructed.
type Instrument struct {
	Symbol     string
	Ticker     string
	MarketID   string
	Settlement Settlement
	Class      Class
}

// BuildSymbol composes the full exchange symbol for a ticker and term,
// e.g. "MERV - XMEV - AL30 - CI".
func BuildSymbol(ticker string, settlement Settlement) string {
	return fmt.Sprintf("MERV - XMEV - %s - %s", ticker, settlement)
}

// Pair associates the two settlement legs of one underlying. Pairs are
// static configuration; they are never derived from quote traffic.
type Pair struct {
	Ticker string
	CI     Instrument
	T24    Instrument
}

// NewPair builds both legs of an underlying from its bare ticker.
func NewPair(ticker, marketID string, classifier *Classifier) Pair {
	class := classifier.Classify(ticker)
	return Pair{
		Ticker: ticker,
		CI: Instrument{
			Symbol:     BuildSymbol(ticker, SettlementCI),
			Ticker:     ticker,
			MarketID:   marketID,
			Settlement: SettlementCI,
			Class:      class,
		},
		T24: Instrument{
			Symbol:     BuildSymbol(ticker, Settlement24H),
			Ticker:     ticker,
			MarketID:   marketID,
			Settlement: Settlement24H,
			Class:      class,
		},
	}
}

// Symbols returns the symbols of both legs in subscription order.
func (p Pair) Symbols() []string {
	return []string{p.CI.Symbol, p.T24.Symbol}
}
