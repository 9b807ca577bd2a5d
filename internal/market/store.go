package market

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is the latest best bid/offer snapshot for one symbol.
type Quote struct {
	Symbol    string
	Bid       decimal.Decimal
	BidSize   decimal.Decimal
	Offer     decimal.Decimal
	OfferSize decimal.Decimal
	Last      decimal.Decimal
	UpdatedAt time.Time
}

// HasBid reports whether a usable bid is present.
func (q Quote) HasBid() bool {
	return q.Bid.IsPositive()
}

// HasOffer reports whether a usable offer is present.
func (q Quote) HasOffer() bool {
	return q.Offer.IsPositive()
}

// Update carries the sides present in one inbound message. A side not
// flagged keeps its previous value in the store.
type Update struct {
	Bid       decimal.Decimal
	BidSize   decimal.Decimal
	Offer     decimal.Decimal
	OfferSize decimal.Decimal
	Last      decimal.Decimal
	HasBid    bool
	HasOffer  bool
	HasLast   bool
	Timestamp time.Time
}

// Store holds the latest quote per symbol. The streaming read loop is the
// only writer; the arbitrage engine reads concurrently.
type Store struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewStore creates an empty quote store.
func NewStore() *Store {
	return &Store{quotes: make(map[string]Quote)}
}

// Apply merges an update into the symbol's quote and returns the result.
// Only the sides present in the update are replaced.
func (s *Store) Apply(symbol string, upd Update) Quote {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quotes[symbol]
	if !ok {
		q = Quote{Symbol: symbol}
	}

	if upd.HasBid {
		q.Bid = upd.Bid
		q.BidSize = upd.BidSize
	}
	if upd.HasOffer {
		q.Offer = upd.Offer
		q.OfferSize = upd.OfferSize
	}
	if upd.HasLast {
		q.Last = upd.Last
	}

	ts := upd.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	q.UpdatedAt = ts

	s.quotes[symbol] = q
	return q
}

// Get returns the current quote for a symbol, if any arrived yet.
func (s *Store) Get(symbol string) (Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[symbol]
	return q, ok
}

// Snapshot returns a copy of every stored quote, ordered by symbol.
func (s *Store) Snapshot() []Quote {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Quote, 0, len(s.quotes))
	for _, q := range s.quotes {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Len reports how many symbols have received at least one update.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.quotes)
}
