package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestStorePartialMerge(t *testing.T) {
	store := NewStore()

	store.Apply("SYM", Update{
		Bid:     decimal.NewFromInt(100),
		BidSize: decimal.NewFromInt(10),
		HasBid:  true,
	})

	q, ok := store.Get("SYM")
	if !ok {
		t.Fatal("quote should exist after first update")
	}
	if !q.HasBid() || q.HasOffer() {
		t.Fatalf("expected bid-only quote, got %+v", q)
	}

	// An offer-only update must keep the previous bid.
	store.Apply("SYM", Update{
		Offer:     decimal.NewFromInt(101),
		OfferSize: decimal.NewFromInt(5),
		HasOffer:  true,
	})

	q, _ = store.Get("SYM")
	if !q.Bid.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("bid 被覆盖: %s", q.Bid)
	}
	if !q.Offer.Equal(decimal.NewFromInt(101)) {
		t.Fatalf("offer = %s", q.Offer)
	}
	if !q.BidSize.Equal(decimal.NewFromInt(10)) || !q.OfferSize.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("sizes = %s/%s", q.BidSize, q.OfferSize)
	}
}

func TestStoreLastTrade(t *testing.T) {
	store := NewStore()

	store.Apply("SYM", Update{
		Last:    decimal.RequireFromString("99.5"),
		HasLast: true,
	})

	q, _ := store.Get("SYM")
	if !q.Last.Equal(decimal.RequireFromString("99.5")) {
		t.Fatalf("last = %s", q.Last)
	}
	if q.HasBid() || q.HasOffer() {
		t.Fatal("last-only update must not fabricate sides")
	}
}

func TestStoreTimestamps(t *testing.T) {
	store := NewStore()
	ts := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)

	q := store.Apply("SYM", Update{Bid: decimal.NewFromInt(1), HasBid: true, Timestamp: ts})
	if !q.UpdatedAt.Equal(ts) {
		t.Fatalf("UpdatedAt = %v, want %v", q.UpdatedAt, ts)
	}

	q = store.Apply("SYM", Update{Bid: decimal.NewFromInt(2), HasBid: true})
	if q.UpdatedAt.Equal(ts) || q.UpdatedAt.IsZero() {
		t.Fatal("missing timestamp should fall back to now")
	}
}

func TestStoreSnapshotSorted(t *testing.T) {
	store := NewStore()
	store.Apply("B", Update{Bid: decimal.NewFromInt(1), HasBid: true})
	store.Apply("A", Update{Bid: decimal.NewFromInt(1), HasBid: true})
	store.Apply("C", Update{Bid: decimal.NewFromInt(1), HasBid: true})

	snap := store.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot len = %d", len(snap))
	}
	if snap[0].Symbol != "A" || snap[1].Symbol != "B" || snap[2].Symbol != "C" {
		t.Fatalf("snapshot 未按符号排序: %v", []string{snap[0].Symbol, snap[1].Symbol, snap[2].Symbol})
	}
	if store.Len() != 3 {
		t.Fatalf("Len = %d", store.Len())
	}
}
