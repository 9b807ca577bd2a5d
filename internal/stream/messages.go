package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"settlement-arb-alerts/internal/market"
)

// EventKind tags the closed set of inbound message variants. Frames are
// decoded once here; nothing downstream branches on raw JSON fields.
type EventKind int

const (
	EventQuoteUpdate EventKind = iota
	EventSubscriptionAck
	EventHeartbeatAck
	EventError
)

// Event is one decoded inbound message.
type Event struct {
	Kind    EventKind
	Updates []QuoteUpdate
	Message string
}

// QuoteUpdate is one instrument's fresh sides from a market-data frame.
type QuoteUpdate struct {
	Symbol string
	Update market.Update
}

// Entry types the broker uses in market-data frames.
const (
	entryBid   = "BI"
	entryOffer = "OF"
	entryLast  = "LA"
)

type inboundEnvelope struct {
	Type       string            `json:"type"`
	Status     string            `json:"status"`
	Message    string            `json:"message"`
	MarketData []json.RawMessage `json:"marketData"`
	Data       []json.RawMessage `json:"data"`
}

type instrumentData struct {
	Symbol    string       `json:"symbol"`
	Entries   []priceEntry `json:"entries"`
	Bid       *float64     `json:"bid"`
	BidSize   *float64     `json:"bidSize"`
	Offer     *float64     `json:"offer"`
	OfferSize *float64     `json:"offerSize"`
	Last      *float64     `json:"last"`
}

type priceEntry struct {
	Type  string   `json:"type"`
	Price *float64 `json:"price"`
	Size  *float64 `json:"size"`
}

// DecodeEvent parses one raw frame into a tagged event. An error means
// the frame is malformed; callers log and discard it.
func DecodeEvent(raw []byte) (Event, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("decode frame: %w", err)
	}

	switch env.Type {
	case "error":
		return Event{Kind: EventError, Message: env.Message}, nil
	case "pong", "hb":
		return Event{Kind: EventHeartbeatAck}, nil
	case "smd_ack", "subscription":
		return Event{Kind: EventSubscriptionAck, Message: env.Status}, nil
	}

	// Everything else is treated as market data; the broker is not
	// consistent about the envelope key.
	items := env.MarketData
	if len(items) == 0 {
		items = env.Data
	}
	if len(items) == 0 {
		return Event{}, fmt.Errorf("frame type %q carries no market data", env.Type)
	}

	now := time.Now().UTC()
	updates := make([]QuoteUpdate, 0, len(items))
	for _, item := range items {
		var inst instrumentData
		if err := json.Unmarshal(item, &inst); err != nil {
			return Event{}, fmt.Errorf("decode instrument: %w", err)
		}
		if inst.Symbol == "" {
			continue
		}

		upd := decodeSides(inst)
		if !upd.HasBid && !upd.HasOffer && !upd.HasLast {
			continue
		}
		upd.Timestamp = now
		updates = append(updates, QuoteUpdate{Symbol: inst.Symbol, Update: upd})
	}

	if len(updates) == 0 {
		return Event{}, fmt.Errorf("frame type %q carries no usable sides", env.Type)
	}
	return Event{Kind: EventQuoteUpdate, Updates: updates}, nil
}

func decodeSides(inst instrumentData) market.Update {
	var upd market.Update

	for _, entry := range inst.Entries {
		if entry.Price == nil {
			continue
		}
		price := decimal.NewFromFloat(*entry.Price)
		var size decimal.Decimal
		if entry.Size != nil {
			size = decimal.NewFromFloat(*entry.Size)
		}

		switch entry.Type {
		case entryBid:
			upd.Bid = price
			upd.BidSize = size
			upd.HasBid = true
		case entryOffer:
			upd.Offer = price
			upd.OfferSize = size
			upd.HasOffer = true
		case entryLast:
			upd.Last = price
			upd.HasLast = true
		}
	}

	// Flat fallback format without an entries array.
	if len(inst.Entries) == 0 {
		if inst.Bid != nil {
			upd.Bid = decimal.NewFromFloat(*inst.Bid)
			upd.HasBid = true
			if inst.BidSize != nil {
				upd.BidSize = decimal.NewFromFloat(*inst.BidSize)
			}
		}
		if inst.Offer != nil {
			upd.Offer = decimal.NewFromFloat(*inst.Offer)
			upd.HasOffer = true
			if inst.OfferSize != nil {
				upd.OfferSize = decimal.NewFromFloat(*inst.OfferSize)
			}
		}
		if inst.Last != nil {
			upd.Last = decimal.NewFromFloat(*inst.Last)
			upd.HasLast = true
		}
	}

	return upd
}

// subscribeRequest is the outbound smd (subscribe market data) message.
type subscribeRequest struct {
	Type     string             `json:"type"`
	Level    int                `json:"level"`
	Entries  []string           `json:"entries"`
	Products []subscribeProduct `json:"products"`
}

type subscribeProduct struct {
	Symbol   string `json:"symbol"`
	MarketID string `json:"marketId"`
}

// encodeSubscribe builds one smd frame for a batch of symbols.
func encodeSubscribe(symbols []string, marketID string) ([]byte, error) {
	products := make([]subscribeProduct, len(symbols))
	for i, sym := range symbols {
		products[i] = subscribeProduct{Symbol: sym, MarketID: marketID}
	}
	req := subscribeRequest{
		Type:     "smd",
		Level:    1,
		Entries:  []string{entryBid, entryOffer, entryLast},
		Products: products,
	}
	return json.Marshal(req)
}
