package feed

import (
	"encoding/json"
	"time"

	"bookstream/internal/types"
)

// Event is one classified object from an inbound frame
type Event struct {
	Kind      types.EventKind
	AssetID   types.AssetID // set for last_trade_price and single-asset events
	Market    string
	Timestamp time.Time // zero when the feed did not carry one

	Books   []BookUpdate  // Kind == book
	Changes []PriceChange // Kind == price_change
	Trade   *LastTrade    // Kind == last_trade_price
	Message string        // Kind == error

	// Skipped counts entries dropped because they could not be parsed
	Skipped int
	Raw     json.RawMessage
}

// BookUpdate carries the levels of one asset from a book event
type BookUpdate struct {
	AssetID types.AssetID
	Market  string
	Bids    []types.PriceLevel
	Asks    []types.PriceLevel
}

// PriceChange is a single level delta from a price_change event
type PriceChange struct {
	AssetID types.AssetID
	Side    types.Side
	Price   types.PriceLevel
	BestBid string
	BestAsk string
}

// LastTrade is the payload of a last_trade_price event
type LastTrade struct {
	AssetID types.AssetID
	Side    types.Side
	Level   types.PriceLevel
}

// wire shapes

type wireBook struct {
	AssetID   string            `json:"asset_id"`
	Market    string            `json:"market"`
	Timestamp json.RawMessage   `json:"timestamp"`
	Bids      []json.RawMessage `json:"bids"`
	Asks      []json.RawMessage `json:"asks"`
}

type wireBookEnvelope struct {
	Events []json.RawMessage `json:"events"`
}

type wirePriceChanges struct {
	AssetID      string            `json:"asset_id"`
	Market       string            `json:"market"`
	Timestamp    json.RawMessage   `json:"timestamp"`
	PriceChanges []json.RawMessage `json:"price_changes"`
	Changes      []json.RawMessage `json:"changes"`
}

type wireChange struct {
	AssetID string          `json:"asset_id"`
	Side    string          `json:"side"`
	Price   json.RawMessage `json:"price"`
	Size    json.RawMessage `json:"size"`
	BestBid string          `json:"best_bid"`
	BestAsk string          `json:"best_ask"`
}

type wireTrade struct {
	AssetID   string          `json:"asset_id"`
	Market    string          `json:"market"`
	Side      string          `json:"side"`
	Price     json.RawMessage `json:"price"`
	Size      json.RawMessage `json:"size"`
	Timestamp json.RawMessage `json:"timestamp"`
}

type wireError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}
