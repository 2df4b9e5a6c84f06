package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// AssetID identifies one tradeable outcome token
type AssetID string

// Side selects one half of an order book.
// Buy is the bid side, Sell is the ask side.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// ParseSide maps the wire spellings of a side onto Side
func ParseSide(s string) (Side, bool) {
	switch s {
	case "BUY", "buy", "Buy", "bid", "BID", "bids":
		return Buy, true
	case "SELL", "sell", "Sell", "ask", "ASK", "asks", "offer":
		return Sell, true
	default:
		return "", false
	}
}

// EventKind is the normalized classification of an inbound feed object
type EventKind string

const (
	EventBook           EventKind = "book"
	EventPriceChange    EventKind = "price_change"
	EventLastTradePrice EventKind = "last_trade_price"
	EventPong           EventKind = "pong"
	EventError          EventKind = "error"
)

// ConnectionState tracks the upstream connection lifecycle
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Closing
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// PriceLevel represents a single price level in the order book
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// Stats holds statistical information about one order book
type Stats struct {
	AssetID        AssetID         `json:"asset_id"`
	UpdatesApplied int64           `json:"updates_applied"`
	LastUpdate     time.Time       `json:"last_update"`
	Stale          bool            `json:"stale"`
	BidLevels      int             `json:"bid_levels"`
	AskLevels      int             `json:"ask_levels"`
	BestBid        decimal.Decimal `json:"best_bid"`
	BestAsk        decimal.Decimal `json:"best_ask"`
	MidPrice       decimal.Decimal `json:"mid_price"`
	Spread         decimal.Decimal `json:"spread"`
	Crossed        bool            `json:"crossed"`

	// Liquidity depth metrics (in shares)
	BidDepth05Pct decimal.Decimal `json:"bid_depth_05pct"` // Total bid size within 0.5% of mid
	AskDepth05Pct decimal.Decimal `json:"ask_depth_05pct"` // Total ask size within 0.5% of mid
	BidDepth2Pct  decimal.Decimal `json:"bid_depth_2pct"`
	AskDepth2Pct  decimal.Decimal `json:"ask_depth_2pct"`
	BidDepth10Pct decimal.Decimal `json:"bid_depth_10pct"`
	AskDepth10Pct decimal.Decimal `json:"ask_depth_10pct"`

	TotalBidSize decimal.Decimal `json:"total_bid_size"`
	TotalAskSize decimal.Decimal `json:"total_ask_size"`
	// positive = more bids
	Imbalance decimal.Decimal `json:"imbalance"`
}

// HealthStatus represents upstream connection health information
type HealthStatus struct {
	State         ConnectionState `json:"state"`
	SessionID     string          `json:"session_id"`
	LastMessage   time.Time       `json:"last_message"`
	MessageCount  int64           `json:"message_count"`
	ErrorCount    int64           `json:"error_count"`
	Reconnects    int64           `json:"reconnects"`
	ReconnectTime *time.Time      `json:"reconnect_time,omitempty"`
	Subscribed    int             `json:"subscribed"`
}
