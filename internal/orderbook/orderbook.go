package orderbook

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"bookstream/internal/types"

	"github.com/shopspring/decimal"
)

var (
	ErrNegativeSize = errors.New("orderbook: negative size")
	ErrUnknownSide  = errors.New("orderbook: unknown side")
)

// Replica is the live in-memory copy of one asset's order book.
// A single writer (the feed loop) mutates it; any number of readers may
// query it concurrently.
type Replica struct {
	mu         sync.RWMutex
	assetID    types.AssetID
	bids       *LevelMap
	asks       *LevelMap
	lastUpdate time.Time
	updates    int64
	stale      bool
	now        func() time.Time
}

// Delta is a single level change addressed to one side
type Delta struct {
	Side  types.Side
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Snapshot is a point-in-time copy of a Replica's levels
type Snapshot struct {
	AssetID    types.AssetID      `json:"asset_id"`
	Bids       []types.PriceLevel `json:"bids"` // best (highest) first
	Asks       []types.PriceLevel `json:"asks"` // best (lowest) first
	LastUpdate time.Time          `json:"last_update"`
	Stale      bool               `json:"stale"`
}

// New creates an empty Replica for assetID
func New(assetID types.AssetID) *Replica {
	return &Replica{
		assetID: assetID,
		bids:    NewLevelMap(),
		asks:    NewLevelMap(),
		now:     time.Now,
	}
}

func (r *Replica) AssetID() types.AssetID {
	return r.assetID
}

// Update sets the resting size at price on side. A zero size removes the
// level. Applying the same triple twice leaves the book unchanged.
func (r *Replica) Update(side types.Side, price, size decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.applyLocked(side, price, size); err != nil {
		return err
	}
	r.touchLocked()
	return nil
}

// ApplyBook applies a book event: bids first, then asks. Malformed levels
// are skipped and reported through the returned count. A book event marks
// the replica fresh.
func (r *Replica) ApplyBook(bids, asks []types.PriceLevel) (skipped int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, level := range bids {
		if err := r.applyLocked(types.Buy, level.Price, level.Size); err != nil {
			skipped++
		}
	}
	for _, level := range asks {
		if err := r.applyLocked(types.Sell, level.Price, level.Size); err != nil {
			skipped++
		}
	}
	r.stale = false
	r.touchLocked()
	return skipped
}

// ApplyDeltas applies level changes in the order given. Deltas only touch
// the levels they name, so they never clear the stale flag.
func (r *Replica) ApplyDeltas(deltas []Delta) (skipped int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range deltas {
		if err := r.applyLocked(d.Side, d.Price, d.Size); err != nil {
			skipped++
		}
	}
	r.touchLocked()
	return skipped
}

// applyLocked must be called with mu held for writing
func (r *Replica) applyLocked(side types.Side, price, size decimal.Decimal) error {
	if size.IsNegative() {
		return fmt.Errorf("%w: %s at %s", ErrNegativeSize, size, price)
	}
	levels, err := r.sideLocked(side)
	if err != nil {
		return err
	}
	levels.Set(price, size)
	return nil
}

func (r *Replica) touchLocked() {
	r.lastUpdate = r.now()
	r.updates++
}

func (r *Replica) sideLocked(side types.Side) (*LevelMap, error) {
	switch side {
	case types.Buy:
		return r.bids, nil
	case types.Sell:
		return r.asks, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSide, side)
	}
}

// MarkStale flags the replica as possibly out of date. Only the next full
// book event clears the flag.
func (r *Replica) MarkStale() {
	r.mu.Lock()
	r.stale = true
	r.mu.Unlock()
}

// Stale reports whether the replica has missed updates since the last
// upstream disconnect
func (r *Replica) Stale() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stale
}

// LastUpdate returns the time of the last applied mutation
func (r *Replica) LastUpdate() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastUpdate
}

// BestBid returns the highest priced bid
func (r *Replica) BestBid() (types.PriceLevel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bids.Max()
}

// BestAsk returns the lowest priced ask
func (r *Replica) BestAsk() (types.PriceLevel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.asks.Min()
}

// Spread returns best ask minus best bid; false if either side is empty.
// A crossed book yields a negative spread.
func (r *Replica) Spread() (decimal.Decimal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bid, okBid := r.bids.Max()
	ask, okAsk := r.asks.Min()
	if !okBid || !okAsk {
		return decimal.Zero, false
	}
	return ask.Price.Sub(bid.Price), true
}

// Snapshot returns a copy of the current levels
func (r *Replica) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Snapshot{
		AssetID:    r.assetID,
		Bids:       r.bids.Levels(true),
		Asks:       r.asks.Levels(false),
		LastUpdate: r.lastUpdate,
		Stale:      r.stale,
	}
}

// Stats computes summary statistics for the current book
func (r *Replica) Stats() types.Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := types.Stats{
		AssetID:        r.assetID,
		UpdatesApplied: r.updates,
		LastUpdate:     r.lastUpdate,
		Stale:          r.stale,
		BidLevels:      r.bids.Len(),
		AskLevels:      r.asks.Len(),
		TotalBidSize:   r.bids.TotalSize(),
		TotalAskSize:   r.asks.TotalSize(),
	}
	stats.Imbalance = stats.TotalBidSize.Sub(stats.TotalAskSize)

	bid, okBid := r.bids.Max()
	ask, okAsk := r.asks.Min()
	if okBid {
		stats.BestBid = bid.Price
	}
	if okAsk {
		stats.BestAsk = ask.Price
	}
	if !okBid || !okAsk {
		return stats
	}

	stats.Spread = ask.Price.Sub(bid.Price)
	stats.Crossed = !bid.Price.LessThan(ask.Price)
	stats.MidPrice = bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2))
	r.depthLocked(&stats)
	return stats
}

var (
	depth05Pct = decimal.RequireFromString("0.005")
	depth2Pct  = decimal.RequireFromString("0.02")
	depth10Pct = decimal.RequireFromString("0.10")
)

// depthLocked fills liquidity within 0.5%, 2% and 10% of mid (must be called with mu held)
func (r *Replica) depthLocked(stats *types.Stats) {
	mid := stats.MidPrice
	minBid05 := mid.Sub(mid.Mul(depth05Pct))
	minBid2 := mid.Sub(mid.Mul(depth2Pct))
	minBid10 := mid.Sub(mid.Mul(depth10Pct))
	maxAsk05 := mid.Add(mid.Mul(depth05Pct))
	maxAsk2 := mid.Add(mid.Mul(depth2Pct))
	maxAsk10 := mid.Add(mid.Mul(depth10Pct))

	r.bids.Descend(func(level types.PriceLevel) bool {
		if level.Price.LessThan(minBid10) {
			return false
		}
		stats.BidDepth10Pct = stats.BidDepth10Pct.Add(level.Size)
		if level.Price.GreaterThanOrEqual(minBid2) {
			stats.BidDepth2Pct = stats.BidDepth2Pct.Add(level.Size)
		}
		if level.Price.GreaterThanOrEqual(minBid05) {
			stats.BidDepth05Pct = stats.BidDepth05Pct.Add(level.Size)
		}
		return true
	})

	r.asks.Ascend(func(level types.PriceLevel) bool {
		if level.Price.GreaterThan(maxAsk10) {
			return false
		}
		stats.AskDepth10Pct = stats.AskDepth10Pct.Add(level.Size)
		if level.Price.LessThanOrEqual(maxAsk2) {
			stats.AskDepth2Pct = stats.AskDepth2Pct.Add(level.Size)
		}
		if level.Price.LessThanOrEqual(maxAsk05) {
			stats.AskDepth05Pct = stats.AskDepth05Pct.Add(level.Size)
		}
		return true
	})
}
