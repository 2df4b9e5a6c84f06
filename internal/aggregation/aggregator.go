package aggregation

import (
	"errors"
	"sort"
	"sync"

	"bookstream/internal/types"

	"github.com/shopspring/decimal"
)

var ErrInvalidTick = errors.New("aggregation: tick must be one of the supported tick sizes")

// AvailableTicks are the bucket widths offered to consumers, in price units.
// Outcome tokens trade between 0 and 1.
var AvailableTicks = []decimal.Decimal{
	decimal.RequireFromString("0.001"),
	decimal.RequireFromString("0.01"),
	decimal.RequireFromString("0.05"),
	decimal.RequireFromString("0.1"),
}

// ParseTick validates a tick given as text
func ParseTick(s string) (decimal.Decimal, error) {
	tick, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidTick
	}
	for _, available := range AvailableTicks {
		if available.Equal(tick) {
			return available, nil
		}
	}
	return decimal.Zero, ErrInvalidTick
}

// Aggregator buckets price levels into tick-wide bands
type Aggregator struct {
	mu   sync.RWMutex
	tick decimal.Decimal
}

// New creates a new Aggregator. A zero tick disables bucketing.
func New(tick decimal.Decimal) *Aggregator {
	return &Aggregator{tick: tick}
}

// SetTick updates the default tick
func (a *Aggregator) SetTick(tick decimal.Decimal) {
	a.mu.Lock()
	a.tick = tick
	a.mu.Unlock()
}

// Tick returns the default tick
func (a *Aggregator) Tick() decimal.Decimal {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tick
}

// AggregateBids buckets bids with the default tick
func (a *Aggregator) AggregateBids(levels []types.PriceLevel) []types.PriceLevel {
	return BucketBids(levels, a.Tick())
}

// AggregateAsks buckets asks with the default tick
func (a *Aggregator) AggregateAsks(levels []types.PriceLevel) []types.PriceLevel {
	return BucketAsks(levels, a.Tick())
}

// BucketBids floors bid prices to the tick and sums sizes, highest price first.
// Flooring keeps an aggregated bid from showing better than it is.
func BucketBids(levels []types.PriceLevel, tick decimal.Decimal) []types.PriceLevel {
	out := bucket(levels, tick, decimal.Decimal.Floor)
	sort.Slice(out, func(i, j int) bool { return out[i].Price.GreaterThan(out[j].Price) })
	return out
}

// BucketAsks ceils ask prices to the tick and sums sizes, lowest price first
func BucketAsks(levels []types.PriceLevel, tick decimal.Decimal) []types.PriceLevel {
	out := bucket(levels, tick, decimal.Decimal.Ceil)
	sort.Slice(out, func(i, j int) bool { return out[i].Price.LessThan(out[j].Price) })
	return out
}

func bucket(levels []types.PriceLevel, tick decimal.Decimal, round func(decimal.Decimal) decimal.Decimal) []types.PriceLevel {
	if len(levels) == 0 {
		return []types.PriceLevel{}
	}

	buckets := make(map[string]int, len(levels))
	out := make([]types.PriceLevel, 0, len(levels))
	for _, level := range levels {
		price := level.Price
		if tick.IsPositive() {
			price = round(price.Div(tick)).Mul(tick)
		}
		key := price.String()
		if i, ok := buckets[key]; ok {
			out[i].Size = out[i].Size.Add(level.Size)
			continue
		}
		buckets[key] = len(out)
		out = append(out, types.PriceLevel{Price: price, Size: level.Size})
	}
	return out
}

// FilterLevels drops levels priced outside [lo, hi]
func FilterLevels(levels []types.PriceLevel, lo, hi decimal.Decimal) []types.PriceLevel {
	filtered := make([]types.PriceLevel, 0, len(levels))
	for _, level := range levels {
		if level.Price.GreaterThanOrEqual(lo) && level.Price.LessThanOrEqual(hi) {
			filtered = append(filtered, level)
		}
	}
	return filtered
}

// Cumulative returns the running size total at each level, in input order
func Cumulative(levels []types.PriceLevel) []decimal.Decimal {
	out := make([]decimal.Decimal, len(levels))
	total := decimal.Zero
	for i, level := range levels {
		total = total.Add(level.Size)
		out[i] = total
	}
	return out
}
