package orderbook

import (
	"bookstream/internal/types"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

// LevelMap is an ordered price -> size mapping for one side of a book.
// It never holds a zero-size level. Ordering is ascending by price; bid
// direction is applied by the caller at query time.
// Not safe for concurrent use, the owning Replica holds the lock.
type LevelMap struct {
	tree *btree.BTreeG[types.PriceLevel]
}

func byPrice(a, b types.PriceLevel) bool {
	return a.Price.LessThan(b.Price)
}

// NewLevelMap creates an empty LevelMap
func NewLevelMap() *LevelMap {
	return &LevelMap{
		tree: btree.NewBTreeGOptions(byPrice, btree.Options{Degree: 32, NoLocks: true}),
	}
}

// Set upserts price -> size, or removes price when size is zero.
// Reports whether the map changed.
func (m *LevelMap) Set(price, size decimal.Decimal) bool {
	if size.IsZero() {
		_, removed := m.tree.Delete(types.PriceLevel{Price: price})
		return removed
	}
	prev, replaced := m.tree.Set(types.PriceLevel{Price: price, Size: size})
	return !replaced || !prev.Size.Equal(size)
}

// Min returns the lowest priced level
func (m *LevelMap) Min() (types.PriceLevel, bool) {
	return m.tree.Min()
}

// Max returns the highest priced level
func (m *LevelMap) Max() (types.PriceLevel, bool) {
	return m.tree.Max()
}

func (m *LevelMap) Len() int {
	return m.tree.Len()
}

// Ascend walks levels from lowest to highest price until fn returns false
func (m *LevelMap) Ascend(fn func(types.PriceLevel) bool) {
	m.tree.Scan(fn)
}

// Descend walks levels from highest to lowest price until fn returns false
func (m *LevelMap) Descend(fn func(types.PriceLevel) bool) {
	m.tree.Reverse(fn)
}

// Levels copies the levels out in ascending or descending order
func (m *LevelMap) Levels(descending bool) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, m.tree.Len())
	collect := func(level types.PriceLevel) bool {
		out = append(out, level)
		return true
	}
	if descending {
		m.Descend(collect)
	} else {
		m.Ascend(collect)
	}
	return out
}

// TotalSize sums the resting size across all levels
func (m *LevelMap) TotalSize() decimal.Decimal {
	total := decimal.Zero
	m.Ascend(func(level types.PriceLevel) bool {
		total = total.Add(level.Size)
		return true
	})
	return total
}
