package orderbook

import (
	"errors"

	"bookstream/internal/types"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientLiquidity = errors.New("orderbook: insufficient liquidity")
	ErrEmptyBook             = errors.New("orderbook: no levels on side")
	ErrInvalidQuantity       = errors.New("orderbook: quantity must be positive")
)

// walkLocked visits the levels of side from best to worst: asks ascending,
// bids descending. Must be called with mu held.
func (r *Replica) walkLocked(side types.Side, fn func(types.PriceLevel) bool) error {
	switch side {
	case types.Sell:
		r.asks.Ascend(fn)
	case types.Buy:
		r.bids.Descend(fn)
	default:
		return ErrUnknownSide
	}
	return nil
}

// AveragePriceForShares returns the volume-weighted average price of
// taking shares from the resting levels on side. Sell consumes asks from
// the lowest price up (the cost of buying), Buy consumes bids from the
// highest price down (the proceeds of selling).
//
// ErrInsufficientLiquidity is returned when the side holds fewer than
// shares in total, so a zero result is always a real price.
func (r *Replica) AveragePriceForShares(side types.Side, shares decimal.Decimal) (decimal.Decimal, error) {
	if !shares.IsPositive() {
		return decimal.Zero, ErrInvalidQuantity
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	filled := decimal.Zero
	weighted := decimal.Zero
	err := r.walkLocked(side, func(level types.PriceLevel) bool {
		take := level.Size
		if remaining := shares.Sub(filled); take.GreaterThan(remaining) {
			take = remaining
		}
		weighted = weighted.Add(take.Mul(level.Price))
		filled = filled.Add(take)
		return filled.LessThan(shares)
	})
	if err != nil {
		return decimal.Zero, err
	}
	if filled.LessThan(shares) {
		return decimal.Zero, ErrInsufficientLiquidity
	}
	return weighted.Div(shares), nil
}

// MaxSharesWithinPrice returns the largest quantity whose volume-weighted
// average price stays at or below bound when taking asks (Sell), or at or
// above bound when taking bids (Buy). The last level may be partially
// consumed so that the average lands exactly on bound.
//
// A zero result with a nil error means the best level already violates
// the bound.
func (r *Replica) MaxSharesWithinPrice(side types.Side, bound decimal.Decimal) (decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	levels, err := r.sideLocked(side)
	if err != nil {
		return decimal.Zero, err
	}
	if levels.Len() == 0 {
		return decimal.Zero, ErrEmptyBook
	}

	// within reports whether avg = weighted/shares satisfies the bound,
	// compared without dividing.
	within := func(weighted, shares decimal.Decimal) bool {
		limit := bound.Mul(shares)
		if side == types.Sell {
			return weighted.LessThanOrEqual(limit)
		}
		return weighted.GreaterThanOrEqual(limit)
	}

	total := decimal.Zero
	weighted := decimal.Zero
	first := true
	_ = r.walkLocked(side, func(level types.PriceLevel) bool {
		if first {
			first = false
			if !within(level.Price, decimal.NewFromInt(1)) {
				return false
			}
		}

		nextShares := total.Add(level.Size)
		nextWeighted := weighted.Add(level.Size.Mul(level.Price))
		if within(nextWeighted, nextShares) {
			total, weighted = nextShares, nextWeighted
			return true
		}

		// (W + x*p) / (S + x) = bound  =>  x = (bound*S - W) / (p - bound)
		denom := level.Price.Sub(bound)
		if denom.IsZero() {
			return false
		}
		x := bound.Mul(total).Sub(weighted).Div(denom)
		if x.IsPositive() {
			total = total.Add(x)
		}
		return false
	})
	return total, nil
}
