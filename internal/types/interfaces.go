package types

import (
	"github.com/shopspring/decimal"
)

// PriceAggregator defines the interface for price aggregation
type PriceAggregator interface {
	// SetTick updates the default bucket width
	SetTick(tick decimal.Decimal)

	// Tick returns the default bucket width
	Tick() decimal.Decimal

	// AggregateBids aggregates bid price levels
	AggregateBids(levels []PriceLevel) []PriceLevel

	// AggregateAsks aggregates ask price levels
	AggregateAsks(levels []PriceLevel) []PriceLevel
}

// HealthReporter exposes upstream connection health
type HealthReporter interface {
	State() ConnectionState
	Health() HealthStatus
}
