package dispatch

import (
	"errors"
	"testing"

	"bookstream/internal/feed"
	"bookstream/internal/metrics"
	"bookstream/internal/types"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newDispatcher() (*Dispatcher, *metrics.Metrics) {
	m := metrics.NewNop()
	return New(zap.NewNop(), m), m
}

func TestDispatchOrder(t *testing.T) {
	d, _ := newDispatcher()

	var calls []int
	for i := 0; i < 3; i++ {
		i := i
		d.Subscribe(types.EventBook, func(feed.Event) error {
			calls = append(calls, i)
			return nil
		})
	}

	failed := d.Dispatch(feed.Event{Kind: types.EventBook})
	assert.Zero(t, failed)
	assert.Equal(t, []int{0, 1, 2}, calls)
}

func TestDispatchOnlyMatchingKind(t *testing.T) {
	d, _ := newDispatcher()

	var books, trades int
	d.Subscribe(types.EventBook, func(feed.Event) error { books++; return nil })
	d.Subscribe(types.EventLastTradePrice, func(feed.Event) error { trades++; return nil })

	d.Dispatch(feed.Event{Kind: types.EventLastTradePrice})
	d.Dispatch(feed.Event{Kind: types.EventPong})

	assert.Zero(t, books)
	assert.Equal(t, 1, trades)
	assert.Equal(t, 1, d.Count(types.EventBook))
	assert.Zero(t, d.Count(types.EventPong))
}

func TestDispatchIsolatesFailures(t *testing.T) {
	d, m := newDispatcher()

	var reached []string
	d.Subscribe(types.EventPriceChange, func(feed.Event) error {
		reached = append(reached, "error")
		return errors.New("strategy rejected event")
	})
	d.Subscribe(types.EventPriceChange, func(feed.Event) error {
		reached = append(reached, "panic")
		panic("boom")
	})
	d.Subscribe(types.EventPriceChange, func(feed.Event) error {
		reached = append(reached, "ok")
		return nil
	})

	failed := d.Dispatch(feed.Event{Kind: types.EventPriceChange})
	assert.Equal(t, 2, failed)
	assert.Equal(t, []string{"error", "panic", "ok"}, reached)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CallbackFailures.WithLabelValues("price_change")))

	// the dispatcher is still usable afterwards
	failed = d.Dispatch(feed.Event{Kind: types.EventPriceChange})
	assert.Equal(t, 2, failed)
	assert.Len(t, reached, 6)
}

func TestSubscribeIgnoresNil(t *testing.T) {
	d, _ := newDispatcher()
	d.Subscribe(types.EventBook, nil)
	assert.Zero(t, d.Count(types.EventBook))
}
