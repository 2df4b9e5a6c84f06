// Package client is the public entry point of the replication engine.
//
// A Client owns one upstream connection, one replica registry and one
// dispatcher. Frames are processed strictly in arrival order on the
// connection's receive goroutine, which is the only writer of replica
// state: book and price_change events mutate the matching replica first,
// then every event is handed to the callbacks registered for its kind.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bookstream/internal/config"
	"bookstream/internal/dispatch"
	"bookstream/internal/feed"
	"bookstream/internal/metrics"
	"bookstream/internal/orderbook"
	"bookstream/internal/stream"
	"bookstream/internal/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrUnknownAsset = errors.New("client: unknown asset")
	ErrStaleBook    = errors.New("client: order book is stale")
)

// Client replicates order books for a set of assets
type Client struct {
	registry      *orderbook.Registry
	dispatcher    *dispatch.Dispatcher
	stream        *stream.Manager
	logger        *zap.Logger
	metrics       *metrics.Metrics
	suppressStale bool
}

// New builds a Client from configuration. Metrics are registered on reg.
func New(cfg config.Config, logger *zap.Logger, reg prometheus.Registerer) *Client {
	m := metrics.New(reg)
	c := &Client{
		registry:      orderbook.NewRegistry(),
		dispatcher:    dispatch.New(logger, m),
		logger:        logger.Named("client"),
		metrics:       m,
		suppressStale: cfg.App.SuppressStaleReads,
	}

	opts := stream.OptionsFromConfig(cfg.Feed)
	opts.OnConnect = func(sessionID string) {
		c.logger.Info("feed connected", zap.String("session", sessionID), zap.Int("books", c.registry.Len()))
	}
	opts.OnDisconnect = func(err error) {
		// levels may have moved while we were away; the next full book clears this
		c.registry.MarkAllStale()
		c.logger.Warn("feed disconnected, replicas marked stale", zap.Error(err))
	}
	c.stream = stream.New(opts, c.handleFrame, logger, m)
	return c
}

// Connect creates replicas for ids and starts the connection loop.
// It returns immediately; connection failures are retried in the background.
func (c *Client) Connect(ctx context.Context, ids []types.AssetID) error {
	c.ensureReplicas(ids)
	return c.stream.Connect(ctx, ids)
}

// UpdateSubscriptions adds ids to the live subscription set
func (c *Client) UpdateSubscriptions(ids []types.AssetID) error {
	c.ensureReplicas(ids)
	if err := c.stream.UpdateSubscriptions(ids); err != nil {
		return fmt.Errorf("update subscriptions: %w", err)
	}
	return nil
}

// GetOrderBook returns the live replica for id. The replica keeps
// changing; use Snapshot for a stable copy.
func (c *Client) GetOrderBook(id types.AssetID) (*orderbook.Replica, bool) {
	return c.registry.Get(id)
}

// SubscribeCallback registers cb for events of kind
func (c *Client) SubscribeCallback(kind types.EventKind, cb dispatch.Callback) {
	c.dispatcher.Subscribe(kind, cb)
	c.logger.Debug("callback registered",
		zap.String("kind", string(kind)),
		zap.Int("callbacks", c.dispatcher.Count(kind)))
}

// CallbackCount returns how many callbacks are registered for kind
func (c *Client) CallbackCount(kind types.EventKind) int {
	return c.dispatcher.Count(kind)
}

// Disconnect closes the upstream connection and stops reconnecting
func (c *Client) Disconnect() {
	c.stream.Disconnect()
}

func (c *Client) Registry() *orderbook.Registry {
	return c.registry
}

func (c *Client) State() types.ConnectionState {
	return c.stream.State()
}

func (c *Client) Health() types.HealthStatus {
	return c.stream.Health()
}

func (c *Client) Subscriptions() []types.AssetID {
	return c.stream.Subscriptions()
}

// AveragePrice is AveragePriceForShares on the replica for id, refusing
// stale books when configured to
func (c *Client) AveragePrice(id types.AssetID, side types.Side, shares decimal.Decimal) (decimal.Decimal, error) {
	r, err := c.readable(id)
	if err != nil {
		return decimal.Zero, err
	}
	return r.AveragePriceForShares(side, shares)
}

// MaxShares is MaxSharesWithinPrice on the replica for id, refusing stale
// books when configured to
func (c *Client) MaxShares(id types.AssetID, side types.Side, bound decimal.Decimal) (decimal.Decimal, error) {
	r, err := c.readable(id)
	if err != nil {
		return decimal.Zero, err
	}
	return r.MaxSharesWithinPrice(side, bound)
}

func (c *Client) readable(id types.AssetID) (*orderbook.Replica, error) {
	r, ok := c.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, id)
	}
	if c.suppressStale && r.Stale() {
		return nil, fmt.Errorf("%w: %s", ErrStaleBook, id)
	}
	return r, nil
}

func (c *Client) ensureReplicas(ids []types.AssetID) {
	for _, id := range ids {
		if id != "" {
			c.registry.GetOrCreate(id)
		}
	}
}

// handleFrame runs on the receive goroutine for every inbound frame
func (c *Client) handleFrame(frame []byte) {
	start := time.Now()
	c.metrics.FramesReceived.Inc()

	events, err := feed.Normalize(frame)
	if err != nil {
		if errors.Is(err, feed.ErrNotStructured) {
			c.metrics.FramesDropped.WithLabelValues("not_structured").Inc()
			c.logger.Debug("dropping unstructured frame", zap.ByteString("frame", truncate(frame, 64)))
		} else {
			c.metrics.FramesDropped.WithLabelValues("malformed").Inc()
			c.logger.Warn("dropping malformed frame", zap.Error(err), zap.ByteString("frame", truncate(frame, 256)))
		}
		return
	}

	for _, ev := range events {
		c.metrics.EventsDispatched.WithLabelValues(string(ev.Kind)).Inc()
		c.apply(&ev)
		if ev.Skipped > 0 {
			c.metrics.EntriesSkipped.Add(float64(ev.Skipped))
			c.logger.Debug("skipped malformed entries",
				zap.String("kind", string(ev.Kind)),
				zap.Int("skipped", ev.Skipped))
		}
		c.dispatcher.Dispatch(ev)
	}
	c.metrics.ApplyLatency.Observe(time.Since(start).Seconds())
}

// apply mutates replicas for book-kind events
func (c *Client) apply(ev *feed.Event) {
	switch ev.Kind {
	case types.EventBook:
		for _, book := range ev.Books {
			r := c.registry.GetOrCreate(book.AssetID)
			ev.Skipped += r.ApplyBook(book.Bids, book.Asks)
		}

	case types.EventPriceChange:
		// group by asset, keeping frame order within each asset
		var order []types.AssetID
		deltas := make(map[types.AssetID][]orderbook.Delta)
		for _, change := range ev.Changes {
			if _, ok := deltas[change.AssetID]; !ok {
				order = append(order, change.AssetID)
			}
			deltas[change.AssetID] = append(deltas[change.AssetID], orderbook.Delta{
				Side:  change.Side,
				Price: change.Price.Price,
				Size:  change.Price.Size,
			})
		}
		for _, id := range order {
			ev.Skipped += c.registry.GetOrCreate(id).ApplyDeltas(deltas[id])
		}

	case types.EventLastTradePrice:
		if ev.AssetID != "" {
			c.registry.GetOrCreate(ev.AssetID)
		}

	case types.EventError:
		c.logger.Warn("feed error", zap.String("message", ev.Message))
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
