package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"bookstream/internal/aggregation"
	"bookstream/internal/client"
	"bookstream/internal/config"
	"bookstream/internal/feed"
	"bookstream/internal/logging"
	"bookstream/internal/orderbook"
	"bookstream/internal/types"
	"bookstream/internal/websocket"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	// Parse command line flags
	var configPath = flag.String("config", "", "Path to a YAML config file")
	var assets = flag.String("assets", "", "Comma separated outcome token ids to replicate")
	var url = flag.String("url", "", "Override the upstream market channel URL")
	var logInterval = flag.Duration("log-interval", 0, "Interval for logging book stats (0 uses config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if ids := splitIDs(*assets); len(ids) > 0 {
		cfg.SetAssetIDs(ids)
	}
	if *url != "" {
		cfg.SetURL(*url)
	}
	if *logInterval > 0 {
		cfg.App.StatsInterval = *logInterval
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Pretty)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	os.Exit(finish(logger, run(cfg, logger)))
}

// finish logs the run error and flushes the logger before the process exits
func finish(logger *zap.Logger, err error) int {
	code := 0
	if err != nil {
		logger.Error("bookstream stopped", zap.Error(err))
		code = 1
	}
	_ = logger.Sync()
	return code
}

func splitIDs(csv string) []string {
	var ids []string
	for _, id := range strings.Split(csv, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := client.New(cfg, logger, reg)
	c.SubscribeCallback(types.EventLastTradePrice, func(ev feed.Event) error {
		if ev.Trade != nil {
			logger.Debug("last trade",
				zap.String("asset_id", string(ev.AssetID)),
				zap.String("price", ev.Trade.Level.Price.String()),
				zap.String("size", ev.Trade.Level.Size.String()))
		}
		return nil
	})

	ids := make([]types.AssetID, len(cfg.Feed.AssetIDs))
	for i, id := range cfg.Feed.AssetIDs {
		ids[i] = types.AssetID(id)
	}

	logger.Info("starting order book replication",
		zap.String("url", cfg.Feed.URL),
		zap.Int("assets", len(ids)),
		zap.Duration("stats_interval", cfg.App.StatsInterval))

	if err := c.Connect(ctx, ids); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	if cfg.Server.Enabled {
		tick, err := aggregation.ParseTick(cfg.App.DefaultTick)
		if err != nil {
			logger.Warn("invalid default tick, falling back to 0.01", zap.String("tick", cfg.App.DefaultTick))
			tick = decimal.RequireFromString("0.01")
		}
		server := websocket.NewServer(c, cfg.Server.Addr, cfg.Server.PushInterval,
			aggregation.New(tick), promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Start(ctx); err != nil {
				errCh <- fmt.Errorf("server: %w", err)
			}
		}()
	}

	// Centralized stats ticker
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(cfg.App.StatsInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if cfg.Logging.Pretty {
					printCombinedStats(c.Registry())
				}
				logStats(logger, c, c.Registry())
			case <-ctx.Done():
				return
			}
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		stop()
	}

	c.Disconnect()
	wg.Wait()
	logger.Info("feed closed. Goodbye!")
	return runErr
}

func logStats(logger *zap.Logger, health types.HealthReporter, registry *orderbook.Registry) {
	h := health.Health()
	logger.Info("feed health",
		zap.Stringer("state", health.State()),
		zap.Int64("messages", h.MessageCount),
		zap.Int64("errors", h.ErrorCount),
		zap.Int64("reconnects", h.Reconnects),
		zap.Int("subscribed", h.Subscribed))

	for _, id := range registry.Assets() {
		replica, ok := registry.Get(id)
		if !ok {
			continue
		}
		stats := replica.Stats()
		logger.Debug("book",
			zap.String("asset_id", string(id)),
			zap.Bool("stale", stats.Stale),
			zap.String("best_bid", stats.BestBid.String()),
			zap.String("best_ask", stats.BestAsk.String()),
			zap.String("spread", stats.Spread.String()),
			zap.Int("bid_levels", stats.BidLevels),
			zap.Int("ask_levels", stats.AskLevels))
	}
}

const (
	colorReset   = "\033[0m"
	colorYellow  = "\033[33m"
	colorGreen   = "\033[32m"
	colorRed     = "\033[31m"
	colorMagenta = "\033[35m"
	colorBold    = "\033[1m"
)

func printCombinedStats(registry *orderbook.Registry) {
	ids := registry.Assets()
	if len(ids) == 0 {
		return
	}

	fmt.Println()

	for i, id := range ids {
		replica, ok := registry.Get(id)
		if !ok || replica.LastUpdate().IsZero() {
			continue
		}
		stats := replica.Stats()

		name := string(id)
		if len(name) > 16 {
			name = name[:8] + ".." + name[len(name)-6:]
		}
		if stats.Stale {
			name += " (stale)"
		}

		fmt.Printf("%s%s%s", colorBold, name, colorReset)
		fmt.Printf("  Mid: %s%7s%s │ Spread: %s%6s%s | BB: %s%7s%s │ BA: %s%7s%s\n",
			colorYellow, stats.MidPrice.StringFixed(4), colorReset,
			colorMagenta, stats.Spread.StringFixed(4), colorReset,
			colorGreen, stats.BestBid.StringFixed(3), colorReset,
			colorRed, stats.BestAsk.StringFixed(3), colorReset)

		fmt.Printf("  DEPTH 2%%:  Bids: %s%12s%s │ Asks: %s%12s%s\n",
			colorGreen, stats.BidDepth2Pct.StringFixed(2), colorReset,
			colorRed, stats.AskDepth2Pct.StringFixed(2), colorReset)

		fmt.Printf("  DEPTH 10%%  Bids: %s%12s%s │ Asks: %s%12s%s\n",
			colorGreen, stats.BidDepth10Pct.StringFixed(2), colorReset,
			colorRed, stats.AskDepth10Pct.StringFixed(2), colorReset)

		fmt.Printf("  TOTAL:     Bids: %s%12s%s │ Asks: %s%12s%s │ Δ: %s%12s%s\n",
			colorGreen, stats.TotalBidSize.StringFixed(2), colorReset,
			colorRed, stats.TotalAskSize.StringFixed(2), colorReset,
			getDeltaColor(stats.Imbalance), stats.Imbalance.StringFixed(2), colorReset)

		if i < len(ids)-1 {
			fmt.Println()
		}
	}
}

func getDeltaColor(delta decimal.Decimal) string {
	if delta.GreaterThan(decimal.Zero) {
		return colorGreen
	} else if delta.LessThan(decimal.Zero) {
		return colorRed
	}
	return colorYellow
}
