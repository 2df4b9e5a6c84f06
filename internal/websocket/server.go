// Package websocket serves replicated books to local consumers over HTTP
// and a push websocket.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"bookstream/internal/aggregation"
	"bookstream/internal/client"
	"bookstream/internal/orderbook"
	"bookstream/internal/types"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type MessageType string

const (
	MessageTypeOrderbook MessageType = "orderbook"
	MessageTypeStats     MessageType = "stats"
)

// maxPushLevels caps the levels per side in pushed orderbook messages
const maxPushLevels = 25

// BookSource is what the server reads from; *client.Client satisfies it
type BookSource interface {
	Registry() *orderbook.Registry
	AveragePrice(id types.AssetID, side types.Side, shares decimal.Decimal) (decimal.Decimal, error)
	MaxShares(id types.AssetID, side types.Side, bound decimal.Decimal) (decimal.Decimal, error)
	UpdateSubscriptions(ids []types.AssetID) error
	Health() types.HealthStatus
}

// ClientMessage represents messages sent from a consumer to the server
type ClientMessage struct {
	Type   string          `json:"type"`
	Tick   string          `json:"tick,omitempty"`
	Assets []types.AssetID `json:"assets,omitempty"`
}

type OrderbookMessage struct {
	Type      MessageType     `json:"type"`
	AssetID   types.AssetID   `json:"asset_id"`
	Tick      decimal.Decimal `json:"tick"`
	Stale     bool            `json:"stale"`
	Bids      []LevelView     `json:"bids"`
	Asks      []LevelView     `json:"asks"`
	Timestamp int64           `json:"timestamp"`
}

type StatsMessage struct {
	Type MessageType `json:"type"`
	types.Stats
	Timestamp int64 `json:"timestamp"`
}

// LevelView is one level with the running size from the top of book
type LevelView struct {
	Price      decimal.Decimal `json:"price"`
	Size       decimal.Decimal `json:"size"`
	Cumulative decimal.Decimal `json:"cumulative"`
}

type BookResponse struct {
	AssetID    types.AssetID    `json:"asset_id"`
	Tick       *decimal.Decimal `json:"tick,omitempty"`
	Stale      bool             `json:"stale"`
	LastUpdate time.Time        `json:"last_update"`
	Bids       []LevelView      `json:"bids"`
	Asks       []LevelView      `json:"asks"`
}

type QuoteResponse struct {
	AssetID      types.AssetID    `json:"asset_id"`
	Side         types.Side       `json:"side"`
	Shares       *decimal.Decimal `json:"shares,omitempty"`
	Price        *decimal.Decimal `json:"price,omitempty"`
	AveragePrice *decimal.Decimal `json:"average_price,omitempty"`
	MaxShares    *decimal.Decimal `json:"max_shares,omitempty"`
}

type Server struct {
	source         BookSource
	addr           string
	pushInterval   time.Duration
	aggregator     types.PriceAggregator
	metricsHandler http.Handler
	logger         *zap.Logger
	upgrader       websocket.Upgrader
	clients        map[*websocket.Conn]bool
	clientsMux     sync.RWMutex
	broadcast      chan interface{}
}

// NewServer creates a server for source. metricsHandler may be nil.
func NewServer(source BookSource, addr string, pushInterval time.Duration, aggregator types.PriceAggregator, metricsHandler http.Handler, logger *zap.Logger) *Server {
	if pushInterval <= 0 {
		pushInterval = time.Second
	}
	return &Server{
		source:         source,
		addr:           addr,
		pushInterval:   pushInterval,
		aggregator:     aggregator,
		metricsHandler: metricsHandler,
		logger:         logger.Named("server"),
		clients:        make(map[*websocket.Conn]bool),
		broadcast:      make(chan interface{}, 100),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Router builds the HTTP routes
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWebSocket)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/books", s.handleBooks).Methods(http.MethodGet)
	r.HandleFunc("/books/{assetID}", s.handleBook).Methods(http.MethodGet)
	r.HandleFunc("/books/{assetID}/price", s.handlePrice).Methods(http.MethodGet)
	r.HandleFunc("/books/{assetID}/max-shares", s.handleMaxShares).Methods(http.MethodGet)
	if s.metricsHandler != nil {
		r.Handle("/metrics", s.metricsHandler).Methods(http.MethodGet)
	}
	return r
}

// Start serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.broadcastMessages(ctx)
	go s.startDataPush(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.closeClients()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	s.clientsMux.Lock()
	s.clients[conn] = true
	s.clientsMux.Unlock()

	s.logger.Info("consumer connected", zap.String("remote", r.RemoteAddr))

	defer func() {
		s.removeClient(conn)
		s.logger.Info("consumer disconnected", zap.String("remote", r.RemoteAddr))
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.logger.Debug("bad consumer message", zap.Error(err))
			continue
		}

		s.handleClientMessage(msg)
	}
}

func (s *Server) handleClientMessage(msg ClientMessage) {
	switch msg.Type {
	case "set_tick":
		tick, err := aggregation.ParseTick(msg.Tick)
		if err != nil {
			s.logger.Warn("invalid tick requested", zap.String("tick", msg.Tick))
			return
		}
		s.aggregator.SetTick(tick)
		s.logger.Info("tick changed", zap.String("tick", tick.String()))
	case "subscribe":
		if len(msg.Assets) == 0 {
			return
		}
		if err := s.source.UpdateSubscriptions(msg.Assets); err != nil {
			s.logger.Warn("consumer subscribe failed", zap.Error(err))
		}
	default:
		s.logger.Debug("unknown consumer message", zap.String("type", msg.Type))
	}
}

func (s *Server) clientCount() int {
	s.clientsMux.RLock()
	defer s.clientsMux.RUnlock()
	return len(s.clients)
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMux.Lock()
	delete(s.clients, conn)
	s.clientsMux.Unlock()
	conn.Close()
}

func (s *Server) closeClients() {
	s.clientsMux.Lock()
	defer s.clientsMux.Unlock()
	for conn := range s.clients {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(time.Second))
		conn.Close()
		delete(s.clients, conn)
	}
}

// broadcastMessages is the only writer to consumer connections
func (s *Server) broadcastMessages(ctx context.Context) {
	for {
		var msg interface{}
		select {
		case <-ctx.Done():
			return
		case msg = <-s.broadcast:
		}

		s.clientsMux.RLock()
		var failed []*websocket.Conn
		for conn := range s.clients {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debug("write to consumer failed", zap.Error(err))
				failed = append(failed, conn)
			}
		}
		s.clientsMux.RUnlock()

		for _, conn := range failed {
			s.removeClient(conn)
		}
	}
}

func (s *Server) startDataPush(ctx context.Context) {
	ticker := time.NewTicker(s.pushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if s.clientCount() == 0 {
				continue
			}
			s.pushBooks(ctx, now)
		}
	}
}

// pushBooks queues an orderbook and a stats message for every replica
// that has received data
func (s *Server) pushBooks(ctx context.Context, now time.Time) {
	timestamp := now.UnixMilli()
	registry := s.source.Registry()

	for _, id := range registry.Assets() {
		replica, ok := registry.Get(id)
		if !ok || replica.LastUpdate().IsZero() {
			continue
		}
		for _, msg := range []interface{}{
			s.buildOrderbookMessage(replica, timestamp),
			StatsMessage{Type: MessageTypeStats, Stats: replica.Stats(), Timestamp: timestamp},
		} {
			select {
			case s.broadcast <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Server) buildOrderbookMessage(replica *orderbook.Replica, timestamp int64) OrderbookMessage {
	snap := replica.Snapshot()
	bids := s.aggregator.AggregateBids(snap.Bids)
	asks := s.aggregator.AggregateAsks(snap.Asks)

	return OrderbookMessage{
		Type:      MessageTypeOrderbook,
		AssetID:   snap.AssetID,
		Tick:      s.aggregator.Tick(),
		Stale:     snap.Stale,
		Bids:      levelViews(bids, maxPushLevels),
		Asks:      levelViews(asks, maxPushLevels),
		Timestamp: timestamp,
	}
}

// levelViews converts best-first levels to wire form with cumulative sums.
// limit <= 0 keeps every level.
func levelViews(levels []types.PriceLevel, limit int) []LevelView {
	if limit > 0 && len(levels) > limit {
		levels = levels[:limit]
	}
	cumulative := aggregation.Cumulative(levels)
	views := make([]LevelView, len(levels))
	for i, level := range levels {
		views[i] = LevelView{Price: level.Price, Size: level.Size, Cumulative: cumulative[i]}
	}
	return views
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.source.Health())
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	registry := s.source.Registry()
	stats := make([]types.Stats, 0, registry.Len())
	for _, id := range registry.Assets() {
		if replica, ok := registry.Get(id); ok {
			stats = append(stats, replica.Stats())
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	id := types.AssetID(mux.Vars(r)["assetID"])
	replica, ok := s.source.Registry().Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, client.ErrUnknownAsset)
		return
	}

	snap := replica.Snapshot()
	resp := BookResponse{
		AssetID:    snap.AssetID,
		Stale:      snap.Stale,
		LastUpdate: snap.LastUpdate,
	}

	bids, asks := snap.Bids, snap.Asks
	if q := r.URL.Query(); q.Has("min") || q.Has("max") {
		lo, hi, err := priceWindow(q.Get("min"), q.Get("max"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		bids = aggregation.FilterLevels(bids, lo, hi)
		asks = aggregation.FilterLevels(asks, lo, hi)
	}
	if raw := r.URL.Query().Get("tick"); raw != "" {
		tick, err := aggregation.ParseTick(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resp.Tick = &tick
		bids = aggregation.BucketBids(bids, tick)
		asks = aggregation.BucketAsks(asks, tick)
	}
	resp.Bids = levelViews(bids, 0)
	resp.Asks = levelViews(asks, 0)

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	id, side, shares, err := quoteParams(r, "shares")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	avg, err := s.source.AveragePrice(id, side, shares)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, QuoteResponse{AssetID: id, Side: side, Shares: &shares, AveragePrice: &avg})
}

func (s *Server) handleMaxShares(w http.ResponseWriter, r *http.Request) {
	id, side, bound, err := quoteParams(r, "price")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	shares, err := s.source.MaxShares(id, side, bound)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, QuoteResponse{AssetID: id, Side: side, Price: &bound, MaxShares: &shares})
}

var (
	errBadSide   = errors.New("side must be BUY or SELL")
	errBadNumber = errors.New("missing or malformed numeric parameter")
	errBadWindow = errors.New("min must not exceed max")
)

// priceWindow parses optional min/max bounds, defaulting to [0, 1]
func priceWindow(rawMin, rawMax string) (decimal.Decimal, decimal.Decimal, error) {
	lo, hi := decimal.Zero, decimal.NewFromInt(1)
	var err error
	if rawMin != "" {
		if lo, err = decimal.NewFromString(rawMin); err != nil {
			return lo, hi, errBadNumber
		}
	}
	if rawMax != "" {
		if hi, err = decimal.NewFromString(rawMax); err != nil {
			return lo, hi, errBadNumber
		}
	}
	if lo.GreaterThan(hi) {
		return lo, hi, errBadWindow
	}
	return lo, hi, nil
}

func quoteParams(r *http.Request, numberKey string) (types.AssetID, types.Side, decimal.Decimal, error) {
	id := types.AssetID(mux.Vars(r)["assetID"])
	q := r.URL.Query()

	side, ok := types.ParseSide(q.Get("side"))
	if !ok {
		return id, "", decimal.Zero, errBadSide
	}
	value, err := decimal.NewFromString(q.Get(numberKey))
	if err != nil {
		return id, side, decimal.Zero, errBadNumber
	}
	return id, side, value, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, client.ErrUnknownAsset):
		return http.StatusNotFound
	case errors.Is(err, client.ErrStaleBook):
		return http.StatusServiceUnavailable
	case errors.Is(err, orderbook.ErrInvalidQuantity), errors.Is(err, orderbook.ErrUnknownSide):
		return http.StatusBadRequest
	case errors.Is(err, orderbook.ErrInsufficientLiquidity), errors.Is(err, orderbook.ErrEmptyBook):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
