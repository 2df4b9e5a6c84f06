// Package stream owns the upstream websocket connection: the subscription
// set, chunked (re)subscription and the reconnect loop.
//
// The manager runs one receive goroutine per Connect. Every inbound frame
// is handed to the Handler on that goroutine, in arrival order. On any
// transport failure the manager waits ReconnectBackoff and dials again,
// forever, until Disconnect is called or the Connect context ends. The
// stop signal is checked at every attempt boundary and during the backoff
// wait; an attempt already in progress is not interrupted.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"bookstream/internal/config"
	"bookstream/internal/metrics"
	"bookstream/internal/types"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("stream: not connected")

// Handler receives every inbound frame
type Handler func(frame []byte)

// Options configures a Manager
type Options struct {
	URL              string
	ChunkSize        int
	ChunkDelay       time.Duration
	ReconnectBackoff time.Duration
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration

	// OnConnect runs after the full subscription set has been sent
	OnConnect func(sessionID string)
	// OnDisconnect runs after every session ends, with the error that ended
	// it. Disconnect and a cancelled context also end the session.
	OnDisconnect func(err error)
}

// OptionsFromConfig maps the feed section of the configuration
func OptionsFromConfig(cfg config.FeedConfig) Options {
	return Options{
		URL:              cfg.URL,
		ChunkSize:        cfg.ChunkSize,
		ChunkDelay:       cfg.ChunkDelay,
		ReconnectBackoff: cfg.ReconnectBackoff,
		HandshakeTimeout: cfg.HandshakeTimeout,
		PingInterval:     cfg.PingInterval,
		ReadTimeout:      cfg.ReadTimeout,
		WriteTimeout:     cfg.WriteTimeout,
	}
}

const (
	defaultChunkSize = 50
	defaultBackoff   = 5 * time.Second
)

// SubscribeRequest is one upstream subscription frame element
type SubscribeRequest struct {
	Type      string          `json:"type"`
	AssetsIDs []types.AssetID `json:"assets_ids"`
}

// Manager owns the single upstream connection
type Manager struct {
	opts    Options
	handler Handler
	dialer  websocket.Dialer
	logger  *zap.Logger
	metrics *metrics.Metrics

	state atomic.Int32

	subMu sync.Mutex
	subs  map[types.AssetID]struct{}
	order []types.AssetID

	// sendMu serializes subscription sends: the full resend on connect and
	// incremental sends from UpdateSubscriptions
	sendMu sync.Mutex
	// writeMu serializes individual frame writes on conn
	writeMu sync.Mutex
	connMu  sync.Mutex
	conn    *websocket.Conn

	healthMu sync.Mutex
	health   types.HealthStatus

	runMu   sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Manager that delivers frames to handler
func New(opts Options, handler Handler, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = defaultBackoff
	}

	return &Manager{
		opts:    opts,
		handler: handler,
		dialer: websocket.Dialer{
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		logger:  logger.Named("stream"),
		metrics: m,
		subs:    make(map[types.AssetID]struct{}),
	}
}

// State returns the current connection state
func (m *Manager) State() types.ConnectionState {
	return types.ConnectionState(m.state.Load())
}

func (m *Manager) setState(s types.ConnectionState) {
	m.state.Store(int32(s))
	m.metrics.ConnectionState.Set(float64(s))
	m.healthMu.Lock()
	m.health.State = s
	m.healthMu.Unlock()
}

// transition moves from one state to another only if the manager is
// still in from; a Closing manager is never moved back to Connecting.
func (m *Manager) transition(from, to types.ConnectionState) bool {
	if !m.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	m.metrics.ConnectionState.Set(float64(to))
	m.healthMu.Lock()
	m.health.State = to
	m.healthMu.Unlock()
	return true
}

// Running reports whether the connection loop is active
func (m *Manager) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.running
}

// Health returns a copy of the connection health counters
func (m *Manager) Health() types.HealthStatus {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	status := m.health
	status.Subscribed = m.subscribedCount()
	return status
}

// Subscriptions returns the subscription set in insertion order
func (m *Manager) Subscriptions() []types.AssetID {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	return append([]types.AssetID(nil), m.order...)
}

func (m *Manager) subscribedCount() int {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	return len(m.order)
}

// addSubscriptions grows the set and returns only the ids not seen before
func (m *Manager) addSubscriptions(ids []types.AssetID) []types.AssetID {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	var added []types.AssetID
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := m.subs[id]; ok {
			continue
		}
		m.subs[id] = struct{}{}
		m.order = append(m.order, id)
		added = append(added, id)
	}
	m.metrics.Subscribed.Set(float64(len(m.order)))
	return added
}

// Connect adds ids to the subscription set and starts the connection loop.
// Calling Connect on a running manager only adds the ids.
func (m *Manager) Connect(ctx context.Context, ids []types.AssetID) error {
	m.runMu.Lock()
	if m.running {
		m.runMu.Unlock()
		return m.UpdateSubscriptions(ids)
	}
	m.addSubscriptions(ids)

	runCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.ctx = runCtx
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.runMu.Unlock()

	go m.run(runCtx, done)
	return nil
}

// UpdateSubscriptions adds ids to the set. When connected, only the newly
// added ids are sent; otherwise they go out with the next (re)connect.
func (m *Manager) UpdateSubscriptions(ids []types.AssetID) error {
	added := m.addSubscriptions(ids)
	if len(added) == 0 {
		return nil
	}

	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	if m.State() != types.Connected {
		return nil
	}
	conn := m.currentConn()
	if conn == nil {
		return nil
	}
	m.runMu.Lock()
	ctx := m.ctx
	m.runMu.Unlock()
	if ctx == nil {
		return ErrNotConnected
	}
	return m.sendChunks(ctx, conn, added)
}

// Disconnect stops the connection loop and waits for it to exit
func (m *Manager) Disconnect() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	cancel, done := m.cancel, m.done
	m.runMu.Unlock()

	m.setState(types.Closing)
	if conn := m.currentConn(); conn != nil {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			m.logger.Debug("close frame not sent", zap.Error(err))
		}
	}
	cancel()
	<-done

	m.transition(types.Closing, types.Disconnected)
	m.logger.Info("disconnected")
}

func (m *Manager) currentConn() *websocket.Conn {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	return m.conn
}

func (m *Manager) setConn(conn *websocket.Conn) {
	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()
}

// run is the reconnect loop
func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer func() {
		// allow a later Connect when the parent context ended on its own
		m.runMu.Lock()
		if m.done == done {
			if m.cancel != nil {
				m.cancel()
			}
			m.running = false
			m.ctx = nil
			m.cancel = nil
		}
		m.runMu.Unlock()
		close(done)
	}()

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			timer := time.NewTimer(m.opts.ReconnectBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			m.metrics.Reconnects.Inc()
			m.healthMu.Lock()
			now := time.Now()
			m.health.Reconnects++
			m.health.ReconnectTime = &now
			m.healthMu.Unlock()
		}

		err := m.session(ctx)
		stopping := ctx.Err() != nil
		if stopping {
			err = fmt.Errorf("stopped: %w", context.Cause(ctx))
		}
		// every session end is reported, including an explicit stop
		if m.opts.OnDisconnect != nil {
			m.opts.OnDisconnect(err)
		}
		if stopping {
			return
		}
		m.incrementErrorCount()
		m.logger.Warn("connection lost, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", m.opts.ReconnectBackoff))
	}
}

// session dials, resubscribes and reads until the connection fails
func (m *Manager) session(ctx context.Context) error {
	if !m.transition(types.Disconnected, types.Connecting) {
		return fmt.Errorf("cannot connect from state %s", m.State())
	}
	sessionID := uuid.NewString()
	logger := m.logger.With(zap.String("session", sessionID))

	conn, _, err := m.dialer.DialContext(ctx, m.opts.URL, nil)
	if err != nil {
		m.transition(types.Connecting, types.Disconnected)
		return fmt.Errorf("websocket connection failed: %w", err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessCtx.Done()
		conn.Close()
	}()

	m.setConn(conn)
	defer func() {
		m.setConn(nil)
		if !m.transition(types.Connected, types.Disconnected) {
			m.transition(types.Connecting, types.Disconnected)
		}
	}()

	if m.opts.ReadTimeout > 0 {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout))
		})
	}

	if err := m.resubscribe(sessCtx, conn); err != nil {
		return err
	}
	m.healthMu.Lock()
	m.health.SessionID = sessionID
	m.healthMu.Unlock()
	logger.Info("websocket connected", zap.String("url", m.opts.URL), zap.Int("subscribed", m.subscribedCount()))
	if m.opts.OnConnect != nil {
		m.opts.OnConnect(sessionID)
	}

	if m.opts.PingInterval > 0 {
		go m.pingLoop(sessCtx, conn)
	}

	for {
		if m.opts.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout))
		}
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("websocket read: %w", err)
		}
		m.healthMu.Lock()
		m.health.MessageCount++
		m.health.LastMessage = time.Now()
		m.healthMu.Unlock()

		m.handler(frame)
	}
}

// resubscribe marks the manager connected and resends the whole
// subscription set. Holding sendMu across both steps means a concurrent
// UpdateSubscriptions either sees Connecting (and its ids are included
// here) or waits and sends after the full set.
func (m *Manager) resubscribe(ctx context.Context, conn *websocket.Conn) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	if !m.transition(types.Connecting, types.Connected) {
		return fmt.Errorf("connection aborted in state %s", m.State())
	}
	return m.sendChunks(ctx, conn, m.Subscriptions())
}

// sendChunks writes ids in frames of at most ChunkSize, pausing ChunkDelay
// between frames. Must be called with sendMu held.
func (m *Manager) sendChunks(ctx context.Context, conn *websocket.Conn, ids []types.AssetID) error {
	for i, chunk := range Chunk(ids, m.opts.ChunkSize) {
		if i > 0 && m.opts.ChunkDelay > 0 {
			timer := time.NewTimer(m.opts.ChunkDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		frame := []SubscribeRequest{{Type: "market", AssetsIDs: chunk}}
		if err := m.writeJSON(conn, frame); err != nil {
			return fmt.Errorf("failed to subscribe: %w", err)
		}
		m.metrics.SubscribeFrames.Inc()
		m.logger.Debug("subscription chunk sent", zap.Int("chunk", i), zap.Int("assets", len(chunk)))
	}
	return nil
}

func (m *Manager) writeJSON(conn *websocket.Conn, v any) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if m.opts.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
	}
	return conn.WriteJSON(v)
}

// pingLoop sends keepalive pings until ctx ends or a write fails
func (m *Manager) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(m.opts.PingInterval)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				m.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (m *Manager) incrementErrorCount() {
	m.healthMu.Lock()
	m.health.ErrorCount++
	m.healthMu.Unlock()
}

// Chunk splits ids into consecutive slices of at most size elements
func Chunk(ids []types.AssetID, size int) [][]types.AssetID {
	if size <= 0 {
		size = defaultChunkSize
	}
	chunks := make([][]types.AssetID, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}
