// Package epd implements the single process-wide duplex WebSocket client to
// the external End-Point-Detection engine (C2): it frames outbound
// [session_id‖pcm] chunks, demuxes inbound status frames to a callback, and
// transparently reconnects on disconnect.
package epd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/sttgateway/gateway/pkg/types"
)

// Default tuning, overridable via [Config].
const (
	DefaultReconnectInterval = 2 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	defaultMaxBackoff        = 30 * time.Second
)

// EventHandler is invoked once per inbound EPD status frame. It is called
// from the client's read goroutine — implementations must not block.
type EventHandler func(types.EPDEvent)

// Config configures a [Client].
type Config struct {
	// URL is the EPD WebSocket endpoint (e.g. "wss://epd.internal/stream").
	URL string

	// ReconnectInterval is the delay before the first reconnect attempt after
	// an unexpected disconnect. Doubles on each subsequent failure up to a
	// fixed ceiling. Defaults to [DefaultReconnectInterval].
	ReconnectInterval time.Duration

	// HeartbeatInterval is the period between keepalive pings on the
	// connection. Zero means [DefaultHeartbeatInterval]; a negative value
	// disables heartbeating.
	HeartbeatInterval time.Duration

	// OnEvent receives every decoded inbound status frame. Required.
	OnEvent EventHandler
}

// Client is the shared EPD connection. The zero value is not usable; use
// [New]. Safe for concurrent use: a mutex guards the current connection,
// which is swapped out transparently underneath callers on reconnect, and
// Send relies on the websocket connection's own write locking.
type Client struct {
	cfg Config

	mu       sync.Mutex
	conn     *websocket.Conn
	closed   bool
	closedCh chan struct{}

	wg sync.WaitGroup
}

// New creates a Client in the disconnected state. Call [Client.Connect] to
// dial.
func New(cfg Config) *Client {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Client{cfg: cfg, closedCh: make(chan struct{})}
}

// Connect dials the EPD endpoint and starts the read and heartbeat
// goroutines. Idempotent: calling it again while already connected is a
// no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	already := c.conn != nil
	c.mu.Unlock()
	if already {
		return nil
	}
	return c.dial(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("epd: dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(conn)
	if c.cfg.HeartbeatInterval > 0 {
		c.wg.Add(1)
		go c.heartbeatLoop(conn)
	}
	return nil
}

// Send transmits a single binary frame: the session id's 16 raw bytes
// followed by the PCM chunk verbatim. Fails silently if the connection is
// not currently open — callers are not expected to retry; the FSM simply
// observes one fewer EPD event.
func (c *Client) Send(sessionID string, chunk []byte) {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		slog.Warn("epd: send with malformed session id", "session_id", sessionID, "error", err)
		return
	}
	raw, err := id.MarshalBinary()
	if err != nil {
		return
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	frame := make([]byte, 0, len(raw)+len(chunk))
	frame = append(frame, raw...)
	frame = append(frame, chunk...)

	if err := conn.Write(context.Background(), websocket.MessageBinary, frame); err != nil {
		slog.Debug("epd: send failed, dropping chunk", "session_id", sessionID, "error", err)
	}
}

// Connected reports whether the client currently holds an open connection to
// the EPD engine. Used by the health check endpoint.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close shuts down the client permanently. After Close, disconnects are not
// followed by reconnect attempts.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	close(c.closedCh)
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	c.wg.Wait()
	return nil
}

// inboundFrame is the JSON shape of an EPD status frame.
type inboundFrame struct {
	SessionID   string   `json:"session_id"`
	Status      int      `json:"status"`
	SpeechScore *float64 `json:"speech_score"`
}

// readLoop reads JSON status frames until the connection fails, then — unless
// the client was explicitly closed — schedules a reconnect with exponential
// backoff.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, msg, err := conn.Read(context.Background())
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		ev, ok := parseInboundFrame(msg)
		if !ok {
			continue
		}
		c.cfg.OnEvent(ev)
	}
}

// parseInboundFrame decodes one JSON status frame. Returns ok=false on a
// protocol violation (malformed JSON or a missing session id), after logging
// it; the caller discards the frame.
func parseInboundFrame(msg []byte) (types.EPDEvent, bool) {
	var f inboundFrame
	if err := sonic.Unmarshal(msg, &f); err != nil {
		slog.Warn("epd: protocol violation, discarding frame", "error", err)
		return types.EPDEvent{}, false
	}
	if f.SessionID == "" {
		slog.Warn("epd: frame missing session id, discarding")
		return types.EPDEvent{}, false
	}

	score := 0.0
	if f.SpeechScore != nil {
		score = *f.SpeechScore
	}
	return types.EPDEvent{
		SessionID:   f.SessionID,
		Status:      types.EPDStatus(f.Status),
		SpeechScore: score,
	}, true
}

// heartbeatLoop sends periodic pings to keep the connection alive. Ping
// failure is treated the same as a read failure: it triggers the disconnect
// path, which the read goroutine will also observe and report.
func (c *Client) heartbeatLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closedCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HeartbeatInterval)
			err := conn.Ping(ctx)
			cancel()
			if err != nil {
				slog.Debug("epd: heartbeat ping failed", "error", err)
				return
			}
		}
	}
}

// handleDisconnect clears the current connection and, unless the client was
// explicitly closed, schedules a reconnect.
func (c *Client) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	closed := c.closed
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	if closed {
		return
	}
	slog.Warn("epd: connection lost, reconnecting", "error", cause)
	go c.reconnectLoop()
}

// reconnectLoop retries the dial with exponential backoff starting at
// cfg.ReconnectInterval, capped at 30s, until it succeeds or the client is
// closed. Each attempt waits on a [rate.Limiter] reconfigured to the current
// backoff interval rather than a bare time.After, so the same pacing
// primitive used for heartbeat-adjacent throttling governs reconnects too.
func (c *Client) reconnectLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.closedCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	backoff := c.cfg.ReconnectInterval
	for attempt := 1; ; attempt++ {
		limiter := rate.NewLimiter(rate.Every(backoff), 1)
		limiter.Allow() // consume the initial burst token so Wait actually blocks
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		if err := c.dial(context.Background()); err != nil {
			slog.Warn("epd: reconnect attempt failed", "attempt", attempt, "error", err)
			backoff *= 2
			if backoff > defaultMaxBackoff {
				backoff = defaultMaxBackoff
			}
			continue
		}

		slog.Info("epd: reconnected", "attempt", attempt)
		return
	}
}
