// Package transport implements the client-facing duplex message channel
// described in spec §6: inbound eventRequest/audioStream messages drive
// session lifecycle and audio ingest; outbound turnReady/delivery/
// deliveryEnd/eventResponse messages report back to the client. The wire
// envelope is JSON-over-WebSocket, following the same duplex idiom as
// internal/epd's connection to the EPD engine but with a JSON message
// envelope instead of EPD's raw binary frame.
//
// One [Conn] corresponds to one physical client connection. A single
// connection MAY multiplex several concurrent sessions — eventRequest and
// audioStream both carry an explicit session id once a session exists, so
// nothing here assumes a 1:1 connection-to-session mapping.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/sttgateway/gateway/internal/app"
	"github.com/sttgateway/gateway/pkg/types"
)

// Event codes carried by inbound eventRequest messages, per spec §6.
const (
	EventTurnStart = 10
	EventPause     = 11
	EventResume    = 12
	EventTurnEnd   = 13
)

// Controller is the subset of [internal/app.SessionManager] a Conn drives.
// Defined as an interface here so transport tests don't need a real
// SessionManager.
type Controller interface {
	Start(sink app.ClientSink) string
	OnChunk(sessionID string, pcm []byte)
	End(ctx context.Context, sessionID string)
}

// inbound is the envelope for every message read from the client. Exactly
// one of the type-specific fields is meaningful, selected by Type.
type inbound struct {
	Type      string `json:"type"`
	Event     int    `json:"event,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Content   string `json:"content,omitempty"`
	TTSStatus *int   `json:"ttsStatus,omitempty"`
}

// outbound is the envelope for every message written to the client.
type outbound struct {
	Type        string        `json:"type"`
	SessionID   string        `json:"sessionId"`
	Result      *types.Result `json:"result,omitempty"`
	End         *int          `json:"end,omitempty"`
}

// Conn serves one client connection: it decodes inbound messages and drives
// the Controller, and implements [app.ClientSink] to encode outbound messages
// back onto the same connection. Safe for concurrent use; writes are
// serialized behind writeMu.
type Conn struct {
	ws         *websocket.Conn
	controller Controller

	writeMu sync.Mutex

	sessionMu sync.Mutex
	sessions  map[string]struct{}
}

// New wraps an already-accepted WebSocket connection.
func New(ws *websocket.Conn, controller Controller) *Conn {
	return &Conn{ws: ws, controller: controller, sessions: make(map[string]struct{})}
}

// Serve reads inbound messages until the connection closes or ctx is
// cancelled. It returns the terminal read error (nil on clean closure).
// Per spec §5, client disconnect is an implicit TURN_END for every session
// this connection still owns — endOwnedSessions runs the drain protocol for
// each one before Serve returns.
func (c *Conn) Serve(ctx context.Context) error {
	defer c.endOwnedSessions()

	for {
		_, msg, err := c.ws.Read(ctx)
		if err != nil {
			var closeErr websocket.CloseError
			if errors.As(err, &closeErr) {
				return nil
			}
			return err
		}
		c.handle(ctx, msg)
	}
}

// endOwnedSessions ends every session this connection started that hasn't
// already gone through an explicit TURN_END. Uses a fresh background
// context since ctx may already be cancelled by the time Serve returns, and
// the drain protocol must still run to completion.
func (c *Conn) endOwnedSessions() {
	c.sessionMu.Lock()
	remaining := c.sessions
	c.sessions = make(map[string]struct{})
	c.sessionMu.Unlock()

	for id := range remaining {
		slog.Info("transport: connection closed, ending owned session", "session_id", id)
		c.controller.End(context.Background(), id)
	}
}

// handle decodes and dispatches one inbound frame. A malformed frame is a
// protocol violation per the error taxonomy: logged and discarded, the
// connection stays open.
func (c *Conn) handle(ctx context.Context, msg []byte) {
	var m inbound
	if err := json.Unmarshal(msg, &m); err != nil {
		slog.Warn("transport: protocol violation, discarding frame", "error", err)
		return
	}

	switch m.Type {
	case "eventRequest":
		c.handleEventRequest(ctx, m)
	case "audioStream":
		c.handleAudioStream(m)
	default:
		slog.Warn("transport: unknown message type, discarding", "type", m.Type)
	}
}

func (c *Conn) handleEventRequest(ctx context.Context, m inbound) {
	switch m.Event {
	case EventTurnStart:
		id := c.controller.Start(c)
		c.sessionMu.Lock()
		c.sessions[id] = struct{}{}
		c.sessionMu.Unlock()
	case EventTurnEnd:
		if m.SessionID == "" {
			slog.Warn("transport: TURN_END without a session id, discarding")
			return
		}
		c.sessionMu.Lock()
		delete(c.sessions, m.SessionID)
		c.sessionMu.Unlock()
		c.controller.End(ctx, m.SessionID)
	case EventPause, EventResume:
		// No-ops in the core per spec §6.
	default:
		slog.Warn("transport: unknown event code, discarding", "event", m.Event)
	}
}

func (c *Conn) handleAudioStream(m inbound) {
	if m.SessionID == "" {
		slog.Warn("transport: audioStream without a session id, discarding")
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(m.Content)
	if err != nil {
		slog.Warn("transport: protocol violation, bad audio content", "session_id", m.SessionID, "error", err)
		return
	}
	// ttsStatus is intentionally ignored, per spec §6.
	c.controller.OnChunk(m.SessionID, pcm)
}

// TurnReady implements [app.ClientSink].
func (c *Conn) TurnReady(sessionID string) {
	c.write(outbound{Type: "turnReady", SessionID: sessionID})
}

// Delivery implements [app.ClientSink].
func (c *Conn) Delivery(d types.Delivery) {
	end := 0
	if d.IsFinal {
		end = 1
	}
	res := d.Result
	c.write(outbound{Type: "delivery", SessionID: d.SessionID, Result: &res, End: &end})
}

// DeliveryEnd implements [app.ClientSink].
func (c *Conn) DeliveryEnd(sessionID string) {
	c.write(outbound{Type: "deliveryEnd", SessionID: sessionID})
}

// EventResponse implements [app.ClientSink].
func (c *Conn) EventResponse(sessionID string) {
	c.write(outbound{Type: "eventResponse", SessionID: sessionID})
}

func (c *Conn) write(o outbound) {
	data, err := json.Marshal(o)
	if err != nil {
		slog.Warn("transport: failed to encode outbound message", "type", o.Type, "error", err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(context.Background(), websocket.MessageText, data); err != nil {
		slog.Debug("transport: write failed, client likely disconnected", "type", o.Type, "error", err)
	}
}
