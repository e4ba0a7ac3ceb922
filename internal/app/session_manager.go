// Package app wires the gateway's components together and owns the
// concurrent session table (C5).
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/sttgateway/gateway/internal/delivery"
	"github.com/sttgateway/gateway/internal/observe"
	"github.com/sttgateway/gateway/internal/ringbuffer"
	"github.com/sttgateway/gateway/internal/segmentation"
	"github.com/sttgateway/gateway/pkg/types"
)

// Defaults for the TURN_END drain protocol, overridable via
// [SessionManagerConfig].
const (
	DefaultDrainIdleInterval = 500 * time.Millisecond
	DefaultDrainMaxWait      = 25 * time.Second
)

// ClientSink is the outbound half of the client transport contract (see
// spec §6): turnReady, delivery, deliveryEnd, eventResponse.
type ClientSink interface {
	TurnReady(sessionID string)
	Delivery(d types.Delivery)
	DeliveryEnd(sessionID string)
	EventResponse(sessionID string)
}

// EpdSender is the subset of [internal/epd.Client] the session manager
// needs: fire-and-forget chunk forwarding over the shared EPD connection.
type EpdSender interface {
	Send(sessionID string, chunk []byte)
}

// WorkEnqueuer is the subset of [internal/dispatch.Dispatcher] the session
// manager drives directly.
type WorkEnqueuer interface {
	Enqueue(item types.WorkItem)
	FlushSession(ctx context.Context, sessionID string)
}

// SessionManagerConfig holds the session manager's dependencies and tuning.
type SessionManagerConfig struct {
	Epd        EpdSender
	Dispatcher WorkEnqueuer

	FSMConfig  segmentation.Config
	ChunkBytes int

	DrainIdleInterval time.Duration
	DrainMaxWait      time.Duration

	// Metrics records session-table instruments (active sessions, ring
	// buffer bytes resident, EPD round-trip latency, delivery holes
	// skipped) and traces each EPD round trip. Optional.
	Metrics *observe.Metrics
}

func (c SessionManagerConfig) withDefaults() SessionManagerConfig {
	if c.DrainIdleInterval <= 0 {
		c.DrainIdleInterval = DefaultDrainIdleInterval
	}
	if c.DrainMaxWait <= 0 {
		c.DrainMaxWait = DefaultDrainMaxWait
	}
	return c
}

// session is one active STT session's full per-session state. Access is
// serialized by mu: at most one of on_chunk/on_epd/drain mutates a given
// session at a time, per the concurrency model.
type session struct {
	mu          sync.Mutex
	id          string
	sink        ClientSink
	ring        *ringbuffer.RingBuffer
	fsm         *segmentation.FSM
	reassembler *delivery.Reassembler
	nextSeq     int64

	// lastChunkAt and epdSpan track the in-flight EPD round trip: the span
	// opens at the first chunk since the last EPD event, lastChunkAt holds
	// the most recent chunk's time, and the next EPD event closes both.
	lastChunkAt time.Time
	epdSpan     trace.Span
}

// SessionManager owns the concurrent table of active sessions. The zero
// value is not usable; use [NewSessionManager].
type SessionManager struct {
	cfg SessionManagerConfig

	mu       sync.Mutex
	sessions map[string]*session
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	return &SessionManager{
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*session),
	}
}

// Start generates a fresh session id, installs empty per-session state, and
// replies to the client with a "ready" notification bearing the id.
func (sm *SessionManager) Start(sink ClientSink) string {
	id := uuid.NewString()
	s := &session{
		id:   id,
		sink: sink,
		ring: ringbuffer.New(sm.cfg.ChunkBytes),
		fsm:  segmentation.New(sm.cfg.FSMConfig),
	}
	s.reassembler = delivery.New(id, func(d types.Delivery) { sink.Delivery(d) })

	sm.mu.Lock()
	sm.sessions[id] = s
	sm.mu.Unlock()

	if sm.cfg.Metrics != nil {
		sm.cfg.Metrics.ActiveSessions.Add(context.Background(), 1)
	}

	slog.Info("session started", "session_id", id)
	sink.TurnReady(id)
	return id
}

// OnChunk appends an inbound audio chunk to the session's ring buffer and
// forwards it to the EPD connection. n_chunks is not incremented here — it
// is advanced only by the EPD event stream, making EPD the authority on
// segmentation time. Unknown sessions are silently dropped.
func (sm *SessionManager) OnChunk(sessionID string, pcm []byte) {
	s := sm.get(sessionID)
	if s == nil {
		return
	}

	s.mu.Lock()
	s.ring.Append(pcm)
	s.lastChunkAt = time.Now()
	if s.epdSpan == nil {
		_, s.epdSpan = observe.StartSpan(context.Background(), "sttgateway.epd_round_trip")
	}
	s.mu.Unlock()

	if sm.cfg.Metrics != nil {
		sm.cfg.Metrics.RingBufferBytesResident.Add(context.Background(), int64(len(pcm)))
	}

	sm.cfg.Epd.Send(sessionID, pcm)
}

// OnEPD routes one EPD status event to its session's segmentation FSM and
// enqueues any work items it produces, assigning each the session's next
// sequence number. Events for unknown sessions are dropped.
func (sm *SessionManager) OnEPD(ev types.EPDEvent) {
	s := sm.get(ev.SessionID)
	if s == nil {
		return
	}

	s.mu.Lock()
	enqueued := s.fsm.Handle(ev.Status)
	items := make([]types.WorkItem, 0, len(enqueued))
	for _, e := range enqueued {
		items = append(items, types.WorkItem{
			SessionID: s.id,
			Sequence:  s.nextSeq,
			Start:     e.Start,
			End:       e.End,
			IsFinal:   e.IsFinal,
		})
		s.nextSeq++
	}
	lastChunkAt := s.lastChunkAt
	span := s.epdSpan
	s.epdSpan = nil
	s.mu.Unlock()

	if span != nil {
		span.End()
	}
	if sm.cfg.Metrics != nil && !lastChunkAt.IsZero() {
		sm.cfg.Metrics.EpdRoundTrip.Record(context.Background(), time.Since(lastChunkAt).Seconds())
	}

	for _, item := range items {
		sm.cfg.Dispatcher.Enqueue(item)
	}
}

// End runs the TURN_END drain protocol and cleans up the session.
// eventResponse is emitted immediately as TURN_END's echo; deliveryEnd
// follows once drain completes, which may take up to two DrainMaxWait
// windows in the worst case (EPD quiescence, then delivery quiescence).
func (sm *SessionManager) End(ctx context.Context, sessionID string) {
	s := sm.get(sessionID)
	if s == nil {
		return
	}

	s.sink.EventResponse(sessionID)

	sm.awaitEPDQuiescence(ctx, s)
	sm.enqueueLeftoverFinal(s)
	sm.cfg.Dispatcher.FlushSession(ctx, sessionID)
	sm.awaitDeliveryQuiescence(ctx, s)

	s.sink.DeliveryEnd(sessionID)
	sm.Cleanup(sessionID)
}

// enqueueLeftoverFinal enqueues one final work item covering [start,
// n_chunks) when EPD quiescence is reached and that range spans more than
// one chunk, per drain step 2. The FSM's open-utterance flag is not checked.
func (sm *SessionManager) enqueueLeftoverFinal(s *session) {
	s.mu.Lock()
	state := s.fsm.State()
	var item types.WorkItem
	var hasItem bool
	if state.NChunks-state.Start > 1 {
		item = types.WorkItem{
			SessionID: s.id,
			Sequence:  s.nextSeq,
			Start:     state.Start,
			End:       state.NChunks,
			IsFinal:   true,
		}
		s.nextSeq++
		hasItem = true
	}
	s.mu.Unlock()

	if hasItem {
		sm.cfg.Dispatcher.Enqueue(item)
	}
}

// awaitEPDQuiescence polls n_chunks at DrainIdleInterval; once it holds
// steady across one interval, EPD is considered drained. Caps total wait at
// DrainMaxWait.
func (sm *SessionManager) awaitEPDQuiescence(ctx context.Context, s *session) {
	deadline := time.Now().Add(sm.cfg.DrainMaxWait)
	ticker := time.NewTicker(sm.cfg.DrainIdleInterval)
	defer ticker.Stop()

	s.mu.Lock()
	last := s.fsm.State().NChunks
	s.mu.Unlock()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		cur := s.fsm.State().NChunks
		s.mu.Unlock()

		if cur == last {
			return
		}
		last = cur
	}
}

// awaitDeliveryQuiescence polls the reassembler's pending set until it
// empties, or skips any remaining holes once DrainMaxWait is exceeded —
// the "best-effort delivery" policy from the error taxonomy.
func (sm *SessionManager) awaitDeliveryQuiescence(ctx context.Context, s *session) {
	deadline := time.Now().Add(sm.cfg.DrainMaxWait)
	ticker := time.NewTicker(sm.cfg.DrainIdleInterval)
	defer ticker.Stop()

	for s.reassembler.Pending() {
		if !time.Now().Before(deadline) {
			sm.recordHolesSkipped(s.reassembler.SkipHoles())
			return
		}

		select {
		case <-ctx.Done():
			sm.recordHolesSkipped(s.reassembler.SkipHoles())
			return
		case <-ticker.C:
		}
	}
}

func (sm *SessionManager) recordHolesSkipped(n int64) {
	if n > 0 && sm.cfg.Metrics != nil {
		sm.cfg.Metrics.DeliveryHolesSkipped.Add(context.Background(), n)
	}
}

// Cleanup erases all per-session state. Safe to call even if the session
// has already been cleaned up.
func (sm *SessionManager) Cleanup(sessionID string) {
	sm.mu.Lock()
	_, existed := sm.sessions[sessionID]
	delete(sm.sessions, sessionID)
	sm.mu.Unlock()

	if existed && sm.cfg.Metrics != nil {
		sm.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)
	}

	slog.Info("session cleaned up", "session_id", sessionID)
}

// ReadPCM materializes the PCM bytes for a work item's [start, end) range
// from the owning session's ring buffer. Wired into
// [internal/dispatch.Config.ReadPCM]. An unknown session is reported the
// same as a buffer range miss, since both mean "nothing left to deliver".
func (sm *SessionManager) ReadPCM(sessionID string, start, end int64) ([]byte, error) {
	s := sm.get(sessionID)
	if s == nil {
		return nil, fmt.Errorf("session manager: unknown session %q", sessionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.ReadRange(start, end)
}

// TruncateSession discards ring buffer bytes before chunk end, called once a
// final work item for that range has been read by the dispatcher. Wired
// into [internal/dispatch.Config.Truncate].
func (sm *SessionManager) TruncateSession(sessionID string, end int64) {
	s := sm.get(sessionID)
	if s == nil {
		return
	}
	s.mu.Lock()
	dropped := s.ring.TruncateUntil(end)
	s.mu.Unlock()

	if dropped > 0 && sm.cfg.Metrics != nil {
		sm.cfg.Metrics.RingBufferBytesResident.Add(context.Background(), -dropped)
	}
}

// Lookup resolves a session id to its delivery reassembler. Wired into
// [internal/dispatch.Config.Lookup].
func (sm *SessionManager) Lookup(sessionID string) (*delivery.Reassembler, bool) {
	s := sm.get(sessionID)
	if s == nil {
		return nil, false
	}
	return s.reassembler, true
}

// ActiveSessions reports the number of sessions currently tracked. Used by
// observability (active-session gauge).
func (sm *SessionManager) ActiveSessions() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

func (sm *SessionManager) get(sessionID string) *session {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.sessions[sessionID]
}
