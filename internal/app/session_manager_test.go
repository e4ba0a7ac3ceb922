package app_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sttgateway/gateway/internal/app"
	"github.com/sttgateway/gateway/pkg/types"
)

type fakeSink struct {
	mu            sync.Mutex
	turnReady     []string
	delivered     []types.Delivery
	deliveryEnd   []string
	eventResponse []string
}

func (f *fakeSink) TurnReady(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turnReady = append(f.turnReady, id)
}

func (f *fakeSink) Delivery(d types.Delivery) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, d)
}

func (f *fakeSink) DeliveryEnd(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveryEnd = append(f.deliveryEnd, id)
}

func (f *fakeSink) EventResponse(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eventResponse = append(f.eventResponse, id)
}

type sentChunk struct {
	sessionID string
	chunk     []byte
}

type fakeEpd struct {
	mu   sync.Mutex
	sent []sentChunk
}

func (f *fakeEpd) Send(sessionID string, chunk []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentChunk{sessionID, chunk})
}

type fakeDispatcher struct {
	mu       sync.Mutex
	enqueued []types.WorkItem
	flushed  []string
}

func (f *fakeDispatcher) Enqueue(item types.WorkItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, item)
}

func (f *fakeDispatcher) FlushSession(ctx context.Context, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed = append(f.flushed, sessionID)
}

func newTestSessionManager() (*app.SessionManager, *fakeEpd, *fakeDispatcher) {
	epdC := &fakeEpd{}
	dispatcher := &fakeDispatcher{}
	sm := app.NewSessionManager(app.SessionManagerConfig{
		Epd:               epdC,
		Dispatcher:        dispatcher,
		DrainIdleInterval: 2 * time.Millisecond,
		DrainMaxWait:      20 * time.Millisecond,
	})
	return sm, epdC, dispatcher
}

func TestStartAssignsIDAndNotifiesReady(t *testing.T) {
	sm, _, _ := newTestSessionManager()
	sink := &fakeSink{}

	id := sm.Start(sink)
	if id == "" {
		t.Fatal("expected non-empty session id")
	}
	if len(sink.turnReady) != 1 || sink.turnReady[0] != id {
		t.Fatalf("turnReady = %v, want [%s]", sink.turnReady, id)
	}
}

func TestOnChunkAppendsToRingBufferAndForwardsToEpd(t *testing.T) {
	sm, epdC, _ := newTestSessionManager()
	id := sm.Start(&fakeSink{})

	chunk := make([]byte, 3200)
	sm.OnChunk(id, chunk)

	if len(epdC.sent) != 1 || epdC.sent[0].sessionID != id {
		t.Fatalf("sent = %v, want one chunk for %s", epdC.sent, id)
	}

	pcm, err := sm.ReadPCM(id, 0, 1)
	if err != nil {
		t.Fatalf("ReadPCM: %v", err)
	}
	if len(pcm) != 3200 {
		t.Fatalf("len(pcm) = %d, want 3200", len(pcm))
	}
}

func TestOnChunkUnknownSessionIsDropped(t *testing.T) {
	sm, epdC, _ := newTestSessionManager()
	sm.OnChunk("nonexistent", make([]byte, 3200))

	if len(epdC.sent) != 0 {
		t.Fatalf("sent = %v, want none for an unknown session", epdC.sent)
	}
}

func TestOnEPDEnqueuesWorkWithSequentialSequence(t *testing.T) {
	sm, _, dispatcher := newTestSessionManager()
	id := sm.Start(&fakeSink{})

	feed := func(statuses ...types.EPDStatus) {
		for _, s := range statuses {
			sm.OnEPD(types.EPDEvent{SessionID: id, Status: s})
		}
	}

	// Pre-roll scenario from the segmentation table: speech, then enough
	// waiting frames to roll past STEP without closing the utterance,
	// producing one partial.
	feed(types.EPDSpeech)
	for i := 0; i < 5; i++ {
		feed(types.EPDWaiting)
	}
	feed(types.EPDSpeech)

	if len(dispatcher.enqueued) != 1 {
		t.Fatalf("enqueued = %+v, want exactly one work item", dispatcher.enqueued)
	}
	if dispatcher.enqueued[0].Sequence != 0 {
		t.Fatalf("Sequence = %d, want 0", dispatcher.enqueued[0].Sequence)
	}
	if dispatcher.enqueued[0].SessionID != id {
		t.Fatalf("SessionID = %q, want %q", dispatcher.enqueued[0].SessionID, id)
	}

	feed(types.EPDEnd)
	if len(dispatcher.enqueued) != 2 {
		t.Fatalf("enqueued = %+v, want two work items after END", dispatcher.enqueued)
	}
	if dispatcher.enqueued[1].Sequence != 1 {
		t.Fatalf("Sequence = %d, want 1", dispatcher.enqueued[1].Sequence)
	}
	if !dispatcher.enqueued[1].IsFinal {
		t.Fatal("expected the END-triggered item to be final")
	}
}

func TestOnEPDUnknownSessionIsDropped(t *testing.T) {
	sm, _, dispatcher := newTestSessionManager()
	sm.OnEPD(types.EPDEvent{SessionID: "nonexistent", Status: types.EPDSpeech})

	if len(dispatcher.enqueued) != 0 {
		t.Fatalf("enqueued = %v, want none for an unknown session", dispatcher.enqueued)
	}
}

func TestEndEmitsEventResponseAndFlushesDispatcher(t *testing.T) {
	sm, _, dispatcher := newTestSessionManager()
	sink := &fakeSink{}
	id := sm.Start(sink)

	sm.End(context.Background(), id)

	if len(sink.eventResponse) != 1 || sink.eventResponse[0] != id {
		t.Fatalf("eventResponse = %v, want [%s]", sink.eventResponse, id)
	}
	if len(dispatcher.flushed) != 1 || dispatcher.flushed[0] != id {
		t.Fatalf("flushed = %v, want [%s]", dispatcher.flushed, id)
	}
	if len(sink.deliveryEnd) != 1 || sink.deliveryEnd[0] != id {
		t.Fatalf("deliveryEnd = %v, want [%s]", sink.deliveryEnd, id)
	}
}

func TestEndEnqueuesLeftoverFinalWhenUtteranceOpen(t *testing.T) {
	sm, _, dispatcher := newTestSessionManager()
	id := sm.Start(&fakeSink{})

	// Open an utterance and advance the session clock without closing it.
	sm.OnEPD(types.EPDEvent{SessionID: id, Status: types.EPDSpeech})
	for i := 0; i < 3; i++ {
		sm.OnEPD(types.EPDEvent{SessionID: id, Status: types.EPDWaiting})
	}

	sm.End(context.Background(), id)

	var finals int
	for _, item := range dispatcher.enqueued {
		if item.IsFinal {
			finals++
		}
	}
	if finals != 1 {
		t.Fatalf("enqueued = %+v, want exactly one leftover final", dispatcher.enqueued)
	}
}

func TestEndSkipsHolesAfterDrainDeadlineExceeded(t *testing.T) {
	sm, _, _ := newTestSessionManager()
	sink := &fakeSink{}
	id := sm.Start(sink)

	r, ok := sm.Lookup(id)
	if !ok {
		t.Fatal("expected a reassembler for a just-started session")
	}
	// Sequence 0 never arrives (a dropped batch), leaving a hole that blocks
	// sequence 1 until the drain deadline's SkipHoles runs.
	r.Insert(1, types.Result{Text: "two"}, true)

	sm.End(context.Background(), id)

	if len(sink.deliveryEnd) != 1 {
		t.Fatalf("deliveryEnd = %v, want exactly one emission", sink.deliveryEnd)
	}
	if len(sink.delivered) != 1 || sink.delivered[0].Sequence != 1 {
		t.Fatalf("delivered = %+v, want seq 1 released via SkipHoles", sink.delivered)
	}
}

func TestCleanupRemovesSessionState(t *testing.T) {
	sm, _, _ := newTestSessionManager()
	id := sm.Start(&fakeSink{})

	sm.End(context.Background(), id)

	if _, ok := sm.Lookup(id); ok {
		t.Fatal("expected Lookup to fail after cleanup")
	}
	if _, err := sm.ReadPCM(id, 0, 1); err == nil {
		t.Fatal("expected ReadPCM to fail after cleanup")
	}
}

func TestActiveSessionsReflectsTable(t *testing.T) {
	sm, _, _ := newTestSessionManager()
	if sm.ActiveSessions() != 0 {
		t.Fatalf("ActiveSessions() = %d, want 0", sm.ActiveSessions())
	}

	idA := sm.Start(&fakeSink{})
	sm.Start(&fakeSink{})
	if sm.ActiveSessions() != 2 {
		t.Fatalf("ActiveSessions() = %d, want 2", sm.ActiveSessions())
	}

	sm.End(context.Background(), idA)
	if sm.ActiveSessions() != 1 {
		t.Fatalf("ActiveSessions() = %d, want 1 after ending one session", sm.ActiveSessions())
	}
}
