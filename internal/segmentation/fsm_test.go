package segmentation

import (
	"testing"

	"github.com/sttgateway/gateway/pkg/types"
)

// feed drives the FSM through a literal trace of EPD statuses, collecting
// every enqueued work item in event order.
func feed(f *FSM, statuses ...types.EPDStatus) []Enqueued {
	var all []Enqueued
	for _, s := range statuses {
		all = append(all, f.Handle(s)...)
	}
	return all
}

// TestPreRollScenario reproduces scenario 1 from the testable-properties
// trace: chunks 1..10 with statuses W,W,W,S,S,S,S,S,S,S (STEP=5, LONG=50,
// PRE=4). A step partial fires at chunk 9 (9-4=5 chunks since open); the
// leftover TURN_END final is emitted by the caller, not the FSM, so it is
// exercised by the session manager's drain protocol test instead.
func TestPreRollScenario(t *testing.T) {
	f := New(Config{})
	got := feed(f,
		types.EPDWaiting, types.EPDWaiting, types.EPDWaiting,
		types.EPDSpeech, types.EPDSpeech, types.EPDSpeech, types.EPDSpeech, types.EPDSpeech, types.EPDSpeech, types.EPDSpeech,
	)

	if len(got) != 1 {
		t.Fatalf("enqueued = %v, want exactly one step partial", got)
	}
	if got[0] != (Enqueued{Start: 0, End: 9, IsFinal: false}) {
		t.Fatalf("partial = %+v, want {Start:0 End:9 IsFinal:false}", got[0])
	}

	st := f.State()
	if st.Start != 0 || st.LastChunk != 9 || !st.Flag || st.NChunks != 10 {
		t.Fatalf("state after trace = %+v", st)
	}
}

// TestLongPauseFinal reproduces scenario 3: 55 consecutive EPD_SPEECH events
// followed by one EPD_PAUSE. n_chunks-start = 56 > LONG(50) so the pause
// closes the utterance with a final and resets start/end to 56.
func TestLongPauseFinal(t *testing.T) {
	f := New(Config{})
	statuses := make([]types.EPDStatus, 55)
	for i := range statuses {
		statuses[i] = types.EPDSpeech
	}
	feed(f, statuses...)

	got := feed(f, types.EPDPause)
	if len(got) != 1 || !got[0].IsFinal || got[0].Start != 0 || got[0].End != 56 {
		t.Fatalf("final = %v, want exactly one final {0,56}", got)
	}

	st := f.State()
	if st.Start != 56 || st.End != 56 || st.Flag || st.Recognized {
		t.Fatalf("state after long-pause final = %+v", st)
	}
}

// TestTwoUtterancesInOneTurn reproduces scenario 4's shape: speech, an
// explicit end, then more speech, then another end. Exactly two finals must
// be enqueued, sequenced in emission order.
func TestTwoUtterancesInOneTurn(t *testing.T) {
	f := New(Config{})
	var finals []Enqueued

	statuses := make([]types.EPDStatus, 10)
	for i := range statuses {
		statuses[i] = types.EPDSpeech
	}
	for _, e := range feed(f, statuses...) {
		if e.IsFinal {
			finals = append(finals, e)
		}
	}
	for _, e := range feed(f, types.EPDEnd) {
		if e.IsFinal {
			finals = append(finals, e)
		}
	}
	for _, e := range feed(f, statuses...) {
		if e.IsFinal {
			finals = append(finals, e)
		}
	}
	for _, e := range feed(f, types.EPDEnd) {
		if e.IsFinal {
			finals = append(finals, e)
		}
	}

	if len(finals) != 2 {
		t.Fatalf("finals = %v, want exactly two", finals)
	}
	if finals[0].Start >= finals[1].Start || finals[0].End >= finals[1].End {
		t.Fatalf("finals out of order: %+v then %+v", finals[0], finals[1])
	}
}

// TestDegenerateUtteranceSuppressed covers the boundary behavior: a session
// whose FSM flips SPEECH once then EPD_END with end-start==1 emits zero work
// items.
func TestDegenerateUtteranceSuppressed(t *testing.T) {
	f := New(Config{})
	got := feed(f, types.EPDSpeech, types.EPDEnd)
	if len(got) != 0 {
		t.Fatalf("enqueued = %v, want none for a single-chunk utterance", got)
	}
}

// TestNoSpeechEmitsNoWork covers the boundary behavior: a session that
// receives no EPD_SPEECH emits zero STT work items.
func TestNoSpeechEmitsNoWork(t *testing.T) {
	f := New(Config{})
	got := feed(f, types.EPDWaiting, types.EPDWaiting, types.EPDPause, types.EPDTimeout)
	if len(got) != 0 {
		t.Fatalf("enqueued = %v, want none", got)
	}
}

// TestInvariantsHoldAfterEveryEvent asserts 0 <= start <= end <= n_chunks
// across a mixed trace of every status code.
func TestInvariantsHoldAfterEveryEvent(t *testing.T) {
	f := New(Config{})
	trace := []types.EPDStatus{
		types.EPDWaiting, types.EPDSpeech, types.EPDSpeech, types.EPDSpeech,
		types.EPDSpeech, types.EPDSpeech, types.EPDSpeech, types.EPDPause,
		types.EPDSpeech, types.EPDEnd, types.EPDSpeech, types.EPDSpeech,
		types.EPDTimeout, types.EPDMaxTimeout, types.EPDNone,
	}
	for _, status := range trace {
		f.Handle(status)
		st := f.State()
		if !(0 <= st.Start && st.Start <= st.End && st.End <= st.NChunks) {
			t.Fatalf("invariant broken after status %v: %+v", status, st)
		}
	}
}

// TestShortPauseMarksRecognizedUntilNextSpeech covers the recognized latch:
// once a short pause emits a partial, subsequent pauses are no-ops until the
// next EPD_SPEECH clears recognized.
func TestShortPauseMarksRecognizedUntilNextSpeech(t *testing.T) {
	f := New(Config{})
	feed(f, types.EPDSpeech, types.EPDSpeech, types.EPDSpeech)

	got := feed(f, types.EPDPause)
	if len(got) != 1 || got[0].IsFinal {
		t.Fatalf("first pause = %v, want exactly one partial", got)
	}
	if !f.State().Recognized {
		t.Fatal("recognized should be true after short-pause partial")
	}

	got = feed(f, types.EPDPause, types.EPDPause)
	if len(got) != 0 {
		t.Fatalf("repeated pauses while recognized = %v, want none", got)
	}

	feed(f, types.EPDSpeech)
	if f.State().Recognized {
		t.Fatal("recognized should clear on next EPD_SPEECH")
	}
}

// TestUnknownSessionsAreOutOfScope documents that routing EPD events for
// unknown sessions is the session manager's responsibility (dropped before
// reaching any FSM instance); the FSM itself has no notion of "unknown".
func TestUnknownSessionsAreOutOfScope(t *testing.T) {
	t.Skip("enforced by the session manager's on_epd routing, not the FSM")
}
