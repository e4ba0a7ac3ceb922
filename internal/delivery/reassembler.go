// Package delivery implements the per-session reorder buffer (C7): it
// withholds out-of-order STT results and releases them to the client sink in
// strict ascending sequence order.
package delivery

import "github.com/sttgateway/gateway/pkg/types"

// Sink receives released deliveries, in strict ascending sequence order for
// a given session. Implementations must not block for long — the
// reassembler calls it synchronously from whichever goroutine drives
// Insert/SkipHoles.
type Sink func(types.Delivery)

// Reassembler is a single session's reorder buffer. Not safe for concurrent
// use — callers must serialize access per session, per the per-session
// serialization discipline (at most one of on_chunk/on_epd/drain/insert
// mutates a session at a time).
type Reassembler struct {
	sessionID string
	sink      Sink

	expectedSeq int64
	pending     map[int64]entry
}

type entry struct {
	result  types.Result
	isFinal bool
	skip    bool
}

// New creates a Reassembler for one session. expected_seq starts at 0.
func New(sessionID string, sink Sink) *Reassembler {
	return &Reassembler{
		sessionID: sessionID,
		sink:      sink,
		pending:   make(map[int64]entry),
	}
}

// Insert records a batch result for sequence seq and releases every
// contiguous run starting at expected_seq that is now available.
func (r *Reassembler) Insert(seq int64, result types.Result, isFinal bool) {
	r.pending[seq] = entry{result: result, isFinal: isFinal}
	r.releaseReady()
}

// Skip marks seq as already resolved with nothing to deliver — used for a
// work item whose ring-buffer range was truncated away before dispatch (a
// "buffer range miss": the caller treats the segment as already delivered).
// Unlike a true hole left by a failed batch, a skipped sequence never blocks
// delivery of later sequences: it releases exactly like a normal result
// except that the sink is not invoked for it.
func (r *Reassembler) Skip(seq int64) {
	r.pending[seq] = entry{skip: true}
	r.releaseReady()
}

func (r *Reassembler) releaseReady() {
	for {
		e, ok := r.pending[r.expectedSeq]
		if !ok {
			return
		}
		delete(r.pending, r.expectedSeq)
		if !e.skip {
			r.sink(types.Delivery{
				SessionID: r.sessionID,
				Sequence:  r.expectedSeq,
				Result:    e.result,
				IsFinal:   e.isFinal,
			})
		}
		r.expectedSeq++
	}
}

// Pending reports whether any result awaits release. Used by the drain
// protocol's "await delivery quiescence" step.
func (r *Reassembler) Pending() bool {
	return len(r.pending) > 0
}

// ExpectedSeq returns the next sequence number eligible for delivery.
func (r *Reassembler) ExpectedSeq() int64 {
	return r.expectedSeq
}

// SkipHoles advances expected_seq past any gap, releasing whatever
// contiguous run becomes available after the jump. This is the drain
// deadline's best-effort policy: during an active session this is never
// called — only after TURN_END drain has exceeded its maximum wait with
// pending results still outstanding.
//
// If pending is empty this is a no-op. Otherwise expected_seq jumps to the
// lowest pending sequence still held, which is always >= the current
// expected_seq since lower ones would already have been released. Returns
// the number of sequences jumped over, for callers that report it as a
// metric.
func (r *Reassembler) SkipHoles() int64 {
	if len(r.pending) == 0 {
		return 0
	}
	min := r.expectedSeq
	first := true
	for seq := range r.pending {
		if first || seq < min {
			min = seq
			first = false
		}
	}
	var skipped int64
	if min > r.expectedSeq {
		skipped = min - r.expectedSeq
		r.expectedSeq = min
	}
	r.releaseReady()
	return skipped
}
