// Package types defines the shared types used across the gateway's internal
// packages.
//
// These types form the lingua franca between the segmentation FSM, the
// session manager, the batch dispatcher, and the delivery reassembler. They
// are intentionally minimal — each package defines its own domain types, but
// cross-cutting wire and queue structures live here to avoid circular
// imports.
package types

import "fmt"

// EPDStatus is the authoritative integer status code reported by the EPD
// engine for a session. The integer values are part of the wire contract —
// they must not be reordered.
type EPDStatus int

const (
	EPDWaiting    EPDStatus = 0
	EPDSpeech     EPDStatus = 1
	EPDPause      EPDStatus = 2
	EPDEnd        EPDStatus = 3
	EPDTimeout    EPDStatus = 4
	EPDMaxTimeout EPDStatus = 6
	EPDNone       EPDStatus = 7
)

// String returns the human-readable name of the status code.
func (s EPDStatus) String() string {
	switch s {
	case EPDWaiting:
		return "WAITING"
	case EPDSpeech:
		return "SPEECH"
	case EPDPause:
		return "PAUSE"
	case EPDEnd:
		return "END"
	case EPDTimeout:
		return "TIMEOUT"
	case EPDMaxTimeout:
		return "MAX_TIMEOUT"
	case EPDNone:
		return "NONE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// EPDEvent is a single decoded inbound frame from the EPD engine, demuxed to
// the session it names.
type EPDEvent struct {
	SessionID   string
	Status      EPDStatus
	SpeechScore float64
}

// WorkItem is a unit of STT work enqueued by the segmentation FSM and
// consumed by the batch dispatcher. PCM is attached by the dispatcher at
// drain time, via the owning session's ring buffer — it is not part of the
// FSM's output.
type WorkItem struct {
	SessionID string
	Sequence  int64
	Start     int64
	End       int64
	IsFinal   bool
	PCM       []byte
}

// UtteranceID returns the wire identity used to correlate an STT batch result
// back to the work item that produced it: the pair (session_id, "start-end").
func (w WorkItem) UtteranceID() string {
	return fmt.Sprintf("%s_%d-%d", w.SessionID, w.Start, w.End)
}

// Result is a single recognition result returned by the STT engine for one
// utterance id.
type Result struct {
	UtteranceID string
	Text        string
	Raw         map[string]any
}

// Delivery is a released recognition record handed to a session's client
// sink, in strict ascending sequence order.
type Delivery struct {
	SessionID string
	Sequence  int64
	Result    Result
	IsFinal   bool
}
