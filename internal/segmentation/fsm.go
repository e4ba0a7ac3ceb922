// Package segmentation implements the per-session EPD-driven segmentation
// state machine (C4): it converts EPD status events plus chunk indices into a
// sequence of STT work items (partial/final).
package segmentation

import "github.com/sttgateway/gateway/pkg/types"

// Named constants from the source's magic numbers, exposed here as tunables.
// Their values (PRE=4, STEP=5, LONG=50) are empirical, carried over from the
// canonical revision of the original service.
const (
	DefaultPreRoll   int64 = 4
	DefaultStep      int64 = 5
	DefaultLongPause int64 = 50
)

// Config tunes the FSM's named constants. Zero fields fall back to the
// defaults above.
type Config struct {
	PreRoll   int64
	Step      int64
	LongPause int64
}

func (c Config) withDefaults() Config {
	if c.PreRoll <= 0 {
		c.PreRoll = DefaultPreRoll
	}
	if c.Step <= 0 {
		c.Step = DefaultStep
	}
	if c.LongPause <= 0 {
		c.LongPause = DefaultLongPause
	}
	return c
}

// State is the per-session FSM state.
type State struct {
	Start      int64
	End        int64
	Flag       bool
	Recognized bool
	LastChunk  int64
	NChunks    int64
}

// Enqueued describes one STT work item produced by a single [FSM.Handle] call.
// Sequence numbering and PCM attachment are the caller's responsibility (the
// session manager and batch dispatcher respectively) — the FSM only knows
// chunk ranges.
type Enqueued struct {
	Start   int64
	End     int64
	IsFinal bool
}

// FSM is the per-session segmentation state machine. It is not safe for
// concurrent use — callers must serialize access per session (see the
// concurrency model: at most one of on_chunk/on_epd/drain mutates a session
// at a time).
type FSM struct {
	cfg   Config
	state State
}

// New creates an FSM with the given tuning config.
func New(cfg Config) *FSM {
	return &FSM{cfg: cfg.withDefaults()}
}

// State returns a copy of the current FSM state.
func (f *FSM) State() State {
	return f.state
}

// Handle processes one EPD status event for this session. n_chunks is
// incremented before the rule body runs, per the state-transition table:
// every event — speech, pause, end, or otherwise — advances the session
// clock. Returns zero or one work items to enqueue.
func (f *FSM) Handle(status types.EPDStatus) []Enqueued {
	s := &f.state
	s.NChunks++

	var out []Enqueued

	switch status {
	case types.EPDSpeech:
		switch {
		case !s.Flag:
			s.Flag = true
			s.Start = max64(0, s.NChunks-f.cfg.PreRoll)
			s.LastChunk = s.NChunks
		case s.NChunks-s.LastChunk >= f.cfg.Step:
			s.End = s.NChunks
			if s.End-s.Start > 1 {
				out = append(out, Enqueued{Start: s.Start, End: s.End, IsFinal: false})
			}
			s.LastChunk = s.NChunks
		}
		s.Recognized = false

	case types.EPDPause:
		if s.Recognized || !s.Flag {
			break
		}
		if s.NChunks-s.Start > f.cfg.LongPause {
			s.End = s.NChunks
			if s.End-s.Start > 1 {
				out = append(out, Enqueued{Start: s.Start, End: s.End, IsFinal: true})
			}
			f.reset()
		} else {
			s.End = s.NChunks
			s.LastChunk = s.NChunks
			if s.End-s.Start > 1 {
				out = append(out, Enqueued{Start: s.Start, End: s.End, IsFinal: false})
			}
			s.Recognized = true
		}

	case types.EPDEnd:
		if s.Flag {
			s.End = s.NChunks
			if s.End-s.Start > 1 {
				out = append(out, Enqueued{Start: s.Start, End: s.End, IsFinal: true})
			}
			f.reset()
		}

	default:
		// EPD_WAITING, EPD_TIMEOUT, EPD_MAX_TIMEOUT, EPD_NONE: no-op. Still
		// advances n_chunks above, which is all that matters for TURN_END
		// quiescence polling.
	}

	return out
}

// reset clears utterance-scoped state after a final emission. n_chunks is
// never reset — it is the session clock.
func (f *FSM) reset() {
	s := &f.state
	s.Start = s.End
	s.Flag = false
	s.Recognized = false
	s.LastChunk = s.NChunks
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
