// Package ringbuffer implements the per-session audio ring buffer (C1): an
// append-only byte buffer addressable by chunk index, with head truncation.
//
// All arithmetic is expressed in chunk units so that segmentation logic never
// has to reason about byte offsets or wall time — see [RingBuffer.ReadRange]
// and [RingBuffer.TruncateUntil].
package ringbuffer

import (
	"errors"
	"fmt"
	"sync"
)

// BytesPerChunk is the number of PCM bytes in one chunk of the standard wire
// format: 1600 samples of 16-bit little-endian mono audio at 16 kHz.
const BytesPerChunk = 3200

// ErrBelowBase is returned by ReadRange when the requested start chunk lies
// below the buffer's current base_chunk. The caller treats this as "segment
// already delivered" and drops the work item.
var ErrBelowBase = errors.New("ringbuffer: start chunk is below base chunk")

// RingBuffer is a per-session append-only byte buffer addressable by chunk
// index. It is owned exclusively by one session (see the Ownership rule in
// the data model), but ReadRange and TruncateUntil are invoked from the batch
// dispatcher while Append runs on the session's own goroutine, so
// all operations are guarded by a mutex.
type RingBuffer struct {
	bytesPerChunk int64

	mu        sync.Mutex
	data      []byte
	baseChunk int64
}

// New creates an empty RingBuffer. bytesPerChunk must be positive; pass
// [BytesPerChunk] for the standard 16 kHz/mono/s16le wire format. A
// non-positive value falls back to that default.
func New(bytesPerChunk int) *RingBuffer {
	if bytesPerChunk <= 0 {
		bytesPerChunk = BytesPerChunk
	}
	return &RingBuffer{bytesPerChunk: int64(bytesPerChunk)}
}

// Append concatenates b to the tail. O(1) amortized; never fails; never
// changes base_chunk.
func (r *RingBuffer) Append(b []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, b...)
}

// BaseChunk returns the chunk index corresponding to buffer byte 0.
func (r *RingBuffer) BaseChunk() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.baseChunk
}

// ReadRange returns an independent copy of the bytes spanning chunks
// [start, end). Requires base_chunk <= start <= end <= base_chunk +
// chunks_in_buffer. Returns [ErrBelowBase] when start has already been
// truncated away.
func (r *RingBuffer) ReadRange(start, end int64) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if start < r.baseChunk {
		return nil, ErrBelowBase
	}
	if end < start {
		return nil, fmt.Errorf("ringbuffer: end %d precedes start %d", end, start)
	}
	chunksInBuffer := int64(len(r.data)) / r.bytesPerChunk
	if end > r.baseChunk+chunksInBuffer {
		return nil, fmt.Errorf("ringbuffer: end %d exceeds buffered range [%d,%d]", end, r.baseChunk, r.baseChunk+chunksInBuffer)
	}

	lo := (start - r.baseChunk) * r.bytesPerChunk
	hi := (end - r.baseChunk) * r.bytesPerChunk
	out := make([]byte, hi-lo)
	copy(out, r.data[lo:hi])
	return out, nil
}

// TruncateUntil discards the prefix before chunk c and advances base_chunk to
// c. Idempotent when c <= base_chunk; never moves backwards. Returns the
// number of bytes actually dropped, for callers that track resident bytes.
func (r *RingBuffer) TruncateUntil(c int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c <= r.baseChunk {
		return 0
	}
	chunksInBuffer := int64(len(r.data)) / r.bytesPerChunk
	drop := c - r.baseChunk
	if drop > chunksInBuffer {
		drop = chunksInBuffer
	}
	dropped := drop * r.bytesPerChunk
	r.data = r.data[dropped:]
	r.baseChunk = c
	return dropped
}
