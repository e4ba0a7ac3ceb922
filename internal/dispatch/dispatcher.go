// Package dispatch implements the batch STT dispatcher (C6): a single
// long-running task that periodically drains a global, cross-session work
// queue in fixed-size batches, invokes the STT client, and routes each
// result to its owning session's delivery reassembler.
package dispatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/sttgateway/gateway/internal/delivery"
	"github.com/sttgateway/gateway/internal/observe"
	"github.com/sttgateway/gateway/pkg/types"
)

// Defaults, overridable via [Config].
const (
	DefaultBatchSize            = 16
	DefaultTickInterval         = 500 * time.Millisecond
	DefaultMaxConcurrentBatches = 4
	DefaultMaxBatchesPerSecond  = 20
)

// BatchFunc posts one batch to the STT engine. Implemented by
// internal/sttclient.Client.Batch.
type BatchFunc func(ctx context.Context, items []types.WorkItem) ([]types.Result, error)

// SessionLookup resolves a session id to its delivery reassembler. Returns
// ok=false if the session has already been cleaned up, in which case the
// result is dropped.
type SessionLookup func(sessionID string) (*delivery.Reassembler, bool)

// PCMReader materializes the PCM bytes for one work item's [start, end)
// range from the owning session's ring buffer, at dispatch time rather than
// at enqueue time — the ring buffer may have been truncated in between. An
// error return (e.g. ringbuffer.ErrBelowBase) means the range is a buffer
// range miss: the caller treats it as already delivered and skips the item
// via [delivery.Reassembler.Skip] rather than posting it.
type PCMReader func(sessionID string, start, end int64) ([]byte, error)

// PCMTruncator discards a session's ring buffer bytes before chunk end. It
// is called only after a final work item's range has actually been read by
// [PCMReader] — truncating any earlier (e.g. at enqueue time) would delete
// the bytes the dispatcher still needs to read for that very item.
type PCMTruncator func(sessionID string, end int64)

// Config configures a [Dispatcher].
type Config struct {
	// BatchSize is the maximum number of work items spliced per tick.
	// Defaults to [DefaultBatchSize].
	BatchSize int

	// TickInterval is the period between queue drains. Defaults to
	// [DefaultTickInterval].
	TickInterval time.Duration

	// Batch posts one batch of work items to the STT engine. Required.
	Batch BatchFunc

	// Lookup resolves a work item's session id to its reassembler. Required.
	Lookup SessionLookup

	// ReadPCM materializes each work item's PCM bytes just before posting.
	// Required.
	ReadPCM PCMReader

	// Truncate discards ring buffer bytes behind a final work item once its
	// range has been read, bounding memory for long sessions per spec §4.1.
	// Optional — a nil Truncate disables the behavior, leaving sessions'
	// ring buffers to grow for the life of the session.
	Truncate PCMTruncator

	// Metrics records dispatch-path instruments (batch dispatch latency,
	// queue depth, buffer range misses) and traces each STT batch call.
	// Optional.
	Metrics *observe.Metrics

	// MaxConcurrentBatches bounds the number of postAndRoute calls in flight
	// at once across the tick loop and concurrent FlushSession drains.
	// Defaults to [DefaultMaxConcurrentBatches].
	MaxConcurrentBatches int64

	// MaxBatchesPerSecond caps the overall rate at which batches are posted
	// to the STT engine, independent of how many are ever in flight at once —
	// this protects the backend from a burst of concurrent TURN_END drains
	// each posting their final batch at the same instant. Defaults to
	// [DefaultMaxBatchesPerSecond].
	MaxBatchesPerSecond float64
}

// Dispatcher owns the global cross-session work queue and the background
// drain loop. The zero value is not usable; use [New].
type Dispatcher struct {
	cfg     Config
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	mu    sync.Mutex
	queue []types.WorkItem

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Dispatcher. Call [Dispatcher.Start] to begin the background
// tick loop.
func New(cfg Config) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.MaxConcurrentBatches <= 0 {
		cfg.MaxConcurrentBatches = DefaultMaxConcurrentBatches
	}
	if cfg.MaxBatchesPerSecond <= 0 {
		cfg.MaxBatchesPerSecond = DefaultMaxBatchesPerSecond
	}
	return &Dispatcher{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrentBatches),
		limiter: rate.NewLimiter(rate.Limit(cfg.MaxBatchesPerSecond), int(cfg.MaxConcurrentBatches)),
		done:    make(chan struct{}),
	}
}

// Enqueue appends a work item to the global queue. Non-blocking; safe for
// concurrent use from any session's goroutine.
func (d *Dispatcher) Enqueue(item types.WorkItem) {
	d.mu.Lock()
	d.queue = append(d.queue, item)
	d.mu.Unlock()

	if d.cfg.Metrics != nil {
		d.cfg.Metrics.STTQueueDepth.Add(context.Background(), 1)
	}
}

// QueueDepth reports the number of work items currently queued, across all
// sessions. Used by the health handler's readiness stats.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Start launches the background tick loop. It returns once the loop
// goroutine has been spawned; call [Dispatcher.Close] to stop it.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.run(ctx)
}

// Close stops the tick loop and waits for it to exit. The queue itself is
// left untouched — callers that need a final flush should call
// [Dispatcher.FlushSession] per session before Close.
func (d *Dispatcher) Close() {
	select {
	case <-d.done:
	default:
		close(d.done)
	}
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case <-ticker.C:
			d.drainOnce(ctx, "")
		}
	}
}

// FlushSession repeatedly splices and posts BatchSize-item batches restricted to
// sessionID until the queue holds no more items for it. Used by the
// TURN_END drain protocol's "flush STT queue for this session" step; it
// runs synchronously on the caller's goroutine.
func (d *Dispatcher) FlushSession(ctx context.Context, sessionID string) {
	for {
		batch := d.splice(sessionID)
		if len(batch) == 0 {
			return
		}
		d.postAndRoute(ctx, batch)
	}
}

// drainOnce splices one global batch (unfiltered) and posts it. A no-op
// when the queue is empty.
func (d *Dispatcher) drainOnce(ctx context.Context, sessionFilter string) {
	batch := d.splice(sessionFilter)
	if len(batch) == 0 {
		return
	}
	d.postAndRoute(ctx, batch)
}

// splice atomically removes up to BatchSize items from the queue — either
// the head of the whole queue (sessionFilter == "") or, filtered to one
// session, the oldest matching items wherever they sit in the queue — and
// returns them sorted ascending by sequence, ties broken by session id. Cross-session batches
// naturally interleave sequences from different sessions; sorting only
// establishes a deterministic posting order, it never reorders deliveries
// within a session (the reassembler does that).
func (d *Dispatcher) splice(sessionFilter string) []types.WorkItem {
	d.mu.Lock()
	defer d.mu.Unlock()

	var batch, rest []types.WorkItem
	if sessionFilter == "" {
		n := len(d.queue)
		if n > d.cfg.BatchSize {
			n = d.cfg.BatchSize
		}
		batch = append(batch, d.queue[:n]...)
		rest = append(rest, d.queue[n:]...)
	} else {
		for _, item := range d.queue {
			if item.SessionID == sessionFilter && len(batch) < d.cfg.BatchSize {
				batch = append(batch, item)
			} else {
				rest = append(rest, item)
			}
		}
	}
	d.queue = rest

	if len(batch) > 0 && d.cfg.Metrics != nil {
		d.cfg.Metrics.STTQueueDepth.Add(context.Background(), -int64(len(batch)))
	}

	sort.Slice(batch, func(i, j int) bool {
		if batch[i].Sequence != batch[j].Sequence {
			return batch[i].Sequence < batch[j].Sequence
		}
		return batch[i].SessionID < batch[j].SessionID
	})
	return batch
}

// postAndRoute resolves PCM for each item, invokes Batch, and hands every
// matched result to its owning session's reassembler. A batch failure
// (network, 5xx, timeout) is logged and the sequences are dropped — the
// dispatcher never retries, since a retry would permute sequence ordering.
func (d *Dispatcher) postAndRoute(ctx context.Context, batch []types.WorkItem) {
	resolved := make([]types.WorkItem, 0, len(batch))
	for _, item := range batch {
		pcm, err := d.cfg.ReadPCM(item.SessionID, item.Start, item.End)
		if err != nil {
			slog.Debug("dispatch: buffer range miss, treating as already delivered",
				"session_id", item.SessionID, "sequence", item.Sequence, "error", err)
			if d.cfg.Metrics != nil {
				d.cfg.Metrics.BufferRangeMisses.Add(ctx, 1)
			}
			if reassembler, ok := d.cfg.Lookup(item.SessionID); ok {
				reassembler.Skip(item.Sequence)
			}
			continue
		}
		item.PCM = pcm
		resolved = append(resolved, item)
		if item.IsFinal && d.cfg.Truncate != nil {
			d.cfg.Truncate(item.SessionID, item.End)
		}
	}
	if len(resolved) == 0 {
		return
	}

	// Bound the number of STT calls in flight at once: the tick loop and any
	// number of concurrent per-session drains (TURN_END) may call
	// postAndRoute simultaneously, and an unbounded fan-out here would let a
	// burst of session ends overwhelm the STT backend.
	if err := d.sem.Acquire(ctx, 1); err != nil {
		slog.Warn("dispatch: batch aborted waiting for a worker slot, dropping sequences",
			"items", len(resolved), "error", err)
		return
	}
	// Additionally pace the overall post rate: the semaphore only bounds
	// concurrency, not how often a slot is freed and reacquired by a fresh
	// burst of FlushSession calls.
	if err := d.limiter.Wait(ctx); err != nil {
		d.sem.Release(1)
		slog.Warn("dispatch: batch aborted waiting for rate limiter, dropping sequences",
			"items", len(resolved), "error", err)
		return
	}
	spanCtx, span := observe.StartSpan(ctx, "sttgateway.stt_batch")
	start := time.Now()
	results, err := d.cfg.Batch(spanCtx, resolved)
	span.End()
	d.sem.Release(1)
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.BatchDispatchDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		slog.Warn("dispatch: batch failed, dropping sequences", "items", len(resolved), "error", err)
		return
	}

	byUtterance := make(map[string]types.Result, len(results))
	for _, r := range results {
		byUtterance[r.UtteranceID] = r
	}

	for _, item := range resolved {
		res, ok := byUtterance[item.UtteranceID()]
		if !ok {
			slog.Debug("dispatch: no result for utterance, hole left for reassembler",
				"session_id", item.SessionID, "sequence", item.Sequence)
			continue
		}
		reassembler, ok := d.cfg.Lookup(item.SessionID)
		if !ok {
			continue
		}
		reassembler.Insert(item.Sequence, res, item.IsFinal)
	}
}
