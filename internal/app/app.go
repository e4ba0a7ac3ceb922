// Package app wires every gateway subsystem into a running application.
//
// The App struct owns the full lifecycle: New creates all subsystems (EPD
// client, STT client behind a circuit breaker, the session table, the batch
// dispatcher, health checks and metrics), Run connects to EPD, starts the
// background loops and blocks until shutdown, and Shutdown tears
// everything down in order.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/sttgateway/gateway/internal/config"
	"github.com/sttgateway/gateway/internal/delivery"
	"github.com/sttgateway/gateway/internal/dispatch"
	"github.com/sttgateway/gateway/internal/epd"
	"github.com/sttgateway/gateway/internal/health"
	"github.com/sttgateway/gateway/internal/observe"
	"github.com/sttgateway/gateway/internal/resilience"
	"github.com/sttgateway/gateway/internal/segmentation"
	"github.com/sttgateway/gateway/internal/sttclient"
	"github.com/sttgateway/gateway/internal/vocab"
	"github.com/sttgateway/gateway/pkg/types"
)

// App owns all subsystem lifetimes and orchestrates the gateway's data path:
// client audio in, EPD segmentation, batched STT dispatch, in-order
// delivery back out.
type App struct {
	cfg *config.Config

	epdClient  *epd.Client
	sttClient  *sttclient.Client
	breaker    *resilience.CircuitBreaker
	sessions   *SessionManager
	dispatcher *dispatch.Dispatcher
	health     *health.Handler
	metrics    *observe.Metrics
	vocab      *vocab.Corrector
	handler    http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics injects a [*observe.Metrics] instead of creating one from the
// global OTel meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New wires every subsystem together from cfg, in this order: metrics,
// vocabulary correction, STT client + circuit breaker, dispatcher, EPD
// client (not yet connected; Run connects it), session table, health
// checks, HTTP control surface.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	// ── Metrics ───────────────────────────────────────────────────────────
	if a.metrics == nil {
		m, err := observe.NewMetrics(otel.GetMeterProvider())
		if err != nil {
			return nil, fmt.Errorf("app: init metrics: %w", err)
		}
		a.metrics = m
	}

	// ── Vocabulary correction (optional) ─────────────────────────────────
	v, err := vocab.Load(cfg.VocabFile)
	if err != nil {
		return nil, fmt.Errorf("app: load vocab file %q: %w", cfg.VocabFile, err)
	}
	a.vocab = v

	// ── STT client behind a circuit breaker ──────────────────────────────
	a.sttClient = sttclient.New(cfg.SpeechAPIBatchURL, sttclient.WithBearerToken(cfg.SpeechAPIToken))
	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "sttclient"})

	// ── Dispatcher and session table ─────────────────────────────────────
	//
	// The dispatcher's Lookup/ReadPCM and the session manager's Dispatcher
	// field each need the other side, so neither can be built first. The
	// dispatcher's hooks close over a.sessions by reference instead of by
	// value — by the time any of them actually run (after Run starts the
	// tick loop), a.sessions is already set below.
	a.dispatcher = dispatch.New(dispatch.Config{
		BatchSize:            cfg.DispatchBatchSize,
		TickInterval:         cfg.DispatchTickInterval,
		MaxConcurrentBatches: int64(cfg.DispatchMaxConcurrent),
		Batch:                a.batchWithBreaker,
		Lookup: func(sessionID string) (*delivery.Reassembler, bool) {
			return a.sessions.Lookup(sessionID)
		},
		ReadPCM: func(sessionID string, start, end int64) ([]byte, error) {
			return a.sessions.ReadPCM(sessionID, start, end)
		},
		Truncate: func(sessionID string, end int64) {
			a.sessions.TruncateSession(sessionID, end)
		},
		Metrics: a.metrics,
	})
	a.closers = append(a.closers, func() error {
		a.dispatcher.Close()
		return nil
	})

	a.epdClient = epd.New(epd.Config{
		URL:               cfg.WSURL,
		ReconnectInterval: cfg.WSReconnectInterval,
		HeartbeatInterval: cfg.WSHeartbeatInterval,
		OnEvent: func(ev types.EPDEvent) {
			a.metrics.RecordEPDEvent(context.Background(), ev.Status.String())
			a.sessions.OnEPD(ev)
		},
	})
	a.closers = append(a.closers, a.epdClient.Close)

	a.sessions = NewSessionManager(SessionManagerConfig{
		Epd:        a.epdClient,
		Dispatcher: a.dispatcher,
		FSMConfig: segmentation.Config{
			PreRoll:   cfg.FSMPreRoll,
			Step:      cfg.FSMStep,
			LongPause: cfg.FSMLongPause,
		},
		ChunkBytes:        cfg.ChunkBytes,
		DrainIdleInterval: cfg.DrainIdleInterval,
		DrainMaxWait:      cfg.DrainMaxWait,
		Metrics:           a.metrics,
	})

	// ── Health checks ─────────────────────────────────────────────────────
	a.health = health.New(
		health.Checker{Name: "epd", Check: a.checkEPD},
		health.Checker{Name: "stt", Check: a.checkSTT},
	).WithStats(func() map[string]int {
		return map[string]int{
			"active_sessions": a.sessions.ActiveSessions(),
			"stt_queue_depth": a.dispatcher.QueueDepth(),
		}
	})

	// ── HTTP control surface ──────────────────────────────────────────────
	a.handler = a.newHandler()

	return a, nil
}

// batchWithBreaker wraps [sttclient.Client.Batch] in the circuit breaker:
// when the breaker is open the call is rejected immediately and
// BatchDispatcher treats it exactly like any other transient STT failure
// (log, drop the sequences, no retry). Successful results pass through
// vocabulary correction before being handed back to the dispatcher.
func (a *App) batchWithBreaker(ctx context.Context, items []types.WorkItem) ([]types.Result, error) {
	var results []types.Result
	err := a.breaker.Execute(func() error {
		var batchErr error
		results, batchErr = a.sttClient.Batch(ctx, items)
		return batchErr
	})

	outcome := "ok"
	switch {
	case err == resilience.ErrCircuitOpen:
		outcome = "circuit_open"
	case err != nil:
		outcome = "error"
	}
	a.metrics.RecordBatchDispatch(ctx, outcome)

	if err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Text = a.vocab.Correct(results[i].Text)
	}
	return results, nil
}

// checkEPD reports whether the EPD WebSocket connection is currently
// established.
func (a *App) checkEPD(ctx context.Context) error {
	if !a.epdClient.Connected() {
		return fmt.Errorf("epd: not connected")
	}
	return nil
}

// checkSTT performs a lightweight reachability probe against the STT
// backend, per spec §6.1.
func (a *App) checkSTT(ctx context.Context) error {
	if a.cfg.SpeechAPIURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, a.cfg.SpeechAPIURL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("stt: unreachable: %w", err)
	}
	defer resp.Body.Close()
	return nil
}

// newHandler builds the control-surface mux: /healthz, /readyz, /metrics.
// These never participate in session data flow and carry no session state.
func (a *App) newHandler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(a.metrics)(mux)
}

// Handler returns the control-surface HTTP handler (/healthz, /readyz,
// /metrics) for the caller to mount alongside its own client-facing routes.
func (a *App) Handler() http.Handler { return a.handler }

// SessionManager returns the session table, for wiring a client transport.
func (a *App) SessionManager() *SessionManager { return a.sessions }

// Metrics returns the application's metrics instance.
func (a *App) Metrics() *observe.Metrics { return a.metrics }

// Run connects to the EPD engine and starts the batch dispatcher's tick
// loop, then blocks until ctx is cancelled. The caller owns the HTTP
// listener (see [App.Handler]).
func (a *App) Run(ctx context.Context) error {
	if err := a.epdClient.Connect(ctx); err != nil {
		return fmt.Errorf("app: connect to epd: %w", err)
	}

	a.dispatcher.Start(ctx)

	<-ctx.Done()
	return ctx.Err()
}

// Shutdown runs the registered closers in the order they were added. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
