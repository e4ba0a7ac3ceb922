// Command sttgateway is the main entry point for the real-time speech-to-text
// gateway. It accepts one client WebSocket connection per call leg on /ws,
// segments incoming audio via the EPD engine, batches it to the STT backend
// in strict sequence order, and streams transcripts back as they arrive.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"

	"github.com/sttgateway/gateway/internal/app"
	"github.com/sttgateway/gateway/internal/config"
	"github.com/sttgateway/gateway/internal/observe"
	"github.com/sttgateway/gateway/internal/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── Load configuration ───────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		slog.Error("sttgateway: failed to load configuration", "err", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("sttgateway starting",
		"environment", cfg.Environment,
		"listen_addr", cfg.ListenAddr,
		"ws_url", cfg.WSURL,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName: "sttgateway",
	})
	if err != nil {
		slog.Error("sttgateway: failed to init telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("sttgateway: telemetry shutdown error", "err", err)
		}
	}()

	// ── Application wiring ───────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("sttgateway: failed to initialise application", "err", err)
		return 1
	}

	httpServer := newHTTPServer(cfg.ListenAddr, application.Handler(), application.SessionManager())
	go func() {
		slog.Info("http listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("sttgateway: http server error", "err", err)
		}
	}()

	slog.Info("gateway ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("sttgateway: run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("sttgateway: http server shutdown error", "err", err)
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("sttgateway: shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// newHTTPServer builds the single HTTP listener serving both the
// client-facing WebSocket endpoint (/ws) and the control surface
// (controlHandler: /healthz, /readyz, /metrics) on the same address.
func newHTTPServer(addr string, controlHandler http.Handler, controller transport.Controller) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/", controlHandler)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			slog.Warn("sttgateway: websocket accept failed", "err", err)
			return
		}
		defer ws.Close(websocket.StatusInternalError, "connection closed")

		conn := transport.New(ws, controller)
		if err := conn.Serve(r.Context()); err != nil {
			slog.Debug("sttgateway: client connection ended", "err", err)
		}
	})
	return &http.Server{Addr: addr, Handler: mux}
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
