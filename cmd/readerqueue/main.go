package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/clusive/readerqueue/internal/api"
	"github.com/clusive/readerqueue/internal/autosave"
	"github.com/clusive/readerqueue/internal/buffer"
	"github.com/clusive/readerqueue/internal/config"
	"github.com/clusive/readerqueue/internal/events"
	"github.com/clusive/readerqueue/internal/logout"
	"github.com/clusive/readerqueue/internal/metrics"
	"github.com/clusive/readerqueue/internal/preferences"
	"github.com/clusive/readerqueue/internal/queue"
	"github.com/clusive/readerqueue/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Queue names double as local buffer keys.
const (
	preferenceQueue = "preferences"
	telemetryQueue  = "telemetry"
	autosaveQueue   = "autosave"
)

var (
	version     = "0.0.0-dev" // Set by ldflags during build
	showVersion bool
)

func main() {
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}
	if showVersion {
		fmt.Printf("readerqueue version %s\n", version)
		os.Exit(0)
	}

	// LOG_FORMAT environment variable controls output: "json" or "text" (default)
	logFormat := strings.ToLower(os.Getenv("LOG_FORMAT"))
	var logger *slog.Logger

	lvl := parseLogLevel(cfg.LogLevel)
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     lvl,
	}

	if logFormat == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, opts))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	slog.SetDefault(logger)

	slog.Info("Starting readerqueue",
		"version", version,
		"log_level", lvl.String(),
		"http_addr", cfg.HTTPAddr,
		"metrics_addr", cfg.MetricsAddr,
		"buffer_mode", cfg.BufferMode,
		"namespace", cfg.Namespace,
		"server_url", cfg.ServerURL,
		"anonymous", cfg.Username == "",
	)

	m := metrics.New(prometheus.DefaultRegisterer)

	buf, err := openBuffer(cfg)
	if err != nil {
		slog.Error("failed to open local buffer", "mode", cfg.BufferMode, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := buf.Close(); err != nil {
			slog.Error("error closing local buffer", "error", err)
		}
	}()

	client := api.NewClient(cfg.ServerURL, cfg.CSRFToken, api.Endpoints{
		Messages:    cfg.MessageEndpoint,
		Preferences: cfg.PreferencesEndpoint,
		Adopt:       cfg.AdoptEndpoint,
		Autosave:    cfg.AutosaveEndpoint,
	})

	coordinator := logout.New(logger, m)
	coordinator.Subscribe(func(s logout.Status) {
		slog.Info("Logout status", "state", s.State, "text", s.Text)
	})

	username := func() string { return cfg.Username }
	holdLengths := map[string]time.Duration{
		preferenceQueue: cfg.ServerHoldLength,
		telemetryQueue:  cfg.HoldLength,
		autosaveQueue:   cfg.ServerHoldLength,
	}
	queues := make(map[string]*queue.Queue, len(holdLengths))
	for name, hold := range holdLengths {
		q, err := queue.NewServer(queue.ServerOptions{
			Options: queue.Options{
				Name:         name,
				Buffer:       buf,
				HoldLength:   hold,
				FlushTimeout: cfg.FlushTimeout,
				Coordinator:  coordinator,
				Logger:       logger,
				Metrics:      m,
			},
			Client:   client,
			Username: username,
		})
		if err != nil {
			slog.Error("failed to create queue", "queue", name, "error", err)
			os.Exit(1)
		}
		q.Subscribe(func(res queue.Result) {
			if !res.OK() {
				slog.Debug("flush result", "queue", res.Queue, "outcome", res.Outcome, "error", res.Err)
			}
		})
		if err := q.Start(context.Background()); err != nil {
			slog.Error("failed to start queue", "queue", name, "error", err)
			os.Exit(1)
		}
		queues[name] = q
	}

	prefs, err := preferences.New(preferences.Options{
		Queue:          queues[preferenceQueue],
		Source:         client,
		DebounceWindow: cfg.DebounceWindow,
		Logger:         logger,
		Metrics:        m,
	})
	if err != nil {
		slog.Error("failed to create preference store", "error", err)
		os.Exit(1)
	}
	prefs.Subscribe(func(p events.Preferences) {
		slog.Info("Preference preset adopted", "keys", len(p))
	})

	producerSrv := server.New(server.Options{
		Addr:        cfg.HTTPAddr,
		Queues:      queues,
		Preferences: prefs,
		Autosave:    autosave.New(queues[autosaveQueue], client, logger),
		Coordinator: coordinator,
		LogoutURL:   cfg.LogoutURL,
		Logger:      logger,
	})
	producerHTTP := &http.Server{Addr: cfg.HTTPAddr, Handler: producerSrv.Handler()}

	// Create HTTP server for metrics with health and readiness probes
	var readyFlag uint32 // 0 = not ready, 1 = ready
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	metricsMux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
		defer cancel()

		if atomic.LoadUint32(&readyFlag) == 0 {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		if err := buf.HealthCheck(ctx); err != nil {
			http.Error(w, "local buffer not healthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	metricsHTTP := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	// Bind producer listener before serving; mark ready only after bind success
	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		slog.Error("failed to bind producer listener", "addr", cfg.HTTPAddr, "error", err)
		os.Exit(1)
	}

	done := make(chan struct{}, 2)
	go func() {
		slog.Info("Producer HTTP server listening", "addr", cfg.HTTPAddr)
		atomic.StoreUint32(&readyFlag, 1)
		if err := producerHTTP.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("producer server error", "error", err)
		}
		done <- struct{}{}
	}()

	go func() {
		slog.Info("Metrics HTTP server listening", "addr", cfg.MetricsAddr)
		if err := metricsHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
		done <- struct{}{}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Shutdown signal received", "signal", sig.String())

	atomic.StoreUint32(&readyFlag, 0)

	// Stop accepting producers first, then push out what is queued.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := producerHTTP.Shutdown(ctx); err != nil {
		slog.Error("error shutting down producer server", "error", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.FlushTimeout+time.Second)
	defer drainCancel()
	if err := coordinator.Logout(drainCtx, ""); err != nil {
		slog.Warn("shutdown flush incomplete, unsent messages remain in local buffer", "error", err)
	}

	if rb, ok := buf.(*buffer.RedisBuffer); ok {
		reads, writes := rb.Stats()
		slog.Info("Local buffer operations", "reads", reads, "writes", writes)
	}

	for name, q := range queues {
		if err := q.Stop(ctx); err != nil {
			slog.Error("error stopping queue", "queue", name, "error", err)
		}
	}

	if err := metricsHTTP.Shutdown(ctx); err != nil {
		slog.Error("error shutting down metrics server", "error", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}

// openBuffer creates the local buffer selected by cfg.BufferMode.
func openBuffer(cfg *config.Config) (buffer.Storage, error) {
	switch cfg.BufferMode {
	case "inmemory":
		slog.Info("Initializing in-memory Redis buffer")
		return buffer.NewInMemory(cfg.Namespace, "")
	case "redis":
		slog.Info("Connecting to Redis buffer", "addr", cfg.RedisAddr)
		return buffer.NewRedis(cfg.Namespace, cfg.RedisAddr)
	case "sqlite":
		slog.Info("Opening SQLite buffer", "path", cfg.SQLitePath)
		return buffer.NewSQLite(cfg.Namespace, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown buffer mode %q", cfg.BufferMode)
	}
}

// parseLogLevel converts a string log level to slog.Level, defaulting to info on unknown values.
func parseLogLevel(lvl string) slog.Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "err":
		return slog.LevelError
	default:
		fmt.Fprintf(os.Stderr, "unknown log level %q, defaulting to info\n", lvl)
		return slog.LevelInfo
	}
}
