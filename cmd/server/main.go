package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/channelserver/internal/authsession"
	"github.com/adred-codev/channelserver/internal/cache"
	"github.com/adred-codev/channelserver/internal/config"
	"github.com/adred-codev/channelserver/internal/connsupervisor"
	"github.com/adred-codev/channelserver/internal/handlers"
	"github.com/adred-codev/channelserver/internal/logging"
	"github.com/adred-codev/channelserver/internal/metrics"
	"github.com/adred-codev/channelserver/internal/ratelimit"
	"github.com/adred-codev/channelserver/internal/router"
	"github.com/adred-codev/channelserver/internal/sharedtables"
	"github.com/adred-codev/channelserver/internal/store"
	"github.com/adred-codev/channelserver/internal/subscription"
	"github.com/adred-codev/channelserver/internal/taskbus"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug-level logging regardless of CHS_LOG_LEVEL")
	flag.Parse()

	bootstrap := logging.New(logging.Config{Level: "info", Format: "console"})
	bootstrap.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting channel server")

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	st, err := store.Open(cfg.SQLitePath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open message store")
	}
	defer st.Close()

	var nc *nats.Conn
	if cfg.NATSUrl != "" {
		nc, err = nats.Connect(cfg.NATSUrl)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to connect to NATS; running single-node without cross-process mirroring")
			nc = nil
		} else {
			defer nc.Close()
		}
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	channelsTable := sharedtables.NewChannelsTable(cfg.SubscriptionsCapacity)
	authTable := sharedtables.NewAuthTable(cfg.SessionsCapacity)

	guard := ratelimit.New(ratelimit.GuardConfig{
		MaxConnections:     cfg.MaxConnections,
		MaxGoroutines:      cfg.MaxGoroutines,
		CPURejectThreshold: cfg.CPURejectThreshold,
		CPUPauseThreshold:  cfg.CPUPauseThreshold,
		MemoryLimitBytes:   cfg.MemoryLimit,
		MaxAuthPerSec:      cfg.MaxAuthPerSec,
		MaxBroadcastPerSec: cfg.MaxBroadcastPerSec,
	}, logger)

	authService := authsession.New(cfg.JWTSecret, cfg.JWTXORKey, authTable, st)

	cachePlane := cache.New(st, nc, logger)
	defer cachePlane.Stop()

	handlerRegistry := handlers.New()
	registerSystemRoutes(handlerRegistry, cachePlane)

	var supervisor *connsupervisor.Supervisor
	subs := subscription.New(channelsTable, authTable, st, supervisorLookup{&supervisor})

	bus := taskbus.New(cfg.TaskWorkers, 100, handlerRegistry.Invoke, supervisorSink{&supervisor}, logger)
	bus.Start(cfg.TaskWorkers)
	defer bus.Stop()

	frameRouter := router.New(supervisorLookup{&supervisor}, authService, subs, st, bus, handlerRegistry, guard, logger)

	supervisor = connsupervisor.New(
		guard,
		frameRouter,
		subs,
		authService,
		cfg.HeartbeatInterval,
		cfg.HeartbeatIdleTime,
		logger,
	)

	go runExpiryLoop(st, cfg.MessageRetention, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", supervisor)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, guard, supervisor)
	})
	mux.Handle("/_internal/", adminHandler(handlerRegistry, logger))

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	supervisor.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("graceful http shutdown failed")
	}
}

// supervisorLookup defers resolution of the Connection Supervisor until
// after construction, since the Subscription Registry and Frame Router both
// need a ConnectionLookup before the Supervisor that implements it exists.
type supervisorLookup struct {
	ref **connsupervisor.Supervisor
}

func (s supervisorLookup) Send(fd int64, payload []byte) bool {
	if *s.ref == nil {
		return false
	}
	return (*s.ref).Send(fd, payload)
}

type supervisorSink struct {
	ref **connsupervisor.Supervisor
}

func (s supervisorSink) Deliver(fd int64, payload []byte) bool {
	if *s.ref == nil {
		return false
	}
	return (*s.ref).Deliver(fd, payload)
}

// runExpiryLoop periodically transitions unacknowledged deliveries older
// than the configured retention window to expired (§4.2's Expire edge case),
// mirroring the reference server's ticker-driven background maintenance
// goroutines.
func runExpiryLoop(st *store.Store, retention time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-retention).UnixMilli()
		n, err := st.Expire(cutoff)
		if err != nil {
			logger.Warn().Err(err).Msg("delivery expiry sweep failed")
			continue
		}
		if n > 0 {
			logger.Info().Int64("expired", n).Msg("delivery expiry sweep")
		}
	}
}

// registerSystemRoutes wires the cache plane's internal endpoints, scoped
// SYSTEM so only a trusted caller of the Handler Registry — never a client
// connection, since handlers.Registry.CheckScope refuses ScopeSystem unconditionally —
// can ever reach them per §4.9. The admin HTTP entrypoint below is that
// trusted caller.
func registerSystemRoutes(reg *handlers.Registry, cachePlane *cache.Plane) {
	reg.Register([]string{"GET"}, "/_internal/cache/:namespace/:key", func(ctx context.Context, task taskbus.Task, params map[string]string) taskbus.Result {
		value, ok := cachePlane.Get(params["namespace"], params["key"])
		if !ok {
			return taskbus.Result{IsError: true, Status: 404, ErrMessage: "cache miss"}
		}
		return taskbus.Result{Status: 200, Data: value}
	}, handlers.ScopeSystem)

	reg.Register([]string{"POST"}, "/_internal/cache/:namespace/:key", func(ctx context.Context, task taskbus.Task, params map[string]string) taskbus.Result {
		var body struct {
			Value      string `json:"value"`
			TTLSeconds int    `json:"ttl_seconds"`
		}
		if err := json.Unmarshal(task.Body, &body); err != nil {
			return taskbus.Result{IsError: true, Status: 400, ErrMessage: "invalid body"}
		}
		ttl := time.Duration(body.TTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		if err := cachePlane.Set(params["namespace"], params["key"], body.Value, ttl); err != nil {
			return taskbus.Result{IsError: true, Status: 500, ErrMessage: err.Error()}
		}
		return taskbus.Result{Status: 200}
	}, handlers.ScopeSystem)

	reg.Register([]string{"DELETE"}, "/_internal/cache/:namespace/:key", func(ctx context.Context, task taskbus.Task, params map[string]string) taskbus.Result {
		if err := cachePlane.Delete(params["namespace"], params["key"]); err != nil {
			return taskbus.Result{IsError: true, Status: 500, ErrMessage: err.Error()}
		}
		return taskbus.Result{Status: 200}
	}, handlers.ScopeSystem)

	reg.Register([]string{"POST"}, "/_internal/flush/:namespace", func(ctx context.Context, task taskbus.Task, params map[string]string) taskbus.Result {
		if err := cachePlane.FlushNamespace(params["namespace"]); err != nil {
			return taskbus.Result{IsError: true, Status: 500, ErrMessage: err.Error()}
		}
		return taskbus.Result{Status: 200}
	}, handlers.ScopeSystem)
}

// adminHandler is the trusted-internal dispatch path for SYSTEM-scoped
// routes: it builds a Task straight from the HTTP request and calls the
// Handler Registry's Invoke directly, bypassing the Frame Router and its
// CheckScope gate (which refuses ScopeSystem from any client connection).
// Operators are expected to keep this listener off client-facing ingress.
func adminHandler(reg *handlers.Registry, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}

		result := reg.Invoke(r.Context(), taskbus.Task{Method: r.Method, URI: r.URL.Path, Body: body})

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(result.Status)
		if result.IsError {
			if err := json.NewEncoder(w).Encode(map[string]any{"error": result.ErrMessage}); err != nil {
				logger.Warn().Err(err).Msg("failed to encode admin error response")
			}
			return
		}
		if result.Data != nil {
			if err := json.NewEncoder(w).Encode(result.Data); err != nil {
				logger.Warn().Err(err).Msg("failed to encode admin response")
			}
		}
	}
}

func writeHealth(w http.ResponseWriter, guard *ratelimit.Guard, supervisor *connsupervisor.Supervisor) {
	stats := guard.Stats()
	if supervisor != nil {
		stats["connections_live"] = supervisor.Count()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}
