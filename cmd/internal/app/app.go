// Package app wires the chatd server runtime: config, logging, storage, HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"chatd/cmd/identity"
	"chatd/cmd/internal/realtime"
	"chatd/cmd/security/password"
	"chatd/cmd/security/token"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App is the chatd server runtime: it owns the HTTP server, the store and the session registry.
type App struct {
	cfg Config
	log Logger

	store  identity.Store
	dbPool *pgxpool.Pool

	registry *realtime.Registry
	ws       *realtime.WSGateway
	metrics  *prometheus.Registry

	handler http.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	pwCfg, err := password.FromEnv()
	if err != nil {
		return nil, err
	}

	st, pool, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	hasher := token.HasherFromEnv()
	if !hasher.HMAC() {
		log.Warn("security.token_hmac.disabled", "hint", "set CHATD_TOKEN_HMAC_KEY")
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	registry := realtime.NewRegistry(log, hasher)
	metrics := realtime.NewMetrics(promReg, registry)
	router := realtime.NewRouter(log, st, registry, metrics)

	ws := realtime.NewWSGateway(log, realtime.SessionDeps{
		Log:       log,
		Store:     st,
		Registry:  registry,
		Router:    router,
		Passwords: pwCfg,
		Metrics:   metrics,
	}, cfg.WS)

	a := &App{
		cfg:      cfg,
		log:      log,
		store:    st,
		dbPool:   pool,
		registry: registry,
		ws:       ws,
		metrics:  promReg,
	}

	mux := http.NewServeMux()
	registerHTTP(mux, log, cfg, st, cfg.storeKind() != "memory", ws, promReg)
	a.handler = WithSecurityHeaders(WithRequestLogging(mux, log))

	return a, nil
}

// Handler returns the root HTTP handler with middleware applied.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"store", a.cfg.storeKind(),
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown; the registry stops them.
	a.registry.Close()

	if runErr == nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			runErr = err
		}
	}

	a.Close()

	a.log.Info("server.stopped")
	return runErr
}

// Close releases store resources. Safe to call after Run.
func (a *App) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a dialable http URL. Wildcard binds map to loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
