// Package app wires together the HTTP server, the run catalog, and the
// per-run playback streams. It owns the daemon's lifecycle and is the
// single source of truth for the daemon's operating state.
package app

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/hewston/replay/internal/catalog"
	"github.com/hewston/replay/internal/config"
)

// Options holds everything the App needs from the caller.
type Options struct {
	Logger *log.Logger
	Cfg    config.Config
	Bind   string
}

// App is the top-level daemon process. It manages the HTTP server, the run
// catalog, and the playback sessions spawned per WebSocket connection.
type App struct {
	log    *log.Logger
	cfg    config.Config
	bind   string
	server *http.Server

	catalog *catalog.Catalog

	startedAt time.Time
	sessions  atomic.Int64 // currently open playback sessions
}

// New creates an App. Call Run to start serving.
func New(opts Options) (*App, error) {
	cat, err := catalog.Open(opts.Cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}
	return &App{
		log:       opts.Logger,
		cfg:       opts.Cfg,
		bind:      opts.Bind,
		catalog:   cat,
		startedAt: time.Now(),
	}, nil
}

// Run starts the HTTP server and blocks until the context is cancelled or
// the server returns an error.
func (a *App) Run(ctx context.Context) error {
	bind := a.bind
	if bind == "" && a.cfg.Server.Bind != "" {
		bind = a.cfg.Server.Bind
	}
	if bind == "" {
		bind = "0.0.0.0:8080"
	}

	a.server = &http.Server{
		Addr:              bind,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return err
	}

	a.log.Printf("listening on http://%s", bind)

	go func() {
		<-ctx.Done()
		a.log.Printf("shutdown requested")
		_ = a.server.Shutdown(context.Background())
		_ = a.catalog.Close()
	}()

	return a.server.Serve(ln)
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.HandleFunc("GET /api/status", a.handleStatus)
	mux.HandleFunc("GET /api/version", a.handleVersion)
	mux.HandleFunc("GET /backtests", a.handleListRuns)
	mux.HandleFunc("POST /backtests", a.handleCreateRun)
	mux.HandleFunc("GET /backtests/{id}", a.handleGetRun)
	mux.HandleFunc("GET /backtests/{id}/ws", a.handleRunWS)
	mux.HandleFunc("GET /backtests/{id}/stream", a.handleRunSSE)
	return mux
}

func (a *App) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"name":           "replayd",
		"uptime_seconds": int64(time.Since(a.startedAt).Seconds()),
		"data_root":      a.cfg.Data.Root,
		"catalog_path":   a.cfg.Catalog.Path,
		"stream_fps":     a.cfg.Stream.FPS,
		"open_sessions":  a.sessions.Load(),
	}
	if du := diskUsage(a.cfg.Data.Root); du != nil {
		resp["disk"] = du
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (a *App) handleVersion(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"version":    Version,
		"go_version": GoVersion,
		"built_at":   BuiltAt,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
