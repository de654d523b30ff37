// Replayd is the playback daemon for backtest runs.
//
// It loads configuration, opens the run catalog, and serves the REST and
// WebSocket endpoints that stream recorded strategy runs back to clients at
// a paced frame rate. Shutdown is handled gracefully on SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/hewston/replay/internal/app"
	"github.com/hewston/replay/internal/config"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "/etc/replay/replay.toml", "Path to config TOML")
		bind       = pflag.String("bind", "0.0.0.0:8080", "HTTP bind address")
	)
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	logger := log.New(os.Stdout, "replayd ", log.LstdFlags|log.Lmicroseconds)

	a, err := app.New(app.Options{
		Logger: logger,
		Cfg:    cfg,
		Bind:   *bind,
	})
	if err != nil {
		logger.Fatalf("startup failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("replayd failed: %v", err)
	}

	// Brief pause so in-flight log writes can flush before exit.
	time.Sleep(50 * time.Millisecond)
}
