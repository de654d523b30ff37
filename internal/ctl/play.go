package ctl

import (
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hewston/replay/internal/session"
)

// PlayOptions controls the interactive playback command.
type PlayOptions struct {
	FPS     int     // client-side consumption rate
	Queue   int     // buffer capacity
	Speed   float64 // playback rate factor requested from the server
	SeekTo  string  // RFC 3339 position to jump to once streaming
	Retries int     // reconnect budget
}

// Play replays a run through the full client stack: reconnecting
// transport, bounded buffer, pacing ticker, and ordering filter. The
// terminal shows state transitions and a running equity/dropped readout.
func Play(baseURL, runID string, opts PlayOptions) error {
	baseURL = strings.TrimRight(baseURL, "/")

	// Validate the target exists before opening the channel; an unknown
	// run is fatal and not worth a connect/reconnect cycle.
	var run RunDetail
	if err := getJSON(baseURL, "/backtests/"+runID, &run); err != nil {
		return fmt.Errorf("run lookup: %w", err)
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	u.Path = "/backtests/" + runID + "/ws"

	sess := session.New(session.Config{
		URL:           u.String(),
		TargetFPS:     opts.FPS,
		QueueCapacity: opts.Queue,
		MaxRetries:    opts.Retries,
		Logger:        log.New(io.Discard, "", 0),
	})

	fmt.Println()
	fmt.Printf("  %s %s  %s\n", colorize(green, "replaying"), colorize(bold, runID), colorize(dim, run.StrategyID))
	fmt.Println(colorize(dim, "  "+strings.Repeat("─", 58)))

	finished := make(chan error, 1)
	var applied int64
	var once sync.Once

	unsubscribe := sess.Subscribe(func(ev session.Event) {
		switch {
		case ev.Update != nil:
			applied++
			renderUpdate(ev, applied)

		case ev.Err != nil && ev.State == session.StateError:
			finished <- ev.Err

		case ev.Err != nil:
			fmt.Printf("\n  %s %v\n", colorize(yellow, "warning:"), ev.Err)

		default:
			fmt.Printf("\n  %s %s\n", colorize(dim, "state:"), colorize(stateColor(string(ev.State)), string(ev.State)))
			if ev.State == session.StateEnded {
				finished <- nil
			}
			if ev.State == session.StateStreaming {
				// Apply startup options once the channel is live;
				// commands sent while disconnected are dropped.
				once.Do(func() {
					if opts.Speed > 0 && opts.Speed != 1.0 {
						sess.SetSpeed(opts.Speed)
					}
					if opts.SeekTo != "" {
						if t, err := time.Parse(time.RFC3339, opts.SeekTo); err == nil {
							sess.Seek(t)
						}
					}
				})
			}
		}
	})
	defer unsubscribe()

	sess.Connect()
	defer sess.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sig:
		fmt.Println()
		fmt.Println(colorize(dim, "  stopping..."))
		return nil
	case err := <-finished:
		fmt.Println()
		if err != nil {
			return err
		}
		fmt.Printf("  %s %d updates applied\n", colorize(green, "done:"), applied)
		fmt.Println()
		return nil
	}
}

// renderUpdate writes one applied frame as a single overwritten status
// line: timestamp, equity, order count, and the dropped total.
func renderUpdate(ev session.Event, applied int64) {
	u := ev.Update
	line := fmt.Sprintf("\r  %s", colorize(dim, u.Time.UTC().Format("2006-01-02 15:04")))
	if u.Equity && u.Frame.Equity != nil {
		line += fmt.Sprintf("  equity %12.2f", u.Frame.Equity.Value)
	}
	if u.Orders {
		line += colorize(cyan, fmt.Sprintf("  +%d orders", len(u.Frame.Orders)))
	}
	line += colorize(dim, fmt.Sprintf("  applied=%d dropped=%d", applied, ev.Dropped))
	if u.Replace {
		line += colorize(dim, " (revised)")
	}
	fmt.Print(padRight(line, 100))
}
