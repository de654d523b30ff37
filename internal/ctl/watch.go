package ctl

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hewston/replay/internal/protocol"
)

// WatchOptions controls the watch command behavior.
type WatchOptions struct {
	Filter []string // message types to show (empty = all)
	JSON   bool     // output raw JSON per message
}

// Watch connects to a run's stream endpoint, requests playback, and dumps
// every wire message to the terminal until interrupted. Unlike play, it
// renders the raw protocol without any client-side buffering or ordering.
func Watch(baseURL, runID string, opts WatchOptions) error {
	baseURL = strings.TrimRight(baseURL, "/")

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
	u.RawQuery = ""

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if !opts.JSON {
		fmt.Println()
		fmt.Printf("  %s %s\n", colorize(green, "connected"), colorize(dim, u.String()))
		if len(opts.Filter) > 0 {
			fmt.Printf("  %s %s\n", colorize(dim, "filter:"), colorize(dim, strings.Join(opts.Filter, ", ")))
		}
		fmt.Println(colorize(dim, "  "+strings.Repeat("─", 50)))
		fmt.Println()
	}

	if err := conn.WriteJSON(protocol.Ctrl{T: protocol.TypeCtrl, Cmd: protocol.CmdPlay}); err != nil {
		return err
	}

	// Build a filter set for O(1) lookup.
	filterSet := make(map[string]bool, len(opts.Filter))
	for _, f := range opts.Filter {
		filterSet[f] = true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}

			// Apply message type filter.
			if len(filterSet) > 0 {
				var env struct {
					T string `json:"t"`
				}
				if err := json.Unmarshal(msg, &env); err == nil && !filterSet[env.T] {
					continue
				}
			}

			if opts.JSON {
				fmt.Println(string(msg))
			} else {
				renderMessage(msg)
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sig:
		if !opts.JSON {
			fmt.Println()
			fmt.Println(colorize(dim, "  disconnecting..."))
		}
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(1*time.Second),
		)
		return nil
	case <-done:
		return nil
	}
}

// renderMessage prints one wire message in a human-friendly format.
// Falls back to raw JSON for unrecognized types.
func renderMessage(raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		fmt.Printf("  %s\n", string(raw))
		return
	}

	switch m := msg.(type) {
	case *protocol.Frame:
		ts := shortTime(m.TS)
		line := fmt.Sprintf("  %s %s", colorize(dim, ts), colorize(bold, "frame"))
		if m.Equity != nil {
			line += fmt.Sprintf("  equity %.2f", m.Equity.Value)
		}
		if m.OHLC != nil {
			line += fmt.Sprintf("  close %.2f", m.OHLC.Close)
		}
		if n := len(m.Orders); n > 0 {
			line += colorize(cyan, fmt.Sprintf("  %d order(s)", n))
		}
		if m.Dropped > 0 {
			line += colorize(yellow, fmt.Sprintf("  dropped=%d", m.Dropped))
		}
		fmt.Println(line)

	case *protocol.ErrEvent:
		fmt.Printf("  %s %s %s\n", colorize(red, "ERR"), m.Code, m.Msg)

	case string:
		switch m {
		case protocol.TypeHeartbeat:
			// Heartbeats are noisy; show them dimmed on a single line.
			fmt.Println(colorize(dim, "  heartbeat"))
		case protocol.TypeEnd:
			fmt.Printf("  %s\n", colorize(blue, "end of stream"))
		}

	default:
		fmt.Printf("  %s\n", string(raw))
	}
}

// shortTime shortens an RFC 3339 timestamp for display.
func shortTime(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		if len(ts) >= 10 {
			return ts[:10]
		}
		return ts
	}
	return t.UTC().Format("2006-01-02 15:04")
}
