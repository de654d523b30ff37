// Replayctl is the command-line client for a running replayd instance. It
// queries the run catalog over HTTP and streams playback over WebSocket.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/hewston/replay/internal/ctl"
)

func main() {
	var (
		host    = pflag.StringP("host", "H", "http://127.0.0.1:8080", "Replay daemon URL (e.g. http://192.168.8.1:8080)")
		jsonOut = pflag.Bool("json", false, "Output raw JSON instead of formatted text")
		filter  = pflag.StringSlice("filter", nil, "Message types to show in watch (e.g. --filter frame,err)")
	)

	// Stop parsing global flags at the first non-flag argument (the command
	// name), so subcommand-specific flags like --speed are not rejected.
	pflag.CommandLine.SetInterspersed(false)
	pflag.Parse()

	if pflag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cmd := pflag.Arg(0)
	subArgs := pflag.Args()[1:]

	var err error
	switch cmd {
	// ── Query commands ────────────────────────────────────────────
	case "status":
		err = ctl.Status(*host, *jsonOut)

	case "health":
		err = ctl.Health(*host, *jsonOut)

	case "version":
		err = ctl.VersionInfo(*host, *jsonOut)

	case "runs":
		opts := ctl.RunsOptions{JSON: *jsonOut}
		runFlags := pflag.NewFlagSet("runs", pflag.ContinueOnError)
		runFlags.StringVar(&opts.Symbol, "symbol", "", "Filter by instrument symbol")
		runFlags.StringVar(&opts.StrategyID, "strategy", "", "Filter by strategy ID")
		runFlags.StringVar(&opts.From, "from", "", "Created on or after (RFC 3339)")
		runFlags.StringVar(&opts.To, "to", "", "Created on or before (RFC 3339)")
		runFlags.IntVar(&opts.Limit, "limit", 0, "Limit number of runs shown")
		runFlags.StringVar(&opts.Order, "order", "", "Sort order (asc or desc)")
		_ = runFlags.Parse(subArgs)
		err = ctl.Runs(*host, opts)

	case "run":
		if len(subArgs) < 1 {
			err = fmt.Errorf("usage: replayctl run <run-id>")
			break
		}
		err = ctl.Run(*host, subArgs[0], *jsonOut)

	// ── Control commands ──────────────────────────────────────────
	case "create":
		opts := ctl.CreateOptions{JSON: *jsonOut}
		createFlags := pflag.NewFlagSet("create", pflag.ContinueOnError)
		createFlags.StringVar(&opts.StrategyID, "strategy", "", "Strategy ID")
		createFlags.StringVar(&opts.DatasetID, "dataset", "", "Dataset ID")
		createFlags.StringVar(&opts.EquityPath, "equity", "", "Equity curve JSONL path on the daemon host")
		createFlags.StringVar(&opts.OrdersPath, "orders", "", "Order log JSONL path on the daemon host")
		createFlags.StringVar(&opts.BarsPath, "bars", "", "OHLC bars JSONL path on the daemon host")
		createFlags.StringVar(&opts.IdempotencyKey, "idempotency-key", "", "Idempotency key for safe retries")
		_ = createFlags.Parse(subArgs)
		err = ctl.Create(*host, opts)

	// ── Live streaming ────────────────────────────────────────────
	case "watch":
		if len(subArgs) < 1 {
			err = fmt.Errorf("usage: replayctl watch <run-id>")
			break
		}
		err = ctl.Watch(*host, subArgs[0], ctl.WatchOptions{
			Filter: *filter,
			JSON:   *jsonOut,
		})

	case "play":
		opts := ctl.PlayOptions{}
		playFlags := pflag.NewFlagSet("play", pflag.ContinueOnError)
		playFlags.IntVar(&opts.FPS, "fps", 0, "Client-side frame consumption rate")
		playFlags.IntVar(&opts.Queue, "queue", 0, "Client buffer capacity in frames")
		playFlags.Float64Var(&opts.Speed, "speed", 1.0, "Playback rate factor")
		playFlags.StringVar(&opts.SeekTo, "seek", "", "Jump to position (RFC 3339) once streaming")
		playFlags.IntVar(&opts.Retries, "retries", 0, "Reconnect attempt budget")
		_ = playFlags.Parse(subArgs)
		if playFlags.NArg() < 1 {
			err = fmt.Errorf("usage: replayctl play [flags] <run-id>")
			break
		}
		err = ctl.Play(*host, playFlags.Arg(0), opts)

	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Print(`
  replayctl — backtest replay control CLI

  USAGE
    replayctl [flags] <command> [command-flags]

  COMMANDS (query)
    status          Show daemon state, uptime, and open sessions
    health          Check daemon and catalog health
    version         Show CLI and daemon version information
    runs            List backtest runs in the catalog
    run             Show one run's detail, artifacts, and metrics

  COMMANDS (control)
    create          Register a new backtest run

  COMMANDS (live)
    watch           Dump a run's raw playback stream (Ctrl-C to stop)
    play            Replay a run with client-side pacing and buffering

  GLOBAL FLAGS
    -H, --host URL      Daemon base URL (default: http://127.0.0.1:8080)
        --json          Output raw JSON instead of formatted text
        --filter TYPE   Message types to show in watch (comma-separated)

  COMMAND FLAGS
    runs:
        --symbol SYM        Filter by instrument symbol
        --strategy ID       Filter by strategy ID
        --from TS           Created on or after (RFC 3339)
        --to TS             Created on or before (RFC 3339)
        --limit N           Limit number of runs shown
        --order DIR         Sort order (asc or desc)

    create:
        --strategy ID       Strategy ID
        --dataset ID        Dataset ID
        --equity PATH       Equity curve JSONL path on the daemon host
        --orders PATH       Order log JSONL path on the daemon host
        --bars PATH         OHLC bars JSONL path on the daemon host
        --idempotency-key K Idempotency key for safe retries

    play:
        --fps N             Client-side consumption rate (default: 30)
        --queue N           Buffer capacity in frames (default: 120)
        --speed F           Playback rate factor (default: 1.0)
        --seek TS           Jump to position once streaming (RFC 3339)
        --retries N         Reconnect attempt budget (default: 10)

  EXAMPLES
    replayctl status
    replayctl --json runs
    replayctl runs --symbol BTCUSD --limit 10
    replayctl run 7f3c9a12-...
    replayctl create --strategy sma-cross --dataset binance-1m --equity runs/a/equity.jsonl
    replayctl watch 7f3c9a12-...
    replayctl watch 7f3c9a12-... --filter frame,err
    replayctl play 7f3c9a12-...
    replayctl play --speed 4 --fps 60 7f3c9a12-...

`)
}
