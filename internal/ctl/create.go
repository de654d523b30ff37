package ctl

import (
	"fmt"
	"strings"
)

// CreateOptions describes the run record to register.
type CreateOptions struct {
	JSON           bool
	StrategyID     string
	DatasetID      string
	EquityPath     string
	OrdersPath     string
	BarsPath       string
	IdempotencyKey string
}

// Create registers a completed run's artifacts with the catalog so it can
// be replayed.
func Create(baseURL string, opts CreateOptions) error {
	baseURL = strings.TrimRight(baseURL, "/")

	body := map[string]any{
		"strategy_id": opts.StrategyID,
		"dataset_id":  opts.DatasetID,
		"artifacts": map[string]string{
			"equity_path": opts.EquityPath,
			"orders_path": opts.OrdersPath,
			"bars_path":   opts.BarsPath,
		},
	}

	var created RunDetail
	if err := postJSON(baseURL, "/backtests", opts.IdempotencyKey, body, &created); err != nil {
		return err
	}

	if opts.JSON {
		return printJSON(created)
	}

	fmt.Println()
	fmt.Printf("  %s run %s\n", colorize(green, "created"), colorize(bold, created.RunID))
	fmt.Println()
	return nil
}
