package ctl

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// RunSummary mirrors one item of GET /backtests.
type RunSummary struct {
	RunID      string `json:"run_id"`
	StrategyID string `json:"strategy_id"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
	Symbol     string `json:"symbol,omitempty"`
	FromDate   string `json:"from_date,omitempty"`
	ToDate     string `json:"to_date,omitempty"`
}

// RunsOptions controls the runs listing.
type RunsOptions struct {
	JSON       bool
	Symbol     string
	StrategyID string
	From       string
	To         string
	Limit      int
	Order      string
}

// Runs lists catalog runs matching the filters.
func Runs(baseURL string, opts RunsOptions) error {
	baseURL = strings.TrimRight(baseURL, "/")

	q := url.Values{}
	if opts.Symbol != "" {
		q.Set("symbol", opts.Symbol)
	}
	if opts.StrategyID != "" {
		q.Set("strategy_id", opts.StrategyID)
	}
	if opts.From != "" {
		q.Set("from", opts.From)
	}
	if opts.To != "" {
		q.Set("to", opts.To)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Order != "" {
		q.Set("order", opts.Order)
	}
	path := "/backtests"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Items []RunSummary `json:"items"`
	}
	if err := getJSON(baseURL, path, &resp); err != nil {
		return err
	}

	if opts.JSON {
		return printJSON(resp)
	}

	fmt.Println()
	fmt.Println(header("  BACKTEST RUNS"))
	fmt.Println(colorize(dim, "  "+strings.Repeat("─", 78)))
	if len(resp.Items) == 0 {
		fmt.Println(colorize(dim, "  no runs found"))
		fmt.Println()
		return nil
	}

	fmt.Printf("  %s %s %s %s %s\n",
		colorize(dim, padRight("RUN", 38)),
		colorize(dim, padRight("STRATEGY", 14)),
		colorize(dim, padRight("SYMBOL", 8)),
		colorize(dim, padRight("STATUS", 10)),
		colorize(dim, "CREATED"),
	)
	for _, r := range resp.Items {
		fmt.Printf("  %s %s %s %s %s\n",
			padRight(r.RunID, 38),
			padRight(r.StrategyID, 14),
			padRight(r.Symbol, 8),
			colorize(runStatusColor(r.Status), padRight(r.Status, 10)),
			colorize(dim, r.CreatedAt),
		)
	}
	fmt.Println()
	return nil
}

func runStatusColor(status string) string {
	if !colorEnabled() {
		return ""
	}
	switch status {
	case "completed":
		return green
	case "failed":
		return red
	default:
		return yellow
	}
}
