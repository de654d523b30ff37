package ctl

import (
	"fmt"
	"strings"
)

// RunDetail mirrors GET /backtests/{id}.
type RunDetail struct {
	RunSummary
	DatasetID  string         `json:"dataset_id,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
	Artifacts  map[string]any `json:"artifacts"`
	Metrics    map[string]any `json:"metrics,omitempty"`
}

// Run shows the full catalog record for one run id.
func Run(baseURL, runID string, jsonOutput bool) error {
	baseURL = strings.TrimRight(baseURL, "/")

	var r RunDetail
	if err := getJSON(baseURL, "/backtests/"+runID, &r); err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(r)
	}

	fmt.Println()
	fmt.Println(header("  RUN " + r.RunID))
	fmt.Println(colorize(dim, "  "+strings.Repeat("─", 58)))
	fmt.Printf("  %-12s %s\n", colorize(dim, "Strategy:"), r.StrategyID)
	fmt.Printf("  %-12s %s\n", colorize(dim, "Status:"), colorize(runStatusColor(r.Status), r.Status))
	fmt.Printf("  %-12s %s\n", colorize(dim, "Created:"), r.CreatedAt)
	if r.Symbol != "" {
		span := r.Symbol
		if r.FromDate != "" || r.ToDate != "" {
			span += "  " + r.FromDate + " → " + r.ToDate
		}
		fmt.Printf("  %-12s %s\n", colorize(dim, "Dataset:"), span)
	}
	for name, path := range r.Artifacts {
		if s, ok := path.(string); ok && s != "" {
			fmt.Printf("  %-12s %s\n", colorize(dim, name+":"), s)
		}
	}
	if len(r.Metrics) > 0 {
		fmt.Println()
		fmt.Println(header("  METRICS"))
		for k, v := range r.Metrics {
			fmt.Printf("  %-18s %v\n", colorize(dim, k+":"), v)
		}
	}
	fmt.Println()
	return nil
}
