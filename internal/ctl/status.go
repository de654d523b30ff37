package ctl

import (
	"fmt"
	"strings"
	"time"
)

// StatusResponse mirrors the JSON returned by GET /api/status.
type StatusResponse struct {
	Name          string         `json:"name"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	DataRoot      string         `json:"data_root"`
	CatalogPath   string         `json:"catalog_path"`
	StreamFPS     int            `json:"stream_fps"`
	OpenSessions  int64          `json:"open_sessions"`
	Disk          map[string]any `json:"disk,omitempty"`
}

// Status fetches the daemon status and prints a formatted summary.
func Status(baseURL string, jsonOutput bool) error {
	baseURL = strings.TrimRight(baseURL, "/")

	var s StatusResponse
	if err := getJSON(baseURL, "/api/status", &s); err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(s)
	}

	uptime := formatDuration(time.Duration(s.UptimeSeconds) * time.Second)

	fmt.Println()
	fmt.Println(header("  REPLAY DAEMON STATUS"))
	fmt.Println(colorize(dim, "  "+strings.Repeat("─", 38)))
	fmt.Printf("  %-12s %s\n", colorize(dim, "Daemon:"), s.Name)
	fmt.Printf("  %-12s %s\n", colorize(dim, "Uptime:"), uptime)
	fmt.Printf("  %-12s %s\n", colorize(dim, "Data:"), s.DataRoot)
	fmt.Printf("  %-12s %s\n", colorize(dim, "Catalog:"), s.CatalogPath)
	fmt.Printf("  %-12s %d fps\n", colorize(dim, "Stream:"), s.StreamFPS)
	fmt.Printf("  %-12s %d\n", colorize(dim, "Sessions:"), s.OpenSessions)
	if avail, ok := s.Disk["available_bytes"].(float64); ok {
		fmt.Printf("  %-12s %s free\n", colorize(dim, "Disk:"), formatBytes(int64(avail)))
	}
	fmt.Printf("  %-12s %s\n", colorize(dim, "Host:"), baseURL)
	fmt.Println()

	return nil
}
