// Package source turns a completed run's artifacts into a paced, decimated
// frame stream. The loader joins the equity curve with bar and order
// activity by timestamp; the player owns the emission schedule and the
// cumulative dropped-frame counter stamped on every frame.
package source

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/hewston/replay/internal/catalog"
	"github.com/hewston/replay/internal/protocol"
)

// ErrNoArtifacts is returned when a run has no equity artifact to replay.
var ErrNoArtifacts = errors.New("source: run has no equity artifact")

// equityRow is one line of the equity JSONL artifact.
type equityRow struct {
	TS    string  `json:"ts_utc"`
	Value float64 `json:"value"`
}

// barRow is one line of the bars JSONL artifact.
type barRow struct {
	TS     string  `json:"ts"`
	Open   float64 `json:"o"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Close  float64 `json:"c"`
	Volume float64 `json:"v"`
}

// LoadFrames reads the run's artifacts and builds the full, undecimated
// frame sequence ordered by timestamp. Orders and bars are joined onto the
// equity sample sharing their second-granularity timestamp.
func LoadFrames(run *catalog.Run) ([]protocol.Frame, error) {
	if run.Artifacts.EquityPath == "" {
		return nil, ErrNoArtifacts
	}

	equity, err := readLines[equityRow](run.Artifacts.EquityPath)
	if err != nil {
		return nil, fmt.Errorf("read equity: %w", err)
	}
	if len(equity) == 0 {
		return nil, nil
	}

	bars := map[int64]*protocol.OHLC{}
	if run.Artifacts.BarsPath != "" {
		rows, err := readLines[barRow](run.Artifacts.BarsPath)
		if err != nil {
			return nil, fmt.Errorf("read bars: %w", err)
		}
		for _, b := range rows {
			key, ok := tsKey(b.TS)
			if !ok {
				continue
			}
			bars[key] = &protocol.OHLC{
				Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume,
			}
		}
	}

	orders := map[int64][]protocol.Order{}
	if run.Artifacts.OrdersPath != "" {
		rows, err := readLines[protocol.Order](run.Artifacts.OrdersPath)
		if err != nil {
			return nil, fmt.Errorf("read orders: %w", err)
		}
		for _, o := range rows {
			ts, _ := o["ts_utc"].(string)
			key, ok := tsKey(ts)
			if !ok {
				continue
			}
			orders[key] = append(orders[key], o)
		}
	}

	frames := make([]protocol.Frame, 0, len(equity))
	for _, er := range equity {
		key, ok := tsKey(er.TS)
		if !ok {
			// A row without a usable timestamp can't be placed in the
			// stream; skip it rather than failing the whole load.
			continue
		}
		iso := time.Unix(key, 0).UTC().Format(protocol.TimeFormat)
		frames = append(frames, protocol.Frame{
			T:      protocol.TypeFrame,
			TS:     iso,
			OHLC:   bars[key],
			Orders: orders[key],
			Equity: &protocol.EquityPoint{TS: iso, Value: er.Value},
		})
	}

	sort.SliceStable(frames, func(i, j int) bool { return frames[i].TS < frames[j].TS })
	return frames, nil
}

// tsKey normalizes a timestamp string to a unix-seconds join key.
func tsKey(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, false
	}
	return t.Unix(), true
}

// readLines decodes a JSONL file into a slice of T, skipping blank lines.
func readLines[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []T
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, v)
	}
	return out, sc.Err()
}
