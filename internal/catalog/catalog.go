// Package catalog stores metadata for completed backtest runs in a sqlite
// database. It is the lookup authority the streaming layer consults before
// opening a playback session: a run id that is not here does not exist.
package catalog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a run or dataset id is unknown.
var ErrNotFound = errors.New("catalog: not found")

const ddl = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS datasets (
	dataset_id TEXT PRIMARY KEY,
	symbol     TEXT NOT NULL,
	from_date  TEXT,
	to_date    TEXT
);

CREATE TABLE IF NOT EXISTS runs (
	run_id       TEXT PRIMARY KEY,
	dataset_id   TEXT REFERENCES datasets(dataset_id),
	strategy_id  TEXT NOT NULL,
	status       TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	duration_ms  INTEGER,
	equity_path  TEXT,
	orders_path  TEXT,
	bars_path    TEXT,
	metrics_json TEXT
);

CREATE TABLE IF NOT EXISTS idempotency (
	key    TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(run_id)
);
`

// Dataset describes one ingested market-data slice.
type Dataset struct {
	DatasetID string `json:"dataset_id"`
	Symbol    string `json:"symbol"`
	FromDate  string `json:"from_date,omitempty"`
	ToDate    string `json:"to_date,omitempty"`
}

// Artifacts holds the on-disk outputs of a completed run.
type Artifacts struct {
	EquityPath string `json:"equity_path,omitempty"`
	OrdersPath string `json:"orders_path,omitempty"`
	BarsPath   string `json:"bars_path,omitempty"`
}

// Run is the full catalog record for one backtest run.
type Run struct {
	RunID      string         `json:"run_id"`
	DatasetID  string         `json:"dataset_id,omitempty"`
	StrategyID string         `json:"strategy_id"`
	Status     string         `json:"status"`
	CreatedAt  string         `json:"created_at"`
	DurationMs int64          `json:"duration_ms,omitempty"`
	Artifacts  Artifacts      `json:"artifacts"`
	Metrics    map[string]any `json:"metrics,omitempty"`

	// Joined from the dataset row, when present.
	Symbol   string `json:"symbol,omitempty"`
	FromDate string `json:"from_date,omitempty"`
	ToDate   string `json:"to_date,omitempty"`
}

// ListFilter narrows ListRuns results. Zero values mean no constraint.
type ListFilter struct {
	Symbol     string
	StrategyID string
	From       string // inclusive lower bound on created_at (date prefix)
	To         string // inclusive upper bound on created_at (date prefix)
	Limit      int
	Offset     int
	Order      string // "asc" or "desc" by created_at; default desc
}

// Catalog is a sqlite-backed run store. Safe for concurrent use; all
// synchronization is delegated to database/sql.
type Catalog struct {
	db *sql.DB
}

// Open opens (creating if necessary) the catalog database at path. The
// parent directory is created on demand; ":memory:" is honored for tests.
func Open(path string) (*Catalog, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create catalog dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure catalog: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("init catalog schema: %w", err)
	}

	return &Catalog{db: db}, nil
}

// Close releases the underlying database handle.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// UpsertDataset inserts or replaces a dataset row.
func (c *Catalog) UpsertDataset(d Dataset) error {
	_, err := c.db.Exec(`
		INSERT INTO datasets (dataset_id, symbol, from_date, to_date)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(dataset_id) DO UPDATE SET
			symbol = excluded.symbol,
			from_date = excluded.from_date,
			to_date = excluded.to_date`,
		d.DatasetID, d.Symbol, d.FromDate, d.ToDate)
	return err
}

// GetRun returns the full record for run id, or ErrNotFound.
func (c *Catalog) GetRun(id string) (*Run, error) {
	row := c.db.QueryRow(`
		SELECT r.run_id, r.dataset_id, r.strategy_id, r.status, r.created_at,
		       r.duration_ms, r.equity_path, r.orders_path, r.bars_path,
		       r.metrics_json,
		       COALESCE(d.symbol, ''), COALESCE(d.from_date, ''), COALESCE(d.to_date, '')
		FROM runs r
		LEFT JOIN datasets d ON d.dataset_id = r.dataset_id
		WHERE r.run_id = ?`, id)

	var (
		r           Run
		datasetID   sql.NullString
		durationMs  sql.NullInt64
		equityPath  sql.NullString
		ordersPath  sql.NullString
		barsPath    sql.NullString
		metricsJSON sql.NullString
	)
	err := row.Scan(&r.RunID, &datasetID, &r.StrategyID, &r.Status, &r.CreatedAt,
		&durationMs, &equityPath, &ordersPath, &barsPath, &metricsJSON,
		&r.Symbol, &r.FromDate, &r.ToDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	r.DatasetID = datasetID.String
	r.DurationMs = durationMs.Int64
	r.Artifacts = Artifacts{
		EquityPath: equityPath.String,
		OrdersPath: ordersPath.String,
		BarsPath:   barsPath.String,
	}
	if metricsJSON.Valid && metricsJSON.String != "" {
		// Metrics are opaque to the catalog; a corrupt blob is dropped
		// rather than failing the whole lookup.
		_ = json.Unmarshal([]byte(metricsJSON.String), &r.Metrics)
	}
	return &r, nil
}

// ListRuns returns run summaries matching the filter, newest first unless
// Order is "asc".
func (c *Catalog) ListRuns(f ListFilter) ([]Run, error) {
	var (
		where []string
		args  []any
	)
	if f.Symbol != "" {
		where = append(where, "d.symbol = ?")
		args = append(args, f.Symbol)
	}
	if f.StrategyID != "" {
		where = append(where, "r.strategy_id = ?")
		args = append(args, f.StrategyID)
	}
	if f.From != "" {
		where = append(where, "r.created_at >= ?")
		args = append(args, f.From)
	}
	if f.To != "" {
		// Upper bound is a date prefix; pad so the whole day matches.
		where = append(where, "r.created_at <= ?")
		args = append(args, f.To+"~")
	}

	q := `
		SELECT r.run_id, r.dataset_id, r.strategy_id, r.status, r.created_at,
		       r.duration_ms,
		       COALESCE(d.symbol, ''), COALESCE(d.from_date, ''), COALESCE(d.to_date, '')
		FROM runs r
		LEFT JOIN datasets d ON d.dataset_id = r.dataset_id`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if strings.EqualFold(f.Order, "asc") {
		q += " ORDER BY r.created_at ASC"
	} else {
		q += " ORDER BY r.created_at DESC"
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	q += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := c.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r          Run
			datasetID  sql.NullString
			durationMs sql.NullInt64
		)
		if err := rows.Scan(&r.RunID, &datasetID, &r.StrategyID, &r.Status,
			&r.CreatedAt, &durationMs, &r.Symbol, &r.FromDate, &r.ToDate); err != nil {
			return nil, err
		}
		r.DatasetID = datasetID.String
		r.DurationMs = durationMs.Int64
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateSpec is the caller-supplied portion of a new run record.
type CreateSpec struct {
	DatasetID  string    `json:"dataset_id,omitempty"`
	StrategyID string    `json:"strategy_id"`
	Artifacts  Artifacts `json:"artifacts"`
}

// CreateRun inserts a new run with a generated id. When idempotencyKey is
// non-empty and was seen before, the previously created run is returned
// with created=false instead of inserting a duplicate.
func (c *Catalog) CreateRun(spec CreateSpec, idempotencyKey string) (run *Run, created bool, err error) {
	if spec.StrategyID == "" {
		return nil, false, errors.New("catalog: strategy_id is required")
	}

	if idempotencyKey != "" {
		var existing string
		err := c.db.QueryRow(`SELECT run_id FROM idempotency WHERE key = ?`, idempotencyKey).Scan(&existing)
		if err == nil {
			r, gerr := c.GetRun(existing)
			return r, false, gerr
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, err
		}
	}

	id := uuid.NewString()
	createdAt := time.Now().UTC().Format(time.RFC3339)

	tx, err := c.db.Begin()
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO runs (run_id, dataset_id, strategy_id, status, created_at,
		                  equity_path, orders_path, bars_path)
		VALUES (?, NULLIF(?, ''), ?, 'completed', ?, ?, ?, ?)`,
		id, spec.DatasetID, spec.StrategyID, createdAt,
		spec.Artifacts.EquityPath, spec.Artifacts.OrdersPath, spec.Artifacts.BarsPath)
	if err != nil {
		return nil, false, err
	}

	if idempotencyKey != "" {
		if _, err := tx.Exec(`INSERT INTO idempotency (key, run_id) VALUES (?, ?)`,
			idempotencyKey, id); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	r, err := c.GetRun(id)
	return r, true, err
}
