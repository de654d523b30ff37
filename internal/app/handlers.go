package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/hewston/replay/internal/catalog"
)

// ---------------------------------------------------------------------------
// Run catalog handlers
// ---------------------------------------------------------------------------

func (a *App) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := catalog.ListFilter{
		Symbol:     q.Get("symbol"),
		StrategyID: q.Get("strategy_id"),
		From:       q.Get("from"),
		To:         q.Get("to"),
		Order:      q.Get("order"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			f.Offset = n
		}
	}

	runs, err := a.catalog.ListRuns(f)
	if err != nil {
		a.log.Printf("list runs failed: %v", err)
		jsonError(w, "INTERNAL", "failed to list runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []catalog.Run{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"items": runs})
}

func (a *App) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	run, err := a.catalog.GetRun(id)
	if errors.Is(err, catalog.ErrNotFound) {
		jsonError(w, "RUN_NOT_FOUND", "run "+id+" not found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.log.Printf("get run %s failed: %v", id, err)
		jsonError(w, "INTERNAL", "failed to load run", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(run)
}

func (a *App) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var spec catalog.CreateSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		jsonError(w, "BAD_REQUEST", "invalid JSON", http.StatusBadRequest)
		return
	}

	key := r.Header.Get("Idempotency-Key")
	run, created, err := a.catalog.CreateRun(spec, key)
	if err != nil {
		a.log.Printf("create run failed: %v", err)
		jsonError(w, "BAD_REQUEST", err.Error(), http.StatusBadRequest)
		return
	}

	status := http.StatusAccepted
	if !created {
		// Idempotent replay of an earlier create.
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(run)
}

// jsonError writes the error envelope shared by all REST endpoints.
func jsonError(w http.ResponseWriter, code, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": msg},
	})
}
