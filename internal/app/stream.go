package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hewston/replay/internal/catalog"
	"github.com/hewston/replay/internal/protocol"
	"github.com/hewston/replay/internal/source"
	"github.com/hewston/replay/internal/ws"
)

// handleRunWS is the bidirectional control channel for one playback
// session. Control commands (play/pause/seek/speed) arrive from the client;
// frames, heartbeats, end-of-stream, and errors flow back.
func (a *App) handleRunWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	ch, err := ws.Upgrade(w, r)
	if err != nil {
		return
	}

	run, err := a.catalog.GetRun(id)
	if errors.Is(err, catalog.ErrNotFound) {
		// Fatal for this session: the client must not reconnect.
		_ = ch.WriteNow(protocol.NewErr(protocol.CodeRunNotFound, "run "+id+" not found"))
		ch.Close()
		return
	}
	if err != nil {
		_ = ch.WriteNow(protocol.NewErr(protocol.CodeStreamError, err.Error()))
		ch.Close()
		return
	}

	a.sessions.Add(1)
	defer a.sessions.Add(-1)
	a.log.Printf("ws session open run=%s", id)

	s := &streamSession{
		app: a,
		run: run,
		ch:  ch,
	}
	s.serve(r.Context())
	a.log.Printf("ws session closed run=%s frames_sent=%d", id, s.framesSent)
}

// streamSession owns the server side of one playback channel: the player
// cursor, the pacing ticker, and the heartbeat ticker. Everything runs on
// a single goroutine; the ws.Channel serializes the actual writes.
type streamSession struct {
	app *App
	run *catalog.Run
	ch  *ws.Channel

	player     *source.Player
	playing    bool
	ended      bool
	framesSent int64
}

func (s *streamSession) serve(ctx context.Context) {
	defer s.ch.Close()

	frames, err := source.LoadFrames(s.run)
	if err != nil {
		_ = s.ch.WriteNow(protocol.NewErr(protocol.CodeStreamError, err.Error()))
		return
	}
	cfg := s.app.cfg.Stream
	s.player = source.NewPlayer(frames, cfg.FPS, cfg.PlaybackSeconds)

	go s.ch.Run(ctx)

	tick := time.NewTicker(s.player.Period())
	defer tick.Stop()
	hb := time.NewTicker(time.Duration(cfg.HeartbeatSeconds) * time.Second)
	defer hb.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ch.Done():
			return

		case raw, ok := <-s.ch.Messages():
			if !ok {
				return
			}
			s.handleCtrl(raw, tick)

		case <-tick.C:
			s.emitDue(time.Now())

		case <-hb.C:
			_ = s.ch.SendJSON(protocol.Heartbeat())
		}
	}
}

// handleCtrl validates and applies one incoming control message. Malformed
// payloads are protocol noise: answered with a VALIDATION error, never
// fatal.
func (s *streamSession) handleCtrl(raw []byte, tick *time.Ticker) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		_ = s.ch.SendJSON(protocol.NewErr(protocol.CodeValidation, "invalid JSON"))
		return
	}
	ctrl, ok := msg.(*protocol.Ctrl)
	if !ok {
		_ = s.ch.SendJSON(protocol.NewErr(protocol.CodeValidation, "unsupported message"))
		return
	}
	if !protocol.ValidCmd(ctrl.Cmd) {
		_ = s.ch.SendJSON(protocol.NewErr(protocol.CodeValidation, "invalid ctrl.cmd"))
		return
	}

	now := time.Now()
	switch ctrl.Cmd {
	case protocol.CmdPlay:
		// Redundant play while already playing is a no-op.
		if !s.playing && !s.ended {
			s.playing = true
			s.player.Play(now)
		}

	case protocol.CmdPause:
		s.playing = false

	case protocol.CmdSeek:
		target, err := time.Parse(protocol.TimeFormat, ctrl.Pos)
		if err != nil {
			_ = s.ch.SendJSON(protocol.NewErr(protocol.CodeRange, "unparseable seek position"))
			return
		}
		// Out-of-range targets clamp to the data edges; seeking also
		// revives a stream that had already ended.
		s.player.Seek(now, target)
		s.ended = false

	case protocol.CmdSpeed:
		if ctrl.Val <= 0 {
			_ = s.ch.SendJSON(protocol.NewErr(protocol.CodeValidation, "speed must be > 0"))
			return
		}
		s.player.SetSpeed(now, ctrl.Val)
		tick.Reset(s.player.Period())
	}
}

// emitDue sends at most one frame per tick and flips to ended when the
// cursor passes the last frame.
func (s *streamSession) emitDue(now time.Time) {
	if !s.playing || s.ended {
		return
	}
	if f, ok := s.player.Next(now); ok {
		if err := s.ch.SendJSON(&f); err != nil {
			return
		}
		s.framesSent++
	}
	if s.player.Done() {
		s.ended = true
		s.playing = false
		_ = s.ch.SendJSON(protocol.End())
	}
}

// handleRunSSE is the read-only fallback stream: frames, end, and error
// events over text/event-stream with no control path.
func (a *App) handleRunSSE(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	run, err := a.catalog.GetRun(id)
	if errors.Is(err, catalog.ErrNotFound) {
		jsonError(w, "RUN_NOT_FOUND", "run "+id+" not found", http.StatusNotFound)
		return
	}
	if err != nil {
		jsonError(w, "INTERNAL", "failed to load run", http.StatusInternalServerError)
		return
	}

	speed := 1.0
	if v := r.URL.Query().Get("speed"); v != "" {
		if _, err := fmt.Sscanf(v, "%f", &speed); err != nil || speed <= 0 {
			jsonError(w, "BAD_REQUEST", "invalid speed", http.StatusBadRequest)
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonError(w, "INTERNAL", "streaming unsupported", http.StatusInternalServerError)
		return
	}

	frames, err := source.LoadFrames(run)
	if err != nil {
		jsonError(w, "INTERNAL", err.Error(), http.StatusInternalServerError)
		return
	}

	cfg := a.cfg.Stream
	player := source.NewPlayer(frames, cfg.FPS, cfg.PlaybackSeconds)
	player.SetSpeed(time.Now(), speed)
	player.Play(time.Now())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	a.sessions.Add(1)
	defer a.sessions.Add(-1)

	sent := int64(0)
	tick := time.NewTicker(player.Period())
	defer tick.Stop()

	ctx := r.Context()
	for !player.Done() {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			f, ok := player.Next(time.Now())
			if !ok {
				continue
			}
			if err := writeSSE(w, "frame", &f); err != nil {
				return
			}
			flusher.Flush()
			sent++
		}
	}

	_ = writeSSE(w, "end", map[string]any{})
	flusher.Flush()
	a.log.Printf("sse stream done run=%s frames_sent=%d", id, sent)
}

func writeSSE(w http.ResponseWriter, event string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
	return err
}
