package session

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewston/replay/internal/protocol"
)

// harness wires a Session to an in-memory dialer and collects every
// published event.
type harness struct {
	sess   *Session
	events chan Event

	mu    sync.Mutex
	conns []*fakeConn
	dials int
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{events: make(chan Event, 256)}

	cfg.Dial = func(ctx context.Context, url string) (Conn, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.dials++
		c := newFakeConn()
		h.conns = append(h.conns, c)
		return c, nil
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	if cfg.TargetFPS == 0 {
		cfg.TargetFPS = 60
	}

	h.sess = New(cfg)
	h.sess.Subscribe(func(ev Event) { h.events <- ev })
	t.Cleanup(h.sess.Close)
	return h
}

func (h *harness) conn(t *testing.T, i int) *fakeConn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		if len(h.conns) > i {
			c := h.conns[i]
			h.mu.Unlock()
			return c
		}
		h.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connection %d never opened", i)
	return nil
}

func (h *harness) dialCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dials
}

// waitState consumes events until the wanted transition appears, returning
// any updates seen on the way.
func (h *harness) waitState(t *testing.T, want State) (updates []Event) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Update != nil {
				updates = append(updates, ev)
				continue
			}
			if ev.State == want {
				return updates
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state %q", want)
		}
	}
}

// waitUpdates consumes events until n updates have been seen.
func (h *harness) waitUpdates(t *testing.T, n int) (updates []Event) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for len(updates) < n {
		select {
		case ev := <-h.events:
			if ev.Update != nil {
				updates = append(updates, ev)
			}
		case <-timeout:
			t.Fatalf("timed out after %d of %d updates", len(updates), n)
		}
	}
	return updates
}

func TestSessionPlaysThroughToEnd(t *testing.T) {
	h := newHarness(t, Config{URL: "ws://test/run"})
	h.sess.Connect()

	conn := h.conn(t, 0)
	conn.expectCtrl(t, protocol.CmdPlay)
	h.waitState(t, StateStreaming)

	for i := 1; i <= 5; i++ {
		conn.serve(t, testFrame(i, 0))
	}
	conn.serve(t, protocol.End())

	// End-of-stream drains whatever is still buffered before the terminal
	// transition, so nothing paced is lost.
	updates := h.waitState(t, StateEnded)
	require.Len(t, updates, 5)
	for i, ev := range updates {
		assert.Equal(t, float64(i+1), ev.Update.Frame.Equity.Value)
		assert.Zero(t, ev.Dropped)
	}

	assert.Equal(t, StateEnded, h.sess.State())
}

func TestSessionRedundantPlayIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{URL: "ws://test/run"})
	h.sess.Connect()

	conn := h.conn(t, 0)
	conn.expectCtrl(t, protocol.CmdPlay)
	h.waitState(t, StateStreaming)
	conn.serve(t, testFrame(1, 0))
	h.waitUpdates(t, 1)

	h.sess.Play()
	h.sess.Play()

	// The repeats are forwarded but produce no duplicate transition.
	conn.expectCtrl(t, protocol.CmdPlay)
	conn.expectCtrl(t, protocol.CmdPlay)
	select {
	case ev := <-h.events:
		if ev.Update == nil && ev.Err == nil {
			t.Fatalf("unexpected state transition to %q", ev.State)
		}
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSessionPauseAndResume(t *testing.T) {
	h := newHarness(t, Config{URL: "ws://test/run"})
	h.sess.Connect()

	conn := h.conn(t, 0)
	conn.expectCtrl(t, protocol.CmdPlay)
	h.waitState(t, StateStreaming)

	h.sess.Pause()
	conn.expectCtrl(t, protocol.CmdPause)
	h.waitState(t, StatePaused)

	h.sess.Play()
	conn.expectCtrl(t, protocol.CmdPlay)
	h.waitState(t, StateStreaming)
}

func TestSessionReconnectCycle(t *testing.T) {
	h := newHarness(t, Config{URL: "ws://test/run"})
	h.sess.Connect()

	first := h.conn(t, 0)
	first.expectCtrl(t, protocol.CmdPlay)
	h.waitState(t, StateStreaming)
	first.serve(t, testFrame(1, 0))
	h.waitUpdates(t, 1)

	// Connection drops: error at the moment of failure, connecting once the
	// backoff elapses, streaming again after the reopen play.
	first.Close()
	h.waitState(t, StateError)
	h.waitState(t, StateConnecting)

	second := h.conn(t, 1)
	second.expectCtrl(t, protocol.CmdPlay)
	h.waitState(t, StateStreaming)

	// The new stream starts over; the ordering cursors survive, so the
	// replayed frame 1 is an in-place update, not a regression.
	second.serve(t, testFrame(1, 0))
	updates := h.waitUpdates(t, 1)
	assert.True(t, updates[0].Update.Replace)
}

func TestSessionFatalErrorStopsRetrying(t *testing.T) {
	h := newHarness(t, Config{URL: "ws://test/run"})
	h.sess.Connect()

	conn := h.conn(t, 0)
	conn.expectCtrl(t, protocol.CmdPlay)
	h.waitState(t, StateStreaming)

	conn.serve(t, protocol.NewErr(protocol.CodeRunNotFound, "no such run"))

	timeout := time.After(2 * time.Second)
	for {
		var ev Event
		select {
		case ev = <-h.events:
		case <-timeout:
			t.Fatal("timed out waiting for terminal error")
		}
		if ev.State == StateError {
			require.Error(t, ev.Err)
			var perr *protocol.ErrEvent
			require.True(t, errors.As(ev.Err, &perr))
			assert.Equal(t, protocol.CodeRunNotFound, perr.Code)
			break
		}
	}

	// Unknown run is not retried.
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, 1, h.dialCount())
	assert.Equal(t, StateError, h.sess.State())
}

func TestSessionNonFatalErrorKeepsStreaming(t *testing.T) {
	h := newHarness(t, Config{URL: "ws://test/run"})
	h.sess.Connect()

	conn := h.conn(t, 0)
	conn.expectCtrl(t, protocol.CmdPlay)
	h.waitState(t, StateStreaming)

	conn.serve(t, protocol.NewErr(protocol.CodeRange, "seek out of range"))

	timeout := time.After(2 * time.Second)
	for {
		var ev Event
		select {
		case ev = <-h.events:
		case <-timeout:
			t.Fatal("timed out waiting for error event")
		}
		if ev.Err != nil {
			assert.Equal(t, StateStreaming, ev.State)
			break
		}
	}

	// The stream is still alive.
	conn.serve(t, testFrame(1, 0))
	h.waitUpdates(t, 1)
	assert.Equal(t, StateStreaming, h.sess.State())
}

func TestSessionSeekRebasesOrdering(t *testing.T) {
	h := newHarness(t, Config{URL: "ws://test/run"})
	h.sess.Connect()

	conn := h.conn(t, 0)
	conn.expectCtrl(t, protocol.CmdPlay)
	h.waitState(t, StateStreaming)

	conn.serve(t, testFrame(30, 0))
	h.waitUpdates(t, 1)

	h.sess.Seek(time.Date(2024, 3, 1, 9, 30, 10, 0, time.UTC))
	got := conn.expectCtrl(t, protocol.CmdSeek)
	assert.Equal(t, "2024-03-01T09:30:10Z", got.Pos)

	// The rewound frame would have been stale without the seek reset.
	conn.serve(t, testFrame(10, 0))
	updates := h.waitUpdates(t, 1)
	assert.Equal(t, float64(10), updates[0].Update.Frame.Equity.Value)
}

func TestSessionQueueOverflowCountsLocalDrops(t *testing.T) {
	// FPS 1 keeps the consumer slow while the burst lands.
	h := newHarness(t, Config{URL: "ws://test/run", TargetFPS: 1, QueueCapacity: 3})
	h.sess.Connect()

	conn := h.conn(t, 0)
	conn.expectCtrl(t, protocol.CmdPlay)
	h.waitState(t, StateStreaming)

	for i := 1; i <= 5; i++ {
		conn.serve(t, testFrame(i, 0))
	}

	// Two oldest frames evicted; the first delivered frame is frame 3 and
	// carries the combined dropped total.
	updates := h.waitUpdates(t, 1)
	assert.Equal(t, float64(3), updates[0].Update.Frame.Equity.Value)
	assert.Equal(t, int64(2), updates[0].Dropped)
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{URL: "ws://test/run"})
	h.sess.Connect()
	h.conn(t, 0)
	h.waitState(t, StateStreaming)

	h.sess.Close()
	h.sess.Close()
}

func TestSessionConnectAfterTerminalRestarts(t *testing.T) {
	h := newHarness(t, Config{URL: "ws://test/run"})
	h.sess.Connect()

	conn := h.conn(t, 0)
	conn.expectCtrl(t, protocol.CmdPlay)
	h.waitState(t, StateStreaming)
	conn.serve(t, protocol.End())
	h.waitState(t, StateEnded)

	// A finished session can be replayed from scratch.
	h.sess.Connect()
	second := h.conn(t, 1)
	second.expectCtrl(t, protocol.CmdPlay)
	h.waitState(t, StateStreaming)
}

func TestSessionReconnectFromEndedCallback(t *testing.T) {
	h := newHarness(t, Config{URL: "ws://test/run"})

	// A consumer restarting the session straight from the event stream is
	// the worst case: Connect runs while the finished loop is still inside
	// its own teardown.
	var restart sync.Once
	h.sess.Subscribe(func(ev Event) {
		if ev.State == StateEnded {
			restart.Do(h.sess.Connect)
		}
	})

	h.sess.Connect()
	first := h.conn(t, 0)
	first.expectCtrl(t, protocol.CmdPlay)
	h.waitState(t, StateStreaming)

	first.serve(t, protocol.End())
	h.waitState(t, StateEnded)

	// The restarted session must get a fresh transport that actually
	// dials, plays, and streams.
	second := h.conn(t, 1)
	second.expectCtrl(t, protocol.CmdPlay)
	h.waitState(t, StateStreaming)
	assert.Equal(t, 2, h.dialCount())

	second.serve(t, testFrame(1, 0))
	h.waitUpdates(t, 1)
}
