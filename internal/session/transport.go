package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hewston/replay/internal/protocol"
)

// Reconnect policy. Delays are deterministic (no jitter) so behavior under
// failure is exactly reproducible.
const (
	backoffStart = 500 * time.Millisecond
	backoffCap   = 5 * time.Second

	// playNudgeInterval guards against the race where the initial play
	// was sent before the source was ready to honor it.
	playNudgeInterval = time.Second

	DefaultIdleTimeout = 30 * time.Second
	DefaultMaxRetries  = 10
)

// Conn is the subset of a websocket connection the transport needs.
// *websocket.Conn satisfies it; tests substitute in-memory fakes.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// DialFunc opens one physical connection to the frame source.
type DialFunc func(ctx context.Context, url string) (Conn, error)

func gorillaDial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	return conn, err
}

// backoffDelay returns the delay before reconnect attempt n (1-based):
// 500ms, 1s, 2s, 4s, then capped at 5s.
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffStart
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

// Kinds of events the transport reports to the session loop.
type tevKind int

const (
	tevOpen    tevKind = iota // channel (re)established, play already sent
	tevMessage                // raw inbound message
	tevClosed                 // connection lost, retry scheduled after delay
	tevDialing                // backoff elapsed, dialing again
	tevFatal                  // retry budget exhausted
)

type tevent struct {
	kind    tevKind
	raw     []byte
	err     error
	attempt int
	delay   time.Duration
}

// transport maintains exactly one logical channel to the source, hiding
// physical reconnects. On every (re)open it resets the frames-seen counter
// and sends play, nudging periodically until the first frame arrives.
// Commands sent while disconnected are dropped, not queued: the reopen
// play is the resume contract.
type transport struct {
	url        string
	dial       DialFunc
	idle       time.Duration
	budget     int
	nudgeEvery time.Duration

	events chan tevent

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	sendCh chan protocol.Ctrl // nil while disconnected

	framesSeen atomic.Int64
}

func newTransport(ctx context.Context, url string, dial DialFunc, idle time.Duration, budget int) *transport {
	if dial == nil {
		dial = gorillaDial
	}
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	if budget <= 0 {
		budget = DefaultMaxRetries
	}
	tctx, cancel := context.WithCancel(ctx)
	return &transport{
		url:        url,
		dial:       dial,
		idle:       idle,
		budget:     budget,
		nudgeEvery: playNudgeInterval,
		events:     make(chan tevent, 64),
		ctx:        tctx,
		cancel:     cancel,
	}
}

// run dials, serves, and reconnects until the context is cancelled or the
// retry budget runs out. It owns every timer it starts. The session sees
// tevClosed at the moment of failure and tevDialing only after the backoff
// delay has elapsed.
func (t *transport) run() {
	attempt := 0
	for {
		if t.ctx.Err() != nil {
			return
		}

		conn, err := t.dial(t.ctx, t.url)
		if err == nil {
			attempt = 0
			t.serveConn(conn)
			if t.ctx.Err() != nil {
				return
			}
		}

		attempt++
		if attempt > t.budget {
			t.emit(tevent{kind: tevFatal, err: err, attempt: attempt})
			return
		}
		delay := backoffDelay(attempt)
		t.emit(tevent{kind: tevClosed, err: err, attempt: attempt, delay: delay})
		if !t.sleep(delay) {
			return
		}
		t.emit(tevent{kind: tevDialing, attempt: attempt})
	}
}

// serveConn drives one physical connection: a writer goroutine for
// commands and the play nudge, and a read loop with the idle deadline.
// Returns when the connection dies or the transport stops.
func (t *transport) serveConn(conn Conn) {
	defer conn.Close()

	t.framesSeen.Store(0)

	sendCh := make(chan protocol.Ctrl, 8)
	t.mu.Lock()
	t.sendCh = sendCh
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.sendCh = nil
		t.mu.Unlock()
	}()

	writerDone := make(chan struct{})
	readerDone := make(chan struct{})

	// Unblock the read loop when the transport is stopped mid-read.
	go func() {
		select {
		case <-t.ctx.Done():
			_ = conn.Close()
		case <-readerDone:
		}
	}()

	go func() {
		defer close(writerDone)

		// Resume contract: a freshly opened channel always plays.
		if err := conn.WriteJSON(protocol.Ctrl{T: protocol.TypeCtrl, Cmd: protocol.CmdPlay}); err != nil {
			return
		}

		nudge := time.NewTicker(t.nudgeEvery)
		defer nudge.Stop()

		for {
			select {
			case <-t.ctx.Done():
				return
			case <-readerDone:
				return
			case cmd := <-sendCh:
				if err := conn.WriteJSON(cmd); err != nil {
					return
				}
			case <-nudge.C:
				if t.framesSeen.Load() > 0 {
					nudge.Stop()
					continue
				}
				if err := conn.WriteJSON(protocol.Ctrl{T: protocol.TypeCtrl, Cmd: protocol.CmdPlay}); err != nil {
					return
				}
			}
		}
	}()

	t.emit(tevent{kind: tevOpen})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(t.idle))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if isFrame(raw) {
			t.framesSeen.Add(1)
		}
		t.emit(tevent{kind: tevMessage, raw: raw})
	}

	close(readerDone)
	_ = conn.Close()
	<-writerDone
}

// send forwards a command on the live connection, dropping it when
// disconnected.
func (t *transport) send(c protocol.Ctrl) {
	t.mu.Lock()
	ch := t.sendCh
	t.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- c:
	default:
	}
}

// stop tears the transport down: any pending reconnect timer is cancelled
// and the open connection, if any, is closed by its serve loop.
func (t *transport) stop() {
	t.cancel()
}

func (t *transport) emit(ev tevent) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}

// sleep waits for d unless the transport stops first.
func (t *transport) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// isFrame peeks at the envelope tag for the nudge cutoff; the session
// decodes the full payload later.
func isFrame(raw []byte) bool {
	var env struct {
		T string `json:"t"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return false
	}
	return env.T == protocol.TypeFrame
}
