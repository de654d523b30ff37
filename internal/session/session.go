// Package session implements the client side of a playback stream: a
// state machine owning the session lifecycle, a reconnecting transport, a
// bounded buffering/pacing engine, and a per-series ordering filter.
//
// One Session binds one playback view to one run's stream. Frames flow
// source -> transport -> buffer -> ticker -> subscribers; commands flow
// the other way and never await a response. Everything stateful runs on a
// single session goroutine, so the queue, cursors, and counters need no
// locks; the consumer only observes derived state through the event
// stream.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hewston/replay/internal/protocol"
)

// State is the session lifecycle state. The Session is the single source
// of truth; consumers observe transitions but never mutate state directly.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StatePaused     State = "paused"
	StateEnded      State = "ended"
	StateError      State = "error"
)

// terminal reports whether no further transitions can occur without an
// explicit reconnect by the caller.
func (s State) terminal() bool {
	return s == StateEnded || s == StateError
}

// Event is the single notification stream consumers subscribe to.
// Exactly one of Update and Err may be set; a pure state transition has
// neither. Dropped is the monotone combined dropped-frame total.
type Event struct {
	State   State
	Update  *Update
	Err     error
	Dropped int64
}

// Config parameterizes a Session. Zero values take documented defaults.
type Config struct {
	// URL is the ws endpoint for the run's control channel.
	URL string

	// TargetFPS is the client-side consumption rate (frames per second
	// popped from the buffer), independent of arrival bursts.
	TargetFPS int

	// QueueCapacity bounds the arrival buffer; overflow evicts oldest.
	QueueCapacity int

	// MaxRetries is the reconnect budget for consecutive dial failures.
	MaxRetries int

	// IdleTimeout closes a channel that stays silent (no frame, no
	// heartbeat) for this long, triggering the reconnect path.
	IdleTimeout time.Duration

	// Dial overrides the websocket dialer; tests use in-memory conns.
	Dial DialFunc

	Logger *log.Logger
}

// command is a consumer control request routed onto the session goroutine.
type command struct {
	ctrl    protocol.Ctrl
	newRate int // >0: reconfigure the consumption ticker instead
}

// Session is the lifetime-scoped binding between one playback view and one
// run's stream. Create with New, start with Connect, release with Close.
// It is not a singleton: every view gets its own Session.
type Session struct {
	cfg Config
	log *log.Logger

	cmds chan command

	mu      sync.Mutex
	state   State
	speed   float64
	subs    map[int]func(Event)
	nextSub int
	started bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an idle session. No I/O happens until Connect.
func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "session ", log.LstdFlags)
	}
	return &Session{
		cfg:   cfg,
		log:   logger,
		cmds:  make(chan command, 16),
		state: StateIdle,
		speed: 1.0,
		subs:  make(map[int]func(Event)),
	}
}

// Subscribe registers a consumer for the event stream and returns its
// unsubscribe handle. Consumers torn down before the session must
// unsubscribe or they leak.
func (s *Session) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Speed returns the last requested playback rate factor.
func (s *Session) Speed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speed
}

// Connect starts the transport and the session loop: idle -> connecting.
// Calling it again while running is a no-op; calling it after the session
// ended or failed re-enters connecting with a fresh transport. Safe to
// call from an event callback: each loop owns its transport and done
// channel, so a restart never races the previous loop's teardown.
func (s *Session) Connect() {
	s.mu.Lock()
	if s.started && !s.state.terminal() {
		s.mu.Unlock()
		return
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	tr := newTransport(ctx, s.cfg.URL, s.cfg.Dial, s.cfg.IdleTimeout, s.cfg.MaxRetries)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	changed := s.state != StateConnecting
	s.state = StateConnecting
	s.mu.Unlock()

	if changed {
		s.publish(Event{State: StateConnecting})
	}
	go tr.run()
	go s.run(ctx, tr, done)
}

// Play requests playback. Safe to call redundantly; a repeat while already
// streaming produces no duplicate transition.
func (s *Session) Play() {
	s.enqueue(command{ctrl: protocol.Ctrl{T: protocol.TypeCtrl, Cmd: protocol.CmdPlay}})
}

// Pause requests a pause. Safe to call redundantly.
func (s *Session) Pause() {
	s.enqueue(command{ctrl: protocol.Ctrl{T: protocol.TypeCtrl, Cmd: protocol.CmdPause}})
}

// Seek jumps playback to pos. The ordering cursors reset so the next
// frame of any timestamp becomes the new baseline. Valid in any
// non-terminal state; does not itself change state.
func (s *Session) Seek(pos time.Time) {
	s.enqueue(command{ctrl: protocol.Ctrl{
		T:   protocol.TypeCtrl,
		Cmd: protocol.CmdSeek,
		Pos: pos.UTC().Format(protocol.TimeFormat),
	}})
}

// SetSpeed changes the target playback rate. Does not change state.
func (s *Session) SetSpeed(factor float64) {
	s.mu.Lock()
	s.speed = factor
	s.mu.Unlock()
	s.enqueue(command{ctrl: protocol.Ctrl{T: protocol.TypeCtrl, Cmd: protocol.CmdSpeed, Val: factor}})
}

// SetTargetFPS reconfigures the consumption ticker. Queue contents are
// untouched.
func (s *Session) SetTargetFPS(fps int) {
	if fps > 0 {
		s.enqueue(command{newRate: fps})
	}
}

// Close tears the session down: pacing ticker stopped, pending reconnect
// cancelled, channel closed, buffer discarded, in that order, all owned
// by the session loop's teardown. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	started := s.started
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if started {
		<-done
	}
}

func (s *Session) enqueue(c command) {
	select {
	case s.cmds <- c:
	default:
		// The loop is gone or saturated; commands are fire-and-forget.
	}
}

// run is the session goroutine: the only code that touches the buffer,
// the ordering cursors, and the state machine. The transport and done
// channel are locals of this loop, never shared fields, so a restarted
// session cannot have its fresh handles torn down by a finishing one.
func (s *Session) run(ctx context.Context, tr *transport, done chan struct{}) {
	buf := newBuffer(s.cfg.QueueCapacity)
	filter := newOrdering()
	ticker := time.NewTicker(tickPeriod(s.cfg.TargetFPS))

	defer func() {
		// Teardown order matters: ticker, reconnect timer + channel,
		// then the buffer. A ticker left running after the channel
		// closes is a leak.
		ticker.Stop()
		tr.stop()
		buf.discard()
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case cmd := <-s.cmds:
			if cmd.newRate > 0 {
				ticker.Stop()
				ticker = time.NewTicker(tickPeriod(cmd.newRate))
				continue
			}
			s.applyCommand(cmd.ctrl, filter, tr)

		case ev := <-tr.events:
			if s.handleTransport(ev, buf, filter) {
				return
			}

		case <-ticker.C:
			if f, ok := buf.pop(); ok {
				s.deliver(f, filter, buf)
			}
		}
	}
}

// applyCommand handles a consumer control request on the session goroutine.
func (s *Session) applyCommand(c protocol.Ctrl, filter *ordering, tr *transport) {
	st := s.State()

	switch c.Cmd {
	case protocol.CmdPlay:
		// Redundant play while streaming is a no-op transition.
		if st == StateStreaming || st == StatePaused {
			s.setState(StateStreaming)
		}
	case protocol.CmdPause:
		if st == StateStreaming || st == StatePaused {
			s.setState(StatePaused)
		}
	case protocol.CmdSeek:
		// The next frame may legitimately rewind time.
		filter.Reset()
	}

	// Fire and forget; dropped while disconnected. The reopen play is
	// the resume contract.
	tr.send(c)
}

// handleTransport folds one transport event into the state machine.
// Returns true when the session is finished.
func (s *Session) handleTransport(ev tevent, buf *buffer, filter *ordering) (finished bool) {
	switch ev.kind {
	case tevOpen:
		// A freshly (re)connected channel always resumes; the transport
		// already sent the implicit play.
		s.setState(StateStreaming)

	case tevClosed:
		s.setState(StateError)
		s.log.Printf("channel lost (attempt %d), retrying in %s", ev.attempt, ev.delay)

	case tevDialing:
		s.setState(StateConnecting)

	case tevFatal:
		if ev.err != nil {
			s.fail(fmt.Errorf("connection lost after %d attempts: %w", ev.attempt, ev.err))
		} else {
			s.fail(fmt.Errorf("connection lost after %d attempts", ev.attempt))
		}
		return true

	case tevMessage:
		return s.handleMessage(ev.raw, buf, filter)
	}
	return false
}

// handleMessage decodes one inbound wire message. Malformed messages are
// dropped as protocol noise.
func (s *Session) handleMessage(raw []byte, buf *buffer, filter *ordering) (finished bool) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		return false
	}

	switch m := msg.(type) {
	case *protocol.Frame:
		buf.push(*m)

	case *protocol.ErrEvent:
		if m.Fatal() {
			s.fail(m)
			return true
		}
		// Non-fatal (e.g. a rejected seek): surfaced, session stays up.
		s.publish(Event{State: s.State(), Err: m, Dropped: buf.dropped()})

	case string:
		if m == protocol.TypeEnd {
			// Drain what is already buffered, then finish.
			for {
				f, ok := buf.pop()
				if !ok {
					break
				}
				s.deliver(f, filter, buf)
			}
			s.setState(StateEnded)
			return true
		}
		// Heartbeats carry no content; arrival alone reset the idle
		// deadline in the transport.
	}
	return false
}

// deliver runs one popped frame through the ordering filter and publishes
// it.
func (s *Session) deliver(f protocol.Frame, filter *ordering, buf *buffer) {
	u, ok := filter.Apply(f)
	if !ok {
		return
	}
	s.publish(Event{State: s.State(), Update: &u, Dropped: f.Dropped})
}

// setState performs an idempotent transition and publishes it.
func (s *Session) setState(to State) {
	s.mu.Lock()
	if s.state == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()
	s.publish(Event{State: to})
}

// fail records a terminal error: a single error event, no auto-retry.
func (s *Session) fail(err error) {
	s.mu.Lock()
	already := s.state == StateError
	s.state = StateError
	s.mu.Unlock()
	if !already {
		s.publish(Event{State: StateError, Err: err})
	}
}

func (s *Session) publish(ev Event) {
	s.mu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
