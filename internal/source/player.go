package source

import (
	"sort"
	"time"

	"github.com/hewston/replay/internal/protocol"
)

// Player paces a frame sequence for one playback session. It decimates the
// source rows to fit the configured playback window, tracks the emission
// schedule against wall time, and keeps the cumulative dropped counter that
// is stamped on every outgoing frame.
//
// Scheduling contract: when emission falls behind (slow consumer), the
// oldest unsent frames are skipped and counted as dropped. The player
// never stalls and the counter never resets mid-session.
//
// Player is not safe for concurrent use; one session goroutine owns it.
type Player struct {
	frames []protocol.Frame // decimated, timestamp-ordered
	perKey int64            // source rows each kept frame stands for

	fps   int
	speed float64

	pos      int       // next frame index to emit
	started  time.Time // wall time of the current play baseline
	startPos int       // frame index at the baseline

	dropped int64 // cumulative: decimation + catch-up skips
}

// NewPlayer builds a player over the full frame sequence, decimated so the
// whole run fits in roughly playbackSeconds at fps frames per second.
func NewPlayer(frames []protocol.Frame, fps, playbackSeconds int) *Player {
	if fps < 1 {
		fps = 30
	}
	if playbackSeconds < 1 {
		playbackSeconds = 60
	}

	budget := fps * playbackSeconds
	stride := 1
	if len(frames) > budget {
		stride = (len(frames) + budget - 1) / budget
	}

	kept := make([]protocol.Frame, 0, len(frames)/stride+1)
	for i := 0; i < len(frames); i += stride {
		kept = append(kept, frames[i])
	}

	return &Player{
		frames: kept,
		perKey: int64(stride - 1),
		fps:    fps,
		speed:  1.0,
	}
}

// Stride reports how many source rows each emitted frame stands for.
func (p *Player) Stride() int { return int(p.perKey) + 1 }

// Len returns the number of frames after decimation.
func (p *Player) Len() int { return len(p.frames) }

// Done reports whether the cursor has passed the last frame.
func (p *Player) Done() bool { return p.pos >= len(p.frames) }

// Period returns the wall-clock interval between frames at the current
// speed, floored so a runaway speed factor can't busy-loop the session.
func (p *Player) Period() time.Duration {
	rate := float64(p.fps) * p.speed
	if rate <= 0 {
		rate = float64(p.fps)
	}
	d := time.Duration(float64(time.Second) / rate)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// Play rebases the emission schedule at now. Safe to call redundantly.
func (p *Player) Play(now time.Time) {
	p.started = now
	p.startPos = p.pos
}

// SetSpeed changes the playback rate factor and rebases the schedule so
// already-emitted frames aren't re-counted against the new rate.
func (p *Player) SetSpeed(now time.Time, factor float64) {
	if factor <= 0 {
		factor = 1.0
	}
	p.speed = factor
	p.Play(now)
}

// Seek moves the cursor to the first frame at or after target, clamping to
// the data range on either side, and rebases the schedule.
func (p *Player) Seek(now time.Time, target time.Time) {
	ts := target.UTC().Format(protocol.TimeFormat)
	idx := sort.Search(len(p.frames), func(i int) bool {
		return p.frames[i].TS >= ts
	})
	if idx >= len(p.frames) && len(p.frames) > 0 {
		idx = len(p.frames) - 1
	}
	p.pos = idx
	p.Play(now)
}

// Next returns the frame due at now, if any. When more than one frame is
// overdue, all but the newest are skipped and added to the dropped counter.
// The returned frame carries the up-to-date cumulative dropped count.
func (p *Player) Next(now time.Time) (protocol.Frame, bool) {
	if p.Done() {
		return protocol.Frame{}, false
	}

	due := p.startPos + p.dueFrames(now)
	if due <= p.pos {
		return protocol.Frame{}, false
	}
	if due > len(p.frames) {
		due = len(p.frames)
	}

	// Drop-oldest: skip everything overdue except the newest due frame.
	skipped := due - p.pos - 1
	if skipped > 0 {
		// Skipped frames also stand for their decimated source rows.
		p.dropped += int64(skipped) * (p.perKey + 1)
		p.pos += skipped
	}

	f := p.frames[p.pos]
	p.pos++
	p.dropped += p.perKey
	f.Dropped = p.dropped
	return f, true
}

// dueFrames converts elapsed wall time since the baseline into a frame
// count at the current rate. At least one frame is due per full period.
func (p *Player) dueFrames(now time.Time) int {
	elapsed := now.Sub(p.started)
	if elapsed < 0 {
		return 0
	}
	return int(elapsed / p.Period())
}
