package source

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewston/replay/internal/protocol"
)

func seqFrames(n int) []protocol.Frame {
	frames := make([]protocol.Frame, n)
	base := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	for i := range frames {
		ts := base.Add(time.Duration(i) * time.Second).Format(protocol.TimeFormat)
		frames[i] = protocol.Frame{
			T:      protocol.TypeFrame,
			TS:     ts,
			Equity: &protocol.EquityPoint{TS: ts, Value: float64(i)},
		}
	}
	return frames
}

func TestNewPlayerDecimation(t *testing.T) {
	cases := []struct {
		name           string
		total          int
		fps, playback  int
		wantStride     int
		wantLenAtMost  int
		wantLenAtLeast int
	}{
		{"fits without decimation", 100, 30, 60, 1, 100, 100},
		{"exactly at budget", 1800, 30, 60, 1, 1800, 1800},
		{"double the budget", 3600, 30, 60, 2, 1800, 1800},
		{"uneven stride rounds up", 1801, 30, 60, 2, 901, 901},
		{"huge run", 1_000_000, 30, 60, 556, 1800, 1799},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewPlayer(seqFrames(tc.total), tc.fps, tc.playback)
			assert.Equal(t, tc.wantStride, p.Stride())
			assert.GreaterOrEqual(t, p.Len(), tc.wantLenAtLeast)
			assert.LessOrEqual(t, p.Len(), tc.wantLenAtMost)
		})
	}
}

func TestPlayerEmitsOnSchedule(t *testing.T) {
	p := NewPlayer(seqFrames(10), 10, 60) // period 100ms
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p.Play(now)

	// Nothing is due inside the first period.
	_, ok := p.Next(now.Add(50 * time.Millisecond))
	assert.False(t, ok)

	f, ok := p.Next(now.Add(100 * time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, float64(0), f.Equity.Value)
	assert.Zero(t, f.Dropped)

	f, ok = p.Next(now.Add(200 * time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, float64(1), f.Equity.Value)
}

func TestPlayerCatchUpSkipsOldest(t *testing.T) {
	p := NewPlayer(seqFrames(10), 10, 60) // period 100ms
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p.Play(now)

	// Five periods elapse before the next emission: only the newest due
	// frame goes out, the four older ones count as dropped.
	f, ok := p.Next(now.Add(500 * time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, float64(4), f.Equity.Value)
	assert.Equal(t, int64(4), f.Dropped)

	// The counter is cumulative, never reset.
	f, ok = p.Next(now.Add(600 * time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, float64(5), f.Equity.Value)
	assert.Equal(t, int64(4), f.Dropped)
}

func TestPlayerDroppedCountsDecimatedRows(t *testing.T) {
	// 20 frames into a budget of 10: stride 2, each emission stands for one
	// decimated row.
	p := NewPlayer(seqFrames(20), 1, 10)
	require.Equal(t, 2, p.Stride())

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p.Play(now)

	f, ok := p.Next(now.Add(time.Second))
	require.True(t, ok)
	assert.Equal(t, int64(1), f.Dropped)

	f, ok = p.Next(now.Add(2 * time.Second))
	require.True(t, ok)
	assert.Equal(t, int64(2), f.Dropped)
}

func TestPlayerSeekClampsToRange(t *testing.T) {
	p := NewPlayer(seqFrames(10), 10, 60)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// Before the first frame: clamp to the start.
	p.Seek(now, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	f, ok := p.Next(now.Add(100 * time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, float64(0), f.Equity.Value)

	// After the last frame: clamp to the end instead of finishing early.
	p.Seek(now, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC))
	f, ok = p.Next(now.Add(100 * time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, float64(9), f.Equity.Value)
	assert.True(t, p.Done())
}

func TestPlayerSeekToMidpoint(t *testing.T) {
	p := NewPlayer(seqFrames(10), 10, 60)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	p.Seek(now, time.Date(2024, 3, 1, 9, 30, 5, 0, time.UTC))
	f, ok := p.Next(now.Add(100 * time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, float64(5), f.Equity.Value)
}

func TestPlayerSpeedChangesPeriod(t *testing.T) {
	p := NewPlayer(seqFrames(10), 10, 60)
	assert.Equal(t, 100*time.Millisecond, p.Period())

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p.SetSpeed(now, 2.0)
	assert.Equal(t, 50*time.Millisecond, p.Period())

	p.SetSpeed(now, 0) // invalid factor resets to real time
	assert.Equal(t, 100*time.Millisecond, p.Period())

	// Runaway factors are floored rather than busy-looping.
	p.SetSpeed(now, 1e9)
	assert.Equal(t, time.Millisecond, p.Period())
}

func TestPlayerDoneAfterLastFrame(t *testing.T) {
	p := NewPlayer(seqFrames(2), 10, 60)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p.Play(now)

	_, ok := p.Next(now.Add(100 * time.Millisecond))
	require.True(t, ok)
	_, ok = p.Next(now.Add(200 * time.Millisecond))
	require.True(t, ok)
	assert.True(t, p.Done())

	_, ok = p.Next(now.Add(time.Hour))
	assert.False(t, ok)
}

func TestPlayerEmptyRun(t *testing.T) {
	p := NewPlayer(nil, 30, 60)
	assert.True(t, p.Done())
	assert.Zero(t, p.Len())

	_, ok := p.Next(time.Now())
	assert.False(t, ok)
}
