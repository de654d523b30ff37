package session

import (
	"time"

	"github.com/hewston/replay/internal/protocol"
)

// Series identifies one independently rendered data series. Each keeps its
// own ordering cursor because different payload kinds may legitimately
// interleave in the stream.
type Series string

const (
	SeriesEquity Series = "equity"
	SeriesOHLC   Series = "ohlc"
	SeriesOrders Series = "orders"
)

// Update is one frame admitted past the ordering filter, annotated with
// which series it applies to. Replaced means the timestamp equals the
// previously applied one for every admitted series: an update-in-place
// (e.g. a running candle being revised), not a new visual point.
type Update struct {
	Frame   protocol.Frame
	Time    time.Time
	Equity  bool
	OHLC    bool
	Orders  bool
	Replace bool
}

// ordering protects consumers from time regressions caused by reordering,
// duplicate delivery, or a seek that rewinds the stream. A frame strictly
// older than a series' last applied timestamp is stale for that series;
// after Reset (a seek) the next frame of any timestamp is the new baseline.
type ordering struct {
	last map[Series]time.Time
}

func newOrdering() *ordering {
	return &ordering{last: make(map[Series]time.Time, 3)}
}

// Reset clears every cursor; the next frame of any timestamp is accepted.
func (o *ordering) Reset() {
	clear(o.last)
}

// admit applies the staleness rule for one series and advances its cursor.
// The second return reports an equal-timestamp replacement.
func (o *ordering) admit(s Series, ts time.Time) (ok, replace bool) {
	last, seen := o.last[s]
	if seen && ts.Before(last) {
		return false, false
	}
	o.last[s] = ts
	return true, seen && ts.Equal(last)
}

// Apply filters one frame. It returns false when every series present in
// the frame is stale; otherwise the Update says which series to apply.
func (o *ordering) Apply(f protocol.Frame) (Update, bool) {
	ts, err := f.Time()
	if err != nil {
		return Update{}, false
	}

	u := Update{Frame: f, Time: ts, Replace: true}
	admitted := false

	if f.Equity != nil {
		ok, rep := o.admit(SeriesEquity, ts)
		u.Equity = ok
		admitted = admitted || ok
		u.Replace = u.Replace && (!ok || rep)
	}
	if f.OHLC != nil {
		ok, rep := o.admit(SeriesOHLC, ts)
		u.OHLC = ok
		admitted = admitted || ok
		u.Replace = u.Replace && (!ok || rep)
	}
	if len(f.Orders) > 0 {
		ok, rep := o.admit(SeriesOrders, ts)
		u.Orders = ok
		admitted = admitted || ok
		u.Replace = u.Replace && (!ok || rep)
	}

	if !admitted {
		return Update{}, false
	}
	u.Replace = u.Replace && admitted
	return u, true
}
