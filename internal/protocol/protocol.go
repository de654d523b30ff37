// Package protocol defines the wire messages exchanged between replayd and
// its playback clients. Every message is a small JSON object tagged with a
// "t" field; the control direction carries ctrl commands and the stream
// direction carries frames, heartbeats, end-of-stream, and errors.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message type tags, carried in the "t" field of every wire message.
const (
	TypeCtrl      = "ctrl"
	TypeFrame     = "frame"
	TypeHeartbeat = "hb"
	TypeEnd       = "end"
	TypeErr       = "err"
)

// Control commands accepted inside a ctrl message.
const (
	CmdPlay  = "play"
	CmdPause = "pause"
	CmdSeek  = "seek"
	CmdSpeed = "speed"
)

// Error codes carried in err messages.
const (
	CodeValidation  = "VALIDATION"
	CodeRunNotFound = "RUN_NOT_FOUND"
	CodeStreamError = "STREAM_ERROR"
	CodeRange       = "RANGE"
)

// TimeFormat is the timestamp layout used on the wire.
const TimeFormat = time.RFC3339

// Ctrl is a client-to-server control command. Pos is only meaningful for
// seek (an RFC 3339 timestamp) and Val only for speed (a rate factor).
type Ctrl struct {
	T   string  `json:"t"`
	Cmd string  `json:"cmd"`
	Pos string  `json:"pos,omitempty"`
	Val float64 `json:"val,omitempty"`
}

// OHLC is one bar of price data joined onto a frame.
type OHLC struct {
	Open   float64 `json:"o"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Close  float64 `json:"c"`
	Volume float64 `json:"v"`
}

// EquityPoint is one sample of the strategy's equity curve.
type EquityPoint struct {
	TS    string  `json:"ts"`
	Value float64 `json:"value"`
}

// Order is an order event attached to a frame. Fields beyond the common
// set vary by strategy, so the payload stays schemaless.
type Order map[string]any

// Frame is one unit of playback data: the equity sample at a timestamp
// plus whatever bar and order activity coincides with it. Dropped is the
// producer's cumulative decimation counter; it never decreases within a
// session.
type Frame struct {
	T       string       `json:"t"`
	TS      string       `json:"ts"`
	OHLC    *OHLC        `json:"ohlc"`
	Orders  []Order      `json:"orders"`
	Equity  *EquityPoint `json:"equity"`
	Dropped int64        `json:"dropped"`
}

// Time parses the frame timestamp. Malformed timestamps yield the zero
// time and an error; callers treat such frames as protocol noise.
func (f *Frame) Time() (time.Time, error) {
	return time.Parse(TimeFormat, f.TS)
}

// Valid reports whether the frame has the shape a consumer may rely on:
// a frame tag, a parseable timestamp, and a non-negative dropped counter.
func (f *Frame) Valid() bool {
	if f.T != TypeFrame || f.Dropped < 0 {
		return false
	}
	_, err := f.Time()
	return err == nil
}

// ErrEvent is a server-to-client error message. Fatal codes (RUN_NOT_FOUND)
// end the session; everything else is informational.
type ErrEvent struct {
	T       string         `json:"t"`
	Code    string         `json:"code"`
	Msg     string         `json:"msg"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *ErrEvent) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Fatal reports whether the error code ends the session without reconnect.
func (e *ErrEvent) Fatal() bool {
	return e.Code == CodeRunNotFound
}

// NewErr builds an err message.
func NewErr(code, msg string) *ErrEvent {
	return &ErrEvent{T: TypeErr, Code: code, Msg: msg}
}

// Heartbeat returns the content-free liveness message.
func Heartbeat() map[string]string {
	return map[string]string{"t": TypeHeartbeat}
}

// End returns the end-of-stream message.
func End() map[string]string {
	return map[string]string{"t": TypeEnd}
}

// envelope is used to peek at the type tag before full decoding.
type envelope struct {
	T string `json:"t"`
}

// Decode parses a raw wire message into its typed form. The returned value
// is one of *Ctrl, *Frame, *ErrEvent, or the string constants TypeHeartbeat
// and TypeEnd. Unknown tags and malformed JSON return an error.
func Decode(raw []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	switch env.T {
	case TypeCtrl:
		var c Ctrl
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return &c, nil
	case TypeFrame:
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		return &f, nil
	case TypeErr:
		var e ErrEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, err
		}
		return &e, nil
	case TypeHeartbeat:
		return TypeHeartbeat, nil
	case TypeEnd:
		return TypeEnd, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", env.T)
	}
}

// ValidCmd reports whether cmd is one of the four control commands.
func ValidCmd(cmd string) bool {
	switch cmd {
	case CmdPlay, CmdPause, CmdSeek, CmdSpeed:
		return true
	}
	return false
}
