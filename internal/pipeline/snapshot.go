package pipeline

import (
	"encoding/json"

	"github.com/zsiec/mtcclock/internal/mtc"
)

// Mode is the display mode of a timecode source. A source starts as a
// wall clock and switches to timecode as soon as any MTC arrives; a long
// timeout switches it back.
type Mode uint8

const (
	ModeClock Mode = iota
	ModeTimecode
)

func (m Mode) String() string {
	if m == ModeTimecode {
		return "timecode"
	}
	return "clock"
}

// MarshalText renders the mode name in JSON.
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// Indicator is the three-state lock lamp: locked to a full quarter-frame
// cycle, running on frame counting alone, or stopped.
type Indicator uint8

const (
	IndicatorStopped Indicator = iota
	IndicatorRunning
	IndicatorLocked
)

func (i Indicator) String() string {
	switch i {
	case IndicatorLocked:
		return "locked"
	case IndicatorRunning:
		return "running"
	}
	return "stopped"
}

// MarshalText renders the indicator name in JSON.
func (i Indicator) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

func indicatorFor(st mtc.Status) Indicator {
	switch {
	case st.Locked:
		return IndicatorLocked
	case st.Running:
		return IndicatorRunning
	}
	return IndicatorStopped
}

// Counters are the per-source message counts.
type Counters struct {
	Messages     int64 `json:"messages"`
	Timecode     int64 `json:"timecode"`
	Frames       int64 `json:"frames"`
	Ignored      int64 `json:"ignored"`
	DecodeErrors int64 `json:"decodeErrors"`
	Timeouts     int64 `json:"timeouts"`
	Dropped      int64 `json:"dropped"`
}

// Snapshot is the state of one source after a host loop iteration.
type Snapshot struct {
	Key       string        `json:"key"`
	Seq       uint64        `json:"seq"`
	Timecode  mtc.Timecode  `json:"-"`
	Framerate mtc.Framerate `json:"-"`
	Direction mtc.Direction `json:"-"`
	Running   bool          `json:"running"`
	Locked    bool          `json:"locked"`
	TimedOut  bool          `json:"timedOut"`
	Mode      Mode          `json:"mode"`
	Indicator Indicator     `json:"indicator"`
	// LastMessageMs is the Unix time of the last accepted MTC message in
	// milliseconds, or zero if none has arrived.
	LastMessageMs int64    `json:"lastMessageMs"`
	Counters      Counters `json:"counters"`
}

// MarshalJSON adds the rendered timecode fields.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	type plain Snapshot
	return json.Marshal(struct {
		plain
		Timecode  string  `json:"timecode"`
		Framerate float64 `json:"framerate"`
		Direction string  `json:"direction"`
		Symbol    string  `json:"symbol"`
	}{
		plain:     plain(s),
		Timecode:  s.Timecode.String(),
		Framerate: float64(s.Framerate),
		Direction: s.Direction.String(),
		Symbol:    s.Direction.Symbol(),
	})
}

// sameState reports whether two snapshots show the same thing to a viewer.
// Counters and Seq are not compared.
func sameState(a, b Snapshot) bool {
	return a.Timecode == b.Timecode &&
		a.Framerate == b.Framerate &&
		a.Direction == b.Direction &&
		a.Running == b.Running &&
		a.Locked == b.Locked &&
		a.TimedOut == b.TimedOut &&
		a.Mode == b.Mode
}
