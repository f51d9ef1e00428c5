package mtc

import (
	"fmt"
	"math"
	"strconv"
)

// Framerate is an SMPTE frame rate in frames per second. The zero value
// means no frame message has been decoded yet.
type Framerate float64

// SMPTE rates selectable by the 2-bit time code type. Drop-frame counting
// for 29.97 is not modeled.
const (
	Rate24   Framerate = 24
	Rate25   Framerate = 25
	Rate2997 Framerate = 29.97
	Rate30   Framerate = 30
)

// rates is indexed by the time code type bits of the hours byte.
var rates = [4]Framerate{Rate24, Rate25, Rate2997, Rate30}

// maxFrames is the frame count base used while the rate is unknown.
const maxFrames = 30

// Frames returns the rate rounded to whole frames per second, or 0 if the
// rate is unknown.
func (r Framerate) Frames() int {
	return int(math.Round(float64(r)))
}

// RateCode returns the 2-bit time code type for r.
func RateCode(r Framerate) (uint8, bool) {
	for i, v := range rates {
		if v == r {
			return uint8(i), true
		}
	}
	return 0, false
}

// RateFromCode is the inverse of RateCode.
func RateFromCode(code uint8) (Framerate, bool) {
	if int(code) >= len(rates) {
		return 0, false
	}
	return rates[code], true
}

func (r Framerate) String() string {
	if r == 0 {
		return "unknown"
	}
	return strconv.FormatFloat(float64(r), 'f', -1, 64)
}

func (r Framerate) countBase() int {
	if n := r.Frames(); n > 0 {
		return n
	}
	return maxFrames
}

// Direction is the inferred play direction of the time code source.
type Direction int8

const (
	DirectionBackward Direction = -1
	DirectionUnknown  Direction = 0
	DirectionForward  Direction = 1
)

func (d Direction) String() string {
	switch d {
	case DirectionForward:
		return "forward"
	case DirectionBackward:
		return "backward"
	}
	return "unknown"
}

// Symbol renders the direction as a single display glyph.
func (d Direction) Symbol() string {
	switch d {
	case DirectionForward:
		return ">"
	case DirectionBackward:
		return "<"
	}
	return "·"
}

// Timecode is an SMPTE hours:minutes:seconds:frames position.
type Timecode struct {
	Hour   int
	Minute int
	Second int
	Frame  int
}

func (tc Timecode) String() string {
	return fmt.Sprintf("%02d:%02d:%02d:%02d", tc.Hour, tc.Minute, tc.Second, tc.Frame)
}

// Add returns the position delta frames away at rate r. An unknown rate
// counts 30 frames per second.
func (tc Timecode) Add(delta int, r Framerate) Timecode {
	return tc.advance(delta, r.countBase())
}

// ParseTimecode parses "HH:MM:SS:FF". A ';' before the frame field is
// accepted as well. Frames are checked against 30; callers bound them by
// the actual rate.
func ParseTimecode(s string) (Timecode, error) {
	var tc Timecode
	if len(s) != 11 || s[2] != ':' || s[5] != ':' || (s[8] != ':' && s[8] != ';') {
		return tc, fmt.Errorf("mtc: parse timecode %q: want HH:MM:SS:FF", s)
	}
	fields := [4]*int{&tc.Hour, &tc.Minute, &tc.Second, &tc.Frame}
	for i, dst := range fields {
		n, err := strconv.Atoi(s[i*3 : i*3+2])
		if err != nil || n < 0 {
			return Timecode{}, fmt.Errorf("mtc: parse timecode %q: bad field %d", s, i+1)
		}
		*dst = n
	}
	if err := tc.validate(maxFrames); err != nil {
		return Timecode{}, err
	}
	return tc, nil
}

// validate checks every field against its range, with frames bounded by
// the given count base.
func (tc Timecode) validate(frames int) error {
	switch {
	case tc.Hour < 0 || tc.Hour > 23:
		return &DecodeError{Field: "hour", Value: tc.Hour}
	case tc.Minute < 0 || tc.Minute > 59:
		return &DecodeError{Field: "minute", Value: tc.Minute}
	case tc.Second < 0 || tc.Second > 59:
		return &DecodeError{Field: "second", Value: tc.Second}
	case tc.Frame < 0 || tc.Frame >= frames:
		return &DecodeError{Field: "frame", Value: tc.Frame}
	}
	return nil
}

// advance moves the position by delta frames. Underflow borrows from and
// overflow carries into seconds, minutes and hours, wrapping at 60/60/24.
func (tc Timecode) advance(delta, frames int) Timecode {
	if frames <= 0 {
		frames = maxFrames
	}
	carry := floorDiv(tc.Frame+delta, frames)
	tc.Frame = tc.Frame + delta - carry*frames

	sec := tc.Second + carry
	carry = floorDiv(sec, 60)
	tc.Second = sec - carry*60

	mins := tc.Minute + carry
	carry = floorDiv(mins, 60)
	tc.Minute = mins - carry*60

	hour := (tc.Hour + carry) % 24
	if hour < 0 {
		hour += 24
	}
	tc.Hour = hour
	return tc
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
