package mtc

import "time"

// DefaultTimeout is how long a source may stay silent before the decoder
// forgets its direction and reports a timeout.
const DefaultTimeout = 30 * time.Second

// runningTimeout is the silence after which the transport is no longer
// considered running nor locked. It is not configurable.
const runningTimeout = time.Second

// syncOffset compensates for the two frames that elapse while a full
// eight-piece quarter-frame cycle is received.
//
// TODO: the offset is applied with the same sign in both directions; verify
// against a backward-playing source whether it should be subtracted there.
const syncOffset = 2

// allPieces is the populated mask of a complete quarter-frame cycle.
const allPieces = 0xFF

// noPiece marks an unknown previous quarter-frame type.
const noPiece int8 = -1

// Config holds the decoder settings.
type Config struct {
	// Timeout is the silence after which TimedOut reports true.
	// Zero means DefaultTimeout.
	Timeout time.Duration

	// Now seeds the last message timestamp, in monotonic nanoseconds.
	Now int64
}

// Status is a point-in-time copy of the decoder's public state.
type Status struct {
	Timecode  Timecode
	Framerate Framerate
	Direction Direction
	Running   bool
	Locked    bool
}

// state is everything one Ingest call may change. It is a plain value so
// an ingest can be computed on a copy and committed only on success.
type state struct {
	tc        Timecode
	rate      Framerate
	direction Direction

	// Quarter-frame nibbles and the bitmask of slots received since the
	// last reset.
	acc       [8]uint8
	populated uint8

	// Frame boundaries seen while the direction was unknown.
	uncounted int

	running  bool
	locked   bool
	lastTS   int64
	prevType int8
	gotFull  bool
}

// Decoder is the MTC protocol state machine.
type Decoder struct {
	timeout time.Duration
	st      state
}

// New creates a Decoder.
func New(cfg Config) *Decoder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Decoder{
		timeout: cfg.Timeout,
		st: state{
			lastTS:   cfg.Now,
			prevType: noPiece,
		},
	}
}

// Ingest feeds one message received at ts (monotonic nanoseconds). isMTC
// reports whether the message was recognized as time code and isFrame
// whether a frame boundary update occurred.
//
// A malformed message yields a *DecodeError with isMTC set and leaves every
// piece of state, the message timestamp included, as it was.
func (d *Decoder) Ingest(msg Message, ts int64) (isMTC, isFrame bool, err error) {
	switch m := msg.(type) {
	case QuarterFrame:
		next := d.st
		isFrame, err = next.quarterFrame(m, ts)
		if err != nil {
			return true, false, err
		}
		d.st = next
		return true, isFrame, nil

	case SysEx:
		if !m.IsFullFrame() {
			return false, false, nil
		}
		next := d.st
		if err := next.fullFrame(m, ts); err != nil {
			return true, false, err
		}
		d.st = next
		return true, true, nil
	}
	return false, false, nil
}

// TimedOut reports whether no message arrived for longer than the
// configured timeout. It also decays state: after one second of silence
// the decoder is neither running nor locked, and on timeout the direction
// is forgotten.
func (d *Decoder) TimedOut(now int64) bool {
	silence := time.Duration(now - d.st.lastTS)
	if silence > runningTimeout {
		d.st.locked = false
		d.st.running = false
	}
	if silence > d.timeout {
		d.st.setDirection(DirectionUnknown)
		return true
	}
	return false
}

func (d *Decoder) Timecode() Timecode   { return d.st.tc }
func (d *Decoder) Framerate() Framerate { return d.st.rate }
func (d *Decoder) Direction() Direction { return d.st.direction }
func (d *Decoder) Running() bool        { return d.st.running }
func (d *Decoder) Locked() bool         { return d.st.locked }

// LastMessage returns the timestamp of the last accepted MTC message.
func (d *Decoder) LastMessage() int64 { return d.st.lastTS }

// Status returns a copy of the public state.
func (d *Decoder) Status() Status {
	return Status{
		Timecode:  d.st.tc,
		Framerate: d.st.rate,
		Direction: d.st.direction,
		Running:   d.st.running,
		Locked:    d.st.locked,
	}
}

func (s *state) fullFrame(m SysEx, ts int64) error {
	tc, rate, err := decodeTimecode(m.Data[3], m.Data[4], m.Data[5], m.Data[6])
	if err != nil {
		return err
	}

	s.lastTS = ts
	s.tc = tc
	s.rate = rate
	s.resetAccumulator()
	s.prevType = noPiece
	s.gotFull = true
	s.running = false
	s.setDirection(DirectionUnknown)
	return nil
}

func (s *state) quarterFrame(m QuarterFrame, ts int64) (bool, error) {
	if m.Type > 7 {
		return false, &DecodeError{Field: "type", Value: int(m.Type)}
	}
	if m.Value > 0x0F {
		return false, &DecodeError{Field: "value", Value: int(m.Value)}
	}

	s.lastTS = ts

	// The transport runs from the first quarter frame after a full frame.
	if s.gotFull && !s.running {
		s.gotFull = false
		s.running = true
	}

	piece := int8(m.Type)
	if dir := inferDirection(s.prevType, piece); dir != DirectionUnknown && dir != s.direction {
		s.setDirection(dir)
	}
	s.prevType = piece

	// Pieces 0 and 4 start a frame.
	isFrame := m.Type == 0 || m.Type == 4
	if isFrame {
		if s.direction != DirectionUnknown {
			s.advanceFrame(int(s.direction) * (s.uncounted + 1))
			s.uncounted = 0
		} else {
			s.uncounted++
		}
	}

	s.acc[m.Type] = m.Value
	s.populated |= 1 << m.Type

	// A cycle completes on piece 7 going forward and piece 0 going backward.
	if (s.direction == DirectionForward && m.Type == 7) ||
		(s.direction == DirectionBackward && m.Type == 0) {
		if err := s.sync(); err != nil {
			return false, err
		}
	}
	return isFrame, nil
}

// sync commits a complete quarter-frame cycle. An incomplete one only
// drops the lock.
func (s *state) sync() error {
	if s.populated != allPieces {
		s.locked = false
		return nil
	}

	tc, rate, err := decodeTimecode(
		s.acc[6]|s.acc[7]<<4,
		s.acc[4]|s.acc[5]<<4,
		s.acc[2]|s.acc[3]<<4,
		s.acc[0]|s.acc[1]<<4,
	)
	if err != nil {
		return err
	}

	s.tc = tc
	s.rate = rate
	s.advanceFrame(syncOffset)
	s.running = true
	s.locked = true
	s.resetAccumulator()
	return nil
}

// setDirection switches direction. Pending quarter-frame pieces and the
// lock are invalidated. Frames counted while the direction was unknown
// survive only the switch to a known direction, where the next frame
// boundary consumes them.
func (s *state) setDirection(d Direction) {
	if s.direction != DirectionUnknown || d == DirectionUnknown {
		s.uncounted = 0
	}
	s.resetAccumulator()
	s.locked = false
	s.direction = d
}

// advanceFrame moves the timecode by delta frames at the current rate.
func (s *state) advanceFrame(delta int) {
	s.tc = s.tc.advance(delta, s.rate.countBase())
}

func (s *state) resetAccumulator() {
	s.acc = [8]uint8{}
	s.populated = 0
}

// inferDirection maps the step between consecutive piece types to a
// direction. Anything but an adjacent step, wrapping at 7/0, carries no
// direction information.
func inferDirection(prev, cur int8) Direction {
	if prev == noPiece {
		return DirectionUnknown
	}
	switch cur - prev {
	case 1, -7:
		return DirectionForward
	case -1, 7:
		return DirectionBackward
	}
	return DirectionUnknown
}
