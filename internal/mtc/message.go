package mtc

// Message is an incoming MIDI message already classified by shape.
type Message interface {
	mtcMessage()
}

// QuarterFrame is one piece of the 8-message quarter-frame cycle. Type
// selects the nibble (0-7) and Value carries it (0-15).
type QuarterFrame struct {
	Type  uint8
	Value uint8
}

// SysEx is a universal real-time system exclusive payload, i.e. the bytes
// following the 0x7F id up to but excluding the 0xF7 terminator:
//
//	<device> <sub-id 1> <sub-id 2> <data...>
type SysEx struct {
	Data []byte
}

// Unrecognized is any message that is neither a quarter frame nor a
// universal real-time SysEx.
type Unrecognized struct {
	Raw []byte
}

func (QuarterFrame) mtcMessage() {}
func (SysEx) mtcMessage()        {}
func (Unrecognized) mtcMessage() {}

// Universal real-time ids.
const (
	UniversalRealTime = 0x7F
	AllDevices        = 0x7F

	subIDTimeCode    = 0x01
	subIDFullMessage = 0x01
)

// IsFullFrame reports whether s is an MTC Full Message. Anything else,
// including the MTC cueing and NAK messages, is not decoded.
func (s SysEx) IsFullFrame() bool {
	return len(s.Data) == 7 && s.Data[1] == subIDTimeCode && s.Data[2] == subIDFullMessage
}

// FullFrame builds the Full Message carrying tc at the given rate.
func FullFrame(tc Timecode, rate Framerate, device uint8) (SysEx, error) {
	hh, err := hoursByte(tc, rate)
	if err != nil {
		return SysEx{}, err
	}
	return SysEx{Data: []byte{
		device & 0x7F,
		subIDTimeCode,
		subIDFullMessage,
		hh,
		byte(tc.Minute),
		byte(tc.Second),
		byte(tc.Frame),
	}}, nil
}

// QuarterFrames splits tc into the eight pieces of one quarter-frame
// cycle, in forward transmission order.
func QuarterFrames(tc Timecode, rate Framerate) ([8]QuarterFrame, error) {
	var qf [8]QuarterFrame
	hh, err := hoursByte(tc, rate)
	if err != nil {
		return qf, err
	}
	fields := [4]byte{byte(tc.Frame), byte(tc.Second), byte(tc.Minute), hh}
	for i, b := range fields {
		qf[2*i] = QuarterFrame{Type: uint8(2 * i), Value: b & 0x0F}
		qf[2*i+1] = QuarterFrame{Type: uint8(2*i + 1), Value: b >> 4}
	}
	return qf, nil
}

func hoursByte(tc Timecode, rate Framerate) (byte, error) {
	code, ok := RateCode(rate)
	if !ok {
		return 0, &DecodeError{Field: "rate", Value: rate.Frames()}
	}
	if err := tc.validate(rate.Frames()); err != nil {
		return 0, err
	}
	return code<<5 | byte(tc.Hour), nil
}
