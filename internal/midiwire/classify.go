// Package midiwire converts between MIDI 1.0 wire messages and the
// message shapes understood by the MTC decoder, and splits raw MIDI byte
// streams into messages.
package midiwire

import (
	"gitlab.com/gomidi/midi/v2"

	"github.com/zsiec/mtcclock/internal/mtc"
)

const eox = 0xF7

// Classify maps a MIDI message to a quarter frame, a universal real-time
// SysEx, or an unrecognized message. It never fails.
func Classify(msg midi.Message) mtc.Message {
	var qf uint8
	if msg.GetMTC(&qf) {
		return mtc.QuarterFrame{Type: (qf >> 4) & 0x07, Value: qf & 0x0F}
	}

	var data []byte
	if msg.GetSysEx(&data) {
		if n := len(data); n > 0 && data[n-1] == eox {
			data = data[:n-1]
		}
		if len(data) > 0 && data[0] == mtc.UniversalRealTime {
			return mtc.SysEx{Data: data[1:]}
		}
	}
	return mtc.Unrecognized{Raw: []byte(msg)}
}

// Encode is the inverse of Classify.
func Encode(m mtc.Message) midi.Message {
	switch m := m.(type) {
	case mtc.QuarterFrame:
		return midi.MTC((m.Type&0x07)<<4 | m.Value&0x0F)
	case mtc.SysEx:
		data := make([]byte, 0, len(m.Data)+1)
		data = append(data, mtc.UniversalRealTime)
		data = append(data, m.Data...)
		return midi.SysEx(data)
	case mtc.Unrecognized:
		return midi.Message(m.Raw)
	}
	return nil
}
