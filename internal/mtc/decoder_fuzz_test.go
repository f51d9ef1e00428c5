package mtc

import "testing"

func FuzzIngest(f *testing.F) {
	f.Add([]byte{0xF0, 0x7F, 0x01, 0x01, 0x21, 0x02, 0x03, 0x04, 0x07, 0x00, 0x01, 0x02})
	f.Add([]byte{0x70, 0x06, 0x10, 0x21, 0x30, 0x40, 0x50, 0x61, 0x72})
	f.Add([]byte{0xF0, 0x00, 0x01, 0x01, 0xFF, 0xFF, 0xFF, 0xFF})
	f.Fuzz(func(t *testing.T, data []byte) {
		d := New(Config{})
		ts := int64(0)
		for i := 0; i < len(data); i++ {
			ts += 5 * ms
			b := data[i]
			var m Message
			if b == 0xF0 && i+7 < len(data) {
				m = SysEx{Data: data[i+1 : i+8]}
				i += 7
			} else {
				m = QuarterFrame{Type: b >> 4, Value: b & 0x1F}
			}
			d.Ingest(m, ts) // must not panic
			checkInvariants(t, d)
		}
		d.TimedOut(ts + 2000*ms)
		checkInvariants(t, d)
	})
}
