package midiwire

import (
	"io"
	"sync/atomic"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
)

// DefaultMaxSysEx caps the size of an assembled SysEx message. MTC full
// frames are 10 bytes on the wire; anything much larger is not time code.
const DefaultMaxSysEx = 256

// readChunk is the size of a single read from the underlying stream.
const readChunk = 1024

// Splitter reads a raw MIDI 1.0 byte stream and returns one complete
// message at a time. Parsing is done by the gomidi driver reader, which
// handles running status, SysEx assembly and interleaved real-time bytes;
// messages may span reads.
type Splitter struct {
	r      io.Reader
	parser *drivers.Reader
	buf    []byte

	queue   []midi.Message
	err     error
	dropped atomic.Int64
}

// NewSplitter creates a Splitter reading from r.
func NewSplitter(r io.Reader) *Splitter {
	s := &Splitter{
		r:   r,
		buf: make([]byte, readChunk),
	}
	s.parser = drivers.NewReader(drivers.ListenConfig{
		TimeCode:        true,
		ActiveSense:     true,
		SysEx:           true,
		SysExBufferSize: DefaultMaxSysEx,
		OnErr:           func(error) { s.dropped.Add(1) },
	}, s.collect)
	return s
}

// Dropped returns the number of malformed messages skipped so far. It is
// safe to call while another goroutine reads.
func (s *Splitter) Dropped() int64 {
	return s.dropped.Load()
}

// Next returns the next complete message. The error is io.EOF once the
// stream ends cleanly; a message truncated by the end of the stream is
// never returned.
func (s *Splitter) Next() (midi.Message, error) {
	for len(s.queue) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		n, err := s.r.Read(s.buf)
		if n > 0 {
			s.parser.EachMessage(s.buf[:n], 0)
		}
		if err != nil {
			s.err = err
		}
	}
	msg := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return msg, nil
}

func (s *Splitter) collect(b []byte, _ int32) {
	msg := trim(b)
	if len(msg) == 0 || msg[0] < 0x80 {
		s.dropped.Add(1)
		return
	}
	s.queue = append(s.queue, midi.Message(append([]byte(nil), msg...)))
}

// trim cuts a message to the length its status byte defines. The driver
// reader pads short system messages to three bytes.
func trim(b []byte) []byte {
	if len(b) == 0 || b[0] == 0xF0 {
		return b
	}
	if n := messageLen(b[0]); n < len(b) {
		return b[:n]
	}
	return b
}

func messageLen(status byte) int {
	switch {
	case status >= 0xF8, status == 0xF6, status == 0xF7:
		return 1
	case status == 0xF1, status == 0xF3:
		return 2
	case status == 0xF2:
		return 3
	case status&0xF0 == 0xC0, status&0xF0 == 0xD0:
		return 2
	}
	return 3
}
