package distribution

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/mtcclock/internal/mtc"
	"github.com/zsiec/mtcclock/internal/pipeline"
)

// Feed wire format: every record is
//
//	[record type (varint)] [payload length (varint)] [payload]
//
// A snapshot record's payload is a sequence of varints: seq, hour, minute,
// second, frame, rate code (4 when unknown), direction + 1, flags,
// indicator, last message time in Unix milliseconds. Readers skip record
// types they do not know, and ignore trailing payload bytes so that fields
// can be appended.
const (
	FeedRecordSnapshot uint64 = 0x01
)

// FeedContentType is the media type of the binary feed.
const FeedContentType = "application/vnd.mtcclock.feed"

// maxFeedPayload bounds a record payload; a snapshot needs at most a few
// dozen bytes.
const maxFeedPayload = 1 << 12

const unknownRateCode = 4

const (
	flagRunning = 1 << iota
	flagLocked
	flagTimedOut
	flagTimecodeMode
)

// ErrFeedPayloadTooLarge is returned for records above maxFeedPayload.
var ErrFeedPayloadTooLarge = errors.New("distribution: feed payload too large")

// FeedParseError records which snapshot field could not be decoded.
type FeedParseError struct {
	Field string
	Err   error
}

func (e *FeedParseError) Error() string {
	return fmt.Sprintf("distribution: feed %s: %v", e.Field, e.Err)
}

func (e *FeedParseError) Unwrap() error { return e.Err }

// FeedFrame is one decoded snapshot record.
type FeedFrame struct {
	Seq           uint64
	Timecode      mtc.Timecode
	Framerate     mtc.Framerate
	Direction     mtc.Direction
	Running       bool
	Locked        bool
	TimedOut      bool
	Mode          pipeline.Mode
	Indicator     pipeline.Indicator
	LastMessageMs int64
}

// AppendFeedFrame appends the snapshot record for s to buf.
func AppendFeedFrame(buf []byte, s pipeline.Snapshot) []byte {
	rate, ok := mtc.RateCode(s.Framerate)
	if !ok {
		rate = unknownRateCode
	}
	var flags uint64
	if s.Running {
		flags |= flagRunning
	}
	if s.Locked {
		flags |= flagLocked
	}
	if s.TimedOut {
		flags |= flagTimedOut
	}
	if s.Mode == pipeline.ModeTimecode {
		flags |= flagTimecodeMode
	}
	last := s.LastMessageMs
	if last < 0 {
		last = 0
	}

	var p []byte
	p = quicvarint.Append(p, s.Seq)
	p = quicvarint.Append(p, uint64(s.Timecode.Hour))
	p = quicvarint.Append(p, uint64(s.Timecode.Minute))
	p = quicvarint.Append(p, uint64(s.Timecode.Second))
	p = quicvarint.Append(p, uint64(s.Timecode.Frame))
	p = quicvarint.Append(p, uint64(rate))
	p = quicvarint.Append(p, uint64(s.Direction+1))
	p = quicvarint.Append(p, flags)
	p = quicvarint.Append(p, uint64(s.Indicator))
	p = quicvarint.Append(p, uint64(last))

	buf = quicvarint.Append(buf, FeedRecordSnapshot)
	buf = quicvarint.Append(buf, uint64(len(p)))
	return append(buf, p...)
}

// FeedReader decodes records from a feed stream.
type FeedReader struct {
	r *bufio.Reader
}

// NewFeedReader wraps r for reading feed records.
func NewFeedReader(r io.Reader) *FeedReader {
	return &FeedReader{r: bufio.NewReader(r)}
}

// ReadFeedFrame returns the next snapshot record, skipping records of
// other types. It returns io.EOF at a clean end of stream.
func (fr *FeedReader) ReadFeedFrame() (FeedFrame, error) {
	for {
		typ, err := quicvarint.Read(fr.r)
		if err != nil {
			return FeedFrame{}, err
		}
		n, err := quicvarint.Read(fr.r)
		if err != nil {
			return FeedFrame{}, &FeedParseError{Field: "length", Err: noEOF(err)}
		}
		if n > maxFeedPayload {
			return FeedFrame{}, ErrFeedPayloadTooLarge
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return FeedFrame{}, &FeedParseError{Field: "payload", Err: noEOF(err)}
		}
		if typ != FeedRecordSnapshot {
			continue
		}
		return ParseFeedFrame(payload)
	}
}

// ParseFeedFrame decodes a snapshot record payload.
func ParseFeedFrame(payload []byte) (FeedFrame, error) {
	var f FeedFrame
	fields := []struct {
		name string
		max  uint64
	}{
		{"seq", 1<<62 - 1},
		{"hour", 23},
		{"minute", 59},
		{"second", 59},
		{"frame", 29},
		{"rate", unknownRateCode},
		{"direction", 2},
		{"flags", 1<<62 - 1},
		{"indicator", uint64(pipeline.IndicatorLocked)},
		{"last_message", 1<<62 - 1},
	}
	var v [10]uint64
	for i, fd := range fields {
		x, n, err := quicvarint.Parse(payload)
		if err != nil {
			return f, &FeedParseError{Field: fd.name, Err: noEOF(err)}
		}
		if x > fd.max {
			return f, &FeedParseError{Field: fd.name, Err: mtc.ErrOutOfRange}
		}
		v[i] = x
		payload = payload[n:]
	}

	f.Seq = v[0]
	f.Timecode = mtc.Timecode{Hour: int(v[1]), Minute: int(v[2]), Second: int(v[3]), Frame: int(v[4])}
	f.Framerate, _ = mtc.RateFromCode(uint8(v[5]))
	f.Direction = mtc.Direction(int8(v[6]) - 1)
	f.Running = v[7]&flagRunning != 0
	f.Locked = v[7]&flagLocked != 0
	f.TimedOut = v[7]&flagTimedOut != 0
	if v[7]&flagTimecodeMode != 0 {
		f.Mode = pipeline.ModeTimecode
	}
	f.Indicator = pipeline.Indicator(v[8])
	f.LastMessageMs = int64(v[9])
	return f, nil
}

// noEOF turns a clean EOF inside a record into io.ErrUnexpectedEOF.
func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
