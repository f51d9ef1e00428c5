// Package mtc decodes MIDI Time Code. A [Decoder] consumes Quarter Frame
// and Full Frame messages with monotonic timestamps and keeps an SMPTE
// timecode together with its framerate, play direction, transport running
// state, lock state and staleness.
//
// The decoder is a plain state machine: it never blocks, never logs and is
// not safe for concurrent use. A single host loop owns it, feeds it one
// message at a time through [Decoder.Ingest] and polls [Decoder.TimedOut]
// once per iteration.
//
// Message classification from raw MIDI lives in
// [github.com/zsiec/mtcclock/internal/midiwire].
package mtc
