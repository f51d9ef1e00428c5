// Package pipeline runs the host loop for a single timecode source: it
// splits the source's MIDI bytes into messages, drives one MTC decoder,
// and publishes the resulting state to subscribers.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"gitlab.com/gomidi/midi/v2"

	"github.com/zsiec/mtcclock/internal/midiwire"
	"github.com/zsiec/mtcclock/internal/mtc"
)

// DefaultPollInterval is how often the host loop wakes up without input to
// let the decoder time out.
const DefaultPollInterval = 10 * time.Millisecond

// messageQueue is the depth of the channel between the reader goroutine and
// the host loop.
const messageQueue = 64

// Config configures a Pipeline.
type Config struct {
	// Timeout is the decoder's long timeout. Zero means mtc.DefaultTimeout.
	Timeout time.Duration
	// PollInterval is the idle wake-up period. Zero means DefaultPollInterval.
	PollInterval time.Duration
	// Now returns monotonic nanoseconds. Nil uses the process clock.
	Now func() int64
	Log *slog.Logger
}

// Pipeline owns the decoder of one source. Only the host loop goroutine
// touches the decoder; everything else reads published snapshots.
type Pipeline struct {
	log   *slog.Logger
	key   string
	input io.Reader
	poll  time.Duration
	now   func() int64
	// wall maps a monotonic timestamp to wall-clock time.
	wall func(int64) time.Time

	dec   *mtc.Decoder
	relay *relay

	mu       sync.Mutex
	counters Counters
	mode     Mode
	seq      uint64
}

// New creates a Pipeline that reads raw MIDI bytes from input.
func New(key string, input io.Reader, cfg Config) *Pipeline {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	start := time.Now()
	if cfg.Now == nil {
		cfg.Now = func() int64 { return int64(time.Since(start)) }
	}
	origin := cfg.Now()

	p := &Pipeline{
		log:   cfg.Log.With("component", "pipeline", "source", key),
		key:   key,
		input: input,
		poll:  cfg.PollInterval,
		now:   cfg.Now,
		wall: func(ts int64) time.Time {
			return start.Add(time.Duration(ts - origin))
		},
		dec:   mtc.New(mtc.Config{Timeout: cfg.Timeout, Now: origin}),
		relay: newRelay(),
	}
	p.relay.last = Snapshot{Key: key}
	return p
}

// Key returns the source key.
func (p *Pipeline) Key() string { return p.key }

// Snapshot returns the most recently published state.
func (p *Pipeline) Snapshot() Snapshot { return p.relay.latest() }

// Subscribe returns a channel that receives every published snapshot,
// starting with the current one, and a func to unsubscribe. Snapshots are
// dropped for a subscriber whose buffer is full. The channel is closed when
// the pipeline stops.
func (p *Pipeline) Subscribe(buf int) (<-chan Snapshot, func()) {
	return p.relay.subscribe(buf)
}

// Subscribers returns the number of active subscribers.
func (p *Pipeline) Subscribers() int { return p.relay.count() }

type arrival struct {
	msg midi.Message
	err error
}

// Run is the host loop. It blocks until the input ends or ctx is
// cancelled; a clean end of input returns nil.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.relay.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	splitter := midiwire.NewSplitter(p.input)
	msgs := make(chan arrival, messageQueue)
	go p.read(ctx, splitter, msgs)

	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	p.log.Info("host loop started")
	for {
		select {
		case <-ctx.Done():
			p.log.Info("host loop stopped", "reason", ctx.Err())
			return nil

		case a := <-msgs:
			p.setDropped(splitter)
			if a.err != nil {
				if errors.Is(a.err, io.EOF) || errors.Is(a.err, io.ErrClosedPipe) {
					p.log.Info("input ended")
					p.step(nil)
					return nil
				}
				p.log.Warn("input failed", "error", a.err)
				return a.err
			}
			p.step(a.msg)

		case <-ticker.C:
			p.step(nil)
		}
	}
}

// read splits the input into messages. It is the only goroutine reading
// from the input; the last value sent carries the terminating error.
func (p *Pipeline) read(ctx context.Context, s *midiwire.Splitter, out chan<- arrival) {
	for {
		msg, err := s.Next()
		select {
		case out <- arrival{msg: msg, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (p *Pipeline) setDropped(s *midiwire.Splitter) {
	p.mu.Lock()
	p.counters.Dropped = s.Dropped()
	p.mu.Unlock()
}

// step runs one host loop iteration: ingest at most one message, check the
// timeouts, and publish if anything a viewer can see changed.
func (p *Pipeline) step(msg midi.Message) {
	before := p.dec.Status()
	ts := p.now()

	var isMTC, isFrame bool
	var err error
	if msg != nil {
		isMTC, isFrame, err = p.dec.Ingest(midiwire.Classify(msg), ts)
	}
	timedOut := p.dec.TimedOut(ts)
	after := p.dec.Status()

	p.mu.Lock()
	prev := p.relay.latest()
	if msg != nil {
		p.counters.Messages++
		switch {
		case err != nil:
			p.counters.DecodeErrors++
		case !isMTC:
			p.counters.Ignored++
		default:
			p.counters.Timecode++
		}
		if isFrame {
			p.counters.Frames++
		}
	}
	if timedOut && !prev.TimedOut {
		p.counters.Timeouts++
	}

	mode := p.mode
	switch {
	case isMTC && err == nil:
		mode = ModeTimecode
	case timedOut:
		mode = ModeClock
	}
	p.mode = mode

	next := Snapshot{
		Key:       p.key,
		Timecode:  after.Timecode,
		Framerate: after.Framerate,
		Direction: after.Direction,
		Running:   after.Running,
		Locked:    after.Locked,
		TimedOut:  timedOut,
		Mode:      mode,
		Indicator: indicatorFor(after),
		Counters:  p.counters,
	}
	if p.counters.Timecode > 0 {
		next.LastMessageMs = p.wall(p.dec.LastMessage()).UnixMilli()
	}
	changed := !sameState(prev, next)
	if changed {
		p.seq++
	}
	next.Seq = p.seq
	p.mu.Unlock()

	if err != nil {
		p.log.Debug("decode error, message dropped", "error", err, "message", msg.String())
	}
	p.logTransitions(before, after, prev, next)

	if changed {
		if missed := p.relay.publish(next); missed > 0 {
			p.log.Debug("subscribers behind", "missed", missed)
		}
	} else {
		p.relay.store(next)
	}
}

func (p *Pipeline) logTransitions(before, after mtc.Status, prev, next Snapshot) {
	if after.Locked != before.Locked {
		if after.Locked {
			p.log.Info("lock acquired", "timecode", after.Timecode, "fps", after.Framerate)
		} else {
			p.log.Info("lock lost", "timecode", after.Timecode)
		}
	}
	if after.Direction != before.Direction {
		p.log.Debug("direction changed", "from", before.Direction, "to", after.Direction)
	}
	if next.Mode != prev.Mode {
		p.log.Info("mode switched", "mode", next.Mode)
	}
	if next.TimedOut && !prev.TimedOut {
		p.log.Warn("timecode timed out", "last", after.Timecode)
	}
}

// Counters returns the current message counts.
func (p *Pipeline) Counters() Counters {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counters
}
