package srt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/mtcclock/internal/ingest"
)

// dialTimeout bounds how long Pull waits for the SRT handshake.
const dialTimeout = 10 * time.Second

var (
	// ErrPullExists is returned when a pull for the source key is running.
	ErrPullExists = errors.New("srt: pull already active")
	// ErrNoPull is returned by Stop for an unknown source key.
	ErrNoPull = errors.New("srt: no active pull")
)

// PullRequest describes a remote SRT listener to pull MIDI bytes from.
type PullRequest struct {
	Address   string `json:"address"`
	SourceKey string `json:"sourceKey"`
	StreamID  string `json:"streamId,omitempty"`
}

// Validate checks the required fields.
func (r PullRequest) Validate() error {
	if r.Address == "" {
		return errors.New("srt: address is required")
	}
	if !ingest.ValidKey(r.SourceKey) {
		return fmt.Errorf("srt: source key %q: %w", r.SourceKey, ingest.ErrInvalidKey)
	}
	return nil
}

type activePull struct {
	req    PullRequest
	cancel context.CancelFunc
}

// Caller manages SRT pull connections, dialing remote senders and
// streaming their bytes into the ingest registry.
type Caller struct {
	log      *slog.Logger
	registry *ingest.Registry

	mu    sync.Mutex
	pulls map[string]*activePull
}

// NewCaller creates a Caller. If log is nil, slog.Default() is used.
func NewCaller(registry *ingest.Registry, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:      log.With("component", "srt-caller"),
		registry: registry,
		pulls:    make(map[string]*activePull),
	}
}

// Pull dials the remote SRT listener synchronously, bounded by
// dialTimeout. On success, streaming continues in the background until
// the remote closes, Stop is called, or ctx is cancelled.
func (c *Caller) Pull(ctx context.Context, req PullRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if c.active(req.SourceKey) {
		return fmt.Errorf("%w for source %q", ErrPullExists, req.SourceKey)
	}

	c.log.Info("dialing", "address", req.Address, "source", req.SourceKey)

	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyNs
	cfg.StreamID = req.StreamID
	if cfg.StreamID == "" {
		cfg.StreamID = streamIDPrefix + req.SourceKey
	}

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(req.Address, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("SRT dial %s: %w", req.Address, res.err)
		}
		return c.startStreaming(ctx, req, res.conn)
	case <-timer.C:
		abandon()
		return fmt.Errorf("SRT dial %s timed out after %s", req.Address, dialTimeout)
	case <-ctx.Done():
		abandon()
		return ctx.Err()
	}
}

func (c *Caller) active(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pulls[key]
	return ok
}

func (c *Caller) startStreaming(ctx context.Context, req PullRequest, conn *srtgo.Conn) error {
	pullCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if _, exists := c.pulls[req.SourceKey]; exists {
		c.mu.Unlock()
		cancel()
		conn.Close()
		return fmt.Errorf("%w for source %q", ErrPullExists, req.SourceKey)
	}
	c.pulls[req.SourceKey] = &activePull{req: req, cancel: cancel}
	c.mu.Unlock()

	src, w, err := c.registry.Register(req.SourceKey, ingest.FormatMIDIStream)
	if err != nil {
		c.forget(req.SourceKey)
		cancel()
		conn.Close()
		return fmt.Errorf("srt: register %q: %w", req.SourceKey, err)
	}
	src.SetRemoteAddr(req.Address)
	c.log.Info("connected", "address", req.Address, "source", req.SourceKey)

	// Closing the connection unblocks a pending Read when Stop is called
	// or the host loop releases the source.
	stop := context.AfterFunc(pullCtx, func() { conn.Close() })
	unwatch := closeOnRelease(src, cancel)

	go func() {
		defer func() {
			unwatch()
			if stop() {
				conn.Close()
			}
			stats := src.Stats()
			c.registry.Release(src)
			c.forget(req.SourceKey)
			cancel()
			c.log.Info("pull ended", "source", req.SourceKey,
				"bytes", stats.BytesReceived, "reads", stats.ReadCount,
				"uptime_ms", stats.UptimeMs)
		}()
		pump(pullCtx, c.log, conn, src, w)
	}()

	return nil
}

func (c *Caller) forget(key string) {
	c.mu.Lock()
	delete(c.pulls, key)
	c.mu.Unlock()
}

// Stop cancels the pull for the given source key.
func (c *Caller) Stop(key string) error {
	c.mu.Lock()
	ap, ok := c.pulls[key]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w for source %q", ErrNoPull, key)
	}
	ap.cancel()
	return nil
}

// ActivePulls lists running pulls ordered by source key.
func (c *Caller) ActivePulls() []PullRequest {
	c.mu.Lock()
	out := make([]PullRequest, 0, len(c.pulls))
	for _, ap := range c.pulls {
		out = append(out, ap.req)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SourceKey < out[j].SourceKey })
	return out
}
