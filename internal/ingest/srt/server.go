package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/mtcclock/internal/ingest"
)

// readBufferSize is the read buffer for SRT socket reads. MIDI traffic is a
// few kilobytes per second, so one SRT payload is plenty.
const readBufferSize = 1316

// latencyNs is the SRT latency in nanoseconds (20ms). Quarter frames arrive
// every 8 to 10ms and the decoder stamps them on arrival, so the receive
// buffer is kept short.
const latencyNs = 20_000_000

// streamIDPrefix is stripped from SRT stream ids to form the source key.
const streamIDPrefix = "mtc/"

// Server accepts incoming SRT publish connections and registers each one
// as a MIDI stream source.
type Server struct {
	log      *slog.Logger
	addr     string
	registry *ingest.Registry
}

// NewServer creates an SRT server that listens on addr. If log is nil,
// slog.Default() is used.
func NewServer(addr string, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "srt-server"),
		addr:     addr,
		registry: registry,
	}
}

// Start begins accepting SRT publish connections. It blocks until the
// context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if !ingest.ValidKey(extractSourceKey(req.StreamID)) {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		key := extractSourceKey(conn.StreamID())
		s.log.Info("publish", "source", key, "remote", conn.RemoteAddr())

		go s.handleConnection(ctx, conn, key)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn *srtgo.Conn, key string) {
	closeConn := sync.OnceFunc(func() { conn.Close() })
	defer closeConn()

	src, w, err := s.registry.Register(key, ingest.FormatMIDIStream)
	if err != nil {
		s.log.Warn("rejecting publish", "source", key, "error", err)
		return
	}
	src.SetRemoteAddr(conn.RemoteAddr().String())

	unwatch := closeOnRelease(src, closeConn)
	pump(ctx, s.log, conn, src, w)
	unwatch()

	stats := src.Stats()
	s.registry.Release(src)
	s.log.Info("connection closed", "source", key,
		"bytes", stats.BytesReceived, "reads", stats.ReadCount,
		"uptime_ms", stats.UptimeMs)
}

// pump copies bytes from the SRT connection into the source pipe until
// either side fails or ctx is done.
func pump(ctx context.Context, log *slog.Logger, r io.Reader, src *ingest.Source, w io.Writer) {
	buf := make([]byte, readBufferSize)
	for ctx.Err() == nil {
		n, err := r.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("read error", "source", src.Key, "error", err)
			}
			return
		}
		src.RecordRead(n)
		if _, err := w.Write(buf[:n]); err != nil {
			log.Debug("pipe write error", "source", src.Key, "error", err)
			return
		}
	}
}

// closeOnRelease calls closeConn once src is released, so a Read blocked
// on the network returns when the host loop gives the source up. The
// returned func stops watching.
func closeOnRelease(src *ingest.Source, closeConn func()) func() {
	stop := make(chan struct{})
	go func() {
		select {
		case <-src.Done():
			closeConn()
		case <-stop:
		}
	}()
	return sync.OnceFunc(func() { close(stop) })
}

func extractSourceKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, streamIDPrefix)
	if streamID == "" {
		return "default"
	}
	return streamID
}
