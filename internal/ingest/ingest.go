// Package ingest tracks active MIDI byte sources, coupling each source's
// byte pipe with metadata and lifecycle signaling, and hands new sources
// to the timecode host loop.
package ingest

import (
	"errors"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrSourceExists is returned by Register when the key is already taken.
	ErrSourceExists = errors.New("ingest: source already registered")
	// ErrInvalidKey is returned by Register for keys that cannot appear
	// as a single URL path segment.
	ErrInvalidKey = errors.New("ingest: invalid source key")
)

const maxKeyLen = 64

// ValidKey reports whether key is usable as a source key: 1 to 64 bytes
// of letters, digits, '-', '_' or '.'.
func ValidKey(key string) bool {
	if key == "" || len(key) > maxKeyLen || key == "." || key == ".." {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}

// InputFormat identifies how a source delivers MIDI bytes.
type InputFormat int

const (
	// FormatMIDIStream is a raw MIDI 1.0 byte stream, as carried over SRT.
	FormatMIDIStream InputFormat = iota
	// FormatMIDIPort is a local MIDI input port. Messages arrive whole
	// but are written into the pipe as the same raw byte stream.
	FormatMIDIPort
)

func (f InputFormat) String() string {
	switch f {
	case FormatMIDIStream:
		return "stream"
	case FormatMIDIPort:
		return "port"
	}
	return "unknown"
}

// Stats captures byte-level counters for a source.
type Stats struct {
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Source is one active MIDI byte source. Bytes written to its pipe by the
// transport are read by the host loop.
type Source struct {
	Key       string
	StartedAt time.Time
	Format    InputFormat
	input     io.ReadCloser
	pw        io.WriteCloser
	done      chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// RecordRead increments the byte and read counters. Transports call it
// after each successful read from the network or the port.
func (s *Source) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// SetRemoteAddr stores where the bytes come from: a peer address or a
// MIDI port name.
func (s *Source) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Done is closed when the source is unregistered.
func (s *Source) Done() <-chan struct{} {
	return s.done
}

// Stats returns a snapshot of the source's counters.
func (s *Source) Stats() Stats {
	addr, _ := s.remoteAddr.Load().(string)
	return Stats{
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Registry tracks active sources by key and dispatches new ones to the
// onSource callback.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*Source

	onSource func(key string, input io.Reader, format InputFormat)
}

// NewRegistry creates a Registry. The onSource callback is invoked
// asynchronously whenever a new source is registered.
func NewRegistry(onSource func(key string, input io.Reader, format InputFormat)) *Registry {
	return &Registry{
		sources:  make(map[string]*Source),
		onSource: onSource,
	}
}

// Register creates a source with the given key and format, returning it
// together with the writer the transport should copy bytes into.
func (r *Registry) Register(key string, format InputFormat) (*Source, io.Writer, error) {
	if !ValidKey(key) {
		return nil, nil, ErrInvalidKey
	}
	r.mu.Lock()
	if _, ok := r.sources[key]; ok {
		r.mu.Unlock()
		return nil, nil, ErrSourceExists
	}
	pr, pw := io.Pipe()
	src := &Source{
		Key:       key,
		StartedAt: time.Now(),
		Format:    format,
		input:     pr,
		pw:        pw,
		done:      make(chan struct{}),
	}
	r.sources[key] = src
	r.mu.Unlock()

	if r.onSource != nil {
		go r.onSource(key, pr, format)
	}
	return src, pw, nil
}

// Release unregisters src if it is still the source registered under its
// key, closing its pipe and signaling Done. A newer source that reused the
// key is left alone.
func (r *Registry) Release(src *Source) {
	r.mu.Lock()
	cur, ok := r.sources[src.Key]
	if ok && cur == src {
		delete(r.sources, src.Key)
	}
	r.mu.Unlock()

	if ok && cur == src {
		src.pw.Close()
		close(src.done)
	}
}

// Get returns the Source for the given key, or false if not found.
func (r *Registry) Get(key string) (*Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[key]
	return s, ok
}

// Keys returns the registered source keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.sources))
	for k := range r.sources {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}
