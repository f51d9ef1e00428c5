// Package port ingests MIDI time code from local MIDI input ports through
// the gomidi driver layer. The driver itself is registered by the command
// with a blank import.
package port

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"

	"github.com/zsiec/mtcclock/internal/ingest"
)

// Ports lists the names of the available MIDI input ports.
func Ports() []string {
	ins := midi.GetInPorts()
	names := make([]string, 0, len(ins))
	for _, in := range ins {
		names = append(names, in.String())
	}
	return names
}

// Key derives a source key from a port name: lower case, with every run of
// characters not allowed in a key collapsed to a single '-'.
func Key(portName string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(portName) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '.':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	key := strings.TrimRight(b.String(), "-")
	if len(key) > 64 {
		key = strings.TrimRight(key[:64], "-")
	}
	if !ingest.ValidKey(key) {
		return "port"
	}
	return key
}

// Listener attaches MIDI input ports to the ingest registry.
type Listener struct {
	log      *slog.Logger
	registry *ingest.Registry

	mu    sync.Mutex
	stops map[string]func()
}

// NewListener creates a Listener. If log is nil, slog.Default() is used.
func NewListener(registry *ingest.Registry, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{
		log:      log.With("component", "midi-port"),
		registry: registry,
		stops:    make(map[string]func()),
	}
}

// Open finds the input port whose name contains name and starts feeding
// its messages into a new source. It returns the source key.
func (l *Listener) Open(name string) (string, error) {
	in, err := midi.FindInPort(name)
	if err != nil {
		return "", fmt.Errorf("port: find %q: %w", name, err)
	}
	key := Key(in.String())
	if err := l.attach(in, key); err != nil {
		return "", err
	}
	return key, nil
}

func (l *Listener) attach(in drivers.In, key string) error {
	src, w, err := l.registry.Register(key, ingest.FormatMIDIPort)
	if err != nil {
		return fmt.Errorf("port: register %q: %w", key, err)
	}
	src.SetRemoteAddr(in.String())
	log := l.log.With("source", key, "port", in.String())

	var (
		once       sync.Once
		stopMu     sync.Mutex
		stopListen func()
	)
	release := func() {
		once.Do(func() {
			stopMu.Lock()
			if stopListen != nil {
				stopListen()
			}
			stopMu.Unlock()
			l.registry.Release(src)
			l.mu.Lock()
			delete(l.stops, key)
			l.mu.Unlock()
		})
	}

	stopMu.Lock()
	defer stopMu.Unlock()
	stopListen, err = midi.ListenTo(in, func(msg midi.Message, _ int32) {
		if err := forward(src, w, msg); err != nil {
			log.Debug("pipe write error", "error", err)
			go release()
		}
	}, midi.UseSysEx(), midi.UseTimeCode(), midi.HandleError(func(err error) {
		log.Warn("listener error, closing port", "error", err)
		go release()
	}))
	if err != nil {
		l.registry.Release(src)
		return fmt.Errorf("port: listen %q: %w", in.String(), err)
	}
	l.mu.Lock()
	l.stops[key] = release
	l.mu.Unlock()

	// Stop listening once the host loop gives the source up.
	go func() {
		<-src.Done()
		release()
	}()
	log.Info("listening")
	return nil
}

// forward writes one port message into the source pipe. Messages arrive
// whole from the driver, so the host loop sees the same byte stream an SRT
// sender would produce.
func forward(src *ingest.Source, w io.Writer, msg midi.Message) error {
	if len(msg) == 0 {
		return nil
	}
	n, err := w.Write(msg)
	if err != nil {
		return err
	}
	src.RecordRead(n)
	return nil
}

// Close stops the port feeding the given source key.
func (l *Listener) Close(key string) error {
	l.mu.Lock()
	release, ok := l.stops[key]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("port: no open port for source %q", key)
	}
	release()
	return nil
}

// Keys returns the source keys of the open ports.
func (l *Listener) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := make([]string, 0, len(l.stops))
	for k := range l.stops {
		keys = append(keys, k)
	}
	return keys
}

// Run opens every named port and keeps them open until ctx is done. A port
// that cannot be opened is logged and skipped; Run fails only when none of
// the requested ports could be opened.
func (l *Listener) Run(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	var errs []error
	for _, name := range names {
		if _, err := l.Open(name); err != nil {
			l.log.Warn("open failed", "port", name, "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) == len(names) {
		return errors.Join(errs...)
	}

	<-ctx.Done()
	for _, key := range l.Keys() {
		l.Close(key)
	}
	midi.CloseDriver()
	return nil
}
