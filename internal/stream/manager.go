// Package stream tracks the timecode sources whose host loops are running,
// providing create/remove/list operations used by the ingest and
// distribution layers.
package stream

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/mtcclock/internal/pipeline"
)

// Source is a timecode source with a running host loop.
type Source struct {
	Key       string
	StartedAt time.Time
	Pipeline  *pipeline.Pipeline
	done      chan struct{}
}

// Done is closed when the source is removed.
func (s *Source) Done() <-chan struct{} { return s.done }

// Manager manages the lifecycle of active sources.
type Manager struct {
	log     *slog.Logger
	mu      sync.RWMutex
	sources map[string]*Source
}

// NewManager creates a new source manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log.With("component", "source-manager"),
		sources: make(map[string]*Source),
	}
}

// Create registers a source for the pipeline. Returns the source and true
// if created, or nil and false if a source with this key already exists.
func (m *Manager) Create(p *pipeline.Pipeline) (*Source, bool) {
	key := p.Key()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sources[key]; ok {
		m.log.Warn("source already exists, rejecting duplicate", "key", key)
		return nil, false
	}

	s := &Source{
		Key:       key,
		StartedAt: time.Now(),
		Pipeline:  p,
		done:      make(chan struct{}),
	}
	m.sources[key] = s
	m.log.Info("source created", "key", key)
	return s, true
}

// Get returns the source for key.
func (m *Manager) Get(key string) (*Source, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sources[key]
	return s, ok
}

// Remove removes a source from the manager.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	s, ok := m.sources[key]
	if ok {
		delete(m.sources, key)
	}
	m.mu.Unlock()

	if ok {
		close(s.done)
		m.log.Info("source removed", "key", key)
	}
}

// List returns all active sources ordered by key.
func (m *Manager) List() []*Source {
	m.mu.RLock()
	sources := make([]*Source, 0, len(m.sources))
	for _, s := range m.sources {
		sources = append(sources, s)
	}
	m.mu.RUnlock()

	sort.Slice(sources, func(i, j int) bool { return sources[i].Key < sources[j].Key })
	return sources
}
