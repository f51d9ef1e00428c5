package pipeline

import "sync"

// relay fans snapshots out to subscribers. A subscriber that falls behind
// misses snapshots rather than stalling the host loop.
type relay struct {
	mu     sync.RWMutex
	last   Snapshot
	nextID int
	subs   map[int]chan Snapshot
	closed bool
}

func newRelay() *relay {
	return &relay{subs: make(map[int]chan Snapshot)}
}

// subscribe registers a channel with room for buf snapshots and primes it
// with the latest one. The returned func unsubscribes and closes the
// channel. After the relay closes, the channel is closed immediately.
func (r *relay) subscribe(buf int) (<-chan Snapshot, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan Snapshot, buf)

	r.mu.Lock()
	defer r.mu.Unlock()
	ch <- r.last
	if r.closed {
		close(ch)
		return ch, func() {}
	}
	id := r.nextID
	r.nextID++
	r.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if c, ok := r.subs[id]; ok {
				delete(r.subs, id)
				close(c)
			}
		})
	}
}

// publish stores s as the latest snapshot and offers it to every
// subscriber. It returns how many subscribers had no room for it.
func (r *relay) publish(s Snapshot) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = s
	missed := 0
	for _, ch := range r.subs {
		select {
		case ch <- s:
		default:
			missed++
		}
	}
	return missed
}

// store replaces the latest snapshot without notifying subscribers.
func (r *relay) store(s Snapshot) {
	r.mu.Lock()
	r.last = s
	r.mu.Unlock()
}

func (r *relay) latest() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

func (r *relay) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// close ends every subscription.
func (r *relay) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
}
