package session

import (
	"sort"
	"sync"
)

// Registry is the in-memory map of live sessions. Each id owns a turn lock
// serializing the whole append-generate-persist sequence for that session;
// operations on different ids proceed in parallel.
//
// Published sessions are immutable: a turn works on a clone and publishes
// it with Set only at commit points. Peek and Snapshot therefore never
// observe a session mid-append and never wait on a turn lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	mu   sync.Mutex // turn lock, held for the duration of one full turn
	refs int        // handles holding or waiting on the turn lock
	sess *Session   // last published state; nil when no live session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Handle is an exclusive grip on one session id, held across a turn.
type Handle struct {
	r  *Registry
	e  *entry
	id string
}

// Acquire locks the given id for a turn, creating the slot if the id has
// never been seen. Blocks while another turn on the same id is in flight.
func (r *Registry) Acquire(id string) *Handle {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		e = &entry{}
		r.entries[id] = e
	}
	e.refs++
	r.mu.Unlock()

	e.mu.Lock()
	return &Handle{r: r, e: e, id: id}
}

// Release gives up the turn lock. A slot left with no session and no other
// holder is reaped, so ended and evicted ids do not accumulate.
func (h *Handle) Release() {
	h.e.mu.Unlock()

	h.r.mu.Lock()
	h.e.refs--
	if h.e.refs == 0 && h.e.sess == nil && h.r.entries[h.id] == h.e {
		delete(h.r.entries, h.id)
	}
	h.r.mu.Unlock()
}

// Session returns the last published session under this handle, or nil.
// The caller owns the turn lock and must clone before mutating.
func (h *Handle) Session() *Session {
	h.r.mu.RLock()
	defer h.r.mu.RUnlock()
	return h.e.sess
}

// Set publishes a new session state (or clears it with nil). The published
// object must not be mutated afterwards.
func (h *Handle) Set(s *Session) {
	h.r.mu.Lock()
	h.e.sess = s
	h.r.mu.Unlock()
}

// ID returns the session id this handle locks.
func (h *Handle) ID() string {
	return h.id
}

// Peek returns a copy of the last published state for the given id without
// taking its turn lock.
func (r *Registry) Peek(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok || e.sess == nil {
		return nil, false
	}
	return e.sess.Clone(), true
}

// Evict drops the live session for an id. The lock slot stays while any
// handle holds or waits on it, so an in-flight Acquire on the same id stays
// coherent; an uncontended slot is reaped immediately.
func (r *Registry) Evict(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.sess = nil
		if e.refs == 0 {
			delete(r.entries, id)
		}
	}
}

// Snapshot returns copies of all live sessions, most recently active first.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.entries))
	for _, e := range r.entries {
		if e.sess != nil {
			sessions = append(sessions, e.sess.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActive.After(sessions[j].LastActive)
	})
	return sessions
}

// ActiveCount returns the number of live sessions in the active state.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, e := range r.entries {
		if e.sess != nil && e.sess.State == StateActive {
			n++
		}
	}
	return n
}
