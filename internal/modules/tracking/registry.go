// README: In-memory registry of active sessions with per-session locking.
package tracking

import (
	"sync"

	"oasis/internal/types"
)

// entry pairs a session with its own mutex so updates to different sessions
// proceed concurrently while same-session updates serialize.
type entry struct {
	mu sync.Mutex
	s  *TrackingSession
}

// Registry is the authoritative in-memory store of active sessions. The
// durable store only mirrors it for recovery and audit.
type Registry struct {
	mu       sync.RWMutex
	sessions map[types.ID]*entry
	byRide   map[types.ID]types.ID
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[types.ID]*entry),
		byRide:   make(map[types.ID]types.ID),
	}
}

// Insert registers a new active session. Fails with ErrSessionExists when
// the ride already has one.
func (r *Registry) Insert(s *TrackingSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byRide[s.RideID]; ok {
		return ErrSessionExists
	}
	r.sessions[s.SessionID] = &entry{s: s}
	r.byRide[s.RideID] = s.SessionID
	return nil
}

// Remove drops a session from the registry. Safe to call twice.
func (r *Registry) Remove(sessionID types.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(r.sessions, sessionID)
	if r.byRide[e.s.RideID] == sessionID {
		delete(r.byRide, e.s.RideID)
	}
}

// Mutate runs fn on the session under its lock and returns a snapshot taken
// after fn ran. I/O belongs outside fn; the pattern is lock, mutate,
// snapshot, unlock, then act on the snapshot.
func (r *Registry) Mutate(sessionID types.ID, fn func(*TrackingSession)) (*TrackingSession, bool) {
	r.mu.RLock()
	e, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.s)
	return e.s.clone(), true
}

// Snapshot returns a copy of the session without mutating it.
func (r *Registry) Snapshot(sessionID types.ID) (*TrackingSession, bool) {
	return r.Mutate(sessionID, func(*TrackingSession) {})
}

// SessionIDByRide resolves the active session for a ride.
func (r *Registry) SessionIDByRide(rideID types.ID) (types.ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byRide[rideID]
	return id, ok
}

// ActiveSessionIDs lists sessions for the reaper sweep.
func (r *Registry) ActiveSessionIDs() []types.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]types.ID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
