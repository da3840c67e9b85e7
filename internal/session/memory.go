package session

import (
	"context"
	"sync"
	"time"
)

type memberKey struct {
	meetingID string
	userID    string
}

// MemoryRegistry keeps sessions in process memory. It suits single-instance
// deployments and tests.
type MemoryRegistry struct {
	mu       sync.RWMutex
	sessions map[string]Session
	members  map[memberKey]string
	rooms    map[string]map[string]struct{}
	now      func() time.Time
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry builds an empty registry. now may be nil.
func NewMemoryRegistry(now func() time.Time) *MemoryRegistry {
	if now == nil {
		now = time.Now
	}
	return &MemoryRegistry{
		sessions: make(map[string]Session),
		members:  make(map[memberKey]string),
		rooms:    make(map[string]map[string]struct{}),
		now:      now,
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, s Session) (string, error) {
	now := r.now().UTC()
	if s.RegisteredAt.IsZero() {
		s.RegisteredAt = now
	}
	s.LastSeen = now
	s.ReadinessSignaled = false

	r.mu.Lock()
	defer r.mu.Unlock()

	key := memberKey{meetingID: s.MeetingID, userID: s.UserID}
	evicted := ""
	if prev, ok := r.members[key]; ok && prev != s.ConnID {
		if _, removed := r.removeLocked(prev); removed {
			evicted = prev
		}
	}
	if existing, ok := r.sessions[s.ConnID]; ok {
		r.removeLocked(existing.ConnID)
	}

	r.sessions[s.ConnID] = s
	r.members[key] = s.ConnID
	room := r.rooms[s.MeetingID]
	if room == nil {
		room = make(map[string]struct{})
		r.rooms[s.MeetingID] = room
	}
	room[s.ConnID] = struct{}{}
	return evicted, nil
}

func (r *MemoryRegistry) Lookup(ctx context.Context, connID string) (Session, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[connID]
	return s, ok, nil
}

func (r *MemoryRegistry) FindByUser(ctx context.Context, meetingID, userID string) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.members[memberKey{meetingID: meetingID, userID: userID}]
	return connID, ok, nil
}

func (r *MemoryRegistry) Remove(ctx context.Context, connID string) (Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.removeLocked(connID)
	return s, ok, nil
}

func (r *MemoryRegistry) removeLocked(connID string) (Session, bool) {
	s, ok := r.sessions[connID]
	if !ok {
		return Session{}, false
	}
	delete(r.sessions, connID)
	key := memberKey{meetingID: s.MeetingID, userID: s.UserID}
	if r.members[key] == connID {
		delete(r.members, key)
	}
	if room := r.rooms[s.MeetingID]; room != nil {
		delete(room, connID)
		if len(room) == 0 {
			delete(r.rooms, s.MeetingID)
		}
	}
	return s, true
}

func (r *MemoryRegistry) MarkReady(ctx context.Context, connID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connID]
	if !ok || s.ReadinessSignaled {
		return false, nil
	}
	s.ReadinessSignaled = true
	r.sessions[connID] = s
	return true, nil
}

func (r *MemoryRegistry) ListMeeting(ctx context.Context, meetingID string) ([]Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room := r.rooms[meetingID]
	out := make([]Session, 0, len(room))
	for connID := range room {
		out = append(out, r.sessions[connID])
	}
	sortSessions(out)
	return out, nil
}

func (r *MemoryRegistry) Touch(ctx context.Context, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[connID]; ok {
		s.LastSeen = r.now().UTC()
		r.sessions[connID] = s
	}
	return nil
}

func (r *MemoryRegistry) Expired(ctx context.Context, cutoff time.Time) ([]Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Session
	for _, s := range r.sessions {
		if s.LastSeen.Before(cutoff) {
			out = append(out, s)
		}
	}
	sortSessions(out)
	return out, nil
}

func (r *MemoryRegistry) Count(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions), nil
}

func (r *MemoryRegistry) Close() error { return nil }
