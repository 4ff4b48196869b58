package registry

import (
	"errors"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrNoSession is returned when delivery targets a user with no live
// connections.
var ErrNoSession = errors.New("no live session")

// Conn is the wire side of a session. *websocket.Conn satisfies it; tests
// substitute a recorder.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Session is one live connection for one authenticated user. Writes are
// serialized per session because gorilla connections allow a single
// concurrent writer.
type Session struct {
	UserID string

	mu   sync.Mutex
	conn Conn
}

func (s *Session) Send(ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

func (s *Session) Close() error { return s.conn.Close() }

// Registry is the process-wide index of live connections: user id to
// sessions, plus named rooms for fan-out. Entries appear on connect and are
// pruned on disconnect; an empty user entry is removed rather than left to
// rot. Safe for concurrent connect/disconnect/send.
type Registry struct {
	mu      sync.RWMutex
	byUser  map[string]map[*Session]struct{}
	rooms   map[string]map[*Session]struct{}
	inRooms map[*Session]map[string]struct{}
}

func New() *Registry {
	return &Registry{
		byUser:  make(map[string]map[*Session]struct{}),
		rooms:   make(map[string]map[*Session]struct{}),
		inRooms: make(map[*Session]map[string]struct{}),
	}
}

// Add registers a connection for an already-authenticated user. The caller
// authenticates first; an unauthenticated connection never reaches the
// registry.
func (r *Registry) Add(userID string, conn Conn) *Session {
	s := &Session{UserID: userID, conn: conn}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[*Session]struct{})
	}
	r.byUser[userID][s] = struct{}{}
	return s
}

// Remove drops the session from the user index and every room it joined.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.byUser[s.UserID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(r.byUser, s.UserID)
		}
	}
	for room := range r.inRooms[s] {
		delete(r.rooms[room], s)
		if len(r.rooms[room]) == 0 {
			delete(r.rooms, room)
		}
	}
	delete(r.inRooms, s)
}

func (r *Registry) JoinRoom(s *Session, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[*Session]struct{})
	}
	r.rooms[room][s] = struct{}{}
	if r.inRooms[s] == nil {
		r.inRooms[s] = make(map[string]struct{})
	}
	r.inRooms[s][room] = struct{}{}
}

// ConnectionsFor snapshots the user's live sessions.
func (r *Registry) ConnectionsFor(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byUser[userID]))
	for s := range r.byUser[userID] {
		out = append(out, s)
	}
	return out
}

// SendToUser delivers the event to every live session of the user.
// Best-effort: individual write failures don't stop the fan-out, and a user
// with no sessions yields ErrNoSession.
func (r *Registry) SendToUser(userID string, ev models.Event) error {
	sessions := r.ConnectionsFor(userID)
	if len(sessions) == 0 {
		return ErrNoSession
	}
	var delivered int
	for _, s := range sessions {
		if err := s.Send(ev); err == nil {
			delivered++
		}
	}
	if delivered == 0 {
		return ErrNoSession
	}
	return nil
}

// BroadcastToRoom fans the event out to every session in the room.
func (r *Registry) BroadcastToRoom(room string, ev models.Event) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.rooms[room]))
	for s := range r.rooms[room] {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()
	for _, s := range sessions {
		_ = s.Send(ev)
	}
}

// Count reports the number of live sessions, for the connections gauge.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int
	for _, set := range r.byUser {
		n += len(set)
	}
	return n
}
