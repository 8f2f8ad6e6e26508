package pvpchess

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/park285/Cheese-PvP-Relay/internal/chess"
)

// Mirror receives committed snapshots. Implementations must not block.
type Mirror interface {
	Save(s Session)
	Delete(s Session)
}

type entry struct {
	mu   sync.Mutex
	s    Session
	gone bool
}

// Store owns every Session record. Lock order: entry.mu, then Store.mu.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	byConn   map[string]string
	mirror   Mirror
}

func NewStore(mirror Mirror) *Store {
	return &Store{
		sessions: make(map[string]*entry),
		byConn:   make(map[string]string),
		mirror:   mirror,
	}
}

// Create seats white and black in a new active session at pos.
func (st *Store) Create(white, black Seat, pos chess.Position) (Session, error) {
	w, b := strings.TrimSpace(white.ConnID), strings.TrimSpace(black.ConnID)
	if w == "" || b == "" || w == b {
		return Session{}, ErrNotParticipant
	}
	now := time.Now()
	e := &entry{s: Session{
		ID:            ulid.Make().String(),
		White:         w,
		Black:         b,
		WhiteIdentity: strings.TrimSpace(white.Identity),
		BlackIdentity: strings.TrimSpace(black.Identity),
		Position:      pos.Clone(),
		SAN:           []string{},
		MoveCount:     0,
		StartedAt:     now,
		LastMoveAt:    now,
		Status:        StatusActive,
	}}

	st.mu.Lock()
	if _, busy := st.byConn[w]; busy {
		st.mu.Unlock()
		return Session{}, ErrAlreadyInSession
	}
	if _, busy := st.byConn[b]; busy {
		st.mu.Unlock()
		return Session{}, ErrAlreadyInSession
	}
	st.sessions[e.s.ID] = e
	st.byConn[w] = e.s.ID
	st.byConn[b] = e.s.ID
	snap := e.s.clone()
	st.mu.Unlock()

	if st.mirror != nil {
		st.mirror.Save(snap)
	}
	return snap, nil
}

func (st *Store) lookup(id string) *entry {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sessions[strings.TrimSpace(id)]
}

// Get returns a copy of the session.
func (st *Store) Get(id string) (Session, error) {
	e := st.lookup(id)
	if e == nil {
		return Session{}, ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return Session{}, ErrSessionNotFound
	}
	return e.s.clone(), nil
}

// Update runs fn inside the session's critical section on a working copy.
// The copy is committed only when fn returns nil; a session left terminated
// is removed before the lock is released.
func (st *Store) Update(id string, fn func(s *Session) error) (Session, error) {
	e := st.lookup(id)
	if e == nil {
		return Session{}, ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return Session{}, ErrSessionNotFound
	}

	work := e.s.clone()
	if err := fn(&work); err != nil {
		return Session{}, err
	}
	e.s = work
	if work.Status == StatusTerminated {
		st.detachLocked(e)
	} else if st.mirror != nil {
		st.mirror.Save(work.clone())
	}
	return work.clone(), nil
}

// Remove deletes the session. No-op when absent.
func (st *Store) Remove(id string) {
	e := st.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.gone {
		st.detachLocked(e)
	}
}

// detachLocked requires e.mu held.
func (st *Store) detachLocked(e *entry) {
	e.gone = true
	st.mu.Lock()
	delete(st.sessions, e.s.ID)
	if st.byConn[e.s.White] == e.s.ID {
		delete(st.byConn, e.s.White)
	}
	if st.byConn[e.s.Black] == e.s.ID {
		delete(st.byConn, e.s.Black)
	}
	st.mu.Unlock()
	if st.mirror != nil {
		st.mirror.Delete(e.s.clone())
	}
}

// SessionOf returns the id of the active session connID sits in.
func (st *Store) SessionOf(connID string) (string, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	id, ok := st.byConn[connID]
	return id, ok
}

func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// IDs lists active session ids, oldest first.
func (st *Store) IDs() []string {
	st.mu.RLock()
	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	st.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
