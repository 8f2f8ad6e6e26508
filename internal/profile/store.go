package profile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/park285/Cheese-PvP-Relay/internal/domain"
)

var (
	ErrDuplicate       = errors.New("score already settled for session")
	ErrInvalidIdentity = errors.New("invalid identity")
)

// Store persists cumulative scores. Apply must reject a second delta for the
// same (session, identity) pair with ErrDuplicate.
type Store interface {
	Apply(ctx context.Context, delta domain.ScoreDelta) error
	Get(ctx context.Context, identity string) (*domain.PlayerScore, error)
}

// memstore is used when neither DATABASE_URL nor PROFILE_API_URL is configured.
type memstore struct {
	mu      sync.RWMutex
	scores  map[string]*domain.PlayerScore
	settled map[string]struct{} // sessionID|identity
}

func NewMemoryStore() Store {
	return &memstore{
		scores:  make(map[string]*domain.PlayerScore),
		settled: make(map[string]struct{}),
	}
}

func (m *memstore) Apply(ctx context.Context, d domain.ScoreDelta) error {
	identity := strings.TrimSpace(d.Identity)
	if identity == "" {
		return ErrInvalidIdentity
	}
	at := d.At
	if at.IsZero() {
		at = time.Now()
	}
	key := d.SessionID + "|" + identity

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.settled[key]; ok {
		return ErrDuplicate
	}
	m.settled[key] = struct{}{}

	s := m.scores[identity]
	if s == nil {
		s = &domain.PlayerScore{Identity: identity, CreatedAt: at}
		m.scores[identity] = s
	}
	s.Points += d.Points
	s.GamesPlayed++
	switch Kind(d.Result) {
	case KindWin:
		s.Wins++
	case KindDraw:
		s.Draws++
	case KindResign:
		s.Resigns++
		s.Losses++
	case KindLoss:
		s.Losses++
	}
	s.UpdatedAt = at
	return nil
}

func (m *memstore) Get(ctx context.Context, identity string) (*domain.PlayerScore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.scores[strings.TrimSpace(identity)]
	if s == nil {
		return nil, nil
	}
	copy := *s
	return &copy, nil
}
