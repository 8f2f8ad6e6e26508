package profile

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/park285/Cheese-PvP-Relay/internal/domain"
	"github.com/park285/Cheese-PvP-Relay/internal/obslog"
	"go.uber.org/zap"
)

// Award is the result one identity gets from a finished session.
type Award struct {
	Identity string
	Kind     Kind
}

// Service applies the scoring table to a store.
type Service struct {
	store Store
	table Table
}

func NewService(store Store, table Table) *Service {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Service{store: store, table: table}
}

func (s *Service) Store() Store { return s.store }

// Settle applies every award once. Failures are logged and never returned:
// players already have their gameOver, persistence is best effort.
func (s *Service) Settle(ctx context.Context, sessionID string, awards ...Award) {
	if s == nil {
		return
	}
	now := time.Now()
	seen := make(map[string]struct{}, len(awards))
	for _, a := range awards {
		identity := strings.TrimSpace(a.Identity)
		if identity == "" {
			continue
		}
		// 같은 계정이 양쪽에 접속한 경우에도 한 번만 반영
		if _, dup := seen[identity]; dup {
			continue
		}
		seen[identity] = struct{}{}

		d := domain.ScoreDelta{
			SessionID: sessionID,
			Identity:  identity,
			Result:    string(a.Kind),
			Points:    s.table.Points(a.Kind),
			At:        now,
		}
		if err := s.store.Apply(ctx, d); err != nil {
			if errors.Is(err, ErrDuplicate) {
				obslog.L().Warn("score_duplicate", zap.String("session_id", sessionID), zap.String("identity", identity))
				continue
			}
			obslog.L().Error("score_apply_error",
				zap.String("session_id", sessionID),
				zap.String("identity", identity),
				zap.String("result", d.Result),
				zap.Error(err),
			)
			continue
		}
		obslog.L().Info("score_apply",
			zap.String("session_id", sessionID),
			zap.String("identity", identity),
			zap.String("result", d.Result),
			zap.Int("points", d.Points),
		)
	}
}
