package pvpchess

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/park285/Cheese-PvP-Relay/internal/obslog"
	"github.com/park285/Cheese-PvP-Relay/internal/profile"
	"github.com/park285/Cheese-PvP-Relay/pkg/relaydto"
)

// Resign ends the session with a win for connID's opponent. A second call
// finds no session.
func (m *Manager) Resign(ctx context.Context, connID, sessionID string) (Session, error) {
	s, err := m.store.Update(sessionID, func(s *Session) error {
		if s.Status != StatusActive {
			return ErrSessionNotFound
		}
		side := s.SideOf(connID)
		if side == NoSide {
			return ErrNotParticipant
		}
		s.Status = StatusTerminated
		s.Outcome = winFor(side.Other(), ReasonResignation)
		return nil
	})
	if err != nil {
		return Session{}, err
	}

	obslog.L().Info("pvp_resign",
		zap.String("session_id", s.ID),
		zap.String("resigner", connID),
		zap.String("winner", string(s.Outcome.WinningSide)),
	)
	over := relaydto.GameOver{SessionID: s.ID, Outcome: s.Outcome.DTO()}
	m.send(s.White, relaydto.EventGameOver, over)
	m.send(s.Black, relaydto.EventGameOver, over)
	m.finalize(ctx, s, connID)
	return s, nil
}

// Disconnect handles transport teardown for connID: a waiter leaves the
// queue, a participant forfeits to the remaining side. Anything else is a
// no-op. The disconnected connection is never written to.
func (m *Manager) Disconnect(ctx context.Context, connID string) {
	if m.queue.Remove(connID) {
		obslog.L().Info("match_cancel", zap.String("conn_id", connID))
		return
	}
	sessionID, ok := m.store.SessionOf(connID)
	if !ok {
		return
	}
	s, err := m.store.Update(sessionID, func(s *Session) error {
		if s.Status != StatusActive {
			return ErrSessionNotFound
		}
		side := s.SideOf(connID)
		if side == NoSide {
			return ErrNotParticipant
		}
		s.Status = StatusTerminated
		s.Outcome = winFor(side.Other(), ReasonDisconnect)
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			obslog.L().Warn("pvp_disconnect_error", zap.String("conn_id", connID), zap.Error(err))
		}
		return
	}

	obslog.L().Info("pvp_disconnect",
		zap.String("session_id", s.ID),
		zap.String("conn_id", connID),
		zap.String("winner", string(s.Outcome.WinningSide)),
	)
	survivor := s.Conn(s.Outcome.WinningSide)
	m.send(survivor, relaydto.EventGameOver, relaydto.GameOver{SessionID: s.ID, Outcome: s.Outcome.DTO()})
	m.finalize(ctx, s, "")
}

// finalize settles scores for a session the store already removed. resigner
// is set on the resignation path only.
func (m *Manager) finalize(ctx context.Context, s Session, resigner string) {
	if s.Outcome == nil {
		return
	}
	obslog.L().Info("pvp_game_over",
		zap.String("session_id", s.ID),
		zap.String("result", string(s.Outcome.Result)),
		zap.String("winning_side", string(s.Outcome.WinningSide)),
		zap.String("reason", string(s.Outcome.Reason)),
		zap.Int("move_count", s.MoveCount),
		zap.Duration("duration", time.Since(s.StartedAt)),
	)
	if m.scores == nil {
		return
	}
	awards := make([]profile.Award, 0, 2)
	for _, side := range []Side{White, Black} {
		var kind profile.Kind
		switch {
		case s.Outcome.Result == ResultDraw:
			kind = profile.KindDraw
		case s.Outcome.WinningSide == side:
			kind = profile.KindWin
		case resigner != "" && s.Conn(side) == resigner:
			kind = profile.KindResign
		default:
			kind = profile.KindLoss
		}
		awards = append(awards, profile.Award{Identity: s.Identity(side), Kind: kind})
	}
	m.scores.Settle(ctx, s.ID, awards...)
}
