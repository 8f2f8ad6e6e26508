package pvpchess

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/park285/Cheese-PvP-Relay/internal/chess"
	"github.com/park285/Cheese-PvP-Relay/internal/obslog"
	"github.com/park285/Cheese-PvP-Relay/internal/profile"
	"github.com/park285/Cheese-PvP-Relay/internal/pvpqueue"
	"github.com/park285/Cheese-PvP-Relay/internal/util"
	"github.com/park285/Cheese-PvP-Relay/pkg/relaydto"
)

// Peers is the outbound side of the connection registry.
type Peers interface {
	Send(connID string, env relaydto.Envelope) error
	Identity(connID string) string
	Alive(connID string) bool
}

type Options struct {
	Store      *Store
	Engine     *chess.Engine
	Peers      Peers
	Scores     *profile.Service
	ChatMaxLen int
}

// Manager coordinates matchmaking, move relay and termination.
type Manager struct {
	store   *Store
	queue   *pvpqueue.Queue
	engine  *chess.Engine
	peers   Peers
	scores  *profile.Service
	chatMax int
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		store:   opts.Store,
		engine:  opts.Engine,
		peers:   opts.Peers,
		scores:  opts.Scores,
		chatMax: opts.ChatMaxLen,
	}
	if m.store == nil {
		m.store = NewStore(nil)
	}
	if m.engine == nil {
		m.engine = chess.NewEngine(2 * time.Second)
	}
	if m.chatMax <= 0 {
		m.chatMax = 500
	}
	m.queue = pvpqueue.New(func(connID string) error {
		if _, busy := m.store.SessionOf(connID); busy {
			return ErrAlreadyInSession
		}
		return nil
	})
	return m
}

func (m *Manager) Store() *Store { return m.store }

func (m *Manager) Engine() *chess.Engine { return m.engine }

// FindMatch queues connID or pairs it with the oldest waiter.
func (m *Manager) FindMatch(ctx context.Context, connID string) error {
	var created Session
	res, err := m.queue.Enqueue(connID, func(white, black string) error {
		if !m.peers.Alive(white) {
			return pvpqueue.ErrWaiterGone
		}
		s, err := m.store.Create(
			Seat{ConnID: white, Identity: m.peers.Identity(white)},
			Seat{ConnID: black, Identity: m.peers.Identity(black)},
			m.engine.Start(),
		)
		if err != nil {
			return err
		}
		created = s
		return nil
	})
	if err != nil {
		return err
	}
	if res.Waiting {
		obslog.L().Info("match_searching", zap.String("conn_id", connID))
		m.send(connID, relaydto.EventSearchingMatch, nil)
		return nil
	}

	obslog.L().Info("pvp_session_create",
		zap.String("session_id", created.ID),
		zap.String("white", created.White),
		zap.String("black", created.Black),
	)
	initial := positionDTO(created.Position)
	m.send(created.White, relaydto.EventMatchFound, relaydto.MatchFound{Side: string(White), SessionID: created.ID, InitialPosition: initial})
	m.send(created.Black, relaydto.EventMatchFound, relaydto.MatchFound{Side: string(Black), SessionID: created.ID, InitialPosition: initial})
	return nil
}

// SubmitMove validates and applies a move, then relays the result to both
// participants. On any error the session is left untouched.
func (m *Manager) SubmitMove(ctx context.Context, connID string, req relaydto.MoveRequest) (Session, error) {
	sessionID := req.ID()
	mv := chess.Move{From: req.From, To: req.To, Promotion: req.Promotion}

	var applied *chess.Applied
	s, err := m.store.Update(sessionID, func(s *Session) error {
		if s.Status != StatusActive {
			return ErrSessionNotFound
		}
		if s.Conn(s.ToMove()) != connID {
			return ErrNotYourTurn
		}
		a, err := m.engine.Apply(ctx, s.Position, mv)
		if err != nil {
			if errors.Is(err, chess.ErrIllegalMove) {
				return fmt.Errorf("%w: %v", ErrIllegalMove, err)
			}
			return fmt.Errorf("%w: %v", ErrEngineFailure, err)
		}
		s.Position = a.Position
		s.SAN = append(s.SAN, a.SAN)
		s.MoveCount++
		s.LastMoveAt = time.Now()
		if o := outcomeOf(a); o != nil {
			s.Status = StatusTerminated
			s.Outcome = o
		}
		applied = a
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrEngineFailure) {
			obslog.L().Error("pvp_engine_failure", zap.String("session_id", sessionID), zap.String("conn_id", connID), zap.Error(err))
		}
		return Session{}, err
	}

	mover := s.SideOf(connID)
	if req.Hints != nil {
		checkHints(s.ID, connID, req.Hints, applied)
	}

	result := relaydto.MoveResult{
		SessionID: s.ID,
		From:      strings.ToLower(strings.TrimSpace(req.From)),
		To:        strings.ToLower(strings.TrimSpace(req.To)),
		Promotion: promotionOf(applied.UCI),
		SAN:       applied.SAN,
		ToMove:    string(s.ToMove()),
		Position:  positionDTO(s.Position),
		MoveCount: s.MoveCount,
		Check:     applied.Check,
		PGN:       applied.PGN,
	}
	if s.Outcome != nil {
		o := s.Outcome.DTO()
		result.Outcome = &o
	}

	obslog.L().Info("pvp_move",
		zap.String("session_id", s.ID),
		zap.String("conn_id", connID),
		zap.String("side", string(mover)),
		zap.String("uci", applied.UCI),
		zap.String("san", applied.SAN),
		zap.Int("move_count", s.MoveCount),
		zap.String("status", string(s.Status)),
	)

	m.send(connID, relaydto.EventMoveSuccess, result)
	m.send(s.Conn(mover.Other()), relaydto.EventOpponentMove, result)

	if s.Status == StatusTerminated {
		m.finalize(ctx, s, "")
	}
	return s, nil
}

// Chat relays message to the opponent of connID, truncated to the chat cap.
func (m *Manager) Chat(ctx context.Context, connID string, req relaydto.ChatRequest) error {
	s, err := m.store.Get(req.ID())
	if err != nil {
		return err
	}
	side := s.SideOf(connID)
	if side == NoSide {
		return ErrNotParticipant
	}
	if strings.TrimSpace(req.Message) == "" {
		return ErrEmptyMessage
	}
	msg := util.TruncateRunes(req.Message, m.chatMax)
	env, err := relaydto.NewEnvelope(relaydto.EventChat, relaydto.ChatMessage{
		Sender:    "opponent",
		Message:   msg,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRelayFailure, err)
	}
	if err := m.peers.Send(s.Conn(side.Other()), env); err != nil {
		return fmt.Errorf("%w: %v", ErrRelayFailure, err)
	}
	return nil
}

// Stats is a diagnostics snapshot.
type Stats struct {
	Waiting  int    `json:"waiting"`
	Sessions int    `json:"sessions"`
	Paired   uint64 `json:"paired"`
}

func (m *Manager) Stats() Stats {
	return Stats{Waiting: m.queue.Len(), Sessions: m.store.Len(), Paired: m.queue.Paired()}
}

func (m *Manager) send(connID, event string, payload any) {
	if connID == "" {
		return
	}
	env, err := relaydto.NewEnvelope(event, payload)
	if err != nil {
		obslog.L().Error("pvp_encode_error", zap.String("event", event), zap.Error(err))
		return
	}
	if err := m.peers.Send(connID, env); err != nil {
		obslog.L().Warn("pvp_send_error", zap.String("conn_id", connID), zap.String("event", event), zap.Error(err))
	}
}

func outcomeOf(a *chess.Applied) *Outcome {
	switch a.Terminal {
	case chess.TerminalCheckmate:
		return winFor(Side(a.Winner), ReasonCheckmate)
	case chess.TerminalStalemate:
		return drawBy(ReasonStalemate)
	case chess.TerminalInsufficient:
		return drawBy(ReasonInsufficient)
	case chess.TerminalRepetition:
		return drawBy(ReasonRepetition)
	case chess.TerminalDraw:
		return drawBy(ReasonDraw)
	default:
		return nil
	}
}

func promotionOf(uci string) string {
	if len(uci) == 5 {
		return uci[4:]
	}
	return ""
}

// checkHints compares client-computed flags with the server verdict. Only a
// log line comes out of a mismatch.
func checkHints(sessionID, connID string, h *relaydto.MoveHints, a *chess.Applied) {
	var diffs []string
	if h.IsCheckmate != (a.Terminal == chess.TerminalCheckmate) {
		diffs = append(diffs, "checkmate")
	}
	if h.IsStalemate != (a.Terminal == chess.TerminalStalemate) {
		diffs = append(diffs, "stalemate")
	}
	if h.IsInsufficientMaterial != (a.Terminal == chess.TerminalInsufficient) {
		diffs = append(diffs, "insufficient-material")
	}
	if h.IsThreefoldRepetition && a.Terminal != chess.TerminalRepetition {
		diffs = append(diffs, "repetition")
	}
	if h.IsInCheck != a.Check {
		diffs = append(diffs, "check")
	}
	if len(diffs) > 0 {
		obslog.L().Warn("client_hint_mismatch",
			zap.String("session_id", sessionID),
			zap.String("conn_id", connID),
			zap.Strings("fields", diffs),
		)
	}
}
