package pvpchess

import (
	"errors"
	"time"

	"github.com/park285/Cheese-PvP-Relay/internal/chess"
	"github.com/park285/Cheese-PvP-Relay/internal/pvpqueue"
	"github.com/park285/Cheese-PvP-Relay/pkg/relaydto"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrNotYourTurn      = errors.New("not your turn")
	ErrIllegalMove      = errors.New("illegal move")
	ErrEngineFailure    = errors.New("validation engine failure")
	ErrNotParticipant   = errors.New("not a participant")
	ErrEmptyMessage     = errors.New("empty chat message")
	ErrRelayFailure     = errors.New("relay failure")
	ErrAlreadyInSession = pvpqueue.ErrAlreadyInSession
)

// Side identifies a chess side.
type Side string

const (
	White  Side = "white"
	Black  Side = "black"
	NoSide Side = "none"
)

func (s Side) Other() Side {
	switch s {
	case White:
		return Black
	case Black:
		return White
	default:
		return NoSide
	}
}

// Status represents a session lifecycle state.
type Status string

const (
	StatusActive     Status = "active"
	StatusTerminated Status = "terminated"
)

type Result string

const (
	ResultWin  Result = "win"
	ResultDraw Result = "draw"
)

type Reason string

const (
	ReasonCheckmate    Reason = "checkmate"
	ReasonStalemate    Reason = "stalemate"
	ReasonDraw         Reason = "draw"
	ReasonInsufficient Reason = "insufficient-material"
	ReasonRepetition   Reason = "repetition"
	ReasonResignation  Reason = "resignation"
	ReasonDisconnect   Reason = "disconnect"
)

// Outcome is produced exactly once per session, at termination.
type Outcome struct {
	Result      Result `json:"result"`
	WinningSide Side   `json:"winningSide"`
	Reason      Reason `json:"reason"`
}

func (o Outcome) DTO() relaydto.Outcome {
	return relaydto.Outcome{Result: string(o.Result), WinningSide: string(o.WinningSide), Reason: string(o.Reason)}
}

func winFor(side Side, reason Reason) *Outcome {
	return &Outcome{Result: ResultWin, WinningSide: side, Reason: reason}
}

func drawBy(reason Reason) *Outcome {
	return &Outcome{Result: ResultDraw, WinningSide: NoSide, Reason: reason}
}

// Seat is one participant at pairing time.
type Seat struct {
	ConnID   string
	Identity string
}

// Session is the authoritative record of one game in progress.
type Session struct {
	ID            string         `json:"id"`
	White         string         `json:"white"`
	Black         string         `json:"black"`
	WhiteIdentity string         `json:"white_identity,omitempty"`
	BlackIdentity string         `json:"black_identity,omitempty"`
	Position      chess.Position `json:"position"`
	SAN           []string       `json:"san"`
	MoveCount     int            `json:"move_count"`
	StartedAt     time.Time      `json:"started_at"`
	LastMoveAt    time.Time      `json:"last_move_at"`
	Status        Status         `json:"status"`
	Outcome       *Outcome       `json:"outcome,omitempty"`
}

// ToMove derives the side to move from MoveCount parity.
func (s *Session) ToMove() Side {
	if s.MoveCount%2 == 0 {
		return White
	}
	return Black
}

// SideOf returns connID's side, NoSide for non-participants.
func (s *Session) SideOf(connID string) Side {
	switch {
	case connID == "":
		return NoSide
	case connID == s.White:
		return White
	case connID == s.Black:
		return Black
	default:
		return NoSide
	}
}

// Conn returns the connection seated at side.
func (s *Session) Conn(side Side) string {
	switch side {
	case White:
		return s.White
	case Black:
		return s.Black
	default:
		return ""
	}
}

func (s *Session) Identity(side Side) string {
	switch side {
	case White:
		return s.WhiteIdentity
	case Black:
		return s.BlackIdentity
	default:
		return ""
	}
}

func (s *Session) clone() Session {
	c := *s
	c.Position = s.Position.Clone()
	c.SAN = append([]string(nil), s.SAN...)
	if s.Outcome != nil {
		o := *s.Outcome
		c.Outcome = &o
	}
	return c
}

func positionDTO(p chess.Position) relaydto.Position {
	return relaydto.Position{FEN: p.FEN, Moves: append([]string{}, p.Moves...)}
}
