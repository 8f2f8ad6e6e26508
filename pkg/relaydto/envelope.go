package relaydto

import (
	"encoding/json"
	"strings"
	"time"
)

// Inbound events.
const (
	EventFindMatch = "findMatch"
	EventMove      = "move"
	EventChat      = "chat"
	EventResign    = "resign"
)

// Outbound events. EventChat is shared by both directions.
const (
	EventSearchingMatch = "searchingMatch"
	EventMatchFound     = "matchFound"
	EventMoveSuccess    = "moveSuccess"
	EventOpponentMove   = "opponentMove"
	EventGameOver       = "gameOver"
	EventError          = "error"
)

// Envelope is one websocket text frame: {"event": "...", "data": {...}}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an envelope. A nil payload yields no data.
func NewEnvelope(event string, payload any) (Envelope, error) {
	env := Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Data = raw
	return env, nil
}

// Decode unmarshals the envelope data into v. Empty data leaves v untouched.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// SessionRef is embedded by payloads addressed to a session. Room is the
// legacy client field name and is accepted as an alias.
type SessionRef struct {
	SessionID string `json:"sessionId"`
	Room      string `json:"room,omitempty"`
}

func (r SessionRef) ID() string {
	if s := strings.TrimSpace(r.SessionID); s != "" {
		return s
	}
	return strings.TrimSpace(r.Room)
}

// MoveHints are terminal-state flags computed by the client. The server only
// compares them against its own verdict.
type MoveHints struct {
	IsCheckmate            bool `json:"isCheckmate"`
	IsStalemate            bool `json:"isStalemate"`
	IsDraw                 bool `json:"isDraw"`
	IsInsufficientMaterial bool `json:"isInsufficientMaterial"`
	IsThreefoldRepetition  bool `json:"isThreefoldRepetition"`
	IsInCheck              bool `json:"isInCheck"`
}

type MoveRequest struct {
	SessionRef
	From      string     `json:"from"`
	To        string     `json:"to"`
	Promotion string     `json:"promotion,omitempty"`
	Hints     *MoveHints `json:"gameEndInfo,omitempty"`
}

type ChatRequest struct {
	SessionRef
	Message string `json:"message"`
}

type ResignRequest struct {
	SessionRef
}

type Position struct {
	FEN   string   `json:"fen"`
	Moves []string `json:"moves"`
}

type Outcome struct {
	Result      string `json:"result"`
	WinningSide string `json:"winningSide"`
	Reason      string `json:"reason"`
}

type MatchFound struct {
	Side            string   `json:"side"`
	SessionID       string   `json:"sessionId"`
	InitialPosition Position `json:"initialPosition"`
}

// MoveResult is the payload of both moveSuccess and opponentMove.
type MoveResult struct {
	SessionID string   `json:"sessionId"`
	From      string   `json:"from"`
	To        string   `json:"to"`
	Promotion string   `json:"promotion,omitempty"`
	SAN       string   `json:"san"`
	ToMove    string   `json:"toMove"`
	Position  Position `json:"position"`
	MoveCount int      `json:"moveCount"`
	Check     bool     `json:"check"`
	PGN       string   `json:"pgn,omitempty"`
	Outcome   *Outcome `json:"outcome,omitempty"`
}

type GameOver struct {
	SessionID string  `json:"sessionId"`
	Outcome   Outcome `json:"outcome"`
}

type ChatMessage struct {
	Sender    string    `json:"sender"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
