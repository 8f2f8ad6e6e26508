package chess

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	nchess "github.com/corentings/chess/v2"
)

var (
	ErrIllegalMove   = errors.New("illegal move")
	ErrEngineTimeout = errors.New("rules engine timeout")
	ErrEngineFailure = errors.New("rules engine failure")
)

// Color is the side to move or the winning side. Empty means none.
type Color string

const (
	White   Color = "white"
	Black   Color = "black"
	NoColor Color = ""
)

// Terminal classifies a finished position.
type Terminal string

const (
	NotTerminal          Terminal = ""
	TerminalCheckmate    Terminal = "checkmate"
	TerminalStalemate    Terminal = "stalemate"
	TerminalInsufficient Terminal = "insufficient-material"
	TerminalRepetition   Terminal = "repetition"
	TerminalDraw         Terminal = "draw"
)

// Position is the canonical serializable board state. Moves is the UCI list
// from the standard start and carries the repetition history; FEN is derived.
type Position struct {
	FEN   string   `json:"fen"`
	Moves []string `json:"moves"`
}

func (p Position) Clone() Position {
	return Position{FEN: p.FEN, Moves: append([]string(nil), p.Moves...)}
}

// Move is a proposed move in square notation.
type Move struct {
	From      string
	To        string
	Promotion string
}

// Applied is the engine's verdict on an accepted move.
type Applied struct {
	Position Position
	UCI      string
	SAN      string
	Check    bool
	ToMove   Color
	Terminal Terminal
	Winner   Color
	PGN      string
}

type Engine struct {
	timeout time.Duration
}

func NewEngine(timeout time.Duration) *Engine {
	return &Engine{timeout: timeout}
}

// Start returns the standard starting position.
func (e *Engine) Start() Position {
	return Position{FEN: nchess.NewGame().FEN(), Moves: []string{}}
}

// Apply validates mv against pos. pos is never modified.
func (e *Engine) Apply(ctx context.Context, pos Position, mv Move) (*Applied, error) {
	from, to, promo, err := normalize(mv)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if e != nil && e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineTimeout, err)
	}

	type result struct {
		applied *Applied
		err     error
	}
	// apply 는 ctx 를 보지 않는다. 시한 초과 후에도 고루틴은 replay 를 끝까지
	// 돌고 결과는 버려진다. 비용은 대국 길이에 비례하고, done 버퍼가 1이라 누수는 없다.
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%w: panic: %v", ErrEngineFailure, r)}
			}
		}()
		a, err := apply(pos, from, to, promo)
		done <- result{applied: a, err: err}
	}()

	select {
	case r := <-done:
		return r.applied, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrEngineTimeout, ctx.Err())
	}
}

// Replay rebuilds the game for pos from the starting position.
func (e *Engine) Replay(pos Position) (*nchess.Game, error) {
	return replay(pos.Moves)
}

func apply(pos Position, from, to, promo string) (*Applied, error) {
	game, err := replay(pos.Moves)
	if err != nil {
		return nil, err
	}
	before := game.Position()

	var candidates []string
	if promo != "" {
		// promotion letter on a non-promoting move is ignored
		candidates = []string{from + to + promo, from + to}
	} else {
		// pawn reaching the last rank without a letter promotes to a queen
		candidates = []string{from + to, from + to + "q"}
	}
	accepted := false
	for _, c := range candidates {
		if err := game.PushNotationMove(c, nchess.UCINotation{}, nil); err == nil {
			accepted = true
			break
		}
	}
	if !accepted {
		return nil, fmt.Errorf("%w: %s%s%s", ErrIllegalMove, from, to, promo)
	}

	moves := game.Moves()
	last := moves[len(moves)-1]
	uci := last.String()

	out := &Applied{
		Position: Position{FEN: game.FEN(), Moves: append(append([]string(nil), pos.Moves...), uci)},
		UCI:      uci,
		SAN:      nchess.AlgebraicNotation{}.Encode(before, last),
		Check:    last.HasTag(nchess.Check),
		ToMove:   colorOf(game.Position().Turn()),
		PGN:      game.String(),
	}
	out.Terminal, out.Winner = classify(game)
	return out, nil
}

func classify(game *nchess.Game) (Terminal, Color) {
	switch game.Outcome() {
	case nchess.WhiteWon:
		return TerminalCheckmate, White
	case nchess.BlackWon:
		return TerminalCheckmate, Black
	case nchess.Draw:
		switch game.Method() {
		case nchess.Stalemate:
			return TerminalStalemate, NoColor
		case nchess.InsufficientMaterial:
			return TerminalInsufficient, NoColor
		case nchess.ThreefoldRepetition, nchess.FivefoldRepetition:
			return TerminalRepetition, NoColor
		default:
			return TerminalDraw, NoColor
		}
	}
	// claimable draws end the game automatically
	for _, m := range game.EligibleDraws() {
		switch m {
		case nchess.ThreefoldRepetition:
			return TerminalRepetition, NoColor
		case nchess.FiftyMoveRule:
			return TerminalDraw, NoColor
		}
	}
	return NotTerminal, NoColor
}

func replay(moves []string) (*nchess.Game, error) {
	game := nchess.NewGame()
	for i, mv := range moves {
		if err := game.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
			return nil, fmt.Errorf("%w: replay move %d (%s): %v", ErrEngineFailure, i, mv, err)
		}
	}
	return game, nil
}

func normalize(mv Move) (from, to, promo string, err error) {
	from = strings.ToLower(strings.TrimSpace(mv.From))
	to = strings.ToLower(strings.TrimSpace(mv.To))
	promo = strings.ToLower(strings.TrimSpace(mv.Promotion))
	if !isSquare(from) || !isSquare(to) {
		return "", "", "", fmt.Errorf("%w: bad square %q-%q", ErrIllegalMove, mv.From, mv.To)
	}
	switch promo {
	case "", "q", "r", "b", "n":
	default:
		return "", "", "", fmt.Errorf("%w: bad promotion %q", ErrIllegalMove, mv.Promotion)
	}
	return from, to, promo, nil
}

func isSquare(s string) bool {
	return len(s) == 2 && s[0] >= 'a' && s[0] <= 'h' && s[1] >= '1' && s[1] <= '8'
}

func colorOf(c nchess.Color) Color {
	if c == nchess.White {
		return White
	}
	return Black
}
