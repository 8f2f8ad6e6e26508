package pvpchess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/park285/Cheese-PvP-Relay/internal/chess"
	"github.com/park285/Cheese-PvP-Relay/internal/profile"
	"github.com/park285/Cheese-PvP-Relay/pkg/relaydto"
)

type recordingPeers struct {
	mu         sync.Mutex
	sent       map[string][]relaydto.Envelope
	identities map[string]string
	gone       map[string]bool
	attempts   map[string]int
}

func newRecordingPeers() *recordingPeers {
	return &recordingPeers{
		sent:       make(map[string][]relaydto.Envelope),
		identities: make(map[string]string),
		gone:       make(map[string]bool),
		attempts:   make(map[string]int),
	}
}

func (p *recordingPeers) Send(connID string, env relaydto.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts[connID]++
	if p.gone[connID] {
		return fmt.Errorf("conn %s gone", connID)
	}
	p.sent[connID] = append(p.sent[connID], env)
	return nil
}

func (p *recordingPeers) Identity(connID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.identities[connID]
}

func (p *recordingPeers) Alive(connID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.gone[connID]
}

func (p *recordingPeers) events(connID string) []relaydto.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]relaydto.Envelope(nil), p.sent[connID]...)
}

func (p *recordingPeers) last(t *testing.T, connID, event string, into any) {
	t.Helper()
	evs := p.events(connID)
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Event == event {
			if into != nil {
				if err := json.Unmarshal(evs[i].Data, into); err != nil {
					t.Fatalf("decode %s: %v", event, err)
				}
			}
			return
		}
	}
	t.Fatalf("%s never received %s (got %v)", connID, event, names(evs))
}

func (p *recordingPeers) count(connID, event string) int {
	n := 0
	for _, e := range p.events(connID) {
		if e.Event == event {
			n++
		}
	}
	return n
}

func names(evs []relaydto.Envelope) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Event
	}
	return out
}

type fixture struct {
	m      *Manager
	peers  *recordingPeers
	scores profile.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithEngine(t, chess.NewEngine(time.Second))
}

func newFixtureWithEngine(t *testing.T, engine *chess.Engine) *fixture {
	t.Helper()
	peers := newRecordingPeers()
	peers.identities["A"] = "alice"
	peers.identities["B"] = "bob"
	scores := profile.NewMemoryStore()
	m := NewManager(Options{
		Store:      NewStore(nil),
		Engine:     engine,
		Peers:      peers,
		Scores:     profile.NewService(scores, profile.DefaultTable()),
		ChatMaxLen: 500,
	})
	return &fixture{m: m, peers: peers, scores: scores}
}

// pair runs findMatch for A then B and returns the session id.
func (f *fixture) pair(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	if err := f.m.FindMatch(ctx, "A"); err != nil {
		t.Fatalf("FindMatch A: %v", err)
	}
	if err := f.m.FindMatch(ctx, "B"); err != nil {
		t.Fatalf("FindMatch B: %v", err)
	}
	var mf relaydto.MatchFound
	f.peers.last(t, "A", relaydto.EventMatchFound, &mf)
	return mf.SessionID
}

func (f *fixture) move(sessionID, conn, uci string) (Session, error) {
	req := relaydto.MoveRequest{SessionRef: relaydto.SessionRef{SessionID: sessionID}, From: uci[:2], To: uci[2:4]}
	if len(uci) > 4 {
		req.Promotion = uci[4:]
	}
	return f.m.SubmitMove(context.Background(), conn, req)
}

func (f *fixture) points(t *testing.T, identity string) int {
	t.Helper()
	s, err := f.scores.Get(context.Background(), identity)
	if err != nil {
		t.Fatalf("score get: %v", err)
	}
	if s == nil {
		return 0
	}
	return s.Points
}

func TestFindMatchAssignsSides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.m.FindMatch(ctx, "A"); err != nil {
		t.Fatalf("FindMatch A: %v", err)
	}
	if f.peers.count("A", relaydto.EventSearchingMatch) != 1 {
		t.Fatalf("A should be told it is searching")
	}
	if err := f.m.FindMatch(ctx, "B"); err != nil {
		t.Fatalf("FindMatch B: %v", err)
	}

	var a, b relaydto.MatchFound
	f.peers.last(t, "A", relaydto.EventMatchFound, &a)
	f.peers.last(t, "B", relaydto.EventMatchFound, &b)
	if a.Side != "white" || b.Side != "black" {
		t.Fatalf("sides: A=%s B=%s", a.Side, b.Side)
	}
	if a.SessionID == "" || a.SessionID != b.SessionID {
		t.Fatalf("session ids differ: %q %q", a.SessionID, b.SessionID)
	}
	start := f.m.Engine().Start()
	if a.InitialPosition.FEN != start.FEN || len(a.InitialPosition.Moves) != 0 {
		t.Fatalf("unexpected initial position: %+v", a.InitialPosition)
	}
	s, err := f.m.Store().Get(a.SessionID)
	if err != nil || s.White != "A" || s.Black != "B" || s.WhiteIdentity != "alice" {
		t.Fatalf("stored session wrong: %+v err=%v", s, err)
	}
}

func TestFindMatchRejectsPlayerInSession(t *testing.T) {
	f := newFixture(t)
	f.pair(t)
	if err := f.m.FindMatch(context.Background(), "A"); !errors.Is(err, ErrAlreadyInSession) {
		t.Fatalf("expected ErrAlreadyInSession, got %v", err)
	}
}

func TestFindMatchSkipsGoneWaiter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.m.FindMatch(ctx, "ghost")
	f.peers.gone["ghost"] = true
	_ = f.m.FindMatch(ctx, "A")
	if f.peers.count("A", relaydto.EventSearchingMatch) != 1 {
		t.Fatalf("A should wait after the ghost was dropped")
	}
	if f.m.Stats().Sessions != 0 {
		t.Fatalf("no session should exist")
	}
}

func TestOpeningMoveRelayedToBoth(t *testing.T) {
	f := newFixture(t)
	id := f.pair(t)

	s, err := f.move(id, "A", "e2e4")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if s.MoveCount != 1 || s.ToMove() != Black {
		t.Fatalf("unexpected session after move: %+v", s)
	}

	var mine, theirs relaydto.MoveResult
	f.peers.last(t, "A", relaydto.EventMoveSuccess, &mine)
	f.peers.last(t, "B", relaydto.EventOpponentMove, &theirs)
	for _, r := range []relaydto.MoveResult{mine, theirs} {
		if r.ToMove != "black" || r.MoveCount != 1 || r.Outcome != nil {
			t.Fatalf("unexpected move result: %+v", r)
		}
		if r.From != "e2" || r.To != "e4" || r.SAN != "e4" {
			t.Fatalf("move fields wrong: %+v", r)
		}
		if !reflect.DeepEqual(r.Position.Moves, []string{"e2e4"}) {
			t.Fatalf("position history wrong: %v", r.Position.Moves)
		}
	}
	if f.peers.count("A", relaydto.EventOpponentMove) != 0 || f.peers.count("B", relaydto.EventMoveSuccess) != 0 {
		t.Fatalf("events crossed")
	}
}

func TestTurnInvariant(t *testing.T) {
	f := newFixture(t)
	id := f.pair(t)
	before, _ := f.m.Store().Get(id)

	for _, conn := range []string{"B", "stranger", ""} {
		if _, err := f.move(id, conn, "e7e5"); !errors.Is(err, ErrNotYourTurn) {
			t.Fatalf("%q moving first: expected ErrNotYourTurn, got %v", conn, err)
		}
	}
	after, _ := f.m.Store().Get(id)
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("session mutated by rejected moves")
	}

	if _, err := f.move(id, "A", "e2e4"); err != nil {
		t.Fatalf("white move: %v", err)
	}
	if _, err := f.move(id, "A", "d2d4"); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("white moving twice: expected ErrNotYourTurn, got %v", err)
	}
	if _, err := f.move(id, "B", "e7e5"); err != nil {
		t.Fatalf("black move: %v", err)
	}
}

func TestIllegalMoveIsNoop(t *testing.T) {
	f := newFixture(t)
	id := f.pair(t)
	_, _ = f.move(id, "A", "e2e4")
	before, _ := f.m.Store().Get(id)
	sentBefore := len(f.peers.events("B"))

	if _, err := f.move(id, "B", "e8e6"); !errors.Is(err, ErrIllegalMove) {
		t.Fatalf("expected ErrIllegalMove, got %v", err)
	}
	after, _ := f.m.Store().Get(id)
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("illegal move changed the session:\nbefore=%+v\nafter=%+v", before, after)
	}
	if len(f.peers.events("B")) != sentBefore || f.peers.count("A", relaydto.EventOpponentMove) != 0 {
		t.Fatalf("illegal move must not be relayed")
	}
}

func TestMoveOnUnknownSession(t *testing.T) {
	f := newFixture(t)
	if _, err := f.move("missing", "A", "e2e4"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestCheckmateByBlackEndsSession(t *testing.T) {
	f := newFixture(t)
	id := f.pair(t)
	seq := []struct{ conn, uci string }{
		{"A", "f2f3"}, {"B", "e7e5"}, {"A", "g2g4"}, {"B", "d8h4"},
	}
	var last Session
	for _, s := range seq {
		var err error
		if last, err = f.move(id, s.conn, s.uci); err != nil {
			t.Fatalf("%s %s: %v", s.conn, s.uci, err)
		}
	}
	want := Outcome{Result: ResultWin, WinningSide: Black, Reason: ReasonCheckmate}
	if last.Status != StatusTerminated || last.Outcome == nil || *last.Outcome != want {
		t.Fatalf("unexpected terminal session: %+v", last)
	}

	for _, conn := range []string{"A", "B"} {
		var r relaydto.MoveResult
		ev := relaydto.EventOpponentMove
		if conn == "B" {
			ev = relaydto.EventMoveSuccess
		}
		f.peers.last(t, conn, ev, &r)
		if r.Outcome == nil || r.Outcome.Result != "win" || r.Outcome.WinningSide != "black" || r.Outcome.Reason != "checkmate" {
			t.Fatalf("%s got outcome %+v", conn, r.Outcome)
		}
		if !r.Check {
			t.Fatalf("mate should be flagged as check")
		}
	}
	if _, err := f.m.Store().Get(id); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("terminated session still stored: %v", err)
	}
	if _, ok := f.m.Store().SessionOf("A"); ok {
		t.Fatalf("A still indexed to a session")
	}
	if f.points(t, "bob") != 10 || f.points(t, "alice") != -10 {
		t.Fatalf("scores: alice=%d bob=%d", f.points(t, "alice"), f.points(t, "bob"))
	}
	if _, err := f.move(id, "A", "e2e4"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("move after mate: expected ErrSessionNotFound, got %v", err)
	}
}

func TestDisconnectMidGame(t *testing.T) {
	f := newFixture(t)
	id := f.pair(t)
	_, _ = f.move(id, "A", "e2e4")
	f.peers.gone["A"] = true
	attemptsToA := f.peers.attempts["A"]

	f.m.Disconnect(context.Background(), "A")

	var over relaydto.GameOver
	f.peers.last(t, "B", relaydto.EventGameOver, &over)
	if over.Outcome.WinningSide != "black" || over.Outcome.Reason != "disconnect" || over.Outcome.Result != "win" {
		t.Fatalf("unexpected outcome: %+v", over.Outcome)
	}
	if f.peers.attempts["A"] != attemptsToA {
		t.Fatalf("an event was attempted toward the disconnected side")
	}
	if _, err := f.m.Store().Get(id); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("session not removed")
	}
	if f.points(t, "bob") != 10 || f.points(t, "alice") != -10 {
		t.Fatalf("scores: alice=%d bob=%d", f.points(t, "alice"), f.points(t, "bob"))
	}

	// idempotent: a second disconnect changes nothing
	f.m.Disconnect(context.Background(), "A")
	f.m.Disconnect(context.Background(), "B")
	if f.peers.count("B", relaydto.EventGameOver) != 1 {
		t.Fatalf("duplicate gameOver")
	}
	if f.points(t, "bob") != 10 {
		t.Fatalf("score applied twice")
	}
}

func TestDisconnectWhileWaiting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.m.FindMatch(ctx, "A")
	f.m.Disconnect(ctx, "A")
	if f.m.Stats().Waiting != 0 {
		t.Fatalf("waiter not removed")
	}
	_ = f.m.FindMatch(ctx, "B")
	if f.peers.count("B", relaydto.EventSearchingMatch) != 1 || f.m.Stats().Sessions != 0 {
		t.Fatalf("B must not be paired with a disconnected waiter")
	}
	// idle connection: no-op
	f.m.Disconnect(ctx, "idle")
}

func TestResignNotifiesBoth(t *testing.T) {
	f := newFixture(t)
	id := f.pair(t)

	s, err := f.m.Resign(context.Background(), "B", id)
	if err != nil {
		t.Fatalf("Resign: %v", err)
	}
	if s.Outcome.WinningSide != White || s.Outcome.Reason != ReasonResignation {
		t.Fatalf("unexpected outcome: %+v", s.Outcome)
	}
	for _, conn := range []string{"A", "B"} {
		var over relaydto.GameOver
		f.peers.last(t, conn, relaydto.EventGameOver, &over)
		if over.Outcome.WinningSide != "white" || over.Outcome.Reason != "resignation" {
			t.Fatalf("%s got %+v", conn, over.Outcome)
		}
	}
	if _, err := f.m.Store().Get(id); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("session not removed")
	}
	if f.points(t, "alice") != 10 || f.points(t, "bob") != -2 {
		t.Fatalf("scores: alice=%d bob=%d", f.points(t, "alice"), f.points(t, "bob"))
	}

	if _, err := f.m.Resign(context.Background(), "B", id); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second resign: expected ErrSessionNotFound, got %v", err)
	}
	f.m.Disconnect(context.Background(), "A")
	if f.peers.count("A", relaydto.EventGameOver) != 1 || f.peers.count("B", relaydto.EventGameOver) != 1 {
		t.Fatalf("duplicate gameOver after resign")
	}
	if f.points(t, "bob") != -2 {
		t.Fatalf("score applied twice")
	}
}

func TestResignByStranger(t *testing.T) {
	f := newFixture(t)
	id := f.pair(t)
	if _, err := f.m.Resign(context.Background(), "stranger", id); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if _, err := f.m.Store().Get(id); err != nil {
		t.Fatalf("session should survive: %v", err)
	}
}

func TestChatRelaysToOpponentOnly(t *testing.T) {
	f := newFixture(t)
	id := f.pair(t)
	long := make([]rune, 600)
	for i := range long {
		long[i] = '가'
	}
	req := relaydto.ChatRequest{SessionRef: relaydto.SessionRef{SessionID: id}, Message: string(long)}
	if err := f.m.Chat(context.Background(), "A", req); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	var msg relaydto.ChatMessage
	f.peers.last(t, "B", relaydto.EventChat, &msg)
	if msg.Sender != "opponent" || len([]rune(msg.Message)) != 500 || msg.Timestamp.IsZero() {
		t.Fatalf("unexpected chat: sender=%s len=%d", msg.Sender, len([]rune(msg.Message)))
	}
	if f.peers.count("A", relaydto.EventChat) != 0 {
		t.Fatalf("sender should not receive its own chat")
	}

	if err := f.m.Chat(context.Background(), "A", relaydto.ChatRequest{SessionRef: relaydto.SessionRef{SessionID: "nope"}, Message: "hi"}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := f.m.Chat(context.Background(), "stranger", relaydto.ChatRequest{SessionRef: relaydto.SessionRef{SessionID: id}, Message: "hi"}); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestRacingMovesApplyOnce(t *testing.T) {
	f := newFixture(t)
	id := f.pair(t)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.move(id, "A", "e2e4")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrNotYourTurn):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one applied move, got %d", ok)
	}
	s, _ := f.m.Store().Get(id)
	if s.MoveCount != 1 {
		t.Fatalf("move count = %d", s.MoveCount)
	}
}

func TestMoveRacingResign(t *testing.T) {
	f := newFixture(t)
	id := f.pair(t)

	var wg sync.WaitGroup
	var moveErr, resignErr error
	wg.Add(2)
	go func() { defer wg.Done(); _, moveErr = f.move(id, "A", "e2e4") }()
	go func() { defer wg.Done(); _, resignErr = f.m.Resign(context.Background(), "B", id) }()
	wg.Wait()

	if resignErr != nil {
		t.Fatalf("resign should always win or follow the move: %v", resignErr)
	}
	if moveErr != nil && !errors.Is(moveErr, ErrSessionNotFound) {
		t.Fatalf("losing move must observe SessionNotFound, got %v", moveErr)
	}
	if f.peers.count("A", relaydto.EventGameOver) != 1 {
		t.Fatalf("expected one gameOver")
	}
}

func TestManyPairsNeverShareConnections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = f.m.FindMatch(ctx, fmt.Sprintf("c%d", n))
		}(i)
	}
	wg.Wait()
	seen := map[string]string{}
	for _, id := range f.m.Store().IDs() {
		s, err := f.m.Store().Get(id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		for _, c := range []string{s.White, s.Black} {
			if prev, dup := seen[c]; dup {
				t.Fatalf("%s in %s and %s", c, prev, id)
			}
			seen[c] = id
		}
	}
	if f.m.Stats().Sessions != 20 || f.m.Stats().Waiting != 0 {
		t.Fatalf("stats: %+v", f.m.Stats())
	}
}

func TestRepetitionEndsInDraw(t *testing.T) {
	f := newFixture(t)
	id := f.pair(t)
	shuffle := []struct{ conn, uci string }{
		{"A", "g1f3"}, {"B", "g8f6"}, {"A", "f3g1"}, {"B", "f6g8"},
		{"A", "g1f3"}, {"B", "g8f6"}, {"A", "f3g1"}, {"B", "f6g8"},
	}
	var last Session
	for i, s := range shuffle {
		var err error
		if last, err = f.move(id, s.conn, s.uci); err != nil {
			t.Fatalf("%s %s: %v", s.conn, s.uci, err)
		}
		if i < len(shuffle)-1 && last.Status != StatusActive {
			t.Fatalf("game ended early at half-move %d: %+v", i+1, last.Outcome)
		}
	}
	want := Outcome{Result: ResultDraw, WinningSide: NoSide, Reason: ReasonRepetition}
	if last.Status != StatusTerminated || last.Outcome == nil || *last.Outcome != want {
		t.Fatalf("unexpected terminal session: %+v", last)
	}

	for conn, ev := range map[string]string{"A": relaydto.EventOpponentMove, "B": relaydto.EventMoveSuccess} {
		var r relaydto.MoveResult
		f.peers.last(t, conn, ev, &r)
		if r.Outcome == nil || r.Outcome.Result != "draw" || r.Outcome.WinningSide != "none" || r.Outcome.Reason != "repetition" {
			t.Fatalf("%s got outcome %+v", conn, r.Outcome)
		}
		if r.MoveCount != 8 {
			t.Fatalf("%s got move count %d", conn, r.MoveCount)
		}
	}
	if _, err := f.m.Store().Get(id); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("drawn session still stored: %v", err)
	}
	if f.points(t, "alice") != 5 || f.points(t, "bob") != 5 {
		t.Fatalf("scores: alice=%d bob=%d", f.points(t, "alice"), f.points(t, "bob"))
	}
}

func TestClientHintsNeverDecideOutcome(t *testing.T) {
	f := newFixture(t)
	id := f.pair(t)
	req := relaydto.MoveRequest{
		SessionRef: relaydto.SessionRef{SessionID: id},
		From:       "e2",
		To:         "e4",
		Hints:      &relaydto.MoveHints{IsCheckmate: true, IsDraw: true, IsStalemate: true},
	}
	s, err := f.m.SubmitMove(context.Background(), "A", req)
	if err != nil {
		t.Fatalf("SubmitMove: %v", err)
	}
	if s.Status != StatusActive || s.Outcome != nil {
		t.Fatalf("client flags ended the game: %+v", s)
	}
	var r relaydto.MoveResult
	f.peers.last(t, "B", relaydto.EventOpponentMove, &r)
	if r.Outcome != nil {
		t.Fatalf("opponent saw outcome %+v", r.Outcome)
	}
	if f.peers.count("A", relaydto.EventGameOver)+f.peers.count("B", relaydto.EventGameOver) != 0 {
		t.Fatalf("gameOver emitted on a client claim")
	}
	if _, err := f.move(id, "B", "e7e5"); err != nil {
		t.Fatalf("game should continue: %v", err)
	}
}

func TestEngineFailureIsNoop(t *testing.T) {
	f := newFixtureWithEngine(t, chess.NewEngine(time.Nanosecond))
	id := f.pair(t)
	before, err := f.m.Store().Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := f.move(id, "A", "e2e4"); !errors.Is(err, ErrEngineFailure) {
		t.Fatalf("expected ErrEngineFailure, got %v", err)
	}
	after, err := f.m.Store().Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("session changed on engine failure:\n before %+v\n after  %+v", before, after)
	}
	if f.peers.count("A", relaydto.EventMoveSuccess) != 0 || f.peers.count("B", relaydto.EventOpponentMove) != 0 {
		t.Fatalf("move relayed despite engine failure")
	}
}
