package profile

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/park285/Cheese-PvP-Relay/internal/domain"
)

func TestDefaultTable(t *testing.T) {
	tb := DefaultTable()
	cases := map[Kind]int{KindWin: 10, KindDraw: 5, KindResign: -2, KindLoss: -10, Kind("x"): 0}
	for k, want := range cases {
		if got := tb.Points(k); got != want {
			t.Fatalf("Points(%s) = %d, want %d", k, got, want)
		}
	}
	if tb.Loss != -tb.Win {
		t.Fatalf("loss must mirror win")
	}
}

func TestMemoryStoreAccumulates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i, d := range []domain.ScoreDelta{
		{SessionID: "s1", Identity: "alice", Result: "win", Points: 10},
		{SessionID: "s2", Identity: "alice", Result: "resign", Points: -2},
		{SessionID: "s3", Identity: "alice", Result: "draw", Points: 5},
	} {
		if err := s.Apply(ctx, d); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}
	got, err := s.Get(ctx, "alice")
	if err != nil || got == nil {
		t.Fatalf("get: %v", err)
	}
	if got.Points != 13 || got.GamesPlayed != 3 || got.Wins != 1 || got.Resigns != 1 || got.Losses != 1 || got.Draws != 1 {
		t.Fatalf("unexpected score: %+v", got)
	}
}

func TestMemoryStoreRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	d := domain.ScoreDelta{SessionID: "s1", Identity: "bob", Result: "loss", Points: -10}
	if err := s.Apply(ctx, d); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := s.Apply(ctx, d); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if err := s.Apply(ctx, domain.ScoreDelta{SessionID: "s2"}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}

type failingStore struct{ calls int }

func (f *failingStore) Apply(context.Context, domain.ScoreDelta) error {
	f.calls++
	return errors.New("db down")
}
func (f *failingStore) Get(context.Context, string) (*domain.PlayerScore, error) { return nil, nil }

func TestSettleSkipsAnonymousAndSwallowsErrors(t *testing.T) {
	fs := &failingStore{}
	svc := NewService(fs, DefaultTable())
	svc.Settle(context.Background(), "s1", Award{Identity: "", Kind: KindWin}, Award{Identity: "carol", Kind: KindLoss})
	if fs.calls != 1 {
		t.Fatalf("expected 1 store call, got %d", fs.calls)
	}
}

func TestSettleSameIdentityOnce(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, DefaultTable())
	svc.Settle(context.Background(), "s1", Award{Identity: "dave", Kind: KindWin}, Award{Identity: "dave", Kind: KindLoss})
	got, _ := store.Get(context.Background(), "dave")
	if got == nil || got.GamesPlayed != 1 || got.Points != 10 {
		t.Fatalf("unexpected score: %+v", got)
	}
}

type fakeProfileAPI struct {
	mu       sync.Mutex
	failures int
	applied  map[string]bool
	keys     []string
}

func (f *fakeProfileAPI) handle(ctx *fasthttp.RequestCtx) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := string(ctx.Path())
	switch {
	case string(ctx.Method()) == fasthttp.MethodPost && path == "/scores/apply":
		if f.failures > 0 {
			f.failures--
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			return
		}
		var body scoreDeltaJSON
		if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			return
		}
		key := string(ctx.Request.Header.Peek("Idempotency-Key"))
		f.keys = append(f.keys, key)
		if f.applied[key] {
			ctx.SetStatusCode(fasthttp.StatusConflict)
			return
		}
		f.applied[key] = true
		ctx.SetStatusCode(fasthttp.StatusNoContent)
	case strings.HasPrefix(path, "/scores/"):
		if strings.TrimPrefix(path, "/scores/") != "erin" {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			return
		}
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"identity":"erin","points":15,"wins":1,"draws":1,"gamesPlayed":2}`)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func newHTTPStoreForTest(t *testing.T, api *fakeProfileAPI) *HTTPStore {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: api.handle}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })
	return NewHTTPStore("http://profile.test/", WithDial(func(string) (net.Conn, error) { return ln.Dial() }))
}

func TestHTTPStoreApplyRetriesAndDetectsDuplicate(t *testing.T) {
	api := &fakeProfileAPI{failures: 1, applied: map[string]bool{}}
	store := newHTTPStoreForTest(t, api)
	ctx := context.Background()

	d := domain.ScoreDelta{SessionID: "s9", Identity: "erin", Result: "win", Points: 10}
	if err := store.Apply(ctx, d); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := store.Apply(ctx, d); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if len(api.keys) != 2 || api.keys[0] != "s9:erin" {
		t.Fatalf("unexpected idempotency keys: %v", api.keys)
	}
}

func TestHTTPStoreGet(t *testing.T) {
	store := newHTTPStoreForTest(t, &fakeProfileAPI{applied: map[string]bool{}})
	ctx := context.Background()

	got, err := store.Get(ctx, "erin")
	if err != nil || got == nil {
		t.Fatalf("get: %v", err)
	}
	if got.Points != 15 || got.GamesPlayed != 2 {
		t.Fatalf("unexpected score: %+v", got)
	}
	missing, err := store.Get(ctx, "nobody")
	if err != nil || missing != nil {
		t.Fatalf("expected nil for unknown identity, got %+v err=%v", missing, err)
	}
}
