package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/park285/Cheese-PvP-Relay/internal/relayclient"
	"github.com/park285/Cheese-PvP-Relay/pkg/relaydto"
)

// relaycheck pairs two clients against a running relay and plays the
// fool's mate, printing each relayed event.
func main() {
	wsURL := os.Getenv("RELAY_WS_URL")
	if wsURL == "" {
		wsURL = "ws://127.0.0.1:3001/ws"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	white := dial(ctx, wsURL, os.Getenv("RELAYCHECK_WHITE_ID"))
	defer white.Close(context.Background())
	must(white.Send(ctx, relaydto.EventFindMatch, nil))
	await(ctx, white, relaydto.EventSearchingMatch)

	black := dial(ctx, wsURL, os.Getenv("RELAYCHECK_BLACK_ID"))
	defer black.Close(context.Background())
	must(black.Send(ctx, relaydto.EventFindMatch, nil))

	var found relaydto.MatchFound
	must(await(ctx, white, relaydto.EventMatchFound).Decode(&found))
	await(ctx, black, relaydto.EventMatchFound)
	fmt.Printf("session=%s white side=%s\n", found.SessionID, found.Side)

	plies := []struct {
		c   *relayclient.Client
		uci string
	}{{white, "f2f3"}, {black, "e7e5"}, {white, "g2g4"}, {black, "d8h4"}}
	for _, p := range plies {
		req := relaydto.MoveRequest{From: p.uci[:2], To: p.uci[2:]}
		req.SessionID = found.SessionID
		must(p.c.Send(ctx, relaydto.EventMove, req))
		var res relaydto.MoveResult
		must(await(ctx, p.c, relaydto.EventMoveSuccess).Decode(&res))
		fmt.Printf("move %s san=%s toMove=%s check=%v\n", p.uci, res.SAN, res.ToMove, res.Check)
	}

	var over relaydto.MoveResult
	must(await(ctx, white, relaydto.EventOpponentMove).Decode(&over))
	if over.Outcome == nil || over.Outcome.Reason != "checkmate" {
		log.Fatalf("expected checkmate, got %+v", over.Outcome)
	}
	fmt.Printf("game over: %s %s\n", over.Outcome.WinningSide, over.Outcome.Reason)
}

func dial(ctx context.Context, wsURL, identity string) *relayclient.Client {
	c := relayclient.New(wsURL, relayclient.WithIdentity(identity))
	c.OnStateChange(func(s relayclient.State) { log.Printf("WS state: %s", s) })
	if err := c.Connect(ctx); err != nil {
		log.Fatalf("WS connect error: %v", err)
	}
	return c
}

func await(ctx context.Context, c *relayclient.Client, event string) relaydto.Envelope {
	env, err := c.Await(ctx, event)
	if err != nil {
		log.Fatalf("await %s: %v", event, err)
	}
	return env
}

func must(err error) {
	if err != nil {
		log.Fatalf("relaycheck: %v", err)
	}
}
