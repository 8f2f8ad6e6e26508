package relaydto

import (
	"encoding/json"
	"testing"
)

func TestDecodeMoveRequestWithLegacyRoom(t *testing.T) {
	raw := []byte(`{"event":"move","data":{"room":"r1","from":"e2","to":"e4","gameEndInfo":{"isCheckmate":true}}}`)
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var req MoveRequest
	if err := env.Decode(&req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.ID() != "r1" || req.From != "e2" || req.To != "e4" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.Hints == nil || !req.Hints.IsCheckmate {
		t.Fatalf("hints not decoded")
	}
}

func TestSessionIDWinsOverRoom(t *testing.T) {
	ref := SessionRef{SessionID: " s1 ", Room: "r1"}
	if ref.ID() != "s1" {
		t.Fatalf("expected s1, got %q", ref.ID())
	}
}

func TestNewEnvelopeWithoutPayload(t *testing.T) {
	env, err := NewEnvelope(EventSearchingMatch, nil)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	out, _ := json.Marshal(env)
	if string(out) != `{"event":"searchingMatch"}` {
		t.Fatalf("unexpected frame: %s", out)
	}
	var dst ChatRequest
	if err := env.Decode(&dst); err != nil {
		t.Fatalf("decode empty: %v", err)
	}
}
