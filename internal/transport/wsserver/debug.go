package wsserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/park285/Cheese-PvP-Relay/internal/connreg"
	"github.com/park285/Cheese-PvP-Relay/internal/obslog"
	"github.com/park285/Cheese-PvP-Relay/internal/pvpchess"
	"github.com/park285/Cheese-PvP-Relay/internal/render"
	"github.com/park285/Cheese-PvP-Relay/internal/util"
)

type statsResponse struct {
	Connections connreg.Stats  `json:"connections"`
	Relay       pvpchess.Stats `json:"relay"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{Connections: s.reg.Stats(), Relay: s.manager.Stats()})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"sessions": s.manager.Store().IDs()})
}

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.manager.Store().Get(id)
	if err != nil {
		if errors.Is(err, pvpchess.ErrSessionNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	game, err := s.manager.Engine().Replay(sess.Position)
	if err != nil {
		obslog.L().Warn("debug_board_replay_error", zap.String("session_id", id), zap.Error(err))
		http.Error(w, "replay failed", http.StatusInternalServerError)
		return
	}
	opts := render.Options{
		Header: fmt.Sprintf("%s vs %s",
			util.FirstNonEmpty(sess.WhiteIdentity, "anonymous"),
			util.FirstNonEmpty(sess.BlackIdentity, "anonymous")),
		Footer: fmt.Sprintf("%s to move, move %d", sess.ToMove(), sess.MoveCount),
	}
	if moves := game.Moves(); len(moves) > 0 {
		last := moves[len(moves)-1]
		opts.Highlight = &render.Highlight{From: last.S1(), To: last.S2()}
	}
	png, err := s.renderer.RenderPNG(r.Context(), game.Position().Board(), opts)
	if err != nil {
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
