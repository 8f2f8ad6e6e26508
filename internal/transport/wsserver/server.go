package wsserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/Cheese-PvP-Relay/internal/connreg"
	"github.com/park285/Cheese-PvP-Relay/internal/msgcat"
	"github.com/park285/Cheese-PvP-Relay/internal/obslog"
	"github.com/park285/Cheese-PvP-Relay/internal/pvpchess"
	"github.com/park285/Cheese-PvP-Relay/internal/pvpqueue"
	"github.com/park285/Cheese-PvP-Relay/internal/render"
	"github.com/park285/Cheese-PvP-Relay/internal/util"
	"github.com/park285/Cheese-PvP-Relay/pkg/relaydto"
)

const (
	defaultReadLimit    = 64 << 10
	disconnectTimeout   = 5 * time.Second
	identityHeader      = "X-User-Id"
	identityQueryParam  = "identity"
	defaultPingFailures = 2
)

type Options struct {
	Registry *connreg.Registry
	Manager  *pvpchess.Manager
	Catalog  *msgcat.Catalog
	Renderer *render.Renderer

	// AllowedOrigins are host patterns for browser clients. "*" disables the check.
	AllowedOrigins []string
	PingInterval   time.Duration
	PingFailures   int
	WriteTimeout   time.Duration
	ReadLimit      int64
	Debug          bool
}

// Server exposes the relay over websocket plus a few operator endpoints.
type Server struct {
	reg      *connreg.Registry
	manager  *pvpchess.Manager
	catalog  *msgcat.Catalog
	renderer *render.Renderer

	origins      []string
	skipOrigin   bool
	pingInterval time.Duration
	pingFailures int
	writeTimeout time.Duration
	readLimit    int64
	debug        bool
}

func New(opts Options) *Server {
	s := &Server{
		reg:          opts.Registry,
		manager:      opts.Manager,
		catalog:      opts.Catalog,
		renderer:     opts.Renderer,
		pingInterval: opts.PingInterval,
		pingFailures: opts.PingFailures,
		writeTimeout: opts.WriteTimeout,
		readLimit:    opts.ReadLimit,
		debug:        opts.Debug,
	}
	for _, o := range opts.AllowedOrigins {
		o = strings.TrimSpace(o)
		switch o {
		case "":
		case "*":
			s.skipOrigin = true
		default:
			s.origins = append(s.origins, o)
		}
	}
	if s.reg == nil {
		s.reg = connreg.New(0)
	}
	if s.catalog == nil {
		s.catalog = msgcat.MustDefault()
	}
	if s.renderer == nil {
		s.renderer = render.New(48)
	}
	if s.pingFailures <= 0 {
		s.pingFailures = defaultPingFailures
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = 5 * time.Second
	}
	if s.readLimit <= 0 {
		s.readLimit = defaultReadLimit
	}
	return s
}

// Router builds the HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(accessLog)

	r.Get("/healthz", s.handleHealth)
	r.Get("/ws", s.handleWS)
	if s.debug {
		r.Route("/debug", func(r chi.Router) {
			r.Get("/stats", s.handleStats)
			r.Get("/sessions", s.handleSessions)
			r.Get("/sessions/{id}/board.png", s.handleBoard)
		})
	}
	return r
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     s.origins,
		InsecureSkipVerify: s.skipOrigin,
		CompressionMode:    websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		obslog.L().Warn("ws_accept_error", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	identity := util.FirstNonEmpty(r.Header.Get(identityHeader), r.URL.Query().Get(identityQueryParam))
	c := s.reg.Register(identity)
	obslog.L().Info("ws_accept",
		zap.String("conn_id", c.ID),
		zap.Bool("anonymous", c.Identity == ""),
		zap.String("request_id", chimw.GetReqID(r.Context())),
	)
	s.serveConn(r.Context(), ws, c)
}

// serveConn blocks until the connection ends. Events of one connection are
// handled in arrival order by the read loop.
func (s *Server) serveConn(parent context.Context, ws *websocket.Conn, c *connreg.Conn) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	ws.SetReadLimit(s.readLimit)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		s.writeLoop(ctx, ws, c)
	}()
	go func() {
		defer wg.Done()
		s.pingLoop(ctx, ws, c)
	}()

	s.readLoop(ctx, ws, c)
	cancel()

	dctx, dcancel := context.WithTimeout(context.WithoutCancel(parent), disconnectTimeout)
	s.manager.Disconnect(dctx, c.ID)
	dcancel()
	s.reg.Unregister(c.ID)
	wg.Wait()
	_ = ws.Close(websocket.StatusNormalClosure, "")
	obslog.L().Info("ws_close", zap.String("conn_id", c.ID), zap.Duration("connected", time.Since(c.ConnectedAt)))
}

func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, c *connreg.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
				obslog.L().Debug("ws_read_error", zap.String("conn_id", c.ID), zap.Error(err))
			}
			return
		}
		var env relaydto.Envelope
		if err := json.Unmarshal(data, &env); err != nil || strings.TrimSpace(env.Event) == "" {
			s.reply(c.ID, relaydto.CodeBadRequest, "envelope")
			continue
		}
		s.dispatch(ctx, c, env)
	}
}

func (s *Server) writeLoop(ctx context.Context, ws *websocket.Conn, c *connreg.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Closed():
			if ctx.Err() != nil {
				return
			}
			// 레지스트리가 끊은 느린 소비자
			obslog.L().Warn("ws_slow_consumer", zap.String("conn_id", c.ID))
			_ = ws.Close(websocket.StatusPolicyViolation, "slow consumer")
			return
		case env, ok := <-c.Outbound():
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
			err := wsjson.Write(wctx, ws, env)
			cancel()
			if err != nil {
				obslog.L().Debug("ws_write_error", zap.String("conn_id", c.ID), zap.String("event", env.Event), zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) pingLoop(ctx context.Context, ws *websocket.Conn, c *connreg.Conn) {
	if s.pingInterval <= 0 {
		<-ctx.Done()
		return
	}
	t := time.NewTicker(s.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, s.pingInterval)
			err := ws.Ping(pctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			if ctx.Err() != nil {
				return
			}
			failures++
			if failures >= s.pingFailures {
				obslog.L().Info("ws_ping_failure", zap.String("conn_id", c.ID), zap.Int("failures", failures))
				_ = ws.Close(websocket.StatusGoingAway, "ping failure")
				return
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, c *connreg.Conn, env relaydto.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			obslog.L().Error("ws_handler_panic",
				zap.String("conn_id", c.ID),
				zap.String("event", env.Event),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
			s.reply(c.ID, relaydto.CodeRelayFailure, env.Event)
		}
	}()

	var err error
	switch env.Event {
	case relaydto.EventFindMatch:
		err = s.manager.FindMatch(ctx, c.ID)
	case relaydto.EventMove:
		var req relaydto.MoveRequest
		if derr := env.Decode(&req); derr != nil {
			s.reply(c.ID, relaydto.CodeBadRequest, env.Event)
			return
		}
		_, err = s.manager.SubmitMove(ctx, c.ID, req)
	case relaydto.EventChat:
		var req relaydto.ChatRequest
		if derr := env.Decode(&req); derr != nil {
			s.reply(c.ID, relaydto.CodeBadRequest, env.Event)
			return
		}
		err = s.manager.Chat(ctx, c.ID, req)
	case relaydto.EventResign:
		var req relaydto.ResignRequest
		if derr := env.Decode(&req); derr != nil {
			s.reply(c.ID, relaydto.CodeBadRequest, env.Event)
			return
		}
		_, err = s.manager.Resign(ctx, c.ID, req.ID())
	default:
		s.sendError(c.ID, relaydto.CodeBadRequest, s.catalog.Text("error.UnknownEvent", map[string]any{"event": env.Event}, "Unknown event"))
		return
	}
	if err != nil {
		code := codeOf(err)
		obslog.L().Info("ws_event_rejected",
			zap.String("conn_id", c.ID),
			zap.String("event", env.Event),
			zap.String("code", code),
			zap.Error(err),
		)
		s.reply(c.ID, code, env.Event)
	}
}

// codeOf maps core errors onto protocol codes.
func codeOf(err error) string {
	switch {
	case errors.Is(err, pvpchess.ErrSessionNotFound):
		return relaydto.CodeSessionNotFound
	case errors.Is(err, pvpchess.ErrNotYourTurn):
		return relaydto.CodeNotYourTurn
	case errors.Is(err, pvpchess.ErrIllegalMove):
		return relaydto.CodeIllegalMove
	case errors.Is(err, pvpchess.ErrEngineFailure):
		return relaydto.CodeValidationEngineFailure
	case errors.Is(err, pvpchess.ErrNotParticipant):
		return relaydto.CodeNotParticipant
	case errors.Is(err, pvpchess.ErrAlreadyInSession):
		return relaydto.CodeAlreadyInSession
	case errors.Is(err, pvpchess.ErrEmptyMessage), errors.Is(err, pvpqueue.ErrInvalidArgs):
		return relaydto.CodeBadRequest
	default:
		return relaydto.CodeRelayFailure
	}
}

func (s *Server) reply(connID, code, event string) {
	msg := s.catalog.Text("error."+code, map[string]any{"event": event}, code)
	s.sendError(connID, code, msg)
}

func (s *Server) sendError(connID, code, message string) {
	env, err := relaydto.NewEnvelope(relaydto.EventError, relaydto.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	if err := s.reg.Send(connID, env); err != nil {
		obslog.L().Debug("ws_error_reply_dropped", zap.String("conn_id", connID), zap.String("code", code), zap.Error(err))
	}
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		obslog.L().Debug("http_request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}
