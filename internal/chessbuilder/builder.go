package chessbuilder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	corechess "github.com/park285/Cheese-PvP-Relay/internal/chess"
	"github.com/park285/Cheese-PvP-Relay/internal/config"
	"github.com/park285/Cheese-PvP-Relay/internal/connreg"
	"github.com/park285/Cheese-PvP-Relay/internal/msgcat"
	"github.com/park285/Cheese-PvP-Relay/internal/obslog"
	"github.com/park285/Cheese-PvP-Relay/internal/profile"
	"github.com/park285/Cheese-PvP-Relay/internal/pvpchess"
	"github.com/park285/Cheese-PvP-Relay/internal/render"
	"github.com/park285/Cheese-PvP-Relay/internal/transport/wsserver"
)

// Deps is the wired relay. Close releases the optional backends.
type Deps struct {
	Registry *connreg.Registry
	Engine   *corechess.Engine
	Store    *pvpchess.Store
	Manager  *pvpchess.Manager
	Scores   *profile.Service
	Server   *wsserver.Server
	Handler  http.Handler

	mirror *pvpchess.RedisMirror
	db     *sql.DB
}

func New(ctx context.Context, cfg *config.AppConfig) (*Deps, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	d := &Deps{}

	catalog, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	// Session mirror (Redis optional)
	var mirror pvpchess.Mirror
	if strings.TrimSpace(cfg.RedisURL) != "" {
		d.mirror, err = pvpchess.NewRedisMirror(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("init session mirror: %w", err)
		}
		mirror = d.mirror
	}

	scores, err := d.openScores(ctx, cfg)
	if err != nil {
		_ = d.Close()
		return nil, err
	}

	d.Registry = connreg.New(cfg.SendBuffer)
	d.Engine = corechess.NewEngine(cfg.RulesTimeout)
	d.Store = pvpchess.NewStore(mirror)
	d.Scores = profile.NewService(scores, profile.DefaultTable())
	d.Manager = pvpchess.NewManager(pvpchess.Options{
		Store:      d.Store,
		Engine:     d.Engine,
		Peers:      d.Registry,
		Scores:     d.Scores,
		ChatMaxLen: cfg.ChatMaxLen,
	})
	d.Server = wsserver.New(wsserver.Options{
		Registry:       d.Registry,
		Manager:        d.Manager,
		Catalog:        catalog,
		Renderer:       render.New(48),
		AllowedOrigins: cfg.AllowedOrigins,
		PingInterval:   cfg.PingInterval,
		PingFailures:   cfg.PingFailureBudget(),
		WriteTimeout:   cfg.WriteTimeout,
		Debug:          cfg.DebugEndpoints,
	})
	d.Handler = d.Server.Router()
	return d, nil
}

// openScores picks the profile backend: remote API, then Postgres, then memory.
func (d *Deps) openScores(ctx context.Context, cfg *config.AppConfig) (profile.Store, error) {
	switch {
	case strings.TrimSpace(cfg.ProfileAPIURL) != "":
		obslog.L().Info("profile_backend", zap.String("kind", "http"))
		return profile.NewHTTPStore(cfg.ProfileAPIURL), nil
	case strings.TrimSpace(cfg.DatabaseURL) != "":
		db, err := profile.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := profile.EnsureSchema(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		d.db = db
		obslog.L().Info("profile_backend", zap.String("kind", "postgres"))
		return profile.NewPostgresStore(db), nil
	default:
		obslog.L().Warn("profile_backend", zap.String("kind", "memory"))
		return profile.NewMemoryStore(), nil
	}
}

func (d *Deps) Close() error {
	var errs []error
	if d.mirror != nil {
		errs = append(errs, d.mirror.Close())
	}
	if d.db != nil {
		errs = append(errs, d.db.Close())
	}
	return errors.Join(errs...)
}
