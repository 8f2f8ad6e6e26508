package profile

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/park285/Cheese-PvP-Relay/internal/domain"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS relay_player_scores (
	identity     TEXT PRIMARY KEY,
	points       INTEGER NOT NULL DEFAULT 0,
	wins         INTEGER NOT NULL DEFAULT 0,
	losses       INTEGER NOT NULL DEFAULT 0,
	draws        INTEGER NOT NULL DEFAULT 0,
	resigns      INTEGER NOT NULL DEFAULT 0,
	games_played INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS relay_score_settlements (
	session_id TEXT NOT NULL,
	identity   TEXT NOT NULL,
	result     TEXT NOT NULL,
	points     INTEGER NOT NULL,
	settled_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, identity)
);`

type pgstore struct {
	db *sql.DB
}

// OpenPostgres opens dsn with lib/pq and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func NewPostgresStore(db *sql.DB) Store {
	return &pgstore{db: db}
}

// EnsureSchema creates the score tables when missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (r *pgstore) Apply(ctx context.Context, d domain.ScoreDelta) error {
	identity := strings.TrimSpace(d.Identity)
	if identity == "" {
		return ErrInvalidIdentity
	}
	at := d.At
	if at.IsZero() {
		at = time.Now()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO relay_score_settlements (session_id, identity, result, points, settled_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, identity) DO NOTHING`,
		d.SessionID, identity, d.Result, d.Points, at,
	)
	if err != nil {
		return fmt.Errorf("insert settlement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicate
	}

	var wins, losses, draws, resigns int
	switch Kind(d.Result) {
	case KindWin:
		wins = 1
	case KindDraw:
		draws = 1
	case KindResign:
		resigns, losses = 1, 1
	case KindLoss:
		losses = 1
	}

	const upsert = `
		INSERT INTO relay_player_scores (
			identity, points, wins, losses, draws, resigns, games_played, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $7)
		ON CONFLICT (identity) DO UPDATE SET
			points       = relay_player_scores.points + EXCLUDED.points,
			wins         = relay_player_scores.wins + EXCLUDED.wins,
			losses       = relay_player_scores.losses + EXCLUDED.losses,
			draws        = relay_player_scores.draws + EXCLUDED.draws,
			resigns      = relay_player_scores.resigns + EXCLUDED.resigns,
			games_played = relay_player_scores.games_played + 1,
			updated_at   = EXCLUDED.updated_at`
	if _, err := tx.ExecContext(ctx, upsert, identity, d.Points, wins, losses, draws, resigns, at); err != nil {
		return fmt.Errorf("upsert score: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *pgstore) Get(ctx context.Context, identity string) (*domain.PlayerScore, error) {
	const query = `
		SELECT identity, points, wins, losses, draws, resigns, games_played, created_at, updated_at
		FROM relay_player_scores
		WHERE identity = $1`
	var s domain.PlayerScore
	err := r.db.QueryRowContext(ctx, query, strings.TrimSpace(identity)).Scan(
		&s.Identity, &s.Points, &s.Wins, &s.Losses, &s.Draws, &s.Resigns, &s.GamesPlayed, &s.CreatedAt, &s.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select score: %w", err)
	}
	return &s, nil
}
