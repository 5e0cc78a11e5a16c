// Package postgres stores the chat turn log in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/history"
)

const (
	defaultListLimit   = 100
	defaultPingTimeout = 5 * time.Second
)

// Config sizes the connection pool behind the turn log. Zero values keep the
// database/sql defaults.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

type Repository struct {
	db    *sql.DB
	clock func() time.Time
}

// Open connects to the turn log database through pgx and returns a
// repository owning the pool. The database must answer a ping before Open
// returns.
func Open(ctx context.Context, cfg Config) (*Repository, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("history dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	sizePool(db, cfg)

	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping history db: %w", err)
	}
	return NewRepository(db), nil
}

func sizePool(db *sql.DB, cfg Config) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, clock: time.Now}
}

// DB exposes the pool for schema migrations.
func (r *Repository) DB() *sql.DB {
	return r.db
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping history db: %w", err)
	}
	return nil
}

func (r *Repository) RecordTurn(ctx context.Context, turn history.Turn) (history.Turn, error) {
	if turn.SessionID == "" {
		return history.Turn{}, fmt.Errorf("session id is required")
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = r.clock().UTC()
	}

	query := `
INSERT INTO chat_turn (session_id, question, reply, model, outcome, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING turn_id`
	if err := r.db.QueryRowContext(ctx, query,
		turn.SessionID,
		turn.Question,
		turn.Reply,
		turn.Model,
		string(turn.Outcome),
		turn.CreatedAt,
	).Scan(&turn.ID); err != nil {
		return history.Turn{}, fmt.Errorf("record chat turn: %w", err)
	}
	return turn, nil
}

// ListTurns returns the most recent turns of a session, oldest first.
func (r *Repository) ListTurns(ctx context.Context, sessionID string, limit int) ([]history.Turn, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT turn_id, session_id, question, reply, model, outcome, created_at
FROM (
  SELECT turn_id, session_id, question, reply, model, outcome, created_at
  FROM chat_turn
  WHERE session_id = $1
  ORDER BY turn_id DESC
  LIMIT $2
) recent
ORDER BY turn_id ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list chat turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	turns := make([]history.Turn, 0)
	for rows.Next() {
		var turn history.Turn
		var outcome string
		if err := rows.Scan(
			&turn.ID,
			&turn.SessionID,
			&turn.Question,
			&turn.Reply,
			&turn.Model,
			&outcome,
			&turn.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan chat turn row: %w", err)
		}
		turn.Outcome = history.Outcome(outcome)
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat turn rows: %w", err)
	}
	return turns, nil
}

// DeleteSessionTurns removes every turn of a session and reports how many
// were deleted.
func (r *Repository) DeleteSessionTurns(ctx context.Context, sessionID string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM chat_turn WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete chat turns: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read deleted chat turn count: %w", err)
	}
	return deleted, nil
}
