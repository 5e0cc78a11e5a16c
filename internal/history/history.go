// Package history defines the durable log of completed chat turns.
package history

import (
	"context"
	"time"
)

type Outcome string

const (
	OutcomeSQL   Outcome = "sql"
	OutcomeEmpty Outcome = "empty"
	OutcomeError Outcome = "error"
)

// Turn is one question and the single reply it produced.
type Turn struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Question  string    `json:"question"`
	Reply     string    `json:"reply"`
	Model     string    `json:"model"`
	Outcome   Outcome   `json:"outcome"`
	CreatedAt time.Time `json:"created_at"`
}

type Recorder interface {
	RecordTurn(ctx context.Context, turn Turn) (Turn, error)
}

type Reader interface {
	ListTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error)
}

// Purger drops the turn log of an ended session.
type Purger interface {
	DeleteSessionTurns(ctx context.Context, sessionID string) (int64, error)
}

// Store is a turn log that can be written, read back and purged.
type Store interface {
	Recorder
	Reader
	Purger
	HealthCheck(ctx context.Context) error
}
