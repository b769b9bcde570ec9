package conversation

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
)

// Turn is one completed user/assistant exchange. Immutable once appended;
// Seq is strictly increasing per session.
type Turn struct {
	SessionID        string    `json:"session_id"`
	Seq              int       `json:"seq"`
	UserMessage      string    `json:"user_message"`
	AssistantMessage string    `json:"assistant_message"`
	Timestamp        time.Time `json:"timestamp"`
	Blocked          bool      `json:"blocked"`
	Incomplete       bool      `json:"incomplete,omitempty"`
	RiskScore        float64   `json:"risk_score"`
	TokenEstimate    int       `json:"token_estimate"`
}

// Summary is the compressed prefix of a session's history.
type Summary struct {
	Text             string    `json:"text"`
	CoversThroughSeq int       `json:"covers_through_seq"`
	GeneratedAt      time.Time `json:"generated_at"`
}

// Session owns its turns and at most one current summary.
type Session struct {
	ID           string    `json:"session_id"`
	PersonaID    string    `json:"persona_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	TurnCount    int       `json:"turn_count"`
	Summary      *Summary  `json:"summary,omitempty"`
}

// Store is the narrow read/write interface over the backing key-value or
// relational engine. Read-after-write is assumed within a short window.
type Store interface {
	CreateSession(ctx context.Context, sess Session) error
	GetSession(ctx context.Context, sessionID string) (Session, error)
	// AppendTurn assigns the next sequence number, stamps the timestamp if
	// missing, and bumps the session's turn count and activity time.
	AppendTurn(ctx context.Context, turn Turn) (Turn, error)
	// RecentTurns returns up to n most recent turns in chronological order.
	RecentTurns(ctx context.Context, sessionID string, n int) ([]Turn, error)
	// TurnRange returns turns with fromSeq <= Seq <= toSeq in order.
	TurnRange(ctx context.Context, sessionID string, fromSeq, toSeq int) ([]Turn, error)
	PutSummary(ctx context.Context, sessionID string, summary Summary) error
	Close() error
}
