package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists sessions and turns in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id TEXT PRIMARY KEY,
			persona_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_activity TIMESTAMPTZ NOT NULL DEFAULT now(),
			turn_count INT NOT NULL DEFAULT 0,
			summary_text TEXT,
			summary_covers_seq INT,
			summary_generated_at TIMESTAMPTZ
		);`,
		`CREATE TABLE IF NOT EXISTS chat_turns (
			session_id TEXT NOT NULL REFERENCES chat_sessions(id),
			seq INT NOT NULL,
			user_message TEXT NOT NULL,
			assistant_message TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL DEFAULT now(),
			blocked BOOLEAN NOT NULL DEFAULT FALSE,
			incomplete BOOLEAN NOT NULL DEFAULT FALSE,
			risk_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			token_estimate INT NOT NULL DEFAULT 0,
			PRIMARY KEY (session_id, seq)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init conversation schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActivity.IsZero() {
		sess.LastActivity = now
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO chat_sessions (id, persona_id, created_at, last_activity, turn_count)
		 VALUES ($1, $2, $3, $4, 0)
		 ON CONFLICT (id) DO NOTHING`,
		sess.ID, sess.PersonaID, sess.CreatedAt, sess.LastActivity,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionExists
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, persona_id, created_at, last_activity, turn_count,
		        summary_text, summary_covers_seq, summary_generated_at
		 FROM chat_sessions WHERE id = $1`, sessionID)

	var sess Session
	var sumText *string
	var sumSeq *int
	var sumAt *time.Time
	err := row.Scan(&sess.ID, &sess.PersonaID, &sess.CreatedAt, &sess.LastActivity,
		&sess.TurnCount, &sumText, &sumSeq, &sumAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	if sumText != nil && sumSeq != nil && sumAt != nil {
		sess.Summary = &Summary{Text: *sumText, CoversThroughSeq: *sumSeq, GeneratedAt: *sumAt}
	}
	return sess, nil
}

func (s *PostgresStore) AppendTurn(ctx context.Context, turn Turn) (Turn, error) {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Turn{}, fmt.Errorf("begin append turn: %w", err)
	}
	defer tx.Rollback(ctx)

	// Row lock on the session serializes seq assignment across processes.
	row := tx.QueryRow(ctx,
		`UPDATE chat_sessions
		 SET turn_count = turn_count + 1, last_activity = $2
		 WHERE id = $1
		 RETURNING turn_count`,
		turn.SessionID, turn.Timestamp)
	if err := row.Scan(&turn.Seq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Turn{}, ErrSessionNotFound
		}
		return Turn{}, fmt.Errorf("bump turn count: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO chat_turns (session_id, seq, user_message, assistant_message, ts, blocked, incomplete, risk_score, token_estimate)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		turn.SessionID, turn.Seq, turn.UserMessage, turn.AssistantMessage,
		turn.Timestamp, turn.Blocked, turn.Incomplete, turn.RiskScore, turn.TokenEstimate,
	)
	if err != nil {
		return Turn{}, fmt.Errorf("insert turn: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Turn{}, fmt.Errorf("commit append turn: %w", err)
	}
	return turn, nil
}

func (s *PostgresStore) RecentTurns(ctx context.Context, sessionID string, n int) ([]Turn, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if n <= 0 {
		n = 1 << 30
	}
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, seq, user_message, assistant_message, ts, blocked, incomplete, risk_score, token_estimate
		 FROM chat_turns WHERE session_id = $1 ORDER BY seq DESC LIMIT $2`,
		sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("recent turns: %w", err)
	}
	defer rows.Close()

	items, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	// Reverse into chronological order for prompt coherence.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *PostgresStore) TurnRange(ctx context.Context, sessionID string, fromSeq, toSeq int) ([]Turn, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, seq, user_message, assistant_message, ts, blocked, incomplete, risk_score, token_estimate
		 FROM chat_turns WHERE session_id = $1 AND seq BETWEEN $2 AND $3 ORDER BY seq`,
		sessionID, fromSeq, toSeq)
	if err != nil {
		return nil, fmt.Errorf("turn range: %w", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

func (s *PostgresStore) PutSummary(ctx context.Context, sessionID string, summary Summary) error {
	if summary.GeneratedAt.IsZero() {
		summary.GeneratedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE chat_sessions
		 SET summary_text = $2, summary_covers_seq = $3, summary_generated_at = $4
		 WHERE id = $1`,
		sessionID, summary.Text, summary.CoversThroughSeq, summary.GeneratedAt)
	if err != nil {
		return fmt.Errorf("put summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanTurns(rows pgx.Rows) ([]Turn, error) {
	var items []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.SessionID, &t.Seq, &t.UserMessage, &t.AssistantMessage,
			&t.Timestamp, &t.Blocked, &t.Incomplete, &t.RiskScore, &t.TokenEstimate); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return items, nil
}
