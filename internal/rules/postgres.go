package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists guardrail rules in PostgreSQL.
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
	stmt := `CREATE TABLE IF NOT EXISTS guardrail_rules (
		id TEXT PRIMARY KEY,
		rule_type TEXT NOT NULL,
		rule_text TEXT NOT NULL,
		category TEXT NOT NULL,
		priority INT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("init rules schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, rule Rule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO guardrail_rules (id, rule_type, rule_text, category, priority, active, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
			rule_type = EXCLUDED.rule_type,
			rule_text = EXCLUDED.rule_text,
			category = EXCLUDED.category,
			priority = EXCLUDED.priority,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		rule.ID, string(rule.Type), rule.Text, rule.Category, rule.Priority, rule.Active, rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put rule: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Rule, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, rule_type, rule_text, category, priority, active, updated_at
		 FROM guardrail_rules WHERE id = $1`, id)

	var r Rule
	var ruleType string
	err := row.Scan(&r.ID, &ruleType, &r.Text, &r.Category, &r.Priority, &r.Active, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Rule{}, ErrNotFound
	}
	if err != nil {
		return Rule{}, fmt.Errorf("get rule: %w", err)
	}
	r.Type = Type(ruleType)
	return r, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Rule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, rule_type, rule_text, category, priority, active, updated_at
		 FROM guardrail_rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var r Rule
		var ruleType string
		if err := rows.Scan(&r.ID, &ruleType, &r.Text, &r.Category, &r.Priority, &r.Active, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan rule row: %w", err)
		}
		r.Type = Type(ruleType)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rule rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Deactivate(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE guardrail_rules SET active = FALSE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
