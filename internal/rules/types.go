package rules

import (
	"context"
	"errors"
	"time"
)

// Type classifies the polarity of a guardrail directive.
type Type string

const (
	TypeAlways     Type = "ALWAYS"
	TypeNever      Type = "NEVER"
	TypeEncourage  Type = "ENCOURAGE"
	TypeDiscourage Type = "DISCOURAGE"
)

var ErrNotFound = errors.New("rule not found")

// Rule is a single safety directive maintained by administrators.
// Priority is a total order used for conflict resolution; higher wins.
type Rule struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Text      string    `json:"text"`
	Category  string    `json:"category"`
	Priority  int       `json:"priority"`
	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Valid reports whether the rule has a known type and a priority in range.
func (r Rule) Valid() bool {
	switch r.Type {
	case TypeAlways, TypeNever, TypeEncourage, TypeDiscourage:
	default:
		return false
	}
	return r.Priority >= 0 && r.Priority <= 100 && r.Text != ""
}

// Store persists and retrieves guardrail rules.
type Store interface {
	Put(ctx context.Context, rule Rule) error
	Get(ctx context.Context, id string) (Rule, error)
	List(ctx context.Context) ([]Rule, error)
	Deactivate(ctx context.Context, id string) error
	Close() error
}
