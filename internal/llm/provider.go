package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Message is one entry of the conversation sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Request is the single call contract with the LLM provider.
type Request struct {
	SystemPrompt string
	Messages     []Message
	Model        string
	Temperature  float64
	MaxTokens    int
}

// TokenUsage reports provider-side token accounting when available.
type TokenUsage struct {
	Prompt     int `json:"prompt_tokens"`
	Completion int `json:"completion_tokens"`
}

// Response is the buffered result of a provider call.
type Response struct {
	Text  string
	Usage TokenUsage
}

// DeltaHandler receives streaming text fragments.
type DeltaHandler func(delta string) error

// Provider abstracts the LLM backend.
type Provider interface {
	Chat(ctx context.Context, req Request) (Response, error)
	StreamChat(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error)
}

// ErrorKind types provider failures so the dispatcher can pick a recovery.
type ErrorKind string

const (
	KindConnectivity ErrorKind = "connectivity"
	KindRateLimit    ErrorKind = "rate_limit"
	KindAuth         ErrorKind = "auth"
	KindBadRequest   ErrorKind = "bad_request"
	KindServer       ErrorKind = "server"
)

// ProviderError wraps a provider failure with its classification.
type ProviderError struct {
	Kind       ErrorKind
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Throttled reports whether err is a provider rate-limit error.
func Throttled(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == KindRateLimit
}

// Retryable reports whether err is transient (throttling, connectivity,
// server-side). Auth and bad-request errors are configuration problems and
// must not be retried.
func Retryable(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.Kind {
	case KindRateLimit, KindConnectivity, KindServer:
		return true
	default:
		return false
	}
}

// KindOf returns the classification of a provider error, defaulting to
// connectivity for unclassified failures.
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindConnectivity
}

// RetryAfterHint returns the provider-supplied retry delay, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.RetryAfter > 0 {
		return pe.RetryAfter, true
	}
	return 0, false
}
