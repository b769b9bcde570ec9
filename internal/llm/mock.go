package llm

import (
	"context"
	"fmt"
	"strings"
)

// MockProvider produces deterministic local replies when no real provider
// is configured.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) Chat(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}
	text := buildMockReply(req)
	return Response{Text: text, Usage: TokenUsage{Completion: len(text) / 4}}, nil
}

func (p *MockProvider) StreamChat(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	resp, err := p.Chat(ctx, req)
	if err != nil {
		return Response{}, err
	}
	if onDelta != nil && resp.Text != "" {
		// Emit word-sized chunks so streaming consumers exercise real deltas.
		for _, w := range strings.SplitAfter(resp.Text, " ") {
			if err := onDelta(w); err != nil {
				return Response{}, err
			}
		}
	}
	return resp, nil
}

func buildMockReply(req Request) string {
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			last = strings.TrimSpace(req.Messages[i].Content)
			break
		}
	}
	if last == "" {
		return "Hello there! What would you like to know?"
	}
	if strings.Contains(strings.ToLower(req.SystemPrompt), "summar") {
		return fmt.Sprintf("The visitor and I talked about: %s", last)
	}
	return fmt.Sprintf("What a great question! You asked: %s", last)
}
