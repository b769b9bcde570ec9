package prompt

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/critterchat/critterchat/internal/conversation"
	"github.com/critterchat/critterchat/internal/llm"
)

// Caller is the slice of the dispatcher the builder needs for
// summarization. Summaries go through the same rate/circuit rules as
// reply calls.
type Caller interface {
	Chat(ctx context.Context, req llm.Request) (llm.Response, error)
}

const (
	// DefaultTokenCeiling is the approximate context budget before the
	// builder switches from last-N to the hybrid strategy.
	DefaultTokenCeiling = 20000
	// DefaultRecentTurns is the last-N window under the ceiling.
	DefaultRecentTurns = 10
	// hybridRawTurns is how many raw turns ride along with a summary.
	hybridRawTurns = 5
	// summaryReuseSlack reuses an existing summary when it covers to within
	// this many turns of the tail; beyond that it is re-synthesized.
	summaryReuseSlack = 10
)

const summarizeInstruction = `Summarize the following conversation between a visitor and an animal persona in at most 150 words.
Preserve: topics discussed, facts the visitor shared, and any open questions or unfinished threads.
Write in third person, plainly, with no commentary.`

// EstimateTokens approximates model tokens at ~4 characters per token.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}

// OutlierEvent reports a single turn that exceeds the ceiling on its own.
type OutlierEvent struct {
	SessionID     string
	Seq           int
	TokenEstimate int
}

// Builder assembles the bounded message list for a provider call.
type Builder struct {
	store        conversation.Store
	caller       Caller
	tokenCeiling int
	recentTurns  int
	summaryModel string
	onOutlier    func(OutlierEvent)
	onStrategy   func(strategy string)
	onSummary    func(d time.Duration)
}

func NewBuilder(store conversation.Store, caller Caller, tokenCeiling, recentTurns int, summaryModel string) *Builder {
	if tokenCeiling <= 0 {
		tokenCeiling = DefaultTokenCeiling
	}
	if recentTurns <= 0 {
		recentTurns = DefaultRecentTurns
	}
	return &Builder{
		store:        store,
		caller:       caller,
		tokenCeiling: tokenCeiling,
		recentTurns:  recentTurns,
		summaryModel: summaryModel,
	}
}

// SetOutlierHook registers the audit sink for oversized single turns.
func (b *Builder) SetOutlierHook(hook func(OutlierEvent)) {
	b.onOutlier = hook
}

// SetStrategyHook reports which assembly strategy each build picked.
func (b *Builder) SetStrategyHook(hook func(strategy string)) {
	b.onStrategy = hook
}

// SetSummaryHook reports the duration of each summarization call.
func (b *Builder) SetSummaryHook(hook func(d time.Duration)) {
	b.onSummary = hook
}

func (b *Builder) noteStrategy(strategy string) {
	if b.onStrategy != nil {
		b.onStrategy(strategy)
	}
}

// Build returns the ordered message list for the next provider call:
// either the last-N raw turns, or {summary as system note} + recent raw
// turns when the session has outgrown the token ceiling. The new visitor
// message is always the final entry.
func (b *Builder) Build(ctx context.Context, sessionID, newMessage string) ([]llm.Message, error) {
	sess, err := b.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if sess.TurnCount == 0 {
		b.noteStrategy("empty")
		return []llm.Message{{Role: llm.RoleUser, Content: newMessage}}, nil
	}

	recent, err := b.store.RecentTurns(ctx, sessionID, b.recentTurns)
	if err != nil {
		return nil, err
	}

	total := EstimateTokens(newMessage)
	for _, t := range recent {
		total += t.TokenEstimate
	}

	if total <= b.tokenCeiling {
		b.noteStrategy("recent")
		return flatten(recent, newMessage), nil
	}

	// A single turn larger than the whole budget cannot be summarized
	// (summarization needs at least two turns of material); pass it through
	// and record the outlier.
	if len(recent) == 1 && recent[0].TokenEstimate > b.tokenCeiling {
		if b.onOutlier != nil {
			b.onOutlier(OutlierEvent{SessionID: sessionID, Seq: recent[0].Seq, TokenEstimate: recent[0].TokenEstimate})
		}
		b.noteStrategy("passthrough")
		return flatten(recent, newMessage), nil
	}

	summary, err := b.ensureSummary(ctx, sess)
	if err != nil {
		return nil, err
	}

	tail, err := b.store.TurnRange(ctx, sessionID, summary.CoversThroughSeq+1, sess.TurnCount)
	if err != nil {
		return nil, err
	}

	msgs := make([]llm.Message, 0, len(tail)*2+2)
	msgs = append(msgs, llm.Message{
		Role:    llm.RoleSystem,
		Content: "Conversation so far (summary): " + summary.Text,
	})
	msgs = append(msgs, flatten(tail, newMessage)...)
	b.noteStrategy("hybrid")
	return msgs, nil
}

// ensureSummary reuses the current summary when it is close enough to the
// tail, otherwise synthesizes and persists a fresh one covering all but the
// last few turns.
func (b *Builder) ensureSummary(ctx context.Context, sess conversation.Session) (conversation.Summary, error) {
	if sess.Summary != nil && sess.TurnCount-sess.Summary.CoversThroughSeq <= summaryReuseSlack {
		return *sess.Summary, nil
	}

	coverThrough := sess.TurnCount - hybridRawTurns
	if coverThrough < 1 {
		coverThrough = 1
	}
	older, err := b.store.TurnRange(ctx, sess.ID, 1, coverThrough)
	if err != nil {
		return conversation.Summary{}, err
	}

	var transcript strings.Builder
	for _, t := range older {
		fmt.Fprintf(&transcript, "Visitor: %s\n", t.UserMessage)
		fmt.Fprintf(&transcript, "Persona: %s\n", t.AssistantMessage)
	}

	started := time.Now()
	resp, err := b.caller.Chat(ctx, llm.Request{
		SystemPrompt: summarizeInstruction,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: transcript.String()}},
		Model:        b.summaryModel,
		Temperature:  0.2,
		MaxTokens:    300,
	})
	if err != nil {
		return conversation.Summary{}, fmt.Errorf("summarize session %s: %w", sess.ID, err)
	}
	if b.onSummary != nil {
		b.onSummary(time.Since(started))
	}

	summary := conversation.Summary{
		Text:             strings.TrimSpace(resp.Text),
		CoversThroughSeq: coverThrough,
		GeneratedAt:      time.Now().UTC(),
	}
	if err := b.store.PutSummary(ctx, sess.ID, summary); err != nil {
		return conversation.Summary{}, fmt.Errorf("store summary: %w", err)
	}
	return summary, nil
}

// flatten renders turns oldest-first as user/assistant pairs, followed by
// the new visitor message. Blocked turns contribute only the redirect the
// visitor actually saw.
func flatten(turns []conversation.Turn, newMessage string) []llm.Message {
	msgs := make([]llm.Message, 0, len(turns)*2+1)
	for _, t := range turns {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: t.UserMessage})
		if t.AssistantMessage != "" {
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: t.AssistantMessage})
		}
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: newMessage})
	return msgs
}
