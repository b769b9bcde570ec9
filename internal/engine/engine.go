package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/critterchat/critterchat/internal/conversation"
	"github.com/critterchat/critterchat/internal/guardrails"
	"github.com/critterchat/critterchat/internal/llm"
	"github.com/critterchat/critterchat/internal/moderation"
	"github.com/critterchat/critterchat/internal/persona"
	"github.com/critterchat/critterchat/internal/policy"
	"github.com/critterchat/critterchat/internal/prompt"
	"github.com/critterchat/critterchat/internal/session"
)

// Caller is the dispatcher surface the engine needs for reply generation.
type Caller interface {
	Chat(ctx context.Context, req llm.Request) (llm.Response, error)
	StreamChat(ctx context.Context, req llm.Request, onDelta llm.DeltaHandler) (llm.Response, error)
}

// Event is an auditable non-fatal condition hit while serving a turn.
type Event struct {
	Kind      string
	SessionID string
	Detail    string
}

// TurnResult is what the transport layer renders back to the visitor.
type TurnResult struct {
	SessionID string
	Seq       int
	Reply     string
	Blocked   bool
	Verdict   moderation.Verdict
	RiskScore float64
	// Categories that triggered moderation, when any did.
	Categories []string
	// Incomplete marks a partially streamed or fallback reply.
	Incomplete bool
	// Degraded marks a turn served without rules, context, or the provider.
	Degraded bool
}

// Engine runs the full turn pipeline: per-session serialization, input
// moderation, guardrail compilation, context assembly, provider dispatch,
// output moderation, and persistence. Every safety check happens here so
// transports stay dumb.
type Engine struct {
	sessions *session.Manager
	store    conversation.Store
	guard    *guardrails.Engine
	pipeline *moderation.Pipeline
	builder  *prompt.Builder
	caller   Caller

	onEvent func(Event)
	onTurn  func(TurnResult)
	onStage func(stage string, d time.Duration)
}

func New(
	sessions *session.Manager,
	store conversation.Store,
	guard *guardrails.Engine,
	pipeline *moderation.Pipeline,
	builder *prompt.Builder,
	caller Caller,
) *Engine {
	return &Engine{
		sessions: sessions,
		store:    store,
		guard:    guard,
		pipeline: pipeline,
		builder:  builder,
		caller:   caller,
	}
}

// SetEventHook registers the audit sink for degraded-path events.
func (e *Engine) SetEventHook(hook func(Event)) { e.onEvent = hook }

// SetTurnHook registers a callback invoked after every completed turn.
func (e *Engine) SetTurnHook(hook func(TurnResult)) { e.onTurn = hook }

// SetStageHook registers a sink for per-stage turn latencies.
func (e *Engine) SetStageHook(hook func(stage string, d time.Duration)) { e.onStage = hook }

func (e *Engine) observe(stage string, started time.Time) {
	if e.onStage != nil {
		e.onStage(stage, time.Since(started))
	}
}

// StartSession creates a session bound to the named persona. An unknown or
// empty persona id falls back to the default character rather than failing.
func (e *Engine) StartSession(ctx context.Context, personaID string) (conversation.Session, persona.Persona, error) {
	p := persona.Lookup(personaID)
	sess := conversation.Session{
		ID:        uuid.NewString(),
		PersonaID: p.ID,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		return conversation.Session{}, persona.Persona{}, err
	}
	return sess, p, nil
}

// Session returns the stored session record.
func (e *Engine) Session(ctx context.Context, sessionID string) (conversation.Session, error) {
	return e.store.GetSession(ctx, sessionID)
}

// PostTurn handles one buffered visitor message end to end.
func (e *Engine) PostTurn(ctx context.Context, sessionID, message string) (TurnResult, error) {
	return e.postTurn(ctx, sessionID, message, nil)
}

// PostTurnStream is PostTurn with deltas forwarded as they arrive. Blocked
// and fallback replies are never streamed; they come back only in the result.
func (e *Engine) PostTurnStream(ctx context.Context, sessionID, message string, onDelta llm.DeltaHandler) (TurnResult, error) {
	return e.postTurn(ctx, sessionID, message, onDelta)
}

func (e *Engine) postTurn(ctx context.Context, sessionID, message string, onDelta llm.DeltaHandler) (TurnResult, error) {
	release, err := e.sessions.Acquire(ctx, sessionID)
	if err != nil {
		return TurnResult{}, err
	}
	defer release()

	turnStart := time.Now()
	defer e.observe("turn_total", turnStart)

	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return TurnResult{}, err
	}
	char := persona.Lookup(sess.PersonaID)

	// Contact details are stripped before anything downstream sees the text,
	// so neither the provider nor the turn log ever holds them.
	redacted, _ := policy.RedactPII(message)

	result := TurnResult{SessionID: sessionID}

	active, rulesErr := e.guard.ActiveRules(ctx)
	systemPrompt := e.guard.Compile(char.Identity, active)
	if rulesErr != nil {
		// Serve with the minimal fixed prompt rather than refuse the turn.
		systemPrompt = guardrails.CompileFallback(char.Identity)
		result.Degraded = true
		e.emit(Event{Kind: "rules_unavailable", SessionID: sessionID, Detail: rulesErr.Error()})
	}

	modStart := time.Now()
	in := e.pipeline.Evaluate(ctx, redacted, active)
	e.observe("moderation_input", modStart)
	if in.Verdict == moderation.VerdictBlocked {
		result.Blocked = true
		result.Verdict = in.Verdict
		result.RiskScore = in.RiskScore
		result.Categories = in.TriggeredCategories
		result.Reply = in.RedirectMessage
		result.Seq = e.appendTurn(ctx, conversation.Turn{
			SessionID:        sessionID,
			UserMessage:      redacted,
			AssistantMessage: in.RedirectMessage,
			Blocked:          true,
			RiskScore:        in.RiskScore,
			TokenEstimate:    prompt.EstimateTokens(redacted + in.RedirectMessage),
		})
		e.finish(result)
		return result, nil
	}

	buildStart := time.Now()
	msgs, buildErr := e.builder.Build(ctx, sessionID, redacted)
	e.observe("context_build", buildStart)
	if buildErr != nil {
		// History is an enhancement; a storage failure degrades to a
		// context-free turn instead of an error.
		msgs = []llm.Message{{Role: llm.RoleUser, Content: redacted}}
		result.Degraded = true
		e.emit(Event{Kind: "context_unavailable", SessionID: sessionID, Detail: buildErr.Error()})
	}

	callStart := time.Now()
	resp, callErr := e.call(ctx, llm.Request{SystemPrompt: systemPrompt, Messages: msgs}, onDelta)
	e.observe("provider_call", callStart)
	if callErr != nil {
		if ctx.Err() != nil {
			// Only a dead parent context means the visitor is gone. Stream
			// watchdog aborts also wrap cancellation, and those must keep
			// whatever text already went out.
			return TurnResult{}, ctx.Err()
		}
		if resp.Text != "" {
			// Chunks already reached the visitor; keep what was said.
			result.Incomplete = true
			e.emit(Event{Kind: "stream_interrupted", SessionID: sessionID, Detail: callErr.Error()})
		} else {
			resp.Text = char.FallbackReply
			result.Incomplete = true
			result.Degraded = true
			e.emit(Event{Kind: "provider_unavailable", SessionID: sessionID, Detail: callErr.Error()})
		}
	}

	reply := resp.Text
	outStart := time.Now()
	out := e.pipeline.EvaluateReply(ctx, reply, active)
	e.observe("moderation_output", outStart)
	result.Verdict = out.Verdict
	result.RiskScore = maxScore(in.RiskScore, out.RiskScore)
	result.Categories = out.TriggeredCategories
	if out.Verdict == moderation.VerdictBlocked {
		// The visitor only ever sees the redirect, and only the redirect is
		// recorded as what the persona said.
		reply = out.RedirectMessage
		result.Blocked = true
		result.Incomplete = false
	} else if in.Verdict == moderation.VerdictEscalated && out.Verdict == moderation.VerdictApproved {
		result.Verdict = in.Verdict
		result.Categories = in.TriggeredCategories
	}

	result.Reply = reply
	result.Seq = e.appendTurn(ctx, conversation.Turn{
		SessionID:        sessionID,
		UserMessage:      redacted,
		AssistantMessage: reply,
		Blocked:          result.Blocked,
		Incomplete:       result.Incomplete,
		RiskScore:        result.RiskScore,
		TokenEstimate:    prompt.EstimateTokens(redacted + reply),
	})
	e.finish(result)
	return result, nil
}

func (e *Engine) call(ctx context.Context, req llm.Request, onDelta llm.DeltaHandler) (llm.Response, error) {
	if onDelta == nil {
		return e.caller.Chat(ctx, req)
	}
	return e.caller.StreamChat(ctx, req, onDelta)
}

// appendTurn persists the turn, trading durability for availability: a
// write failure is audited and the reply still goes out.
func (e *Engine) appendTurn(ctx context.Context, turn conversation.Turn) int {
	stored, err := e.store.AppendTurn(ctx, turn)
	if err != nil {
		e.emit(Event{Kind: "persist_failed", SessionID: turn.SessionID, Detail: err.Error()})
		return 0
	}
	return stored.Seq
}

func (e *Engine) emit(ev Event) {
	if e.onEvent != nil {
		e.onEvent(ev)
	}
}

func (e *Engine) finish(result TurnResult) {
	if e.onTurn != nil {
		e.onTurn(result)
	}
}

func maxScore(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
