package moderation

import (
	"context"
	"sort"

	"github.com/critterchat/critterchat/internal/guardrails"
	"github.com/critterchat/critterchat/internal/policy"
	"github.com/critterchat/critterchat/internal/rules"
)

// Verdict is the pipeline outcome for one message.
type Verdict string

const (
	VerdictApproved  Verdict = "APPROVED"
	VerdictEscalated Verdict = "ESCALATED"
	VerdictBlocked   Verdict = "BLOCKED"
)

const (
	blockThreshold    = 0.7
	escalateThreshold = 0.5
)

// Result is produced fresh per message and never persisted beyond the
// turn's audit fields.
type Result struct {
	Verdict             Verdict
	RiskScore           float64
	TriggeredCategories []string
	RedirectMessage     string
	// Layer names which stage decided: "pattern", "guardrails", "classifier".
	Layer string
}

// SecurityEvent is emitted when the pipeline makes an auditable call, such
// as failing open because the classifier was unreachable.
type SecurityEvent struct {
	Kind    string
	Detail  string
	Message string
}

// Pipeline runs the layered input/output checks.
type Pipeline struct {
	engine     *guardrails.Engine
	classifier Classifier
	onEvent    func(SecurityEvent)
}

func NewPipeline(engine *guardrails.Engine, classifier Classifier) *Pipeline {
	if classifier == nil {
		classifier = NopClassifier{}
	}
	return &Pipeline{engine: engine, classifier: classifier}
}

// SetEventHook registers the audit sink for security events.
func (p *Pipeline) SetEventHook(hook func(SecurityEvent)) {
	p.onEvent = hook
}

// Evaluate runs all three layers against an inbound visitor message,
// short-circuiting on the first block. The pattern layer costs nothing and
// runs first so injection attempts never reach the provider.
func (p *Pipeline) Evaluate(ctx context.Context, message string, active []rules.Rule) Result {
	if d := policy.DecideInput(message); d.Blocked {
		return Result{
			Verdict:             VerdictBlocked,
			RiskScore:           1.0,
			TriggeredCategories: []string{d.Reason},
			RedirectMessage:     RedirectFor(nil),
			Layer:               "pattern",
		}
	}
	return p.evaluateContent(ctx, message, active)
}

// EvaluateReply re-runs the guardrails and classifier layers against the
// assistant's generated text. The pattern layer is input-only.
func (p *Pipeline) EvaluateReply(ctx context.Context, reply string, active []rules.Rule) Result {
	return p.evaluateContent(ctx, reply, active)
}

func (p *Pipeline) evaluateContent(ctx context.Context, text string, active []rules.Rule) Result {
	// Layer 2: deterministic NEVER-term scan.
	if scan := guardrails.ScanText(text, active); scan.Flagged {
		return Result{
			Verdict:             VerdictBlocked,
			RiskScore:           1.0,
			TriggeredCategories: scan.Categories,
			RedirectMessage:     RedirectFor(scan.Categories),
			Layer:               "guardrails",
		}
	}

	// Layer 3: external signal, combined via max().
	scores, err := p.classifier.Classify(ctx, text)
	if err != nil {
		// Fail open: chat availability beats perfect filtering, but every
		// fail-open is auditable.
		p.emit(SecurityEvent{Kind: "classifier_fail_open", Detail: err.Error(), Message: text})
		return Result{Verdict: VerdictApproved, Layer: "classifier"}
	}

	risk := 0.0
	var triggered []string
	for category, score := range scores {
		if score > risk {
			risk = score
		}
		if score >= escalateThreshold {
			triggered = append(triggered, category)
		}
	}
	sort.Strings(triggered)

	switch {
	case risk > blockThreshold:
		return Result{
			Verdict:             VerdictBlocked,
			RiskScore:           risk,
			TriggeredCategories: triggered,
			RedirectMessage:     RedirectFor(triggered),
			Layer:               "classifier",
		}
	case risk >= escalateThreshold:
		p.emit(SecurityEvent{Kind: "escalated", Detail: "risk in review band", Message: text})
		return Result{
			Verdict:             VerdictEscalated,
			RiskScore:           risk,
			TriggeredCategories: triggered,
			Layer:               "classifier",
		}
	default:
		return Result{Verdict: VerdictApproved, RiskScore: risk, Layer: "classifier"}
	}
}

func (p *Pipeline) emit(ev SecurityEvent) {
	if p.onEvent != nil {
		p.onEvent(ev)
	}
}
