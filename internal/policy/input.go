package policy

import (
	"regexp"
	"strings"
)

// InputDecision is the verdict of the zero-cost pattern layer. Blocked
// messages never reach the guardrails scan or the external classifier.
type InputDecision struct {
	Blocked bool
	Reason  string
}

const (
	// MinMessageChars rejects empty or single-character noise.
	MinMessageChars = 2
	// MaxMessageChars bounds a single visitor message; anything larger is
	// either paste spam or an attempt to flood the context window.
	MaxMessageChars = 2000
)

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bignore\s+(all\s+|any\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?|directions?)\b`),
	regexp.MustCompile(`(?i)\b(disregard|forget|override)\s+(your|the|all)\s+(instructions?|rules?|guidelines?|system\s+prompt)\b`),
	regexp.MustCompile(`(?i)\b(reveal|show|print|repeat|tell\s+me)\b.{0,40}\b(system\s+prompt|instructions?|hidden\s+rules?)\b`),
	regexp.MustCompile(`(?i)\byou\s+are\s+(now|no\s+longer)\s+`),
	regexp.MustCompile(`(?i)\b(pretend|act\s+as\s+if|roleplay)\b.{0,40}\b(no\s+rules?|without\s+(any\s+)?restrictions?|unfiltered)\b`),
	regexp.MustCompile(`(?i)\bjailbreak\b`),
	regexp.MustCompile(`(?i)\bdeveloper\s+mode\b`),
	// Delimiter tokens mimicking chat-role framing.
	regexp.MustCompile(`(?i)(<\|?(system|assistant|im_start|im_end)\|?>|\[/?(SYSTEM|INST)\]|^\s*(system|assistant)\s*:)`),
	regexp.MustCompile("```\\s*(system|assistant)"),
}

// DecideInput runs the pattern layer against a raw visitor message.
func DecideInput(message string) InputDecision {
	trimmed := strings.TrimSpace(message)
	if len(trimmed) < MinMessageChars {
		return InputDecision{Blocked: true, Reason: "message_too_short"}
	}
	if len(trimmed) > MaxMessageChars {
		return InputDecision{Blocked: true, Reason: "message_too_long"}
	}

	for _, re := range injectionPatterns {
		if re.MatchString(trimmed) {
			return InputDecision{Blocked: true, Reason: "prompt_injection"}
		}
	}

	return InputDecision{}
}
