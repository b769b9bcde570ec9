package guardrails

import (
	"sort"
	"strings"
	"unicode"

	"github.com/critterchat/critterchat/internal/rules"
)

// ScanResult reports NEVER-category matches found in a piece of text.
type ScanResult struct {
	Flagged    bool
	Categories []string
}

// ScanText is the cheap deterministic backstop run against generated output
// (and against input in the moderation pipeline). Prompt-injected rules are
// probabilistic; this keyword pass is not.
func ScanText(text string, active []rules.Rule) ScanResult {
	folded := foldWords(text)
	if len(folded) == 0 {
		return ScanResult{}
	}

	hits := make(map[string]bool)
	for _, r := range active {
		if r.Type != rules.TypeNever {
			continue
		}
		for _, term := range scanTerms(r) {
			if folded[term] {
				hits[r.Category] = true
				break
			}
		}
	}
	if len(hits) == 0 {
		return ScanResult{}
	}

	categories := make([]string, 0, len(hits))
	for c := range hits {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	return ScanResult{Flagged: true, Categories: categories}
}

// scanTerms returns the trigger vocabulary for a NEVER rule. Built-in
// categories carry a curated word list; deriving terms from the directive
// text would turn ordinary words like "information" or "school" into
// blockers. Admin-defined categories fall back to their own distinctive
// name tokens.
func scanTerms(r rules.Rule) []string {
	category := strings.ToLower(r.Category)
	if terms, ok := categoryTerms[category]; ok {
		return terms
	}
	var terms []string
	for _, tok := range strings.Split(category, "_") {
		if len(tok) >= 4 && !commonWords[tok] {
			terms = append(terms, tok)
		}
	}
	return terms
}

// categoryTerms maps the built-in NEVER categories to whole-word triggers.
// Every entry must be specific enough that a benign animal question cannot
// contain it.
var categoryTerms = map[string][]string{
	"violence": {
		"weapon", "weapons", "gun", "guns", "knife", "knives",
		"kill", "killing", "fight", "fighting", "violence", "violent",
	},
	"personal_information": {
		"address", "password", "passwords",
	},
	"adult_content": {
		"romance", "romantic", "dating", "kissing", "naked",
	},
	"offsite_contact": {
		"whatsapp", "snapchat", "instagram", "tiktok", "discord",
		"telegram", "facetime", "meetup",
	},
}

func foldWords(text string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.TrimFunc(w, func(c rune) bool { return !unicode.IsLetter(c) })
		if w != "" {
			out[w] = true
		}
	}
	return out
}

// commonWords keeps everyday category-name tokens from becoming triggers
// for custom categories ("sharing_information" must not block "information").
var commonWords = map[string]bool{
	"information": true, "content": true, "contact": true, "personal": true,
	"sharing": true, "other": true, "topics": true, "safety": true,
	"general": true, "adult": true,
}
