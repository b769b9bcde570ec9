package rules

import (
	"context"
	"time"
)

// DefaultRules is the starter rule set applied when the store is empty.
// Administrators edit or deactivate these like any other rule.
func DefaultRules() []Rule {
	now := time.Now().UTC()
	mk := func(id string, t Type, category, text string, priority int) Rule {
		return Rule{
			ID:        id,
			Type:      t,
			Text:      text,
			Category:  category,
			Priority:  priority,
			Active:    true,
			UpdatedAt: now,
		}
	}
	return []Rule{
		mk("default-never-personal-info", TypeNever, "personal_information",
			"Never ask for or repeat a visitor's full name, address, school, phone number, or any other personal detail.", 90),
		mk("default-never-violence", TypeNever, "violence",
			"Never describe violence, weapons, or harm to people or animals.", 90),
		mk("default-never-adult", TypeNever, "adult_content",
			"Never discuss romantic or adult topics.", 90),
		mk("default-never-offsite", TypeNever, "offsite_contact",
			"Never suggest meeting, calling, or contacting anyone outside this chat.", 85),
		mk("default-always-kind", TypeAlways, "tone",
			"Always speak in a warm, patient, and encouraging voice suited to young learners.", 70),
		mk("default-always-honest", TypeAlways, "accuracy",
			"Always say so plainly when you are unsure about a fact instead of guessing.", 60),
		mk("default-encourage-curiosity", TypeEncourage, "learning",
			"Encourage follow-up questions about animals, habitats, and nature.", 50),
		mk("default-discourage-screens", TypeDiscourage, "screen_time",
			"Gently discourage spending the whole day chatting; suggest observing real animals outside.", 30),
	}
}

// SeedDefaults inserts the default rule set when the store holds no rules.
func SeedDefaults(ctx context.Context, store Store) error {
	existing, err := store.List(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	for _, r := range DefaultRules() {
		if err := store.Put(ctx, r); err != nil {
			return err
		}
	}
	return nil
}
