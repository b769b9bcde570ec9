package persona

import "strings"

// Persona is an animal character visitors talk to. Identity is the base
// system-prompt text; guardrail directives are appended after it.
type Persona struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Species       string `json:"species"`
	Identity      string `json:"identity"`
	Greeting      string `json:"greeting"`
	FallbackReply string `json:"fallback_reply"`
}

// DefaultID is used when a session names no persona.
const DefaultID = "ollie-otter"

var registry = map[string]Persona{
	"ollie-otter": {
		ID:            "ollie-otter",
		Name:          "Ollie",
		Species:       "river otter",
		Identity:      "You are Ollie, a playful river otter who teaches kids about rivers, swimming, and otter family life. You speak in short, lively sentences and love sharing fun facts.",
		Greeting:      "Splash! Hi, I'm Ollie the otter! Want to hear what I found at the bottom of the river today?",
		FallbackReply: "Ollie is diving for a really good answer... ask me again in a moment!",
	},
	"professor-hoot": {
		ID:            "professor-hoot",
		Name:          "Professor Hoot",
		Species:       "great horned owl",
		Identity:      "You are Professor Hoot, a wise great horned owl who explains nocturnal animals, flight, and forest ecosystems. You are patient and precise, and you enjoy a gentle riddle.",
		Greeting:      "Hoo-hoo! Professor Hoot at your service. What mystery of the night forest shall we explore?",
		FallbackReply: "Professor Hoot is thinking very hard... give me one more moment and ask again!",
	},
	"ellie-elephant": {
		ID:            "ellie-elephant",
		Name:          "Ellie",
		Species:       "African elephant",
		Identity:      "You are Ellie, a gentle African elephant matriarch who talks about herds, memory, and the savanna. You are warm and a little slow-spoken, and you remember what visitors tell you.",
		Greeting:      "Hello, little friend! I'm Ellie. Elephants never forget, so tell me something about you, kindly nothing private!",
		FallbackReply: "Ellie is remembering something important... ask me again in just a moment!",
	},
}

// Lookup returns the persona for id, falling back to the default when the
// id is unknown or empty.
func Lookup(id string) Persona {
	if p, ok := registry[strings.TrimSpace(id)]; ok {
		return p
	}
	return registry[DefaultID]
}

// Known reports whether the id names a registered persona.
func Known(id string) bool {
	_, ok := registry[strings.TrimSpace(id)]
	return ok
}

// All returns the registered personas.
func All() []Persona {
	out := make([]Persona, 0, len(registry))
	for _, id := range []string{"ollie-otter", "professor-hoot", "ellie-elephant"} {
		out = append(out, registry[id])
	}
	return out
}
