package moderation

// Kid-safe redirect lines, chosen by triggered category. Raw moderation
// details are never shown to visitors.
var redirectMessages = map[string]string{
	"personal_information": "Let's keep names and addresses private, like squirrels hiding acorns! What animal should we explore instead?",
	"violence":             "That's a bit too scary for our chat. Want to hear how animals protect themselves in clever, gentle ways?",
	"adult_content":        "That's a grown-up topic! I'd much rather tell you something amazing about the animal kingdom.",
	"offsite_contact":      "I can only chat with you right here. But I have so many animal stories to share!",
	"self_harm":            "I care about how you're feeling. It's a good idea to talk to a trusted grown-up. Meanwhile, can I tell you something wonderful about animals?",
}

const defaultRedirect = "Hmm, let's talk about something else! Did you know every animal has an amazing story? Ask me about one!"

// RedirectFor picks the kid-safe reply for the first triggered category.
func RedirectFor(categories []string) string {
	for _, c := range categories {
		if msg, ok := redirectMessages[c]; ok {
			return msg
		}
	}
	return defaultRedirect
}
