package policy

import "regexp"

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	handlePattern = regexp.MustCompile(`(^|\s)@[a-zA-Z0-9_.]{3,30}\b`)
)

// RedactPII masks common high-risk PII patterns before a message is
// persisted. Visitors are often children, so social handles are masked too.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Run card redaction before phone to avoid card numbers being classified as phone.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	next = handlePattern.ReplaceAllString(out, "$1[REDACTED_HANDLE]")
	changed = changed || next != out
	out = next

	return out, changed
}
