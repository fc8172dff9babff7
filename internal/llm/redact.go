package llm

import "regexp"

var (
	secretAssignRe = regexp.MustCompile(`(?i)(api[_-]?key|password|token|authorization|secret)\s*[:=]\s*\S+`)
	skKeyRe        = regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{8,}\b`)
)

// Redact masks credential-looking fragments so error text and prompts can be
// logged safely.
func Redact(s string) string {
	if s == "" {
		return s
	}
	out := secretAssignRe.ReplaceAllString(s, "$1=***")
	out = skKeyRe.ReplaceAllString(out, "sk-***")
	return out
}
