package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// redactRule rewrites one secret shape. Rules with a captured prefix keep it
// so the redacted text still says what was hidden.
type redactRule struct {
	re   *regexp.Regexp
	repl string
}

var redactRules = []redactRule{
	// key=value and key: value pairs, including webhook tokens and headers.
	{regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|webhook[_-]?token|x-webhook-token|bearer)\s*[:=]\s*"?)[A-Za-z0-9_\-./+=]{16,}`), "${1}" + redactedPlaceholder},
	{regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), "${1}" + redactedPlaceholder},
	{regexp.MustCompile(`(?i)((?:token|secret)\s*[:=]\s*"?)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`), "${1}" + redactedPlaceholder},
	// Provider keys: Google, Anthropic, OpenAI and OpenRouter.
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), redactedPlaceholder},
	{regexp.MustCompile(`sk-(?:ant-|or-v1-|or-|proj-)?[A-Za-z0-9_\-]{20,}`), redactedPlaceholder},
	// Telegram bot tokens.
	{regexp.MustCompile(`\b[0-9]{8,10}:[A-Za-z0-9_\-]{35}\b`), redactedPlaceholder},
}

// Redact hides credentials in free text. It runs over log values, audit
// fields, notification bodies and stored execution errors.
func Redact(input string) string {
	if input == "" {
		return input
	}
	for _, rule := range redactRules {
		input = rule.re.ReplaceAllString(input, rule.repl)
	}
	return input
}

var sensitiveKeyParts = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer", "credential"}

// SensitiveKey reports whether a field or variable name usually holds a
// credential, in which case its value is dropped rather than scanned.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}
