package executor

import (
	"regexp"
	"strings"
)

// DefaultMaxResultChars bounds a single tool result's stored size
// (64KB) before it's truncated, guarding against memory exhaustion and
// excessive event-log storage costs.
const DefaultMaxResultChars = 64 * 1024

// secretPatterns detects common credential shapes so they never make
// it into a persisted TOOL_RESULT, regardless of what the tool itself
// returned.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*['"]?[\w-]{20,}['"]?`),
	regexp.MustCompile(`(?i)bearer\s+[\w-.]+`),
	regexp.MustCompile(`(?i)(aws|amazon).*?(key|secret|token)\s*[:=]\s*['"]?[\w/+=]{20,}['"]?`),
	regexp.MustCompile(`(?i)(password|passwd|secret|token)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`),
	regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`),
}

// Guard redacts secrets and truncates oversized content from a tool
// result before it is appended to the event log as TOOL_RESULT data.
type Guard struct {
	MaxChars       int
	SanitizeSecrets bool
	RedactionText  string
	TruncateSuffix string
}

// DefaultGuard applies the 64KB cap and builtin secret redaction.
func DefaultGuard() Guard {
	return Guard{MaxChars: DefaultMaxResultChars, SanitizeSecrets: true}
}

// Apply redacts and truncates content, returning the sanitized form.
func (g Guard) Apply(content string) string {
	redaction := strings.TrimSpace(g.RedactionText)
	if redaction == "" {
		redaction = "[REDACTED]"
	}
	suffix := strings.TrimSpace(g.TruncateSuffix)
	if suffix == "" {
		suffix = "...[truncated]"
	}

	if g.SanitizeSecrets {
		for _, re := range secretPatterns {
			content = re.ReplaceAllString(content, redaction)
		}
	}

	if g.MaxChars > 0 && len(content) > g.MaxChars {
		content = content[:g.MaxChars] + suffix
	}
	return content
}
