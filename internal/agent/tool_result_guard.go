package agent

import (
	"regexp"
	"strings"
)

// ToolResultGuard bounds and redacts tool results before they enter history.
type ToolResultGuard struct {
	MaxChars       int
	RedactPatterns []string
	RedactionText  string
	TruncateSuffix string
}

func (g ToolResultGuard) active() bool {
	return g.MaxChars > 0 || len(g.RedactPatterns) > 0
}

// Apply returns the guarded result. The image payload is left untouched.
func (g ToolResultGuard) Apply(result *ToolResult) *ToolResult {
	if result == nil || !g.active() {
		return result
	}

	redaction := strings.TrimSpace(g.RedactionText)
	if redaction == "" {
		redaction = "[redacted]"
	}
	suffix := g.TruncateSuffix
	if strings.TrimSpace(suffix) == "" {
		suffix = "\n...[truncated]"
	}

	guarded := *result
	guarded.Output = g.apply(guarded.Output, redaction, suffix)
	guarded.Error = g.apply(guarded.Error, redaction, suffix)
	return &guarded
}

func (g ToolResultGuard) apply(content, redaction, suffix string) string {
	if content == "" {
		return content
	}
	for _, pattern := range g.RedactPatterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		content = re.ReplaceAllString(content, redaction)
	}
	if g.MaxChars > 0 && len(content) > g.MaxChars {
		cut := g.MaxChars
		// keep the cut on a rune boundary
		for cut > 0 && !isRuneStart(content[cut]) {
			cut--
		}
		content = content[:cut] + suffix
	}
	return content
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
