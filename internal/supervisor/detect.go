package supervisor

import "strings"

// RateLimitPatterns are the lower-case substrings that mark a provider error as
// a rate limit, quota or overload condition.
var RateLimitPatterns = []string{
	"rate limit",
	"rate_limit",
	"quota",
	"429",
	"too many requests",
	"overloaded",
	"overload",
	"capacity",
	"throttl",
	"resource_exhausted",
	"server_busy",
	"service_unavailable",
	"503",
	"529",
}

// Classifier extends the built-in checks. A true result widens a check; it can
// never narrow one.
type Classifier interface {
	IsRateLimit(message, code string) bool
	IsCodeAction(intent string) bool
}

// Detector classifies provider errors.
type Detector struct {
	patterns   []string
	classifier Classifier
}

// NewDetector returns a detector using RateLimitPatterns plus extra, which must
// already be lower-case. classifier may be nil.
func NewDetector(extra []string, classifier Classifier) *Detector {
	patterns := make([]string, 0, len(RateLimitPatterns)+len(extra))
	patterns = append(patterns, RateLimitPatterns...)
	patterns = append(patterns, extra...)
	return &Detector{patterns: patterns, classifier: classifier}
}

// IsRateLimit reports whether err looks like a rate limit. Message and code are
// compared case-insensitively; a nil error is never a rate limit.
func (d *Detector) IsRateLimit(err *LLMError) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Message)
	code := strings.ToLower(err.Code)
	for _, p := range d.patterns {
		if strings.Contains(msg, p) || strings.Contains(code, p) {
			return true
		}
	}
	return d.classifier != nil && d.classifier.IsRateLimit(err.Message, err.Code)
}

// IsCodeAction reports whether intent is one of intents, which must already be
// lower-case, or is claimed by classifier.
func IsCodeAction(intent string, intents []string, classifier Classifier) bool {
	normalized := strings.ToLower(strings.TrimSpace(intent))
	if normalized == "" {
		return false
	}
	for _, candidate := range intents {
		if normalized == candidate {
			return true
		}
	}
	return classifier != nil && classifier.IsCodeAction(intent)
}

// ContainsPhrase reports whether message contains phrase. An empty phrase is
// never contained.
func ContainsPhrase(message, phrase string, caseSensitive bool) bool {
	if phrase == "" {
		return false
	}
	if caseSensitive {
		return strings.Contains(message, phrase)
	}
	return strings.Contains(strings.ToLower(message), strings.ToLower(phrase))
}
