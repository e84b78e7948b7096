package normalize

import (
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/teammem/internal/event"
)

var (
	decisionPattern = regexp.MustCompile(`(?i)\b(decided|decision|let's use|let's go with|we'll go with|we will go with|we'll use|we will use|going with|opted (?:for|to)|chose to|instead of)\b`)
	resolvedPattern = regexp.MustCompile(`(?i)\b(fixed|resolved|solved|fixes|the fix)\b`)
	problemPattern  = regexp.MustCompile(`(?i)\b(error|errors|bug|bugs|fail|fails|failing|failed|failure|exception|panic|crash|crashes|broken|regression)\b`)
)

// Classify picks the event type for a record. A valid kind hint wins;
// otherwise the text is checked for error-resolution and decision
// language. ok is false for records with no signal.
func Classify(kind, text string) (event.Type, bool) {
	if t, err := event.ParseType(strings.TrimSpace(kind)); err == nil {
		return t, true
	}
	if text == "" {
		return "", false
	}
	if resolvedPattern.MatchString(text) && problemPattern.MatchString(text) {
		return event.TypeErrorResolved, true
	}
	if decisionPattern.MatchString(text) {
		return event.TypeDecision, true
	}
	return "", false
}
