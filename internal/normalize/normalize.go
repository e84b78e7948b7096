// Package normalize converts extractor records into canonical events.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/teammem/internal/event"
	"github.com/fyrsmithlabs/teammem/internal/secrets"
)

// MaxSummaryRunes bounds an event summary.
const MaxSummaryRunes = 280

// Drop reasons reported in Stats.Dropped.
const (
	DropMissingTimestamp = "missing_timestamp"
	DropBadTimestamp     = "bad_timestamp"
	DropMissingTool      = "missing_tool"
	DropMissingSourceID  = "missing_source_id"
)

// NormalizationError describes one dropped record.
type NormalizationError struct {
	Tool   string
	Reason string
	Err    error
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize %s record: %s: %v", e.Tool, e.Reason, e.Err)
}

func (e *NormalizationError) Unwrap() error { return e.Err }

// Stats counts what happened to a batch of records.
type Stats struct {
	Records int
	Emitted int
	// Skipped counts conversational records that carry no decision or
	// error-resolution signal.
	Skipped int
	// Dropped counts unusable records by tool and reason.
	Dropped map[string]map[string]int
	// Errors keeps the first few drop causes for logging.
	Errors []*NormalizationError
}

// DroppedTotal sums Dropped.
func (s Stats) DroppedTotal() int {
	n := 0
	for _, reasons := range s.Dropped {
		for _, c := range reasons {
			n += c
		}
	}
	return n
}

func (s *Stats) drop(tool, reason string, err error) {
	if s.Dropped == nil {
		s.Dropped = map[string]map[string]int{}
	}
	if s.Dropped[tool] == nil {
		s.Dropped[tool] = map[string]int{}
	}
	s.Dropped[tool][reason]++
	if len(s.Errors) < 10 {
		s.Errors = append(s.Errors, &NormalizationError{Tool: tool, Reason: reason, Err: err})
	}
}

// Normalizer maps RawRecords to Events.
type Normalizer struct {
	// User stamps events whose record names no user.
	User     string
	Scrubber *secrets.Scrubber
}

// New returns a Normalizer. scrubber may be nil.
func New(user string, scrubber *secrets.Scrubber) *Normalizer {
	return &Normalizer{User: user, Scrubber: scrubber}
}

// Normalize converts records, dropping and counting those that cannot be
// ordered. The result is sorted by (ts, tool, id).
func (n *Normalizer) Normalize(records []event.RawRecord) ([]event.Event, Stats) {
	stats := Stats{Records: len(records)}
	out := make([]event.Event, 0, len(records))

	for _, r := range records {
		tool := strings.TrimSpace(r.Tool)
		if tool == "" {
			stats.drop("unknown", DropMissingTool, event.ErrMissingTool)
			continue
		}
		if len(nonEmpty(r.SourceIDs)) == 0 {
			stats.drop(tool, DropMissingSourceID, event.ErrMissingID)
			continue
		}
		ts, err := event.ParseTimestamp(r.Timestamp)
		if err != nil {
			reason := DropBadTimestamp
			if errors.Is(err, event.ErrMissingTimestamp) {
				reason = DropMissingTimestamp
			}
			stats.drop(tool, reason, err)
			continue
		}

		typ, ok := Classify(r.Kind, r.Text)
		if !ok {
			stats.Skipped++
			continue
		}

		user := strings.TrimSpace(r.User)
		if user == "" {
			user = n.User
		}
		out = append(out, event.Event{
			ID:      StableID(tool, r.SourceIDs...),
			TS:      ts,
			Type:    typ,
			Tool:    tool,
			User:    user,
			Summary: n.summary(r.Text),
			Files:   dedupe(r.Files),
		})
	}

	event.Sort(out)
	stats.Emitted = len(out)
	return out, stats
}

// StableID derives an event id from source identifiers so re-extracting
// the same record always yields the same id.
func StableID(tool string, sourceIDs ...string) string {
	h := sha256.New()
	h.Write([]byte(tool))
	for _, id := range sourceIDs {
		h.Write([]byte{0})
		h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil))[:24]
}

var whitespace = regexp.MustCompile(`\s+`)

func (n *Normalizer) summary(text string) string {
	s := strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	s = n.Scrubber.Scrub(s)
	return Truncate(s, MaxSummaryRunes)
}

// Truncate shortens s to at most max runes, marking the cut with an ellipsis.
func Truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max-1])) + "…"
}

func dedupe(files []string) []string {
	if len(files) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(files))
	out := make([]string, 0, len(files))
	for _, f := range files {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func nonEmpty(ids []string) []string {
	var out []string
	for _, id := range ids {
		if strings.TrimSpace(id) != "" {
			out = append(out, id)
		}
	}
	return out
}
