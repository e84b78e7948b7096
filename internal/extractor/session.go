package extractor

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/fyrsmithlabs/teammem/internal/event"
)

// Session accumulates one tool session while its records are read. It
// emits a "session" record spanning the whole conversation plus the
// individual message records the normalizer classifies.
type Session struct {
	Tool     string
	ID       string
	RepoRoot string

	title    string
	last     time.Time
	files    []string
	seen     map[string]struct{}
	messages []event.RawRecord
}

// NewSession starts a session for tool with the tool's session id.
func NewSession(tool, id, repoRoot string) *Session {
	return &Session{Tool: tool, ID: id, RepoRoot: repoRoot, seen: map[string]struct{}{}}
}

// AddMessage records one message. ts is the raw source timestamp.
func (s *Session) AddMessage(sourceID, ts, role, text string, files []string) {
	text = strings.TrimSpace(text)
	if parsed, err := event.ParseTimestamp(ts); err == nil && parsed.After(s.last) {
		s.last = parsed
	}
	if s.title == "" && role == "user" && text != "" {
		s.title = text
	}
	rel := s.AddFiles(files...)
	if text == "" && len(rel) == 0 {
		return
	}
	s.messages = append(s.messages, event.RawRecord{
		Tool:      s.Tool,
		SourceIDs: []string{s.ID, sourceID},
		Timestamp: ts,
		Role:      role,
		Text:      text,
		Files:     rel,
	})
}

// Touch moves the session's last-activity time forward.
func (s *Session) Touch(ts time.Time) {
	if ts.After(s.last) {
		s.last = ts
	}
}

// SetTitle overrides the first-prompt title.
func (s *Session) SetTitle(title string) {
	if title = strings.TrimSpace(title); title != "" {
		s.title = title
	}
}

// AddFiles adds paths to the session file list and returns them repo-relative.
func (s *Session) AddFiles(paths ...string) []string {
	var out []string
	for _, p := range paths {
		p = RelPath(s.RepoRoot, p)
		if p == "" {
			continue
		}
		out = append(out, p)
		if _, ok := s.seen[p]; !ok {
			s.seen[p] = struct{}{}
			s.files = append(s.files, p)
		}
	}
	return out
}

// Empty reports whether nothing usable was recorded.
func (s *Session) Empty() bool {
	return len(s.messages) == 0 && s.title == ""
}

// Records returns the session record and message records newer than since.
// The session record carries the last-activity time so a growing session
// re-emits under the same id with a later ts.
func (s *Session) Records(since *time.Time) []event.RawRecord {
	var out []event.RawRecord
	if !s.last.IsZero() && After(s.last, since) && !s.Empty() {
		out = append(out, event.RawRecord{
			Tool:      s.Tool,
			SourceIDs: []string{s.ID, "session"},
			Timestamp: event.FormatTimestamp(s.last),
			Kind:      string(event.TypeSession),
			Role:      "user",
			Text:      s.title,
			Files:     append([]string(nil), s.files...),
		})
	}
	for _, m := range s.messages {
		ts, err := event.ParseTimestamp(m.Timestamp)
		if err != nil || After(ts, since) {
			out = append(out, m)
		}
	}
	return out
}

// RelPath makes p relative to root when it lies inside it.
func RelPath(root, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || root == "" || !filepath.IsAbs(p) {
		return filepath.ToSlash(p)
	}
	rel, err := filepath.Rel(root, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(rel)
}

// Within reports whether dir is root or lies below it.
func Within(root, dir string) bool {
	if root == "" || dir == "" {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(dir))
	return err == nil && rel != ".." && !strings.HasPrefix(rel, "../")
}
