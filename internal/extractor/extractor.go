// Package extractor defines the capability set every AI-tool extractor
// implements, plus helpers shared by the concrete variants in its
// subpackages. Extractors only read; none of them writes to a tool's storage.
package extractor

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/teammem/internal/event"
)

// Extractor reads one AI tool's native session storage.
type Extractor interface {
	// Name is the tool name stamped on every record.
	Name() string

	// IsInstalled reports whether the tool's data directory exists.
	IsInstalled(ctx context.Context) bool

	// IsActive reports whether the tool has session state for repoRoot.
	IsActive(ctx context.Context, repoRoot string) bool

	// Extract returns records for repoRoot with a timestamp after since,
	// or every record when since is nil. Records whose timestamp cannot be
	// read are still returned so the normalizer can count them.
	Extract(ctx context.Context, repoRoot string, since *time.Time) ([]event.RawRecord, error)
}

// Watchable is implemented by extractors whose sessions live in
// directories a file watcher can observe for new activity.
type Watchable interface {
	WatchPaths(repoRoot string) []string
}

// ExtractionError wraps a failure reading one tool's storage.
type ExtractionError struct {
	Tool string
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Tool, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Wrap returns err as an *ExtractionError for tool, or nil.
func Wrap(tool string, err error) error {
	if err == nil {
		return nil
	}
	return &ExtractionError{Tool: tool, Err: err}
}

// After reports whether ts is strictly after since. A nil since admits everything.
func After(ts time.Time, since *time.Time) bool {
	return since == nil || ts.After(*since)
}
