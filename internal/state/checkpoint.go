package state

import (
	"time"
)

// Checkpoint records how far extraction from one tool has progressed.
type Checkpoint struct {
	Tool      string
	LastTS    time.Time
	Cursor    string
	UpdatedAt time.Time
}

// Checkpoints maps tool name to its checkpoint. It is a value passed
// explicitly through a save; nothing reads it from ambient state.
type Checkpoints map[string]Checkpoint

// Since returns the extraction lower bound for tool, or nil to extract everything.
func (c Checkpoints) Since(tool string) *time.Time {
	cp, ok := c[tool]
	if !ok || cp.LastTS.IsZero() {
		return nil
	}
	ts := cp.LastTS
	return &ts
}

// Advance returns a copy of c with each tool's LastTS moved forward to
// latest[tool]. Checkpoints never move backwards.
func (c Checkpoints) Advance(latest map[string]time.Time, now time.Time) Checkpoints {
	out := make(Checkpoints, len(c)+len(latest))
	for k, v := range c {
		out[k] = v
	}
	for tool, ts := range latest {
		cp := out[tool]
		cp.Tool = tool
		if ts.After(cp.LastTS) {
			cp.LastTS = ts.UTC()
			cp.UpdatedAt = now.UTC()
		}
		out[tool] = cp
	}
	return out
}
