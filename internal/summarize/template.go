package summarize

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/teammem/internal/event"
)

const (
	smallLimit = 5
	// eventFence opens the machine-readable block in the large tier.
	eventFence = "```teammem-events"
	closeFence = "```"
)

// ErrNoEventBlock is returned by ParseLarge for a document without an event block.
var ErrNoEventBlock = errors.New("large document has no event block")

// Template is the deterministic summarizer used when no backend is
// configured or the backend fails. Output depends only on the request.
type Template struct{}

func (Template) Summarize(_ context.Context, req Request) (Tiers, error) {
	return Tiers{Small: RenderSmall(req), Medium: RenderMedium(req)}, nil
}

// RenderSmall is the current-state tier: latest decisions, fixes and sessions.
func RenderSmall(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s: current state\n\n", title(req.ProjectName))
	if len(req.Events) == 0 {
		b.WriteString("No activity captured yet.\n")
		return b.String()
	}
	last := req.Events[len(req.Events)-1]
	fmt.Fprintf(&b, "_Last activity %s, %d events in window._\n", last.TS.Format("2006-01-02 15:04 MST"), len(req.Events))

	for _, typ := range []event.Type{event.TypeDecision, event.TypeErrorResolved, event.TypeSession} {
		recent := latest(req.Events, typ, smallLimit)
		if len(recent) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n\n", heading(typ, true))
		for _, e := range recent {
			fmt.Fprintf(&b, "- %s %s\n", e.TS.Format("2006-01-02 15:04"), line(e))
		}
	}
	return b.String()
}

// RenderMedium is the history tier: the window grouped by day, then type.
func RenderMedium(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s: history\n", title(req.ProjectName))
	if len(req.Events) == 0 {
		b.WriteString("\nNo activity captured yet.\n")
		return b.String()
	}
	writeByDay(&b, req.Events)
	return b.String()
}

// RenderLarge renders the full log for humans, followed by a fenced block
// holding one JSON event per line. The block is what later syncs merge
// against, so it must list every event in log order.
func RenderLarge(projectName string, log []event.Event) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s: full log\n", title(projectName))
	if len(log) == 0 {
		b.WriteString("\nNo activity captured yet.\n")
	} else {
		writeByDay(&b, log)
	}

	b.WriteString("\n## Event log\n\n")
	b.WriteString(eventFence + "\n")
	for _, e := range log {
		raw, err := json.Marshal(e)
		if err != nil {
			return "", fmt.Errorf("encode event %s: %w", e.Key(), err)
		}
		b.Write(raw)
		b.WriteByte('\n')
	}
	b.WriteString(closeFence + "\n")
	return b.String(), nil
}

// ParseLarge recovers the event log from a large-tier document.
func ParseLarge(doc string) ([]event.Event, error) {
	scanner := bufio.NewScanner(strings.NewReader(doc))
	scanner.Buffer(make([]byte, 64*1024), 4<<20)

	inBlock, closed := false, false
	var events []event.Event
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		text := scanner.Text()
		if !inBlock {
			inBlock = strings.TrimSpace(text) == eventFence
			continue
		}
		if strings.TrimSpace(text) == closeFence {
			closed = true
			break
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		var e event.Event
		if err := json.Unmarshal([]byte(text), &e); err != nil {
			return nil, fmt.Errorf("event block line %d: %w", lineNo, err)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !inBlock || !closed {
		return nil, ErrNoEventBlock
	}
	event.Sort(events)
	return events, nil
}

func writeByDay(b *strings.Builder, events []event.Event) {
	var days []string
	byDay := map[string][]event.Event{}
	for _, e := range events {
		d := e.TS.UTC().Format("2006-01-02")
		if _, ok := byDay[d]; !ok {
			days = append(days, d)
		}
		byDay[d] = append(byDay[d], e)
	}
	for _, d := range days {
		fmt.Fprintf(b, "\n## %s\n", d)
		for _, typ := range event.Types {
			first := true
			for _, e := range byDay[d] {
				if e.Type != typ {
					continue
				}
				if first {
					fmt.Fprintf(b, "\n### %s\n\n", heading(typ, false))
					first = false
				}
				fmt.Fprintf(b, "- %s %s\n", e.TS.UTC().Format("15:04"), line(e))
			}
		}
	}
}

func line(e event.Event) string {
	summary := e.Summary
	if summary == "" {
		summary = "(no summary)"
	}
	s := fmt.Sprintf("%s (%s", summary, e.Tool)
	if e.User != "" {
		s += ", " + e.User
	}
	s += ")"
	if len(e.Files) > 0 {
		s += " files: " + strings.Join(e.Files, ", ")
	}
	return s
}

func latest(events []event.Event, typ event.Type, n int) []event.Event {
	var out []event.Event
	for i := len(events) - 1; i >= 0 && len(out) < n; i-- {
		if events[i].Type == typ {
			out = append(out, events[i])
		}
	}
	return out
}

func heading(t event.Type, recent bool) string {
	var h string
	switch t {
	case event.TypeDecision:
		h = "Decisions"
	case event.TypeErrorResolved:
		h = "Errors resolved"
	default:
		h = "Sessions"
	}
	if recent {
		return "Recent " + strings.ToLower(h)
	}
	return h
}

func title(project string) string {
	if project == "" {
		return "Team memory"
	}
	return "Team memory for " + project
}

// eventPayload is the user message sent to LLM backends.
func eventPayload(req Request) (string, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
