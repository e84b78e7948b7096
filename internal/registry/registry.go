// Package registry holds the ordered set of extractors and fans extraction
// out across them.
package registry

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/fyrsmithlabs/teammem/internal/event"
	"github.com/fyrsmithlabs/teammem/internal/extractor"
	"github.com/fyrsmithlabs/teammem/internal/logging"
	"github.com/fyrsmithlabs/teammem/internal/metrics"
	"github.com/fyrsmithlabs/teammem/internal/normalize"
	"github.com/fyrsmithlabs/teammem/internal/state"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Entry pairs an extractor with its priority; lower is preferred when
// tools overlap.
type Entry struct {
	Extractor extractor.Extractor
	Priority  int
}

// Select returns the entries whose names are in enabled (all when enabled
// is empty), ordered by priority then name. It does not modify entries.
func Select(entries []Entry, enabled []string) []Entry {
	allow := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		allow[name] = true
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if len(allow) == 0 || allow[e.Extractor.Name()] {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Extractor.Name() < out[j].Extractor.Name()
	})
	return out
}

// Registry is an immutable, priority-ordered extractor list.
type Registry struct {
	entries    []Entry
	normalizer *normalize.Normalizer
	metrics    *metrics.Metrics
}

// New builds a registry over entries, which are ordered by Select.
func New(normalizer *normalize.Normalizer, m *metrics.Metrics, entries ...Entry) *Registry {
	if m == nil {
		m = metrics.Default()
	}
	return &Registry{entries: Select(entries, nil), normalizer: normalizer, metrics: m}
}

// Entries returns the extractors in priority order.
func (r *Registry) Entries() []Entry {
	return append([]Entry(nil), r.entries...)
}

func (r *Registry) priority(tool string) int {
	for _, e := range r.entries {
		if e.Extractor.Name() == tool {
			return e.Priority
		}
	}
	return len(r.entries)
}

// filter evaluates pred for every extractor concurrently and returns the
// matching ones in priority order.
func (r *Registry) filter(pred func(extractor.Extractor) bool) []extractor.Extractor {
	hits := make([]bool, len(r.entries))
	var g errgroup.Group
	for i, e := range r.entries {
		g.Go(func() error {
			hits[i] = pred(e.Extractor)
			return nil
		})
	}
	_ = g.Wait()

	var out []extractor.Extractor
	for i, e := range r.entries {
		if hits[i] {
			out = append(out, e.Extractor)
		}
	}
	return out
}

// Installed returns extractors whose tool data directory exists.
func (r *Registry) Installed(ctx context.Context) []extractor.Extractor {
	return r.filter(func(x extractor.Extractor) bool { return x.IsInstalled(ctx) })
}

// Active returns installed extractors with session state for repoRoot.
func (r *Registry) Active(ctx context.Context, repoRoot string) []extractor.Extractor {
	return r.filter(func(x extractor.Extractor) bool {
		return x.IsInstalled(ctx) && x.IsActive(ctx, repoRoot)
	})
}

// Failure is one extractor that produced nothing because it failed.
type Failure struct {
	Tool string
	Err  error
}

// Result is the outcome of ExtractAll.
type Result struct {
	// Events from every active tool ordered by (ts, priority, id).
	Events []event.Event
	// Latest is the newest event ts per tool, the candidate checkpoints.
	Latest   map[string]time.Time
	Stats    map[string]normalize.Stats
	Failures []Failure
}

type toolResult struct {
	tool    string
	records []event.RawRecord
	err     error
}

// ExtractAll runs every active extractor concurrently, each from its own
// checkpoint. A failing extractor is logged and contributes no events.
func (r *Registry) ExtractAll(ctx context.Context, repoRoot string, cps state.Checkpoints) Result {
	log := logging.FromContext(ctx)
	active := r.Active(ctx, repoRoot)

	// Failures are isolated per tool, so no goroutine returns an error.
	results := make(chan toolResult, len(active))
	var g errgroup.Group
	for _, x := range active {
		g.Go(func() error {
			results <- runOne(logging.WithTool(ctx, x.Name()), x, repoRoot, cps.Since(x.Name()))
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(results)
	}()

	res := Result{Latest: map[string]time.Time{}, Stats: map[string]normalize.Stats{}}
	for tr := range results {
		tctx := logging.WithTool(ctx, tr.tool)
		if tr.err != nil {
			log.Warn(tctx, "extractor failed", zap.Error(tr.err))
			r.metrics.ExtractionFailures.WithLabelValues(tr.tool).Inc()
			res.Failures = append(res.Failures, Failure{Tool: tr.tool, Err: tr.err})
			continue
		}
		events, stats := r.normalizer.Normalize(tr.records)
		res.Stats[tr.tool] = stats
		for tool, reasons := range stats.Dropped {
			for reason, n := range reasons {
				r.metrics.RecordsDropped.WithLabelValues(tool, reason).Add(float64(n))
			}
		}
		r.metrics.EventsExtracted.WithLabelValues(tr.tool).Add(float64(len(events)))
		log.Debug(tctx, "extracted",
			zap.Int("records", stats.Records),
			zap.Int("events", len(events)),
			zap.Int("dropped", stats.DroppedTotal()),
			zap.Int("skipped", stats.Skipped))

		for _, e := range events {
			if e.TS.After(res.Latest[e.Tool]) {
				res.Latest[e.Tool] = e.TS
			}
		}
		res.Events = append(res.Events, events...)
	}

	sort.SliceStable(res.Events, func(i, j int) bool {
		a, b := res.Events[i], res.Events[j]
		if !a.TS.Equal(b.TS) {
			return a.TS.Before(b.TS)
		}
		if pa, pb := r.priority(a.Tool), r.priority(b.Tool); pa != pb {
			return pa < pb
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.Tool < b.Tool
	})
	sort.Slice(res.Failures, func(i, j int) bool { return res.Failures[i].Tool < res.Failures[j].Tool })
	return res
}

// runOne isolates a single extractor, turning panics into errors.
func runOne(ctx context.Context, x extractor.Extractor, repoRoot string, since *time.Time) (tr toolResult) {
	tr.tool = x.Name()
	defer func() {
		if p := recover(); p != nil {
			tr.records = nil
			tr.err = extractor.Wrap(tr.tool, errors.New("extractor panicked"))
			logging.FromContext(ctx).Error(ctx, "extractor panic", zap.Any("panic", p))
		}
	}()
	records, err := x.Extract(ctx, repoRoot, since)
	if err != nil {
		var ee *extractor.ExtractionError
		if !errors.As(err, &ee) {
			err = extractor.Wrap(tr.tool, err)
		}
		return toolResult{tool: tr.tool, err: err}
	}
	return toolResult{tool: tr.tool, records: records}
}
