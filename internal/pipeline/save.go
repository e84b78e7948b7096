package pipeline

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/teammem/internal/event"
	"github.com/fyrsmithlabs/teammem/internal/logging"
	"github.com/fyrsmithlabs/teammem/internal/merge"
	"github.com/fyrsmithlabs/teammem/internal/persist"
	"github.com/fyrsmithlabs/teammem/internal/registry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// SaveOptions configures Save.
type SaveOptions struct {
	// Auto marks a save triggered by a hook or watcher. Auto saves with no
	// new events do nothing.
	Auto  bool
	Quiet bool
}

// SaveResult summarizes a finished save or sync.
type SaveResult struct {
	SyncID    string
	NewEvents int
	Added     int
	Updated   int
	Committed bool
	Pushed    bool
	// Detached is set when memory was pushed on top of the remote branch
	// while the local branch has unpushed commits; a pull brings it in.
	Detached bool
	Attempts int
	Failures []registry.Failure
	// Noop is set when nothing was extracted in auto mode.
	Noop bool
}

// SyncOptions configures Sync.
type SyncOptions struct {
	// Regenerate rewrites every tier under the current key even when the
	// log is unchanged.
	Regenerate bool
	Quiet      bool
}

// begin stamps ctx with a run id and the repository.
func (s *Service) begin(ctx context.Context) (context.Context, string) {
	id := uuid.New().String()
	ctx = logging.WithSyncID(ctx, id)
	ctx = logging.WithRepo(ctx, s.deps.Repo.Root())
	return ctx, id
}

// Save captures new events from every active tool and commits them into
// the team memory.
func (s *Service) Save(ctx context.Context, opts SaveOptions) (SaveResult, error) {
	ctx, id := s.begin(ctx)
	ctx, span := s.tracer.Start(ctx, "teammem.save")
	defer span.End()
	span.SetAttributes(attribute.String("sync.id", id), attribute.Bool("auto", opts.Auto))

	log := logging.FromContext(ctx)
	start := s.deps.Now()
	result := SaveResult{SyncID: id}

	cps, err := s.deps.State.Checkpoints(ctx)
	if err != nil {
		s.recordResult(ctx, start, "error", err)
		return result, fmt.Errorf("read checkpoints: %w", err)
	}

	xctx, xspan := s.tracer.Start(ctx, "extract")
	extracted := s.deps.Registry.ExtractAll(xctx, s.deps.Repo.Root(), cps)
	xspan.SetAttributes(attribute.Int("events", len(extracted.Events)), attribute.Int("failures", len(extracted.Failures)))
	xspan.End()

	result.NewEvents = len(extracted.Events)
	result.Failures = extracted.Failures
	log.Info(ctx, "extracted events",
		zap.Int("events", len(extracted.Events)),
		zap.Int("failed_tools", len(extracted.Failures)))

	if len(extracted.Events) == 0 && opts.Auto {
		result.Noop = true
		s.recordResult(ctx, start, "noop", nil)
		log.Debug(ctx, "no new events, nothing to save")
		return result, nil
	}

	out, merged, err := s.persist(ctx, extracted.Events, false)
	if err != nil {
		s.recordResult(ctx, start, resultLabel(err), err)
		return result, err
	}
	fill(&result, out, merged)

	next := cps.Advance(extracted.Latest, s.deps.Now())
	if err := s.deps.State.Commit(ctx, next, merged.Log); err != nil {
		// The documents are committed; the next save re-extracts the same
		// events and merges them as no-ops.
		s.recordResult(ctx, start, "error", err)
		span.SetStatus(codes.Error, "state commit failed")
		return result, fmt.Errorf("advance checkpoints: %w", err)
	}

	s.recordResult(ctx, start, label(out), nil)
	log.Info(ctx, "save complete",
		zap.Int("added", merged.Added),
		zap.Int("updated", merged.Updated),
		zap.Bool("committed", out.Committed),
		zap.Bool("pushed", out.Pushed))
	return result, nil
}

// Sync pulls the team's memory and merges it into the local shadow log
// without extracting. With Regenerate every tier is rewritten.
func (s *Service) Sync(ctx context.Context, opts SyncOptions) (SaveResult, error) {
	ctx, id := s.begin(ctx)
	ctx, span := s.tracer.Start(ctx, "teammem.sync")
	defer span.End()
	span.SetAttributes(attribute.String("sync.id", id), attribute.Bool("regenerate", opts.Regenerate))

	start := s.deps.Now()
	result := SaveResult{SyncID: id}

	cps, err := s.deps.State.Checkpoints(ctx)
	if err != nil {
		s.recordResult(ctx, start, "error", err)
		return result, fmt.Errorf("read checkpoints: %w", err)
	}

	out, merged, err := s.persist(ctx, nil, opts.Regenerate)
	if err != nil {
		s.recordResult(ctx, start, resultLabel(err), err)
		return result, err
	}
	fill(&result, out, merged)

	if err := s.deps.State.Commit(ctx, cps, merged.Log); err != nil {
		s.recordResult(ctx, start, "error", err)
		return result, fmt.Errorf("update shadow log: %w", err)
	}
	s.recordResult(ctx, start, label(out), nil)
	logging.FromContext(ctx).Info(ctx, "sync complete",
		zap.Int("events", len(merged.Log)),
		zap.Bool("committed", out.Committed),
		zap.Bool("pushed", out.Pushed))
	return result, nil
}

// persist runs the read-merge-write cycle for incoming events.
func (s *Service) persist(ctx context.Context, incoming []event.Event, regenerate bool) (persist.SyncResult, merge.Result, error) {
	shadow, err := s.deps.State.Events(ctx)
	if err != nil {
		return persist.SyncResult{}, merge.Result{}, fmt.Errorf("read shadow log: %w", err)
	}

	pctx, span := s.tracer.Start(ctx, "persist")
	defer span.End()

	var merged merge.Result
	out, err := s.deps.Syncer.Sync(pctx, s.build(shadow, incoming, regenerate, &merged))
	span.SetAttributes(attribute.Int("attempts", out.Attempts), attribute.Bool("committed", out.Committed))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sync failed")
		return out, merge.Result{}, err
	}
	return out, merged, nil
}

func fill(r *SaveResult, out persist.SyncResult, merged merge.Result) {
	r.Added = merged.Added
	r.Updated = merged.Updated
	r.Committed = out.Committed
	r.Pushed = out.Pushed
	r.Detached = out.Detached
	r.Attempts = out.Attempts
}

func label(out persist.SyncResult) string {
	switch {
	case out.Pushed:
		return "pushed"
	case out.Committed:
		return "committed"
	default:
		return "noop"
	}
}
