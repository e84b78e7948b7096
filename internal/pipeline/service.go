// Package pipeline runs the capture pipeline end to end: extract from every
// active tool, normalize, merge with the team's log, summarize, encrypt and
// commit. Checkpoints advance only after the documents are committed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/teammem/internal/crypto"
	"github.com/fyrsmithlabs/teammem/internal/event"
	"github.com/fyrsmithlabs/teammem/internal/logging"
	"github.com/fyrsmithlabs/teammem/internal/merge"
	"github.com/fyrsmithlabs/teammem/internal/metrics"
	"github.com/fyrsmithlabs/teammem/internal/persist"
	"github.com/fyrsmithlabs/teammem/internal/registry"
	"github.com/fyrsmithlabs/teammem/internal/state"
	"github.com/fyrsmithlabs/teammem/internal/summarize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/teammem/internal/pipeline"

// ErrNoDocument is returned by Load when the tier has not been saved yet.
var ErrNoDocument = errors.New("no memory saved yet; run `teammem save` first")

// Deps are the collaborators of a Service. Keys is nil when encryption is
// disabled; every other field is required.
type Deps struct {
	Registry   *registry.Registry
	Engine     merge.Engine
	Summarizer summarize.Summarizer
	Keys       *crypto.Manager
	Repo       *persist.Repository
	Syncer     *persist.Syncer
	State      *state.Store
	Project    string
	Metrics    *metrics.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
}

// Service is the pipeline over one repository.
type Service struct {
	deps   Deps
	tracer trace.Tracer
}

// New validates deps and returns a Service.
func New(deps Deps) (*Service, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("registry is required")
	case deps.Summarizer == nil:
		return nil, errors.New("summarizer is required")
	case deps.Repo == nil || deps.Syncer == nil:
		return nil, errors.New("repository and syncer are required")
	case deps.State == nil:
		return nil, errors.New("state store is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Service{deps: deps, tracer: otel.Tracer(instrumentationName)}, nil
}

// Encrypted reports whether documents are written as envelopes.
func (s *Service) Encrypted() bool { return s.deps.Keys != nil }

// build returns the BuildFunc for one save or sync. incoming are the newly
// extracted events; regenerate forces new documents even when the log did
// not change. The merge result of the last successful build is stored in out.
func (s *Service) build(shadow, incoming []event.Event, regenerate bool, out *merge.Result) persist.BuildFunc {
	return func(ctx context.Context, baseline persist.Documents) (persist.Documents, error) {
		remoteLog, err := s.decodeLog(ctx, baseline.Large)
		if err != nil {
			return persist.Documents{}, err
		}

		_, span := s.tracer.Start(ctx, "merge")
		base := merge.Merge(remoteLog, shadow)
		res := s.deps.Engine.Run(base, incoming)
		span.End()

		*out = res
		if !regenerate && baseline.Complete() && s.sealedAsConfigured(baseline) && sameLog(remoteLog, res.Log) {
			logging.FromContext(ctx).Debug(ctx, "team log unchanged, keeping documents")
			return baseline, nil
		}
		return s.render(ctx, res)
	}
}

// render summarizes the window, renders the large tier and encrypts all three.
func (s *Service) render(ctx context.Context, res merge.Result) (persist.Documents, error) {
	sctx, span := s.tracer.Start(ctx, "summarize")
	tiers, err := s.deps.Summarizer.Summarize(sctx, summarize.Request{Events: res.Window, ProjectName: s.deps.Project})
	span.End()
	if err != nil {
		return persist.Documents{}, err
	}
	large, err := summarize.RenderLarge(s.deps.Project, res.Log)
	if err != nil {
		return persist.Documents{}, err
	}

	plain := persist.Documents{Small: tiers.Small, Medium: tiers.Medium, Large: large}
	if s.deps.Keys == nil {
		return plain, nil
	}

	ectx, span := s.tracer.Start(ctx, "encrypt")
	defer span.End()
	var docs persist.Documents
	for _, t := range persist.Tiers {
		env, err := s.deps.Keys.Encrypt(ectx, []byte(plain.Get(t)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "encrypt failed")
			return persist.Documents{}, err
		}
		docs.Set(t, env.String()+"\n")
	}
	return docs, nil
}

// open returns the plaintext of a stored document and the key version it
// was encrypted under, 0 for plaintext.
func (s *Service) open(ctx context.Context, doc string) (string, int, error) {
	if !crypto.IsEnvelope(doc) {
		return doc, 0, nil
	}
	env, err := crypto.ParseEnvelope(doc)
	if err != nil {
		return "", 0, &crypto.EncryptionError{Op: "decrypt", Err: err}
	}
	if s.deps.Keys == nil {
		return "", env.Version, &crypto.EncryptionError{Op: "decrypt", Version: env.Version,
			Err: errors.New("document is encrypted but no key provider is configured (set keys.provider)")}
	}
	plain, err := s.deps.Keys.Decrypt(ctx, env)
	if err != nil {
		return "", env.Version, err
	}
	return string(plain), env.Version, nil
}

// decodeLog recovers the event log from a stored large document.
func (s *Service) decodeLog(ctx context.Context, doc string) ([]event.Event, error) {
	if doc == "" {
		return nil, nil
	}
	text, _, err := s.open(ctx, doc)
	if err != nil {
		return nil, err
	}
	events, err := summarize.ParseLarge(text)
	if errors.Is(err, summarize.ErrNoEventBlock) {
		logging.FromContext(ctx).Warn(ctx, "large document has no event block; starting a new log")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("parse large document: %w", err)
	}
	return events, nil
}

// sealedAsConfigured reports whether every stored tier matches the current
// encryption setting.
func (s *Service) sealedAsConfigured(docs persist.Documents) bool {
	for _, t := range persist.Tiers {
		if crypto.IsEnvelope(docs.Get(t)) != s.Encrypted() {
			return false
		}
	}
	return true
}

func sameLog(a, b []event.Event) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !event.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func (s *Service) recordResult(ctx context.Context, start time.Time, result string, err error) {
	s.deps.Metrics.SyncDuration.Observe(s.deps.Now().Sub(start).Seconds())
	s.deps.Metrics.SyncTotal.WithLabelValues(result).Inc()
	if err != nil {
		span := trace.SpanFromContext(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
		logging.FromContext(ctx).Debug(ctx, "operation failed", zap.String("result", result), zap.Error(err))
	}
}

func resultLabel(err error) string {
	if errors.Is(err, persist.ErrMergeConflict) {
		return "conflict"
	}
	return "error"
}
