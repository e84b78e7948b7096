package summarize

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/teammem/internal/logging"
	"github.com/fyrsmithlabs/teammem/internal/metrics"
	"go.uber.org/zap"
)

// Fallback reasons reported on teammem_summarizer_fallbacks_total.
const (
	ReasonNoBackend = "no_backend"
	ReasonError     = "error"
	ReasonEmpty     = "empty"
	ReasonTimeout   = "timeout"
)

// Fallback tries Primary and answers with the template when it is nil,
// fails or returns empty tiers. It only returns an error when ctx was
// canceled.
type Fallback struct {
	Primary Summarizer
	Metrics *metrics.Metrics
}

func (f *Fallback) Summarize(ctx context.Context, req Request) (Tiers, error) {
	log := logging.FromContext(ctx)
	if f.Primary == nil {
		f.count(ReasonNoBackend)
		return Template{}.Summarize(ctx, req)
	}

	tiers, err := f.Primary.Summarize(ctx, req)
	switch {
	case err != nil:
		reason := ReasonError
		if errors.Is(err, context.DeadlineExceeded) {
			reason = ReasonTimeout
		}
		log.Warn(ctx, "summarizer failed, using template", zap.Error(err))
		f.count(reason)
	case tiers.Empty():
		log.Warn(ctx, "summarizer returned empty tiers, using template")
		f.count(ReasonEmpty)
	default:
		return tiers, nil
	}
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Tiers{}, ctx.Err()
	}
	return Template{}.Summarize(ctx, req)
}

func (f *Fallback) count(reason string) {
	m := f.Metrics
	if m == nil {
		m = metrics.Default()
	}
	m.SummarizerFallbacks.WithLabelValues(reason).Inc()
}
