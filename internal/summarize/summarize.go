// Package summarize turns the merged event window into the small and medium
// memory tiers, and renders the large tier from the full log.
//
// Remote backends (a plain HTTP endpoint or an OpenAI-compatible API) are
// wrapped in Fallback, which degrades to the deterministic Template on any
// failure so a save never blocks on the network.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/teammem/internal/config"
	"github.com/fyrsmithlabs/teammem/internal/event"
)

// Request is the summarization input.
type Request struct {
	Events      []event.Event `json:"events"`
	ProjectName string        `json:"projectName,omitempty"`
}

// Tiers are the two summarized documents.
type Tiers struct {
	Small  string `json:"small"`
	Medium string `json:"medium"`
}

// Empty reports whether either tier has no content.
func (t Tiers) Empty() bool {
	return strings.TrimSpace(t.Small) == "" || strings.TrimSpace(t.Medium) == ""
}

// Summarizer produces tiers from a request. Implementations are stateless.
type Summarizer interface {
	Summarize(ctx context.Context, req Request) (Tiers, error)
}

var (
	// ErrEmptyResponse is returned when a backend answers without content.
	ErrEmptyResponse = errors.New("summarizer returned empty content")
	// ErrNotConfigured marks a missing backend.
	ErrNotConfigured = errors.New("no summarization backend configured")
)

// SummarizationError wraps a backend failure.
type SummarizationError struct {
	Backend string
	Err     error
}

func (e *SummarizationError) Error() string {
	return fmt.Sprintf("summarize via %s: %v", e.Backend, e.Err)
}

func (e *SummarizationError) Unwrap() error { return e.Err }

// retryableError marks transport failures worth another attempt.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

const (
	defaultTimeout     = 30 * time.Second
	defaultBaseBackoff = 500 * time.Millisecond
	defaultRateLimit   = 2.0
)

// NewFromConfig builds the configured remote backend. It returns nil and
// no error when the backend is "none"; callers pair it with Fallback.
func NewFromConfig(cfg config.SummarizerConfig) (Summarizer, error) {
	switch cfg.Backend {
	case config.BackendNone, "":
		return nil, nil
	case config.BackendEndpoint:
		return NewEndpointClient(EndpointOptions{
			URL:        cfg.Endpoint,
			APIKey:     cfg.APIKey.Value(),
			Timeout:    cfg.Timeout.Duration(),
			MaxRetries: cfg.MaxRetries,
			RateLimit:  cfg.RateLimit,
		})
	case config.BackendOpenAI:
		return NewOpenAIClient(OpenAIOptions{
			APIKey:     cfg.APIKey.Value(),
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Timeout:    cfg.Timeout.Duration(),
			MaxRetries: cfg.MaxRetries,
			RateLimit:  cfg.RateLimit,
		})
	default:
		return nil, fmt.Errorf("unknown summarizer backend %q", cfg.Backend)
	}
}
