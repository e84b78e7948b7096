package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// EndpointOptions configures an EndpointClient.
type EndpointOptions struct {
	URL        string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	RateLimit  float64
	HTTPClient *http.Client
}

// EndpointClient posts the window to a summarization service:
// request {events, projectName}, response {small, medium} or {error}.
type EndpointClient struct {
	url        string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
}

// NewEndpointClient validates opts and returns a client.
func NewEndpointClient(opts EndpointOptions) (*EndpointClient, error) {
	u, err := url.Parse(opts.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("summarizer endpoint must be an http(s) URL, got %q", opts.URL)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	limit := opts.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	return &EndpointClient{
		url:        opts.URL,
		apiKey:     opts.APIKey,
		httpClient: hc,
		limiter:    rate.NewLimiter(rate.Limit(limit), 1),
		maxRetries: opts.MaxRetries,
		backoff:    defaultBaseBackoff,
	}, nil
}

type endpointResponse struct {
	Small  string `json:"small"`
	Medium string `json:"medium"`
	Error  string `json:"error"`
}

// Summarize sends one request, retrying transport errors, 429 and 5xx with
// exponential backoff.
func (c *EndpointClient) Summarize(ctx context.Context, req Request) (Tiers, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Tiers{}, &SummarizationError{Backend: "endpoint", Err: err}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.backoff * time.Duration(1<<(attempt-1))):
			case <-ctx.Done():
				return Tiers{}, &SummarizationError{Backend: "endpoint", Err: ctx.Err()}
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return Tiers{}, &SummarizationError{Backend: "endpoint", Err: fmt.Errorf("rate limiter: %w", err)}
		}

		tiers, err := c.do(ctx, body)
		if err == nil {
			return tiers, nil
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
	}
	return Tiers{}, &SummarizationError{Backend: "endpoint", Err: lastErr}
}

func (c *EndpointClient) do(ctx context.Context, body []byte) (Tiers, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Tiers{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Tiers{}, ctx.Err()
		}
		return Tiers{}, &retryableError{err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Tiers{}, &retryableError{err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Tiers{}, &retryableError{err: fmt.Errorf("rate limited (429)")}
	case resp.StatusCode >= 500:
		return Tiers{}, &retryableError{err: fmt.Errorf("server error (%d)", resp.StatusCode)}
	}

	var out endpointResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Tiers{}, fmt.Errorf("decode response (%d): %w", resp.StatusCode, err)
	}
	if out.Error != "" {
		return Tiers{}, fmt.Errorf("endpoint error (%d): %s", resp.StatusCode, out.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return Tiers{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	tiers := Tiers{Small: out.Small, Medium: out.Medium}
	if tiers.Empty() {
		return Tiers{}, ErrEmptyResponse
	}
	return tiers, nil
}
