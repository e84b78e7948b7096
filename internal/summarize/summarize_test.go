package summarize

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/teammem/internal/config"
	"github.com/fyrsmithlabs/teammem/internal/event"
	"github.com/fyrsmithlabs/teammem/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvents() []event.Event {
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	return []event.Event{
		{ID: "s1", Tool: "claude-code", User: "ana", TS: base, Type: event.TypeSession, Summary: "Auth refactor", Files: []string{"auth/jwt.go"}},
		{ID: "d1", Tool: "claude-code", User: "ana", TS: base.Add(time.Hour), Type: event.TypeDecision, Summary: "Use JWT with refresh tokens"},
		{ID: "e1", Tool: "codex", User: "ben", TS: base.Add(26 * time.Hour), Type: event.TypeErrorResolved, Summary: "Fixed nil map panic in cache"},
	}
}

func newTestEndpoint(t *testing.T, url string) *EndpointClient {
	t.Helper()
	c, err := NewEndpointClient(EndpointOptions{URL: url, APIKey: "k", MaxRetries: 2, RateLimit: 1000})
	require.NoError(t, err)
	c.backoff = time.Millisecond
	return c
}

func TestEndpointClient_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "acme/api", req.ProjectName)
		assert.Len(t, req.Events, 3)
		_ = json.NewEncoder(w).Encode(map[string]string{"small": "S", "medium": "M"})
	}))
	defer srv.Close()

	tiers, err := newTestEndpoint(t, srv.URL).Summarize(context.Background(), Request{Events: sampleEvents(), ProjectName: "acme/api"})
	require.NoError(t, err)
	assert.Equal(t, Tiers{Small: "S", Medium: "M"}, tiers)
}

func TestEndpointClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"small": "S", "medium": "M"})
	}))
	defer srv.Close()

	tiers, err := newTestEndpoint(t, srv.URL).Summarize(context.Background(), Request{Events: sampleEvents()})
	require.NoError(t, err)
	assert.Equal(t, "S", tiers.Small)
	assert.Equal(t, int32(3), calls.Load())
}

func TestEndpointClient_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
		calls   int32
	}{
		{name: "error body", status: http.StatusBadRequest, body: `{"error":"window too large"}`, wantMsg: "window too large", calls: 1},
		{name: "empty tiers", status: http.StatusOK, body: `{"small":"","medium":""}`, wantMsg: "empty content", calls: 1},
		{name: "exhausted retries", status: http.StatusBadGateway, body: ``, wantMsg: "server error (502)", calls: 3},
		{name: "unexpected status", status: http.StatusForbidden, body: `{}`, wantMsg: "unexpected status 403", calls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestEndpoint(t, srv.URL).Summarize(context.Background(), Request{Events: sampleEvents()})
			require.Error(t, err)
			var se *SummarizationError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, "endpoint", se.Backend)
			assert.Contains(t, err.Error(), tt.wantMsg)
			assert.Equal(t, tt.calls, calls.Load())
		})
	}
}

func TestNewEndpointClient_RejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "ftp://x", "localhost:8080", "http://"} {
		_, err := NewEndpointClient(EndpointOptions{URL: u})
		assert.Error(t, err, u)
	}
}

func TestOpenAIClient_TwoCompletions(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string          `json:"role"`
				Content json.RawMessage `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "test-model", body.Model)
		require.Len(t, body.Messages, 2)
		assert.Contains(t, string(body.Messages[1].Content), "Use JWT with refresh tokens")

		content := "medium history"
		if strings.Contains(string(body.Messages[0].Content), "CURRENT STATE") {
			content = "small state"
		}
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
	defer srv.Close()

	c, err := NewOpenAIClient(OpenAIOptions{APIKey: "sk-test", BaseURL: srv.URL + "/", Model: "test-model", RateLimit: 1000})
	require.NoError(t, err)

	tiers, err := c.Summarize(context.Background(), Request{Events: sampleEvents()})
	require.NoError(t, err)
	assert.Equal(t, Tiers{Small: "small state", Medium: "medium history"}, tiers)
	assert.Equal(t, int32(2), calls.Load())
}

func TestNewOpenAIClient_RequiresKey(t *testing.T) {
	_, err := NewOpenAIClient(OpenAIOptions{})
	assert.Error(t, err)
}

func TestNewFromConfig(t *testing.T) {
	s, err := NewFromConfig(config.SummarizerConfig{Backend: config.BackendNone})
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = NewFromConfig(config.SummarizerConfig{Backend: config.BackendEndpoint, Endpoint: "https://sum.example.com/v1"})
	require.NoError(t, err)
	assert.IsType(t, &EndpointClient{}, s)

	s, err = NewFromConfig(config.SummarizerConfig{Backend: config.BackendOpenAI, APIKey: "sk"})
	require.NoError(t, err)
	assert.IsType(t, &OpenAIClient{}, s)

	_, err = NewFromConfig(config.SummarizerConfig{Backend: "bard"})
	assert.Error(t, err)
}

type stubSummarizer struct {
	tiers Tiers
	err   error
}

func (s stubSummarizer) Summarize(context.Context, Request) (Tiers, error) {
	return s.tiers, s.err
}

func TestFallback(t *testing.T) {
	req := Request{Events: sampleEvents(), ProjectName: "acme/api"}
	want, err := Template{}.Summarize(context.Background(), req)
	require.NoError(t, err)

	tests := []struct {
		name    string
		primary Summarizer
		reason  string
		want    Tiers
	}{
		{name: "no backend", primary: nil, reason: ReasonNoBackend, want: want},
		{name: "backend error", primary: stubSummarizer{err: &SummarizationError{Backend: "endpoint", Err: ErrEmptyResponse}}, reason: ReasonError, want: want},
		{name: "timeout", primary: stubSummarizer{err: context.DeadlineExceeded}, reason: ReasonTimeout, want: want},
		{name: "empty", primary: stubSummarizer{tiers: Tiers{Small: "x"}}, reason: ReasonEmpty, want: want},
		{name: "primary ok", primary: stubSummarizer{tiers: Tiers{Small: "S", Medium: "M"}}, want: Tiers{Small: "S", Medium: "M"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			f := &Fallback{Primary: tt.primary, Metrics: m}
			got, err := f.Summarize(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			if tt.reason != "" {
				assert.Equal(t, 1.0, testutil.ToFloat64(m.SummarizerFallbacks.WithLabelValues(tt.reason)))
			} else {
				assert.Equal(t, 0, testutil.CollectAndCount(m.SummarizerFallbacks))
			}
		})
	}
}

func TestFallback_UnreachableEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	primary := newTestEndpoint(t, url)
	f := &Fallback{Primary: primary, Metrics: metrics.New()}
	tiers, err := f.Summarize(context.Background(), Request{Events: sampleEvents()})
	require.NoError(t, err)
	assert.False(t, tiers.Empty())
	assert.Contains(t, tiers.Small, "Use JWT with refresh tokens")
}

func TestFallback_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &Fallback{Primary: stubSummarizer{err: context.Canceled}, Metrics: metrics.New()}
	_, err := f.Summarize(ctx, Request{Events: sampleEvents()})
	assert.ErrorIs(t, err, context.Canceled)
}
