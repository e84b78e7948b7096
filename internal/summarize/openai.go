package summarize

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"golang.org/x/time/rate"
)

const defaultOpenAIModel = "gpt-4o-mini"

const (
	smallPrompt = `You maintain a team's shared memory for a software project.
From the JSON event log, write the CURRENT STATE in at most 200 words of markdown:
what is being worked on, the decisions still in force, and problems recently fixed.
Do not invent facts that are not in the events.`

	mediumPrompt = `You maintain a team's shared memory for a software project.
From the JSON event log, write a HISTORY in at most 800 words of markdown, grouped by day,
listing decisions (with their reasons when given), resolved errors and notable sessions.
Keep file paths verbatim. Do not invent facts that are not in the events.`
)

// OpenAIOptions configures an OpenAIClient.
type OpenAIOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	RateLimit  float64
	HTTPClient *http.Client
}

// OpenAIClient summarizes with two independent chat completions against an
// OpenAI-compatible API, one per tier.
type OpenAIClient struct {
	client  openai.Client
	model   string
	limiter *rate.Limiter
}

// NewOpenAIClient returns a client; APIKey is required.
func NewOpenAIClient(opts OpenAIOptions) (*OpenAIClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("openai API key required")
	}
	model := opts.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithHTTPClient(hc),
		option.WithMaxRetries(opts.MaxRetries),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	limit := opts.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	return &OpenAIClient{
		client:  openai.NewClient(reqOpts...),
		model:   model,
		limiter: rate.NewLimiter(rate.Limit(limit), 2),
	}, nil
}

func (c *OpenAIClient) Summarize(ctx context.Context, req Request) (Tiers, error) {
	payload, err := eventPayload(req)
	if err != nil {
		return Tiers{}, &SummarizationError{Backend: "openai", Err: err}
	}
	small, err := c.complete(ctx, smallPrompt, payload, 400)
	if err != nil {
		return Tiers{}, &SummarizationError{Backend: "openai", Err: fmt.Errorf("small tier: %w", err)}
	}
	medium, err := c.complete(ctx, mediumPrompt, payload, 1500)
	if err != nil {
		return Tiers{}, &SummarizationError{Backend: "openai", Err: fmt.Errorf("medium tier: %w", err)}
	}
	return Tiers{Small: small, Medium: medium}, nil
}

func (c *OpenAIClient) complete(ctx context.Context, system, user string, maxTokens int64) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		MaxTokens:   openai.Int(maxTokens),
		Temperature: openai.Float(0.2),
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
