package crypto

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/teammem/internal/config"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// HTTPProviderOptions configures an HTTPProvider.
type HTTPProviderOptions struct {
	BaseURL string
	Token   config.Secret
	Team    string
	Timeout time.Duration
	// HTTPClient is the transport the bearer token is layered on.
	HTTPClient *http.Client
}

// HTTPProvider fetches keys from the team's key-custody service:
//
//	GET  /v1/team/key            current version
//	GET  /v1/team/key/{version}  a specific version
//	POST /v1/team/key/rotate     new version (admins only)
//
// Responses are {"version": N, "key": "<base64 material>"}.
type HTTPProvider struct {
	baseURL string
	team    string
	client  *http.Client
	limiter *rate.Limiter
}

type keyResponse struct {
	Version int    `json:"version"`
	Key     string `json:"key"`
	Error   string `json:"error,omitempty"`
}

// NewHTTPProvider returns a provider authenticating with a bearer token.
func NewHTTPProvider(opts HTTPProviderOptions) (*HTTPProvider, error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("key custody url must be an http(s) URL, got %q", opts.BaseURL)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: timeout}
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token.Value()}))
	client.Timeout = timeout
	return &HTTPProvider{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		team:    opts.Team,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(5), 5),
	}, nil
}

func (p *HTTPProvider) Current(ctx context.Context) (TeamKey, error) {
	return p.do(ctx, http.MethodGet, "/v1/team/key")
}

func (p *HTTPProvider) Get(ctx context.Context, version int) (TeamKey, error) {
	return p.do(ctx, http.MethodGet, "/v1/team/key/"+strconv.Itoa(version))
}

func (p *HTTPProvider) Rotate(ctx context.Context) (TeamKey, error) {
	return p.do(ctx, http.MethodPost, "/v1/team/key/rotate")
}

func (p *HTTPProvider) do(ctx context.Context, method, path string) (TeamKey, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return TeamKey{}, fmt.Errorf("rate limiter: %w", err)
	}
	endpoint := p.baseURL + path
	if p.team != "" {
		endpoint += "?team=" + url.QueryEscape(p.team)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return TeamKey{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return TeamKey{}, fmt.Errorf("key custody %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return TeamKey{}, fmt.Errorf("read key response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusForbidden:
		if method == http.MethodPost {
			return TeamKey{}, ErrNotAdmin
		}
		return TeamKey{}, fmt.Errorf("key custody denied access (403); is your seat active?")
	case http.StatusNotFound:
		if path == "/v1/team/key" {
			return TeamKey{}, ErrNoKey
		}
		return TeamKey{}, fmt.Errorf("%w: %s", ErrKeyNotFound, path)
	case http.StatusUnauthorized:
		return TeamKey{}, fmt.Errorf("key custody rejected credentials (401); check keys.token")
	default:
		return TeamKey{}, fmt.Errorf("key custody %s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	var kr keyResponse
	if err := json.Unmarshal(raw, &kr); err != nil {
		return TeamKey{}, fmt.Errorf("decode key response: %w", err)
	}
	material, err := base64.StdEncoding.DecodeString(kr.Key)
	if err != nil {
		return TeamKey{}, fmt.Errorf("decode key material: %w", err)
	}
	k := TeamKey{Version: kr.Version, Material: material}
	if err := k.Validate(); err != nil {
		return TeamKey{}, err
	}
	return k, nil
}
