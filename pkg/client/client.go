// Package client talks to the remote inference API: submit a prediction,
// poll it, cancel it. It implements runner.Predictor.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/muaviaUsmani/genvault/internal/runner"
)

// APIError is a non-2xx response from the inference API
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("inference API returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("inference API returned status %d: %s", e.StatusCode, e.Detail)
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient overrides the HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRateLimit caps requests per second with the given burst
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// Client provides a simple API for submitting and tracking predictions
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

var _ runner.Predictor = (*Client)(nil)

// NewClient creates a client for the API at baseURL
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(10), 5),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type createRequest struct {
	Version string                 `json:"version,omitempty"`
	Input   map[string]interface{} `json:"input"`
}

// Submit creates a prediction. model is "owner/name" for the latest version
// or "owner/name:version" to pin one.
func (c *Client) Submit(ctx context.Context, model string, input map[string]interface{}) (*runner.Prediction, error) {
	if input == nil {
		input = map[string]interface{}{}
	}

	owner, name, version, err := parseModelRef(model)
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/models/%s/%s/predictions", owner, name)
	req := createRequest{Input: input}
	if version != "" {
		path = "/predictions"
		req.Version = version
	}

	var pred runner.Prediction
	if err := c.do(ctx, http.MethodPost, path, req, &pred); err != nil {
		return nil, fmt.Errorf("failed to create prediction: %w", err)
	}
	if pred.Model == "" {
		pred.Model = owner + "/" + name
	}
	return &pred, nil
}

// Get returns the current snapshot of a prediction
func (c *Client) Get(ctx context.Context, id string) (*runner.Prediction, error) {
	var pred runner.Prediction
	if err := c.do(ctx, http.MethodGet, "/predictions/"+id, nil, &pred); err != nil {
		return nil, fmt.Errorf("failed to get prediction: %w", err)
	}
	return &pred, nil
}

// Cancel asks the API to stop a prediction
func (c *Client) Cancel(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodPost, "/predictions/"+id+"/cancel", nil, nil); err != nil {
		return fmt.Errorf("failed to cancel prediction: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var problem struct {
			Detail string `json:"detail"`
		}
		_ = json.Unmarshal(data, &problem)
		return &APIError{StatusCode: resp.StatusCode, Detail: problem.Detail}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func parseModelRef(ref string) (owner, name, version string, err error) {
	base := ref
	if i := strings.IndexByte(ref, ':'); i >= 0 {
		base, version = ref[:i], ref[i+1:]
	}
	parts := strings.Split(base, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("invalid model reference %q (want owner/name[:version])", ref)
	}
	return parts[0], parts[1], version, nil
}
