// Package vision scores photographs through an Ollama-compatible
// /api/generate endpoint. It implements the analyzer contract of the
// opencall engine: one image in, one validated JSON verdict out.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/darthpelo/photo-open-call-analyzer-sub004/pkg/opencall"
)

// DefaultBaseURL points at a local Ollama server.
const DefaultBaseURL = "http://localhost:11434"

// maxResponseBytes bounds how much of a response body is read. Verdicts
// are small; anything bigger means the endpoint is misbehaving.
const maxResponseBytes = 8 << 20

// Common sentinel errors
var (
	// ErrEmptyResponse is returned when the model produced no verdict text
	ErrEmptyResponse = errors.New("model returned an empty response")

	// ErrInvalidScore is returned when the verdict fails validation.
	// Such responses are reported as item failures and never cached.
	ErrInvalidScore = errors.New("model response failed score validation")
)

// Score is the structured verdict the model is prompted to return.
// All values are on a 0 to 10 scale.
type Score struct {
	TotalScore float64            `json:"total_score"`
	Criteria   map[string]float64 `json:"criteria,omitempty"`
	Reasoning  string             `json:"reasoning,omitempty"`
}

type generateRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images"`
	Format string   `json:"format"`
	Stream bool     `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// Client talks to an Ollama-compatible generate endpoint.
// It is safe for concurrent use; the engine provides the rate limiting.
type Client struct {
	baseURL string
	model   string
	prompt  string
	http    *http.Client
}

// New creates a client for the endpoint at baseURL. An empty baseURL uses
// DefaultBaseURL. The model set here is the fallback when a work item does
// not carry its own.
func New(baseURL, model, prompt string) *Client {
	return NewWithHTTPClient(baseURL, model, prompt, &http.Client{})
}

// NewWithHTTPClient is New with a caller-supplied HTTP client, for custom
// transports or proxies. Per-request deadlines come from the context, so
// the client's own Timeout can stay zero.
func NewWithHTTPClient(baseURL, model, prompt string, hc *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		prompt:  prompt,
		http:    hc,
	}
}

// Analyze implements opencall.Analyzer. It submits the image and returns
// the model's own JSON text as the payload, so the cache stores exactly
// what the model produced. A verdict that fails validation is an error;
// the engine records it as a failure and never caches it.
func (c *Client) Analyze(ctx context.Context, item opencall.WorkItem, data []byte) (json.RawMessage, error) {
	model := item.Model
	if model == "" {
		model = c.model
	}

	body, err := json.Marshal(generateRequest{
		Model:  model,
		Prompt: c.prompt,
		Images: []string{base64.StdEncoding.EncodeToString(data)},
		Format: "json",
		Stream: false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generate request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("generate returned %s: %s", resp.Status, trimBody(raw))
	}

	var gr generateResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if gr.Error != "" {
		return nil, fmt.Errorf("model error: %s", gr.Error)
	}
	verdict := strings.TrimSpace(gr.Response)
	if verdict == "" {
		return nil, ErrEmptyResponse
	}

	if _, err := ParseScore([]byte(verdict)); err != nil {
		return nil, err
	}
	return json.RawMessage(verdict), nil
}

// Ping checks that the endpoint is reachable, for a fail-fast startup check.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("endpoint returned %s", resp.Status)
	}
	return nil
}

// ParseScore decodes and validates a verdict payload. Scores outside the
// 0 to 10 scale mean the model ignored the rubric; those verdicts are
// rejected so they never reach the cache.
func ParseScore(data []byte) (*Score, error) {
	var s Score
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScore, err)
	}
	if s.TotalScore < 0 || s.TotalScore > 10 {
		return nil, fmt.Errorf("%w: total_score %.2f out of range", ErrInvalidScore, s.TotalScore)
	}
	for name, v := range s.Criteria {
		if v < 0 || v > 10 {
			return nil, fmt.Errorf("%w: criterion %q = %.2f out of range", ErrInvalidScore, name, v)
		}
	}
	return &s, nil
}

func trimBody(b []byte) string {
	const max = 200
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
