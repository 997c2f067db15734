package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient talks to an external analysis service over JSON. The service may
// time out, fail, or answer with malformed output; Analyze retries transient
// failures a bounded number of times and sanitizes the body before decoding.
type HTTPClient struct {
	Endpoint   string
	Model      string
	APIKey     string
	MaxRetries int
	HTTPClient *http.Client
}

func NewHTTPClient(endpoint, model, apiKey string) *HTTPClient {
	return &HTTPClient{
		Endpoint:   endpoint,
		Model:      model,
		APIKey:     apiKey,
		MaxRetries: 2,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type analyzeRequest struct {
	Model   string `json:"model,omitempty"`
	Kind    string `json:"kind"`
	Path    string `json:"path,omitempty"`
	Content string `json:"content"`
}

type analyzeResponse struct {
	Findings []Candidate `json:"findings"`
}

func (c *HTTPClient) Analyze(ctx context.Context, req Request) ([]Candidate, error) {
	body, err := json.Marshal(analyzeRequest{Model: c.Model, Kind: req.Kind, Path: req.Path, Content: req.Content})
	if err != nil {
		return nil, fmt.Errorf("marshal analyze request: %w", err)
	}
	var lastErr error
	attempts := c.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
		candidates, err := c.analyzeOnce(ctx, body)
		if err == nil {
			return candidates, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("oracle analyze %s %s: %w", req.Kind, req.Path, lastErr)
}

func (c *HTTPClient) analyzeOnce(ctx context.Context, body []byte) ([]Candidate, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oracle status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	clean := Sanitize(string(data))
	var wrapped analyzeResponse
	if err := json.Unmarshal([]byte(clean), &wrapped); err == nil && wrapped.Findings != nil {
		return wrapped.Findings, nil
	}
	var list []Candidate
	if err := json.Unmarshal([]byte(clean), &list); err != nil {
		return nil, fmt.Errorf("decode oracle response: %w", err)
	}
	return list, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
