package codeweftsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Codeweft HTTP API client.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Run represents the API run model.
type Run struct {
	ID        string  `json:"id"`
	Root      string  `json:"root"`
	Status    string  `json:"status"`
	Threshold float64 `json:"threshold"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
}

// RunStatus aggregates a run's pipeline counters.
type RunStatus struct {
	Run           Run            `json:"run"`
	Jobs          map[string]int `json:"jobs"`
	Manifest      map[string]int `json:"manifest"`
	Outbox        map[string]int `json:"outbox"`
	Relationships int            `json:"relationships"`
}

// Relationship is a reconciled, confidence-scored code relationship.
type Relationship struct {
	RunID           string  `json:"run_id"`
	RelationshipID  string  `json:"relationship_id"`
	SourceEntityID  string  `json:"source_entity_id"`
	TargetEntityID  string  `json:"target_entity_id"`
	Type            string  `json:"type"`
	Confidence      float64 `json:"confidence"`
	EvidenceSummary string  `json:"evidence_summary,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// PaginatedRelationships wraps list responses with cursors.
type PaginatedRelationships struct {
	Items      []Relationship `json:"relationships"`
	NextCursor string         `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Runs lists recent runs.
func (c *Client) Runs(ctx context.Context, limit int) ([]Run, error) {
	var resp struct {
		Runs []Run `json:"runs"`
	}
	endpoint := "runs"
	if limit > 0 {
		endpoint = fmt.Sprintf("runs?limit=%d", limit)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Runs, err
}

// RunStatus fetches a run's pipeline status.
func (c *Client) RunStatus(ctx context.Context, runID string) (RunStatus, error) {
	var resp RunStatus
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("runs/%s/status", url.PathEscape(runID)), nil, &resp)
	return resp, err
}

// Relationships returns a page of a run's reconciled relationships.
func (c *Client) Relationships(ctx context.Context, runID string, limit int, cursor string) (PaginatedRelationships, error) {
	endpoint := fmt.Sprintf("runs/%s/relationships", url.PathEscape(runID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedRelationships
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int, runID string) ([]Event, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("events?limit=%d", limit)
	}
	if runID != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%srun_id=%s", endpoint, sep, url.QueryEscape(runID))
	}
	var resp struct {
		Events []Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Events, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
