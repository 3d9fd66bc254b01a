// Package chainpilot provides a small typed client for the ChainPilot REST API.
package chainpilot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the ChainPilot REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// InstructionSubmission is the payload required to submit a new instruction.
type InstructionSubmission struct {
	ID          string            `json:"id,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	Instruction string            `json:"instruction"`
	Context     map[string]string `json:"context,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

// ExecutionResult mirrors the outcome attached to a completed instruction.
type ExecutionResult struct {
	Reply            string   `json:"reply"`
	Thought          string   `json:"thought,omitempty"`
	IntentAction     string   `json:"intent_action"`
	IntentConfidence float64  `json:"intent_confidence"`
	PlanID           string   `json:"plan_id,omitempty"`
	StepsTotal       int      `json:"steps_total"`
	StepsCompleted   int      `json:"steps_completed"`
	StepsFailed      int      `json:"steps_failed"`
	StepsSkipped     int      `json:"steps_skipped"`
	Valid            bool     `json:"valid"`
	ValidationScore  float64  `json:"validation_score"`
	Observations     []string `json:"observations,omitempty"`
}

// Instruction is the server side view of a submitted instruction.
type Instruction struct {
	ID          string           `json:"id"`
	SessionID   string           `json:"session_id,omitempty"`
	Instruction string           `json:"instruction"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
	Status      string           `json:"status"`
	Attempts    int              `json:"attempts"`
	MaxRetries  int              `json:"max_retries"`
	LastError   string           `json:"last_error,omitempty"`
	ErrorCode   string           `json:"error_code,omitempty"`
	Result      *ExecutionResult `json:"result,omitempty"`
	CreatedAt   int64            `json:"created_at"`
	UpdatedAt   int64            `json:"updated_at"`
}

// Terminal reports whether the instruction reached a final state.
func (i *Instruction) Terminal() bool {
	if i == nil {
		return false
	}
	if i.Status == "succeeded" {
		return true
	}
	return i.Status == "failed" && i.Attempts >= i.MaxRetries
}

// Tool describes a registered tool as exposed by the API.
type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Category    string      `json:"category"`
	Risk        string      `json:"risk"`
	Retryable   bool        `json:"retryable"`
	Parameters  []Parameter `json:"parameters,omitempty"`
}

// Parameter describes one tool parameter.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// Stats aggregates instruction counts per status.
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at"`
	NewestUpdatedAt int64 `json:"newest_updated_at"`
}

// ListOptions narrows ListInstructions results.
type ListOptions struct {
	Limit    int
	Offset   int
	Statuses []string
	Query    string
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("chainpilot api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the ChainPilot API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SubmitInstruction queues a new instruction for asynchronous execution.
func (c *Client) SubmitInstruction(ctx context.Context, submission InstructionSubmission) (Instruction, error) {
	var created Instruction
	if err := c.post(ctx, "/api/v1/instructions", submission, &created); err != nil {
		return Instruction{}, err
	}
	return created, nil
}

// GetInstruction fetches one instruction by identifier.
func (c *Client) GetInstruction(ctx context.Context, id string) (Instruction, error) {
	var found Instruction
	endpoint := "/api/v1/instructions/" + url.PathEscape(id)
	if err := c.get(ctx, endpoint, &found); err != nil {
		return Instruction{}, err
	}
	return found, nil
}

// ListInstructions returns instructions matching the supplied filters.
func (c *Client) ListInstructions(ctx context.Context, opts ListOptions) ([]Instruction, error) {
	values := url.Values{}
	if opts.Limit > 0 {
		values.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		values.Set("offset", strconv.Itoa(opts.Offset))
	}
	if len(opts.Statuses) > 0 {
		values.Set("status", strings.Join(opts.Statuses, ","))
	}
	if opts.Query != "" {
		values.Set("q", opts.Query)
	}
	endpoint := "/api/v1/instructions"
	if encoded := values.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var items []Instruction
	if err := c.get(ctx, endpoint, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// ListTools returns the tools registered on the server.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	if err := c.get(ctx, "/api/v1/tools", &tools); err != nil {
		return nil, err
	}
	return tools, nil
}

// GetStats returns aggregate instruction counts.
func (c *Client) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/stats", &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// WaitForCompletion polls the instruction until it reaches a terminal state
// or the context is cancelled.
func (c *Client) WaitForCompletion(ctx context.Context, id string, interval time.Duration) (Instruction, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		found, err := c.GetInstruction(ctx, id)
		if err != nil {
			return Instruction{}, err
		}
		if found.Terminal() {
			return found, nil
		}
		select {
		case <-ctx.Done():
			return Instruction{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parts := strings.SplitN(endpoint, "?", 2)
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parts[0])}
	if len(parts) == 2 {
		rel.RawQuery = parts[1]
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(data))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
