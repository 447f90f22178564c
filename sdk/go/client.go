package codeforgesdk

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

// Client is a minimal CodeForge HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Codebase represents the API codebase model (partial).
type Codebase struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	Name       string         `json:"name"`
	Status     string         `json:"status"`
	TotalFiles int            `json:"total_files"`
	TotalLines int            `json:"total_lines"`
	Languages  map[string]int `json:"languages,omitempty"`
}

// Repository represents one connected remote.
type Repository struct {
	ID         string         `json:"id"`
	CodebaseID string         `json:"codebase_id"`
	Provider   string         `json:"provider"`
	URL        string         `json:"url"`
	Branch     string         `json:"branch,omitempty"`
	Status     string         `json:"status"`
	TotalFiles int            `json:"total_files"`
	TotalLines int            `json:"total_lines"`
	Languages  map[string]int `json:"languages,omitempty"`
	LastCommit string         `json:"last_commit,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Transformation represents a change workflow record.
type Transformation struct {
	ID         string `json:"id"`
	CodebaseID string `json:"codebase_id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	Status     string `json:"status"`
	Oversight  string `json:"oversight"`
	Execution  struct {
		Progress    int    `json:"progress"`
		CurrentStep string `json:"current_step,omitempty"`
	} `json:"execution"`
	Rollback struct {
		Available bool   `json:"available"`
		BackupRef string `json:"backup_ref,omitempty"`
	} `json:"rollback"`
	Error   string `json:"error,omitempty"`
	Version int64  `json:"version"`
}

// Event represents a journal entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	CodebaseID string `json:"codebase_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// IngestResult is the response of a repository ingest request.
type IngestResult struct {
	Repository Repository `json:"repository"`
	Accepted   bool       `json:"accepted"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateCodebase creates a codebase.
func (c *Client) CreateCodebase(ctx context.Context, tenantID, name string) (Codebase, error) {
	body := map[string]any{
		"tenant_id": tenantID,
		"name":      name,
	}
	var resp Codebase
	err := c.do(ctx, http.MethodPost, "v0/codebases", body, &resp)
	return resp, err
}

// GetCodebase fetches a codebase by id.
func (c *Client) GetCodebase(ctx context.Context, id string) (Codebase, error) {
	var resp Codebase
	err := c.do(ctx, http.MethodGet, "v0/codebases/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// AddRepository connects a remote to a codebase. The credential is sent
// in plaintext over the request and stored encoded server-side; use TLS.
func (c *Client) AddRepository(ctx context.Context, codebaseID, provider, remoteURL, branch, credential string) (Repository, error) {
	body := map[string]any{
		"provider": provider,
		"url":      remoteURL,
	}
	if branch != "" {
		body["branch"] = branch
	}
	if credential != "" {
		body["credential"] = credential
	}
	var resp Repository
	endpoint := fmt.Sprintf("v0/codebases/%s/repositories", url.PathEscape(codebaseID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// IngestRepository triggers a clone+scan cycle. With wait=true the call
// blocks until the cycle finished and returns the updated record.
func (c *Client) IngestRepository(ctx context.Context, repoID string, refresh, wait bool) (IngestResult, error) {
	endpoint := fmt.Sprintf("v0/repositories/%s/ingest?refresh=%t&wait=%t", url.PathEscape(repoID), refresh, wait)
	var resp IngestResult
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// CreateTransformation creates a draft on a codebase.
func (c *Client) CreateTransformation(ctx context.Context, codebaseID, name, transformationType string) (Transformation, error) {
	body := map[string]any{
		"name": name,
		"type": transformationType,
	}
	var resp Transformation
	endpoint := fmt.Sprintf("v0/codebases/%s/transformations", url.PathEscape(codebaseID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// TransformationAction runs a workflow verb (submit, queue, start,
// pause, resume, cancel, rollback) against a transformation.
func (c *Client) TransformationAction(ctx context.Context, id, action string) (Transformation, error) {
	var resp Transformation
	endpoint := fmt.Sprintf("v0/transformations/%s/%s", url.PathEscape(id), url.PathEscape(action))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Approve approves a pending transformation.
func (c *Client) Approve(ctx context.Context, id, comment string) (Transformation, error) {
	var resp Transformation
	endpoint := fmt.Sprintf("v0/transformations/%s/approve", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"comment": comment}, &resp)
	return resp, err
}

// Reject returns a pending transformation to draft; comment is required.
func (c *Client) Reject(ctx context.Context, id, comment string) (Transformation, error) {
	var resp Transformation
	endpoint := fmt.Sprintf("v0/transformations/%s/reject", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"comment": comment}, &resp)
	return resp, err
}

// ReportProgress updates a running transformation's progress.
func (c *Client) ReportProgress(ctx context.Context, id string, progress int, step string) (Transformation, error) {
	body := map[string]any{"progress": progress}
	if step != "" {
		body["step"] = step
	}
	var resp Transformation
	endpoint := fmt.Sprintf("v0/transformations/%s/progress", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Events returns recent journal events, newest first.
func (c *Client) Events(ctx context.Context, codebaseID string, limit int) ([]Event, error) {
	endpoint := "v0/events"
	params := url.Values{}
	if codebaseID != "" {
		params.Set("codebase_id", codebaseID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
