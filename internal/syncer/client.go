package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gitswarm/gitswarm/internal/consensus"
	"github.com/gitswarm/gitswarm/internal/errkind"
	"github.com/gitswarm/gitswarm/internal/types"
)

// DefaultTimeout is the per-request timeout for federation server calls.
const DefaultTimeout = 30 * time.Second

// Client talks to a federation server over HTTP.
type Client struct {
	Endpoint   string
	Token      string
	HTTPClient *http.Client
}

// NewClient creates a federation server client.
func NewClient(endpoint, token string) *Client {
	return &Client{
		Endpoint: endpoint,
		Token:    token,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// WithHTTPClient returns a copy using the given HTTP client. Used by tests
// to point at an httptest server with custom transport settings.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	return &Client{Endpoint: c.Endpoint, Token: c.Token, HTTPClient: hc}
}

// EventEnvelope is one queued event on the wire.
type EventEnvelope struct {
	Seq       int64           `json:"seq"`
	RepoID    string          `json:"repo_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// EventResult is the server's per-event outcome of a batch apply. Status is
// "ok", "duplicate", "error" or "pending". The batch applies in one server
// transaction; the first retryable error stops processing and the rest come
// back pending so seq order is preserved. Terminal marks a validation-class
// rejection no retry will fix; the server keeps applying the rest of the
// batch past it.
type EventResult struct {
	Seq        int64  `json:"seq"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	ExistingID string `json:"existing_id,omitempty"`
	Terminal   bool   `json:"terminal,omitempty"`
}

// Event result statuses.
const (
	StatusOK        = "ok"
	StatusDuplicate = "duplicate"
	StatusError     = "error"
	StatusPending   = "pending"
)

// RegisterResponse is the server's answer to first-contact registration.
type RegisterResponse struct {
	ID    string `json:"id"`
	OrgID string `json:"org_id"`
}

// PollResponse carries server-side updates since the client's cursor, plus
// the next cursor (server time, ISO 8601).
type PollResponse struct {
	Events []types.SyncEvent `json:"events"`
	Cursor string            `json:"cursor"`
}

// RegisterRepo performs first-contact registration, creating the caller's
// personal org when needed.
func (c *Client) RegisterRepo(ctx context.Context, name, agentID string) (*RegisterResponse, error) {
	var out RegisterResponse
	body := map[string]string{"name": name, "agent_id": agentID}
	if err := c.do(ctx, http.MethodPost, "/repos/register", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PushEvents replays a batch of queued events to the server. A transport
// failure or 5xx comes back as server_unavailable.
func (c *Client) PushEvents(ctx context.Context, repoID string, events []EventEnvelope) ([]EventResult, error) {
	var out struct {
		Results []EventResult `json:"results"`
	}
	body := map[string]interface{}{"repo_id": repoID, "events": events}
	if err := c.do(ctx, http.MethodPost, "/sync/batch", body, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// CheckConsensus asks the server to evaluate consensus for a stream.
func (c *Client) CheckConsensus(ctx context.Context, repoID, streamID string) (*consensus.Result, error) {
	var out consensus.Result
	path := "/streams/" + url.PathEscape(streamID) + "/consensus?repo_id=" + url.QueryEscape(repoID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	out.IsServerAuthoritative = true
	return &out, nil
}

// SubmitReview submits a review directly to the server.
func (c *Client) SubmitReview(ctx context.Context, streamID string, review *types.Review) error {
	path := "/streams/" + url.PathEscape(streamID) + "/reviews"
	return c.do(ctx, http.MethodPost, path, review, nil)
}

// RequestMerge asks the server to authorize or perform a merge.
func (c *Client) RequestMerge(ctx context.Context, streamID, agentID string) error {
	path := "/streams/" + url.PathEscape(streamID) + "/merge"
	return c.do(ctx, http.MethodPost, path, map[string]string{"agent_id": agentID}, nil)
}

// ServerConfig fetches the server-owned portion of a repo's config.
func (c *Client) ServerConfig(ctx context.Context, repoID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	path := "/repos/" + url.PathEscape(repoID) + "/config"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Poll fetches server-side updates after the given cursor.
func (c *Client) Poll(ctx context.Context, repoID, cursor string) (*PollResponse, error) {
	var out PollResponse
	path := "/updates?since=" + url.QueryEscape(cursor) + "&repo_id=" + url.QueryEscape(repoID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errkind.Wrap(errkind.Fatal, err, "marshal request")
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Endpoint+path, body)
	if err != nil {
		return errkind.Wrap(errkind.Fatal, err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.ServerUnavailable, err, "federation server unreachable")
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errkind.Wrap(errkind.ServerUnavailable, err, "read response")
	}
	switch {
	case resp.StatusCode >= 500:
		return errkind.New(errkind.ServerUnavailable, "server error %d: %s", resp.StatusCode, string(respBody))
	case resp.StatusCode == http.StatusConflict:
		return errkind.New(errkind.Conflict, "server rejected request: %s", string(respBody))
	case resp.StatusCode == http.StatusNotFound:
		return errkind.New(errkind.NotFound, "not found: %s", string(respBody))
	case resp.StatusCode >= 400:
		return errkind.New(errkind.InvalidInput, "server error %d: %s", resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return errkind.Wrap(errkind.Fatal, err, "parse response (body: %s)", string(respBody))
	}
	return nil
}
