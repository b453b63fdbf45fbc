// Package transport talks to the central excursion server over HTTP.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"excursion-sync-service/internal/queue"
)

const (
	HeaderTenant      = "X-Tenant-ID"
	HeaderIdempotency = "Idempotency-Key"

	maxErrorBody = 512
)

var ErrNoToken = errors.New("transport: no auth token available")

// TokenProvider supplies the bearer credential for each request.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

type StaticToken string

func (t StaticToken) Token(ctx context.Context) (string, error) {
	if t == "" {
		return "", ErrNoToken
	}
	return string(t), nil
}

type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

type Outcome int

const (
	Accepted Outcome = iota
	Conflicted
	Rejected
	Transient
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Conflicted:
		return "conflict"
	case Rejected:
		return "rejected"
	}
	return "transient"
}

type ConflictInfo struct {
	ServerVersion  json.RawMessage `json:"serverVersion"`
	ConflictFields []string        `json:"conflictFields"`
}

// Result classifies one delivery attempt. Err is set for Rejected and
// Transient outcomes.
type Result struct {
	Outcome       Outcome
	StatusCode    int
	ServerID      string
	ServerVersion *int64
	Conflict      *ConflictInfo
	Err           error
}

type Client struct {
	baseURL    string
	tenantID   string
	tokens     TokenProvider
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithTenant(tenantID string) ClientOption {
	return func(c *Client) { c.tenantID = tenantID }
}

func WithTokenProvider(p TokenProvider) ClientOption {
	return func(c *Client) { c.tokens = p }
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type deliverBody struct {
	EntityID   string          `json:"entityId"`
	EntityType string          `json:"entityType"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"createdAt"`
}

type acceptedBody struct {
	ServerID      string `json:"serverId"`
	ServerVersion *int64 `json:"serverVersion"`
}

// Deliver POSTs one queue item to /sync/{type}. The item id travels as the
// idempotency key so a re-delivery has no second effect on the server.
func (c *Client) Deliver(ctx context.Context, item *queue.Item) Result {
	body, err := json.Marshal(deliverBody{
		EntityID:   item.EntityID,
		EntityType: item.EntityType,
		Payload:    item.Payload,
		CreatedAt:  item.CreatedAt,
	})
	if err != nil {
		return Result{Outcome: Rejected, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/sync/"+string(item.Type), body)
	if err != nil {
		return Result{Outcome: Transient, Err: err}
	}
	req.Header.Set(HeaderIdempotency, item.ID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{Outcome: Transient, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{Outcome: Transient, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	return classify(resp.StatusCode, data)
}

func classify(status int, data []byte) Result {
	switch {
	case status >= 200 && status < 300:
		res := Result{Outcome: Accepted, StatusCode: status}
		if len(bytes.TrimSpace(data)) > 0 {
			var body acceptedBody
			if err := json.Unmarshal(data, &body); err == nil {
				res.ServerID = body.ServerID
				res.ServerVersion = body.ServerVersion
			}
		}
		return res

	case status == http.StatusConflict:
		var info ConflictInfo
		if err := json.Unmarshal(data, &info); err != nil {
			info = ConflictInfo{}
		}
		if len(info.ServerVersion) == 0 {
			info.ServerVersion = json.RawMessage(`{}`)
		}
		return Result{Outcome: Conflicted, StatusCode: status, Conflict: &info}

	case status >= 400 && status < 500:
		return Result{Outcome: Rejected, StatusCode: status, Err: statusError(status, data)}
	}
	return Result{Outcome: Transient, StatusCode: status, Err: statusError(status, data)}
}

func statusError(status int, data []byte) error {
	msg := strings.TrimSpace(string(data))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}
	if msg == "" {
		return fmt.Errorf("server returned %d", status)
	}
	return fmt.Errorf("server returned %d: %s", status, msg)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("auth token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.tenantID != "" {
		req.Header.Set(HeaderTenant, c.tenantID)
	}
	return req, nil
}
