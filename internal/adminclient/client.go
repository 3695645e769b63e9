package adminclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/marcus/statesync/internal/models"
	"github.com/marcus/statesync/internal/replica"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrUnavailable       = errors.New("node unavailable")
)

// Client is an HTTP client for a node's admin API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// New creates a new admin client. addr may omit the scheme.
func New(addr, token string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		BaseURL: strings.TrimRight(addr, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// --- Types (mirror internal/api, independently defined) ---

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Node   string `json:"node"`
	Detail string `json:"detail,omitempty"`
}

// TransitionResponse is the response from a transition request.
type TransitionResponse struct {
	Success  bool         `json:"success"`
	NewState models.State `json:"new_state"`
	Version  int64        `json:"version"`
}

// Workflow describes a node's transition table.
type Workflow struct {
	States      []models.State                  `json:"states"`
	Initial     models.State                    `json:"initial"`
	Transitions map[models.State][]models.State `json:"transitions"`
}

// PeersResponse is the response from GET /v1/peers.
type PeersResponse struct {
	Peers []replica.PeerStats `json:"peers"`
	Probe map[string]string   `json:"probe,omitempty"`
}

// ListOptions filters ListEntities.
type ListOptions struct {
	State     models.State
	AttrKey   string
	AttrValue string
}

// HealthCheck hits the /healthz endpoint to verify node reachability.
func (c *Client) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, "GET", "/healthz", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- Entity methods ---

// CreateEntity creates an entity, optionally at an explicit initial state.
func (c *Client) CreateEntity(ctx context.Context, attrs models.Attributes, state models.State) (*models.Entity, error) {
	body := map[string]any{"attributes": attrs}
	if state != "" {
		body["state"] = state
	}
	var resp models.Entity
	if err := c.do(ctx, "POST", "/v1/entities", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetEntity fetches one entity.
func (c *Client) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	var resp models.Entity
	if err := c.do(ctx, "GET", "/v1/entities/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListEntities lists entities matching opts.
func (c *Client) ListEntities(ctx context.Context, opts ListOptions) ([]models.Entity, error) {
	params := url.Values{}
	if opts.State != "" {
		params.Set("state", string(opts.State))
	}
	if opts.AttrKey != "" {
		params.Set("attr", opts.AttrKey+"="+opts.AttrValue)
	}
	path := "/v1/entities"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp []models.Entity
	if err := c.do(ctx, "GET", path, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// UpdateEntity merges attrs (nil values remove keys) and, when state is
// set, also transitions the entity.
func (c *Client) UpdateEntity(ctx context.Context, id string, attrs models.Attributes, state models.State) (*models.Entity, error) {
	body := map[string]any{"attributes": attrs}
	if state != "" {
		body["state"] = state
	}
	var resp models.Entity
	if err := c.do(ctx, "PATCH", "/v1/entities/"+url.PathEscape(id), body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Transition moves an entity to state to.
func (c *Client) Transition(ctx context.Context, id string, to models.State) (*TransitionResponse, error) {
	var resp TransitionResponse
	if err := c.do(ctx, "POST", "/v1/entities/"+url.PathEscape(id)+"/transition", map[string]any{"to": to}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteEntity deletes an entity.
func (c *Client) DeleteEntity(ctx context.Context, id string) error {
	return c.do(ctx, "DELETE", "/v1/entities/"+url.PathEscape(id), nil, nil)
}

// History returns an entity's activity records.
func (c *Client) History(ctx context.Context, id string) ([]models.ActivityRecord, error) {
	var resp []models.ActivityRecord
	if err := c.do(ctx, "GET", "/v1/entities/"+url.PathEscape(id)+"/activity", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// --- Node methods ---

// Stats fetches engine stats.
func (c *Client) Stats(ctx context.Context) (*replica.Stats, error) {
	var resp replica.Stats
	if err := c.do(ctx, "GET", "/v1/stats", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Workflow fetches the transition table.
func (c *Client) Workflow(ctx context.Context) (*Workflow, error) {
	var resp Workflow
	if err := c.do(ctx, "GET", "/v1/workflow", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Peers lists peers; probe also pings each one.
func (c *Client) Peers(ctx context.Context, probe bool) (*PeersResponse, error) {
	path := "/v1/peers"
	if probe {
		path += "?probe=1"
	}
	var resp PeersResponse
	if err := c.do(ctx, "GET", path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AddPeer registers a peer. It reports false when already registered.
func (c *Client) AddPeer(ctx context.Context, addr string) (bool, error) {
	var resp struct {
		Added bool `json:"added"`
	}
	if err := c.do(ctx, "POST", "/v1/peers", map[string]string{"address": addr}, &resp); err != nil {
		return false, err
	}
	return resp.Added, nil
}

// RemovePeer unregisters a peer.
func (c *Client) RemovePeer(ctx context.Context, addr string) error {
	return c.do(ctx, "DELETE", "/v1/peers?address="+url.QueryEscape(addr), nil, nil)
}

// Flush asks the node to push its queue to every peer now.
func (c *Client) Flush(ctx context.Context) error {
	return c.do(ctx, "POST", "/v1/flush", nil, nil)
}

// --- HTTP helpers ---

// APIError is the standard error body from the node.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var envelope struct {
			Error APIError `json:"error"`
		}
		if json.Unmarshal(respBody, &envelope) == nil && envelope.Error.Code != "" {
			apiErr := envelope.Error
			apiErr.Status = resp.StatusCode
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message)
			case http.StatusNotFound:
				return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
			case http.StatusConflict:
				return fmt.Errorf("%w: %s", ErrInvalidTransition, apiErr.Message)
			case http.StatusServiceUnavailable:
				return fmt.Errorf("%w: %s", ErrUnavailable, apiErr.Message)
			default:
				return &apiErr
			}
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}
