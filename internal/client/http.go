package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alfredjeanlab/turnqueue/internal/events"
	"github.com/alfredjeanlab/turnqueue/internal/model"
	"github.com/alfredjeanlab/turnqueue/internal/orders"
)

// HTTPClient implements QueueClient against the turnq REST API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPClient creates a client for baseURL (e.g. "http://localhost:8080").
// When token is non-empty it is sent as a bearer token on every request.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

// Close is a no-op for the HTTP client.
func (c *HTTPClient) Close() error { return nil }

func agentPath(id int64, suffix string) string {
	return "/v1/agents/" + strconv.FormatInt(id, 10) + suffix
}

// --- Agents ---

func (c *HTTPClient) ListAgents(ctx context.Context) (*AgentList, error) {
	var resp AgentList
	if err := c.doJSON(ctx, http.MethodGet, "/v1/agents", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) GetAgent(ctx context.Context, id int64) (*AgentEntry, error) {
	var a AgentEntry
	if err := c.doJSON(ctx, http.MethodGet, agentPath(id, ""), nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *HTTPClient) AddAgent(ctx context.Context, name string) (*model.Agent, error) {
	var a model.Agent
	if err := c.doJSON(ctx, http.MethodPost, "/v1/agents", map[string]string{"name": name}, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *HTTPClient) SetAgentActive(ctx context.Context, id int64, active bool) (*model.Agent, error) {
	suffix := "/deactivate"
	if active {
		suffix = "/activate"
	}
	var a model.Agent
	if err := c.doJSON(ctx, http.MethodPost, agentPath(id, suffix), nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *HTTPClient) Notify(ctx context.Context, id int64, text, from string) (*events.Message, error) {
	body := map[string]string{"text": text}
	if from != "" {
		body["from"] = from
	}
	var m events.Message
	if err := c.doJSON(ctx, http.MethodPost, agentPath(id, "/notify"), body, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// --- Turn ---

func (c *HTTPClient) State(ctx context.Context) (*model.GlobalState, error) {
	var g model.GlobalState
	if err := c.doJSON(ctx, http.MethodGet, "/v1/state", nil, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (c *HTTPClient) Advance(ctx context.Context, cause model.AdvanceCause) (*model.GlobalState, error) {
	var body any
	if cause != "" {
		body = map[string]string{"cause": string(cause)}
	}
	var g model.GlobalState
	if err := c.doJSON(ctx, http.MethodPost, "/v1/turn/advance", body, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (c *HTTPClient) Force(ctx context.Context, id int64) (*model.GlobalState, error) {
	var g model.GlobalState
	if err := c.doJSON(ctx, http.MethodPost, "/v1/turn/force", map[string]int64{"agent_id": id}, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (c *HTTPClient) TurnEvents(ctx context.Context, limit int) ([]*model.TurnEvent, error) {
	path := "/v1/turn/events"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Events []*model.TurnEvent `json:"events"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// --- Orders ---

func (c *HTTPClient) ListOrders(ctx context.Context, req *ListOrdersRequest) ([]*model.Order, error) {
	q := url.Values{}
	if req.AgentID > 0 {
		q.Set("agent", strconv.FormatInt(req.AgentID, 10))
	}
	if req.Range != "" {
		q.Set("range", string(req.Range))
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	path := "/v1/orders"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp struct {
		Orders []*model.Order `json:"orders"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Orders, nil
}

// Submit records an order for agentID. A failure after the order was
// stored comes back as an *APIError whose Stage names the failed step.
func (c *HTTPClient) Submit(ctx context.Context, agentID int64, reference string) (*orders.Receipt, error) {
	body := map[string]any{"agent_id": agentID, "reference": reference}
	var r orders.Receipt
	if err := c.doJSON(ctx, http.MethodPost, "/v1/orders", body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *HTTPClient) Stats(ctx context.Context, rng model.OrderRange) (*orders.Stats, error) {
	path := "/v1/stats"
	if rng != "" {
		path += "?range=" + url.QueryEscape(string(rng))
	}
	var st orders.Stats
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *HTTPClient) Health(ctx context.Context) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/health", nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// --- internal helpers ---

// APIError represents an error response from the server.
type APIError struct {
	StatusCode int
	Message    string
	// Stage is set when a submission failed after its order was stored.
	Stage string
}

func (e *APIError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("HTTP %d: %s (stage %s)", e.StatusCode, e.Message, e.Stage)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// doJSON performs an HTTP request with optional JSON body and decodes the JSON response.
// If result is nil, the response body is discarded.
// getRetries bounds extra attempts for GETs that fail before reaching
// the handler. Writes are never retried.
const getRetries = 2

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body, result any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
	}

	send := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		if method == http.MethodGet && isTransient(resp.StatusCode) {
			defer resp.Body.Close()
			return nil, decodeAPIError(resp)
		}
		return resp, nil
	}

	var policy backoff.BackOff = &backoff.StopBackOff{}
	if method == http.MethodGet {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 50 * time.Millisecond
		policy = backoff.WithMaxRetries(eb, getRetries)
	}
	resp, err := backoff.RetryWithData(send, backoff.WithContext(policy, ctx))
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(resp)
	}
	if result == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func isTransient(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
		Stage string `json:"stage"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		apiErr.Message, apiErr.Stage = body.Error, body.Stage
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}
