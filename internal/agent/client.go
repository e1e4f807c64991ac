package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stratushq/stratus/internal/domain"
)

// DefaultTimeout bounds every HTTP call to a node agent.
const DefaultTimeout = 5 * time.Second

// Client talks to node agents over HTTP and websockets, authenticating
// with the shared secret issued at node registration.
type Client struct {
	http   *http.Client
	dialer *websocket.Dialer
}

// Ensure Client implements both agent interfaces.
var (
	_ API          = (*Client)(nil)
	_ StreamDialer = (*Client)(nil)
)

// NewClient creates a new agent client. A non-positive timeout falls back
// to DefaultTimeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http: &http.Client{Timeout: timeout},
		dialer: &websocket.Dialer{
			HandshakeTimeout: timeout,
		},
	}
}

// endpoint builds the agent URL for a path, attaching the shared secret as
// the key query parameter.
func endpoint(node *domain.Node, scheme, path string) string {
	u := url.URL{
		Scheme:   scheme,
		Host:     fmt.Sprintf("%s:%d", node.Host, node.Port),
		Path:     path,
		RawQuery: url.Values{"key": {node.Secret}}.Encode(),
	}
	return u.String()
}

// do performs a request and decodes the JSON body into out (if non-nil).
// Transport failures and non-2xx responses are wrapped in
// domain.ErrRemoteUnavailable so callers can classify them uniformly.
func (c *Client) do(ctx context.Context, method, rawURL string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: agent returned %s", domain.ErrRemoteUnavailable, resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding agent response: %v", domain.ErrRemoteUnavailable, err)
	}
	return nil
}

func (c *Client) Health(ctx context.Context, node *domain.Node) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint(node, "http", "/health"), nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

func (c *Client) Version(ctx context.Context, node *domain.Node) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, endpoint(node, "http", "/version"), nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) Stats(ctx context.Context, node *domain.Node) (json.RawMessage, error) {
	var resp struct {
		Stats json.RawMessage `json:"stats"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint(node, "http", "/stats"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Stats, nil
}

func (c *Client) CreateServer(ctx context.Context, node *domain.Node, req *CreateRequest) (*CreateResponse, error) {
	var resp CreateResponse
	if err := c.do(ctx, http.MethodPost, endpoint(node, "http", "/server/create"), req, &resp); err != nil {
		return nil, err
	}
	if resp.TaskID == "" {
		return nil, fmt.Errorf("%w: agent create returned no task identifier", domain.ErrRemoteUnavailable)
	}
	return &resp, nil
}

func (c *Client) EditServer(ctx context.Context, node *domain.Node, taskID string, req *EditRequest) (string, error) {
	u := endpoint(node, "http", "/server/edit")
	u += "&idt=" + url.QueryEscape(taskID)
	var resp struct {
		ContainerID string `json:"containerId"`
	}
	if err := c.do(ctx, http.MethodPost, u, req, &resp); err != nil {
		return "", err
	}
	return resp.ContainerID, nil
}

func (c *Client) DeleteServer(ctx context.Context, node *domain.Node, taskID string) error {
	return c.do(ctx, http.MethodDelete, endpoint(node, "http", "/server/delete/"+url.PathEscape(taskID)), nil, nil)
}

func (c *Client) ReinstallServer(ctx context.Context, node *domain.Node, taskID string) (string, error) {
	var resp struct {
		ContainerID string `json:"containerId"`
	}
	if err := c.do(ctx, http.MethodPost, endpoint(node, "http", "/server/reinstall/"+url.PathEscape(taskID)), nil, &resp); err != nil {
		return "", err
	}
	return resp.ContainerID, nil
}

func (c *Client) ServerState(ctx context.Context, node *domain.Node, taskID string) (string, error) {
	var resp struct {
		State string `json:"state"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint(node, "http", "/server/"+url.PathEscape(taskID)+"/state"), nil, &resp); err != nil {
		return "", err
	}
	return resp.State, nil
}

func (c *Client) Power(ctx context.Context, node *domain.Node, taskID, action string) error {
	return c.do(ctx, http.MethodPost, endpoint(node, "http", fmt.Sprintf("/server/power/%s/%s", url.PathEscape(taskID), url.PathEscape(action))), nil, nil)
}

func (c *Client) network(ctx context.Context, node *domain.Node, taskID, op string, port int) error {
	path := fmt.Sprintf("/server/network/%s/%s/%d", url.PathEscape(taskID), op, port)
	return c.do(ctx, http.MethodPost, endpoint(node, "http", path), nil, nil)
}

func (c *Client) NetworkAdd(ctx context.Context, node *domain.Node, taskID string, port int) error {
	return c.network(ctx, node, taskID, "add", port)
}

func (c *Client) NetworkSetPrimary(ctx context.Context, node *domain.Node, taskID string, port int) error {
	return c.network(ctx, node, taskID, "setprimary", port)
}

func (c *Client) NetworkRemove(ctx context.Context, node *domain.Node, taskID string, port int) error {
	return c.network(ctx, node, taskID, "remove", port)
}

// DialStream opens the agent's streaming endpoint.
func (c *Client) DialStream(ctx context.Context, node *domain.Node) (StreamConn, error) {
	u := url.URL{
		Scheme: "ws",
		Host:   fmt.Sprintf("%s:%d", node.Host, node.Port),
		Path:   "/stream",
	}
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrRemoteUnavailable, err)
	}
	return conn, nil
}
