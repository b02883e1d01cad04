// Package pollsvc is the client for the remote polling service that watches
// tracker URLs on the daemon's behalf.
package pollsvc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// RemoteError is a non-2xx answer from the polling service.
type RemoteError struct {
	Op     string
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s: server returned %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: server returned %d - %s", e.Op, e.Status, body)
}

// StartRequest is the body of POST /start_monitor.
type StartRequest struct {
	URL      string `json:"url"`
	PageURL  string `json:"pageUrl"`
	Email    string `json:"email"`
	Interval int    `json:"interval"`
	Title    string `json:"title"`
}

type startResponse struct {
	TaskID string `json:"task_id"`
}

type stopRequest struct {
	TaskID string `json:"task_id"`
}

// ServerInfo is the opaque /health document.
type ServerInfo map[string]any

type Client struct {
	base string
	http *http.Client
}

// New builds a client for baseURL. timeout <= 0 leaves calls bounded only by
// their context.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid polling service url %q", baseURL)
	}
	hc := &http.Client{}
	if timeout > 0 {
		hc.Timeout = timeout
	}
	return &Client{base: strings.TrimRight(u.String(), "/"), http: hc}, nil
}

// WithHTTPClient swaps the transport; tests use it with httptest servers.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	cp := *c
	cp.http = hc
	return &cp
}

func (c *Client) BaseURL() string { return c.base }

func (c *Client) Start(ctx context.Context, req StartRequest) (string, error) {
	body, err := c.do(ctx, "start_monitor", http.MethodPost, "/start_monitor", req)
	if err != nil {
		return "", err
	}
	var out startResponse
	if err := sonic.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("start_monitor: decode response: %w", err)
	}
	return out.TaskID, nil
}

// Stop deregisters taskID. The text body is only used for errors.
func (c *Client) Stop(ctx context.Context, taskID string) error {
	_, err := c.do(ctx, "stop_monitor", http.MethodPost, "/stop_monitor", stopRequest{TaskID: taskID})
	return err
}

func (c *Client) Health(ctx context.Context) (ServerInfo, error) {
	body, err := c.do(ctx, "health", http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}
	info := ServerInfo{}
	if len(bytes.TrimSpace(body)) == 0 {
		return info, nil
	}
	if err := sonic.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("health: decode response: %w", err)
	}
	return info, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in any) ([]byte, error) {
	var rd io.Reader
	if in != nil {
		b, err := sonic.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal request: %w", op, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", op, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, &RemoteError{Op: op, Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// IsConnectivity reports whether err means the service could not be reached,
// as opposed to answering badly.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue)
}
