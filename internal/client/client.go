// Package client talks to a running chronicle server over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/lazypower/chronicle/internal/store"
)

const (
	defaultServerURL = "http://127.0.0.1:37778"
	httpTimeout      = 5 * time.Second
)

// Client is a thin JSON client for the chronicle API.
type Client struct {
	http      *http.Client
	serverURL string
}

// New creates a client for serverURL. An empty URL falls back to
// CHRONICLE_URL, then http://127.0.0.1:37778.
func New(serverURL string) *Client {
	if serverURL == "" {
		serverURL = os.Getenv("CHRONICLE_URL")
	}
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	return &Client{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: strings.TrimRight(serverURL, "/"),
	}
}

// URL returns the server base URL.
func (c *Client) URL() string {
	return c.serverURL
}

// StatusError is a non-2xx API response.
type StatusError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode %s body: %w", path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return resp.StatusCode, &StatusError{Method: method, Path: path, Status: resp.StatusCode, Message: msg}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

// Healthy checks if the server is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	status, err := c.do(ctx, http.MethodGet, "/api/health", nil, nil)
	return err == nil && status == http.StatusOK
}

// AppendEvent posts one event. It reports whether the server stored a new
// row; a replayed event_id returns false.
func (c *Client) AppendEvent(ctx context.Context, ev *store.Event) (bool, error) {
	var resp struct {
		EventID  string `json:"event_id"`
		Inserted bool   `json:"inserted"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/api/events", ev, &resp); err != nil {
		return false, err
	}
	if resp.EventID != "" {
		ev.EventID = resp.EventID
	}
	return resp.Inserted, nil
}

// OwnerContext fetches the markdown digest for an owner.
func (c *Client) OwnerContext(ctx context.Context, ownerID string) (string, error) {
	var resp struct {
		Context string `json:"context"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/api/owners/"+url.PathEscape(ownerID)+"/context", nil, &resp); err != nil {
		return "", err
	}
	return resp.Context, nil
}
