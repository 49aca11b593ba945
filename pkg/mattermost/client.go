// Package mattermost speaks the Mattermost v4 API: REST calls for records
// and posts, and the websocket event stream for real-time delivery.
package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// APIError is a non-2xx response from the server, surfaced with the status
// code and the raw body text.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mattermost API error: status %d: %s", e.StatusCode, e.Body)
}

// Client performs authenticated REST calls against a Mattermost server.
// Calls carry no retry logic; a failed call is the caller's problem.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a REST client for the given server base URL. Trailing
// slashes are stripped once, here.
func NewClient(serverURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(serverURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v4"+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// GetMe fetches the authenticated bot's own user record.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/users/me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/users/"+id, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) GetChannel(ctx context.Context, id string) (*Channel, error) {
	var ch Channel
	if err := c.do(ctx, http.MethodGet, "/channels/"+id, nil, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// CreatePost posts a message into a channel; rootID may be empty for an
// unthreaded post.
func (c *Client) CreatePost(ctx context.Context, channelID, message, rootID string) (*Post, error) {
	payload := map[string]string{
		"channel_id": channelID,
		"message":    message,
	}
	if rootID != "" {
		payload["root_id"] = rootID
	}
	var p Post
	if err := c.do(ctx, http.MethodPost, "/posts", payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdatePost replaces the text of an existing post.
func (c *Client) UpdatePost(ctx context.Context, postID, message string) (*Post, error) {
	payload := map[string]string{
		"id":      postID,
		"message": message,
	}
	var p Post
	if err := c.do(ctx, http.MethodPut, "/posts/"+postID, payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
