// Package chatstate keeps an observable, cache-backed mirror of chat state
// (channels, messages, members, reads, typing) consistent across paginated
// REST fetches, the realtime event stream and a local cache.
//
// Example:
//
//	client := chatstate.NewClient(token, chatstate.WithBaseURL("https://chat.example.com"))
//	session := chatstate.NewSession(chatstate.User{ID: "alice"}, client)
//	defer session.Close()
//
//	query := session.QueryChannels(chatstate.In("members", "alice"), chatstate.DefaultChannelSort())
//	_ = query.QueryFirstPage(ctx, 30)
//	for channels := range query.State().Channels().Subscribe(ctx) {
//		render(channels)
//	}
package chatstate

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

// ChatAPI is the subset of the backend used by the state layer.
type ChatAPI interface {
	QueryChannels(ctx context.Context, req QueryChannelsRequest) ([]Channel, error)
	QueryChannel(ctx context.Context, cid string, req QueryChannelRequest) (Channel, error)
	SendMessage(ctx context.Context, cid string, m Message) (Message, error)
	MarkRead(ctx context.Context, cid string) error
}

const (
	DefaultBaseURL = "http://localhost:3030"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client implements ChatAPI over JSON/HTTP.
type Client struct {
	token      string
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a new API client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:     token,
		baseURL:   DefaultBaseURL,
		userAgent: "chatstate-go",
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Chat-Client", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		apiErr.StatusCode = resp.StatusCode
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func channelPath(cid, suffix string) (string, error) {
	t, id, err := ParseCID(cid)
	if err != nil {
		return "", err
	}
	return "/channels/" + url.PathEscape(t) + "/" + url.PathEscape(id) + suffix, nil
}

// ============================================================================
// Channels
// ============================================================================

// QueryChannels runs one page of a channel list query.
func (c *Client) QueryChannels(ctx context.Context, req QueryChannelsRequest) ([]Channel, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/channels", req, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[struct {
		Channels []Channel `json:"channels"`
	}](data)
	if err != nil {
		return nil, err
	}
	channels := resp.Channels
	for i := range channels {
		channels[i] = channels[i].normalize()
	}
	if channels == nil {
		channels = []Channel{}
	}
	return channels, nil
}

// QueryChannel fetches, and optionally starts watching, a single channel.
func (c *Client) QueryChannel(ctx context.Context, cid string, req QueryChannelRequest) (Channel, error) {
	path, err := channelPath(cid, "/query")
	if err != nil {
		return Channel{}, err
	}
	data, err := c.doRequest(ctx, http.MethodPost, path, req, nil)
	if err != nil {
		return Channel{}, err
	}
	ch, err := decodeJSON[Channel](data)
	if err != nil {
		return Channel{}, err
	}
	return ch.normalize(), nil
}

// ============================================================================
// Messages and reads
// ============================================================================

func (c *Client) SendMessage(ctx context.Context, cid string, m Message) (Message, error) {
	path, err := channelPath(cid, "/message")
	if err != nil {
		return Message{}, err
	}
	data, err := c.doRequest(ctx, http.MethodPost, path, map[string]any{"message": m}, nil)
	if err != nil {
		return Message{}, err
	}
	resp, err := decodeJSON[struct {
		Message Message `json:"message"`
	}](data)
	if err != nil {
		return Message{}, err
	}
	if resp.Message.CID == "" {
		resp.Message.CID = cid
	}
	return resp.Message, nil
}

func (c *Client) MarkRead(ctx context.Context, cid string) error {
	path, err := channelPath(cid, "/read")
	if err != nil {
		return err
	}
	_, err = c.doRequest(ctx, http.MethodPost, path, map[string]any{}, nil)
	return err
}

// Health checks that the backend is reachable.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/health", nil, nil)
	return err
}

var _ ChatAPI = (*Client)(nil)
