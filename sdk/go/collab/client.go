// Package collab provides a thin HTTP client for the collaboration
// gateway REST API.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the collaboration gateway REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// ToolResult is the envelope every tool call returns. On failure Success is
// false and Error/Code describe the reason; extra fields land in Data.
type ToolResult struct {
	Success bool
	Error   string
	Code    string
	Data    map[string]any
}

// Health describes the gateway self-report.
type Health struct {
	Name           string  `json:"name"`
	Version        string  `json:"version"`
	State          string  `json:"state"`
	SyncLagSeconds float64 `json:"syncLagSeconds"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("collab api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("collab api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the gateway API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken stores the bearer token attached to subsequent requests.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// CallTool invokes a gateway tool by name with the given request payload.
func (c *Client) CallTool(ctx context.Context, tool string, request map[string]any) (*ToolResult, error) {
	if request == nil {
		request = map[string]any{}
	}
	raw := map[string]any{}
	if err := c.post(ctx, "/api/v1/tools/"+tool, request, &raw); err != nil {
		return nil, err
	}

	result := &ToolResult{Data: map[string]any{}}
	for key, value := range raw {
		switch key {
		case "success":
			result.Success, _ = value.(bool)
		case "error":
			result.Error, _ = value.(string)
		case "code":
			result.Code, _ = value.(string)
		default:
			result.Data[key] = value
		}
	}
	return result, nil
}

// ReadResource fetches a resource by URI and decodes its JSON payload.
func (c *Client) ReadResource(ctx context.Context, uri string, out any) error {
	endpoint := "/api/v1/resources?uri=" + url.QueryEscape(uri)
	return c.get(ctx, endpoint, out)
}

// Healthz returns the gateway self-report.
func (c *Client) Healthz(ctx context.Context) (Health, error) {
	var health Health
	if err := c.get(ctx, "/healthz", &health); err != nil {
		return Health{}, err
	}
	return health, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
