package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"mdquery/internal/cache"
	"mdquery/internal/domain"
	"mdquery/internal/history"
	"mdquery/internal/service/query"
)

// userHeader is the server's default header for naming unauthenticated users.
const userHeader = "X-MDQ-User"

// APIError is a non-2xx response of the mdq server.
type APIError struct {
	HTTPStatus int    `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.HTTPStatus, e.Message)
}

// Client talks to the /v1 API of an mdq server.
type Client struct {
	BaseURL string
	APIKey  string
	Token   string
	User    string
	HTTP    *http.Client
}

// NewClient creates a Client for baseURL.
func NewClient(baseURL, apiKey, token, user string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid host %q: expected http(s)://host[:port]", baseURL)
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Token:   token,
		User:    user,
		HTTP:    &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.Token != "":
		req.Header.Set("Authorization", "Bearer "+c.Token)
	case c.APIKey != "":
		req.Header.Set("X-API-Key", c.APIKey)
	}
	if c.User != "" {
		req.Header.Set(userHeader, c.User)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{HTTPStatus: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Query executes dto on the server.
func (c *Client) Query(ctx context.Context, dto *domain.QueryDto) (*query.Result, error) {
	var res query.Result
	if err := c.do(ctx, http.MethodPost, "/v1/query", dto, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Compile returns the SQL the server generates for dto.
func (c *Client) Compile(ctx context.Context, dto *domain.QueryDto) (string, error) {
	var res struct {
		SQL string `json:"sql"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/compile", dto, &res); err != nil {
		return "", err
	}
	return res.SQL, nil
}

// CacheStats returns the caller's cache counters.
func (c *Client) CacheStats(ctx context.Context) (*cache.Stats, error) {
	var stats cache.Stats
	if err := c.do(ctx, http.MethodGet, "/v1/cache/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// ClearCache drops the caller's cached measures.
func (c *Client) ClearCache(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/v1/cache", nil, nil)
}

// History lists the caller's recorded queries.
func (c *Client) History(ctx context.Context, status string, limit int) ([]history.Entry, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var res struct {
		Entries []history.Entry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return res.Entries, nil
}
