// Package client talks to a running conewatch daemon: a JSON client for the
// HTTP API and a Reconnector that keeps a viewer WebSocket alive.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"conewatch/internal/api"
)

// ErrAPIUnavailable reports that no daemon answered at the configured URL.
var ErrAPIUnavailable = errors.New("conewatch API unavailable")

// StatusError is returned for non-2xx replies that carry no typed payload.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api returned status %d", e.Code)
	}
	return fmt.Sprintf("api returned status %d: %s", e.Code, e.Message)
}

// Client is a thin JSON client for the daemon's HTTP API.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// New returns a client for serverURL. A bare host:port is treated as http.
func New(serverURL, token string) (*Client, error) {
	serverURL = strings.TrimSpace(serverURL)
	if serverURL == "" {
		return nil, errors.New("server url required")
	}
	if !strings.Contains(serverURL, "://") {
		serverURL = "http://" + serverURL
	}
	base, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	base.Path = ""
	base.RawQuery = ""
	base.Fragment = ""
	return &Client{
		base:  base,
		token: strings.TrimSpace(token),
		// No timeout: run-pipeline blocks for the whole invocation.
		http: &http.Client{},
	}, nil
}

// WebSocketURL returns the viewer endpoint for this daemon.
func (c *Client) WebSocketURL() string {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	return u.String()
}

// Token returns the bearer token sent with API requests.
func (c *Client) Token() string { return c.token }

// Status fetches the daemon status.
func (c *Client) Status(ctx context.Context) (api.StatusResponse, error) {
	var out api.StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/status", nil, nil, &out)
	return out, err
}

// RunPipeline requests one pipeline invocation. Rejections (invalid step,
// busy) are returned as a response with Success false, not as an error.
func (c *Client) RunPipeline(ctx context.Context, step string) (api.RunPipelineResponse, error) {
	var out api.RunPipelineResponse
	err := c.do(ctx, http.MethodPost, "/api/run-pipeline/"+url.PathEscape(step), nil, nil, &out,
		http.StatusBadRequest, http.StatusConflict)
	return out, err
}

// Params fetches the parameter document.
func (c *Client) Params(ctx context.Context) (api.ParamsResponse, error) {
	var out api.ParamsResponse
	err := c.do(ctx, http.MethodGet, "/api/params", nil, nil, &out)
	return out, err
}

// SaveParams replaces the parameter document with doc.
func (c *Client) SaveParams(ctx context.Context, doc json.RawMessage) (api.ParamsResponse, error) {
	var out api.ParamsResponse
	err := c.do(ctx, http.MethodPost, "/api/params", nil, doc, &out)
	return out, err
}

// RestoreParams resets the parameter document to the built-in defaults.
func (c *Client) RestoreParams(ctx context.Context) (api.ParamsResponse, error) {
	var out api.ParamsResponse
	err := c.do(ctx, http.MethodPost, "/api/params/defaults", nil, nil, &out)
	return out, err
}

// Invocations lists stored invocations, newest first.
func (c *Client) Invocations(ctx context.Context, limit int) (api.InvocationListResponse, error) {
	values := url.Values{}
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	var out api.InvocationListResponse
	err := c.do(ctx, http.MethodGet, "/api/invocations", values, nil, &out)
	return out, err
}

// Invocation fetches one stored invocation by ID.
func (c *Client) Invocation(ctx context.Context, id string) (api.Invocation, error) {
	var out api.Invocation
	err := c.do(ctx, http.MethodGet, "/api/invocations/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// LogQuery selects events from the daemon log stream.
type LogQuery struct {
	Since     uint64
	Tail      int
	Follow    bool
	Component string
}

// Logs fetches log events.
func (c *Client) Logs(ctx context.Context, q LogQuery) (api.LogStreamResponse, error) {
	values := url.Values{}
	if q.Since > 0 {
		values.Set("since", strconv.FormatUint(q.Since, 10))
	}
	if q.Tail > 0 {
		values.Set("tail", strconv.Itoa(q.Tail))
	}
	if q.Follow {
		values.Set("follow", "1")
	}
	if strings.TrimSpace(q.Component) != "" {
		values.Set("component", q.Component)
	}
	var out api.LogStreamResponse
	err := c.do(ctx, http.MethodGet, "/api/logs", values, nil, &out)
	return out, err
}

// do performs one request and decodes the JSON body into out. Status codes
// listed in accept are decoded like 2xx replies.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, out any, accept ...int) error {
	endpoint := c.base.ResolveReference(&url.URL{Path: path, RawQuery: query.Encode()})
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if IsAPIUnavailable(err) {
			return fmt.Errorf("%w: %v", ErrAPIUnavailable, err)
		}
		return err
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	for _, code := range accept {
		if resp.StatusCode == code {
			ok = true
		}
	}
	if !ok {
		var apiErr api.ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &apiErr) != nil || apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(data))
		}
		return &StatusError{Code: resp.StatusCode, Message: apiErr.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// IsAPIUnavailable reports whether err means the daemon could not be reached.
func IsAPIUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAPIUnavailable) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		err = urlErr.Err
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
