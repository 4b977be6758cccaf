// Package appclient is the typed client for the paneflowd UDS API.
package appclient

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
	"strings"
	"time"

	"github.com/g960059/paneflow/internal/api"
)

const defaultUnaryTimeout = 10 * time.Second

type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewWithClient("http://unix", &http.Client{Transport: transport})
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

// RequestError is a non-2xx daemon response, decoded from the error
// envelope when one was present.
type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	switch {
	case code != "" && message != "":
		return fmt.Sprintf("%s: %s", code, message)
	case code != "":
		return fmt.Sprintf("http %d: %s", e.StatusCode, code)
	case message != "":
		return fmt.Sprintf("http %d: %s", e.StatusCode, message)
	default:
		return fmt.Sprintf("http %d", e.StatusCode)
	}
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.doJSON(ctx, http.MethodGet, "/v1/health", nil, &out)
	return out, err
}

func (c *Client) Panes(ctx context.Context) (api.PanesEnvelope, error) {
	var out api.PanesEnvelope
	err := c.doJSON(ctx, http.MethodGet, "/v1/panes", nil, &out)
	return out, err
}

func (c *Client) Attach(ctx context.Context, req api.PaneAttachRequest) (api.PaneAttachResponse, error) {
	var out api.PaneAttachResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/panes", req, &out)
	return out, err
}

func (c *Client) Detach(ctx context.Context, paneID string) (api.PaneDetachResponse, error) {
	var out api.PaneDetachResponse
	err := c.doJSON(ctx, http.MethodDelete, "/v1/panes/"+url.PathEscape(paneID), nil, &out)
	return out, err
}

func (c *Client) Resize(ctx context.Context, paneID string, req api.ResizeRequest) (api.ResizeResponse, error) {
	var out api.ResizeResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/panes/"+url.PathEscape(paneID)+"/resize", req, &out)
	return out, err
}

func (c *Client) Frame(ctx context.Context, req api.FrameRequest) (api.FrameResponse, error) {
	var out api.FrameResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/frame", req, &out)
	return out, err
}

func (c *Client) Control(ctx context.Context, req api.ControlRequest) (api.ControlResponse, error) {
	var out api.ControlResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/control", req, &out)
	return out, err
}

func (c *Client) Debug(ctx context.Context) (api.DebugEnvelope, error) {
	var out api.DebugEnvelope
	err := c.doJSON(ctx, http.MethodGet, "/v1/debug", nil, &out)
	return out, err
}

func (c *Client) Metrics(ctx context.Context) (api.MetricsEnvelope, error) {
	var out api.MetricsEnvelope
	err := c.doJSON(ctx, http.MethodGet, "/v1/metrics", nil, &out)
	return out, err
}

// RawJSON performs a request and returns the undecoded response body
// for --json style passthrough output.
func (c *Client) RawJSON(ctx context.Context, method, path string, body any) ([]byte, error) {
	return c.request(ctx, method, path, body)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	payload, err := c.request(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path string, body any) ([]byte, error) {
	if c.unaryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
		defer cancel()
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		reqErr := &RequestError{StatusCode: resp.StatusCode}
		var er api.ErrorResponse
		if unmarshalErr := json.Unmarshal(payload, &er); unmarshalErr == nil && er.Error.Code != "" {
			reqErr.Code = er.Error.Code
			reqErr.Message = er.Error.Message
		} else {
			reqErr.Message = strings.TrimSpace(string(payload))
		}
		return nil, reqErr
	}
	return payload, nil
}

// IsNotFound reports whether err is a daemon 404.
func IsNotFound(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) && reqErr.StatusCode == http.StatusNotFound
}
