// Package omv is a client for the openmediavault JSON-RPC endpoint
// (rpc.php). Calls are either unauthenticated (Session.login), whose
// response cookies become the client's session, or authenticated, which
// replay the stored session cookie.
package omv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nugget/omvbridge/internal/httpkit"
)

const rpcPath = "/rpc.php"

// maxResponseBytes caps an RPC response body. Disk and filesystem
// enumerations on large appliances stay well under this.
const maxResponseBytes = 8 << 20

// levelTrace matches config.LevelTrace without importing config.
const levelTrace = slog.Level(-8)

// ClientConfig configures a Client.
type ClientConfig struct {
	// URL is the appliance base URL, e.g. "https://nas.local".
	URL      string
	Username string
	Password string

	// InsecureSkipVerify disables TLS certificate checks for
	// appliances with self-signed certificates.
	InsecureSkipVerify bool

	// Timeout bounds each HTTP request. Zero means 30 seconds.
	Timeout time.Duration

	Logger *slog.Logger

	// HTTPClient replaces the httpkit client. Used by tests.
	HTTPClient *http.Client
}

// Client issues RPC calls against one appliance. It is safe for
// concurrent use; the session cookie is shared by every caller.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	logger     *slog.Logger

	mu     sync.RWMutex
	cookie string
}

// NewClient creates an appliance client. It does not log in.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = httpkit.NewClient(
			httpkit.WithTimeout(cfg.Timeout),
			httpkit.WithRetry(2, 2*time.Second),
			httpkit.WithTLSInsecureSkipVerify(cfg.InsecureSkipVerify),
			httpkit.WithLogger(cfg.Logger),
		)
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: hc,
		logger:     cfg.Logger,
	}
}

// BaseURL returns the appliance URL without trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type rpcRequest struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	Options any    `json:"options"`
}

type rpcResponse struct {
	Response json.RawMessage `json:"response"`
	Error    *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Call invokes service.method with params and returns the raw
// "response" member. When authenticated is false the cookies set by a
// successful response replace the stored session; when true the stored
// session cookie is sent (or nothing, if no login has succeeded yet).
func (c *Client) Call(ctx context.Context, service, method string, params any, authenticated bool) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{Service: service, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("omv: %s.%s: marshal request: %w", service, method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+rpcPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("omv: %s.%s: build request: %w", service, method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if authenticated {
		if cookie := c.sessionCookie(); cookie != "" {
			req.Header.Set("Cookie", cookie)
		}
	}

	if c.logger.Enabled(ctx, levelTrace) {
		c.logger.Log(ctx, levelTrace, "omv rpc request",
			"service", service,
			"method", method,
			"authenticated", authenticated,
			"body", redact(body),
		)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Service: service, Method: method, Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Service: service, Method: method, Err: err}
	}

	c.logger.Log(ctx, levelTrace, "omv rpc response",
		"service", service,
		"method", method,
		"status", resp.StatusCode,
		"body", string(raw),
	)

	var envelope rpcResponse
	decodeErr := json.Unmarshal(raw, &envelope)

	switch {
	case decodeErr == nil && envelope.Error != nil:
		return nil, &APIError{
			Service: service,
			Method:  method,
			Status:  resp.StatusCode,
			Code:    envelope.Error.Code,
			Message: envelope.Error.Message,
		}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &APIError{
			Service: service,
			Method:  method,
			Status:  resp.StatusCode,
			Message: truncate(string(raw), 512),
		}
	case decodeErr != nil:
		return nil, &DecodeError{Service: service, Method: method, Err: decodeErr}
	}

	if !authenticated {
		c.storeCookies(resp.Cookies())
	}

	return envelope.Response, nil
}

// Login opens a new session with the configured credentials.
func (c *Client) Login(ctx context.Context) error {
	params := map[string]string{
		"username": c.username,
		"password": c.password,
	}
	raw, err := c.Call(ctx, "Session", "login", params, false)
	if err != nil {
		return &AuthError{Err: err}
	}

	var result struct {
		Authenticated *bool  `json:"authenticated"`
		Username      string `json:"username"`
	}
	if err := json.Unmarshal(raw, &result); err == nil && result.Authenticated != nil && !*result.Authenticated {
		return &AuthError{Err: fmt.Errorf("login rejected for user %q", c.username)}
	}
	return nil
}

// Ping checks that the appliance answers HTTP at all. Any response,
// including an error status, counts as reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if resp.StatusCode >= 500 {
		body := httpkit.ReadErrorBody(resp.Body, 256)
		return fmt.Errorf("ping: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(body))
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	return nil
}

func (c *Client) sessionCookie() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cookie
}

func (c *Client) storeCookies(cookies []*http.Cookie) {
	pairs := make([]string, 0, len(cookies))
	for _, ck := range cookies {
		if ck.Name == "" {
			continue
		}
		pairs = append(pairs, ck.Name+"="+ck.Value)
	}

	c.mu.Lock()
	c.cookie = strings.Join(pairs, "; ")
	c.mu.Unlock()

	c.logger.Debug("omv session cookie captured", "cookies", len(pairs))
}

// redact hides the password member of a login body.
func redact(body []byte) string {
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return string(body)
	}
	if m, ok := req.Params.(map[string]any); ok {
		if _, has := m["password"]; has {
			m["password"] = "***"
			out, _ := json.Marshal(req)
			return string(out)
		}
	}
	return string(body)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
