// Package wazuh talks to the two remote planes of a Wazuh deployment: the
// manager REST API (authentication, agent listing) and the indexer's
// OpenSearch-compatible _search API.
//
// Authenticate fails only with *AuthError, which wraps a *TransportError when
// the manager could not be reached. Other calls return *TransportError, except
// a 401 from ListAgents, which is an *AuthError.
package wazuh

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Default timeouts for every remote call.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultTimeout        = 10 * time.Second
	maxBodyBytes          = 32 << 20
)

// Endpoint addresses one remote plane. BaseURL includes the scheme.
type Endpoint struct {
	BaseURL            string
	Port               int
	Username           string
	Password           string
	InsecureSkipVerify bool
}

// URL joins base, port and path into a request URL.
func (e Endpoint) URL(path string) string {
	base := strings.TrimRight(e.BaseURL, "/")
	if e.Port > 0 {
		base += ":" + strconv.Itoa(e.Port)
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// Client holds the HTTP transports shared by all remote calls. The zero
// value is not usable; call NewClient.
type Client struct {
	connectTimeout time.Duration
	timeout        time.Duration
	userAgent      string
	nowFunc        func() time.Time

	mu      sync.Mutex
	clients map[bool]*http.Client // keyed by InsecureSkipVerify
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the overall per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithConnectTimeout overrides the dial timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a client with 10s connect and overall timeouts.
func NewClient(opts ...Option) *Client {
	c := &Client{
		connectTimeout: DefaultConnectTimeout,
		timeout:        DefaultTimeout,
		userAgent:      "wazuhsync",
		nowFunc:        time.Now,
		clients:        make(map[bool]*http.Client),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) httpClient(insecure bool) *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hc, ok := c.clients[insecure]; ok {
		return hc
	}
	dialer := &net.Dialer{Timeout: c.connectTimeout}
	hc := &http.Client{
		Timeout: c.timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: c.connectTimeout,
			TLSClientConfig:     &tls.Config{InsecureSkipVerify: insecure}, //nolint:gosec // per-profile setting
			ForceAttemptHTTP2:   true,
		},
	}
	c.clients[insecure] = hc
	return hc
}

// request describes one call made through do.
type request struct {
	op     string
	method string
	url    string
	body   any
	auth   func(*http.Request)
}

// do sends req and returns the status and body. Transport failures are
// returned as *TransportError; status handling is left to the caller.
func (c *Client) do(ctx context.Context, ep Endpoint, req request) (int, []byte, error) {
	var reqBody io.Reader
	if req.body != nil {
		data, err := json.Marshal(req.body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal %s request: %w", req.op, err)
		}
		reqBody = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, reqBody)
	if err != nil {
		return 0, nil, &TransportError{Op: req.op, URL: req.url, Message: err.Error(), Err: err}
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.auth != nil {
		req.auth(httpReq)
	}

	resp, err := c.httpClient(ep.InsecureSkipVerify).Do(httpReq)
	if err != nil {
		return 0, nil, &TransportError{Op: req.op, URL: req.url, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, &TransportError{
			Op: req.op, URL: req.url, StatusCode: resp.StatusCode, Message: err.Error(), Err: err,
		}
	}
	return resp.StatusCode, data, nil
}

func basicAuth(user, pass string) func(*http.Request) {
	return func(r *http.Request) { r.SetBasicAuth(user, pass) }
}

func bearerAuth(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

// apiError is the manager's error envelope.
type apiError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// errorMessage prefers the manager's detail field over the raw body.
func errorMessage(body []byte) string {
	var e apiError
	if json.Unmarshal(body, &e) == nil {
		if e.Detail != "" {
			return e.Detail
		}
		if e.Title != "" {
			return e.Title
		}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return "empty response body"
	}
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}
