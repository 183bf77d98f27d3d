package wazuh

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

const agentsPath = "/agents?pretty=true&limit=500"

// RemoteAgent is one entry of the manager's agent listing.
type RemoteAgent struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	IP            string   `json:"ip"`
	Version       string   `json:"version"`
	Status        string   `json:"status"`
	LastKeepAlive string   `json:"lastKeepAlive"`
	OS            AgentOS  `json:"os"`
	Group         []string `json:"group"`
}

// AgentOS is the os block of a RemoteAgent.
type AgentOS struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Platform string `json:"platform,omitempty"`
}

type agentsResponse struct {
	Data struct {
		AffectedItems      []RemoteAgent `json:"affected_items"`
		TotalAffectedItems int           `json:"total_affected_items"`
	} `json:"data"`
}

// ListAgents returns up to 500 agents. A 401 is reported as *AuthError so
// callers can drop a stale cached token.
func (c *Client) ListAgents(ctx context.Context, ep Endpoint, tok Token) ([]RemoteAgent, error) {
	url := ep.URL(agentsPath)
	status, body, err := c.do(ctx, ep, request{
		op:     "list agents",
		method: http.MethodGet,
		url:    url,
		auth:   bearerAuth(tok.Value),
	})
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusUnauthorized:
		return nil, &AuthError{StatusCode: status, Message: errorMessage(body)}
	case status < 200 || status > 299:
		return nil, &TransportError{Op: "list agents", URL: url, StatusCode: status, Message: errorMessage(body)}
	}

	var resp agentsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode agent list: %w", err)
	}
	return resp.Data.AffectedItems, nil
}

// ConnectionCheck is the outcome of a reachability check.
type ConnectionCheck struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code,omitempty"`
	Message    string `json:"message"`
}

// CheckConnection POSTs to path on ep with Basic credentials and reports
// whether the server answered 200. It never returns an error; failures are
// described in the result.
func (c *Client) CheckConnection(ctx context.Context, ep Endpoint, path string) ConnectionCheck {
	status, body, err := c.do(ctx, ep, request{
		op:     "check connection",
		method: http.MethodPost,
		url:    ep.URL(path),
		body:   struct{}{},
		auth:   basicAuth(ep.Username, ep.Password),
	})
	if err != nil {
		return ConnectionCheck{Message: err.Error()}
	}
	if status != http.StatusOK {
		return ConnectionCheck{StatusCode: status, Message: errorMessage(body)}
	}
	return ConnectionCheck{Success: true, StatusCode: status, Message: "connection successful"}
}
