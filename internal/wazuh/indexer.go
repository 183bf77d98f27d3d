package wazuh

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Default index patterns.
const (
	VulnerabilityIndex = "wazuh-states-vulnerabilities-*"
	AlertIndex         = "wazuh-alerts-*"
)

// PasswordFunc yields the indexer password immediately before a request.
type PasswordFunc func(ctx context.Context) (string, error)

// Hit is one search result document.
type Hit struct {
	ID     string          `json:"_id"`
	Index  string          `json:"_index"`
	Source json.RawMessage `json:"_source"`
}

// SearchResult is the decoded hits block of a _search response.
type SearchResult struct {
	Total int
	Hits  []Hit
}

type searchResponse struct {
	Hits struct {
		Total json.RawMessage `json:"total"`
		Hits  []Hit           `json:"hits"`
	} `json:"hits"`
}

// total accepts both {"value": n} and a bare number.
func parseTotal(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	var obj struct {
		Value int `json:"value"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Value, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("decode hits.total: %w", err)
	}
	return n, nil
}

// Indexer searches one indexer endpoint. It holds no per-page state; the
// caller drives pagination.
type Indexer struct {
	client   *Client
	ep       Endpoint
	password PasswordFunc
}

// NewIndexer binds c to ep. ep.Password is ignored when password is set.
func NewIndexer(c *Client, ep Endpoint, password PasswordFunc) *Indexer {
	return &Indexer{client: c, ep: ep, password: password}
}

// Search runs query against index with the given page window.
func (ix *Indexer) Search(ctx context.Context, index string, q Query, size, from int, sort ...SortField) (*SearchResult, error) {
	ep := ix.ep
	if ix.password != nil {
		pw, err := ix.password(ctx)
		if err != nil {
			return nil, fmt.Errorf("indexer credentials: %w", err)
		}
		ep.Password = pw
	}

	u := ep.URL("/" + escapeIndex(index) + "/_search")
	status, body, err := ix.client.do(ctx, ep, request{
		op:     "search",
		method: http.MethodPost,
		url:    u,
		body:   SearchRequest{Size: size, From: from, Sort: sort, Query: q},
		auth:   basicAuth(ep.Username, ep.Password),
	})
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, &TransportError{Op: "search", URL: u, StatusCode: status, Message: errorMessage(body)}
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &TransportError{Op: "search", URL: u, StatusCode: status, Message: "malformed search response", Err: err}
	}
	total, err := parseTotal(resp.Hits.Total)
	if err != nil {
		return nil, &TransportError{Op: "search", URL: u, StatusCode: status, Message: err.Error(), Err: err}
	}
	return &SearchResult{Total: total, Hits: resp.Hits.Hits}, nil
}

// Count is a size=0 Search that reads hits.total.value.
func (ix *Indexer) Count(ctx context.Context, index string, q Query) (int, error) {
	res, err := ix.Search(ctx, index, q, 0, 0)
	if err != nil {
		return 0, err
	}
	return res.Total, nil
}

// escapeIndex path-escapes each comma-separated pattern but keeps the
// wildcard and comma literal.
func escapeIndex(index string) string {
	parts := strings.Split(index, ",")
	for i, p := range parts {
		parts[i] = strings.ReplaceAll(url.PathEscape(p), "%2A", "*")
	}
	return strings.Join(parts, ",")
}
