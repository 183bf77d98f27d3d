package wazuh

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	authPath = "/security/user/authenticate"

	// defaultTokenTTL applies when the token carries no readable exp claim.
	// The manager's default token lifetime is 900s.
	defaultTokenTTL = 15 * time.Minute
	tokenRenewSkew  = 30 * time.Second
)

// Token is a manager bearer token.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the token can still be sent at now.
func (t Token) Valid(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt.Add(-tokenRenewSkew))
}

// Authenticator exchanges credentials for a bearer token.
type Authenticator interface {
	Authenticate(ctx context.Context, ep Endpoint) (Token, error)
}

type authResponse struct {
	Data struct {
		Token string `json:"token"`
	} `json:"data"`
}

// Authenticate POSTs an empty JSON body with Basic credentials to the
// manager's authenticate endpoint. Every failure is an *AuthError; one caused
// by the transport also wraps the *TransportError.
func (c *Client) Authenticate(ctx context.Context, ep Endpoint) (Token, error) {
	url := ep.URL(authPath)
	status, body, err := c.do(ctx, ep, request{
		op:     "authenticate",
		method: http.MethodPost,
		url:    url,
		body:   struct{}{},
		auth:   basicAuth(ep.Username, ep.Password),
	})
	if err != nil {
		// Still an auth failure to callers; errors.As also finds the TransportError.
		return Token{}, &AuthError{StatusCode: status, Err: err}
	}
	if status != http.StatusOK {
		return Token{}, &AuthError{StatusCode: status, Message: errorMessage(body)}
	}

	var resp authResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Token{}, &AuthError{Message: "malformed authenticate response", Err: err}
	}
	if resp.Data.Token == "" {
		return Token{}, &AuthError{Err: ErrMissingToken}
	}

	return Token{Value: resp.Data.Token, ExpiresAt: c.tokenExpiry(resp.Data.Token)}, nil
}

// tokenExpiry reads the exp claim without verifying the signature; the
// token is only ever sent back to the server that issued it.
func (c *Client) tokenExpiry(raw string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return c.nowFunc().Add(defaultTokenTTL)
}

// TokenCache reuses tokens per (endpoint, user) until shortly before expiry.
type TokenCache struct {
	auth    Authenticator
	nowFunc func() time.Time

	mu     sync.Mutex
	tokens map[string]Token
}

// NewTokenCache wraps an Authenticator.
func NewTokenCache(auth Authenticator) *TokenCache {
	return &TokenCache{auth: auth, nowFunc: time.Now, tokens: make(map[string]Token)}
}

func cacheKey(ep Endpoint) string {
	return ep.BaseURL + ":" + strconv.Itoa(ep.Port) + "|" + ep.Username
}

// Token returns a cached token or authenticates. Errors are not cached.
func (tc *TokenCache) Token(ctx context.Context, ep Endpoint) (Token, error) {
	key := cacheKey(ep)
	tc.mu.Lock()
	tok, ok := tc.tokens[key]
	tc.mu.Unlock()
	if ok && tok.Valid(tc.nowFunc()) {
		return tok, nil
	}

	tok, err := tc.auth.Authenticate(ctx, ep)
	if err != nil {
		tc.Invalidate(ep)
		return Token{}, err
	}
	tc.mu.Lock()
	tc.tokens[key] = tok
	tc.mu.Unlock()
	return tok, nil
}

// Invalidate drops the cached token, e.g. after a 401 on a later call.
func (tc *TokenCache) Invalidate(ep Endpoint) {
	tc.mu.Lock()
	delete(tc.tokens, cacheKey(ep))
	tc.mu.Unlock()
}
