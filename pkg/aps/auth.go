package aps

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// expiryMargin keeps a token from being handed out when it is about to
// lapse mid-job.
const expiryMargin = 5 * time.Minute

// TokenCache obtains a two-legged bearer token from the platform's identity
// endpoint and caches it until it approaches expiry. It is safe for use
// across concurrent orchestration runs.
type TokenCache struct {
	baseURL      string
	clientID     string
	clientSecret string
	scopes       []string
	httpClient   *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewTokenCache creates a cache for the given client credentials and scope set.
func NewTokenCache(baseURL, clientID, clientSecret string, scopes []string) *TokenCache {
	return &TokenCache{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		scopes:       scopes,
		httpClient:   newHTTPClient(),
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// Token returns the cached credential when it is still comfortably valid,
// otherwise exchanges the client credentials for a fresh one. No retry is
// performed here; callers decide whether a failed exchange is retriable.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	if c.clientID == "" || c.clientSecret == "" {
		return "", ErrNotConfigured
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.expiresAt) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("scope", strings.Join(c.scopes, " "))

	endpoint := c.baseURL + "/authentication/v2/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("exchange credentials: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", providerError("exchange credentials", resp)
	}

	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("exchange credentials: empty token in response")
	}

	c.token = out.AccessToken
	c.expiresAt = time.Now().Add(time.Duration(out.ExpiresIn)*time.Second - expiryMargin)
	return c.token, nil
}

// Clear discards the cached credential unconditionally. Used for forced
// re-auth after credential rotation.
func (c *TokenCache) Clear() {
	c.mu.Lock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}
