// Package aps contains REST clients for the cloud CAD platform: token
// exchange, Design Automation activities and work items, and the object
// storage service with its signed-upload protocol.
package aps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the production endpoint of the platform.
const DefaultBaseURL = "https://developer.api.autodesk.com"

const errBodyLimit = 4 << 10

var (
	// ErrNotConfigured indicates missing client credentials.
	ErrNotConfigured = errors.New("aps: client id or secret not configured")
	// ErrConflict is returned when the provider reports a naming conflict.
	ErrConflict = errors.New("aps: resource already exists")
	// ErrNotFound is returned when the provider reports a missing resource.
	ErrNotFound = errors.New("aps: resource not found")
)

// ProviderError carries a non-success provider response for diagnosis.
type ProviderError struct {
	Op     string
	Status int
	Body   string
}

func (e *ProviderError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: provider returned %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: provider returned %d: %s", e.Op, e.Status, e.Body)
}

// TokenSource supplies a bearer credential for provider calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// providerError drains up to errBodyLimit bytes of the response body and
// wraps it with the operation name and status code.
func providerError(op string, resp *http.Response) error {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
	return &ProviderError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
}

func authorize(ctx context.Context, tokens TokenSource, req *http.Request) error {
	token, err := tokens.Token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
