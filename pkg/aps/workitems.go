package aps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Work item terminal and transient statuses as reported by the executor.
const (
	StatusPending    = "pending"
	StatusInProgress = "inprogress"
	StatusSuccess    = "success"
	StatusFailed     = "failed"
)

// Argument binds one activity parameter to a concrete URL for a work item.
type Argument struct {
	URL       string `json:"url"`
	Verb      string `json:"verb,omitempty"`
	LocalName string `json:"localName,omitempty"`
}

// WorkItemSpec is the submission document for one job.
type WorkItemSpec struct {
	ActivityID string              `json:"activityId"`
	Arguments  map[string]Argument `json:"arguments"`
}

// WorkItemStatus is the executor's view of a job.
type WorkItemStatus struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Progress  string `json:"progress,omitempty"`
	ReportURL string `json:"reportUrl,omitempty"`
}

// Terminal reports whether no further status transition will occur.
func (s WorkItemStatus) Terminal() bool {
	return s.Status == StatusSuccess || s.Status == StatusFailed
}

// WorkItemsClient submits jobs to the batch executor and observes them.
type WorkItemsClient struct {
	baseURL    string
	region     string
	tokens     TokenSource
	httpClient *http.Client
}

func NewWorkItemsClient(baseURL, region string, tokens TokenSource) *WorkItemsClient {
	return &WorkItemsClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		region:     region,
		tokens:     tokens,
		httpClient: newHTTPClient(),
	}
}

// Submit sends the job document to the executor. A non-success response is
// fatal and carries the raw response body for diagnosis.
func (c *WorkItemsClient) Submit(ctx context.Context, spec WorkItemSpec) (WorkItemStatus, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return WorkItemStatus{}, fmt.Errorf("marshal work item: %w", err)
	}

	endpoint := fmt.Sprintf("%s/da/%s/v3/workitems", c.baseURL, c.region)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return WorkItemStatus{}, fmt.Errorf("submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := authorize(ctx, c.tokens, req); err != nil {
		return WorkItemStatus{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return WorkItemStatus{}, fmt.Errorf("submit work item: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return WorkItemStatus{}, providerError("submit work item", resp)
	}

	var out WorkItemStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return WorkItemStatus{}, fmt.Errorf("decode submit response: %w", err)
	}
	if out.ID == "" {
		return WorkItemStatus{}, fmt.Errorf("submit work item: empty id in response")
	}
	return out, nil
}

// Status fetches the current state of a work item.
func (c *WorkItemsClient) Status(ctx context.Context, id string) (WorkItemStatus, error) {
	endpoint := fmt.Sprintf("%s/da/%s/v3/workitems/%s", c.baseURL, c.region, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return WorkItemStatus{}, fmt.Errorf("status request: %w", err)
	}
	if err := authorize(ctx, c.tokens, req); err != nil {
		return WorkItemStatus{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return WorkItemStatus{}, fmt.Errorf("get work item: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return WorkItemStatus{}, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return WorkItemStatus{}, providerError("get work item", resp)
	}

	var out WorkItemStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return WorkItemStatus{}, fmt.Errorf("decode work item: %w", err)
	}
	return out, nil
}

// Report fetches the executor's textual report from its signed URL.
func (c *WorkItemsClient) Report(ctx context.Context, reportURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reportURL, nil)
	if err != nil {
		return "", fmt.Errorf("report request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", providerError("fetch report", resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read report: %w", err)
	}
	return string(data), nil
}
