package aps

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// productionAlias is the alias work items are submitted against.
const productionAlias = "production"

// ActivitiesClient manages the Design Automation activity that describes one
// render job's parameter contract. The activity shape depends on the number
// of image inputs, so it is recreated per batch size.
type ActivitiesClient struct {
	baseURL    string
	region     string
	nickname   string
	engine     string
	name       string
	tokens     TokenSource
	httpClient *http.Client
	logger     *slog.Logger
}

// NewActivitiesClient builds a client for the named activity under the
// account nickname.
func NewActivitiesClient(baseURL, region, nickname, engine, name string, tokens TokenSource, logger *slog.Logger) *ActivitiesClient {
	return &ActivitiesClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		region:     region,
		nickname:   nickname,
		engine:     engine,
		name:       name,
		tokens:     tokens,
		httpClient: newHTTPClient(),
		logger:     logger,
	}
}

// QualifiedID returns the alias-qualified activity id used in work item
// submissions, e.g. "acme.PlanTiles+production".
func (c *ActivitiesClient) QualifiedID() string {
	return fmt.Sprintf("%s.%s+%s", c.nickname, c.name, productionAlias)
}

type activityParameter struct {
	Verb        string `json:"verb"`
	LocalName   string `json:"localName,omitempty"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

type activitySpec struct {
	ID          string                       `json:"id"`
	CommandLine []string                     `json:"commandLine"`
	Engine      string                       `json:"engine"`
	Parameters  map[string]activityParameter `json:"parameters"`
	Description string                       `json:"description,omitempty"`
}

type activityCreated struct {
	Version int `json:"version"`
}

// ImageParamName returns the generic name of the Nth image input slot,
// 1-based. The same scheme is the submission fallback when parameter
// introspection is unavailable.
func ImageParamName(n int) string {
	return fmt.Sprintf("image%d", n)
}

func (c *ActivitiesClient) spec(imageCount int) activitySpec {
	params := map[string]activityParameter{
		"script": {Verb: "get", LocalName: "render.scr", Required: true, Description: "drawing script"},
		"output": {Verb: "put", LocalName: "result.dwg", Required: true, Description: "rendered drawing"},
	}
	for i := 1; i <= imageCount; i++ {
		params[ImageParamName(i)] = activityParameter{Verb: "get", Description: "input image"}
	}
	return activitySpec{
		ID:          c.name,
		CommandLine: []string{`$(engine.path)\accoreconsole.exe /s "$(args[script].path)"`},
		Engine:      c.engine,
		Parameters:  params,
		Description: fmt.Sprintf("tile render activity with %d image inputs", imageCount),
	}
}

// Ensure creates the activity with exactly imageCount image input slots and
// points the production alias at it. A pre-existing activity with the same
// id is deleted and creation retried exactly once; a second conflict is
// fatal. Returns the alias-qualified activity id.
func (c *ActivitiesClient) Ensure(ctx context.Context, imageCount int) (string, error) {
	version, err := c.create(ctx, imageCount)
	if errors.Is(err, ErrConflict) {
		c.logger.Info("activity exists, recreating", "activity", c.name)
		if delErr := c.Delete(ctx); delErr != nil {
			return "", fmt.Errorf("delete conflicting activity: %w", delErr)
		}
		version, err = c.create(ctx, imageCount)
		if errors.Is(err, ErrConflict) {
			return "", fmt.Errorf("create activity: conflict persists after delete")
		}
	}
	if err != nil {
		return "", err
	}
	if err := c.ensureAlias(ctx, version); err != nil {
		return "", err
	}
	return c.QualifiedID(), nil
}

func (c *ActivitiesClient) create(ctx context.Context, imageCount int) (int, error) {
	body, err := json.Marshal(c.spec(imageCount))
	if err != nil {
		return 0, fmt.Errorf("marshal activity spec: %w", err)
	}

	endpoint := fmt.Sprintf("%s/da/%s/v3/activities", c.baseURL, c.region)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create activity request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := authorize(ctx, c.tokens, req); err != nil {
		return 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("create activity: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusConflict:
		return 0, ErrConflict
	default:
		return 0, providerError("create activity", resp)
	}

	var out activityCreated
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode activity response: %w", err)
	}
	if out.Version == 0 {
		out.Version = 1
	}
	return out.Version, nil
}

// ensureAlias points the production alias at the given version. An
// already-exists response is success.
func (c *ActivitiesClient) ensureAlias(ctx context.Context, version int) error {
	body, err := json.Marshal(map[string]any{"id": productionAlias, "version": version})
	if err != nil {
		return fmt.Errorf("marshal alias spec: %w", err)
	}

	endpoint := fmt.Sprintf("%s/da/%s/v3/activities/%s/aliases", c.baseURL, c.region, c.name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create alias request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := authorize(ctx, c.tokens, req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("create alias: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusConflict:
		return nil
	default:
		return providerError("create alias", resp)
	}
}

// Delete removes the activity and all its versions and aliases.
func (c *ActivitiesClient) Delete(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/da/%s/v3/activities/%s", c.baseURL, c.region, c.name)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("delete activity request: %w", err)
	}
	if err := authorize(ctx, c.tokens, req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete activity: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return providerError("delete activity", resp)
	}
}

// Parameters fetches the activity's declared image parameter names, ordered
// by their embedded index. Introspection is best-effort: callers fall back
// to the generic ImageParamName scheme on error.
func (c *ActivitiesClient) Parameters(ctx context.Context) ([]string, error) {
	endpoint := fmt.Sprintf("%s/da/%s/v3/activities/%s", c.baseURL, c.region, url.PathEscape(c.QualifiedID()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("get activity request: %w", err)
	}
	if err := authorize(ctx, c.tokens, req); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get activity: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, providerError("get activity", resp)
	}

	var out struct {
		Parameters map[string]json.RawMessage `json:"parameters"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode activity: %w", err)
	}

	var names []string
	for name := range out.Parameters {
		if strings.HasPrefix(name, "image") {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool { return imageParamIndex(names[i]) < imageParamIndex(names[j]) })
	return names, nil
}

func imageParamIndex(name string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(name, "image"))
	if err != nil {
		return 0
	}
	return n
}
