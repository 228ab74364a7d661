package aps

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// bucketCreateTries bounds the name-collision retry loop. Names are random,
// so collisions are rare; repeated ones indicate a provider problem.
const bucketCreateTries = 5

// StorageClient drives the object storage service: ephemeral buckets, the
// three-step signed S3 upload protocol, and signed access URLs.
type StorageClient struct {
	baseURL    string
	bucketTTL  string
	tokens     TokenSource
	httpClient *http.Client
	logger     *slog.Logger
}

// NewStorageClient builds a storage client. Buckets are created with the
// transient retention policy so the provider expires them on its own.
func NewStorageClient(baseURL string, tokens TokenSource, logger *slog.Logger) *StorageClient {
	return &StorageClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		bucketTTL:  "transient",
		tokens:     tokens,
		httpClient: newHTTPClient(),
		logger:     logger,
	}
}

func randomBucketKey() string {
	return "tiles-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// CreateBucket provisions a uniquely named transient bucket for one job's
// files. A name collision is absorbed by generating a fresh name and
// retrying, never surfaced to the caller.
func (c *StorageClient) CreateBucket(ctx context.Context) (string, error) {
	var lastErr error
	for i := 0; i < bucketCreateTries; i++ {
		key := randomBucketKey()
		err := c.createBucket(ctx, key)
		if err == nil {
			return key, nil
		}
		if !errors.Is(err, ErrConflict) {
			return "", err
		}
		c.logger.Info("bucket name collision, retrying", "bucket", key)
		lastErr = err
	}
	return "", fmt.Errorf("create bucket: %w", lastErr)
}

func (c *StorageClient) createBucket(ctx context.Context, key string) error {
	body, err := json.Marshal(map[string]string{"bucketKey": key, "policyKey": c.bucketTTL})
	if err != nil {
		return fmt.Errorf("marshal bucket spec: %w", err)
	}

	endpoint := c.baseURL + "/oss/v2/buckets"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create bucket request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := authorize(ctx, c.tokens, req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusConflict:
		return ErrConflict
	default:
		return providerError("create bucket", resp)
	}
}

// DeleteBucket removes a bucket and its contents. The primary flow relies on
// provider-side expiry; this exists for callers that need deterministic
// cleanup.
func (c *StorageClient) DeleteBucket(ctx context.Context, key string) error {
	endpoint := fmt.Sprintf("%s/oss/v2/buckets/%s", c.baseURL, url.PathEscape(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("delete bucket request: %w", err)
	}
	if err := authorize(ctx, c.tokens, req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete bucket: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return providerError("delete bucket", resp)
	}
}

type uploadSlot struct {
	UploadKey string   `json:"uploadKey"`
	URLs      []string `json:"urls"`
}

// Upload stages one object: request an upload slot, transfer the bytes to
// the returned destination, then finalize with the part's integrity tag.
// Single-part uploads only; every input this system stages fits one part.
func (c *StorageClient) Upload(ctx context.Context, bucket, object string, data []byte) error {
	slot, err := c.requestSlot(ctx, bucket, object)
	if err != nil {
		return err
	}
	if len(slot.URLs) == 0 {
		return fmt.Errorf("upload %s: provider returned no upload urls", object)
	}

	etag, err := c.transfer(ctx, slot.URLs[0], data)
	if err != nil {
		return fmt.Errorf("upload %s: %w", object, err)
	}

	if err := c.finalize(ctx, bucket, object, slot.UploadKey, etag); err != nil {
		return fmt.Errorf("finalize %s: %w", object, err)
	}
	return nil
}

func (c *StorageClient) requestSlot(ctx context.Context, bucket, object string) (uploadSlot, error) {
	endpoint := fmt.Sprintf("%s/oss/v2/buckets/%s/objects/%s/signeds3upload?parts=1",
		c.baseURL, url.PathEscape(bucket), url.PathEscape(object))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return uploadSlot{}, fmt.Errorf("upload slot request: %w", err)
	}
	if err := authorize(ctx, c.tokens, req); err != nil {
		return uploadSlot{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return uploadSlot{}, fmt.Errorf("request upload slot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return uploadSlot{}, providerError("request upload slot", resp)
	}

	var slot uploadSlot
	if err := json.NewDecoder(resp.Body).Decode(&slot); err != nil {
		return uploadSlot{}, fmt.Errorf("decode upload slot: %w", err)
	}
	return slot, nil
}

// transfer PUTs the bytes to the signed destination and returns the ETag the
// store assigned to the part.
func (c *StorageClient) transfer(ctx context.Context, dest string, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, dest, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("transfer request: %w", err)
	}
	req.ContentLength = int64(len(data))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("transfer bytes: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", providerError("transfer bytes", resp)
	}
	return strings.Trim(resp.Header.Get("ETag"), `"`), nil
}

func (c *StorageClient) finalize(ctx context.Context, bucket, object, uploadKey, etag string) error {
	payload := map[string]any{
		"uploadKey": uploadKey,
		"parts":     []map[string]any{{"partNumber": 1, "etag": etag}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal finalize payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/oss/v2/buckets/%s/objects/%s/signeds3upload",
		c.baseURL, url.PathEscape(bucket), url.PathEscape(object))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("finalize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := authorize(ctx, c.tokens, req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("finalize upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return providerError("finalize upload", resp)
	}
	return nil
}

// SignObject produces a pre-authenticated URL for the object with the given
// access mode ("read" or "readwrite") and validity window. The readwrite
// mode yields one URL the executor writes the result to and the caller later
// reads it back from, with no re-signing in between.
func (c *StorageClient) SignObject(ctx context.Context, bucket, object, access string, ttl time.Duration) (string, error) {
	minutes := int(ttl.Minutes())
	if minutes <= 0 {
		minutes = 60
	}
	body, err := json.Marshal(map[string]any{"minutesExpiration": minutes})
	if err != nil {
		return "", fmt.Errorf("marshal sign payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/oss/v2/buckets/%s/objects/%s/signed?access=%s",
		c.baseURL, url.PathEscape(bucket), url.PathEscape(object), url.QueryEscape(access))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("sign object request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := authorize(ctx, c.tokens, req); err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sign object: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", providerError("sign object", resp)
	}

	var out struct {
		SignedURL string `json:"signedUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode signed url: %w", err)
	}
	if out.SignedURL == "" {
		return "", fmt.Errorf("sign object: empty signed url in response")
	}
	return out.SignedURL, nil
}

// Download fetches the bytes behind a signed URL. No bearer token is
// attached; the URL carries its own authorization.
func (c *StorageClient) Download(ctx context.Context, signedURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, providerError("download", resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read download: %w", err)
	}
	return data, nil
}
