// Package store persists render job records: a redis-backed live store the
// HTTP surface reads while a job runs, and a postgres archive for finished
// runs.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/planhaus/tiles/backend/pkg/pipeline"
)

// RenderStatus is the caller-visible lifecycle of a render record.
type RenderStatus string

const (
	RenderPending    RenderStatus = "pending"
	RenderInProgress RenderStatus = "inprogress"
	RenderSucceeded  RenderStatus = "success"
	RenderFailed     RenderStatus = "failed"
)

// RenderRecord tracks one render job for the web tier.
type RenderRecord struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Status        RenderStatus        `json:"status"`
	WorkItemID    string              `json:"work_item_id,omitempty"`
	OutputURL     string              `json:"output_url,omitempty"`
	ViewerRef     string              `json:"viewer_ref,omitempty"`
	Progress      int                 `json:"progress"`
	Indeterminate bool                `json:"indeterminate"`
	Errors        []string            `json:"errors,omitempty"`
	Log           []pipeline.LogEntry `json:"log,omitempty"`
	CreatedAt     int64               `json:"created_at"`
	UpdatedAt     int64               `json:"updated_at"`
}

// ErrNotFound is returned for unknown or expired render ids.
var ErrNotFound = fmt.Errorf("render record not found")

// RedisStore keeps live render records with a TTL; records outlive the
// signed output URL by a few hours and then expire on their own.
type RedisStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{redis: client, ttl: 24 * time.Hour}, nil
}

// NewRedisStoreFromClient wraps an existing client; used by tests.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{redis: client, ttl: 24 * time.Hour}
}

func recordKey(id string) string {
	return fmt.Sprintf("render:%s", id)
}

func (s *RedisStore) save(ctx context.Context, rec *RenderRecord) error {
	rec.UpdatedAt = time.Now().Unix()
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, recordKey(rec.ID), data, s.ttl).Err()
}

// Create registers a new pending record.
func (s *RedisStore) Create(ctx context.Context, rec *RenderRecord) error {
	rec.CreatedAt = time.Now().Unix()
	rec.Status = RenderPending
	return s.save(ctx, rec)
}

// Get fetches a record by id.
func (s *RedisStore) Get(ctx context.Context, id string) (*RenderRecord, error) {
	data, err := s.redis.Get(ctx, recordKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec RenderRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SetProgress records a progress observation from the polling loop.
func (s *RedisStore) SetProgress(ctx context.Context, id string, p pipeline.Progress) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	rec.Status = RenderInProgress
	rec.Progress = p.Percent
	rec.Indeterminate = p.Indeterminate
	return s.save(ctx, rec)
}

// Complete stores the terminal outcome of a run.
func (s *RedisStore) Complete(ctx context.Context, id string, result pipeline.RenderResult) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if result.Success {
		rec.Status = RenderSucceeded
		rec.Progress = 100
		rec.Indeterminate = false
	} else {
		rec.Status = RenderFailed
	}
	rec.WorkItemID = result.WorkItemID
	rec.OutputURL = result.OutputURL
	rec.ViewerRef = result.ViewerRef
	rec.Errors = result.Errors
	rec.Log = result.Log
	return s.save(ctx, rec)
}

func (s *RedisStore) Close() error {
	return s.redis.Close()
}
