package store

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/planhaus/tiles/backend/pkg/pipeline"
)

func testStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStoreFromClient(client)
}

func TestRenderRecordLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := &RenderRecord{ID: "r1", Name: "T1"}
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != RenderPending || got.Name != "T1" {
		t.Fatalf("unexpected record %#v", got)
	}
	if got.CreatedAt == 0 {
		t.Fatal("created_at not set")
	}

	if err := s.SetProgress(ctx, "r1", pipeline.Progress{Percent: 40}); err != nil {
		t.Fatalf("set progress: %v", err)
	}
	got, _ = s.Get(ctx, "r1")
	if got.Status != RenderInProgress || got.Progress != 40 {
		t.Fatalf("progress not recorded: %#v", got)
	}

	result := pipeline.RenderResult{
		Success:    true,
		WorkItemID: "wi-1",
		OutputURL:  "https://signed/result.dwg",
		Log:        []pipeline.LogEntry{{Step: pipeline.StepDownload, Status: pipeline.LogCompleted}},
	}
	if err := s.Complete(ctx, "r1", result); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ = s.Get(ctx, "r1")
	if got.Status != RenderSucceeded || got.Progress != 100 {
		t.Fatalf("terminal state wrong: %#v", got)
	}
	if got.OutputURL != result.OutputURL || got.WorkItemID != "wi-1" {
		t.Fatalf("result fields lost: %#v", got)
	}
	if len(got.Log) != 1 {
		t.Fatalf("log lost: %#v", got.Log)
	}
}

func TestCompleteFailedRun(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, &RenderRecord{ID: "r2", Name: "T2"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	result := pipeline.RenderResult{Errors: []string{"workitem_monitoring: work item polling exceeded attempt limit"}}
	if err := s.Complete(ctx, "r2", result); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, _ := s.Get(ctx, "r2")
	if got.Status != RenderFailed {
		t.Fatalf("expected failed status, got %q", got.Status)
	}
	if len(got.Errors) != 1 {
		t.Fatalf("errors lost: %#v", got.Errors)
	}
}

func TestGetUnknownRecord(t *testing.T) {
	s := testStore(t)
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
