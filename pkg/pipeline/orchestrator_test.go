package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/planhaus/tiles/backend/pkg/aps"
)

type fakeTokens struct{ err error }

func (f *fakeTokens) Token(context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "tok", nil
}

type fakeActivities struct {
	ensureErr error
	params    []string
	paramsErr error
	deleteErr error
	ensures   int
	deletes   int
}

func (f *fakeActivities) Ensure(_ context.Context, imageCount int) (string, error) {
	f.ensures++
	if f.ensureErr != nil {
		return "", f.ensureErr
	}
	return fmt.Sprintf("acme.PlanTiles+production[%d]", imageCount), nil
}

func (f *fakeActivities) Parameters(context.Context) ([]string, error) {
	if f.paramsErr != nil {
		return nil, f.paramsErr
	}
	return f.params, nil
}

func (f *fakeActivities) Delete(context.Context) error {
	f.deletes++
	return f.deleteErr
}

type fakeStorage struct {
	uploads      []string
	uploadFailOn string
	deletes      []string
	deleteErr    error
	output       []byte
	downloadErr  error
}

func (f *fakeStorage) CreateBucket(context.Context) (string, error) {
	return "tiles-test", nil
}

func (f *fakeStorage) DeleteBucket(_ context.Context, bucket string) error {
	f.deletes = append(f.deletes, bucket)
	return f.deleteErr
}

func (f *fakeStorage) Upload(_ context.Context, _, object string, _ []byte) error {
	if object == f.uploadFailOn {
		return fmt.Errorf("finalize %s: integrity mismatch", object)
	}
	f.uploads = append(f.uploads, object)
	return nil
}

func (f *fakeStorage) SignObject(_ context.Context, bucket, object, access string, _ time.Duration) (string, error) {
	return fmt.Sprintf("https://signed.example/%s/%s?access=%s", bucket, object, access), nil
}

func (f *fakeStorage) Download(context.Context, string) ([]byte, error) {
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	return f.output, nil
}

type fakeExecutor struct {
	submits   []aps.WorkItemSpec
	submitErr error
	statuses  []aps.WorkItemStatus
	next      int
}

func (f *fakeExecutor) Submit(_ context.Context, spec aps.WorkItemSpec) (aps.WorkItemStatus, error) {
	f.submits = append(f.submits, spec)
	if f.submitErr != nil {
		return aps.WorkItemStatus{}, f.submitErr
	}
	return aps.WorkItemStatus{ID: "wi-1", Status: aps.StatusPending}, nil
}

func (f *fakeExecutor) Status(context.Context, string) (aps.WorkItemStatus, error) {
	if len(f.statuses) == 0 {
		return aps.WorkItemStatus{ID: "wi-1", Status: aps.StatusSuccess}, nil
	}
	if f.next >= len(f.statuses) {
		return f.statuses[len(f.statuses)-1], nil
	}
	st := f.statuses[f.next]
	f.next++
	return st, nil
}

func (f *fakeExecutor) Report(context.Context, string) (string, error) {
	return "", nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testOrchestrator(activities *fakeActivities, storage *fakeStorage, exec *fakeExecutor) *Orchestrator {
	o := New(&fakeTokens{}, activities, storage, exec, quietLogger())
	o.PollInterval = time.Millisecond
	o.MaxPollAttempts = 10
	return o
}

func completedSteps(log []LogEntry) []string {
	var steps []string
	for _, e := range log {
		if e.Status == LogCompleted {
			steps = append(steps, e.Step)
		}
	}
	return steps
}

func TestRunEndToEnd(t *testing.T) {
	activities := &fakeActivities{params: []string{"image1"}}
	storage := &fakeStorage{output: []byte("dwg-bytes")}
	exec := &fakeExecutor{}
	o := testOrchestrator(activities, storage, exec)

	req := RenderRequest{
		Name:   "T1",
		Script: "(command)",
		Images: []ImageInput{{Name: "x.png", Data: []byte("ten bytes!")}},
	}
	result := o.Run(context.Background(), req, nil)

	if !result.Success {
		t.Fatalf("expected success, errors: %v", result.Errors)
	}
	if result.WorkItemID != "wi-1" {
		t.Fatalf("missing work item id: %#v", result)
	}
	if !strings.Contains(result.OutputURL, "result.dwg") || !strings.Contains(result.OutputURL, "readwrite") {
		t.Fatalf("output url not pre-signed read-write: %q", result.OutputURL)
	}
	if string(result.Output) != "dwg-bytes" {
		t.Fatalf("unexpected output %q", result.Output)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors %v", result.Errors)
	}

	want := []string{
		StepAuthentication, StepActivity, StepBucket, StepUpload,
		StepSubmission, StepMonitoring, StepDownload, StepCleanup,
	}
	got := completedSteps(result.Log)
	if len(got) != len(want) {
		t.Fatalf("completed steps %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("step %d: got %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}

	// cleanup attempted both teardowns exactly once
	if len(storage.deletes) != 1 || storage.deletes[0] != "tiles-test" {
		t.Fatalf("bucket teardown calls: %v", storage.deletes)
	}
	if activities.deletes != 1 {
		t.Fatalf("activity teardown calls: %d", activities.deletes)
	}

	// submitted arguments mapped positionally with the caller's filename
	if len(exec.submits) != 1 {
		t.Fatalf("expected one submission, got %d", len(exec.submits))
	}
	arg, ok := exec.submits[0].Arguments["image1"]
	if !ok || arg.LocalName != "x.png" {
		t.Fatalf("image mapping: %#v", exec.submits[0].Arguments)
	}
}

func TestRunUploadFailureSkipsSubmission(t *testing.T) {
	activities := &fakeActivities{}
	storage := &fakeStorage{uploadFailOn: "x.png"}
	exec := &fakeExecutor{}
	o := testOrchestrator(activities, storage, exec)

	req := RenderRequest{Name: "T1", Script: "(command)", Images: []ImageInput{{Name: "x.png", Data: []byte("d")}}}
	result := o.Run(context.Background(), req, nil)

	if result.Success {
		t.Fatal("expected failure")
	}
	if len(exec.submits) != 0 {
		t.Fatalf("incomplete file set must never reach submission, got %d submits", len(exec.submits))
	}
	if len(storage.deletes) != 1 || activities.deletes != 1 {
		t.Fatalf("cleanup incomplete: buckets=%v activities=%d", storage.deletes, activities.deletes)
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0], StepUpload) {
		t.Fatalf("unexpected errors %v", result.Errors)
	}
}

func TestRunRejectsReservedImageName(t *testing.T) {
	activities := &fakeActivities{}
	storage := &fakeStorage{}
	exec := &fakeExecutor{}
	o := testOrchestrator(activities, storage, exec)

	req := RenderRequest{
		Name:   "T1",
		Script: "(command)",
		Images: []ImageInput{{Name: "result.dwg", Data: []byte("not a png")}},
	}
	result := o.Run(context.Background(), req, nil)

	if result.Success {
		t.Fatal("image named after the output object must be rejected")
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0], "reserved") {
		t.Fatalf("unexpected errors %v", result.Errors)
	}
	for _, up := range storage.uploads {
		if up == "result.dwg" {
			t.Fatal("colliding image reached the bucket")
		}
	}
	if len(exec.submits) != 0 {
		t.Fatalf("unexpected submissions: %d", len(exec.submits))
	}
	if len(storage.deletes) != 1 || activities.deletes != 1 {
		t.Fatalf("cleanup incomplete: buckets=%v activities=%d", storage.deletes, activities.deletes)
	}
}

func TestReservedObject(t *testing.T) {
	for name, want := range map[string]bool{
		"render.scr": true,
		"result.dwg": true,
		"floor.png":  false,
	} {
		if ReservedObject(name) != want {
			t.Fatalf("ReservedObject(%q) != %v", name, want)
		}
	}
}

func TestRunTimeoutStillCleansUp(t *testing.T) {
	activities := &fakeActivities{}
	storage := &fakeStorage{}
	exec := &fakeExecutor{statuses: []aps.WorkItemStatus{{ID: "wi-1", Status: aps.StatusInProgress}}}
	o := testOrchestrator(activities, storage, exec)
	o.MaxPollAttempts = 3

	result := o.Run(context.Background(), RenderRequest{Name: "T1", Script: "(command)"}, nil)
	if result.Success {
		t.Fatal("expected timeout failure")
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0], "attempt limit") {
		t.Fatalf("unexpected errors %v", result.Errors)
	}
	if len(storage.deletes) != 1 || activities.deletes != 1 {
		t.Fatalf("cleanup incomplete: buckets=%v activities=%d", storage.deletes, activities.deletes)
	}
}

func TestRunReleasesActivityWhenAliasFails(t *testing.T) {
	deletes := 0
	mux := http.NewServeMux()
	mux.HandleFunc("POST /da/us-east/v3/activities", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"version":1}`))
	})
	mux.HandleFunc("POST /da/us-east/v3/activities/PlanTiles/aliases", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "alias store unavailable", http.StatusInternalServerError)
	})
	mux.HandleFunc("DELETE /da/us-east/v3/activities/PlanTiles", func(w http.ResponseWriter, _ *http.Request) {
		deletes++
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	activities := aps.NewActivitiesClient(srv.URL, "us-east", "acme", "Autodesk.AutoCAD+24_2", "PlanTiles", &fakeTokens{}, quietLogger())
	storage := &fakeStorage{}
	exec := &fakeExecutor{}
	o := New(&fakeTokens{}, activities, storage, exec, quietLogger())
	o.PollInterval = time.Millisecond
	o.MaxPollAttempts = 10

	result := o.Run(context.Background(), RenderRequest{Name: "T1", Script: "(command)"}, nil)
	if result.Success {
		t.Fatal("expected failure when alias creation is rejected")
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0], StepActivity) {
		t.Fatalf("unexpected errors %v", result.Errors)
	}
	// the activity was created on the provider before aliasing failed, so
	// cleanup must still release it
	if deletes != 1 {
		t.Fatalf("activity not released after alias failure: %d delete calls", deletes)
	}
	if len(exec.submits) != 0 {
		t.Fatalf("unexpected submissions: %d", len(exec.submits))
	}
}

func TestRunCleanupErrorsNeverMaskSuccess(t *testing.T) {
	activities := &fakeActivities{deleteErr: errors.New("delete refused")}
	storage := &fakeStorage{output: []byte("dwg"), deleteErr: errors.New("bucket busy")}
	exec := &fakeExecutor{}
	o := testOrchestrator(activities, storage, exec)

	result := o.Run(context.Background(), RenderRequest{Name: "T1", Script: "(command)"}, nil)
	if !result.Success {
		t.Fatalf("cleanup errors must not fail the job: %v", result.Errors)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("cleanup errors leaked into result: %v", result.Errors)
	}
}

func TestRunAuthFailure(t *testing.T) {
	activities := &fakeActivities{}
	storage := &fakeStorage{}
	exec := &fakeExecutor{}
	o := testOrchestrator(activities, storage, exec)
	o.tokens = &fakeTokens{err: aps.ErrNotConfigured}

	result := o.Run(context.Background(), RenderRequest{Name: "T1", Script: "(command)"}, nil)
	if result.Success {
		t.Fatal("expected auth failure")
	}
	// nothing was provisioned, so there is nothing to tear down
	if activities.ensures != 0 || len(storage.deletes) != 0 || activities.deletes != 0 {
		t.Fatalf("unexpected provider calls after auth failure")
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0], StepAuthentication) {
		t.Fatalf("unexpected errors %v", result.Errors)
	}
}

func TestRunIntrospectionFailureFallsBack(t *testing.T) {
	activities := &fakeActivities{paramsErr: errors.New("introspection down")}
	storage := &fakeStorage{output: []byte("dwg")}
	exec := &fakeExecutor{}
	o := testOrchestrator(activities, storage, exec)

	req := RenderRequest{
		Name:   "T1",
		Script: "(command)",
		Images: []ImageInput{{Name: "a.png", Data: []byte("a")}, {Name: "b.png", Data: []byte("b")}},
	}
	result := o.Run(context.Background(), req, nil)
	if !result.Success {
		t.Fatalf("expected success despite introspection failure: %v", result.Errors)
	}
	args := exec.submits[0].Arguments
	if args["image1"].LocalName != "a.png" || args["image2"].LocalName != "b.png" {
		t.Fatalf("fallback mapping wrong: %#v", args)
	}
}

func TestRunPreviewFailureIsNonFatal(t *testing.T) {
	activities := &fakeActivities{}
	storage := &fakeStorage{output: []byte("dwg")}
	exec := &fakeExecutor{}
	o := testOrchestrator(activities, storage, exec)
	o.Preview = previewFunc(func(context.Context, string, []byte) (string, error) {
		return "", errors.New("viewer unavailable")
	})

	result := o.Run(context.Background(), RenderRequest{Name: "T1", Script: "(command)"}, nil)
	if !result.Success {
		t.Fatalf("preview failure must not fail the render: %v", result.Errors)
	}
	if result.ViewerRef != "" {
		t.Fatalf("unexpected viewer ref %q", result.ViewerRef)
	}
}

type previewFunc func(ctx context.Context, name string, dwg []byte) (string, error)

func (f previewFunc) Prepare(ctx context.Context, name string, dwg []byte) (string, error) {
	return f(ctx, name, dwg)
}
