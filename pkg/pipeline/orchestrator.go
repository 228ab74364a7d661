// Package pipeline sequences one ephemeral render job against the cloud CAD
// platform: provision an activity sized to the input set, stage files into a
// transient bucket, submit a work item, poll it to a terminal status, pull
// the drawing back, and tear down whatever was provisioned on every exit
// path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/planhaus/tiles/backend/pkg/aps"
	"github.com/planhaus/tiles/backend/pkg/telemetry"
)

const (
	scriptObject = "render.scr"
	outputObject = "result.dwg"

	defaultOutputTTL = 60 * time.Minute
	cleanupTimeout   = 30 * time.Second
)

// ReservedObject reports whether name collides with an object key the
// pipeline stages itself. An image carrying one of these names would
// overwrite the script or the result slot in the bucket.
func ReservedObject(name string) bool {
	return name == scriptObject || name == outputObject
}

// ActivityService provisions and releases the job's activity.
type ActivityService interface {
	Ensure(ctx context.Context, imageCount int) (string, error)
	Parameters(ctx context.Context) ([]string, error)
	Delete(ctx context.Context) error
}

// ObjectService stages files and signs access to them.
type ObjectService interface {
	CreateBucket(ctx context.Context) (string, error)
	DeleteBucket(ctx context.Context, bucket string) error
	Upload(ctx context.Context, bucket, object string, data []byte) error
	SignObject(ctx context.Context, bucket, object, access string, ttl time.Duration) (string, error)
	Download(ctx context.Context, signedURL string) ([]byte, error)
}

// ExecutorService submits work items and observes them.
type ExecutorService interface {
	Submit(ctx context.Context, spec aps.WorkItemSpec) (aps.WorkItemStatus, error)
	Status(ctx context.Context, id string) (aps.WorkItemStatus, error)
	Report(ctx context.Context, url string) (string, error)
}

// PreviewPreparer hands a finished drawing to an external viewer collaborator.
// Failures here never fail the render.
type PreviewPreparer interface {
	Prepare(ctx context.Context, name string, dwg []byte) (string, error)
}

// Orchestrator runs render jobs end to end. One instance serves concurrent
// runs; each run owns its own bucket, activity and log, and only the token
// cache behind the clients is shared.
type Orchestrator struct {
	tokens     aps.TokenSource
	activities ActivityService
	storage    ObjectService
	executor   ExecutorService
	logger     *slog.Logger

	// Preview is optional; when set, step 8 hands the drawing off after a
	// successful download.
	Preview PreviewPreparer

	PollInterval    time.Duration
	MaxPollAttempts int
	OutputTTL       time.Duration
}

func New(tokens aps.TokenSource, activities ActivityService, storage ObjectService, executor ExecutorService, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		tokens:          tokens,
		activities:      activities,
		storage:         storage,
		executor:        executor,
		logger:          logger,
		PollInterval:    defaultPollInterval,
		MaxPollAttempts: defaultMaxAttempts,
		OutputTTL:       defaultOutputTTL,
	}
}

// Run executes one render job. It never panics and never returns an error:
// every failure is captured in the result's error list with the full
// processing log. The cleanup phase runs on every exit path and its own
// failures are logged, never escalated, and never mask the primary outcome.
func (o *Orchestrator) Run(ctx context.Context, req RenderRequest, onProgress ProgressFunc) (result RenderResult) {
	ctx, span := otel.Tracer("tiles/pipeline").Start(ctx, "render")
	defer span.End()

	telemetry.RendersStarted.Inc()
	telemetry.InFlightRenders.Inc()
	defer telemetry.InFlightRenders.Dec()

	rec := NewRecorder(o.logger.With("job", req.Name))
	fail := func(step string, err error) {
		rec.Error(step, err)
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", step, err))
	}

	var bucket string
	activityProvisioned := false
	defer func() {
		o.cleanup(bucket, activityProvisioned, rec)
		result.Log = rec.Snapshot()
		if result.Success {
			telemetry.RendersSucceeded.Inc()
		} else {
			telemetry.RendersFailed.Inc()
		}
	}()

	rec.Started(StepAuthentication)
	if _, err := o.tokens.Token(ctx); err != nil {
		fail(StepAuthentication, err)
		return
	}
	rec.Completed(StepAuthentication, nil)

	rec.Started(StepActivity)
	// Marked before Ensure: a create that succeeds but fails aliasing must
	// still be released. Delete tolerates an activity that never existed.
	activityProvisioned = true
	activityID, err := o.activities.Ensure(ctx, len(req.Images))
	if err != nil {
		fail(StepActivity, err)
		return
	}
	rec.Completed(StepActivity, map[string]any{"activity": activityID, "imageSlots": len(req.Images)})

	rec.Started(StepBucket)
	bucket, err = o.storage.CreateBucket(ctx)
	if err != nil {
		fail(StepBucket, err)
		return
	}
	rec.Completed(StepBucket, map[string]any{"bucket": bucket})

	rec.Started(StepUpload)
	files, outputURL, err := o.stageFiles(ctx, bucket, req)
	if err != nil {
		fail(StepUpload, err)
		return
	}
	result.OutputURL = outputURL
	rec.Completed(StepUpload, map[string]any{"files": len(files)})

	rec.Started(StepSubmission)
	imageParams, err := o.activities.Parameters(ctx)
	if err != nil {
		// best-effort introspection: the generic naming scheme keeps the
		// pipeline usable
		rec.Info(StepSubmission, map[string]any{"note": "parameter introspection unavailable", "error": err.Error()})
		imageParams = nil
	}
	args, err := buildArguments(files, imageParams)
	if err != nil {
		fail(StepSubmission, err)
		return
	}
	status, err := o.executor.Submit(ctx, aps.WorkItemSpec{ActivityID: activityID, Arguments: args})
	if err != nil {
		fail(StepSubmission, err)
		return
	}
	result.WorkItemID = status.ID
	rec.Completed(StepSubmission, map[string]any{"workItem": status.ID})

	rec.Started(StepMonitoring)
	monitor := &Monitor{Exec: o.executor, Interval: o.PollInterval, MaxAttempts: o.MaxPollAttempts}
	final, report, err := monitor.Wait(ctx, status.ID, onProgress)
	result.Report = report
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			telemetry.RendersTimedOut.Inc()
		}
		fail(StepMonitoring, err)
		return
	}
	rec.Completed(StepMonitoring, map[string]any{"status": final.Status})

	rec.Started(StepDownload)
	output, err := o.storage.Download(ctx, outputURL)
	if err != nil {
		fail(StepDownload, err)
		return
	}
	result.Output = output
	rec.Completed(StepDownload, map[string]any{"bytes": len(output)})

	if o.Preview != nil {
		rec.Started(StepPreview)
		ref, err := o.Preview.Prepare(ctx, req.Name, output)
		if err != nil {
			rec.Error(StepPreview, err)
			o.logger.Error("preview preparation failed", "job", req.Name, "error", err)
		} else {
			result.ViewerRef = ref
			rec.Completed(StepPreview, map[string]any{"viewer": ref})
		}
	}

	result.Success = true
	return
}

// stageFiles uploads the script and every image, signs read access for each,
// and pre-signs the read-write output URL the executor will write the result
// to. Any single failure aborts the whole batch so an incomplete file set
// never reaches submission.
func (o *Orchestrator) stageFiles(ctx context.Context, bucket string, req RenderRequest) ([]StagedFile, string, error) {
	ttl := o.OutputTTL
	if ttl <= 0 {
		ttl = defaultOutputTTL
	}

	files := make([]StagedFile, 0, len(req.Images)+2)

	script := []byte(req.Script)
	if err := o.storage.Upload(ctx, bucket, scriptObject, script); err != nil {
		return nil, "", fmt.Errorf("stage script: %w", err)
	}
	scriptURL, err := o.storage.SignObject(ctx, bucket, scriptObject, "read", ttl)
	if err != nil {
		return nil, "", fmt.Errorf("sign script: %w", err)
	}
	files = append(files, StagedFile{LocalName: scriptObject, Object: scriptObject, Role: RoleScript, Size: int64(len(script)), URL: scriptURL})

	for i, img := range req.Images {
		if ReservedObject(img.Name) {
			return nil, "", fmt.Errorf("image name %q is reserved", img.Name)
		}
		if err := o.storage.Upload(ctx, bucket, img.Name, img.Data); err != nil {
			return nil, "", fmt.Errorf("stage image %s: %w", img.Name, err)
		}
		imgURL, err := o.storage.SignObject(ctx, bucket, img.Name, "read", ttl)
		if err != nil {
			return nil, "", fmt.Errorf("sign image %s: %w", img.Name, err)
		}
		files = append(files, StagedFile{LocalName: img.Name, Object: img.Name, Role: RoleImage, Index: i, Size: int64(len(img.Data)), URL: imgURL})
	}

	outputURL, err := o.storage.SignObject(ctx, bucket, outputObject, "readwrite", ttl)
	if err != nil {
		return nil, "", fmt.Errorf("sign output: %w", err)
	}
	files = append(files, StagedFile{LocalName: outputObject, Object: outputObject, Role: RoleOutput, URL: outputURL})

	return files, outputURL, nil
}

// cleanup releases the bucket and the activity. It runs on its own context
// so a cancelled run still tears down what it provisioned, and its failures
// are operational noise, not job failures.
func (o *Orchestrator) cleanup(bucket string, activityProvisioned bool, rec *Recorder) {
	if bucket == "" && !activityProvisioned {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	rec.Started(StepCleanup)
	if bucket != "" {
		if err := o.storage.DeleteBucket(ctx, bucket); err != nil {
			rec.Info(StepCleanup, map[string]any{"bucket": bucket, "error": err.Error()})
			o.logger.Error("bucket cleanup failed", "bucket", bucket, "error", err)
		}
	}
	if activityProvisioned {
		if err := o.activities.Delete(ctx); err != nil {
			rec.Info(StepCleanup, map[string]any{"activity": true, "error": err.Error()})
			o.logger.Error("activity cleanup failed", "error", err)
		}
	}
	rec.Completed(StepCleanup, nil)
}
