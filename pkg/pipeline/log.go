package pipeline

import (
	"log/slog"
	"sync"
	"time"
)

// Step names recorded in the processing log, in pipeline order.
const (
	StepAuthentication = "authentication"
	StepActivity       = "activity_creation"
	StepBucket         = "bucket_creation"
	StepUpload         = "file_upload"
	StepSubmission     = "workitem_submission"
	StepMonitoring     = "workitem_monitoring"
	StepDownload       = "dwg_download"
	StepPreview        = "preview_preparation"
	StepCleanup        = "cleanup"
)

// Log entry statuses.
const (
	LogStarted   = "started"
	LogCompleted = "completed"
	LogError     = "error"
	LogInfo      = "info"
)

// LogEntry is one append-only event in a job's processing log.
type LogEntry struct {
	Time   time.Time      `json:"time"`
	Step   string         `json:"step"`
	Status string         `json:"status"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Recorder collects step events from every pipeline phase into a single
// ordered log. The orchestrator owns one per run and hands the serialized
// log to the caller; entries are mirrored to the structured logger as they
// arrive.
type Recorder struct {
	mu      sync.Mutex
	logger  *slog.Logger
	entries []LogEntry
}

func NewRecorder(logger *slog.Logger) *Recorder {
	return &Recorder{logger: logger}
}

func (r *Recorder) append(step, status string, detail map[string]any) {
	r.mu.Lock()
	r.entries = append(r.entries, LogEntry{Time: time.Now().UTC(), Step: step, Status: status, Detail: detail})
	r.mu.Unlock()
}

// Started records the beginning of a step.
func (r *Recorder) Started(step string) {
	r.append(step, LogStarted, nil)
	r.logger.Info("step started", "step", step)
}

// Completed records a successful step, with optional detail.
func (r *Recorder) Completed(step string, detail map[string]any) {
	r.append(step, LogCompleted, detail)
	r.logger.Info("step completed", "step", step)
}

// Error records a failed step.
func (r *Recorder) Error(step string, err error) {
	r.append(step, LogError, map[string]any{"error": err.Error()})
	r.logger.Error("step failed", "step", step, "error", err)
}

// Info records a non-terminal observation within a step.
func (r *Recorder) Info(step string, detail map[string]any) {
	r.append(step, LogInfo, detail)
	r.logger.Info("step note", "step", step, "detail", detail)
}

// Snapshot returns a copy of the log collected so far.
func (r *Recorder) Snapshot() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}
