package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/planhaus/tiles/backend/pkg/aps"
	"github.com/planhaus/tiles/backend/pkg/telemetry"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultMaxAttempts  = 240
)

// Progress is one observation surfaced to the caller during polling. When
// the executor reports pending, or inprogress stuck at 0% (a known trait of
// long jobs), Indeterminate is set so UI layers can show a non-numeric
// indicator instead of a stalled zero.
type Progress struct {
	Percent       int
	Indeterminate bool
	Elapsed       time.Duration
}

// ProgressFunc receives progress observations. It is called from the polling
// goroutine and must not block.
type ProgressFunc func(Progress)

// StatusSource is the slice of the executor client the monitor needs.
type StatusSource interface {
	Status(ctx context.Context, id string) (aps.WorkItemStatus, error)
	Report(ctx context.Context, url string) (string, error)
}

// Monitor polls a work item to a terminal status.
type Monitor struct {
	Exec        StatusSource
	Interval    time.Duration
	MaxAttempts int
}

var progressDigits = regexp.MustCompile(`\d+`)

// parsePercent extracts the first embedded integer from the executor's
// free-form progress string.
func parsePercent(progress string) (int, bool) {
	match := progressDigits.FindString(progress)
	if match == "" {
		return 0, false
	}
	n, err := strconv.Atoi(match)
	if err != nil {
		return 0, false
	}
	return n, true
}

func progressOf(st aps.WorkItemStatus, elapsed time.Duration) Progress {
	if st.Status == aps.StatusPending {
		return Progress{Indeterminate: true, Elapsed: elapsed}
	}
	percent, ok := parsePercent(st.Progress)
	if !ok || percent == 0 {
		return Progress{Indeterminate: true, Elapsed: elapsed}
	}
	return Progress{Percent: percent, Elapsed: elapsed}
}

// Wait polls until the work item reaches a terminal status, the attempt cap
// is exceeded, or the context is cancelled. On either terminal status it
// attempts to fetch the executor's report; on success the fetch is
// best-effort, on failure the report excerpt rides inside the returned
// *JobFailedError.
func (m *Monitor) Wait(ctx context.Context, id string, onProgress ProgressFunc) (aps.WorkItemStatus, string, error) {
	interval := m.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	maxAttempts := m.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	start := time.Now()
	for attempt := 0; attempt < maxAttempts; attempt++ {
		st, err := m.Exec.Status(ctx, id)
		if err != nil {
			return aps.WorkItemStatus{}, "", fmt.Errorf("poll work item: %w", err)
		}
		telemetry.PollAttempts.Inc()

		switch st.Status {
		case aps.StatusSuccess:
			if onProgress != nil {
				onProgress(Progress{Percent: 100, Elapsed: time.Since(start)})
			}
			report := m.fetchReport(ctx, st)
			return st, report, nil
		case aps.StatusFailed:
			report := m.fetchReport(ctx, st)
			return st, report, &JobFailedError{WorkItemID: id, Report: excerpt(report, reportExcerptLimit)}
		default:
			if onProgress != nil {
				onProgress(progressOf(st, time.Since(start)))
			}
		}

		// no point sleeping after the last allowed poll
		if attempt == maxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return aps.WorkItemStatus{}, "", ctx.Err()
		case <-time.After(interval):
		}
	}
	return aps.WorkItemStatus{}, "", ErrTimeout
}

// fetchReport pulls the textual report when the executor exposed one.
// Unavailability is never an error in itself.
func (m *Monitor) fetchReport(ctx context.Context, st aps.WorkItemStatus) string {
	if st.ReportURL == "" {
		return ""
	}
	report, err := m.Exec.Report(ctx, st.ReportURL)
	if err != nil {
		return ""
	}
	return report
}
