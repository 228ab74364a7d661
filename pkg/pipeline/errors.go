package pipeline

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrTimeout is returned when a work item never reaches a terminal status
// within the configured attempt limit.
var ErrTimeout = errors.New("work item polling exceeded attempt limit")

// reportExcerptLimit bounds how much of the executor's report travels inside
// a failure error. Reports can run to megabytes of command echo.
const reportExcerptLimit = 2000

// JobFailedError carries an excerpt of the executor's report for a work item
// that reached the failed status.
type JobFailedError struct {
	WorkItemID string
	Report     string
}

func (e *JobFailedError) Error() string {
	if e.Report == "" {
		return fmt.Sprintf("work item %s failed", e.WorkItemID)
	}
	return fmt.Sprintf("work item %s failed: %s", e.WorkItemID, e.Report)
}

func excerpt(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	// back off to a rune boundary so the cut never splits a multibyte
	// character
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
