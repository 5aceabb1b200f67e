// Package collector acquires a fresh checklist export from the external
// portal. The pipeline does not care how retrieval happens; a collector only
// has to leave a completed batch file in the staging directory (or fail with
// an acquisition error). Two interchangeable strategies exist: a
// browser-driven one that mirrors a human operator, and a direct HTTP one
// for headless cron hosts.
package collector

import (
	"context"
	"fmt"
	"time"
)

// Acquisition stages, used for operator diagnosis in errors and logs.
const (
	StageLogin    = "login"
	StageFilter   = "filter"
	StageExport   = "export"
	StageDownload = "download"
)

// AcquisitionError is any login/filter/export/download failure. The pipeline
// recovers from it with attempt-level retry.
type AcquisitionError struct {
	Stage string
	Err   error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquisition failed at %s: %v", e.Stage, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// DownloadTimeoutError reports that the export never produced a completed
// file in the staging directory within the poll budget. It travels wrapped in
// an AcquisitionError with StageDownload, so callers can match either the
// broad class or this specific cause.
type DownloadTimeoutError struct {
	Waited time.Duration
}

func (e *DownloadTimeoutError) Error() string {
	return fmt.Sprintf("no completed download after %s", e.Waited)
}

// Collector acquires a new batch of checklist records into the staging
// directory.
type Collector interface {
	// Collect logs in, applies the current-month filter and requests the
	// export. On return the download is either already in the staging
	// directory or on its way there (browser downloads land asynchronously;
	// the pipeline polls for completion).
	Collect(ctx context.Context) error
}

// monthRange returns the first and last day of ts's month.
func monthRange(ts time.Time) (time.Time, time.Time) {
	first := time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, ts.Location())
	last := first.AddDate(0, 1, -1)
	return first, last
}
