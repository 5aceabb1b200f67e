// Package pipeline orchestrates one ingestion run: acquire a fresh export,
// wait for the download to complete, normalize it, persist the records,
// reconcile against the schedule and publish the report. A run walks a fixed
// state progression and retries whole attempts on acquisition failures;
// everything downstream of a completed download fails the run immediately,
// because retrying cannot change a malformed export or an unusable schedule.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/msv-stihl/limpeza/internal/collector"
	"github.com/msv-stihl/limpeza/internal/config"
	"github.com/msv-stihl/limpeza/internal/ingest"
	"github.com/msv-stihl/limpeza/internal/reconcile"
	"github.com/msv-stihl/limpeza/internal/schedule"
	"github.com/msv-stihl/limpeza/internal/shiftcal"
	"github.com/msv-stihl/limpeza/internal/store"
)

// State identifies where in the run an attempt currently is. Attempts only
// move forward through this progression; any error sends them to StateFailed.
type State string

const (
	StateLogin           State = "LOGIN"
	StateFilterApplied   State = "FILTER_APPLIED"
	StateExportRequested State = "EXPORT_REQUESTED"
	StateDownloadPending State = "DOWNLOAD_PENDING"
	StateDownloaded      State = "DOWNLOADED"
	StateNormalized      State = "NORMALIZED"
	StatePersisted       State = "PERSISTED"
	StateReconciled      State = "RECONCILED"
	StateDone            State = "DONE"
	StateFailed          State = "FAILED"
)

// Publisher pushes the reconciliation artifacts out after a successful run.
// *publish.Manager satisfies it; a nil publisher disables publication.
type Publisher interface {
	Sync(message string) error
}

// Pipeline wires the acquisition, normalization, persistence and
// reconciliation stages together under the configured retry policy.
type Pipeline struct {
	cfg       *config.Config
	collector collector.Collector
	store     *store.RecordStore
	publisher Publisher
	calendar  *shiftcal.Calendar
	clock     Clock
	log       *zap.Logger
}

// New builds a pipeline. The shift calendar is validated once here; shift
// configuration errors surface at startup, not mid-run.
func New(cfg *config.Config, col collector.Collector, st *store.RecordStore, pub Publisher, clock Clock, log *zap.Logger) (*Pipeline, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if clock == nil {
		clock = RealClock()
	}

	shifts := make([]shiftcal.Shift, 0, len(cfg.Shifts))
	for _, sc := range cfg.Shifts {
		s, err := shiftcal.NewShift(sc.Label, sc.Start, sc.End)
		if err != nil {
			return nil, err
		}
		shifts = append(shifts, s)
	}
	calendar, err := shiftcal.NewCalendar(shifts)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		cfg:       cfg,
		collector: col,
		store:     st,
		publisher: pub,
		calendar:  calendar,
		clock:     clock,
		log:       log,
	}, nil
}

// Calendar returns the validated shift calendar.
func (p *Pipeline) Calendar() *shiftcal.Calendar { return p.calendar }

// Run executes the ingestion pipeline with attempt-level retry. Acquisition
// failures (login through download timeout) are retried up to the configured
// attempt count with a fixed backoff; normalization, schedule and storage
// failures abort immediately. The staging directory is cleared after every
// attempt, successful or not, so retries always start from an empty dir.
func (p *Pipeline) Run(ctx context.Context) error {
	return p.run(ctx, true)
}

// CollectOnly runs the acquisition half of the pipeline (through persistence)
// without reconciling or publishing. Same retry policy as Run.
func (p *Pipeline) CollectOnly(ctx context.Context) error {
	return p.run(ctx, false)
}

func (p *Pipeline) run(ctx context.Context, full bool) error {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.Pipeline.MaxAttempts; attempt++ {
		log := p.log.With(
			zap.String("run", uuid.NewString()[:8]),
			zap.Int("attempt", attempt),
		)

		err := p.runAttempt(ctx, log, full)
		p.cleanupStaging(log)
		if err == nil {
			log.Info("pipeline run complete")
			return nil
		}
		lastErr = err
		log.Error("pipeline attempt failed", zap.Error(err))

		if !retryable(err) || ctx.Err() != nil {
			return err
		}
		if attempt < p.cfg.Pipeline.MaxAttempts {
			log.Info("retrying after backoff", zap.Duration("backoff", p.cfg.Pipeline.RetryBackoff))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.clock.After(p.cfg.Pipeline.RetryBackoff):
			}
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", p.cfg.Pipeline.MaxAttempts, lastErr)
}

// retryable reports whether a fresh attempt could plausibly succeed. Only
// acquisition-class failures qualify; a download timeout is wrapped in an
// AcquisitionError and therefore retried too.
func retryable(err error) bool {
	var acq *collector.AcquisitionError
	return errors.As(err, &acq)
}

// runAttempt walks one attempt through the full state progression.
func (p *Pipeline) runAttempt(ctx context.Context, log *zap.Logger, full bool) error {
	t := &tracker{log: log}

	if err := os.MkdirAll(p.cfg.StagingDir(), 0o755); err != nil {
		return &collector.AcquisitionError{Stage: collector.StageDownload,
			Err: fmt.Errorf("failed to create staging dir: %w", err)}
	}

	t.to(StateLogin)
	if err := p.collector.Collect(ctx); err != nil {
		t.fail(stateForError(err), err)
		return err
	}
	// Login, filter and export happen inside Collect; on success the
	// attempt has traversed all three.
	t.to(StateFilterApplied)
	t.to(StateExportRequested)

	t.to(StateDownloadPending)
	download, err := p.waitForDownload(ctx, log)
	if err != nil {
		t.fail(StateDownloadPending, err)
		return err
	}
	t.to(StateDownloaded)

	batch, err := p.promote(download)
	if err != nil {
		t.fail(StateDownloaded, err)
		return err
	}

	records, err := ingest.NormalizeFile(batch)
	if err != nil {
		t.fail(StateDownloaded, err)
		return err
	}
	t.to(StateNormalized)

	count, err := p.store.UpsertBatch(records)
	if err != nil {
		t.fail(StateNormalized, err)
		return err
	}
	log.Info("records persisted", zap.Int("count", count), zap.String("batch", filepath.Base(batch)))
	t.to(StatePersisted)

	if err := os.Remove(batch); err != nil {
		log.Warn("failed to remove processed batch file", zap.Error(err))
	}

	if !full {
		t.to(StateDone)
		return nil
	}

	report, err := p.ReconcileNow()
	if err != nil {
		t.fail(StatePersisted, err)
		return err
	}
	if err := report.WriteFile(p.cfg.ReportFile()); err != nil {
		t.fail(StatePersisted, err)
		return err
	}
	log.Info("missing report written", zap.String("path", p.cfg.ReportFile()))
	p.refreshMirror(log)
	t.to(StateReconciled)

	p.publishReport(log)
	t.to(StateDone)
	return nil
}

// ReconcileNow recomputes the missing report for the current date against a
// freshly loaded schedule. The run pipeline and the standalone reconcile
// command both go through here.
func (p *Pipeline) ReconcileNow() (reconcile.MissingReport, error) {
	now := p.clock.Now()
	weekday := p.cfg.WeekdayLabel(now.Weekday())

	index, err := schedule.Load(p.cfg.ScheduleFile(), p.cfg.Weekdays)
	if err != nil {
		return nil, err
	}
	engine := reconcile.NewEngine(p.store, index, p.calendar, p.log)
	return engine.Reconcile(now, weekday)
}

// waitForDownload polls the staging directory until a completed export shows
// up. The poll is bounded by PollBudget ticks of PollInterval; a partial
// download marker (browser temp file) keeps the wait alive without consuming
// budget, since the transfer is demonstrably in progress. Filesystem events
// trigger early rescans when a watcher is available.
func (p *Pipeline) waitForDownload(ctx context.Context, log *zap.Logger) (string, error) {
	staging := p.cfg.StagingDir()

	var events chan fsnotify.Event
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		if err := watcher.Add(staging); err == nil {
			events = watcher.Events
		} else {
			log.Warn("failed to watch staging dir, polling only", zap.Error(err))
		}
	} else {
		log.Warn("failed to create watcher, polling only", zap.Error(err))
	}

	budget := p.cfg.Pipeline.PollBudget
	interval := p.cfg.Pipeline.PollInterval
	ticks := 0
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if path := completedDownload(staging); path != "" {
			log.Info("download complete", zap.String("path", path), zap.Int("ticks", ticks))
			return path, nil
		}
		if ticks >= budget {
			waited := time.Duration(budget) * interval
			return "", &collector.AcquisitionError{
				Stage: collector.StageDownload,
				Err:   &collector.DownloadTimeoutError{Waited: waited},
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-events:
			// Something changed in staging; rescan without charging a tick.
		case <-p.clock.After(interval):
			if !partialDownload(staging) {
				ticks++
			}
		}
	}
}

// partialMarkers are the temp-file suffixes browsers use for downloads still
// in flight.
var partialMarkers = []string{".crdownload", ".part", ".tmp", ".download"}

// completedDownload returns the first completed spreadsheet in the staging
// directory, or "" when none is ready yet.
func completedDownload(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.ToLower(e.Name())
		if strings.HasPrefix(name, "~$") {
			continue
		}
		if strings.HasSuffix(name, ".xlsx") || strings.HasSuffix(name, ".xls") {
			return filepath.Join(dir, e.Name())
		}
	}
	return ""
}

// partialDownload reports whether the staging directory holds an in-flight
// download marker.
func partialDownload(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		name := strings.ToLower(e.Name())
		for _, marker := range partialMarkers {
			if strings.HasSuffix(name, marker) {
				return true
			}
		}
	}
	return false
}

// promote moves the completed download out of staging under a timestamped
// name, so the staging cleanup at the end of the attempt cannot touch it.
func (p *Pipeline) promote(path string) (string, error) {
	name := fmt.Sprintf("checklist_%s%s", p.clock.Now().Format("20060102_150405"), filepath.Ext(path))
	dest := p.cfg.Resolve(name)
	if err := os.Rename(path, dest); err != nil {
		return "", fmt.Errorf("failed to move download out of staging: %w", err)
	}
	return dest, nil
}

// refreshMirror rewrites the workbook's database mirror sheet from the store
// snapshot. Best effort: the report is already written, a stale mirror only
// degrades the workbook's own formulas.
func (p *Pipeline) refreshMirror(log *zap.Logger) {
	records, err := p.store.All()
	if err != nil {
		log.Warn("failed to snapshot records for workbook mirror", zap.Error(err))
		return
	}
	if err := schedule.RefreshMirror(p.cfg.ScheduleFile(), records); err != nil {
		log.Warn("failed to refresh workbook mirror", zap.Error(err))
		return
	}
	log.Info("workbook mirror refreshed", zap.Int("records", len(records)))
}

// publishReport pushes the artifacts to the publication remote. A publish
// failure after a successful reconciliation never fails the run; the report
// is already valid locally.
func (p *Pipeline) publishReport(log *zap.Logger) {
	if p.publisher == nil || !p.cfg.Publish.Enabled {
		return
	}
	msg := fmt.Sprintf("Atualiza faltando.json (%s)", p.clock.Now().Format("2006-01-02 15:04"))
	if err := p.publisher.Sync(msg); err != nil {
		log.Warn("publication incomplete", zap.Error(err))
	}
}

// cleanupStaging empties the staging directory. Runs after every attempt so
// a retry never mistakes a stale or truncated file for a fresh export.
func (p *Pipeline) cleanupStaging(log *zap.Logger) {
	staging := p.cfg.StagingDir()
	entries, err := os.ReadDir(staging)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("failed to read staging dir for cleanup", zap.Error(err))
		}
		return
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(staging, e.Name())); err != nil {
			log.Warn("failed to remove staging entry", zap.String("name", e.Name()), zap.Error(err))
		}
	}
}

// stateForError maps an acquisition failure back to the state it happened in.
func stateForError(err error) State {
	var acq *collector.AcquisitionError
	if !errors.As(err, &acq) {
		return StateLogin
	}
	switch acq.Stage {
	case collector.StageFilter:
		return StateFilterApplied
	case collector.StageExport:
		return StateExportRequested
	case collector.StageDownload:
		return StateDownloadPending
	default:
		return StateLogin
	}
}

// tracker logs state transitions for one attempt.
type tracker struct {
	state State
	log   *zap.Logger
}

func (t *tracker) to(s State) {
	t.log.Debug("state transition", zap.String("from", string(t.state)), zap.String("to", string(s)))
	t.state = s
}

func (t *tracker) fail(at State, err error) {
	t.log.Warn("attempt failed",
		zap.String("state", string(at)),
		zap.Error(err))
	t.state = StateFailed
}
