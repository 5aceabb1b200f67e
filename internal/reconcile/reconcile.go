// Package reconcile computes the missing report: for each configured shift,
// the scheduled environments that have no matching submitted record on the
// current logical day. The computation is a pure function of the record
// store snapshot, the schedule index and the supplied date, so the report
// can be regenerated at any time.
package reconcile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/msv-stihl/limpeza/internal/schedule"
	"github.com/msv-stihl/limpeza/internal/shiftcal"
	"github.com/msv-stihl/limpeza/internal/store"
)

// Entry is one missing environment, projected with the source column names
// the frontend expects. Blank fields render as empty strings, never null.
type Entry struct {
	LocationCode string `json:"Local Instalação"`
	TreeCode     string `json:"Arvore Prisma4 / Pro"`
	Description  string `json:"Descrição"`
	Shifts       string `json:"Turnos"`
}

// MissingReport maps each shift label to its ordered missing environments.
type MissingReport map[string][]Entry

// Bytes renders the report as indented UTF-8 JSON. Non-ASCII text is
// preserved as-is and map keys serialize in sorted order, so identical
// inputs produce byte-identical output.
func (r MissingReport) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFile writes the report to path, creating parent directories and
// replacing any prior artifact.
func (r MissingReport) WriteFile(path string) error {
	data, err := r.Bytes()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// RecordSource provides the point-in-time record snapshot to reconcile
// against. *store.RecordStore satisfies it.
type RecordSource interface {
	All() ([]store.ChecklistRecord, error)
}

// Engine joins the schedule index against the record store through the
// shift calendar.
type Engine struct {
	records  RecordSource
	index    *schedule.Index
	calendar *shiftcal.Calendar
	log      *zap.Logger
}

// NewEngine builds a reconciliation engine.
func NewEngine(records RecordSource, index *schedule.Index, calendar *shiftcal.Calendar, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{records: records, index: index, calendar: calendar, log: log}
}

// Reconcile computes the missing report for the given date and weekday
// label. Records whose start timestamp is blank or unparseable are excluded
// from every shift; a scheduled environment counts as read when any
// record's QR code equals either of its codes for the shift's logical day.
func (e *Engine) Reconcile(today time.Time, weekday string) (MissingReport, error) {
	records, err := e.records.All()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot records: %w", err)
	}

	report := make(MissingReport, len(e.calendar.Shifts()))
	for _, shift := range e.calendar.Shifts() {
		candidates := e.index.DueToday(weekday, shift.Label)
		matched := matchedKeys(records, shift, today)

		missing := make([]Entry, 0, len(candidates))
		for _, env := range candidates {
			if matched[env.LocationCode] || matched[env.TreeCode] {
				continue
			}
			missing = append(missing, Entry{
				LocationCode: env.LocationCode,
				TreeCode:     env.TreeCode,
				Description:  env.Description,
				Shifts:       env.ShiftsRaw,
			})
		}
		report[shift.Label] = missing

		e.log.Debug("reconciled shift",
			zap.String("shift", shift.Label),
			zap.String("weekday", weekday),
			zap.Int("due", len(candidates)),
			zap.Int("missing", len(missing)))
	}
	return report, nil
}

// matchedKeys collects the QR codes of records whose logical day for the
// shift equals today. Duplicate codes collapse into the set; they never
// double-count.
func matchedKeys(records []store.ChecklistRecord, shift shiftcal.Shift, today time.Time) map[string]bool {
	keys := make(map[string]bool)
	for _, r := range records {
		ts, ok := shiftcal.ParseTimestamp(r.StartTime)
		if !ok {
			continue
		}
		day, ok := shift.LogicalDay(ts)
		if !ok || !shiftcal.SameDate(day, today) {
			continue
		}
		if r.QRCode != "" {
			keys[r.QRCode] = true
		}
	}
	return keys
}
