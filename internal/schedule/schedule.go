// Package schedule loads the recurring cleaning schedule from the cronograma
// workbook and answers which environments are due on a given weekday and
// shift. The source data is free text, so weekday and shift matching is
// case-insensitive and whitespace-trimmed, and the Turnos column is parsed
// once at the boundary into a label set.
package schedule

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Sheet and column names in the cronograma workbook. The JSON report keeps
// the same column names for downstream compatibility.
const (
	ScheduleSheet = "Cronograma"
	MirrorSheet   = "MSPRO_DB"

	ColLocation    = "Local Instalação"
	ColTree        = "Arvore Prisma4 / Pro"
	ColDescription = "Descrição"
	ColShifts      = "Turnos"
)

// ScheduleSourceError reports that the schedule source cannot be used at
// all: a missing sheet or an unlocatable column set. No partial schedule is
// usable, so this is fatal for the whole run.
type ScheduleSourceError struct {
	Path   string
	Reason string
}

func (e *ScheduleSourceError) Error() string {
	return fmt.Sprintf("unusable schedule source %s: %s", e.Path, e.Reason)
}

// Environment is one (environment, weekday-set) schedule entry. Either
// LocationCode or TreeCode may match a submitted record's QR code; they are
// alternate identifiers for the same physical environment.
type Environment struct {
	LocationCode string
	TreeCode     string
	Description  string
	ShiftsRaw    string // original Turnos text, carried into the report

	shifts   map[string]bool
	weekdays map[string]bool
}

// DueOn reports whether the entry is due for the given weekday and shift.
func (e Environment) DueOn(weekday, shift string) bool {
	return e.weekdays[normalize(weekday)] && e.shifts[normalize(shift)]
}

// HasShift reports whether the entry is active for the shift label.
func (e Environment) HasShift(shift string) bool { return e.shifts[normalize(shift)] }

// Index answers due-today queries over the loaded schedule. Entries keep
// their source order so reports stay deterministic.
type Index struct {
	entries []Environment
}

// Entries returns all schedule entries in source order.
func (ix *Index) Entries() []Environment { return ix.entries }

// DueToday returns the environments due on the weekday during the shift,
// in source order.
func (ix *Index) DueToday(weekday, shift string) []Environment {
	var due []Environment
	for _, e := range ix.entries {
		if e.DueOn(weekday, shift) {
			due = append(due, e)
		}
	}
	return due
}

// Load reads the Cronograma sheet of the workbook and builds the index.
// weekdays is the full ordered label set (SEG..DOM); every label must map to
// a column or the source is rejected.
func Load(path string, weekdays []string) (*Index, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, &ScheduleSourceError{Path: path, Reason: fmt.Sprintf("failed to open workbook: %v", err)}
	}
	defer f.Close()

	rows, err := f.GetRows(ScheduleSheet)
	if err != nil {
		return nil, &ScheduleSourceError{Path: path, Reason: fmt.Sprintf("missing sheet %q", ScheduleSheet)}
	}
	if len(rows) == 0 {
		return nil, &ScheduleSourceError{Path: path, Reason: "schedule sheet is empty"}
	}

	cols, err := locateColumns(rows[0], weekdays)
	if err != nil {
		return nil, &ScheduleSourceError{Path: path, Reason: err.Error()}
	}

	ix := &Index{}
	for _, row := range rows[1:] {
		cell := func(i int) string {
			if i >= 0 && i < len(row) {
				return strings.TrimSpace(row[i])
			}
			return ""
		}
		env := Environment{
			LocationCode: cell(cols.location),
			TreeCode:     cell(cols.tree),
			Description:  cell(cols.description),
			ShiftsRaw:    cell(cols.shifts),
			shifts:       parseShiftSet(cell(cols.shifts)),
			weekdays:     make(map[string]bool, len(weekdays)),
		}
		if env.LocationCode == "" && env.TreeCode == "" {
			continue
		}
		for label, idx := range cols.weekdays {
			if strings.EqualFold(cell(idx), "X") {
				env.weekdays[label] = true
			}
		}
		ix.entries = append(ix.entries, env)
	}
	return ix, nil
}

type columnMap struct {
	location    int
	tree        int
	description int
	shifts      int
	weekdays    map[string]int // normalized label -> column index
}

// locateColumns resolves the named columns against the header row. The
// weekday and Turnos columns are mandatory; without them no schedule query
// can be answered.
func locateColumns(header []string, weekdays []string) (columnMap, error) {
	byName := make(map[string]int, len(header))
	for i, h := range header {
		byName[normalize(h)] = i
	}

	lookup := func(name string) int {
		if i, ok := byName[normalize(name)]; ok {
			return i
		}
		return -1
	}

	cols := columnMap{
		location:    lookup(ColLocation),
		tree:        lookup(ColTree),
		description: lookup(ColDescription),
		shifts:      lookup(ColShifts),
		weekdays:    make(map[string]int, len(weekdays)),
	}
	if cols.shifts < 0 {
		return cols, fmt.Errorf("column %q not found", ColShifts)
	}
	if cols.location < 0 && cols.tree < 0 {
		return cols, fmt.Errorf("neither %q nor %q column found", ColLocation, ColTree)
	}
	for _, label := range weekdays {
		idx := lookup(label)
		if idx < 0 {
			return cols, fmt.Errorf("weekday column %q not found", label)
		}
		cols.weekdays[normalize(label)] = idx
	}
	return cols, nil
}

// parseShiftSet splits the free-text Turnos cell ("T1 / T2", "T2E,T3E")
// into a set of normalized labels. Parsing once here keeps substring
// accidents (T2 matching inside T2E) out of the reconciliation core.
func parseShiftSet(raw string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(raw, func(r rune) bool {
		return r == '/' || r == ',' || r == ';' || r == ' ' || r == '\t'
	}) {
		if tok = normalize(tok); tok != "" {
			set[tok] = true
		}
	}
	return set
}

func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
