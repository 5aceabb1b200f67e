package reconcile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/xuri/excelize/v2"

	"github.com/msv-stihl/limpeza/internal/schedule"
	"github.com/msv-stihl/limpeza/internal/shiftcal"
	"github.com/msv-stihl/limpeza/internal/store"
)

var weekdays = []string{"SEG", "TER", "QUA", "QUI", "SEX", "SÁB", "DOM"}

// monday is the reference reconciliation date for these tests.
var monday = time.Date(2024, 1, 8, 12, 0, 0, 0, time.Local)

type fakeRecords []store.ChecklistRecord

func (f fakeRecords) All() ([]store.ChecklistRecord, error) { return f, nil }

func testCalendar(t *testing.T) *shiftcal.Calendar {
	t.Helper()
	specs := [][3]string{
		{"T1", "22:35", "06:00"},
		{"T2", "06:00", "14:20"},
		{"T3", "14:20", "22:35"},
	}
	shifts := make([]shiftcal.Shift, 0, len(specs))
	for _, sp := range specs {
		s, err := shiftcal.NewShift(sp[0], sp[1], sp[2])
		if err != nil {
			t.Fatalf("NewShift: %v", err)
		}
		shifts = append(shifts, s)
	}
	cal, err := shiftcal.NewCalendar(shifts)
	if err != nil {
		t.Fatalf("NewCalendar: %v", err)
	}
	return cal
}

// testIndex loads a schedule index from rows in cronograma column order:
// location, tree, description, turnos, then one cell per weekday.
func testIndex(t *testing.T, rows [][]string) *schedule.Index {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	if _, err := f.NewSheet(schedule.ScheduleSheet); err != nil {
		t.Fatalf("failed to create sheet: %v", err)
	}
	header := append([]string{
		schedule.ColLocation, schedule.ColTree, schedule.ColDescription, schedule.ColShifts,
	}, weekdays...)
	if err := f.SetSheetRow(schedule.ScheduleSheet, "A1", &header); err != nil {
		t.Fatalf("failed to write header: %v", err)
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(schedule.ScheduleSheet, cell, &row); err != nil {
			t.Fatalf("failed to write row: %v", err)
		}
	}

	path := filepath.Join(t.TempDir(), "cronograma_lc.xlsx")
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("failed to save workbook: %v", err)
	}
	ix, err := schedule.Load(path, weekdays)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return ix
}

func rec(id, qr, start string) store.ChecklistRecord {
	return store.ChecklistRecord{RecordID: id, QRCode: qr, StartTime: start}
}

func TestReconcile(t *testing.T) {
	ix := testIndex(t, [][]string{
		{"LOC-A", "TREE-A", "Sala A", "T2", "X", "", "", "", "", "", ""},
		{"LOC-B", "TREE-B", "Sala B", "T2", "X", "", "", "", "", "", ""},
		{"LOC-C", "TREE-C", "Sala C", "T1", "X", "", "", "", "", "", ""},
	})
	records := fakeRecords{
		// Matches LOC-A on Monday's T2.
		rec("101", "LOC-A", "08/01/2024 09:30:00"),
		// Early Tuesday morning inside T1's tail; belongs to Monday's T1.
		rec("102", "TREE-C", "09/01/2024 05:30:00"),
		// Unparseable timestamp; never matches anything.
		rec("103", "LOC-B", "not a date"),
	}

	engine := NewEngine(records, ix, testCalendar(t), nil)
	report, err := engine.Reconcile(monday, "SEG")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	want := MissingReport{
		"T1": {},
		"T2": {{LocationCode: "LOC-B", TreeCode: "TREE-B", Description: "Sala B", Shifts: "T2"}},
		"T3": {},
	}
	if diff := cmp.Diff(want, report); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
}

// A scheduled environment counts as read when the record's QR code equals
// either of its identifiers.
func TestReconcileMatchesEitherKey(t *testing.T) {
	ix := testIndex(t, [][]string{
		{"LOC-A", "TREE-A", "Sala A", "T2", "X", "", "", "", "", "", ""},
	})
	engine := NewEngine(nil, ix, testCalendar(t), nil)

	tests := []struct {
		name    string
		qr      string
		missing int
	}{
		{"location code", "LOC-A", 0},
		{"tree code", "TREE-A", 0},
		{"neither", "OTHER", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine.records = fakeRecords{rec("1", tt.qr, "08/01/2024 10:00:00")}
			report, err := engine.Reconcile(monday, "SEG")
			if err != nil {
				t.Fatalf("Reconcile: %v", err)
			}
			if len(report["T2"]) != tt.missing {
				t.Errorf("missing = %d, want %d", len(report["T2"]), tt.missing)
			}
		})
	}
}

func TestReconcileIgnoresOtherDays(t *testing.T) {
	ix := testIndex(t, [][]string{
		{"LOC-A", "", "Sala A", "T2", "X", "", "", "", "", "", ""},
	})
	// Submitted the previous Monday; does not cover this Monday.
	records := fakeRecords{rec("1", "LOC-A", "01/01/2024 10:00:00")}

	engine := NewEngine(records, ix, testCalendar(t), nil)
	report, err := engine.Reconcile(monday, "SEG")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(report["T2"]) != 1 {
		t.Errorf("stale record satisfied today's schedule: %+v", report["T2"])
	}
}

// Duplicate submissions for the same environment collapse; every due
// environment lands in exactly one of matched or missing.
func TestReconcileDuplicatesDoNotDoubleCount(t *testing.T) {
	ix := testIndex(t, [][]string{
		{"LOC-A", "", "Sala A", "T2", "X", "", "", "", "", "", ""},
		{"LOC-B", "", "Sala B", "T2", "X", "", "", "", "", "", ""},
		{"LOC-C", "", "Sala C", "T2", "X", "", "", "", "", "", ""},
	})
	records := fakeRecords{
		rec("1", "LOC-A", "08/01/2024 07:00:00"),
		rec("2", "LOC-A", "08/01/2024 11:00:00"), // second read of the same room
		rec("3", "LOC-B", "08/01/2024 09:00:00"),
	}

	engine := NewEngine(records, ix, testCalendar(t), nil)
	report, err := engine.Reconcile(monday, "SEG")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	due := len(ix.DueToday("SEG", "T2"))
	missing := len(report["T2"])
	matched := due - missing
	if due != 3 || matched != 2 || missing != 1 {
		t.Errorf("due=%d matched=%d missing=%d, want 3/2/1", due, matched, missing)
	}
	if report["T2"][0].LocationCode != "LOC-C" {
		t.Errorf("missing entry = %+v, want LOC-C", report["T2"][0])
	}
}

func TestReportBytesDeterministic(t *testing.T) {
	report := MissingReport{
		"T2": {{LocationCode: "LOC-B", TreeCode: "TREE-B", Description: "Vestiário", Shifts: "T2"}},
		"T1": {},
		"T3": {},
	}

	first, err := report.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	second, err := report.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("identical reports rendered differently")
	}

	// Keys serialize sorted, shifts with nothing missing render as empty
	// arrays and accented text stays readable.
	out := string(first)
	if bytes.Contains(first, []byte("null")) {
		t.Errorf("empty shift rendered as null:\n%s", out)
	}
	if !bytes.Contains(first, []byte(`"Local Instalação"`)) {
		t.Errorf("missing source column name in output:\n%s", out)
	}
	if !bytes.Contains(first, []byte("Vestiário")) {
		t.Errorf("non-ASCII text was escaped:\n%s", out)
	}
	t1 := bytes.Index(first, []byte(`"T1"`))
	t2 := bytes.Index(first, []byte(`"T2"`))
	t3 := bytes.Index(first, []byte(`"T3"`))
	if !(t1 < t2 && t2 < t3) {
		t.Errorf("keys not sorted:\n%s", out)
	}
}

func TestReportWriteFileCreatesParents(t *testing.T) {
	report := MissingReport{"T1": {}}
	path := filepath.Join(t.TempDir(), "frontend", "faltando.json")

	if err := report.WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Contains(data, []byte(`"T1": []`)) {
		t.Errorf("unexpected report content:\n%s", data)
	}
}
