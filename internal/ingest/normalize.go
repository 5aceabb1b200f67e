// Package ingest normalizes a downloaded checklist export into the fixed
// record schema. The portal export is loosely shaped; only the first eleven
// columns carry the record fields and everything beyond them is discarded.
package ingest

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/msv-stihl/limpeza/internal/store"
)

// Columns is the fixed normalized schema, in export column order.
var Columns = []string{
	"id_resposta", "id_empresa", "id_checklist", "checklist", "data_inicio",
	"data_fim", "id_ativo", "ativo", "qr_code", "usuario", "data_registro",
}

// NormalizationError reports an export whose shape cannot be mapped to the
// fixed schema. Retrying the pipeline will not change a malformed export, so
// this error is never retried.
type NormalizationError struct {
	Path   string
	Reason string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("cannot normalize %s: %s", e.Path, e.Reason)
}

// NormalizeFile reads the downloaded workbook and maps its rows onto
// ChecklistRecords. The header is expected on the first row; data rows
// follow. Rows with a blank record id are skipped.
func NormalizeFile(path string) ([]store.ChecklistRecord, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, &NormalizationError{Path: path, Reason: fmt.Sprintf("failed to open workbook: %v", err)}
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, &NormalizationError{Path: path, Reason: "workbook has no sheets"}
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, &NormalizationError{Path: path, Reason: fmt.Sprintf("failed to read rows: %v", err)}
	}
	if len(rows) == 0 {
		return nil, &NormalizationError{Path: path, Reason: "workbook is empty"}
	}
	if len(rows[0]) < len(Columns) {
		return nil, &NormalizationError{
			Path:   path,
			Reason: fmt.Sprintf("expected at least %d columns, found %d", len(Columns), len(rows[0])),
		}
	}

	records := make([]store.ChecklistRecord, 0, len(rows)-1)
	for _, row := range rows[1:] {
		r := fromRow(row)
		if r.RecordID == "" {
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

// fromRow maps one data row positionally onto the fixed schema. Trailing
// blank cells are dropped by the reader, so short rows pad with empty
// strings; extra columns past the schema are discarded.
func fromRow(row []string) store.ChecklistRecord {
	cell := func(i int) string {
		if i < len(row) {
			return row[i]
		}
		return ""
	}
	return store.ChecklistRecord{
		RecordID:      cell(0),
		CompanyID:     cell(1),
		ChecklistID:   cell(2),
		ChecklistName: cell(3),
		StartTime:     cell(4),
		EndTime:       cell(5),
		AssetID:       cell(6),
		AssetName:     cell(7),
		QRCode:        cell(8),
		User:          cell(9),
		SubmittedAt:   cell(10),
	}
}
