package schedule

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/msv-stihl/limpeza/internal/store"
)

// RefreshMirror rewrites the MSPRO_DB sheet of the cronograma workbook from
// the record store snapshot. The sheet mirrors the checklists table so the
// workbook's own formulas keep working; the header row is preserved and the
// data area is fully replaced.
func RefreshMirror(path string, records []store.ChecklistRecord) error {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return fmt.Errorf("failed to open schedule workbook: %w", err)
	}
	defer f.Close()

	rows, err := f.GetRows(MirrorSheet)
	if err != nil {
		return fmt.Errorf("missing sheet %q in %s: %w", MirrorSheet, path, err)
	}

	// Clear the old data area first; the new snapshot may be shorter.
	for rowIdx := 2; rowIdx <= len(rows); rowIdx++ {
		for colIdx := 1; colIdx <= 11; colIdx++ {
			cell, err := excelize.CoordinatesToCellName(colIdx, rowIdx)
			if err != nil {
				return fmt.Errorf("bad cell coordinates: %w", err)
			}
			if err := f.SetCellValue(MirrorSheet, cell, nil); err != nil {
				return fmt.Errorf("failed to clear cell %s: %w", cell, err)
			}
		}
	}

	for i, r := range records {
		values := []string{
			r.RecordID, r.CompanyID, r.ChecklistID, r.ChecklistName,
			r.StartTime, r.EndTime, r.AssetID, r.AssetName,
			r.QRCode, r.User, r.SubmittedAt,
		}
		for colIdx, v := range values {
			cell, err := excelize.CoordinatesToCellName(colIdx+1, i+2)
			if err != nil {
				return fmt.Errorf("bad cell coordinates: %w", err)
			}
			if err := f.SetCellValue(MirrorSheet, cell, v); err != nil {
				return fmt.Errorf("failed to write cell %s: %w", cell, err)
			}
		}
	}

	if err := f.Save(); err != nil {
		return fmt.Errorf("failed to save schedule workbook: %w", err)
	}
	return nil
}
