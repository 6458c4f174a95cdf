package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"car-sales-pipeline/models"
)

const maxSheetName = 31

// ExportWorkbook writes the named datasets into one XLSX file, one sheet per
// dataset with a header row. Sheet names are dataset names cut to Excel's
// 31-character limit.
func ExportWorkbook(ctx context.Context, store Store, names []string, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("xlsx: create output dir: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	// the first dataset takes over the default sheet
	defaultSheet := f.GetSheetName(0)
	used := make(map[string]bool)
	for i, name := range names {
		t, err := store.Load(ctx, name)
		if err != nil {
			return fmt.Errorf("xlsx: %w", err)
		}
		sheet := sheetName(name, used)
		if i == 0 {
			if err := f.SetSheetName(defaultSheet, sheet); err != nil {
				return fmt.Errorf("xlsx: rename sheet %q: %w", sheet, err)
			}
		} else if _, err := f.NewSheet(sheet); err != nil {
			return fmt.Errorf("xlsx: add sheet %q: %w", sheet, err)
		}
		if err := writeSheet(f, sheet, t); err != nil {
			return fmt.Errorf("xlsx: sheet %q: %w", sheet, err)
		}
	}
	f.SetActiveSheet(0)

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("xlsx: save %q: %w", path, err)
	}
	return nil
}

// sheetName picks a unique sheet name. Excel compares sheet names without
// regard to case.
func sheetName(name string, used map[string]bool) string {
	base := name
	if len(base) > maxSheetName {
		base = base[:maxSheetName]
	}
	candidate := base
	for n := 2; used[strings.ToLower(candidate)]; n++ {
		suffix := "_" + strconv.Itoa(n)
		candidate = base[:min(len(base), maxSheetName-len(suffix))] + suffix
	}
	used[strings.ToLower(candidate)] = true
	return candidate
}

func writeSheet(f *excelize.File, sheet string, t *models.Table) error {
	header := make([]any, len(t.Columns))
	for i, c := range t.Columns {
		header[i] = c.Name
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}

	for r, row := range t.Rows {
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return err
		}
		values := make([]any, len(row))
		copy(values, row)
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return err
		}
	}
	return nil
}
