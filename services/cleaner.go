package services

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"car-sales-pipeline/models"
	"car-sales-pipeline/utils"
)

// Cleaner turns a raw sales table into the cleaned table: typed, unique by
// vin, with car_age derived and invalid or incomplete rows removed.
type Cleaner struct {
	logger *utils.Logger
}

// NewCleaner creates a Cleaner with the given logger.
func NewCleaner(logger *utils.Logger) *Cleaner {
	return &Cleaner{logger: logger}
}

type vinKey struct {
	null bool
	vin  string
}

// candidate is a coerced row plus whether it survives the validity filters.
type candidate struct {
	row   models.Row
	valid bool
}

// Clean processes the raw table.
//
// Duplicate policy: among rows sharing a vin (NULL is one key), the first row
// in input order that passes the price and required-field filters survives.
// When none passes, the first row is kept and then filtered out. Survivors
// keep the position of their vin's first occurrence.
func (c *Cleaner) Clean(raw *models.Table, referenceYear int, required []string) (*models.Table, models.CleanStats, error) {
	stats := models.CleanStats{
		InputRows: raw.Len(),
		Dropped: map[string]int{
			models.DropTypeMismatch:    0,
			models.DropDuplicate:       0,
			models.DropInvalidPrice:    0,
			models.DropMissingRequired: 0,
		},
	}

	if err := checkRawSchema(raw, required); err != nil {
		return nil, stats, err
	}

	out := cleanedColumns(raw)
	ageIdx := out.Index(models.ColCarAge)
	yearIdx := out.Index(models.ColYear)
	priceIdx := out.Index(models.ColSellingPrice)
	vinIdx := out.Index(models.ColVIN)
	reqIdx := make([]int, len(required))
	for i, f := range required {
		reqIdx[i] = out.Index(f)
	}

	slots := make(map[vinKey]int)
	var kept []candidate

	for r, in := range raw.Rows {
		row, err := coerceRow(raw, out, in)
		if err != nil {
			stats.Dropped[models.DropTypeMismatch]++
			c.logger.Warn("[cleaner] Excluding row %d (vin %s): %v", r, models.FormatCell(in[raw.Index(models.ColVIN)]), err)
			continue
		}

		if y, ok := row[yearIdx].(int64); ok {
			row[ageIdx] = int64(referenceYear) - y
		} else {
			row[ageIdx] = nil
		}

		cand := candidate{row: row, valid: validPrice(row[priceIdx]) && hasAll(row, reqIdx)}

		key := vinKey{null: row[vinIdx] == nil}
		if s, ok := row[vinIdx].(string); ok {
			key.vin = s
		}
		slot, seen := slots[key]
		if !seen {
			slots[key] = len(kept)
			kept = append(kept, cand)
			continue
		}
		stats.Dropped[models.DropDuplicate]++
		if !kept[slot].valid && cand.valid {
			c.logger.Debug("[cleaner] Duplicate vin %q: preferring valid row %d", key.vin, r)
			kept[slot] = cand
		} else {
			c.logger.Debug("[cleaner] Duplicate vin %q skipped at row %d", key.vin, r)
		}
	}

	for _, cand := range kept {
		switch {
		case !validPrice(cand.row[priceIdx]):
			stats.Dropped[models.DropInvalidPrice]++
		case !hasAll(cand.row, reqIdx):
			stats.Dropped[models.DropMissingRequired]++
		default:
			out.Rows = append(out.Rows, cand.row)
		}
	}
	stats.OutputRows = out.Len()

	c.logger.Info("[cleaner] Cleaned %d → %d rows (type mismatch %d, duplicate %d, invalid price %d, missing required %d)",
		stats.InputRows, stats.OutputRows,
		stats.Dropped[models.DropTypeMismatch], stats.Dropped[models.DropDuplicate],
		stats.Dropped[models.DropInvalidPrice], stats.Dropped[models.DropMissingRequired])
	return out, stats, nil
}

func checkRawSchema(raw *models.Table, required []string) error {
	var missing []string
	for _, col := range models.RawSchema {
		if !raw.Has(col.Name) {
			missing = append(missing, col.Name)
		}
	}
	for _, f := range required {
		if f != models.ColCarAge && !raw.Has(f) {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("raw dataset lacks columns %v: %w", missing, models.ErrSchemaMismatch)
	}
	return nil
}

// cleanedColumns keeps the raw column order, applies the raw schema kinds and
// appends car_age unless the input already carries one.
func cleanedColumns(raw *models.Table) *models.Table {
	out := &models.Table{Columns: make([]models.Column, len(raw.Columns))}
	for i, col := range raw.Columns {
		if k, ok := models.RawKind(col.Name); ok {
			col.Kind = k
		}
		out.Columns[i] = col
	}
	if i := out.Index(models.ColCarAge); i >= 0 {
		out.Columns[i].Kind = models.KindInt
	} else {
		out.Columns = append(out.Columns, models.Column{Name: models.ColCarAge, Kind: models.KindInt})
	}
	return out
}

func coerceRow(raw, out *models.Table, in models.Row) (models.Row, error) {
	row := make(models.Row, len(out.Columns))
	for i, cell := range in {
		v, err := coerce(out.Columns[i].Kind, cell)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", raw.Columns[i].Name, err)
		}
		row[i] = v
	}
	return row, nil
}

// coerce converts a cell to the target kind. Numeric text parses; anything
// else that is not already the right type is a type mismatch. Numbers in a
// string column are rendered exactly, since categorical columns such as
// condition often arrive numeric.
func coerce(k models.Kind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch k {
	case models.KindString:
		switch x := v.(type) {
		case string:
			return x, nil
		case int64, float64:
			return models.FormatCell(x), nil
		}
	case models.KindInt:
		switch x := v.(type) {
		case int64:
			return x, nil
		case float64:
			if x == math.Trunc(x) && !math.IsInf(x, 0) {
				return int64(x), nil
			}
		case string:
			s := strings.TrimSpace(x)
			if s == "" {
				return nil, nil
			}
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n, nil
			}
		}
	case models.KindFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		case string:
			s := strings.TrimSpace(x)
			if s == "" {
				return nil, nil
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) {
				return f, nil
			}
		}
	}
	return nil, fmt.Errorf("%q is not %s: %w", models.FormatCell(v), k, models.ErrTypeMismatch)
}

func validPrice(v any) bool {
	p, ok := v.(float64)
	return ok && p > 0
}

func hasAll(row models.Row, idx []int) bool {
	for _, i := range idx {
		if row[i] == nil {
			return false
		}
	}
	return true
}
