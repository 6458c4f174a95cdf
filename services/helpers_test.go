package services

import (
	"io"

	"car-sales-pipeline/models"
	"car-sales-pipeline/utils"
)

func newTestLogger() *utils.Logger { return utils.NewWriterLogger(io.Discard, utils.LevelDebug) }

// sale returns a complete raw record that survives cleaning. Callers
// override fields as needed.
func sale(vin string, year int64, price float64) map[string]any {
	return map[string]any{
		models.ColVIN:            vin,
		models.ColYear:           year,
		models.ColMake:           "Kia",
		models.ColModel:          "Sorento",
		models.ColTrim:           "LX",
		models.ColBody:           "SUV",
		models.ColTransmission:   "automatic",
		models.ColCondition:      "5",
		models.ColColor:          "white",
		models.ColInterior:       "black",
		models.ColState:          "ca",
		models.ColSeller:         "kia motors america inc",
		models.ColSellingPrice:   price,
		models.ColEstMarketValue: price,
		models.ColOdometer:       16639.0,
	}
}

func with(rec map[string]any, kv ...any) map[string]any {
	for i := 0; i+1 < len(kv); i += 2 {
		rec[kv[i].(string)] = kv[i+1]
	}
	return rec
}

// rawTable lays records out in RawSchema column order; absent keys are NULL.
func rawTable(recs ...map[string]any) *models.Table {
	t := models.NewTable(models.RawSchema...)
	for _, rec := range recs {
		row := make(models.Row, len(t.Columns))
		for i, c := range t.Columns {
			row[i] = rec[c.Name]
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

// cleanedTable runs the default cleaning over recs with reference year 2024.
func cleanedTable(recs ...map[string]any) *models.Table {
	t, _, err := NewCleaner(newTestLogger()).Clean(rawTable(recs...), 2024, models.DefaultRequiredFields)
	if err != nil {
		panic(err)
	}
	return t
}

func column(t *models.Table, name string) []any {
	i := t.Index(name)
	out := make([]any, t.Len())
	for r, row := range t.Rows {
		out[r] = row[i]
	}
	return out
}
