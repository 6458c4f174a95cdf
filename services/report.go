package services

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"car-sales-pipeline/models"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#8BC34A")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#5C6370"))
)

// PrintReport writes a human-readable run summary to w.
func PrintReport(w io.Writer, r *models.RunReport) {
	sep := strings.Repeat("═", 54)
	thin := strings.Repeat("─", 54)

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n", sep)
	fmt.Fprintf(w, "\033[1;35m  🚗 CAR SALES PIPELINE RUN\033[0m\n")
	fmt.Fprintf(w, "\033[1;35m%s\033[0m\n\n", sep)

	fmt.Fprintf(w, "\033[1;33m  Overview\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	fmt.Fprintf(w, "  Run ID        : %s\n", r.RunID)
	fmt.Fprintf(w, "  Started       : %s\n", r.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "  Duration      : %s\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  Raw dataset   : %s (\033[1m%d\033[0m rows)\n", r.RawDataset, r.Clean.InputRows)
	fmt.Fprintf(w, "  Cleaned       : %s (\033[1m%d\033[0m rows)\n", r.CleanedDataset, r.Clean.OutputRows)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "\033[1;33m  Rows Dropped\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	reasons := make([]string, 0, len(r.Clean.Dropped))
	for reason := range r.Clean.Dropped {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		fmt.Fprintf(w, "  %-18s : %d\n", reason, r.Clean.Dropped[reason])
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "\033[1;33m  Summary Datasets (%d)\033[0m\n", len(r.DatasetsWritten))
	fmt.Fprintf(w, "  %s\n", thin)
	for _, name := range r.DatasetsWritten {
		fmt.Fprintf(w, "  \033[1;32m✔\033[0m %s\n", name)
	}
	fmt.Fprintln(w)

	if len(r.Corrections) > 0 {
		fmt.Fprintf(w, "\033[1;33m  Corrections\033[0m\n")
		fmt.Fprintf(w, "  %s\n", thin)
		for _, o := range r.Corrections {
			status := fmt.Sprintf("%d rows", o.RowsAffected)
			if o.NoOp() {
				status = "no-op"
			}
			fmt.Fprintf(w, "  %-34s %-14s %s\n", truncate(o.Rule.Target, 34), o.Rule.Kind, status)
		}
		fmt.Fprintln(w)
	}

	if len(r.Failures) > 0 {
		fmt.Fprintf(w, "\033[1;31m  Failures (%d)\033[0m\n", len(r.Failures))
		fmt.Fprintf(w, "  %s\n", thin)
		for _, f := range r.Failures {
			fmt.Fprintf(w, "  \033[1;31m✘\033[0m [%s] %s: %v\n", f.Stage, f.Target, f.Err)
		}
		fmt.Fprintln(w)
	}

	if r.WorkbookPath != "" {
		fmt.Fprintf(w, "  Workbook → %s\n", r.WorkbookPath)
	}
	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n\n", sep)
}

// RenderTable formats up to limit rows of t as a bordered table. A limit of
// zero or less renders every row.
func RenderTable(t *models.Table, limit int) string {
	n := t.Len()
	if limit > 0 && n > limit {
		n = limit
	}
	rows := make([][]string, n)
	for r := 0; r < n; r++ {
		cells := make([]string, len(t.Columns))
		for c, v := range t.Rows[r] {
			if v == nil {
				cells[c] = "NULL"
				continue
			}
			cells[c] = models.FormatCell(v)
		}
		rows[r] = cells
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers(t.Names()...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return tbl.Render()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
