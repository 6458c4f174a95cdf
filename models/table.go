package models

import (
	"fmt"
	"strings"
)

// Kind is the storage type of a column.
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
)

// ParseKind maps a textual kind (as written in CSV headers or catalogs) to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "string", "text":
		return KindString, nil
	case "int", "integer", "bigint":
		return KindInt, nil
	case "float", "double", "numeric", "real":
		return KindFloat, nil
	default:
		return "", fmt.Errorf("unknown column kind %q", s)
	}
}

// Column describes one named, typed column of a Table.
type Column struct {
	Name string
	Kind Kind
}

// Row holds one cell per column. A nil cell is NULL; otherwise a cell is a
// string, int64 or float64 matching the column kind.
type Row []any

// Table is an in-memory tabular dataset. Row order is significant.
type Table struct {
	Columns []Column
	Rows    []Row
}

// NewTable creates an empty table with the given columns.
func NewTable(cols ...Column) *Table {
	return &Table{Columns: append([]Column(nil), cols...)}
}

// Index returns the position of the named column, or -1.
func (t *Table) Index(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Has reports whether the table has a column with the given name.
func (t *Table) Has(name string) bool { return t.Index(name) >= 0 }

// Names returns the column names in order.
func (t *Table) Names() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Append adds a row. The row must have one cell per column.
func (t *Table) Append(cells ...any) {
	t.Rows = append(t.Rows, Row(cells))
}

// Value returns the cell of row r under the named column, or nil when the
// column does not exist.
func (t *Table) Value(r int, name string) any {
	i := t.Index(name)
	if i < 0 {
		return nil
	}
	return t.Rows[r][i]
}

// Record returns row r as a column-name keyed map, the shape predicates
// are evaluated against.
func (t *Table) Record(r int) map[string]any {
	rec := make(map[string]any, len(t.Columns))
	for i, c := range t.Columns {
		rec[c.Name] = t.Rows[r][i]
	}
	return rec
}

// Clone returns a deep copy. Cells are immutable scalars so copying the
// row slices is enough.
func (t *Table) Clone() *Table {
	if t == nil {
		return nil
	}
	out := &Table{
		Columns: append([]Column(nil), t.Columns...),
		Rows:    make([]Row, len(t.Rows)),
	}
	for i, r := range t.Rows {
		out.Rows[i] = append(Row(nil), r...)
	}
	return out
}

// SameSchema reports whether both tables have identical column names and kinds.
func (t *Table) SameSchema(o *Table) bool {
	if len(t.Columns) != len(o.Columns) {
		return false
	}
	for i := range t.Columns {
		if t.Columns[i] != o.Columns[i] {
			return false
		}
	}
	return true
}

// Validate checks that every row has the right width and every non-NULL
// cell matches its column kind.
func (t *Table) Validate() error {
	for r, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return fmt.Errorf("row %d: %d cells for %d columns: %w", r, len(row), len(t.Columns), ErrSchemaMismatch)
		}
		for i, cell := range row {
			if cell == nil {
				continue
			}
			if !kindMatches(t.Columns[i].Kind, cell) {
				return fmt.Errorf("row %d column %q: %T is not %s: %w", r, t.Columns[i].Name, cell, t.Columns[i].Kind, ErrTypeMismatch)
			}
		}
	}
	return nil
}

func kindMatches(k Kind, v any) bool {
	switch v.(type) {
	case string:
		return k == KindString
	case int64:
		return k == KindInt
	case float64:
		return k == KindFloat
	default:
		return false
	}
}

// FormatCell renders a cell for text outputs (CSV, terminal). NULL renders
// as the empty string.
func FormatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return fmt.Sprintf("%d", x)
	case float64:
		return fmt.Sprintf("%g", x)
	default:
		return fmt.Sprint(x)
	}
}
