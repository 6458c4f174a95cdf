package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"car-sales-pipeline/models"
	"car-sales-pipeline/utils"
)

// rowColumn is the hidden ordinal that preserves row order in SQL tables.
const rowColumn = "_row"

const insertBatchSize = 50

// Dialect captures the SQL differences between supported databases.
type Dialect struct {
	Name        string
	Driver      string
	Placeholder func(n int) string
	Types       map[models.Kind]string
	ExistsQuery string
	ListQuery   string
}

// Postgres talks to PostgreSQL through github.com/lib/pq.
var Postgres = Dialect{
	Name:        "postgres",
	Driver:      "postgres",
	Placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	Types: map[models.Kind]string{
		models.KindString: "TEXT",
		models.KindInt:    "BIGINT",
		models.KindFloat:  "DOUBLE PRECISION",
	},
	ExistsQuery: `SELECT COUNT(*) FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_name = $1`,
	ListQuery: `SELECT table_name FROM information_schema.tables
		WHERE table_schema = current_schema() ORDER BY table_name`,
}

// SQLite uses the pure-Go modernc.org/sqlite driver.
var SQLite = Dialect{
	Name:        "sqlite",
	Driver:      "sqlite",
	Placeholder: func(int) string { return "?" },
	Types: map[models.Kind]string{
		models.KindString: "TEXT",
		models.KindInt:    "INTEGER",
		models.KindFloat:  "REAL",
	},
	ExistsQuery: `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`,
	ListQuery: `SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`,
}

// SQLStore persists each dataset as one SQL table. Overwrite runs the drop,
// create and inserts in a single transaction, so readers see either the old
// or the new table.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	locks   *utils.KeyedMutex
}

// NewSQLStore opens the database and waits for it to answer a ping.
func NewSQLStore(ctx context.Context, d Dialect, dsn string, retry *utils.RetryConfig) (*SQLStore, error) {
	db, err := sql.Open(d.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: open: %w", d.Name, err)
	}
	if d.Name == SQLite.Name {
		// one writer at a time; concurrent saves queue on the pool
		db.SetMaxOpenConns(1)
	}

	if retry == nil {
		retry = &utils.RetryConfig{MaxAttempts: 1}
	}
	if err := retry.Do(ctx, d.Name+" ping", func() error { return db.PingContext(ctx) }); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", d.Name, err)
	}

	return &SQLStore{db: db, dialect: d, locks: utils.NewKeyedMutex()}, nil
}

// NewPostgresStore connects to PostgreSQL with the given DSN.
func NewPostgresStore(ctx context.Context, dsn string, retry *utils.RetryConfig) (*SQLStore, error) {
	return NewSQLStore(ctx, Postgres, dsn, retry)
}

// NewSQLiteStore opens (or creates) a SQLite database file.
func NewSQLiteStore(ctx context.Context, path string, retry *utils.RetryConfig) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("sqlite: create data dir: %w", err)
	}
	return NewSQLStore(ctx, SQLite, path+"?_pragma=busy_timeout(5000)", retry)
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) exists(ctx context.Context, q querier, name string) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, s.dialect.ExistsQuery, name).Scan(&n); err != nil {
		return false, fmt.Errorf("%s: lookup %q: %w", s.dialect.Name, name, err)
	}
	return n > 0, nil
}

func (s *SQLStore) Load(ctx context.Context, name string) (*models.Table, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	ok, err := s.exists(ctx, s.db, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound(name)
	}

	cols, err := s.columns(ctx, s.db, name)
	if err != nil {
		return nil, err
	}
	// tables loaded by other tools carry no ordinal and are read as stored
	query := "SELECT * FROM " + quoteIdent(name)
	if hasOrdinal(cols) {
		query += " ORDER BY " + quoteIdent(rowColumn)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%s: select %q: %w", s.dialect.Name, name, err)
	}
	defer rows.Close()

	t, err := scanTable(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: scan %q: %w", s.dialect.Name, name, err)
	}
	return t, nil
}

// columns returns the column names of an existing table, ordinal included.
func (s *SQLStore) columns(ctx context.Context, q querier, name string) ([]string, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s WHERE 1 = 0", quoteIdent(name)))
	if err != nil {
		return nil, fmt.Errorf("%s: describe %q: %w", s.dialect.Name, name, err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("%s: describe %q: %w", s.dialect.Name, name, err)
	}
	return cols, rows.Err()
}

func hasOrdinal(cols []string) bool {
	for _, c := range cols {
		if c == rowColumn {
			return true
		}
	}
	return false
}

// scanTable reads all rows, dropping the hidden ordinal column.
func scanTable(rows *sql.Rows) (*models.Table, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	t := &models.Table{}
	keep := make([]int, 0, len(types))
	for i, ct := range types {
		if ct.Name() == rowColumn {
			continue
		}
		keep = append(keep, i)
		t.Columns = append(t.Columns, models.Column{Name: ct.Name(), Kind: kindFromDatabaseType(ct.DatabaseTypeName())})
	}

	raw := make([]any, len(types))
	ptrs := make([]any, len(types))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(models.Row, len(keep))
		for j, i := range keep {
			v, err := normalise(t.Columns[j].Kind, raw[i])
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", t.Columns[j].Name, err)
			}
			row[j] = v
		}
		t.Rows = append(t.Rows, row)
	}
	return t, rows.Err()
}

func kindFromDatabaseType(name string) models.Kind {
	n := strings.ToUpper(name)
	switch {
	case strings.Contains(n, "INT"):
		return models.KindInt
	case strings.Contains(n, "FLOAT"), strings.Contains(n, "REAL"),
		strings.Contains(n, "DOUBLE"), strings.Contains(n, "NUMERIC"), strings.Contains(n, "DECIMAL"):
		return models.KindFloat
	default:
		return models.KindString
	}
}

// normalise maps driver-specific scan results onto the cell types of models.Row.
func normalise(k models.Kind, v any) (any, error) {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	if v == nil {
		return nil, nil
	}
	switch k {
	case models.KindInt:
		switch x := v.(type) {
		case int64:
			return x, nil
		case float64:
			return int64(x), nil
		case string:
			return parseCell(k, x)
		}
	case models.KindFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		case string:
			return parseCell(k, x)
		}
	default:
		return models.FormatCell(v), nil
	}
	return nil, fmt.Errorf("%T for %s column: %w", v, k, models.ErrTypeMismatch)
}

func (s *SQLStore) Save(ctx context.Context, name string, table *models.Table, mode SaveMode) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := table.Validate(); err != nil {
		return err
	}

	unlock := s.locks.Lock(name)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", s.dialect.Name, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	start, ordered := 0, true
	switch mode {
	case Append:
		start, ordered, err = s.prepareAppend(ctx, tx, name, table)
	default:
		err = s.recreate(ctx, tx, name, table)
	}
	if err != nil {
		return err
	}

	for i := 0; i < len(table.Rows); i += insertBatchSize {
		end := i + insertBatchSize
		if end > len(table.Rows) {
			end = len(table.Rows)
		}
		if err := s.insertBatch(ctx, tx, name, table, ordered, start+i, table.Rows[i:end]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit %q: %w", s.dialect.Name, name, err)
	}
	return nil
}

func (s *SQLStore) createStatement(name string, table *models.Table, ifNotExists bool) string {
	cols := make([]string, 0, len(table.Columns)+1)
	cols = append(cols, quoteIdent(rowColumn)+" "+s.dialect.Types[models.KindInt]+" NOT NULL")
	for _, c := range table.Columns {
		cols = append(cols, quoteIdent(c.Name)+" "+s.dialect.Types[c.Kind])
	}
	guard := ""
	if ifNotExists {
		guard = "IF NOT EXISTS "
	}
	return fmt.Sprintf("CREATE TABLE %s%s (%s)", guard, quoteIdent(name), strings.Join(cols, ", "))
}

func (s *SQLStore) recreate(ctx context.Context, tx *sql.Tx, name string, table *models.Table) error {
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(name)); err != nil {
		return fmt.Errorf("%s: drop %q: %w", s.dialect.Name, name, err)
	}
	if _, err := tx.ExecContext(ctx, s.createStatement(name, table, false)); err != nil {
		return fmt.Errorf("%s: create %q: %w", s.dialect.Name, name, err)
	}
	return nil
}

// prepareAppend creates the table when missing, checks the column set and
// returns the next free ordinal. ordered is false for a table without the
// ordinal column, whose rows are then inserted without one.
func (s *SQLStore) prepareAppend(ctx context.Context, tx *sql.Tx, name string, table *models.Table) (next int, ordered bool, err error) {
	ok, err := s.exists(ctx, tx, name)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		if _, err := tx.ExecContext(ctx, s.createStatement(name, table, true)); err != nil {
			return 0, false, fmt.Errorf("%s: create %q: %w", s.dialect.Name, name, err)
		}
		return 0, true, nil
	}

	rows, err := tx.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s WHERE 1 = 0", quoteIdent(name)))
	if err != nil {
		return 0, false, fmt.Errorf("%s: describe %q: %w", s.dialect.Name, name, err)
	}
	names, err := rows.Columns()
	if err != nil {
		rows.Close()
		return 0, false, fmt.Errorf("%s: describe %q: %w", s.dialect.Name, name, err)
	}
	existing, err := scanTable(rows)
	rows.Close()
	if err != nil {
		return 0, false, fmt.Errorf("%s: describe %q: %w", s.dialect.Name, name, err)
	}
	if !existing.SameSchema(table) {
		return 0, false, fmt.Errorf("append columns %v to %v: %w", table.Names(), existing.Names(), models.ErrSchemaMismatch)
	}
	if !hasOrdinal(names) {
		return 0, false, nil
	}

	q := fmt.Sprintf("SELECT COALESCE(MAX(%s) + 1, 0) FROM %s", quoteIdent(rowColumn), quoteIdent(name))
	if err := tx.QueryRowContext(ctx, q).Scan(&next); err != nil {
		return 0, false, fmt.Errorf("%s: next ordinal %q: %w", s.dialect.Name, name, err)
	}
	return next, true, nil
}

func (s *SQLStore) insertBatch(ctx context.Context, tx *sql.Tx, name string, table *models.Table, ordered bool, offset int, batch []models.Row) error {
	width := len(table.Columns)
	if ordered {
		width++
	}
	cols := make([]string, 0, width)
	if ordered {
		cols = append(cols, quoteIdent(rowColumn))
	}
	for _, c := range table.Columns {
		cols = append(cols, quoteIdent(c.Name))
	}

	valueStrings := make([]string, 0, len(batch))
	valueArgs := make([]any, 0, len(batch)*width)
	for idx, row := range batch {
		ph := make([]string, width)
		for j := range ph {
			ph[j] = s.dialect.Placeholder(idx*width + j + 1)
		}
		valueStrings = append(valueStrings, "("+strings.Join(ph, ",")+")")
		if ordered {
			valueArgs = append(valueArgs, int64(offset+idx))
		}
		valueArgs = append(valueArgs, row...)
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		quoteIdent(name), strings.Join(cols, ", "), strings.Join(valueStrings, ","))
	if _, err := tx.ExecContext(ctx, query, valueArgs...); err != nil {
		return fmt.Errorf("%s: insert %q: %w", s.dialect.Name, name, err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.ListQuery)
	if err != nil {
		return nil, fmt.Errorf("%s: list: %w", s.dialect.Name, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("%s: list: %w", s.dialect.Name, err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
