package storage

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"car-sales-pipeline/models"
	"car-sales-pipeline/utils"
)

const csvExt = ".csv"

// CSVStore keeps one CSV file per dataset in a directory.
//
// Header cells carry the column kind as "name:kind". Files written by other
// tools have plain headers; their columns load as strings. Empty cells load
// as NULL.
type CSVStore struct {
	dir   string
	locks *utils.KeyedMutex
}

// NewCSVStore creates the directory if needed and returns a store rooted there.
func NewCSVStore(dir string) (*CSVStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("csv: create data dir: %w", err)
	}
	return &CSVStore{dir: dir, locks: utils.NewKeyedMutex()}, nil
}

func (s *CSVStore) path(name string) string {
	return filepath.Join(s.dir, name+csvExt)
}

func (s *CSVStore) Load(_ context.Context, name string) (*models.Table, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, notFound(name)
	}
	if err != nil {
		return nil, fmt.Errorf("csv: open %q: %w", name, err)
	}
	defer f.Close()

	t, err := readCSV(f)
	if err != nil {
		return nil, fmt.Errorf("csv: read %q: %w", name, err)
	}
	return t, nil
}

func readCSV(r io.Reader) (*models.Table, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("missing header: %w", models.ErrSchemaMismatch)
	}
	if err != nil {
		return nil, err
	}

	t := &models.Table{Columns: make([]models.Column, len(header))}
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		t.Columns[i] = parseHeader(h)
	}

	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		row := make(models.Row, len(rec))
		for i, cell := range rec {
			v, err := parseCell(t.Columns[i].Kind, cell)
			if err != nil {
				return nil, fmt.Errorf("line %d column %q: %w", line, t.Columns[i].Name, err)
			}
			row[i] = v
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

func parseHeader(h string) models.Column {
	h = strings.TrimSpace(h)
	if i := strings.LastIndex(h, ":"); i > 0 {
		if k, err := models.ParseKind(h[i+1:]); err == nil {
			return models.Column{Name: h[:i], Kind: k}
		}
	}
	return models.Column{Name: h, Kind: models.KindString}
}

func parseCell(k models.Kind, s string) (any, error) {
	if s == "" {
		return nil, nil
	}
	switch k {
	case models.KindInt:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", s, models.ErrTypeMismatch)
		}
		return n, nil
	case models.KindFloat:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", s, models.ErrTypeMismatch)
		}
		return f, nil
	default:
		return s, nil
	}
}

func formatCell(v any) string {
	if f, ok := v.(float64); ok {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return models.FormatCell(v)
}

// Save writes the dataset to a temp file in the same directory and renames
// it over the target, so readers never observe a partial file.
func (s *CSVStore) Save(ctx context.Context, name string, table *models.Table, mode SaveMode) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := table.Validate(); err != nil {
		return err
	}

	unlock := s.locks.Lock(name)
	defer unlock()

	if mode == Append {
		existing, err := s.Load(ctx, name)
		switch {
		case err == nil:
			merged, err := merge(existing, table)
			if err != nil {
				return err
			}
			table = merged
		case !errors.Is(err, models.ErrNotFound):
			return err
		}
	}

	tmp, err := os.CreateTemp(s.dir, "."+name+".*.tmp")
	if err != nil {
		return fmt.Errorf("csv: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if err := writeCSV(tmp, table); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("csv: write %q: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("csv: sync %q: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("csv: close %q: %w", name, err)
	}
	if err := os.Rename(tmpName, s.path(name)); err != nil {
		return fmt.Errorf("csv: replace %q: %w", name, err)
	}
	return nil
}

func writeCSV(w io.Writer, t *models.Table) error {
	cw := csv.NewWriter(w)

	header := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		header[i] = c.Name + ":" + string(c.Kind)
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	rec := make([]string, len(t.Columns))
	for r, row := range t.Rows {
		for i, v := range row {
			rec[i] = formatCell(v)
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write row %d: %w", r, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

func (s *CSVStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("csv: list: %w", err)
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !strings.HasSuffix(n, csvExt) {
			continue
		}
		n = strings.TrimSuffix(n, csvExt)
		if ValidateName(n) == nil {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *CSVStore) Close() error { return nil }
