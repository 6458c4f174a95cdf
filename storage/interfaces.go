package storage

import (
	"context"
	"fmt"
	"regexp"

	"car-sales-pipeline/models"
)

// SaveMode selects how Save treats an existing dataset.
type SaveMode int

const (
	// Overwrite atomically replaces any existing dataset of the same name.
	Overwrite SaveMode = iota
	// Append adds rows to an existing dataset, creating it if absent.
	Append
)

func (m SaveMode) String() string {
	if m == Append {
		return "append"
	}
	return "overwrite"
}

// Store is the only I/O surface the pipeline touches. Implementations must
// make Overwrite atomic for concurrent readers and must be safe to call
// concurrently for different dataset names.
type Store interface {
	// Load returns the named dataset or an error wrapping models.ErrNotFound.
	Load(ctx context.Context, name string) (*models.Table, error)
	Save(ctx context.Context, name string, table *models.Table, mode SaveMode) error
	// List returns the names of all stored datasets, sorted.
	List(ctx context.Context) ([]string, error)
	Close() error
}

var nameRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateName rejects dataset names that are not safe as file or table names.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("%q: %w", name, models.ErrInvalidName)
	}
	return nil
}

func notFound(name string) error {
	return fmt.Errorf("%q: %w", name, models.ErrNotFound)
}

// merge returns existing with add's rows appended, or an error when the
// column sets differ.
func merge(existing, add *models.Table) (*models.Table, error) {
	if !existing.SameSchema(add) {
		return nil, fmt.Errorf("append columns %v to %v: %w", add.Names(), existing.Names(), models.ErrSchemaMismatch)
	}
	out := existing.Clone()
	for _, r := range add.Rows {
		out.Rows = append(out.Rows, append(models.Row(nil), r...))
	}
	return out, nil
}
