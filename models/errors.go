package models

import (
	"errors"
	"fmt"
)

// Sentinel error kinds shared by every stage. Callers match them with errors.Is.
var (
	ErrNotFound           = errors.New("dataset not found")
	ErrTypeMismatch       = errors.New("type mismatch")
	ErrSchemaMismatch     = errors.New("schema mismatch")
	ErrAggregationFailure = errors.New("aggregation failure")
	ErrInvalidName        = errors.New("invalid dataset name")
	ErrInvalidDefinition  = errors.New("invalid aggregation definition")
	ErrInvalidRule        = errors.New("invalid correction rule")
)

// AggregationError wraps any failure raised while executing one definition.
type AggregationError struct {
	Definition string
	Err        error
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("aggregation %q: %v", e.Definition, e.Err)
}

func (e *AggregationError) Unwrap() error { return e.Err }

// Is makes every AggregationError match ErrAggregationFailure.
func (e *AggregationError) Is(target error) bool {
	return target == ErrAggregationFailure
}
