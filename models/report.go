package models

import (
	"errors"
	"fmt"
	"time"
)

// Pipeline stages, used to label failures and metrics.
const (
	StageLoad      = "load"
	StageClean     = "clean"
	StageAggregate = "aggregate"
	StageCorrect   = "correct"
	StageExport    = "export"
)

// Reasons a raw row is dropped during cleaning.
const (
	DropTypeMismatch    = "type_mismatch"
	DropDuplicate       = "duplicate"
	DropInvalidPrice    = "invalid_price"
	DropMissingRequired = "missing_required"
)

// CleanStats summarises what the cleaning stage kept and dropped.
type CleanStats struct {
	InputRows  int
	OutputRows int
	Dropped    map[string]int
}

// Failure is one non-fatal error recorded during a run.
type Failure struct {
	Stage  string
	Target string
	Err    error
}

func (f Failure) Error() string {
	if f.Target == "" {
		return fmt.Sprintf("%s: %v", f.Stage, f.Err)
	}
	return fmt.Sprintf("%s %s: %v", f.Stage, f.Target, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// CorrectionOutcome records the effect of one applied correction rule.
type CorrectionOutcome struct {
	Rule         CorrectionRule
	RowsAffected int
}

// NoOp reports whether the rule found nothing to change.
func (o CorrectionOutcome) NoOp() bool { return o.RowsAffected == 0 }

// RunReport holds the results of one pipeline invocation.
type RunReport struct {
	RunID           string
	StartedAt       time.Time
	Duration        time.Duration
	RawDataset      string
	CleanedDataset  string
	Clean           CleanStats
	DatasetsWritten []string
	Corrections     []CorrectionOutcome
	Failures        []Failure
	WorkbookPath    string
}

// OK reports whether the run completed without any recorded failure.
func (r *RunReport) OK() bool { return len(r.Failures) == 0 }

// Err joins every recorded failure, or returns nil for a clean run.
func (r *RunReport) Err() error {
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}
