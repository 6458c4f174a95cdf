package services

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"car-sales-pipeline/models"
	"car-sales-pipeline/storage"
	"car-sales-pipeline/utils"
)

// Corrector applies correction rules to stored summary datasets.
type Corrector struct {
	logger     *utils.Logger
	maxTargets int
}

// NewCorrector creates a Corrector that works on at most maxTargets datasets
// at once.
func NewCorrector(logger *utils.Logger, maxTargets int) *Corrector {
	if maxTargets < 1 {
		maxTargets = 1
	}
	return &Corrector{logger: logger, maxTargets: maxTargets}
}

// Apply runs one rule against its target. The dataset is rewritten only
// when at least one row changed, so reapplying a rule is a no-op.
func (c *Corrector) Apply(ctx context.Context, rule models.CorrectionRule, store storage.Store) (models.CorrectionOutcome, error) {
	outcome := models.CorrectionOutcome{Rule: rule}
	if err := ValidateRule(rule); err != nil {
		return outcome, err
	}

	t, err := store.Load(ctx, rule.Target)
	if err != nil {
		return outcome, fmt.Errorf("load %s: %w", rule.Target, err)
	}

	var n int
	switch rule.Kind {
	case models.CorrectionDeleteWhere:
		n, err = deleteWhere(t, rule.Where)
	case models.CorrectionReplaceValue:
		n, err = replaceValue(t, rule.Column, rule.Old, rule.New)
	}
	if err != nil {
		return outcome, fmt.Errorf("%s on %s: %w", rule.Kind, rule.Target, err)
	}
	outcome.RowsAffected = n

	if n == 0 {
		c.logger.Debug("[corrector] %s on %s: nothing to change", rule.Kind, rule.Target)
		return outcome, nil
	}
	if err := store.Save(ctx, rule.Target, t, storage.Overwrite); err != nil {
		return outcome, fmt.Errorf("save %s: %w", rule.Target, err)
	}
	c.logger.Info("[corrector] %s on %s: %d rows affected", rule.Kind, rule.Target, n)
	return outcome, nil
}

// ApplyAll runs rules grouped by target. Rules on one target run in order;
// different targets run concurrently. Rules whose target appears in skip are
// not run and are reported as failures carrying the skip reason. Outcomes
// come back in rule order.
func (c *Corrector) ApplyAll(ctx context.Context, rules []models.CorrectionRule, store storage.Store, skip map[string]error) ([]models.CorrectionOutcome, []models.Failure) {
	type result struct {
		outcome models.CorrectionOutcome
		err     error
		ran     bool
	}
	results := make([]result, len(rules))

	var targets []string
	byTarget := make(map[string][]int)
	for i, rule := range rules {
		if _, ok := byTarget[rule.Target]; !ok {
			targets = append(targets, rule.Target)
		}
		byTarget[rule.Target] = append(byTarget[rule.Target], i)
	}

	var g errgroup.Group
	g.SetLimit(c.maxTargets)
	for _, target := range targets {
		idx := byTarget[target]
		if reason, ok := skip[target]; ok {
			for _, i := range idx {
				results[i] = result{err: fmt.Errorf("skipped, target not produced: %w", reason), ran: true}
			}
			continue
		}
		g.Go(func() error {
			for _, i := range idx {
				if err := ctx.Err(); err != nil {
					results[i] = result{err: err, ran: true}
					continue
				}
				out, err := c.Apply(ctx, rules[i], store)
				results[i] = result{outcome: out, err: err, ran: true}
			}
			return nil
		})
	}
	_ = g.Wait()

	var outcomes []models.CorrectionOutcome
	var failures []models.Failure
	for i, r := range results {
		if !r.ran {
			continue
		}
		if r.err != nil {
			c.logger.Error("[corrector] %s on %s failed: %v", rules[i].Kind, rules[i].Target, r.err)
			failures = append(failures, models.Failure{Stage: models.StageCorrect, Target: rules[i].Target, Err: r.err})
			continue
		}
		outcomes = append(outcomes, r.outcome)
	}
	return outcomes, failures
}

func deleteWhere(t *models.Table, where string) (int, error) {
	pred, err := CompilePredicate(where)
	if err != nil {
		return 0, err
	}
	kept := t.Rows[:0:0]
	for r, row := range t.Rows {
		match, err := pred.Match(t.Record(r))
		if err != nil {
			return 0, fmt.Errorf("row %d: %w", r, err)
		}
		if !match {
			kept = append(kept, row)
		}
	}
	n := len(t.Rows) - len(kept)
	t.Rows = kept
	return n, nil
}

// replaceValue substitutes every occurrence of old inside the column's
// string cells. NULL cells are left alone. A replacement whose result still
// contains old would change the cell again on the next run, so the rule is
// rejected and the table is left untouched.
func replaceValue(t *models.Table, column, old, repl string) (int, error) {
	ci := t.Index(column)
	if ci < 0 {
		return 0, fmt.Errorf("column %q: %w", column, models.ErrSchemaMismatch)
	}
	if k := t.Columns[ci].Kind; k != models.KindString {
		return 0, fmt.Errorf("column %q is %s, want string: %w", column, k, models.ErrTypeMismatch)
	}

	changed := make(map[int]string)
	for r, row := range t.Rows {
		s, ok := row[ci].(string)
		if !ok || !strings.Contains(s, old) {
			continue
		}
		out := strings.ReplaceAll(s, old, repl)
		if strings.Contains(out, old) {
			return 0, fmt.Errorf("row %d: %q becomes %q, which still contains %q: %w", r, s, out, old, models.ErrInvalidRule)
		}
		changed[r] = out
	}
	for r, out := range changed {
		t.Rows[r][ci] = out
	}
	return len(changed), nil
}
