package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"car-sales-pipeline/models"
	"car-sales-pipeline/storage"
)

func stateSummary() *models.Table {
	t := models.NewTable(
		models.Column{Name: "state", Kind: models.KindString},
		models.Column{Name: "total_sales", Kind: models.KindInt},
	)
	t.Append("CA", int64(10))
	t.Append("USA", int64(3))
	t.Append(nil, int64(1))
	return t
}

func colorSummary() *models.Table {
	t := models.NewTable(
		models.Column{Name: "color", Kind: models.KindString},
		models.Column{Name: "total_sold", Kind: models.KindInt},
	)
	t.Append("black", int64(10))
	t.Append("—", int64(4))
	t.Append(nil, int64(2))
	return t
}

func TestCorrectorDeleteWhere(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Save(ctx, "total_sales_by_state", stateSummary(), storage.Overwrite))

	c := NewCorrector(newTestLogger(), 2)
	rule := models.CorrectionRule{Target: "total_sales_by_state", Kind: models.CorrectionDeleteWhere, Where: "state != nil && length(state) > 2"}

	out, err := c.Apply(ctx, rule, store)
	require.NoError(t, err)
	assert.Equal(t, 1, out.RowsAffected)

	got, err := store.Load(ctx, "total_sales_by_state")
	require.NoError(t, err)
	assert.Equal(t, []any{"CA", nil}, column(got, "state"))

	again, err := c.Apply(ctx, rule, store)
	require.NoError(t, err)
	assert.True(t, again.NoOp())
}

func TestCorrectorReplaceValueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Save(ctx, "top_10_colors", colorSummary(), storage.Overwrite))

	c := NewCorrector(newTestLogger(), 2)
	rule := models.CorrectionRule{Target: "top_10_colors", Kind: models.CorrectionReplaceValue, Column: "color", Old: "—", New: "turquoise"}

	out, err := c.Apply(ctx, rule, store)
	require.NoError(t, err)
	assert.Equal(t, 1, out.RowsAffected)
	first, err := store.Load(ctx, "top_10_colors")
	require.NoError(t, err)
	assert.Equal(t, []any{"black", "turquoise", nil}, column(first, "color"))

	out, err = c.Apply(ctx, rule, store)
	require.NoError(t, err)
	assert.True(t, out.NoOp())
	second, err := store.Load(ctx, "top_10_colors")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCorrectorErrors(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Save(ctx, "top_10_colors", colorSummary(), storage.Overwrite))
	c := NewCorrector(newTestLogger(), 2)

	_, err := c.Apply(ctx, models.CorrectionRule{Target: "missing", Kind: models.CorrectionDeleteWhere, Where: "true"}, store)
	require.ErrorIs(t, err, models.ErrNotFound)

	_, err = c.Apply(ctx, models.CorrectionRule{Target: "top_10_colors", Kind: models.CorrectionReplaceValue, Column: "total_sold", Old: "4", New: "5"}, store)
	require.ErrorIs(t, err, models.ErrTypeMismatch)

	_, err = c.Apply(ctx, models.CorrectionRule{Target: "top_10_colors", Kind: models.CorrectionReplaceValue, Column: "shade", Old: "a", New: "b"}, store)
	require.ErrorIs(t, err, models.ErrSchemaMismatch)

	_, err = c.Apply(ctx, models.CorrectionRule{Target: "top_10_colors", Kind: models.CorrectionReplaceValue, Column: "color", Old: "a", New: "aa"}, store)
	require.ErrorIs(t, err, models.ErrInvalidRule)
}

func TestCorrectorRejectsReplacementThatRecreatesOld(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name     string
		old, new string
	}{
		{"shorter", "ab", "a"},
		{"longer", "ab", "xa"},
		{"removal", "ab", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := models.NewTable(
				models.Column{Name: "color", Kind: models.KindString},
				models.Column{Name: "total_sold", Kind: models.KindInt},
			)
			table.Append("ab", int64(3))
			table.Append("aabb", int64(1))
			store := storage.NewMemoryStore()
			require.NoError(t, store.Save(ctx, "top_10_colors", table, storage.Overwrite))

			c := NewCorrector(newTestLogger(), 1)
			rule := models.CorrectionRule{Target: "top_10_colors", Kind: models.CorrectionReplaceValue, Column: "color", Old: tt.old, New: tt.new}
			out, err := c.Apply(ctx, rule, store)
			require.ErrorIs(t, err, models.ErrInvalidRule)
			assert.Zero(t, out.RowsAffected)

			got, err := store.Load(ctx, "top_10_colors")
			require.NoError(t, err)
			assert.Equal(t, []any{"ab", "aabb"}, column(got, "color"))
		})
	}
}

func TestCorrectorApplyAll(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Save(ctx, "total_sales_by_state", stateSummary(), storage.Overwrite))
	require.NoError(t, store.Save(ctx, "top_10_colors", colorSummary(), storage.Overwrite))

	rules := []models.CorrectionRule{
		{Target: "total_sales_by_state", Kind: models.CorrectionDeleteWhere, Where: "state == nil"},
		{Target: "top_10_colors", Kind: models.CorrectionReplaceValue, Column: "color", Old: "—", New: "turquoise"},
		{Target: "absent", Kind: models.CorrectionDeleteWhere, Where: "true"},
		{Target: "total_sales_by_state", Kind: models.CorrectionDeleteWhere, Where: "state != nil && length(state) > 2"},
		{Target: "skipped", Kind: models.CorrectionDeleteWhere, Where: "true"},
	}
	reason := errors.New("aggregation failed")

	c := NewCorrector(newTestLogger(), 4)
	outcomes, failures := c.ApplyAll(ctx, rules, store, map[string]error{"skipped": reason})

	require.Len(t, outcomes, 3)
	assert.Equal(t, rules[0], outcomes[0].Rule)
	assert.Equal(t, rules[1], outcomes[1].Rule)
	assert.Equal(t, rules[3], outcomes[2].Rule)
	for _, o := range outcomes {
		assert.Equal(t, 1, o.RowsAffected)
	}

	require.Len(t, failures, 2)
	assert.Equal(t, "absent", failures[0].Target)
	assert.ErrorIs(t, failures[0].Err, models.ErrNotFound)
	assert.Equal(t, "skipped", failures[1].Target)
	assert.ErrorIs(t, failures[1].Err, reason)
	assert.Equal(t, models.StageCorrect, failures[1].Stage)

	got, err := store.Load(ctx, "total_sales_by_state")
	require.NoError(t, err)
	assert.Equal(t, []any{"CA"}, column(got, "state"))
}
