package services

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"car-sales-pipeline/models"
	"car-sales-pipeline/utils"
)

// Aggregator computes summary datasets from the cleaned table. It never
// mutates its input, so definitions may run concurrently over one table.
type Aggregator struct {
	logger *utils.Logger
}

// NewAggregator creates an Aggregator with the given logger.
func NewAggregator(logger *utils.Logger) *Aggregator {
	return &Aggregator{logger: logger}
}

// Run executes one definition. Any failure is returned as a
// *models.AggregationError.
func (a *Aggregator) Run(ctx context.Context, def models.Definition, cleaned *models.Table) (*models.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, &models.AggregationError{Definition: def.Name, Err: err}
	}
	if err := ValidateDefinition(def); err != nil {
		return nil, &models.AggregationError{Definition: def.Name, Err: err}
	}

	rows, err := selectRows(def, cleaned)
	if err != nil {
		return nil, &models.AggregationError{Definition: def.Name, Err: err}
	}

	var out *models.Table
	var tieCols []int
	if len(def.GroupBy) > 0 {
		out, err = aggregateGroups(def, cleaned, rows)
		tieCols = seq(len(def.GroupBy))
	} else {
		out, err = projectRows(def, cleaned, rows)
		if out != nil {
			tieCols = seq(len(out.Columns))
		}
	}
	if err != nil {
		return nil, &models.AggregationError{Definition: def.Name, Err: err}
	}

	if err := orderAndLimit(def, out, tieCols); err != nil {
		return nil, &models.AggregationError{Definition: def.Name, Err: err}
	}

	a.logger.Debug("[aggregator] %s: %d input rows → %d summary rows", def.Name, len(rows), out.Len())
	return out, nil
}

// selectRows returns the indices of cleaned rows passing the where predicate.
func selectRows(def models.Definition, t *models.Table) ([]int, error) {
	idx := make([]int, 0, t.Len())
	if strings.TrimSpace(def.Where) == "" {
		for r := range t.Rows {
			idx = append(idx, r)
		}
		return idx, nil
	}

	pred, err := CompilePredicate(def.Where)
	if err != nil {
		return nil, err
	}
	for r := range t.Rows {
		ok, err := pred.Match(t.Record(r))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", r, err)
		}
		if ok {
			idx = append(idx, r)
		}
	}
	return idx, nil
}

func columnIndex(t *models.Table, name string) (int, error) {
	i := t.Index(name)
	if i < 0 {
		return -1, fmt.Errorf("column %q: %w", name, models.ErrSchemaMismatch)
	}
	return i, nil
}

func numericColumn(t *models.Table, name string) (int, error) {
	i, err := columnIndex(t, name)
	if err != nil {
		return -1, err
	}
	if k := t.Columns[i].Kind; k != models.KindInt && k != models.KindFloat {
		return -1, fmt.Errorf("column %q is %s, want numeric: %w", name, k, models.ErrTypeMismatch)
	}
	return i, nil
}

// metricState accumulates one metric for one group.
type metricState struct {
	sum  float64
	n    int64
	best any
}

type group struct {
	key     models.Row
	count   int64
	metrics []metricState
}

func aggregateGroups(def models.Definition, t *models.Table, rows []int) (*models.Table, error) {
	out := &models.Table{}

	keyIdx := make([]int, len(def.GroupBy))
	for i, name := range def.GroupBy {
		ci, err := columnIndex(t, name)
		if err != nil {
			return nil, err
		}
		keyIdx[i] = ci
		out.Columns = append(out.Columns, t.Columns[ci])
	}

	opIdx := make([]int, len(def.Metrics))
	for i, m := range def.Metrics {
		opIdx[i] = -1
		kind := models.KindFloat
		switch m.Kind {
		case models.MetricCount:
			kind = models.KindInt
		case models.MetricAverage, models.MetricSum:
			ci, err := numericColumn(t, m.Column)
			if err != nil {
				return nil, err
			}
			opIdx[i] = ci
		case models.MetricMax, models.MetricMin:
			ci, err := numericColumn(t, m.Column)
			if err != nil {
				return nil, err
			}
			opIdx[i] = ci
			kind = t.Columns[ci].Kind
		}
		out.Columns = append(out.Columns, models.Column{Name: m.As, Kind: kind})
	}

	groups := make(map[string]*group)
	var order []*group
	var total int64

	for _, r := range rows {
		row := t.Rows[r]
		key := make(models.Row, len(keyIdx))
		skip := false
		for i, ci := range keyIdx {
			key[i] = row[ci]
			if row[ci] == nil && def.SkipNullKeys {
				skip = true
			}
		}
		if skip {
			continue
		}

		enc := encodeKey(key)
		g, ok := groups[enc]
		if !ok {
			g = &group{key: key, metrics: make([]metricState, len(def.Metrics))}
			groups[enc] = g
			order = append(order, g)
		}
		g.count++
		total++

		for i, m := range def.Metrics {
			if opIdx[i] < 0 {
				continue
			}
			v := row[opIdx[i]]
			if v == nil {
				continue
			}
			st := &g.metrics[i]
			switch m.Kind {
			case models.MetricAverage, models.MetricSum:
				st.sum += toFloat(v)
				st.n++
			case models.MetricMax:
				if st.best == nil || compareCells(v, st.best) > 0 {
					st.best = v
				}
			case models.MetricMin:
				if st.best == nil || compareCells(v, st.best) < 0 {
					st.best = v
				}
			}
		}
	}

	for _, g := range order {
		row := append(models.Row(nil), g.key...)
		for i, m := range def.Metrics {
			st := g.metrics[i]
			switch m.Kind {
			case models.MetricCount:
				row = append(row, g.count)
			case models.MetricPercentage:
				row = append(row, float64(g.count)*100/float64(total))
			case models.MetricAverage:
				if st.n == 0 {
					row = append(row, nil)
				} else {
					row = append(row, st.sum/float64(st.n))
				}
			case models.MetricSum:
				if st.n == 0 {
					row = append(row, nil)
				} else {
					row = append(row, st.sum)
				}
			case models.MetricMax, models.MetricMin:
				row = append(row, st.best)
			default:
				return nil, fmt.Errorf("metric %q: %s is not a grouped metric: %w", m.As, m.Kind, models.ErrInvalidDefinition)
			}
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

func projectRows(def models.Definition, t *models.Table, rows []int) (*models.Table, error) {
	out := &models.Table{}

	var src []int
	for _, name := range def.Select {
		if name == "*" {
			for i, c := range t.Columns {
				src = append(src, i)
				out.Columns = append(out.Columns, c)
			}
			continue
		}
		ci, err := columnIndex(t, name)
		if err != nil {
			return nil, err
		}
		src = append(src, ci)
		out.Columns = append(out.Columns, t.Columns[ci])
	}

	type diff struct{ a, b int }
	diffs := make([]diff, len(def.Metrics))
	for i, m := range def.Metrics {
		if m.Kind != models.MetricDifference {
			return nil, fmt.Errorf("metric %q: %s needs group_by: %w", m.As, m.Kind, models.ErrInvalidDefinition)
		}
		a, err := numericColumn(t, m.Column)
		if err != nil {
			return nil, err
		}
		b, err := numericColumn(t, m.Subtract)
		if err != nil {
			return nil, err
		}
		diffs[i] = diff{a, b}
		kind := models.KindFloat
		if t.Columns[a].Kind == models.KindInt && t.Columns[b].Kind == models.KindInt {
			kind = models.KindInt
		}
		out.Columns = append(out.Columns, models.Column{Name: m.As, Kind: kind})
	}

	for _, r := range rows {
		in := t.Rows[r]
		row := make(models.Row, 0, len(out.Columns))
		for _, ci := range src {
			row = append(row, in[ci])
		}
		for _, d := range diffs {
			row = append(row, subtract(in[d.a], in[d.b]))
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

func subtract(a, b any) any {
	if a == nil || b == nil {
		return nil
	}
	ai, aok := a.(int64)
	bi, bok := b.(int64)
	if aok && bok {
		return ai - bi
	}
	return toFloat(a) - toFloat(b)
}

// orderAndLimit sorts by the definition's order key, breaking ties on
// tieCols ascending and then on the current row order.
func orderAndLimit(def models.Definition, t *models.Table, tieCols []int) error {
	orderBy := def.OrderBy
	if orderBy == "" && len(def.Metrics) > 0 {
		orderBy = def.Metrics[0].As
	}

	if orderBy != "" {
		oi, err := columnIndex(t, orderBy)
		if err != nil {
			return err
		}
		desc := def.Descending()
		sort.SliceStable(t.Rows, func(i, j int) bool {
			a, b := t.Rows[i][oi], t.Rows[j][oi]
			if def.OrderAbs {
				a, b = absCell(a), absCell(b)
			}
			if c := compareCells(a, b); c != 0 {
				if desc {
					return c > 0
				}
				return c < 0
			}
			for _, ti := range tieCols {
				if c := compareCells(t.Rows[i][ti], t.Rows[j][ti]); c != 0 {
					return c < 0
				}
			}
			return false
		})
	}

	if def.Limit > 0 && len(t.Rows) > def.Limit {
		t.Rows = t.Rows[:def.Limit]
	}
	return nil
}

// compareCells orders NULL first, numbers numerically and strings
// lexically. Mixed kinds order numbers before strings.
func compareCells(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}

	if ai, ok := a.(int64); ok {
		if bi, ok := b.(int64); ok {
			switch {
			case ai < bi:
				return -1
			case ai > bi:
				return 1
			}
			return 0
		}
	}

	as, aStr := a.(string)
	bs, bStr := b.(string)
	switch {
	case aStr && bStr:
		return strings.Compare(as, bs)
	case aStr:
		return 1
	case bStr:
		return -1
	}

	af, bf := toFloat(a), toFloat(b)
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	}
	return 0
}

func absCell(v any) any {
	switch x := v.(type) {
	case int64:
		if x < 0 {
			return -x
		}
		return x
	case float64:
		return math.Abs(x)
	}
	return v
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case float64:
		return x
	}
	return math.NaN()
}

// encodeKey builds a map key that keeps NULL distinct from every value and
// int64 distinct from a string of the same digits.
func encodeKey(key models.Row) string {
	var b strings.Builder
	for _, v := range key {
		switch x := v.(type) {
		case nil:
			b.WriteString("n")
		case string:
			b.WriteString("s")
			b.WriteString(x)
		case int64:
			fmt.Fprintf(&b, "i%d", x)
		case float64:
			fmt.Fprintf(&b, "f%v", x)
		}
		b.WriteByte(0)
	}
	return b.String()
}

func seq(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = i
	}
	return s
}
