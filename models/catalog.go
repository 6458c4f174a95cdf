package models

// MetricKind selects how a metric column is computed.
type MetricKind string

const (
	MetricCount      MetricKind = "count"
	MetricAverage    MetricKind = "average"
	MetricMax        MetricKind = "max"
	MetricMin        MetricKind = "min"
	MetricSum        MetricKind = "sum"
	MetricDifference MetricKind = "difference"
	MetricPercentage MetricKind = "percentage"
)

// Metric is one computed output column of a definition.
type Metric struct {
	Kind MetricKind `yaml:"kind"`
	// Column is the operand of average/max/min/sum and the minuend of difference.
	Column string `yaml:"column,omitempty"`
	// Subtract is the subtrahend of difference.
	Subtract string `yaml:"subtract,omitempty"`
	As       string `yaml:"as"`
}

// Grouped reports whether the metric aggregates over a group.
func (m Metric) Grouped() bool { return m.Kind != MetricDifference }

// Definition declares one summary dataset computed from the cleaned table.
type Definition struct {
	Name  string `yaml:"name"`
	Where string `yaml:"where,omitempty"`
	// GroupBy keys; empty means the definition is row-level.
	GroupBy []string `yaml:"group_by,omitempty"`
	// Select lists projected columns of a row-level definition; "*" selects all.
	Select       []string `yaml:"select,omitempty"`
	Metrics      []Metric `yaml:"metrics,omitempty"`
	OrderBy      string   `yaml:"order_by,omitempty"`
	Order        string   `yaml:"order,omitempty"`
	OrderAbs     bool     `yaml:"order_abs,omitempty"`
	Limit        int      `yaml:"limit,omitempty"`
	SkipNullKeys bool     `yaml:"skip_null_keys,omitempty"`
}

// Descending reports whether the definition sorts high to low.
func (d Definition) Descending() bool { return d.Order == "desc" }

// CorrectionKind selects the patch a correction rule applies.
type CorrectionKind string

const (
	CorrectionDeleteWhere  CorrectionKind = "delete-where"
	CorrectionReplaceValue CorrectionKind = "replace-value"
)

// CorrectionRule is an idempotent patch applied to one summary dataset.
type CorrectionRule struct {
	Target string         `yaml:"target"`
	Kind   CorrectionKind `yaml:"kind"`
	Where  string         `yaml:"where,omitempty"`
	Column string         `yaml:"column,omitempty"`
	Old    string         `yaml:"old,omitempty"`
	New    string         `yaml:"new,omitempty"`
}

// Catalog bundles the definitions and corrections of one pipeline run.
type Catalog struct {
	Definitions []Definition     `yaml:"definitions"`
	Corrections []CorrectionRule `yaml:"corrections"`
}
