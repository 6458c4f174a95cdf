package services

import (
	"errors"
	"fmt"
	"strings"

	"car-sales-pipeline/models"
	"car-sales-pipeline/storage"
)

// DefaultCatalog returns the built-in summary definitions and the
// corrections that clean up their known artifacts.
func DefaultCatalog() models.Catalog {
	count := func(as string) models.Metric { return models.Metric{Kind: models.MetricCount, As: as} }
	avg := func(col, as string) models.Metric {
		return models.Metric{Kind: models.MetricAverage, Column: col, As: as}
	}
	pct := models.Metric{Kind: models.MetricPercentage, As: "percentage"}

	return models.Catalog{
		Definitions: []models.Definition{
			{Name: "total_sales_by_state", GroupBy: []string{"state"}, Metrics: []models.Metric{count("total_sales")}, Order: "desc"},
			{Name: "avg_price_by_make", GroupBy: []string{"make"}, Metrics: []models.Metric{avg("sellingprice", "avg_selling_price")}, Order: "desc"},
			{Name: "top_10_models", GroupBy: []string{"model"}, Metrics: []models.Metric{count("sales_count")}, Order: "desc", Limit: 10},
			{Name: "cars_sold_per_year", GroupBy: []string{"year"}, Metrics: []models.Metric{count("cars_sold")}, OrderBy: "year"},
			{Name: "body_type_distribution", GroupBy: []string{"body"}, Metrics: []models.Metric{count("total_count")}, Order: "desc"},
			{Name: "condition_avg_price", GroupBy: []string{"condition"}, Metrics: []models.Metric{avg("sellingprice", "avg_price")}, OrderBy: "condition"},
			{Name: "highest_avg_market_value_by_state", GroupBy: []string{"state"}, Metrics: []models.Metric{avg("est_market_value", "avg_market_value")}, Order: "desc", Limit: 10},
			{Name: "top_10_colors", GroupBy: []string{"color"}, Metrics: []models.Metric{count("total_sold")}, Order: "desc", Limit: 10},
			{Name: "transmission_distribution", GroupBy: []string{"transmission"}, Metrics: []models.Metric{count("total_count")}, Order: "desc"},
			{
				Name:   "above_market_value_sales",
				Where:  "sellingprice != nil && est_market_value != nil && sellingprice > est_market_value",
				Select: []string{"*"},
			},
			{Name: "top_10_sellers", GroupBy: []string{"seller"}, Metrics: []models.Metric{count("listings")}, Order: "desc", Limit: 10},
			{
				Name:   "high_odometer_cars",
				Where:  "odometer != nil && odometer > 100000",
				Select: []string{"*"},
			},
			{Name: "popular_interior_colors", GroupBy: []string{"interior"}, Metrics: []models.Metric{count("count")}, Order: "desc", Limit: 5},
			{Name: "avg_price_by_year", GroupBy: []string{"year"}, Metrics: []models.Metric{avg("sellingprice", "avg_selling_price")}, OrderBy: "year"},
			{Name: "condition_percentage", GroupBy: []string{"condition"}, Metrics: []models.Metric{pct}, Order: "desc"},
			{
				Name:    "transmission_proportion",
				GroupBy: []string{"transmission"},
				Metrics: []models.Metric{count("count"), pct},
				OrderBy: "percentage",
				Order:   "desc",
			},
			{
				Name:   "largest_price_diff",
				Select: []string{"vin", "make", "model", "year", "est_market_value", "sellingprice"},
				Metrics: []models.Metric{{
					Kind: models.MetricDifference, Column: "sellingprice", Subtract: "est_market_value", As: "price_difference",
				}},
				Order:    "desc",
				OrderAbs: true,
				Limit:    10,
			},
			{
				Name:    "most_expensive_cars",
				GroupBy: []string{"make", "model"},
				Metrics: []models.Metric{{Kind: models.MetricMax, Column: "sellingprice", As: "max_selling_price"}},
				Order:   "desc",
				Limit:   10,
			},
			{
				Name:    "age_price_correlation",
				Where:   "year != nil",
				GroupBy: []string{"car_age"},
				Metrics: []models.Metric{avg("sellingprice", "avg_selling_price")},
				OrderBy: "car_age",
			},
		},
		Corrections: []models.CorrectionRule{
			{Target: "condition_avg_price", Kind: models.CorrectionDeleteWhere, Where: "condition == nil"},
			{Target: "condition_percentage", Kind: models.CorrectionDeleteWhere, Where: "condition == nil"},
			{Target: "total_sales_by_state", Kind: models.CorrectionDeleteWhere, Where: "state != nil && length(state) > 2"},
			{Target: "transmission_distribution", Kind: models.CorrectionDeleteWhere, Where: `transmission == "Sedan"`},
			{Target: "transmission_proportion", Kind: models.CorrectionDeleteWhere, Where: `transmission == "Sedan"`},
			{Target: "top_10_colors", Kind: models.CorrectionReplaceValue, Column: "color", Old: "—", New: "turquoise"},
			{Target: "popular_interior_colors", Kind: models.CorrectionReplaceValue, Column: "interior", Old: "—", New: "red"},
		},
	}
}

// ValidateDefinition checks a definition's shape without looking at data.
func ValidateDefinition(def models.Definition) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("definition %q: %s: %w", def.Name, fmt.Sprintf(format, args...), models.ErrInvalidDefinition)
	}

	if err := storage.ValidateName(def.Name); err != nil {
		return fmt.Errorf("definition %q: %w", def.Name, err)
	}
	grouped := len(def.GroupBy) > 0
	if grouped && len(def.Select) > 0 {
		return invalid("select and group_by are exclusive")
	}
	if grouped && len(def.Metrics) == 0 {
		return invalid("group_by needs at least one metric")
	}
	if !grouped && len(def.Select) == 0 && len(def.Metrics) == 0 {
		return invalid("nothing to output")
	}
	switch def.Order {
	case "", "asc", "desc":
	default:
		return invalid("order %q is not asc or desc", def.Order)
	}
	if def.Limit < 0 {
		return invalid("negative limit %d", def.Limit)
	}

	outputs := make(map[string]bool)
	for _, k := range def.GroupBy {
		if k == "" {
			return invalid("empty group_by key")
		}
		outputs[k] = true
	}
	for _, s := range def.Select {
		outputs[s] = true
	}

	for _, m := range def.Metrics {
		if m.As == "" {
			return invalid("%s metric has no alias", m.Kind)
		}
		if outputs[m.As] {
			return invalid("duplicate output column %q", m.As)
		}
		outputs[m.As] = true

		switch m.Kind {
		case models.MetricCount, models.MetricPercentage:
		case models.MetricAverage, models.MetricMax, models.MetricMin, models.MetricSum:
			if m.Column == "" {
				return invalid("%s metric %q has no column", m.Kind, m.As)
			}
		case models.MetricDifference:
			if m.Column == "" || m.Subtract == "" {
				return invalid("difference metric %q needs column and subtract", m.As)
			}
		default:
			return invalid("unknown metric kind %q", m.Kind)
		}
		if grouped != m.Grouped() {
			if grouped {
				return invalid("%s metric %q is row-level", m.Kind, m.As)
			}
			return invalid("%s metric %q needs group_by", m.Kind, m.As)
		}
	}

	if def.OrderBy != "" && !outputs[def.OrderBy] && !outputs["*"] {
		return invalid("order_by %q is not an output column", def.OrderBy)
	}
	if strings.TrimSpace(def.Where) != "" {
		if _, err := CompilePredicate(def.Where); err != nil {
			return invalid("%v", err)
		}
	}
	return nil
}

// ValidateRule checks a correction rule, including that applying it twice
// gives the same result as applying it once.
func ValidateRule(rule models.CorrectionRule) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("correction on %q: %s: %w", rule.Target, fmt.Sprintf(format, args...), models.ErrInvalidRule)
	}

	if err := storage.ValidateName(rule.Target); err != nil {
		return fmt.Errorf("correction target: %w", err)
	}
	switch rule.Kind {
	case models.CorrectionDeleteWhere:
		if strings.TrimSpace(rule.Where) == "" {
			return invalid("delete-where needs a predicate")
		}
		if _, err := CompilePredicate(rule.Where); err != nil {
			return invalid("%v", err)
		}
	case models.CorrectionReplaceValue:
		if rule.Column == "" {
			return invalid("replace-value needs a column")
		}
		if rule.Old == "" {
			return invalid("replace-value needs a non-empty old value")
		}
		if strings.Contains(rule.New, rule.Old) {
			return invalid("new value %q contains old value %q", rule.New, rule.Old)
		}
	default:
		return invalid("unknown kind %q", rule.Kind)
	}
	return nil
}

// ValidateCatalog validates every definition and rule and reports all
// problems at once.
func ValidateCatalog(c models.Catalog) error {
	var errs []error
	seen := make(map[string]bool)
	for _, def := range c.Definitions {
		if seen[def.Name] {
			errs = append(errs, fmt.Errorf("definition %q declared twice: %w", def.Name, models.ErrInvalidDefinition))
			continue
		}
		seen[def.Name] = true
		if err := ValidateDefinition(def); err != nil {
			errs = append(errs, err)
		}
	}
	for _, rule := range c.Corrections {
		if err := ValidateRule(rule); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
