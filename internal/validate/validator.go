package validate

import (
	"citydata/internal/dataset"
)

// ── Validator ──────────────────────────────────────────────
// A Validator is the composed rule set for one stage's output. Rule
// categories run in a fixed order (base, schema, row, statistical) and all
// accumulate into one error list. The only early return is the base
// precondition: without a primary-key column nothing else can be checked.

// Validator checks a dataset produced by one stage.
type Validator struct {
	Name    string
	Base    BaseRules
	Columns []ColumnRule
	Rows    []RowRule
	Stats   []StatRule

	// MinStatsRecords is the record count a dataset must exceed before the
	// statistical category runs. Below it, the category is skipped.
	MinStatsRecords int
}

// StatsEnabled reports whether a dataset with n records is large enough
// for statistical rules.
func (v *Validator) StatsEnabled(n int) bool {
	return n > v.MinStatsRecords
}

// Validate runs every applicable rule category. checkStats requests the
// statistical category; it still only runs when StatsEnabled holds.
func (v *Validator) Validate(ds *dataset.Dataset, checkStats bool) Result {
	if ds == nil {
		return newResult([]string{"dataset is nil"})
	}

	errs, ok := v.Base.check(ds)
	if !ok {
		return newResult(errs)
	}

	for _, rule := range v.Columns {
		errs = append(errs, rule.check(ds)...)
	}
	for _, rule := range v.Rows {
		errs = append(errs, rule.Check(ds)...)
	}
	if checkStats && v.StatsEnabled(ds.Len()) {
		for _, rule := range v.Stats {
			errs = append(errs, rule.Check(ds)...)
		}
	}
	return newResult(errs)
}
