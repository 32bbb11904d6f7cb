package validate

import (
	"fmt"

	"citydata/internal/dataset"
)

// RowRule is a cross-column predicate evaluated over every record.
type RowRule interface {
	Check(ds *dataset.Dataset) []string
}

// RowRuleFunc adapts a plain function to the RowRule interface.
type RowRuleFunc func(ds *dataset.Dataset) []string

func (f RowRuleFunc) Check(ds *dataset.Dataset) []string { return f(ds) }

// Rows builds a rule that reports every record for which ok returns false.
// The description names the constraint in the error message.
func Rows(description string, ok func(r dataset.Record) bool) RowRule {
	return RowRuleFunc(func(ds *dataset.Dataset) []string {
		var bad []string
		count := 0
		for _, r := range ds.Records {
			if ok(r) {
				continue
			}
			count++
			if len(bad) < maxListed {
				bad = append(bad, keyOf(r, ds.KeyColumn))
			}
		}
		if count == 0 {
			return nil
		}
		return []string{fmt.Sprintf("%d records violate %q: %s", count, description, listed(bad))}
	})
}

// NullImplies requires b to be null wherever a is null.
func NullImplies(a, b string) RowRule {
	return Rows(fmt.Sprintf("%s is null implies %s is null", a, b), func(r dataset.Record) bool {
		return r.Data[a] != nil || r.Data[b] == nil
	})
}

// NotExceeding requires derived <= source wherever both are numeric.
func NotExceeding(derived, source string) RowRule {
	return Rows(fmt.Sprintf("%s must not exceed %s", derived, source), func(r dataset.Record) bool {
		d, okD := dataset.ToFloat(r.Data[derived])
		s, okS := dataset.ToFloat(r.Data[source])
		if !okD || !okS {
			return true
		}
		return d <= s
	})
}

// UniqueValues reports duplicated non-null values of col, listing them.
func UniqueValues(col string) RowRule {
	return RowRuleFunc(func(ds *dataset.Dataset) []string {
		counts := map[string]int{}
		var dups []string
		for _, r := range ds.Records {
			v := r.Data[col]
			if v == nil {
				continue
			}
			s := fmt.Sprint(v)
			counts[s]++
			if counts[s] == 2 {
				dups = append(dups, s)
			}
		}
		if len(dups) == 0 {
			return nil
		}
		return []string{fmt.Sprintf("column %q has %d duplicated values: %s", col, len(dups), listed(dups))}
	})
}
