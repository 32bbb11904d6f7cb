package validate

import (
	"fmt"
	"sort"
	"strings"

	"citydata/internal/dataset"
)

// ColumnRule is a single-column schema constraint. Build one with Column
// and chain the modifiers:
//
//	validate.Column("owner_type", dataset.TypeCategory).OneOf("Public", "Individual")
type ColumnRule struct {
	Name       string
	Type       dataset.FieldType
	Nullable   bool
	Optional   bool
	Categories []string
	Min        *float64
	Max        *float64
}

// Column starts a rule for a required, non-nullable column.
func Column(name string, t dataset.FieldType) ColumnRule {
	return ColumnRule{Name: name, Type: t}
}

// AllowNull marks the column nullable.
func (c ColumnRule) AllowNull() ColumnRule {
	c.Nullable = true
	return c
}

// NotRequired lets the column be absent entirely.
func (c ColumnRule) NotRequired() ColumnRule {
	c.Optional = true
	return c
}

// OneOf restricts values to a fixed set.
func (c ColumnRule) OneOf(values ...string) ColumnRule {
	c.Categories = values
	return c
}

// Range sets inclusive numeric bounds.
func (c ColumnRule) Range(min, max float64) ColumnRule {
	c.Min, c.Max = &min, &max
	return c
}

// AtLeast sets an inclusive lower bound.
func (c ColumnRule) AtLeast(min float64) ColumnRule {
	c.Min = &min
	return c
}

// AtMost sets an inclusive upper bound.
func (c ColumnRule) AtMost(max float64) ColumnRule {
	c.Max = &max
	return c
}

func (c ColumnRule) check(ds *dataset.Dataset) []string {
	field, ok := ds.Schema.Field(c.Name)
	if !ok {
		if c.Optional {
			return nil
		}
		return []string{(&MissingColumnError{Column: c.Name}).Error()}
	}

	var errs []string
	if !compatible(field.Type, c.Type) {
		errs = append(errs, fmt.Sprintf("column %q declared as %s, expected %s", c.Name, field.Type, c.Type))
	}

	allowed := make(map[string]bool, len(c.Categories))
	for _, v := range c.Categories {
		allowed[v] = true
	}

	nulls, mistyped, below, above := 0, 0, 0, 0
	outsideSet := map[string]int{}
	for _, r := range ds.Records {
		v := r.Data[c.Name]
		if v == nil {
			nulls++
			continue
		}
		if !valueHasType(v, c.Type) {
			mistyped++
			continue
		}
		if len(allowed) > 0 {
			s := fmt.Sprint(v)
			if !allowed[s] {
				outsideSet[s]++
			}
		}
		if c.Min != nil || c.Max != nil {
			f, _ := dataset.ToFloat(v)
			if c.Min != nil && f < *c.Min {
				below++
			}
			if c.Max != nil && f > *c.Max {
				above++
			}
		}
	}

	if nulls > 0 && !c.Nullable {
		errs = append(errs, fmt.Sprintf("column %q has %d null values but is not nullable", c.Name, nulls))
	}
	if mistyped > 0 {
		errs = append(errs, fmt.Sprintf("column %q has %d values not of type %s", c.Name, mistyped, c.Type))
	}
	if len(outsideSet) > 0 {
		bad := make([]string, 0, len(outsideSet))
		for v := range outsideSet {
			bad = append(bad, v)
		}
		sort.Strings(bad)
		errs = append(errs, fmt.Sprintf("column %q has values outside the allowed set {%s}: %s",
			c.Name, strings.Join(c.Categories, ", "), listed(bad)))
	}
	if below > 0 {
		errs = append(errs, fmt.Sprintf("column %q has %d values below the minimum %v", c.Name, below, *c.Min))
	}
	if above > 0 {
		errs = append(errs, fmt.Sprintf("column %q has %d values above the maximum %v", c.Name, above, *c.Max))
	}
	return errs
}

// compatible allows an integer column where a float is expected and a
// string column where a category is expected.
func compatible(declared, expected dataset.FieldType) bool {
	if declared == expected {
		return true
	}
	switch expected {
	case dataset.TypeFloat:
		return declared == dataset.TypeInteger
	case dataset.TypeCategory:
		return declared == dataset.TypeString
	}
	return false
}

func valueHasType(v any, t dataset.FieldType) bool {
	switch t {
	case dataset.TypeString, dataset.TypeCategory:
		_, ok := v.(string)
		return ok
	case dataset.TypeInteger:
		_, ok := v.(int64)
		return ok
	case dataset.TypeFloat:
		switch v.(type) {
		case float64, int64:
			return true
		}
		return false
	case dataset.TypeBoolean:
		_, ok := v.(bool)
		return ok
	}
	return true
}
