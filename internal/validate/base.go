package validate

import (
	"fmt"
	"strings"

	"github.com/paulmach/orb"

	"citydata/internal/dataset"
)

// maxListed caps how many offending keys or values a message enumerates.
const maxListed = 10

// BaseRules are the structural checks every dataset gets regardless of stage.
// Empty fields fall back to what the dataset itself declares.
type BaseRules struct {
	KeyColumn string
	CRS       string
	Boundary  orb.Geometry

	// SkipBoundary turns off the within-region check, e.g. for stages that
	// run before geometries are projected.
	SkipBoundary bool
}

// check returns the accumulated errors and false when the precondition
// (a declared primary-key column) fails.
func (b BaseRules) check(ds *dataset.Dataset) ([]string, bool) {
	key := b.KeyColumn
	if key == "" {
		key = ds.KeyColumn
	}
	if key == "" {
		return []string{"dataset declares no primary key column"}, false
	}
	if !ds.Schema.Has(key) {
		return []string{(&MissingColumnError{Column: key}).Error()}, false
	}

	var errs []string
	errs = append(errs, checkKeys(ds, key)...)

	if b.CRS != "" && ds.CRS != b.CRS {
		errs = append(errs, fmt.Sprintf("dataset CRS %q does not match expected %q", ds.CRS, b.CRS))
	}

	boundary := b.Boundary
	if boundary == nil {
		boundary = ds.Boundary
	}
	var invalid, outside []string
	invalidCount, outsideCount := 0, 0
	for i, r := range ds.Records {
		if msg := dataset.CheckGeometry(r.Geometry); msg != "" {
			invalidCount++
			if len(invalid) < maxListed {
				invalid = append(invalid, fmt.Sprintf("%s (%s)", keyOf(r, key), msg))
			}
			continue
		}
		if !b.SkipBoundary && !dataset.Within(r.Geometry, boundary) {
			outsideCount++
			if len(outside) < maxListed {
				outside = append(outside, keyOf(ds.Records[i], key))
			}
		}
	}
	if invalidCount > 0 {
		errs = append(errs, fmt.Sprintf("%d records have null or invalid geometry: %s", invalidCount, strings.Join(invalid, ", ")))
	}
	if outsideCount > 0 {
		errs = append(errs, fmt.Sprintf("%d records fall outside the bounding region: %s", outsideCount, strings.Join(outside, ", ")))
	}
	return errs, true
}

func checkKeys(ds *dataset.Dataset, key string) []string {
	var errs []string
	nulls, nonString := 0, 0
	counts := make(map[string]int, len(ds.Records))
	var order []string
	for _, r := range ds.Records {
		v := r.Data[key]
		if v == nil {
			nulls++
			continue
		}
		s, ok := v.(string)
		if !ok {
			nonString++
			s = fmt.Sprint(v)
		}
		if s == "" {
			nulls++
			continue
		}
		if counts[s] == 1 {
			order = append(order, s)
		}
		counts[s]++
	}
	if nulls > 0 {
		errs = append(errs, fmt.Sprintf("primary key column %q has %d null values", key, nulls))
	}
	if nonString > 0 {
		errs = append(errs, fmt.Sprintf("primary key column %q has %d non-string values", key, nonString))
	}
	if len(order) > 0 {
		errs = append(errs, fmt.Sprintf("primary key column %q has %d duplicated values: %s", key, len(order), listed(order)))
	}
	return errs
}

func keyOf(r dataset.Record, key string) string {
	v := r.Data[key]
	if v == nil {
		return "<null>"
	}
	return fmt.Sprint(v)
}

func listed(values []string) string {
	if len(values) <= maxListed {
		return strings.Join(values, ", ")
	}
	return strings.Join(values[:maxListed], ", ") + fmt.Sprintf(", ... (%d more)", len(values)-maxListed)
}
