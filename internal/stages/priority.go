package stages

import (
	"context"
	"sort"

	"gonum.org/v1/gonum/stat"

	"citydata/internal/dataset"
	"citydata/internal/validate"
)

// Priority levels.
const (
	PriorityHigh   = "High"
	PriorityMedium = "Medium"
	PriorityLow    = "Low"
)

const (
	ColPriorityLevel     = "priority_level"
	ColDensityPercentile = "gun_crimes_density_percentile"

	highPriorityQuantile   = 0.75
	mediumPriorityQuantile = 0.40
)

// priorityLevel ranks vacant parcels by surrounding gun crime density.
// Occupied parcels are always Low.
func priorityLevel(_ context.Context, ds *dataset.Dataset) (*dataset.Dataset, error) {
	var sorted []float64
	for _, r := range ds.Records {
		if v, ok := dataset.ToFloat(r.Data[ColGunCrimesDensity]); ok {
			sorted = append(sorted, v)
		}
	}
	sort.Float64s(sorted)

	var high, medium float64
	if len(sorted) > 0 {
		high = stat.Quantile(highPriorityQuantile, stat.Empirical, sorted, nil)
		medium = stat.Quantile(mediumPriorityQuantile, stat.Empirical, sorted, nil)
	}

	if err := ds.AddColumn(dataset.Field{Name: ColDensityPercentile, Type: dataset.TypeFloat}); err != nil {
		return nil, err
	}
	err := ds.AddColumn(dataset.Field{
		Name:       ColPriorityLevel,
		Type:       dataset.TypeCategory,
		Categories: []string{PriorityHigh, PriorityMedium, PriorityLow},
	})
	if err != nil {
		return nil, err
	}

	for i, r := range ds.Records {
		density, ok := dataset.ToFloat(r.Data[ColGunCrimesDensity])
		if !ok {
			ds.Set(i, ColDensityPercentile, nil)
			ds.Set(i, ColPriorityLevel, PriorityLow)
			continue
		}
		// Share of values at or below this one.
		atOrBelow := sort.Search(len(sorted), func(j int) bool { return sorted[j] > density })
		ds.Set(i, ColDensityPercentile, 100*float64(atOrBelow)/float64(len(sorted)))

		level := PriorityLow
		if isVacant, _ := r.Data[ColVacant].(bool); isVacant {
			switch {
			case density >= high:
				level = PriorityHigh
			case density >= medium:
				level = PriorityMedium
			}
		}
		ds.Set(i, ColPriorityLevel, level)
	}
	return ds, nil
}

func priorityValidator(opts Options) *validate.Validator {
	return &validate.Validator{
		Name: PriorityLevel,
		Base: opts.base(),
		Columns: []validate.ColumnRule{
			validate.Column(ColPriorityLevel, dataset.TypeCategory).OneOf(PriorityHigh, PriorityMedium, PriorityLow),
			validate.Column(ColDensityPercentile, dataset.TypeFloat).AllowNull().Range(0, 100),
		},
		Rows: []validate.RowRule{
			validate.Rows("only vacant parcels are ranked above Low", func(r dataset.Record) bool {
				v, _ := r.Data[ColVacant].(bool)
				return v || r.Data[ColPriorityLevel] == PriorityLow
			}),
			validate.NullImplies(ColGunCrimesDensity, ColDensityPercentile),
		},
		Stats: []validate.StatRule{
			validate.CategoryShare(ColPriorityLevel, map[string]validate.Interval{PriorityHigh: validate.Between(0, 30)}),
		},
		MinStatsRecords: opts.StatsMinRecords,
	}
}
