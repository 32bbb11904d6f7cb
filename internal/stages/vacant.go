package stages

import (
	"context"
	"fmt"

	"citydata/internal/config"
	"citydata/internal/dataset"
	"citydata/internal/pipeline"
	"citydata/internal/validate"
)

const ColVacant = "vacant"

func vacant(loader pipeline.Loader) pipeline.TransformFunc {
	return func(ctx context.Context, ds *dataset.Dataset) (*dataset.Dataset, error) {
		indicators, err := loader.Load(ctx, config.SourceVacant)
		if err != nil {
			return nil, fmt.Errorf("load vacancy indicators: %w", err)
		}
		flagged := indicators.KeySet()

		if err := ds.AddColumn(dataset.Field{Name: ColVacant, Type: dataset.TypeBoolean}); err != nil {
			return nil, err
		}
		for i := range ds.Records {
			_, ok := flagged[ds.Key(i)]
			ds.Set(i, ColVacant, ok)
		}
		return ds, nil
	}
}

func vacantValidator(opts Options) *validate.Validator {
	return &validate.Validator{
		Name: VacantProperties,
		Base: opts.base(),
		Columns: []validate.ColumnRule{
			validate.Column(ColVacant, dataset.TypeBoolean),
		},
		Stats: []validate.StatRule{
			validate.CategoryShare(ColVacant, map[string]validate.Interval{"true": validate.Between(0.5, 20)}),
		},
		MinStatsRecords: opts.StatsMinRecords,
	}
}
