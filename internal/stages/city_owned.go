package stages

import (
	"context"
	"fmt"
	"strings"

	"citydata/internal/config"
	"citydata/internal/dataset"
	"citydata/internal/pipeline"
	"citydata/internal/validate"
)

// Columns added by city_owned_properties.
const (
	ColCityOwnerAgency  = "city_owner_agency"
	ColSideYardEligible = "side_yard_eligible"
)

// Field names in the city-owned asset table.
const (
	assetAgencyField   = "agency"
	assetSideYardField = "sideyardeligible"
)

func cityOwned(loader pipeline.Loader) pipeline.TransformFunc {
	return func(ctx context.Context, ds *dataset.Dataset) (*dataset.Dataset, error) {
		assets, err := loader.Load(ctx, config.SourceCityOwned)
		if err != nil {
			return nil, fmt.Errorf("load city-owned assets: %w", err)
		}
		byKey := make(map[string]dataset.Record, assets.Len())
		for i, r := range assets.Records {
			byKey[assets.Key(i)] = r
		}

		if err := ds.AddColumn(dataset.Field{Name: ColCityOwnerAgency, Type: dataset.TypeString}); err != nil {
			return nil, err
		}
		if err := ds.AddColumn(dataset.Field{Name: ColSideYardEligible, Type: dataset.TypeCategory, Categories: []string{"Yes", "No"}}); err != nil {
			return nil, err
		}
		for i := range ds.Records {
			var agency any
			side := "No"
			if asset, ok := byKey[ds.Key(i)]; ok {
				if s, ok := asset.Data[assetAgencyField].(string); ok && strings.TrimSpace(s) != "" {
					agency = strings.TrimSpace(s)
				}
				if s, ok := asset.Data[assetSideYardField].(string); ok && strings.EqualFold(s, "yes") {
					side = "Yes"
				}
			}
			ds.Set(i, ColCityOwnerAgency, agency)
			ds.Set(i, ColSideYardEligible, side)
		}
		return ds, nil
	}
}

func cityOwnedValidator(opts Options) *validate.Validator {
	return &validate.Validator{
		Name: CityOwnedProperties,
		Base: opts.base(),
		Columns: []validate.ColumnRule{
			validate.Column(ColCityOwnerAgency, dataset.TypeString).AllowNull(),
			validate.Column(ColSideYardEligible, dataset.TypeCategory).OneOf("Yes", "No"),
		},
		Rows: []validate.RowRule{
			validate.Rows("side yard eligibility requires a city owner", func(r dataset.Record) bool {
				return r.Data[ColSideYardEligible] != "Yes" || r.Data[ColCityOwnerAgency] != nil
			}),
		},
		Stats: []validate.StatRule{
			validate.CategoryShare(ColSideYardEligible, map[string]validate.Interval{"Yes": validate.Between(0, 10)}),
		},
		MinStatsRecords: opts.StatsMinRecords,
	}
}
