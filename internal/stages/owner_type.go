package stages

import (
	"context"
	"strings"

	"citydata/internal/dataset"
	"citydata/internal/validate"
)

// Owner classifications.
const (
	OwnerIndividual = "Individual"
	OwnerBusiness   = "Business (LLC)"
	OwnerPublic     = "Public"
)

const ColOwnerType = "owner_type"

// ClassifyOwner returns Public for any parcel with a city owner agency,
// Business (LLC) when either owner name contains "llc" in any case, even
// inside a word, Individual otherwise.
func ClassifyOwner(owner1, owner2, agency any) string {
	if s, ok := agency.(string); ok && s != "" {
		return OwnerPublic
	}
	for _, o := range []any{owner1, owner2} {
		if s, ok := o.(string); ok && strings.Contains(strings.ToLower(s), "llc") {
			return OwnerBusiness
		}
	}
	return OwnerIndividual
}

func ownerType(_ context.Context, ds *dataset.Dataset) (*dataset.Dataset, error) {
	err := ds.AddColumn(dataset.Field{
		Name:       ColOwnerType,
		Type:       dataset.TypeCategory,
		Categories: []string{OwnerIndividual, OwnerBusiness, OwnerPublic},
	})
	if err != nil {
		return nil, err
	}
	for i, r := range ds.Records {
		ds.Set(i, ColOwnerType, ClassifyOwner(r.Data["owner_1"], r.Data["owner_2"], r.Data[ColCityOwnerAgency]))
	}
	return ds, nil
}

func ownerTypeValidator(opts Options) *validate.Validator {
	return &validate.Validator{
		Name: OwnerType,
		Base: opts.base(),
		Columns: []validate.ColumnRule{
			validate.Column(ColOwnerType, dataset.TypeCategory).OneOf(OwnerIndividual, OwnerBusiness, OwnerPublic),
		},
		Rows: []validate.RowRule{
			validate.Rows("public owner requires a city owner agency", func(r dataset.Record) bool {
				return r.Data[ColOwnerType] != OwnerPublic || r.Data[ColCityOwnerAgency] != nil
			}),
		},
		Stats: []validate.StatRule{
			validate.CategoryShare(ColOwnerType, map[string]validate.Interval{
				OwnerIndividual: validate.Between(40, 100),
				OwnerBusiness:   validate.Between(0, 40),
				OwnerPublic:     validate.Between(0, 20),
			}),
		},
		MinStatsRecords: opts.StatsMinRecords,
	}
}
