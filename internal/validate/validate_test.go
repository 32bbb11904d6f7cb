package validate_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"citydata/internal/dataset"
	"citydata/internal/validate"
)

var city = orb.Polygon{orb.Ring{{0, 0}, {100, 0}, {100, 100}, {0, 100}, {0, 0}}}

func parcels(n int) *dataset.Dataset {
	ds := dataset.New("parcels", "opa_id", "EPSG:2272",
		dataset.Field{Name: "opa_id", Type: dataset.TypeString},
		dataset.Field{Name: "owner_type", Type: dataset.TypeCategory},
		dataset.Field{Name: "market_value", Type: dataset.TypeFloat},
		dataset.Field{Name: "units", Type: dataset.TypeInteger},
		dataset.Field{Name: "vacant_units", Type: dataset.TypeInteger},
	)
	ds.Boundary = city
	for i := 0; i < n; i++ {
		ds.Append(map[string]any{
			"opa_id":       fmt.Sprintf("%04d", i),
			"owner_type":   "Individual",
			"market_value": float64(100 + i),
			"units":        int64(2),
			"vacant_units": int64(1),
		}, orb.Point{float64(i%90) + 1, 1})
	}
	return ds
}

func joined(r validate.Result) string {
	return strings.Join(r.Errors, "\n")
}

func TestValidate_CleanDatasetPasses(t *testing.T) {
	v := &validate.Validator{
		Name: "parcels",
		Base: validate.BaseRules{CRS: "EPSG:2272"},
		Columns: []validate.ColumnRule{
			validate.Column("owner_type", dataset.TypeCategory).OneOf("Individual", "Public", "Business (LLC)"),
			validate.Column("market_value", dataset.TypeFloat).AtLeast(0),
		},
		Rows: []validate.RowRule{validate.NotExceeding("vacant_units", "units")},
	}
	res := v.Validate(parcels(5), true)
	assert.True(t, res.Success, joined(res))
	assert.Empty(t, res.Errors)
}

func TestValidate_MissingKeyColumnStopsBeforeOtherRules(t *testing.T) {
	ds := parcels(3)
	ds.KeyColumn = "parcel_number"

	statsRan := false
	v := &validate.Validator{
		Columns: []validate.ColumnRule{validate.Column("does_not_exist", dataset.TypeString)},
		Stats: []validate.StatRule{validate.StatRuleFunc(func(*dataset.Dataset) []string {
			statsRan = true
			return []string{"stats"}
		})},
	}
	res := v.Validate(ds, true)
	require.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "parcel_number")
	assert.False(t, statsRan)
}

func TestValidate_EmptyDatasetFailsOnSchema(t *testing.T) {
	v := &validate.Validator{
		Columns: []validate.ColumnRule{validate.Column("owner_type", dataset.TypeCategory)},
	}
	res := v.Validate(&dataset.Dataset{KeyColumn: "opa_id"}, true)
	assert.False(t, res.Success)
	assert.Contains(t, joined(res), `"opa_id"`)

	res = v.Validate(nil, false)
	assert.False(t, res.Success)
}

func TestValidate_MissingRequiredColumnNamed(t *testing.T) {
	v := &validate.Validator{
		Columns: []validate.ColumnRule{
			validate.Column("city_owner_agency", dataset.TypeString).AllowNull(),
			validate.Column("zoning", dataset.TypeString).NotRequired(),
		},
	}
	res := v.Validate(parcels(2), false)
	require.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "city_owner_agency")
}

func TestValidate_BaseRules(t *testing.T) {
	ds := parcels(4)
	ds.Records[1].Data["opa_id"] = nil
	ds.Records[2].Data["opa_id"] = "0000"
	ds.Records[3].Geometry = orb.Point{500, 500}
	ds.Append(map[string]any{"opa_id": int64(77)}, nil)

	v := &validate.Validator{Base: validate.BaseRules{CRS: "EPSG:4326"}}
	res := v.Validate(ds, false)
	require.False(t, res.Success)
	all := joined(res)
	assert.Contains(t, all, "1 null values")
	assert.Contains(t, all, "1 non-string values")
	assert.Contains(t, all, "duplicated values: 0000")
	assert.Contains(t, all, `does not match expected "EPSG:4326"`)
	assert.Contains(t, all, "77 (null geometry)")
	assert.Contains(t, all, "outside the bounding region: 0003")
}

func TestValidate_SkipBoundary(t *testing.T) {
	ds := parcels(2)
	ds.Records[0].Geometry = orb.Point{-5, -5}
	v := &validate.Validator{Base: validate.BaseRules{SkipBoundary: true}}
	assert.True(t, v.Validate(ds, false).Success)
}

func TestColumnRule_Violations(t *testing.T) {
	ds := parcels(4)
	ds.Records[0].Data["owner_type"] = nil
	ds.Records[1].Data["owner_type"] = "Corporate"
	ds.Records[2].Data["market_value"] = "lots"
	ds.Records[3].Data["market_value"] = float64(-1)

	v := &validate.Validator{
		Columns: []validate.ColumnRule{
			validate.Column("owner_type", dataset.TypeCategory).OneOf("Individual", "Public"),
			validate.Column("market_value", dataset.TypeFloat).Range(0, 1e9),
			validate.Column("units", dataset.TypeString),
		},
	}
	res := v.Validate(ds, false)
	require.False(t, res.Success)
	all := joined(res)
	assert.Contains(t, all, `"owner_type" has 1 null values but is not nullable`)
	assert.Contains(t, all, "outside the allowed set {Individual, Public}: Corporate")
	assert.Contains(t, all, `"market_value" has 1 values not of type float`)
	assert.Contains(t, all, `"market_value" has 1 values below the minimum 0`)
	assert.Contains(t, all, `"units" declared as integer, expected string`)
}

func TestColumnRule_BoundsAreInclusive(t *testing.T) {
	ds := parcels(3)
	v := &validate.Validator{
		Columns: []validate.ColumnRule{validate.Column("market_value", dataset.TypeFloat).Range(100, 102)},
	}
	assert.True(t, v.Validate(ds, false).Success)
}

func TestColumnRule_NullableCategory(t *testing.T) {
	ds := parcels(2)
	ds.Records[0].Data["owner_type"] = nil
	v := &validate.Validator{
		Columns: []validate.ColumnRule{validate.Column("owner_type", dataset.TypeCategory).AllowNull().OneOf("Individual")},
	}
	assert.True(t, v.Validate(ds, false).Success)
}

func TestRowRules(t *testing.T) {
	ds := parcels(3)
	require.NoError(t, ds.AddColumn(dataset.Field{Name: "permit_id", Type: dataset.TypeString}))
	ds.Records[0].Data["vacant_units"] = int64(5)
	ds.Records[1].Data["units"] = nil
	ds.Records[0].Data["permit_id"] = "P1"
	ds.Records[2].Data["permit_id"] = "P1"

	v := &validate.Validator{
		Rows: []validate.RowRule{
			validate.NotExceeding("vacant_units", "units"),
			validate.NullImplies("units", "vacant_units"),
			validate.UniqueValues("permit_id"),
		},
	}
	res := v.Validate(ds, false)
	require.False(t, res.Success)
	require.Len(t, res.Errors, 3)
	assert.Contains(t, res.Errors[0], "1 records violate \"vacant_units must not exceed units\": 0000")
	assert.Contains(t, res.Errors[1], "units is null implies vacant_units is null\": 0001")
	assert.Contains(t, res.Errors[2], "duplicated values: P1")
}

func TestStats_ThresholdGating(t *testing.T) {
	v := &validate.Validator{
		MinStatsRecords: 10,
		Stats: []validate.StatRule{
			validate.RecordCount(validate.Between(1000, 2000)),
			validate.Distribution("market_value").WithMean(0, 1),
		},
	}
	small := parcels(10)
	assert.False(t, v.StatsEnabled(small.Len()))
	assert.True(t, v.Validate(small, true).Success)

	big := parcels(11)
	res := v.Validate(big, true)
	require.False(t, res.Success)
	assert.Len(t, res.Errors, 2)

	assert.True(t, v.Validate(big, false).Success, "stats not requested")
}

func TestStats_Distribution(t *testing.T) {
	ds := parcels(101) // market_value 100..200
	rule := validate.Distribution("market_value").
		WithMean(149, 151).
		WithStd(25, 35).
		WithQ1(124, 126).
		WithMedian(149, 151).
		WithQ3(174, 176)
	assert.Empty(t, rule.Check(ds))

	rule = validate.Distribution("market_value").WithMedian(0, 10)
	errs := rule.Check(ds)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "median")
	assert.Contains(t, errs[0], "outside expected [0, 10]")

	assert.NotEmpty(t, validate.Distribution("missing").Check(ds))
}

func TestStats_CategoryShare(t *testing.T) {
	ds := parcels(10)
	for i := 0; i < 3; i++ {
		ds.Records[i].Data["owner_type"] = "Public"
	}
	ok := validate.CategoryShare("owner_type", map[string]validate.Interval{
		"Public":     validate.Between(25, 35),
		"Individual": validate.Between(60, 80),
	})
	assert.Empty(t, ok.Check(ds))

	bad := validate.CategoryShare("owner_type", map[string]validate.Interval{
		"Business (LLC)": validate.Between(5, 100),
	})
	errs := bad.Check(ds)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "0.00%")
}

func TestStats_Outliers(t *testing.T) {
	ds := parcels(200)
	assert.Empty(t, validate.Outliers("market_value").Check(ds))

	ds.Records[0].Data["market_value"] = float64(1e9)
	errs := validate.Outliers("market_value").Check(ds)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "1 extreme outliers")

	lenient := validate.Outliers("market_value")
	lenient.MaxShare = 0.01
	assert.Empty(t, lenient.Check(ds))
}

func TestStats_Density(t *testing.T) {
	ds := dataset.New("crimes", "opa_id", "EPSG:2272",
		dataset.Field{Name: "opa_id", Type: dataset.TypeString},
		dataset.Field{Name: "density", Type: dataset.TypeFloat},
	)
	values := []float64{0, 0.1, 0.2, 0.3, 0.9}
	for i, v := range values {
		ds.Append(map[string]any{"opa_id": fmt.Sprint(i), "density": v}, orb.Point{1, 1})
	}
	rule := validate.DensityRule{
		Column:    "density",
		Mean:      validate.Between(0, 1),
		Std:       validate.Between(0, 1),
		High:      0.5,
		HighShare: validate.Between(0.1, 0.3),
	}
	assert.Empty(t, rule.Check(ds))

	ds.Records[0].Data["density"] = -0.5
	errs := rule.Check(ds)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "1 negative density values")
}

func TestValidationError(t *testing.T) {
	err := &validate.ValidationError{Stage: "owner_type", Errors: []string{"a", "b"}}
	assert.Equal(t, "validation failed for stage owner_type (2 errors)\n  - a\n  - b", err.Error())

	var missing error = &validate.MissingColumnError{Column: "opa_id"}
	assert.True(t, errors.Is(missing, validate.ErrSchema))
}
