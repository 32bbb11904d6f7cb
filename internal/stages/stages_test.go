package stages_test

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"citydata/internal/cache"
	"citydata/internal/config"
	"citydata/internal/dataset"
	"citydata/internal/pipeline"
	"citydata/internal/stages"
)

const crs = "EPSG:2272"

var opts = stages.Options{
	CRS:             crs,
	Boundary:        orb.Polygon{orb.Ring{{-1000, -1000}, {10000, -1000}, {10000, 1000}, {-1000, 1000}, {-1000, -1000}}},
	StatsMinRecords: 1000,
	Bandwidth:       1000,
}

type mapLoader map[string]func() *dataset.Dataset

func (l mapLoader) Load(_ context.Context, table string) (*dataset.Dataset, error) {
	build, ok := l[table]
	if !ok {
		return nil, fmt.Errorf("no table %s", table)
	}
	return build(), nil
}

func parcels() *dataset.Dataset {
	ds := dataset.New(config.SourceParcels, "opa_id", crs,
		dataset.Field{Name: "opa_id", Type: dataset.TypeString},
		dataset.Field{Name: "owner_1", Type: dataset.TypeString},
		dataset.Field{Name: "owner_2", Type: dataset.TypeString},
	)
	for i := 1; i <= 8; i++ {
		ds.Append(map[string]any{
			"opa_id":  fmt.Sprintf("p%d", i),
			"owner_1": fmt.Sprintf("Owner %d", i),
			"owner_2": nil,
		}, orb.Point{float64(i-1) * 1000, 0})
	}
	return ds
}

func keyed(name string, fields []dataset.Field, rows ...map[string]any) func() *dataset.Dataset {
	return func() *dataset.Dataset {
		ds := dataset.New(name, "opa_id", crs, fields...)
		for _, r := range rows {
			ds.Append(r, orb.Point{0, 0})
		}
		return ds
	}
}

func crimes() *dataset.Dataset {
	ds := dataset.New(config.SourceCrimes, "objectid", crs, dataset.Field{Name: "objectid", Type: dataset.TypeString})
	for i := 0; i < 5; i++ {
		ds.Append(map[string]any{"objectid": fmt.Sprint(i)}, orb.Point{float64(i) * 25, 0})
	}
	return ds
}

func loader() mapLoader {
	str := func(n string) dataset.Field { return dataset.Field{Name: n, Type: dataset.TypeString} }
	return mapLoader{
		config.SourceParcels: parcels,
		config.SourceCityOwned: keyed(config.SourceCityOwned, []dataset.Field{str("opa_id"), str("agency"), str("sideyardeligible")},
			map[string]any{"opa_id": "p2", "agency": "PRA", "sideyardeligible": "Yes"},
			map[string]any{"opa_id": "p3", "agency": " ", "sideyardeligible": "No"},
		),
		config.SourceVacant: keyed(config.SourceVacant, []dataset.Field{str("opa_id")},
			map[string]any{"opa_id": "p1"},
			map[string]any{"opa_id": "p4"},
			map[string]any{"opa_id": "p6"},
		),
		config.SourceCrimes: crimes,
	}
}

func stageNamed(t *testing.T, name string) pipeline.Stage {
	t.Helper()
	for _, st := range stages.Default(loader(), opts) {
		if st.Name == name {
			return st
		}
	}
	t.Fatalf("no stage %s", name)
	return pipeline.Stage{}
}

func TestOwnerType_Classification(t *testing.T) {
	ds := dataset.New("parcels", "opa_id", crs,
		dataset.Field{Name: "opa_id", Type: dataset.TypeString},
		dataset.Field{Name: "owner_1", Type: dataset.TypeString},
		dataset.Field{Name: "owner_2", Type: dataset.TypeString},
		dataset.Field{Name: stages.ColCityOwnerAgency, Type: dataset.TypeString},
	)
	rows := [][3]any{
		{"John Smith", "Jane Doe", nil},
		{nil, "Tom Hink", "City of Philadelphia"},
		{"Costco llc", "Sixers", "PRA"},
		{"Jeff Roe", "Jefferson llc", nil},
	}
	for i, r := range rows {
		ds.Append(map[string]any{
			"opa_id": fmt.Sprint(i), "owner_1": r[0], "owner_2": r[1], stages.ColCityOwnerAgency: r[2],
		}, orb.Point{1, 1})
	}

	st := stageNamed(t, stages.OwnerType)
	out, err := st.Transform(context.Background(), ds)
	require.NoError(t, err)
	assert.Equal(t,
		[]any{stages.OwnerIndividual, stages.OwnerPublic, stages.OwnerPublic, stages.OwnerBusiness},
		out.Column(stages.ColOwnerType))
	assert.Equal(t, []any{"Individual", "Public", "Public", "Business (LLC)"}, out.Column("owner_type"))

	res := st.Validator.Validate(out, true)
	assert.True(t, res.Success, res.Errors)
}

func TestClassifyOwner_LLCAnywhereInName(t *testing.T) {
	assert.Equal(t, stages.OwnerBusiness, stages.ClassifyOwner("ACME LLC", nil, ""))
	assert.Equal(t, stages.OwnerBusiness, stages.ClassifyOwner("JeffersonLLC", nil, nil))
	assert.Equal(t, stages.OwnerBusiness, stages.ClassifyOwner(nil, "ACMELLC", nil))
	assert.Equal(t, stages.OwnerIndividual, stages.ClassifyOwner("Jane Doe", "LC Smith", nil))
	assert.Equal(t, stages.OwnerPublic, stages.ClassifyOwner("ACMELLC", nil, "PRA"))
}

func TestDensity(t *testing.T) {
	kde := stages.NewDensity([]orb.Point{{0, 0}}, 1000)
	peak := kde.At(orb.Point{0, 0})
	assert.InDelta(t, 5280.0*5280.0/(2*math.Pi*1e6), peak, 1e-9)
	assert.InDelta(t, kde.At(orb.Point{500, 0}), kde.At(orb.Point{0, -500}), 1e-12)
	assert.Less(t, kde.At(orb.Point{500, 0}), peak)
	assert.Zero(t, kde.At(orb.Point{50000, 0}))
}

func TestDefault_RegistryOrder(t *testing.T) {
	reg, err := pipeline.NewRegistry(stages.Default(loader(), opts)...)
	require.NoError(t, err)
	assert.Equal(t, []string{
		stages.CityOwnedProperties, stages.OwnerType, stages.VacantProperties, stages.GunCrimes, stages.PriorityLevel,
	}, reg.Names())

	deps, err := reg.Resolve(stages.PriorityLevel)
	require.NoError(t, err)
	names := make([]string, len(deps))
	for i, st := range deps {
		names[i] = st.Name
	}
	assert.Equal(t, []string{stages.VacantProperties, stages.GunCrimes, stages.PriorityLevel}, names)
}

func TestDefault_FullRun(t *testing.T) {
	root := t.TempDir()
	reg, err := pipeline.NewRegistry(stages.Default(loader(), opts)...)
	require.NoError(t, err)

	out := filepath.Join(root, "out", "parcels.geojson")
	engine := pipeline.New(reg, loader(), cache.New(filepath.Join(root, "storage")), pipeline.Options{
		BaseTable:      config.SourceParcels,
		CRS:            crs,
		CacheFraction:  0.5,
		NumericColumns: []string{stages.ColGunCrimesDensity},
		OutputTable:    "final_dataset",
		OutputPath:     out,
		Publish:        stages.Relevant,
		Final:          stages.Final(opts),
	}, nil)

	res, err := engine.Run(context.Background())
	require.NoError(t, err)
	ds := res.Dataset

	assert.Equal(t, []any{nil, "PRA", nil, nil, nil, nil, nil, nil}, ds.Column(stages.ColCityOwnerAgency))
	assert.Equal(t, []any{"No", "Yes", "No", "No", "No", "No", "No", "No"}, ds.Column(stages.ColSideYardEligible))
	assert.Equal(t, []any{true, false, false, true, false, true, false, false}, ds.Column(stages.ColVacant))
	assert.Equal(t,
		[]any{"High", "Low", "Low", "Medium", "Low", "Low", "Low", "Low"},
		ds.Column(stages.ColPriorityLevel))

	pct := ds.Column(stages.ColDensityPercentile)
	assert.Equal(t, 100.0, pct[0])
	assert.Equal(t, 37.5, pct[5])

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	published, err := cache.DecodeGeoJSON(f)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p4", "p6"}, published.Keys())
}

func TestPriorityValidator_RejectsRankedOccupiedParcel(t *testing.T) {
	st := stageNamed(t, stages.PriorityLevel)
	ds := dataset.New("parcels", "opa_id", crs,
		dataset.Field{Name: "opa_id", Type: dataset.TypeString},
		dataset.Field{Name: stages.ColVacant, Type: dataset.TypeBoolean},
		dataset.Field{Name: stages.ColGunCrimesDensity, Type: dataset.TypeFloat},
		dataset.Field{Name: stages.ColDensityPercentile, Type: dataset.TypeFloat},
		dataset.Field{Name: stages.ColPriorityLevel, Type: dataset.TypeCategory},
	)
	ds.Append(map[string]any{
		"opa_id": "p1", stages.ColVacant: false, stages.ColGunCrimesDensity: 3.0,
		stages.ColDensityPercentile: 100.0, stages.ColPriorityLevel: "High",
	}, orb.Point{1, 1})

	res := st.Validator.Validate(ds, false)
	require.False(t, res.Success)
	assert.Contains(t, res.Errors[0], "only vacant parcels are ranked above Low")
}
