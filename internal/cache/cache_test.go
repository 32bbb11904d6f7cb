package cache_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"citydata/internal/cache"
	"citydata/internal/dataset"
)

func fixedClock(y int, m time.Month, d int) func() time.Time {
	return func() time.Time { return time.Date(y, m, d, 15, 4, 5, 0, time.Local) }
}

func properties() *dataset.Dataset {
	ds := dataset.New("properties", "opa_id", "EPSG:2272",
		dataset.Field{Name: "opa_id", Type: dataset.TypeString},
		dataset.Field{Name: "owner_type", Type: dataset.TypeCategory, Categories: []string{"Individual", "Public"}},
		dataset.Field{Name: "market_value", Type: dataset.TypeFloat},
		dataset.Field{Name: "units", Type: dataset.TypeInteger},
		dataset.Field{Name: "vacant", Type: dataset.TypeBoolean},
	)
	ds.Append(map[string]any{
		"opa_id": "001", "owner_type": "Individual", "market_value": 125000.5, "units": int64(2), "vacant": false,
	}, orb.Point{2692000.25, 235000.75})
	ds.Append(map[string]any{
		"opa_id": "002", "owner_type": "Public", "market_value": nil, "units": int64(0), "vacant": true,
	}, orb.Polygon{orb.Ring{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}})
	ds.Append(map[string]any{
		"opa_id": "003", "owner_type": nil, "market_value": 99.0, "units": nil, "vacant": nil,
	}, orb.MultiPolygon{{{{20, 20}, {30, 20}, {30, 30}, {20, 20}}}})
	return ds
}

func TestLabel(t *testing.T) {
	m := cache.New(t.TempDir(), cache.WithClock(fixedClock(2024, time.March, 7)))
	assert.Equal(t, "vacant_properties_2024_3_7", m.Label("vacant_properties"))
	assert.Equal(t, "vacant_properties_2024_3_7_sample", m.LabelVariant("vacant_properties", "sample"))
	assert.Equal(t, m.Label("x"), m.LabelVariant("x", ""))
}

func TestRoundTrip_GeoPackage(t *testing.T) {
	m := cache.New(t.TempDir(), cache.WithClock(fixedClock(2024, time.March, 7)))
	ds := properties()
	label := m.Label(ds.Name)

	require.NoError(t, m.Save(ds, label, cache.PipelineCache, cache.GeoPackage))
	got, err := m.Load(label, cache.PipelineCache, cache.GeoPackage)
	require.NoError(t, err)

	assert.True(t, dataset.Equal(ds, got))
	assert.Equal(t, "properties", got.Name)
	assert.Equal(t, "opa_id", got.KeyColumn)
	assert.Equal(t, "EPSG:2272", got.CRS)
	assert.Equal(t, int64(2), got.Records[0].Data["units"])
	assert.Equal(t, true, got.Records[1].Data["vacant"])
	f, _ := got.Schema.Field("owner_type")
	assert.Equal(t, []string{"Individual", "Public"}, f.Categories)
}

func TestRoundTrip_GeoPackageColumnOrderIndependent(t *testing.T) {
	m := cache.New(t.TempDir())
	ds := properties()
	require.NoError(t, m.Save(ds, "properties_2024_1_1", cache.SourceCache, cache.GeoPackage))
	got, err := m.Load("properties_2024_1_1", cache.SourceCache, cache.GeoPackage)
	require.NoError(t, err)

	fields := got.Schema.Fields
	for i, j := 0, len(fields)-1; i < j; i, j = i+1, j-1 {
		fields[i], fields[j] = fields[j], fields[i]
	}
	assert.True(t, dataset.Equal(ds, got))
}

func TestRoundTrip_GeoPackageArcGISColumnNames(t *testing.T) {
	m := cache.New(t.TempDir())
	ds := dataset.New("crimes", "FID", "EPSG:2272",
		dataset.Field{Name: "FID", Type: dataset.TypeInteger},
		dataset.Field{Name: "geom", Type: dataset.TypeString},
		dataset.Field{Name: "Shape", Type: dataset.TypeString},
	)
	ds.Append(map[string]any{"FID": int64(7), "geom": "point", "Shape": "x"}, orb.Point{1, 2})
	ds.Append(map[string]any{"FID": int64(3), "geom": nil, "Shape": "y"}, orb.Point{3, 4})

	require.NoError(t, m.Save(ds, "crimes_2024_1_1", cache.SourceCache, cache.GeoPackage))
	got, err := m.Load("crimes_2024_1_1", cache.SourceCache, cache.GeoPackage)
	require.NoError(t, err)
	assert.True(t, dataset.Equal(ds, got))
	assert.Equal(t, []string{"7", "3"}, got.Keys())
	assert.Equal(t, orb.Point{1, 2}, got.Records[0].Geometry)
}

func TestSave_GeoPackageRejectsCaseCollidingFields(t *testing.T) {
	m := cache.New(t.TempDir())
	ds := dataset.New("crimes", "fid", "EPSG:2272",
		dataset.Field{Name: "fid", Type: dataset.TypeString},
		dataset.Field{Name: "FID", Type: dataset.TypeString},
	)
	err := m.Save(ds, "crimes_2024_1_1", cache.SourceCache, cache.GeoPackage)
	assert.ErrorContains(t, err, `field "FID" collides with column "fid"`)

	ds = dataset.New("crimes", "", "EPSG:2272", dataset.Field{Name: "CITYDATA_GEOM", Type: dataset.TypeString})
	err = m.Save(ds, "crimes_2024_1_1", cache.SourceCache, cache.GeoPackage)
	assert.ErrorContains(t, err, "collides")
}

func TestRoundTrip_GeoJSON(t *testing.T) {
	m := cache.New(t.TempDir())
	ds := properties()
	require.NoError(t, m.Save(ds, "properties_2024_1_1", cache.Ephemeral, cache.GeoJSON))
	got, err := m.Load("properties_2024_1_1", cache.Ephemeral, cache.GeoJSON)
	require.NoError(t, err)
	assert.True(t, dataset.Equal(ds, got))
	assert.Equal(t, int64(2), got.Records[0].Data["units"])
}

func TestRoundTrip_CSVIsLossy(t *testing.T) {
	m := cache.New(t.TempDir(), cache.WithCRS("EPSG:4326"))
	ds := properties()
	require.NoError(t, m.Save(ds, "properties_2024_1_1", cache.Ephemeral, cache.CSV))
	got, err := m.Load("properties_2024_1_1", cache.Ephemeral, cache.CSV)
	require.NoError(t, err)

	assert.Equal(t, "opa_id", got.KeyColumn)
	assert.Equal(t, "EPSG:4326", got.CRS)
	assert.Equal(t, []string{"001", "002", "003"}, got.Keys())
	f, ok := got.Schema.Field("market_value")
	require.True(t, ok)
	assert.Equal(t, dataset.TypeFloat, f.Type)
	f, _ = got.Schema.Field("owner_type")
	assert.Equal(t, dataset.TypeString, f.Type)
	assert.True(t, dataset.GeometriesEqual(ds.Records[1].Geometry, got.Records[1].Geometry))
	assert.Nil(t, got.Records[2].Data["units"])
}

func TestLoad_Miss(t *testing.T) {
	m := cache.New(t.TempDir())
	_, err := m.Load("nothing_2024_1_1", cache.PipelineCache, cache.GeoPackage)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cache.ErrCacheMiss))
}

func TestSave_OverwritesSameDay(t *testing.T) {
	m := cache.New(t.TempDir(), cache.WithClock(fixedClock(2024, time.March, 7)))
	ds := properties()
	label := m.Label(ds.Name)
	require.NoError(t, m.Save(ds, label, cache.PipelineCache, cache.GeoPackage))

	smaller := ds.Sample(2)
	require.NoError(t, m.Save(smaller, label, cache.PipelineCache, cache.GeoPackage))

	entries, err := m.List(cache.PipelineCache)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	got, err := m.Load(label, cache.PipelineCache, cache.GeoPackage)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Len())
}

func TestMostRecent_ByModTime(t *testing.T) {
	m := cache.New(t.TempDir())
	older := properties()
	newer := properties().Sample(3)

	// The later date label is written first so it has the older mtime.
	require.NoError(t, m.Save(older, "properties_2024_5_1", cache.SourceCache, cache.GeoPackage))
	require.NoError(t, m.Save(newer, "properties_2024_1_1", cache.SourceCache, cache.GeoJSON))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(m.Path("properties_2024_5_1", cache.SourceCache, cache.GeoPackage), past, past))

	got, err := m.MostRecent("properties", cache.SourceCache)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Len())
}

func TestMostRecent_NoneIsNotAnError(t *testing.T) {
	m := cache.New(t.TempDir())
	got, err := m.MostRecent("properties", cache.PipelineCache)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, m.Save(properties(), "properties_extra_2024_1_1", cache.PipelineCache, cache.GeoPackage))
	got, err = m.MostRecent("properties", cache.PipelineCache)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaveFractional(t *testing.T) {
	m := cache.New(t.TempDir())
	ds := dataset.New("crimes", "id", "EPSG:2272", dataset.Field{Name: "id", Type: dataset.TypeString})
	for i := 0; i < 10; i++ {
		ds.Append(map[string]any{"id": string(rune('a' + i))}, orb.Point{float64(i), 0})
	}
	require.NoError(t, m.SaveFractional(ds, "crimes_2024_1_1_sample", cache.PipelineCache, 0.3))
	got, err := m.Load("crimes_2024_1_1_sample", cache.PipelineCache, cache.GeoPackage)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "d", "g", "j"}, got.Keys())

	assert.Error(t, m.SaveFractional(ds, "x_2024_1_1", cache.PipelineCache, 0))
	assert.Error(t, m.SaveFractional(ds, "x_2024_1_1", cache.PipelineCache, 1.5))
}

func TestList(t *testing.T) {
	m := cache.New(t.TempDir())
	require.NoError(t, m.Save(properties(), "properties_2024_1_1_sample", cache.PipelineCache, cache.GeoPackage))
	require.NoError(t, os.WriteFile(filepath.Join(m.Dir(cache.PipelineCache), "notes.txt"), []byte("x"), 0644))

	entries, err := m.List(cache.PipelineCache)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "properties", e.Table)
	assert.Equal(t, "sample", e.Variant)
	assert.Equal(t, "properties_2024_1_1_sample", e.Label)
	assert.Equal(t, cache.GeoPackage, e.Format)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), e.Date)
	assert.Positive(t, e.Size)

	missing, err := m.List(cache.Ephemeral)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestParseFilename(t *testing.T) {
	e, ok := cache.ParseFilename("gun_crimes_2023_12_31.geojson")
	require.True(t, ok)
	assert.Equal(t, "gun_crimes", e.Table)
	assert.Equal(t, "", e.Variant)

	_, ok = cache.ParseFilename("gun_crimes_latest.gpkg")
	assert.False(t, ok)
	_, ok = cache.ParseFilename("gun_crimes_2023_2_30.gpkg")
	assert.False(t, ok)
}
