package app_test

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"citydata/internal/app"
	"citydata/internal/cache"
	"citydata/internal/config"
	"citydata/internal/stages"
	"citydata/internal/storage"
)

// seedSources writes the four upstream tables into one SQLite file.
func seedSources(t *testing.T, path string) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	stmts := []string{
		`CREATE TABLE parcels (opa_id TEXT, owner_1 TEXT, owner_2 TEXT, market_value TEXT, geom TEXT)`,
		`CREATE TABLE city_owned (opa_id TEXT, agency TEXT, sideyardeligible TEXT)`,
		`CREATE TABLE vacant (opa_id TEXT)`,
		`CREATE TABLE crimes (objectid TEXT, geom TEXT)`,
		`INSERT INTO city_owned VALUES ('p2', 'PRA', 'Yes'), ('p3', ' ', 'No')`,
		`INSERT INTO vacant VALUES ('p1'), ('p4'), ('p6')`,
	}
	for i := 1; i <= 8; i++ {
		owner2 := "NULL"
		if i == 5 {
			owner2 = "'Acme LLC'"
		}
		stmts = append(stmts, fmt.Sprintf(
			`INSERT INTO parcels VALUES ('p%d', 'Owner %d', %s, '%d', 'POINT (%d 0)')`,
			i, i, owner2, i*1000, (i-1)*1000))
	}
	for i := 0; i < 5; i++ {
		stmts = append(stmts, fmt.Sprintf(`INSERT INTO crimes VALUES ('%d', 'POINT (%d 0)')`, i, i*25))
	}
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err, s)
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	src := filepath.Join(root, "city.db")
	seedSources(t, src)

	cfg := config.Default()
	cfg.StorageRoot = filepath.Join(root, "storage")
	cfg.RunStore = filepath.Join(root, "storage", "runs.db")
	cfg.OutputPath = filepath.Join(root, "out", "parcels.geojson")
	cfg.MinOutputBytes = 0
	cfg.LogLevel = "error"

	table := func(name, key, geom string) config.SourceConfig {
		return config.SourceConfig{
			Kind: config.KindDatabase, Driver: "sqlite", DSN: src,
			Table: name, KeyColumn: key, GeomColumn: geom, PageSize: 3, Workers: 2,
		}
	}
	cfg.Sources = map[string]config.SourceConfig{
		config.SourceParcels:   table("parcels", "opa_id", "geom"),
		config.SourceCityOwned: table("city_owned", "opa_id", ""),
		config.SourceVacant:    table("vacant", "opa_id", ""),
		config.SourceCrimes:    table("crimes", "objectid", "geom"),
	}
	return cfg
}

func TestApp_RunEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	a, err := app.New(cfg, io.Discard)
	require.NoError(t, err)
	defer a.Close()

	res, err := a.Run(context.Background(), "manual")
	require.NoError(t, err)

	ds := res.Dataset
	assert.Equal(t, "final_dataset", ds.Name)
	assert.Equal(t,
		[]any{"High", "Low", "Low", "Medium", "Low", "Low", "Low", "Low"},
		ds.Column(stages.ColPriorityLevel))
	assert.Equal(t, stages.OwnerBusiness, ds.Column(stages.ColOwnerType)[4])
	assert.Equal(t, cfg.OutputPath, res.Output)
	assert.FileExists(t, cfg.OutputPath)

	for _, table := range []string{config.SourceParcels, config.SourceCityOwned, config.SourceVacant, config.SourceCrimes} {
		entries, err := a.Cache().Candidates(table, cache.SourceCache, cache.GeoPackage)
		require.NoError(t, err)
		assert.Len(t, entries, 1, table)
	}

	runs, err := a.Runs().ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, storage.StatusSuccess, runs[0].Status)
	assert.Equal(t, "manual", runs[0].Trigger)

	stagesRun, err := a.Runs().ListStages(runs[0].ID)
	require.NoError(t, err)
	assert.Len(t, stagesRun, len(a.Stages()))
}

func TestApp_SecondRunReusesSourceCache(t *testing.T) {
	cfg := testConfig(t)
	a, err := app.New(cfg, io.Discard)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Run(context.Background(), "manual")
	require.NoError(t, err)

	// Remote tables gone; the source cache must serve the next run.
	src := cfg.Sources[config.SourceParcels].DSN
	require.NoError(t, os.Remove(src))

	_, err = a.Run(context.Background(), "schedule")
	require.NoError(t, err)

	runs, err := a.Runs().ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
}

func TestApp_TestStageResolvesDependencies(t *testing.T) {
	cfg := testConfig(t)
	a, err := app.New(cfg, io.Discard)
	require.NoError(t, err)
	defer a.Close()

	res, err := a.TestStage(context.Background(), stages.OwnerType)
	require.NoError(t, err)
	require.Len(t, res.Stages, 2)
	assert.Equal(t, stages.CityOwnedProperties, res.Stages[0].Stage)
	assert.Equal(t, stages.OwnerType, res.Stages[1].Stage)
	assert.NoFileExists(t, cfg.OutputPath)

	for _, z := range cache.Zones {
		entries, err := a.Cache().List(z)
		require.NoError(t, err)
		assert.Empty(t, entries, "zone %s", z)
	}
	runs, err := a.Runs().ListRuns(10)
	require.NoError(t, err)
	assert.Empty(t, runs)

	_, err = a.TestStage(context.Background(), "nope")
	assert.Error(t, err)
}

func TestApp_SchedulerTriggersRun(t *testing.T) {
	cfg := testConfig(t)
	a, err := app.New(cfg, io.Discard)
	require.NoError(t, err)
	defer a.Close()

	sched := a.Scheduler()
	require.NoError(t, sched.Trigger(context.Background(), "file_watch"))

	runs, err := a.Runs().ListRuns(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "file_watch", runs[0].Trigger)
}
