package source_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"citydata/internal/cache"
	"citydata/internal/config"
	"citydata/internal/dataset"
	"citydata/internal/source"
)

func feature(id int, x, y float64) string {
	return fmt.Sprintf(`{"type":"Feature","geometry":{"type":"Point","coordinates":[%g,%g]},"properties":{"opa_id":"%03d","market_value":%d}}`,
		x, y, id, id*1000)
}

func collection(features []string) string {
	return `{"type":"FeatureCollection","features":[` + strings.Join(features, ",") + `]}`
}

func TestFeatureServiceFetcher_PagesInOrder(t *testing.T) {
	const total = 5
	var pageRequests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("returnCountOnly") == "true" {
			fmt.Fprintf(w, `{"count":%d}`, total)
			return
		}
		pageRequests.Add(1)
		assert.Equal(t, "2272", q.Get("outSR"))
		assert.Equal(t, "geojson", q.Get("f"))
		assert.Equal(t, "opa_id", q.Get("orderByFields"))
		offset, _ := strconv.Atoi(q.Get("resultOffset"))
		limit, _ := strconv.Atoi(q.Get("resultRecordCount"))
		// Later pages answer first to prove ordering does not depend on timing.
		time.Sleep(time.Duration(total-offset) * 5 * time.Millisecond)
		var fs []string
		for i := offset; i < offset+limit; i++ {
			fs = append(fs, feature(i+1, float64(i), float64(i)))
		}
		fmt.Fprint(w, collection(fs))
	}))
	defer srv.Close()

	f, err := source.New("vacant", config.SourceConfig{
		Kind: config.KindFeatureService, URL: srv.URL, KeyColumn: "opa_id", PageSize: 2, Workers: 3,
	}, source.Env{CRS: "EPSG:2272"})
	require.NoError(t, err)

	ds, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), pageRequests.Load())
	assert.Equal(t, []string{"001", "002", "003", "004", "005"}, ds.Keys())
	assert.Equal(t, "EPSG:2272", ds.CRS)
	assert.Equal(t, orb.Point{4, 4}, ds.Records[4].Geometry)

	field, ok := ds.Schema.Field("market_value")
	require.True(t, ok)
	assert.Equal(t, dataset.TypeFloat, field.Type)
}

func TestFeatureServiceFetcher_ServerErrorIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("returnCountOnly") == "true" {
			fmt.Fprint(w, `{"count":4}`)
			return
		}
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	f, err := source.New("vacant", config.SourceConfig{
		Kind: config.KindFeatureService, URL: srv.URL, KeyColumn: "opa_id", PageSize: 2,
	}, source.Env{CRS: "EPSG:2272"})
	require.NoError(t, err)

	ds, err := f.Fetch(context.Background())
	assert.Nil(t, ds)
	var terr *source.TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "vacant", terr.Source)
	assert.ErrorContains(t, err, "http 502")
}

var limitOffset = regexp.MustCompile(`LIMIT (\d+) OFFSET (\d+)$`)

func TestSQLAPIFetcher_ChunksQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if strings.HasPrefix(q, "SELECT count(*)") {
			assert.Contains(t, q, "FROM (SELECT opa_id, the_geom FROM opa) q")
			fmt.Fprint(w, `{"rows":[{"count":3}]}`)
			return
		}
		assert.Equal(t, "geojson", r.URL.Query().Get("format"))
		assert.Contains(t, q, "ORDER BY opa_id")
		m := limitOffset.FindStringSubmatch(q)
		if !assert.Len(t, m, 3) {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		limit, _ := strconv.Atoi(m[1])
		offset, _ := strconv.Atoi(m[2])
		var fs []string
		for i := offset; i < offset+limit; i++ {
			fs = append(fs, feature(i+1, 1, 2))
		}
		fmt.Fprint(w, collection(fs))
	}))
	defer srv.Close()

	f, err := source.New("parcels", config.SourceConfig{
		Kind: config.KindSQLAPI, URL: srv.URL, Query: "SELECT opa_id, the_geom FROM opa;",
		KeyColumn: "opa_id", PageSize: 2, Workers: 1,
	}, source.Env{CRS: "EPSG:2272"})
	require.NoError(t, err)

	ds, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"001", "002", "003"}, ds.Keys())
}

func TestDatabaseFetcher_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "city.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE permits (permit_id TEXT, fee REAL, issued INTEGER, geom TEXT)`)
	require.NoError(t, err)
	for i, wkt := range []string{"POINT (1 2)", "", "POLYGON ((0 0, 4 0, 4 4, 0 4, 0 0))"} {
		var g any = wkt
		if wkt == "" {
			g = nil
		}
		_, err = db.Exec(`INSERT INTO permits VALUES (?, ?, ?, ?)`, fmt.Sprintf("p%d", 3-i), 10.5*float64(i), i, g)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	f, err := source.New("permits", config.SourceConfig{
		Kind: config.KindDatabase, Driver: "sqlite", DSN: path, Table: "permits",
		KeyColumn: "permit_id", GeomColumn: "geom", PageSize: 2, Workers: 2,
	}, source.Env{CRS: "EPSG:2272"})
	require.NoError(t, err)

	ds, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2", "p3"}, ds.Keys())
	assert.False(t, ds.Schema.Has("geom"))
	assert.Equal(t, orb.Point{1, 2}, ds.Records[2].Geometry)
	assert.Nil(t, ds.Records[1].Geometry)
	assert.IsType(t, orb.Polygon{}, ds.Records[0].Geometry)

	fee, _ := ds.Schema.Field("fee")
	assert.Equal(t, dataset.TypeFloat, fee.Type)
	issued, _ := ds.Schema.Field("issued")
	assert.Equal(t, dataset.TypeInteger, issued.Type)
}

func TestNew_UnknownKind(t *testing.T) {
	_, err := source.New("x", config.SourceConfig{Kind: "ftp"}, source.Env{})
	assert.ErrorContains(t, err, `unknown source kind "ftp"`)
	assert.Contains(t, source.Kinds(), config.KindMongo)
}

type countingFetcher struct {
	calls int
}

func (f *countingFetcher) Fetch(ctx context.Context) (*dataset.Dataset, error) {
	f.calls++
	ds := dataset.New("", "opa_id", "EPSG:2272", dataset.Field{Name: "opa_id", Type: dataset.TypeString})
	ds.Append(map[string]any{"opa_id": fmt.Sprintf("call-%d", f.calls)}, orb.Point{1, 1})
	return ds, nil
}

func TestCachedLoader(t *testing.T) {
	m := cache.New(t.TempDir())
	fetcher := &countingFetcher{}
	loader := source.NewCachedLoader(m, map[string]source.Fetcher{"parcels": fetcher}, false, nil)
	ctx := context.Background()

	ds, err := loader.Load(ctx, "parcels")
	require.NoError(t, err)
	assert.Equal(t, []string{"call-1"}, ds.Keys())
	assert.Equal(t, "parcels", ds.Name)

	ds, err = loader.Load(ctx, "parcels")
	require.NoError(t, err)
	assert.Equal(t, []string{"call-1"}, ds.Keys())
	assert.Equal(t, 1, fetcher.calls)

	loader.ForceReload = true
	ds, err = loader.Load(ctx, "parcels")
	require.NoError(t, err)
	assert.Equal(t, []string{"call-2"}, ds.Keys())

	_, err = loader.Load(ctx, "crimes")
	assert.ErrorContains(t, err, "no source configured")
}

func TestCachedLoader_Uncached(t *testing.T) {
	m := cache.New(t.TempDir())
	fetcher := &countingFetcher{}
	loader := source.NewCachedLoader(m, map[string]source.Fetcher{"parcels": fetcher}, false, nil)
	ctx := context.Background()

	_, err := loader.Load(ctx, "parcels")
	require.NoError(t, err)
	before, err := m.List(cache.SourceCache)
	require.NoError(t, err)
	require.Len(t, before, 1)

	uncached := loader.Uncached()
	ds, err := uncached.Load(ctx, "parcels")
	require.NoError(t, err)
	assert.Equal(t, []string{"call-2"}, ds.Keys())

	after, err := m.List(cache.SourceCache)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.False(t, loader.NoSnapshot)
	assert.False(t, loader.ForceReload)
}

func TestFileFetcher_CSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vacant.csv")
	body := "opa_id,score,flagged,wkt\n007,1.5,true,POINT (10 20)\n008,,false,\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	f, err := source.New("vacant", config.SourceConfig{
		Kind: config.KindFile, Path: path, KeyColumn: "opa_id", GeomColumn: "wkt",
	}, source.Env{CRS: "EPSG:2272"})
	require.NoError(t, err)

	ds, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"007", "008"}, ds.Keys())
	assert.False(t, ds.Schema.Has("wkt"))
	assert.Equal(t, orb.Point{10, 20}, ds.Records[0].Geometry)
	assert.Nil(t, ds.Records[1].Geometry)
	assert.Equal(t, []any{1.5, nil}, ds.Column("score"))
	assert.Equal(t, []any{true, false}, ds.Column("flagged"))
}

func TestFileFetcher_GeoJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crimes.geojson")
	body := `{"type":"FeatureCollection","features":[` + feature(1, 1, 2) + `,` + feature(2, 3, 4) + `]}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	f, err := source.New("crimes", config.SourceConfig{Kind: config.KindFile, Path: path, KeyColumn: "opa_id"}, source.Env{CRS: "EPSG:2272"})
	require.NoError(t, err)
	ds, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"001", "002"}, ds.Keys())
	assert.Equal(t, orb.Point{3, 4}, ds.Records[1].Geometry)
}

func TestFileFetcher_Errors(t *testing.T) {
	_, err := source.New("x", config.SourceConfig{Kind: config.KindFile, Path: "data.xlsx"}, source.Env{})
	assert.ErrorContains(t, err, "unsupported file type")

	f, err := source.New("x", config.SourceConfig{Kind: config.KindFile, Path: filepath.Join(t.TempDir(), "gone.csv")}, source.Env{})
	require.NoError(t, err)
	_, err = f.Fetch(context.Background())
	var terr *source.TransportError
	assert.True(t, errors.As(err, &terr))
}
