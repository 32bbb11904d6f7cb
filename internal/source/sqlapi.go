package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/paulmach/orb/geojson"
	"github.com/sirupsen/logrus"

	"citydata/internal/config"
	"citydata/internal/dataset"
)

func init() {
	Register(config.KindSQLAPI, func(name string, sc config.SourceConfig, env Env) (Fetcher, error) {
		if sc.URL == "" || sc.Query == "" {
			return nil, fmt.Errorf("source %s: url and query are required", name)
		}
		return &SQLAPIFetcher{
			Name:      name,
			URL:       sc.URL,
			Query:     sc.Query,
			KeyColumn: sc.KeyColumn,
			CRS:       env.CRS,
			PageSize:  sc.PageSize,
			Workers:   sc.Workers,
			Client:    env.HTTPClient,
			Log:       env.Log.WithField("source", name),
		}, nil
	})
}

// SQLAPIFetcher runs a SQL query against a Carto-style SQL API that can
// answer in GeoJSON. The query is expected to reproject its geometry into
// CRS itself.
type SQLAPIFetcher struct {
	Name      string
	URL       string
	Query     string
	KeyColumn string
	CRS       string
	PageSize  int
	Workers   int
	Client    *http.Client
	Log       *logrus.Entry
}

type sqlAPICount struct {
	Rows []struct {
		Count int `json:"count"`
	} `json:"rows"`
	Error []string `json:"error"`
}

func (f *SQLAPIFetcher) Fetch(ctx context.Context) (*dataset.Dataset, error) {
	start := time.Now()
	inner := strings.TrimRight(strings.TrimSpace(f.Query), ";")

	var count sqlAPICount
	err := getJSON(ctx, f.Client, f.URL, url.Values{
		"q": {fmt.Sprintf("SELECT count(*) AS count FROM (%s) q", inner)},
	}, &count)
	if err != nil {
		return nil, transportErr(f.Name, fmt.Errorf("count: %w", err))
	}
	if len(count.Error) > 0 {
		return nil, transportErr(f.Name, fmt.Errorf("count: %s", strings.Join(count.Error, "; ")))
	}
	total := 0
	if len(count.Rows) > 0 {
		total = count.Rows[0].Count
	}

	chunks := pages(total, f.PageSize)
	results, err := fetchPages(ctx, chunks, workersOr(f.Workers), func(ctx context.Context, offset, limit int) (*geojson.FeatureCollection, error) {
		q := fmt.Sprintf("SELECT * FROM (%s) q", inner)
		if f.KeyColumn != "" {
			q += " ORDER BY " + f.KeyColumn
		}
		q += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
		body, err := get(ctx, f.Client, f.URL, url.Values{"q": {q}, "format": {"geojson"}})
		if err != nil {
			return nil, err
		}
		fc, err := geojson.UnmarshalFeatureCollection(body)
		if err != nil {
			return nil, fmt.Errorf("parse geojson: %w", err)
		}
		return fc, nil
	})
	if err != nil {
		return nil, transportErr(f.Name, err)
	}

	ds := collect(f.Name, f.KeyColumn, f.CRS, results)
	f.Log.WithFields(logrus.Fields{
		"records":  ds.Len(),
		"pages":    len(chunks),
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("source: fetched sql api")
	return ds, nil
}
