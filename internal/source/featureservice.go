package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/paulmach/orb/geojson"
	"github.com/sirupsen/logrus"

	"citydata/internal/config"
	"citydata/internal/dataset"
)

func init() {
	Register(config.KindFeatureService, func(name string, sc config.SourceConfig, env Env) (Fetcher, error) {
		if sc.URL == "" {
			return nil, fmt.Errorf("source %s: url is required", name)
		}
		return &FeatureServiceFetcher{
			Name:      name,
			URL:       sc.URL,
			KeyColumn: sc.KeyColumn,
			CRS:       env.CRS,
			PageSize:  sc.PageSize,
			Workers:   sc.Workers,
			Client:    env.HTTPClient,
			Log:       env.Log.WithField("source", name),
		}, nil
	})
}

// FeatureServiceFetcher pages through an ArcGIS FeatureServer layer query
// endpoint, asking the server to reproject into CRS.
type FeatureServiceFetcher struct {
	Name      string
	URL       string
	KeyColumn string
	CRS       string
	PageSize  int
	Workers   int
	Client    *http.Client
	Log       *logrus.Entry
}

type arcgisCount struct {
	Count int          `json:"count"`
	Error *arcgisError `json:"error"`
}

type arcgisError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (f *FeatureServiceFetcher) Fetch(ctx context.Context) (*dataset.Dataset, error) {
	start := time.Now()
	srid, err := dataset.SRID(f.CRS)
	if err != nil {
		return nil, err
	}

	var count arcgisCount
	err = getJSON(ctx, f.Client, f.URL, url.Values{
		"where":           {"1=1"},
		"returnCountOnly": {"true"},
		"f":               {"json"},
	}, &count)
	if err != nil {
		return nil, transportErr(f.Name, fmt.Errorf("count: %w", err))
	}
	if count.Error != nil {
		return nil, transportErr(f.Name, fmt.Errorf("count: arcgis %d: %s", count.Error.Code, count.Error.Message))
	}

	chunks := pages(count.Count, f.PageSize)
	results, err := fetchPages(ctx, chunks, workersOr(f.Workers), func(ctx context.Context, offset, limit int) (*geojson.FeatureCollection, error) {
		params := url.Values{
			"where":             {"1=1"},
			"outFields":         {"*"},
			"outSR":             {strconv.Itoa(srid)},
			"f":                 {"geojson"},
			"resultOffset":      {strconv.Itoa(offset)},
			"resultRecordCount": {strconv.Itoa(limit)},
		}
		if f.KeyColumn != "" {
			params.Set("orderByFields", f.KeyColumn)
		}
		body, err := get(ctx, f.Client, f.URL, params)
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
	}).Info("source: fetched feature service")
	return ds, nil
}
