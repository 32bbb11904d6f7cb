package source

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/sirupsen/logrus"

	"citydata/internal/config"
	"citydata/internal/dataset"
)

// ── File Source ─────────────────────────────────────────────
// Reads a local CSV or GeoJSON export. Pairs with the file_watch trigger.

func init() {
	Register(config.KindFile, func(name string, sc config.SourceConfig, env Env) (Fetcher, error) {
		format := fileFormat(sc.Path)
		if format == "" {
			return nil, fmt.Errorf("source %s: unsupported file type %q", name, filepath.Ext(sc.Path))
		}
		return &FileFetcher{
			Name:       name,
			Path:       sc.Path,
			Format:     format,
			KeyColumn:  sc.KeyColumn,
			GeomColumn: sc.GeomColumn,
			Delimiter:  sc.Delimiter,
			CRS:        env.CRS,
			Log:        env.Log.WithField("source", name),
		}, nil
	})
}

// File formats.
const (
	FileCSV     = "csv"
	FileGeoJSON = "geojson"
)

func fileFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".tsv", ".txt":
		return FileCSV
	case ".geojson", ".json":
		return FileGeoJSON
	}
	return ""
}

// FileFetcher reads a local file already in CRS. CSV geometry is WKT or hex
// WKB in GeomColumn.
type FileFetcher struct {
	Name       string
	Path       string
	Format     string
	KeyColumn  string
	GeomColumn string
	Delimiter  string
	CRS        string
	Log        *logrus.Entry
}

func (f *FileFetcher) Fetch(ctx context.Context) (*dataset.Dataset, error) {
	start := time.Now()
	var (
		ds  *dataset.Dataset
		err error
	)
	switch f.Format {
	case FileGeoJSON:
		ds, err = f.readGeoJSON()
	default:
		ds, err = f.readCSV()
	}
	if err != nil {
		return nil, transportErr(f.Name, err)
	}
	f.Log.WithFields(logrus.Fields{
		"records":  ds.Len(),
		"path":     f.Path,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("source: read file")
	return ds, nil
}

func (f *FileFetcher) readGeoJSON() (*dataset.Dataset, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parse geojson: %w", err)
	}
	return collect(f.Name, f.KeyColumn, f.CRS, []*geojson.FeatureCollection{fc}), nil
}

func (f *FileFetcher) readCSV() (*dataset.Dataset, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	if f.Delimiter != "" {
		reader.Comma = rune(f.Delimiter[0])
	}
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("empty csv file")
	}

	header := records[0]
	b := dataset.NewBuilder(f.Name, f.KeyColumn, f.CRS)
	for n, row := range records[1:] {
		data := make(map[string]any, len(header))
		var geom orb.Geometry
		for j, h := range header {
			if j >= len(row) {
				data[h] = nil
				continue
			}
			if h == f.GeomColumn {
				g, err := parseGeometryText(row[j])
				if err != nil {
					return nil, fmt.Errorf("row %d: %w", n+2, err)
				}
				geom = g
				continue
			}
			if h == f.KeyColumn {
				// Keys stay textual so "007" keeps its zeros.
				data[h] = emptyToNil(row[j])
				continue
			}
			data[h] = dataset.ParseCell(row[j])
		}
		b.Add(data, geom)
	}
	return b.Build(), nil
}

func emptyToNil(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return s
}
