package pipeline

import (
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// LoadBoundary reads a GeoJSON file and merges its polygons into one
// MultiPolygon. An empty path yields a nil boundary, which disables the
// within-region check.
func LoadBoundary(path string) (orb.Geometry, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read boundary: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parse boundary: %w", err)
	}

	var mp orb.MultiPolygon
	for _, f := range fc.Features {
		switch g := f.Geometry.(type) {
		case orb.Polygon:
			mp = append(mp, g)
		case orb.MultiPolygon:
			mp = append(mp, g...)
		}
	}
	if len(mp) == 0 {
		return nil, fmt.Errorf("boundary %s holds no polygons", path)
	}
	if len(mp) == 1 {
		return mp[0], nil
	}
	return mp, nil
}
