package cache

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/paulmach/orb/geojson"

	"citydata/internal/dataset"
)

// ── GeoJSON codec ──────────────────────────────────────────
// A FeatureCollection with foreign members "name", "crs", "key_column" and
// "fields". Readers that ignore foreign members still get plain GeoJSON.

type featureDoc struct {
	Type       string            `json:"type"`
	Geometry   *geojson.Geometry `json:"geometry"`
	Properties map[string]any    `json:"properties"`
}

type collectionDoc struct {
	Type      string          `json:"type"`
	Name      string          `json:"name,omitempty"`
	CRS       string          `json:"crs,omitempty"`
	KeyColumn string          `json:"key_column,omitempty"`
	Fields    []dataset.Field `json:"fields"`
	Features  []featureDoc    `json:"features"`
}

// EncodeGeoJSON writes ds as a FeatureCollection.
func EncodeGeoJSON(w io.Writer, ds *dataset.Dataset) error {
	doc := collectionDoc{
		Type:      "FeatureCollection",
		Name:      ds.Name,
		CRS:       ds.CRS,
		KeyColumn: ds.KeyColumn,
		Fields:    ds.Schema.Fields,
		Features:  make([]featureDoc, len(ds.Records)),
	}
	if doc.Fields == nil {
		doc.Fields = []dataset.Field{}
	}
	for i, r := range ds.Records {
		props := make(map[string]any, len(ds.Schema.Fields))
		for _, f := range ds.Schema.Fields {
			props[f.Name] = r.Data[f.Name]
		}
		feat := featureDoc{Type: "Feature", Properties: props}
		if r.Geometry != nil {
			feat.Geometry = geojson.NewGeometry(r.Geometry)
		}
		doc.Features[i] = feat
	}
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		return fmt.Errorf("encode geojson: %w", err)
	}
	return nil
}

// DecodeGeoJSON reads a FeatureCollection. When the collection carries no
// field list the schema is inferred from the property values.
func DecodeGeoJSON(r io.Reader) (*dataset.Dataset, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read geojson: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(raw)
	if err != nil {
		return nil, fmt.Errorf("decode geojson: %w", err)
	}

	name, key, crs := memberString(fc, "name"), memberString(fc, "key_column"), memberString(fc, "crs")
	rawFields, ok := fc.ExtraMembers["fields"]
	if !ok {
		b := dataset.NewBuilder(name, key, crs)
		for _, f := range fc.Features {
			b.Add(f.Properties, f.Geometry)
		}
		return b.Build(), nil
	}

	ds := dataset.New(name, key, crs)
	raw, _ = json.Marshal(rawFields)
	if err := json.Unmarshal(raw, &ds.Schema.Fields); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	for _, f := range fc.Features {
		data := make(map[string]any, len(ds.Schema.Fields))
		for _, field := range ds.Schema.Fields {
			v := f.Properties[field.Name]
			if n, err := dataset.Normalize(v, field.Type); err == nil {
				v = n
			}
			data[field.Name] = v
		}
		ds.Append(data, f.Geometry)
	}
	return ds, nil
}

func memberString(fc *geojson.FeatureCollection, key string) string {
	s, _ := fc.ExtraMembers[key].(string)
	return s
}

func writeGeoJSON(path string, ds *dataset.Dataset) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if err := EncodeGeoJSON(f, ds); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readGeoJSON(path string) (*dataset.Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()
	return DecodeGeoJSON(f)
}
