package cache

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"

	"citydata/internal/dataset"
)

// ── CSV codec ──────────────────────────────────────────────
// Flat table: key column first, attributes, then geometry as WKT. Nothing
// but the header survives about the schema, so types are inferred on read
// and the CRS comes from the manager.

const csvGeometryColumn = "geometry"

func writeCSV(path string, ds *dataset.Dataset) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	header := make([]string, 0, len(ds.Schema.Fields)+1)
	if ds.KeyColumn != "" && ds.Schema.Has(ds.KeyColumn) {
		header = append(header, ds.KeyColumn)
	}
	for _, field := range ds.Schema.Fields {
		if field.Name != ds.KeyColumn {
			header = append(header, field.Name)
		}
	}
	header = append(header, csvGeometryColumn)

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return fmt.Errorf("write header: %w", err)
	}
	row := make([]string, len(header))
	for _, r := range ds.Records {
		for i, col := range header[:len(header)-1] {
			row[i] = formatCSVValue(r.Data[col])
		}
		row[len(row)-1] = ""
		if r.Geometry != nil {
			row[len(row)-1] = wkt.MarshalString(r.Geometry)
		}
		if err := w.Write(row); err != nil {
			f.Close()
			return fmt.Errorf("write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("flush csv: %w", err)
	}
	return f.Close()
}

func readCSV(path, crs string) (*dataset.Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.LazyQuotes = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("empty csv file")
	}

	header := records[0]
	geomIdx := -1
	for i, h := range header {
		if h == csvGeometryColumn {
			geomIdx = i
		}
	}
	key := ""
	if len(header) > 0 && geomIdx != 0 {
		key = header[0]
	}

	// First pass: infer the value of every cell and widen each column's type.
	rows := records[1:]
	values := make([][]any, len(rows))
	types := make([]dataset.FieldType, len(header))
	for i, row := range rows {
		values[i] = make([]any, len(header))
		for j := range header {
			if j == geomIdx || j >= len(row) {
				continue
			}
			var v any
			if j == 0 && key != "" {
				v = emptyToNil(row[j])
			} else {
				v = dataset.ParseCell(row[j])
			}
			values[i][j] = v
			types[j] = dataset.Widen(types[j], dataset.TypeOf(v))
		}
	}

	ds := dataset.New("", key, crs)
	for j, h := range header {
		if j == geomIdx {
			continue
		}
		t := types[j]
		if t == "" || (j == 0 && key != "") {
			t = dataset.TypeString
		}
		ds.Schema.Fields = append(ds.Schema.Fields, dataset.Field{Name: h, Type: t})
	}

	for i, row := range rows {
		data := make(map[string]any, len(ds.Schema.Fields))
		for j, h := range header {
			if j == geomIdx {
				continue
			}
			field, _ := ds.Schema.Field(h)
			v := values[i][j]
			if n, err := dataset.Normalize(v, field.Type); err == nil {
				v = n
			}
			data[h] = v
		}
		var geom orb.Geometry
		if geomIdx >= 0 && geomIdx < len(row) && strings.TrimSpace(row[geomIdx]) != "" {
			geom, err = wkt.Unmarshal(row[geomIdx])
			if err != nil {
				return nil, fmt.Errorf("row %d geometry: %w", i+1, err)
			}
		}
		ds.Append(data, geom)
	}
	return ds, nil
}

func formatCSVValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

func emptyToNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}
