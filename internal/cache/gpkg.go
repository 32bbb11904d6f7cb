package cache

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	_ "modernc.org/sqlite"

	"citydata/internal/dataset"
)

// ── GeoPackage codec ───────────────────────────────────────
// A snapshot is a single-layer GeoPackage: one "features" table with typed
// columns and a GeoPackage-binary geometry column, plus two side tables
// that keep what the format has no slot for (declared field types,
// category sets, key column).

const (
	featuresTable = "features"
	// The codec's own columns are namespaced so attribute names such as
	// FID or geom (common in ArcGIS exports) stay free for datasets.
	fidColumn  = "citydata_fid"
	geomColumn = "citydata_geom"

	gpkgApplicationID = 0x47504B47 // "GPKG"
	gpkgUserVersion   = 10300
)

func openGeoPackage(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}

func writeGeoPackage(path string, ds *dataset.Dataset) error {
	// -1 is the GeoPackage "undefined cartesian" SRS.
	srid, srsName := -1, "undefined"
	if ds.CRS != "" {
		n, err := dataset.SRID(ds.CRS)
		if err != nil {
			return err
		}
		srid, srsName = n, ds.CRS
	}

	if err := checkColumnNames(ds.Schema.Fields); err != nil {
		return err
	}

	conn, err := openGeoPackage(path)
	if err != nil {
		return err
	}
	defer conn.Close()

	columns := make([]string, 0, len(ds.Schema.Fields)+2)
	columns = append(columns, fidColumn+" INTEGER PRIMARY KEY AUTOINCREMENT", geomColumn+" BLOB")
	for _, f := range ds.Schema.Fields {
		columns = append(columns, quoteIdent(f.Name)+" "+sqlType(f.Type))
	}

	statements := []string{
		fmt.Sprintf(`PRAGMA application_id = %d`, gpkgApplicationID),
		fmt.Sprintf(`PRAGMA user_version = %d`, gpkgUserVersion),
		`CREATE TABLE gpkg_spatial_ref_sys (
			srs_name TEXT NOT NULL,
			srs_id INTEGER NOT NULL PRIMARY KEY,
			organization TEXT NOT NULL,
			organization_coordsys_id INTEGER NOT NULL,
			definition TEXT NOT NULL,
			description TEXT
		)`,
		`CREATE TABLE gpkg_contents (
			table_name TEXT NOT NULL PRIMARY KEY,
			data_type TEXT NOT NULL,
			identifier TEXT UNIQUE,
			description TEXT DEFAULT '',
			last_change DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			min_x DOUBLE, min_y DOUBLE, max_x DOUBLE, max_y DOUBLE,
			srs_id INTEGER REFERENCES gpkg_spatial_ref_sys(srs_id)
		)`,
		`CREATE TABLE gpkg_geometry_columns (
			table_name TEXT NOT NULL,
			column_name TEXT NOT NULL,
			geometry_type_name TEXT NOT NULL,
			srs_id INTEGER NOT NULL,
			z TINYINT NOT NULL,
			m TINYINT NOT NULL,
			CONSTRAINT pk_geom_cols PRIMARY KEY (table_name, column_name)
		)`,
		`CREATE TABLE citydata_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE citydata_fields (
			ordinal INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			categories TEXT NOT NULL DEFAULT '[]'
		)`,
		fmt.Sprintf(`CREATE TABLE %s (%s)`, featuresTable, strings.Join(columns, ", ")),
	}
	for _, stmt := range statements {
		if _, err := conn.Exec(stmt); err != nil {
			return fmt.Errorf("create geopackage: %w", err)
		}
	}

	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	bound := datasetBound(ds)
	if _, err := tx.Exec(`INSERT INTO gpkg_spatial_ref_sys VALUES (?, ?, 'EPSG', ?, 'undefined', NULL)`,
		srsName, srid, srid); err != nil {
		return fmt.Errorf("insert srs: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO gpkg_contents (table_name, data_type, identifier, min_x, min_y, max_x, max_y, srs_id)
		VALUES (?, 'features', ?, ?, ?, ?, ?, ?)`,
		featuresTable, ds.Name, bound.Min[0], bound.Min[1], bound.Max[0], bound.Max[1], srid); err != nil {
		return fmt.Errorf("insert contents: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO gpkg_geometry_columns VALUES (?, ?, 'GEOMETRY', ?, 0, 0)`,
		featuresTable, geomColumn, srid); err != nil {
		return fmt.Errorf("insert geometry column: %w", err)
	}
	meta := map[string]string{"name": ds.Name, "key_column": ds.KeyColumn, "crs": ds.CRS}
	for k, v := range meta {
		if _, err := tx.Exec(`INSERT INTO citydata_meta (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("insert meta: %w", err)
		}
	}
	for i, f := range ds.Schema.Fields {
		cats, _ := json.Marshal(f.Categories)
		if f.Categories == nil {
			cats = []byte("[]")
		}
		if _, err := tx.Exec(`INSERT INTO citydata_fields (ordinal, name, type, categories) VALUES (?, ?, ?, ?)`,
			i, f.Name, string(f.Type), string(cats)); err != nil {
			return fmt.Errorf("insert field: %w", err)
		}
	}

	names := make([]string, 0, len(ds.Schema.Fields)+1)
	marks := make([]string, 0, len(ds.Schema.Fields)+1)
	names = append(names, geomColumn)
	marks = append(marks, "?")
	for _, f := range ds.Schema.Fields {
		names = append(names, quoteIdent(f.Name))
		marks = append(marks, "?")
	}
	stmt, err := tx.Prepare(fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		featuresTable, strings.Join(names, ", "), strings.Join(marks, ", ")))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	args := make([]any, len(names))
	for i, r := range ds.Records {
		blob, err := encodeGeometry(r.Geometry, srid)
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		args[0] = blob
		for j, f := range ds.Schema.Fields {
			args[j+1] = toSQLValue(r.Data[f.Name], f.Type)
		}
		if _, err := stmt.Exec(args...); err != nil {
			return fmt.Errorf("insert record %d: %w", i, err)
		}
	}
	return tx.Commit()
}

func readGeoPackage(path string) (*dataset.Dataset, error) {
	conn, err := openGeoPackage(path)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	meta := map[string]string{}
	rows, err := conn.Query(`SELECT key, value FROM citydata_meta`)
	if err != nil {
		return nil, fmt.Errorf("read meta: %w", err)
	}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan meta: %w", err)
		}
		meta[k] = v
	}
	rows.Close()

	ds := dataset.New(meta["name"], meta["key_column"], meta["crs"])
	rows, err = conn.Query(`SELECT name, type, categories FROM citydata_fields ORDER BY ordinal`)
	if err != nil {
		return nil, fmt.Errorf("read fields: %w", err)
	}
	for rows.Next() {
		var name, typ, cats string
		if err := rows.Scan(&name, &typ, &cats); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan field: %w", err)
		}
		f := dataset.Field{Name: name, Type: dataset.FieldType(typ)}
		if err := json.Unmarshal([]byte(cats), &f.Categories); err != nil {
			rows.Close()
			return nil, fmt.Errorf("field %s categories: %w", name, err)
		}
		if len(f.Categories) == 0 {
			f.Categories = nil
		}
		ds.Schema.Fields = append(ds.Schema.Fields, f)
	}
	rows.Close()

	var geomCol string
	err = conn.QueryRow(`SELECT column_name FROM gpkg_geometry_columns WHERE table_name = ?`, featuresTable).Scan(&geomCol)
	if err != nil {
		return nil, fmt.Errorf("read geometry column: %w", err)
	}
	names := []string{quoteIdent(geomCol)}
	for _, f := range ds.Schema.Fields {
		names = append(names, quoteIdent(f.Name))
	}
	rows, err = conn.Query(fmt.Sprintf(`SELECT %s FROM %s ORDER BY %s`,
		strings.Join(names, ", "), featuresTable, fidColumn))
	if err != nil {
		return nil, fmt.Errorf("read features: %w", err)
	}
	defer rows.Close()

	values := make([]any, len(names))
	ptrs := make([]any, len(names))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan feature: %w", err)
		}
		var geom orb.Geometry
		if blob, ok := values[0].([]byte); ok && len(blob) > 0 {
			geom, err = decodeGeometry(blob)
			if err != nil {
				return nil, fmt.Errorf("feature %d: %w", ds.Len(), err)
			}
		}
		data := make(map[string]any, len(ds.Schema.Fields))
		for j, f := range ds.Schema.Fields {
			data[f.Name] = fromSQLValue(values[j+1], f.Type)
		}
		ds.Append(data, geom)
	}
	return ds, rows.Err()
}

// encodeGeometry wraps WKB in the GeoPackage binary header: magic "GP",
// version 0, flags (little-endian, no envelope) and the SRS id.
func encodeGeometry(g orb.Geometry, srid int) ([]byte, error) {
	if g == nil {
		return nil, nil
	}
	body, err := wkb.Marshal(g, binary.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("encode wkb: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(8 + len(body))
	buf.Write([]byte{'G', 'P', 0, 0x01})
	_ = binary.Write(&buf, binary.LittleEndian, int32(srid))
	buf.Write(body)
	return buf.Bytes(), nil
}

func decodeGeometry(blob []byte) (orb.Geometry, error) {
	if len(blob) < 8 || blob[0] != 'G' || blob[1] != 'P' {
		return nil, fmt.Errorf("not a geopackage geometry")
	}
	flags := blob[3]
	envelope := 0
	switch (flags >> 1) & 0x07 {
	case 0:
	case 1:
		envelope = 32
	case 2, 3:
		envelope = 48
	case 4:
		envelope = 64
	default:
		return nil, fmt.Errorf("invalid envelope indicator in flags %#x", flags)
	}
	if flags&0x10 != 0 {
		return nil, nil
	}
	start := 8 + envelope
	if len(blob) < start {
		return nil, fmt.Errorf("truncated geopackage geometry")
	}
	g, err := wkb.Unmarshal(blob[start:])
	if err != nil {
		return nil, fmt.Errorf("decode wkb: %w", err)
	}
	return g, nil
}

func datasetBound(ds *dataset.Dataset) orb.Bound {
	var b orb.Bound
	first := true
	for _, r := range ds.Records {
		if r.Geometry == nil {
			continue
		}
		if first {
			b = r.Geometry.Bound()
			first = false
			continue
		}
		b = b.Union(r.Geometry.Bound())
	}
	return b
}

// checkColumnNames rejects fields SQLite would see as duplicate columns.
// Identifiers compare case-insensitively there.
func checkColumnNames(fields []dataset.Field) error {
	seen := map[string]string{
		fidColumn:  fidColumn,
		geomColumn: geomColumn,
	}
	for _, f := range fields {
		folded := strings.ToLower(f.Name)
		if prev, ok := seen[folded]; ok {
			return fmt.Errorf("field %q collides with column %q", f.Name, prev)
		}
		seen[folded] = f.Name
	}
	return nil
}

func sqlType(t dataset.FieldType) string {
	switch t {
	case dataset.TypeInteger:
		return "INTEGER"
	case dataset.TypeFloat:
		return "REAL"
	case dataset.TypeBoolean:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

// toSQLValue stores values in the column's canonical type. Values that do
// not convert are stored as-is so a round trip preserves them.
func toSQLValue(v any, t dataset.FieldType) any {
	if v == nil {
		return nil
	}
	n, err := dataset.Normalize(v, t)
	if err != nil {
		switch v.(type) {
		case string, int64, float64, bool:
			return v
		}
		return fmt.Sprint(v)
	}
	if b, ok := n.(bool); ok {
		if b {
			return int64(1)
		}
		return int64(0)
	}
	return n
}

func fromSQLValue(v any, t dataset.FieldType) any {
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		v = string(x)
	}
	switch t {
	case dataset.TypeBoolean:
		if n, ok := v.(int64); ok {
			return n != 0
		}
	case dataset.TypeFloat:
		if n, ok := v.(int64); ok {
			return float64(n)
		}
	}
	return v
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
