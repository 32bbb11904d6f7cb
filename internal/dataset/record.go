package dataset

import (
	"fmt"

	"github.com/paulmach/orb"
)

// ── Record ─────────────────────────────────────────────────
// Common in-memory data format.
// Every loader emits a Dataset, every stage consumes and returns one,
// and the cache codecs serialize it.

// FieldType is the declared type of an attribute column.
type FieldType string

const (
	TypeString   FieldType = "string"
	TypeInteger  FieldType = "integer"
	TypeFloat    FieldType = "float"
	TypeBoolean  FieldType = "boolean"
	TypeCategory FieldType = "category"
)

// Numeric reports whether values of this type are numbers.
func (t FieldType) Numeric() bool {
	return t == TypeInteger || t == TypeFloat
}

// Field describes a single attribute column.
type Field struct {
	Name       string    `json:"name"`
	Type       FieldType `json:"type"`
	Categories []string  `json:"categories,omitempty"` // allowed values for TypeCategory
}

// Schema describes the attribute columns shared by all records of a Dataset.
// The geometry column is implicit and never listed.
type Schema struct {
	Fields []Field `json:"fields"`
}

// FieldNames returns an ordered list of field names.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Field looks up a column by name.
func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Has reports whether the schema declares the named column.
func (s *Schema) Has(name string) bool {
	_, ok := s.Field(name)
	return ok
}

// Clone returns a deep copy of the schema.
func (s Schema) Clone() Schema {
	out := Schema{Fields: make([]Field, len(s.Fields))}
	for i, f := range s.Fields {
		out.Fields[i] = Field{Name: f.Name, Type: f.Type, Categories: append([]string(nil), f.Categories...)}
	}
	return out
}

// Record is a single keyed entity: typed attributes plus one geometry.
// A nil attribute value is null.
type Record struct {
	Data     map[string]any `json:"data"`
	Geometry orb.Geometry   `json:"-"`
}

// Get returns the attribute value, nil when absent.
func (r Record) Get(col string) any {
	return r.Data[col]
}

// Clone returns a copy whose attribute map can be mutated independently.
// Geometries are treated as immutable and shared.
func (r Record) Clone() Record {
	data := make(map[string]any, len(r.Data))
	for k, v := range r.Data {
		data[k] = v
	}
	return Record{Data: data, Geometry: r.Geometry}
}

// ── Dataset ────────────────────────────────────────────────

// Dataset is an ordered collection of records sharing one schema,
// one coordinate reference system and one bounding region.
type Dataset struct {
	Name      string       `json:"name"`
	KeyColumn string       `json:"keyColumn"`
	CRS       string       `json:"crs"`
	Boundary  orb.Geometry `json:"-"`
	Schema    Schema       `json:"schema"`
	Records   []Record     `json:"records"`
}

// New creates an empty Dataset.
func New(name, keyColumn, crs string, fields ...Field) *Dataset {
	return &Dataset{
		Name:      name,
		KeyColumn: keyColumn,
		CRS:       crs,
		Schema:    Schema{Fields: fields},
	}
}

// Len returns the number of records.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Records)
}

// Append adds a record. Attributes not declared in the schema are kept as-is;
// callers declare them through AddColumn.
func (d *Dataset) Append(data map[string]any, geom orb.Geometry) {
	d.Records = append(d.Records, Record{Data: data, Geometry: geom})
}

// Clone returns a deep copy suitable for handing to a stage.
func (d *Dataset) Clone() *Dataset {
	out := &Dataset{
		Name:      d.Name,
		KeyColumn: d.KeyColumn,
		CRS:       d.CRS,
		Boundary:  d.Boundary,
		Schema:    d.Schema.Clone(),
		Records:   make([]Record, len(d.Records)),
	}
	for i, r := range d.Records {
		out.Records[i] = r.Clone()
	}
	return out
}

// Key returns the primary key of record i rendered as a string.
// Null keys render as the empty string.
func (d *Dataset) Key(i int) string {
	v := d.Records[i].Data[d.KeyColumn]
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Keys returns all primary keys in record order.
func (d *Dataset) Keys() []string {
	keys := make([]string, len(d.Records))
	for i := range d.Records {
		keys[i] = d.Key(i)
	}
	return keys
}

// KeySet returns the set of primary keys.
func (d *Dataset) KeySet() map[string]struct{} {
	set := make(map[string]struct{}, len(d.Records))
	for i := range d.Records {
		set[d.Key(i)] = struct{}{}
	}
	return set
}

// Column returns the values of one attribute in record order.
func (d *Dataset) Column(name string) []any {
	out := make([]any, len(d.Records))
	for i, r := range d.Records {
		out[i] = r.Data[name]
	}
	return out
}

// AddColumn declares a new column, or returns an error if a column with the
// same name but a different type already exists. Redeclaring with the same
// type is a no-op so stages can be rerun on a cached dataset.
func (d *Dataset) AddColumn(f Field) error {
	if existing, ok := d.Schema.Field(f.Name); ok {
		if existing.Type != f.Type {
			return fmt.Errorf("column %q already declared as %s, cannot redeclare as %s", f.Name, existing.Type, f.Type)
		}
		return nil
	}
	d.Schema.Fields = append(d.Schema.Fields, f)
	return nil
}

// Set assigns a value for record i.
func (d *Dataset) Set(i int, col string, v any) {
	if d.Records[i].Data == nil {
		d.Records[i].Data = make(map[string]any)
	}
	d.Records[i].Data[col] = v
}
