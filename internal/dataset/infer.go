package dataset

import (
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// ── Schema inference ───────────────────────────────────────

// ParseCell reads a text cell as an integer, a float or a bool, falling back
// to the trimmed string. Blank cells are nil.
func ParseCell(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}

// TypeOf returns the field type a raw value suggests, "" for nil.
func TypeOf(v any) FieldType {
	switch v.(type) {
	case nil:
		return ""
	case int, int32, int64:
		return TypeInteger
	case float32, float64:
		return TypeFloat
	case bool:
		return TypeBoolean
	default:
		return TypeString
	}
}

// Widen merges two observed column types. Integers widen to float, any
// other disagreement falls back to string.
func Widen(a, b FieldType) FieldType {
	switch {
	case a == "":
		return b
	case b == "" || a == b:
		return a
	case a.Numeric() && b.Numeric():
		return TypeFloat
	default:
		return TypeString
	}
}

// Builder accumulates loosely typed rows and produces a Dataset whose
// schema is inferred from the values. Columns keep first-seen order; the
// key column is always a string.
type Builder struct {
	name, key, crs string

	order []string
	types map[string]FieldType
	rows  []Record
}

// NewBuilder starts a dataset with the given name, key column and CRS.
func NewBuilder(name, keyColumn, crs string) *Builder {
	return &Builder{name: name, key: keyColumn, crs: crs, types: map[string]FieldType{}}
}

// Add appends one row. The map is retained.
func (b *Builder) Add(data map[string]any, geom orb.Geometry) {
	if data == nil {
		data = map[string]any{}
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := data[k]
		if _, seen := b.types[k]; !seen {
			b.order = append(b.order, k)
			b.types[k] = ""
		}
		b.types[k] = Widen(b.types[k], TypeOf(v))
	}
	b.rows = append(b.rows, Record{Data: data, Geometry: geom})
}

// Len returns the number of rows added so far.
func (b *Builder) Len() int { return len(b.rows) }

// Build normalizes every value to its inferred column type.
func (b *Builder) Build() *Dataset {
	ds := New(b.name, b.key, b.crs)
	if b.key != "" {
		ds.Schema.Fields = append(ds.Schema.Fields, Field{Name: b.key, Type: TypeString})
	}
	for _, name := range b.order {
		if name == b.key {
			continue
		}
		t := b.types[name]
		if t == "" {
			t = TypeString
		}
		ds.Schema.Fields = append(ds.Schema.Fields, Field{Name: name, Type: t})
	}
	for _, r := range b.rows {
		for _, f := range ds.Schema.Fields {
			v := r.Data[f.Name]
			if n, err := Normalize(v, f.Type); err == nil {
				v = n
			}
			r.Data[f.Name] = v
		}
	}
	ds.Records = b.rows
	return ds
}
