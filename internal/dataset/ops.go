package dataset

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/samber/lo"
)

// ── Whole-dataset operations ───────────────────────────────

// Dedupe drops records whose primary key was already seen, keeping the first
// occurrence. Records with a null key are never duplicates of each other and
// are all kept. It returns the number of records dropped.
func (d *Dataset) Dedupe() int {
	seen := make(map[string]bool, len(d.Records))
	kept := d.Records[:0]
	dropped := 0
	for i := range d.Records {
		if d.Records[i].Data[d.KeyColumn] == nil {
			kept = append(kept, d.Records[i])
			continue
		}
		k := d.Key(i)
		if seen[k] {
			dropped++
			continue
		}
		seen[k] = true
		kept = append(kept, d.Records[i])
	}
	d.Records = kept
	return dropped
}

// Filter returns a new Dataset with the records for which keep is true.
// The schema is shared by copy; records are not cloned.
func (d *Dataset) Filter(keep func(Record) bool) *Dataset {
	out := &Dataset{
		Name:      d.Name,
		KeyColumn: d.KeyColumn,
		CRS:       d.CRS,
		Boundary:  d.Boundary,
		Schema:    d.Schema.Clone(),
	}
	out.Records = lo.Filter(d.Records, func(r Record, _ int) bool { return keep(r) })
	return out
}

// Sample keeps every nth record starting with the first. n < 1 is treated as 1.
func (d *Dataset) Sample(n int) *Dataset {
	if n < 1 {
		n = 1
	}
	return d.filterIndex(func(i int) bool { return i%n == 0 })
}

func (d *Dataset) filterIndex(keep func(int) bool) *Dataset {
	out := &Dataset{
		Name:      d.Name,
		KeyColumn: d.KeyColumn,
		CRS:       d.CRS,
		Boundary:  d.Boundary,
		Schema:    d.Schema.Clone(),
	}
	for i, r := range d.Records {
		if keep(i) {
			out.Records = append(out.Records, r)
		}
	}
	return out
}

// CoerceNumeric converts the named column to float values. Values that
// cannot be parsed become null. The column is redeclared as TypeFloat unless
// it is already numeric. It returns how many non-null values became null.
func (d *Dataset) CoerceNumeric(col string) int {
	target := TypeFloat
	if f, ok := d.Schema.Field(col); ok && f.Type == TypeInteger {
		target = TypeInteger
	}
	failed := 0
	for i := range d.Records {
		v, ok := d.Records[i].Data[col]
		if !ok || v == nil {
			continue
		}
		n, err := Normalize(v, target)
		if err != nil {
			d.Records[i].Data[col] = nil
			failed++
			continue
		}
		d.Records[i].Data[col] = n
	}
	declared := false
	for i, f := range d.Schema.Fields {
		if f.Name != col {
			continue
		}
		declared = true
		if !f.Type.Numeric() {
			d.Schema.Fields[i] = Field{Name: col, Type: TypeFloat}
		}
	}
	if !declared {
		d.Schema.Fields = append(d.Schema.Fields, Field{Name: col, Type: TypeFloat})
	}
	return failed
}

// ── Value helpers ──────────────────────────────────────────

// ToFloat converts a numeric or numeric-looking value to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		return 0, false
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.ReplaceAll(n, ",", "")), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Normalize converts a raw value to the canonical Go type for t:
// string, int64, float64 or bool. nil stays nil.
func Normalize(v any, t FieldType) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeString, TypeCategory:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	case TypeInteger:
		switch n := v.(type) {
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case bool:
			if n {
				return int64(1), nil
			}
			return int64(0), nil
		}
		f, ok := ToFloat(v)
		if !ok || f != math.Trunc(f) {
			return nil, fmt.Errorf("%v is not an integer", v)
		}
		return int64(f), nil
	case TypeFloat:
		f, ok := ToFloat(v)
		if !ok {
			return nil, fmt.Errorf("%v is not a number", v)
		}
		return f, nil
	case TypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case int64:
			return b != 0, nil
		case float64:
			return b != 0, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(b)) {
			case "true", "t", "yes", "y", "1":
				return true, nil
			case "false", "f", "no", "n", "0":
				return false, nil
			}
		}
		return nil, fmt.Errorf("%v is not a boolean", v)
	default:
		return v, nil
	}
}

// ValuesEqual compares two attribute values. Nulls equal nulls, numbers
// compare by value regardless of integer/float representation.
func ValuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if _, isStr := a.(string); !isStr {
		if fa, ok := ToFloat(a); ok {
			if _, isStrB := b.(string); !isStrB {
				if fb, ok := ToFloat(b); ok {
					return fa == fb || (math.IsNaN(fa) && math.IsNaN(fb))
				}
			}
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// GeometriesEqual compares two geometries, treating two nils as equal.
func GeometriesEqual(a, b orb.Geometry) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return orb.Equal(a, b)
}

// Equal reports whether two datasets hold the same keyed records, the same
// schema (compared as a set of columns) and the same CRS. Record order matters;
// column order does not.
func Equal(a, b *Dataset) bool {
	if a.KeyColumn != b.KeyColumn || a.CRS != b.CRS || a.Len() != b.Len() {
		return false
	}
	if !SchemasEqual(a.Schema, b.Schema) {
		return false
	}
	names := a.Schema.FieldNames()
	for i := range a.Records {
		ra, rb := a.Records[i], b.Records[i]
		for _, n := range names {
			if !ValuesEqual(ra.Data[n], rb.Data[n]) {
				return false
			}
		}
		if !GeometriesEqual(ra.Geometry, rb.Geometry) {
			return false
		}
	}
	return true
}

// SchemasEqual compares two schemas ignoring column order.
func SchemasEqual(a, b Schema) bool {
	if len(a.Fields) != len(b.Fields) {
		return false
	}
	for _, fa := range a.Fields {
		fb, ok := b.Field(fa.Name)
		if !ok || fa.Type != fb.Type {
			return false
		}
		ca := append([]string(nil), fa.Categories...)
		cb := append([]string(nil), fb.Categories...)
		sort.Strings(ca)
		sort.Strings(cb)
		if strings.Join(ca, "\x00") != strings.Join(cb, "\x00") {
			return false
		}
	}
	return true
}

// SharedColumns returns the column names present in both schemas,
// in the order of a.
func SharedColumns(a, b Schema) []string {
	return lo.Filter(a.FieldNames(), func(n string, _ int) bool { return b.Has(n) })
}
