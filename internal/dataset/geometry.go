package dataset

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// ── Geometry helpers ───────────────────────────────────────

// SRID extracts the numeric code from an identifier such as "EPSG:2272".
func SRID(crs string) (int, error) {
	code := crs
	if i := strings.LastIndex(crs, ":"); i >= 0 {
		code = crs[i+1:]
	}
	n, err := strconv.Atoi(strings.TrimSpace(code))
	if err != nil {
		return 0, fmt.Errorf("parse crs %q: %w", crs, err)
	}
	return n, nil
}

// CRSFromSRID renders an EPSG identifier.
func CRSFromSRID(srid int) string {
	return fmt.Sprintf("EPSG:%d", srid)
}

// RepresentativePoint returns a point standing in for the geometry:
// the point itself, or the planar centroid for anything else.
func RepresentativePoint(g orb.Geometry) orb.Point {
	if p, ok := g.(orb.Point); ok {
		return p
	}
	c, _ := planar.CentroidArea(g)
	return c
}

// CheckGeometry returns a description of why g is not a valid point or
// polygon, or "" when it is.
func CheckGeometry(g orb.Geometry) string {
	switch v := g.(type) {
	case nil:
		return "null geometry"
	case orb.Point:
		if !finite(v) {
			return "point has non-finite coordinates"
		}
		return ""
	case orb.Polygon:
		return checkPolygon(v)
	case orb.MultiPolygon:
		if len(v) == 0 {
			return "empty multipolygon"
		}
		for _, p := range v {
			if msg := checkPolygon(p); msg != "" {
				return msg
			}
		}
		return ""
	default:
		return fmt.Sprintf("unsupported geometry type %s", g.GeoJSONType())
	}
}

func checkPolygon(p orb.Polygon) string {
	if len(p) == 0 {
		return "empty polygon"
	}
	for i, ring := range p {
		if len(ring) < 4 {
			return fmt.Sprintf("ring %d has %d points, need at least 4", i, len(ring))
		}
		if !ring.Closed() {
			return fmt.Sprintf("ring %d is not closed", i)
		}
		for _, pt := range ring {
			if !finite(pt) {
				return fmt.Sprintf("ring %d has non-finite coordinates", i)
			}
		}
		if planar.Area(ring) == 0 {
			return fmt.Sprintf("ring %d has zero area", i)
		}
		if selfIntersects(ring) {
			return fmt.Sprintf("ring %d self-intersects", i)
		}
	}
	return ""
}

func finite(p orb.Point) bool {
	return !math.IsNaN(p[0]) && !math.IsNaN(p[1]) && !math.IsInf(p[0], 0) && !math.IsInf(p[1], 0)
}

// selfIntersects checks every pair of non-adjacent edges of a closed ring.
func selfIntersects(ring orb.Ring) bool {
	n := len(ring) - 1
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if j == i+1 || (i == 0 && j == n-1) {
				continue
			}
			if segmentsIntersect(ring[i], ring[i+1], ring[j], ring[j+1]) {
				return true
			}
		}
	}
	return false
}

func segmentsIntersect(p1, p2, p3, p4 orb.Point) bool {
	d1 := cross(p3, p4, p1)
	d2 := cross(p3, p4, p2)
	d3 := cross(p1, p2, p3)
	d4 := cross(p1, p2, p4)
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) && ((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	return (d1 == 0 && onSegment(p3, p4, p1)) ||
		(d2 == 0 && onSegment(p3, p4, p2)) ||
		(d3 == 0 && onSegment(p1, p2, p3)) ||
		(d4 == 0 && onSegment(p1, p2, p4))
}

func cross(a, b, c orb.Point) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

func onSegment(a, b, p orb.Point) bool {
	return math.Min(a[0], b[0]) <= p[0] && p[0] <= math.Max(a[0], b[0]) &&
		math.Min(a[1], b[1]) <= p[1] && p[1] <= math.Max(a[1], b[1])
}

// Within reports whether every vertex of g lies inside boundary.
// A nil boundary contains everything.
func Within(g orb.Geometry, boundary orb.Geometry) bool {
	if boundary == nil {
		return true
	}
	if g == nil {
		return false
	}
	if !boundary.Bound().Intersects(g.Bound()) {
		return false
	}
	for _, p := range vertices(g) {
		if !contains(boundary, p) {
			return false
		}
	}
	return true
}

func contains(boundary orb.Geometry, p orb.Point) bool {
	switch b := boundary.(type) {
	case orb.Polygon:
		return planar.PolygonContains(b, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(b, p)
	case orb.Bound:
		return b.Contains(p)
	default:
		return false
	}
}

func vertices(g orb.Geometry) []orb.Point {
	switch v := g.(type) {
	case orb.Point:
		return []orb.Point{v}
	case orb.Polygon:
		// Interior rings lie inside the outer ring.
		if len(v) == 0 {
			return nil
		}
		return v[0]
	case orb.MultiPolygon:
		var out []orb.Point
		for _, p := range v {
			if len(p) > 0 {
				out = append(out, p[0]...)
			}
		}
		return out
	default:
		return []orb.Point{RepresentativePoint(g)}
	}
}
