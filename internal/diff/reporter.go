package diff

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"citydata/internal/cache"
	"citydata/internal/dataset"
	"citydata/internal/logging"
)

// ── Diff Reporter ──────────────────────────────────────────
// Compares the two most recent snapshots of a table in one zone. Rows are
// aligned on the primary key (outer union), columns on the intersection of
// both schemas plus the geometry.

// NoChanges is the summary for two snapshots with no differing cells.
const NoChanges = "No changes detected between the two timestamps."

// GeometryColumn names the geometry in change listings.
const GeometryColumn = "geometry"

var (
	// ErrInsufficientHistory means fewer than two snapshots exist.
	ErrInsufficientHistory = errors.New("insufficient history for diff")
	// ErrUnparsableLabel means a dated snapshot filename carries an
	// impossible date.
	ErrUnparsableLabel = errors.New("cannot parse date from snapshot label")
)

// datedLabel matches what follows "<table>_" in a snapshot filename.
var datedLabel = regexp.MustCompile(`^\d{4}_\d+_\d+(?:_[^.]+)?\.[a-z]+$`)

// ColumnChange is the share of aligned rows whose value differs.
type ColumnChange struct {
	Column  string  `json:"column"`
	Changed int     `json:"changed"`
	Percent float64 `json:"percent"`
}

// Report is the result of comparing two snapshots.
type Report struct {
	Table    string         `json:"table"`
	Previous cache.Entry    `json:"previous"`
	Current  cache.Entry    `json:"current"`
	Rows     int            `json:"rows"`
	Added    int            `json:"added"`
	Removed  int            `json:"removed"`
	Changes  []ColumnChange `json:"changes"`
	Dropped  []string       `json:"dropped,omitempty"` // columns present on one side only
}

// HasChanges reports whether any compared cell differs.
func (r *Report) HasChanges() bool {
	return len(r.Changes) > 0
}

// Summary renders the plain-text report, columns sorted by change
// percentage, highest first.
func (r *Report) Summary() string {
	if !r.HasChanges() {
		return NoChanges
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Changes in %s between %s and %s (%d rows compared):",
		r.Table, r.Previous.Date.Format("2006-01-02"), r.Current.Date.Format("2006-01-02"), r.Rows)
	for _, c := range r.Changes {
		fmt.Fprintf(&b, "\n%s: %.2f%%", c.Column, c.Percent)
	}
	return b.String()
}

// Reporter locates snapshots through a cache manager.
type Reporter struct {
	cache   *cache.Manager
	zone    cache.Zone
	format  cache.Format
	variant string
	log     *logrus.Entry
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithZone selects the zone to compare in. Default is the pipeline cache.
func WithZone(z cache.Zone) Option {
	return func(r *Reporter) { r.zone = z }
}

// WithFormat selects the snapshot format. Default is GeoPackage.
func WithFormat(f cache.Format) Option {
	return func(r *Reporter) { r.format = f }
}

// WithVariant compares snapshots of one variant, e.g. "sample".
func WithVariant(v string) Option {
	return func(r *Reporter) { r.variant = v }
}

// WithLogger routes diff logs through the given logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Reporter) { r.log = l.Category(logging.Diff) }
}

// New creates a Reporter over m.
func New(m *cache.Manager, opts ...Option) *Reporter {
	r := &Reporter{
		cache:  m,
		zone:   cache.PipelineCache,
		format: cache.GeoPackage,
		log:    logging.Discard().Category(logging.Diff),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GenerateDiff compares the two most recent snapshots of table, ordered by
// the date in their filenames.
func (r *Reporter) GenerateDiff(table string) (*Report, error) {
	prev, cur, err := r.latestPair(table)
	if err != nil {
		return nil, err
	}

	before, err := r.cache.Load(prev.Label, r.zone, r.format)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", prev.Label, err)
	}
	after, err := r.cache.Load(cur.Label, r.zone, r.format)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", cur.Label, err)
	}

	report := Compare(before, after)
	report.Table = table
	report.Previous = prev
	report.Current = cur
	r.log.Infof("diff: %s %s -> %s, %d rows, %d changed columns", table, prev.Label, cur.Label, report.Rows, len(report.Changes))
	return report, nil
}

func (r *Reporter) latestPair(table string) (cache.Entry, cache.Entry, error) {
	names, err := r.cache.Candidates(table, r.zone, r.format)
	if err != nil {
		return cache.Entry{}, cache.Entry{}, err
	}
	var entries []cache.Entry
	for _, name := range names {
		if !datedLabel.MatchString(strings.TrimPrefix(name, table+"_")) {
			r.log.Debugf("diff: skipping %s, not a dated snapshot of %s", name, table)
			continue
		}
		e, ok := cache.ParseFilename(name)
		if !ok {
			return cache.Entry{}, cache.Entry{}, fmt.Errorf("%w: %s", ErrUnparsableLabel, name)
		}
		if e.Table != table || e.Variant != r.variant {
			continue
		}
		entries = append(entries, e)
	}
	if len(entries) < 2 {
		return cache.Entry{}, cache.Entry{}, fmt.Errorf("%w: %d snapshot(s) of %s in %s", ErrInsufficientHistory, len(entries), table, r.zone)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Date.Before(entries[j].Date) })
	n := len(entries)
	return entries[n-2], entries[n-1], nil
}

// Compare aligns two datasets on the key of after (falling back to before)
// and counts differing cells per shared column.
func Compare(before, after *dataset.Dataset) *Report {
	key := after.KeyColumn
	if key == "" {
		key = before.KeyColumn
	}

	shared := lo.Filter(dataset.SharedColumns(before.Schema, after.Schema), func(c string, _ int) bool { return c != key })
	dropped := append(
		lo.Without(before.Schema.FieldNames(), after.Schema.FieldNames()...),
		lo.Without(after.Schema.FieldNames(), before.Schema.FieldNames()...)...,
	)
	sort.Strings(dropped)

	beforeIdx := index(before, key)
	afterIdx := index(after, key)
	keys := lo.Union(keysOf(before, key), keysOf(after, key))

	report := &Report{Rows: len(keys), Dropped: dropped}
	counts := make(map[string]int, len(shared)+1)
	for _, k := range keys {
		bi, inBefore := beforeIdx[k]
		ai, inAfter := afterIdx[k]
		switch {
		case !inBefore:
			report.Added++
		case !inAfter:
			report.Removed++
		}

		var rb, ra dataset.Record
		if inBefore {
			rb = before.Records[bi]
		}
		if inAfter {
			ra = after.Records[ai]
		}
		for _, col := range shared {
			if !dataset.ValuesEqual(rb.Data[col], ra.Data[col]) {
				counts[col]++
			}
		}
		if !dataset.GeometriesEqual(rb.Geometry, ra.Geometry) {
			counts[GeometryColumn]++
		}
	}

	for col, n := range counts {
		if n == 0 {
			continue
		}
		report.Changes = append(report.Changes, ColumnChange{
			Column:  col,
			Changed: n,
			Percent: 100 * float64(n) / float64(len(keys)),
		})
	}
	sort.Slice(report.Changes, func(i, j int) bool {
		if report.Changes[i].Percent != report.Changes[j].Percent {
			return report.Changes[i].Percent > report.Changes[j].Percent
		}
		return report.Changes[i].Column < report.Changes[j].Column
	})
	return report
}

func keysOf(ds *dataset.Dataset, key string) []string {
	out := make([]string, len(ds.Records))
	for i, r := range ds.Records {
		out[i] = keyString(r, key)
	}
	return out
}

// index maps each key to its first record.
func index(ds *dataset.Dataset, key string) map[string]int {
	idx := make(map[string]int, len(ds.Records))
	for i, r := range ds.Records {
		k := keyString(r, key)
		if _, seen := idx[k]; !seen {
			idx[k] = i
		}
	}
	return idx
}

func keyString(r dataset.Record, key string) string {
	v := r.Data[key]
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
