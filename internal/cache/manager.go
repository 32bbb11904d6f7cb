package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"citydata/internal/dataset"
	"citydata/internal/logging"
)

// ── Cache Manager ──────────────────────────────────────────
// Durable dataset snapshots under one storage root, split into zones.
// Files are named <table>_<YYYY_M_D>[_<variant>].<ext>; a second save with
// the same label on the same day overwrites the first. There is no locking:
// one writer per (table, zone) at a time.

// Zone is a snapshot isolation tier and the name of its directory.
type Zone string

const (
	Ephemeral     Zone = "temp"
	SourceCache   Zone = "source_cache"
	PipelineCache Zone = "pipeline_cache"
)

// Zones lists every zone in display order.
var Zones = []Zone{Ephemeral, SourceCache, PipelineCache}

// ParseZone accepts a zone directory name.
func ParseZone(s string) (Zone, error) {
	for _, z := range Zones {
		if string(z) == s {
			return z, nil
		}
	}
	return "", fmt.Errorf("unknown cache zone %q", s)
}

// Format is a snapshot file format, named by its extension.
type Format string

const (
	// GeoPackage is typed and keeps CRS and key column. Preferred.
	GeoPackage Format = "gpkg"
	// GeoJSON is row-oriented; numbers come back as declared by the
	// embedded field list.
	GeoJSON Format = "geojson"
	// CSV is flat: geometry as WKT, types inferred on read, CRS not stored.
	CSV Format = "csv"
)

// ErrCacheMiss means the requested snapshot file does not exist.
var ErrCacheMiss = errors.New("cache miss")

// Entry describes one snapshot file on disk.
type Entry struct {
	Zone    Zone      `json:"zone"`
	Table   string    `json:"table"`
	Label   string    `json:"label"`
	Variant string    `json:"variant,omitempty"`
	Date    time.Time `json:"date"`
	Format  Format    `json:"format"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// Manager reads and writes snapshots. Construct one per process and pass it
// to whatever needs it.
type Manager struct {
	root string
	crs  string
	now  func() time.Time
	log  *logrus.Entry
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the clock used for labels.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithCRS sets the CRS assigned to snapshots whose format does not store one.
func WithCRS(crs string) Option {
	return func(m *Manager) { m.crs = crs }
}

// WithLogger routes cache logs through the given logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.log = l.Category(logging.Cache) }
}

// New creates a Manager rooted at root.
func New(root string, opts ...Option) *Manager {
	m := &Manager{
		root: root,
		crs:  "EPSG:2272",
		now:  time.Now,
		log:  logging.Discard().Category(logging.Cache),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Root returns the storage root.
func (m *Manager) Root() string { return m.root }

// Dir returns the directory of a zone.
func (m *Manager) Dir(zone Zone) string {
	return filepath.Join(m.root, string(zone))
}

// Path returns the file path for a label in a zone and format.
func (m *Manager) Path(label string, zone Zone, format Format) string {
	return filepath.Join(m.Dir(zone), label+"."+string(format))
}

// Label combines the table name with today's date.
func (m *Manager) Label(table string) string {
	t := m.now()
	return fmt.Sprintf("%s_%d_%d_%d", table, t.Year(), int(t.Month()), t.Day())
}

// LabelVariant is Label with a variant suffix, e.g. "sample".
func (m *Manager) LabelVariant(table, variant string) string {
	if variant == "" {
		return m.Label(table)
	}
	return m.Label(table) + "_" + variant
}

// Save writes ds under label, creating the zone directory when needed.
// The file is written next to its destination and renamed into place.
func (m *Manager) Save(ds *dataset.Dataset, label string, zone Zone, format Format) error {
	if ds == nil {
		return fmt.Errorf("save %s: nil dataset", label)
	}
	dir := m.Dir(zone)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	path := m.Path(label, zone, format)
	tmp := path + ".tmp"
	_ = os.Remove(tmp)

	var err error
	switch format {
	case GeoPackage:
		err = writeGeoPackage(tmp, ds)
	case GeoJSON:
		err = writeGeoJSON(tmp, ds)
	case CSV:
		err = writeCSV(tmp, ds)
	default:
		err = fmt.Errorf("unsupported format %q", format)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("save %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("save %s: %w", filepath.Base(path), err)
	}
	m.log.Debugf("cache: saved %s (%d records)", path, ds.Len())
	return nil
}

// Load reads a snapshot. A missing file is ErrCacheMiss.
func (m *Manager) Load(label string, zone Zone, format Format) (*dataset.Dataset, error) {
	return m.loadPath(m.Path(label, zone, format), format)
}

func (m *Manager) loadPath(path string, format Format) (*dataset.Dataset, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrCacheMiss, path)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	var (
		ds  *dataset.Dataset
		err error
	)
	switch format {
	case GeoPackage:
		ds, err = readGeoPackage(path)
	case GeoJSON:
		ds, err = readGeoJSON(path)
	case CSV:
		ds, err = readCSV(path, m.crs)
	default:
		err = fmt.Errorf("unsupported format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", filepath.Base(path), err)
	}
	if ds.Name == "" {
		if e, ok := ParseFilename(filepath.Base(path)); ok {
			ds.Name = e.Table
		}
	}
	return ds, nil
}

// MostRecent loads the newest snapshot of table in zone, chosen by file
// modification time across all formats and variants. It returns (nil, nil)
// when there is none.
func (m *Manager) MostRecent(table string, zone Zone) (*dataset.Dataset, error) {
	entries, err := m.List(zone)
	if err != nil {
		return nil, err
	}
	var newest *Entry
	for i := range entries {
		e := &entries[i]
		if e.Table != table {
			continue
		}
		if newest == nil || e.ModTime.After(newest.ModTime) {
			newest = e
		}
	}
	if newest == nil {
		m.log.Debugf("cache: no snapshot of %s in %s", table, zone)
		return nil, nil
	}
	m.log.Debugf("cache: most recent %s is %s", table, newest.Path)
	return m.loadPath(newest.Path, newest.Format)
}

// SaveFractional keeps every Nth record, N = floor(1/fraction), and saves
// the sample as a GeoPackage. Sampling is positional so the same input
// always yields the same snapshot.
func (m *Manager) SaveFractional(ds *dataset.Dataset, label string, zone Zone, fraction float64) error {
	if fraction <= 0 || fraction > 1 {
		return fmt.Errorf("cache fraction %v must be in (0, 1]", fraction)
	}
	n := int(1 / fraction)
	return m.Save(ds.Sample(n), label, zone, GeoPackage)
}

// List returns the snapshot files of a zone sorted by table then date.
// Files whose names do not carry a date label are skipped. A missing zone
// directory yields an empty list.
func (m *Manager) List(zone Zone) ([]Entry, error) {
	dir := m.Dir(zone)
	items, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cache directory: %w", err)
	}

	var entries []Entry
	for _, item := range items {
		if item.IsDir() {
			continue
		}
		e, ok := ParseFilename(item.Name())
		if !ok {
			continue
		}
		info, err := item.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", item.Name(), err)
		}
		e.Zone = zone
		e.Path = filepath.Join(dir, item.Name())
		e.Size = info.Size()
		e.ModTime = info.ModTime()
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Table != entries[j].Table {
			return entries[i].Table < entries[j].Table
		}
		if !entries[i].Date.Equal(entries[j].Date) {
			return entries[i].Date.Before(entries[j].Date)
		}
		return entries[i].Path < entries[j].Path
	})
	return entries, nil
}

// Candidates returns the names of files in zone that start with table+"_"
// and carry the given format's extension, whether or not their label parses.
func (m *Manager) Candidates(table string, zone Zone, format Format) ([]string, error) {
	pattern := filepath.Join(m.Dir(zone), globEscape(table)+"_*."+string(format))
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}
	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = filepath.Base(p)
	}
	sort.Strings(names)
	return names, nil
}

// ── Filenames ──────────────────────────────────────────────

var filenameRe = regexp.MustCompile(`^(.+)_(\d{4})_(\d{1,2})_(\d{1,2})(?:_([^.]+))?\.(gpkg|geojson|csv)$`)

// ParseFilename splits a snapshot filename into its parts. Path, size and
// zone are left empty.
func ParseFilename(name string) (Entry, bool) {
	m := filenameRe.FindStringSubmatch(name)
	if m == nil {
		return Entry{}, false
	}
	year, _ := strconv.Atoi(m[2])
	month, _ := strconv.Atoi(m[3])
	day, _ := strconv.Atoi(m[4])
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return Entry{}, false
	}
	date := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if date.Day() != day {
		return Entry{}, false
	}
	label := fmt.Sprintf("%s_%s_%s_%s", m[1], m[2], m[3], m[4])
	if m[5] != "" {
		label += "_" + m[5]
	}
	return Entry{
		Table:   m[1],
		Label:   label,
		Variant: m[5],
		Date:    date,
		Format:  Format(m[6]),
	}, true
}

func globEscape(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch r {
		case '*', '?', '[', '\\':
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
