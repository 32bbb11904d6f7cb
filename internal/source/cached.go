package source

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"citydata/internal/cache"
	"citydata/internal/dataset"
	"citydata/internal/logging"
)

// CachedLoader fronts a set of fetchers with the source cache zone.
type CachedLoader struct {
	Cache       *cache.Manager
	Fetchers    map[string]Fetcher
	ForceReload bool
	NoSnapshot  bool // skip saving fresh fetches to the source cache
	log         *logrus.Entry
}

// NewCachedLoader wraps fetchers keyed by table name.
func NewCachedLoader(m *cache.Manager, fetchers map[string]Fetcher, forceReload bool, l *logging.Logger) *CachedLoader {
	if l == nil {
		l = logging.Discard()
	}
	return &CachedLoader{
		Cache:       m,
		Fetchers:    fetchers,
		ForceReload: forceReload,
		log:         l.Category(logging.Source),
	}
}

// Uncached returns a loader over the same fetchers that neither reads nor
// writes the source cache.
func (c *CachedLoader) Uncached() *CachedLoader {
	cp := *c
	cp.ForceReload = true
	cp.NoSnapshot = true
	return &cp
}

// Load returns the table, reusing the most recent source snapshot unless
// ForceReload is set. A fresh fetch is snapshotted before it is returned.
func (c *CachedLoader) Load(ctx context.Context, table string) (*dataset.Dataset, error) {
	if !c.ForceReload {
		ds, err := c.Cache.MostRecent(table, cache.SourceCache)
		if err != nil {
			return nil, fmt.Errorf("read source cache %s: %w", table, err)
		}
		if ds != nil {
			c.log.WithField("table", table).Debug("source: using cached snapshot")
			ds.Name = table
			return ds, nil
		}
	}

	f, ok := c.Fetchers[table]
	if !ok {
		return nil, fmt.Errorf("no source configured for table %q", table)
	}
	ds, err := f.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	ds.Name = table
	if c.NoSnapshot {
		return ds, nil
	}
	if err := c.Cache.Save(ds, c.Cache.Label(table), cache.SourceCache, cache.GeoPackage); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", table, err)
	}
	return ds, nil
}
