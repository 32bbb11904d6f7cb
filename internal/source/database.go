package source

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"citydata/internal/config"
	"citydata/internal/dataset"
)

// Supported database/sql drivers.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

func init() {
	Register(config.KindDatabase, func(name string, sc config.SourceConfig, env Env) (Fetcher, error) {
		switch sc.Driver {
		case DriverPostgres, DriverMySQL, DriverSQLite:
		default:
			return nil, fmt.Errorf("source %s: unsupported driver %q", name, sc.Driver)
		}
		if sc.Query == "" && sc.Table == "" {
			return nil, fmt.Errorf("source %s: query or table is required", name)
		}
		dsn := sc.DSN
		if env.Config != nil {
			dsn = env.Config.ResolvedDSN(sc)
		}
		return &DatabaseFetcher{
			Name:       name,
			Driver:     sc.Driver,
			DSN:        dsn,
			Query:      sc.Query,
			Table:      sc.Table,
			KeyColumn:  sc.KeyColumn,
			GeomColumn: sc.GeomColumn,
			CRS:        env.CRS,
			PageSize:   sc.PageSize,
			Workers:    sc.Workers,
			Log:        env.Log.WithField("source", name),
		}, nil
	})
}

// DatabaseFetcher reads a table or query from a relational database. The
// geometry column, if any, must hold WKT text or (hex) WKB already in CRS.
type DatabaseFetcher struct {
	Name       string
	Driver     string
	DSN        string
	Query      string
	Table      string
	KeyColumn  string
	GeomColumn string
	CRS        string
	PageSize   int
	Workers    int
	Log        *logrus.Entry
}

func openDB(driver, dsn string) (*sql.DB, error) {
	if driver == DriverSQLite && !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)
	return db, nil
}

func (f *DatabaseFetcher) baseQuery() string {
	if f.Query != "" {
		return strings.TrimRight(strings.TrimSpace(f.Query), ";")
	}
	return "SELECT * FROM " + f.Table
}

func (f *DatabaseFetcher) Fetch(ctx context.Context) (*dataset.Dataset, error) {
	start := time.Now()
	db, err := openDB(f.Driver, f.DSN)
	if err != nil {
		return nil, transportErr(f.Name, err)
	}
	defer db.Close()

	inner := f.baseQuery()
	var total int
	if err := db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM (%s) q", inner)).Scan(&total); err != nil {
		return nil, transportErr(f.Name, fmt.Errorf("count: %w", err))
	}

	chunks := pages(total, f.PageSize)
	results := make([][]row, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workersOr(f.Workers))
	for i, c := range chunks {
		g.Go(func() error {
			q := fmt.Sprintf("SELECT * FROM (%s) q", inner)
			if f.KeyColumn != "" {
				q += " ORDER BY " + f.KeyColumn
			}
			q += fmt.Sprintf(" LIMIT %d OFFSET %d", c[1], c[0])
			rows, err := f.queryRows(gctx, db, q)
			if err != nil {
				return fmt.Errorf("chunk at offset %d: %w", c[0], err)
			}
			results[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, transportErr(f.Name, err)
	}

	b := dataset.NewBuilder(f.Name, f.KeyColumn, f.CRS)
	for _, chunk := range results {
		for _, r := range chunk {
			b.Add(r.data, r.geom)
		}
	}
	ds := b.Build()
	f.Log.WithFields(logrus.Fields{
		"records":  ds.Len(),
		"chunks":   len(chunks),
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("source: fetched database table")
	return ds, nil
}

type row struct {
	data map[string]any
	geom orb.Geometry
}

func (f *DatabaseFetcher) queryRows(ctx context.Context, db *sql.DB, query string) ([]row, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	var out []row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for j := range values {
			ptrs[j] = &values[j]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		r := row{data: make(map[string]any, len(cols))}
		for j, col := range cols {
			if col == f.GeomColumn && f.GeomColumn != "" {
				g, err := parseGeometry(values[j])
				if err != nil {
					return nil, fmt.Errorf("row %d: %w", len(out)+1, err)
				}
				r.geom = g
				continue
			}
			r.data[col] = formatValue(values[j])
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate: %w", err)
	}
	return out, nil
}

// formatValue turns driver values into plain Go values.
func formatValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return val
	}
}

// parseGeometry accepts WKT text, raw WKB or hex-encoded WKB.
func parseGeometry(v any) (orb.Geometry, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		if g, err := wkb.Unmarshal(val); err == nil {
			return g, nil
		}
		return parseGeometryText(string(val))
	case string:
		return parseGeometryText(val)
	default:
		return nil, fmt.Errorf("unsupported geometry value %T", v)
	}
}

func parseGeometryText(s string) (orb.Geometry, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if g, err := wkt.Unmarshal(s); err == nil {
		return g, nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("geometry is neither wkt nor wkb")
	}
	g, err := wkb.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("decode wkb: %w", err)
	}
	return g, nil
}
