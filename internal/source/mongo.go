package source

import (
	"context"
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"golang.org/x/sync/errgroup"

	"citydata/internal/config"
	"citydata/internal/dataset"
)

const defaultMongoGeomField = "geometry"

func init() {
	Register(config.KindMongo, func(name string, sc config.SourceConfig, env Env) (Fetcher, error) {
		if sc.Database == "" || sc.Collection == "" {
			return nil, fmt.Errorf("source %s: database and collection are required", name)
		}
		uri := ""
		if env.Config != nil {
			uri = env.Config.Secrets.MongoURI
		}
		if uri == "" {
			uri = sc.URL
		}
		geom := sc.GeomColumn
		if geom == "" {
			geom = defaultMongoGeomField
		}
		return &MongoFetcher{
			Name:       name,
			URI:        uri,
			Database:   sc.Database,
			Collection: sc.Collection,
			Filter:     sc.Query,
			KeyColumn:  sc.KeyColumn,
			GeomField:  geom,
			CRS:        env.CRS,
			PageSize:   sc.PageSize,
			Workers:    sc.Workers,
			Log:        env.Log.WithField("source", name),
		}, nil
	})
}

// MongoFetcher reads a collection whose documents carry a GeoJSON geometry
// sub-document. Filter is an optional Extended JSON query document.
type MongoFetcher struct {
	Name       string
	URI        string
	Database   string
	Collection string
	Filter     string
	KeyColumn  string
	GeomField  string
	CRS        string
	PageSize   int
	Workers    int
	Log        *logrus.Entry
}

func (f *MongoFetcher) filter() (bson.D, error) {
	if f.Filter == "" {
		return bson.D{}, nil
	}
	var doc bson.D
	if err := bson.UnmarshalExtJSON([]byte(f.Filter), false, &doc); err != nil {
		return nil, fmt.Errorf("parse filter: %w", err)
	}
	return doc, nil
}

func (f *MongoFetcher) Fetch(ctx context.Context) (*dataset.Dataset, error) {
	start := time.Now()
	filter, err := f.filter()
	if err != nil {
		return nil, err
	}

	client, err := mongo.Connect(options.Client().ApplyURI(f.URI))
	if err != nil {
		return nil, transportErr(f.Name, fmt.Errorf("connect mongo: %w", err))
	}
	defer client.Disconnect(context.Background())
	coll := client.Database(f.Database).Collection(f.Collection)

	total, err := coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, transportErr(f.Name, fmt.Errorf("count: %w", err))
	}

	sortKey := f.KeyColumn
	if sortKey == "" {
		sortKey = "_id"
	}
	chunks := pages(int(total), f.PageSize)
	results := make([][]row, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workersOr(f.Workers))
	for i, c := range chunks {
		g.Go(func() error {
			opts := options.Find().
				SetSort(bson.D{{Key: sortKey, Value: 1}}).
				SetSkip(int64(c[0])).
				SetLimit(int64(c[1]))
			cur, err := coll.Find(gctx, filter, opts)
			if err != nil {
				return fmt.Errorf("chunk at offset %d: %w", c[0], err)
			}
			defer cur.Close(gctx)

			var rows []row
			for cur.Next(gctx) {
				var doc bson.D
				if err := cur.Decode(&doc); err != nil {
					return fmt.Errorf("decode: %w", err)
				}
				r, err := documentRow(doc, f.GeomField)
				if err != nil {
					return err
				}
				rows = append(rows, r)
			}
			if err := cur.Err(); err != nil {
				return fmt.Errorf("cursor error: %w", err)
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
	}).Info("source: fetched mongo collection")
	return ds, nil
}

// documentRow flattens one document. The geometry field is re-encoded as
// relaxed Extended JSON, which for a GeoJSON sub-document is plain GeoJSON.
func documentRow(doc bson.D, geomField string) (row, error) {
	r := row{data: make(map[string]any, len(doc))}
	for _, elem := range doc {
		if elem.Key == geomField {
			g, err := documentGeometry(elem.Value)
			if err != nil {
				return row{}, err
			}
			r.geom = g
			continue
		}
		r.data[elem.Key] = mongoValue(elem.Value)
	}
	return r, nil
}

func documentGeometry(v any) (orb.Geometry, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := bson.MarshalExtJSON(v, false, false)
	if err != nil {
		return nil, fmt.Errorf("encode geometry: %w", err)
	}
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return nil, fmt.Errorf("parse geometry: %w", err)
	}
	return g.Geometry(), nil
}

// mongoValue maps BSON values onto the plain types a Dataset holds.
func mongoValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case bson.ObjectID:
		return val.Hex()
	case bson.DateTime:
		return val.Time().UTC().Format(time.RFC3339)
	case int32:
		return int64(val)
	case bson.Decimal128:
		return val.String()
	case bson.D, bson.A, bson.M:
		raw, err := bson.MarshalExtJSON(val, false, false)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(raw)
	default:
		return val
	}
}
