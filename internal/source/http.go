package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/paulmach/orb/geojson"
	"golang.org/x/sync/errgroup"

	"citydata/internal/dataset"
)

// getJSON issues a GET and decodes the JSON body into out.
func getJSON(ctx context.Context, client *http.Client, base string, params url.Values, out any) error {
	body, err := get(ctx, client, base, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse json: %w", err)
	}
	return nil
}

func get(ctx context.Context, client *http.Client, base string, params url.Values) ([]byte, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(b))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}

// fetchPages runs fetch for every (offset, limit) chunk on a bounded worker
// pool and returns the feature collections in chunk order. The first error
// cancels the remaining chunks.
func fetchPages(ctx context.Context, chunks [][2]int, workers int,
	fetch func(ctx context.Context, offset, limit int) (*geojson.FeatureCollection, error),
) ([]*geojson.FeatureCollection, error) {
	results := make([]*geojson.FeatureCollection, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, c := range chunks {
		g.Go(func() error {
			fc, err := fetch(gctx, c[0], c[1])
			if err != nil {
				return fmt.Errorf("chunk at offset %d: %w", c[0], err)
			}
			results[i] = fc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// collect concatenates feature collections into one dataset.
func collect(name, key, crs string, pages []*geojson.FeatureCollection) *dataset.Dataset {
	b := dataset.NewBuilder(name, key, crs)
	for _, fc := range pages {
		for _, f := range fc.Features {
			b.Add(f.Properties, f.Geometry)
		}
	}
	return b.Build()
}
