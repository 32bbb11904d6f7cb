package source

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"citydata/internal/config"
	"citydata/internal/dataset"
	"citydata/internal/logging"
)

// ── Fetchers ───────────────────────────────────────────────
// A Fetcher pulls one upstream table into a Dataset. Fetchers never return
// partial data: any transport failure aborts the whole fetch.

// Fetcher loads one remote table.
type Fetcher interface {
	Fetch(ctx context.Context) (*dataset.Dataset, error)
}

// TransportError wraps a remote failure with the source it came from.
type TransportError struct {
	Source string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Source, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func transportErr(source string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Source: source, Err: err}
}

// Env is what a factory needs beyond the source's own config.
type Env struct {
	CRS        string
	HTTPClient *http.Client
	Config     *config.Config
	Log        *logrus.Entry
}

// Factory builds a Fetcher for one configured source.
type Factory func(name string, sc config.SourceConfig, env Env) (Fetcher, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a factory for a source kind. Called from init().
func Register(kind string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = f
}

// Kinds lists the registered source kinds.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// New builds a Fetcher for the named source.
func New(name string, sc config.SourceConfig, env Env) (Fetcher, error) {
	registryMu.RLock()
	f, ok := registry[sc.Kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown source kind %q for %s", sc.Kind, name)
	}
	if env.HTTPClient == nil {
		env.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}
	if env.Log == nil {
		env.Log = logging.Discard().Category(logging.Source)
	}
	return f(name, sc, env)
}

// FromConfig builds a Fetcher for every configured source.
func FromConfig(cfg *config.Config, l *logging.Logger) (map[string]Fetcher, error) {
	env := Env{CRS: cfg.CRS, Config: cfg, Log: l.Category(logging.Source)}
	out := make(map[string]Fetcher, len(cfg.Sources))
	for name, sc := range cfg.Sources {
		f, err := New(name, sc, env)
		if err != nil {
			return nil, err
		}
		out[name] = f
	}
	return out, nil
}

// pages splits total rows into (offset, limit) chunks.
func pages(total, size int) [][2]int {
	if size <= 0 {
		size = total
	}
	var out [][2]int
	for off := 0; off < total; off += size {
		limit := size
		if off+limit > total {
			limit = total - off
		}
		out = append(out, [2]int{off, limit})
	}
	return out
}

func workersOr(n int) int {
	if n <= 0 {
		return 4
	}
	return n
}
