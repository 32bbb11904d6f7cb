package config

// Config is the full pipeline configuration. Secrets are never read from
// the file; they come from the environment (see Load).
type Config struct {
	// FORCE_RELOAD: query remote sources instead of reusing the source cache.
	ForceReload bool `yaml:"force_reload" mapstructure:"force_reload"`

	// CACHE_FRACTION: sampling ratio for lightweight per-stage checkpoints.
	CacheFraction float64 `yaml:"cache_fraction" mapstructure:"cache_fraction"`

	// CRS every dataset is expected in, e.g. "EPSG:2272".
	CRS string `yaml:"crs" mapstructure:"crs"`

	// MinOutputBytes refuses to publish an output file smaller than this.
	MinOutputBytes int64 `yaml:"min_output_bytes" mapstructure:"min_output_bytes"`

	LogCategories []string `yaml:"log_categories" mapstructure:"log_categories"`
	LogLevel      string   `yaml:"log_level" mapstructure:"log_level"`

	StorageRoot string `yaml:"storage_root" mapstructure:"storage_root"`
	RunStore    string `yaml:"run_store" mapstructure:"run_store"`

	// OutputTable names the final snapshot; OutputPath is where the
	// published GeoJSON lands.
	OutputTable string `yaml:"output_table" mapstructure:"output_table"`
	OutputPath  string `yaml:"output_path" mapstructure:"output_path"`

	// NumericColumns are coerced to numbers after the last stage.
	NumericColumns []string `yaml:"numeric_columns" mapstructure:"numeric_columns"`

	// StatsMinRecords is the record count a dataset must exceed before
	// statistical validation runs.
	StatsMinRecords int `yaml:"stats_min_records" mapstructure:"stats_min_records"`

	// BoundaryPath is a GeoJSON file holding the municipal boundary.
	BoundaryPath string `yaml:"boundary_path" mapstructure:"boundary_path"`

	// Schedule is a cron expression for the schedule command.
	Schedule   string   `yaml:"schedule" mapstructure:"schedule"`
	WatchPaths []string `yaml:"watch_paths" mapstructure:"watch_paths"`

	Alerts  AlertsConfig            `yaml:"alerts" mapstructure:"alerts"`
	Sources map[string]SourceConfig `yaml:"sources" mapstructure:"sources"`

	Secrets Secrets `yaml:"-" mapstructure:"-"`
}

// AlertsConfig configures where alerts are delivered.
type AlertsConfig struct {
	SlackEnabled   bool   `yaml:"slack_enabled" mapstructure:"slack_enabled"`
	DefaultChannel string `yaml:"default_channel" mapstructure:"default_channel"`
	DiffChannel    string `yaml:"diff_channel" mapstructure:"diff_channel"`
	SendDiff       bool   `yaml:"send_diff" mapstructure:"send_diff"`
}

// Source kinds.
const (
	KindFeatureService = "feature_service"
	KindSQLAPI         = "sql_api"
	KindDatabase       = "database"
	KindMongo          = "mongo"
	KindFile           = "file"
)

// SourceConfig describes one upstream table.
type SourceConfig struct {
	Kind       string `yaml:"kind" mapstructure:"kind"`
	URL        string `yaml:"url" mapstructure:"url"`
	Query      string `yaml:"query" mapstructure:"query"`
	Table      string `yaml:"table" mapstructure:"table"`
	KeyColumn  string `yaml:"key_column" mapstructure:"key_column"`
	GeomColumn string `yaml:"geom_column" mapstructure:"geom_column"`
	PageSize   int    `yaml:"page_size" mapstructure:"page_size"`
	Workers    int    `yaml:"workers" mapstructure:"workers"`

	// Database sources.
	Driver string `yaml:"driver" mapstructure:"driver"`
	DSN    string `yaml:"dsn" mapstructure:"dsn"`

	// Mongo sources.
	Database   string `yaml:"database" mapstructure:"database"`
	Collection string `yaml:"collection" mapstructure:"collection"`

	// File sources: a local CSV (geometry as WKT) or GeoJSON export.
	Path      string `yaml:"path" mapstructure:"path"`
	Delimiter string `yaml:"delimiter" mapstructure:"delimiter"`
}

// Secrets are read from the environment only.
type Secrets struct {
	SlackWebhook string
	DBPassword   string
	MongoURI     string
}
