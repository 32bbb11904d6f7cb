package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"citydata/internal/dataset"
)

// EnvPrefix prefixes every environment override, e.g. CITYDATA_FORCE_RELOAD.
const EnvPrefix = "CITYDATA"

// Secret environment variables.
const (
	EnvSlackWebhook = "CITYDATA_SLACK_WEBHOOK"
	EnvDBPassword   = "CITYDATA_DB_PASSWORD"
	EnvMongoURI     = "CITYDATA_MONGO_URI"
)

// PasswordPlaceholder in a database DSN is replaced by CITYDATA_DB_PASSWORD.
const PasswordPlaceholder = "${password}"

// DefaultPath is the config file read when --config is not given.
const DefaultPath = "citydata.yaml"

// ConfigurationError reports a missing or invalid setting. It is fatal at
// startup.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("configuration: %s is required", e.Key)
	}
	return fmt.Sprintf("configuration: %s %s", e.Key, e.Reason)
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty) and CITYDATA_* environment overrides, then reads
// secrets and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	setDefaults(v, cfg)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Secrets = Secrets{
		SlackWebhook: os.Getenv(EnvSlackWebhook),
		DBPassword:   os.Getenv(EnvDBPassword),
		MongoURI:     os.Getenv(EnvMongoURI),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every scalar key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("force_reload", cfg.ForceReload)
	v.SetDefault("cache_fraction", cfg.CacheFraction)
	v.SetDefault("crs", cfg.CRS)
	v.SetDefault("min_output_bytes", cfg.MinOutputBytes)
	v.SetDefault("log_categories", cfg.LogCategories)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("storage_root", cfg.StorageRoot)
	v.SetDefault("run_store", cfg.RunStore)
	v.SetDefault("output_table", cfg.OutputTable)
	v.SetDefault("output_path", cfg.OutputPath)
	v.SetDefault("numeric_columns", cfg.NumericColumns)
	v.SetDefault("stats_min_records", cfg.StatsMinRecords)
	v.SetDefault("boundary_path", cfg.BoundaryPath)
	v.SetDefault("schedule", cfg.Schedule)
	v.SetDefault("watch_paths", cfg.WatchPaths)
	v.SetDefault("alerts.slack_enabled", cfg.Alerts.SlackEnabled)
	v.SetDefault("alerts.default_channel", cfg.Alerts.DefaultChannel)
	v.SetDefault("alerts.diff_channel", cfg.Alerts.DiffChannel)
	v.SetDefault("alerts.send_diff", cfg.Alerts.SendDiff)
}

// Validate checks settings and required secrets.
func (c *Config) Validate() error {
	if c.CacheFraction <= 0 || c.CacheFraction > 1 {
		return &ConfigurationError{Key: "cache_fraction", Reason: fmt.Sprintf("must be in (0, 1], got %v", c.CacheFraction)}
	}
	if _, err := dataset.SRID(c.CRS); err != nil {
		return &ConfigurationError{Key: "crs", Reason: fmt.Sprintf("is not an EPSG identifier: %q", c.CRS)}
	}
	if c.MinOutputBytes < 0 {
		return &ConfigurationError{Key: "min_output_bytes", Reason: "must not be negative"}
	}
	if c.StorageRoot == "" {
		return &ConfigurationError{Key: "storage_root"}
	}
	if c.Alerts.SlackEnabled && c.Secrets.SlackWebhook == "" {
		return &ConfigurationError{Key: EnvSlackWebhook}
	}
	for name, src := range c.Sources {
		switch src.Kind {
		case KindFeatureService, KindSQLAPI:
			if src.URL == "" {
				return &ConfigurationError{Key: "sources." + name + ".url"}
			}
		case KindDatabase:
			if src.Driver == "" || src.DSN == "" {
				return &ConfigurationError{Key: "sources." + name + ".dsn"}
			}
			if strings.Contains(src.DSN, PasswordPlaceholder) && c.Secrets.DBPassword == "" {
				return &ConfigurationError{Key: EnvDBPassword}
			}
		case KindFile:
			if src.Path == "" {
				return &ConfigurationError{Key: "sources." + name + ".path"}
			}
		case KindMongo:
			if c.Secrets.MongoURI == "" {
				return &ConfigurationError{Key: EnvMongoURI}
			}
			if src.Database == "" || src.Collection == "" {
				return &ConfigurationError{Key: "sources." + name + ".collection"}
			}
		default:
			return &ConfigurationError{Key: "sources." + name + ".kind", Reason: fmt.Sprintf("unknown kind %q", src.Kind)}
		}
	}
	return nil
}

// ResolvedDSN returns the source DSN with the password placeholder filled in.
func (c *Config) ResolvedDSN(src SourceConfig) string {
	return strings.ReplaceAll(src.DSN, PasswordPlaceholder, c.Secrets.DBPassword)
}
