package config

// Names of the upstream tables the stages read.
const (
	SourceParcels   = "parcels"
	SourceCityOwned = "city_owned"
	SourceVacant    = "vacant"
	SourceCrimes    = "crimes"
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		CacheFraction:   0.05,
		CRS:             "EPSG:2272",
		MinOutputBytes:  5 << 20,
		LogLevel:        "info",
		StorageRoot:     "storage",
		RunStore:        "storage/runs.db",
		OutputTable:     "final_dataset",
		OutputPath:      "storage/output/parcels.geojson",
		NumericColumns:  []string{"market_value", "gun_crimes_density", "total_due"},
		StatsMinRecords: 1000,
		Schedule:        "0 6 * * *",
		Alerts: AlertsConfig{
			DefaultChannel: "clean-and-green-philly-pipeline",
			DiffChannel:    "clean-and-green-philly-back-end",
			SendDiff:       true,
		},
		Sources: map[string]SourceConfig{
			SourceParcels: {
				Kind:      KindSQLAPI,
				URL:       "https://phl.carto.com/api/v2/sql",
				Query:     "SELECT parcel_number AS opa_id, market_value, owner_1, owner_2, ST_Transform(the_geom, 2272) AS the_geom FROM opa_properties_public",
				KeyColumn: "opa_id",
				PageSize:  50000,
				Workers:   4,
			},
			SourceCityOwned: {
				Kind:      KindFeatureService,
				URL:       "https://services.arcgis.com/fLeGjb7u4uXqeF9q/arcgis/rest/services/PLB_LAMA_Assets/FeatureServer/0/query",
				KeyColumn: "opa_id",
				PageSize:  2000,
				Workers:   4,
			},
			SourceVacant: {
				Kind:      KindFeatureService,
				URL:       "https://services.arcgis.com/fLeGjb7u4uXqeF9q/arcgis/rest/services/Vacant_Indicators_Bldg/FeatureServer/0/query",
				KeyColumn: "opa_id",
				PageSize:  2000,
				Workers:   4,
			},
			SourceCrimes: {
				Kind:      KindSQLAPI,
				URL:       "https://phl.carto.com/api/v2/sql",
				Query:     "SELECT objectid, text_general_code, ST_Transform(the_geom, 2272) AS the_geom FROM incidents_part1_part2 WHERE ucr_general IN ('100','300','400')",
				KeyColumn: "objectid",
				PageSize:  50000,
				Workers:   4,
			},
		},
	}
}
