// Package stages holds the concrete pipeline stages and their validators.
// Each stage reads the live parcel dataset, joins or derives one concern,
// and adds its columns.
package stages

import (
	"github.com/paulmach/orb"

	"citydata/internal/dataset"
	"citydata/internal/pipeline"
	"citydata/internal/validate"
)

// Stage names in run order.
const (
	CityOwnedProperties = "city_owned_properties"
	OwnerType           = "owner_type"
	VacantProperties    = "vacant_properties"
	GunCrimes           = "gun_crimes"
	PriorityLevel       = "priority_level"
)

// Options tune the stages and their validators.
type Options struct {
	CRS      string
	Boundary orb.Geometry

	// StatsMinRecords gates every statistical rule.
	StatsMinRecords int

	// Bandwidth of the gun crime kernel, in CRS units. Zero uses 1000.
	Bandwidth float64
}

func (o Options) base() validate.BaseRules {
	return validate.BaseRules{CRS: o.CRS, SkipBoundary: true}
}

// Default returns the production stage list. Auxiliary tables are read
// through loader.
func Default(loader pipeline.Loader, opts Options) []pipeline.Stage {
	return []pipeline.Stage{
		{
			Name:       CityOwnedProperties,
			Transform:  cityOwned(loader),
			Validator:  cityOwnedValidator(opts),
			Checkpoint: true,
		},
		{
			Name:       OwnerType,
			Transform:  ownerType,
			Validator:  ownerTypeValidator(opts),
			DependsOn:  []string{CityOwnedProperties},
			Checkpoint: true,
		},
		{
			Name:       VacantProperties,
			Transform:  vacant(loader),
			Validator:  vacantValidator(opts),
			Checkpoint: true,
		},
		{
			Name:       GunCrimes,
			Transform:  gunCrimes(loader, opts.Bandwidth),
			Validator:  gunCrimesValidator(opts),
			Checkpoint: true,
		},
		{
			Name:      PriorityLevel,
			Transform: priorityLevel,
			Validator: priorityValidator(opts),
			DependsOn: []string{GunCrimes, VacantProperties},
		},
	}
}

// Final checks the finished dataset: valid geometries inside the boundary.
func Final(opts Options) *validate.Validator {
	return &validate.Validator{
		Name: "final_dataset",
		Base: validate.BaseRules{CRS: opts.CRS, Boundary: opts.Boundary},
	}
}

// Relevant narrows the published dataset to vacant parcels.
func Relevant(r dataset.Record) bool {
	v, _ := r.Data[ColVacant].(bool)
	return v
}
