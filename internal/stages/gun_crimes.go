package stages

import (
	"context"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"citydata/internal/config"
	"citydata/internal/dataset"
	"citydata/internal/pipeline"
	"citydata/internal/validate"
)

const ColGunCrimesDensity = "gun_crimes_density"

const (
	defaultBandwidth = 1000.0
	// Kernel contributions beyond this many bandwidths are ignored.
	kernelCutoff = 4.0
	// Densities are reported per square mile of a foot-based CRS.
	squareMile = 5280.0 * 5280.0
)

// Density is a Gaussian kernel density estimate over a set of points,
// bucketed on a grid so each query only visits nearby cells.
type Density struct {
	bandwidth float64
	cell      float64
	cells     map[[2]int][]orb.Point
}

// NewDensity indexes points for kernel queries with bandwidth h.
func NewDensity(points []orb.Point, h float64) *Density {
	if h <= 0 {
		h = defaultBandwidth
	}
	d := &Density{bandwidth: h, cell: h * kernelCutoff, cells: map[[2]int][]orb.Point{}}
	for _, p := range points {
		c := d.cellOf(p)
		d.cells[c] = append(d.cells[c], p)
	}
	return d
}

func (d *Density) cellOf(p orb.Point) [2]int {
	return [2]int{int(math.Floor(p[0] / d.cell)), int(math.Floor(p[1] / d.cell))}
}

// At returns the density at p in points per square mile.
func (d *Density) At(p orb.Point) float64 {
	h2 := d.bandwidth * d.bandwidth
	limit := d.cell * d.cell
	c := d.cellOf(p)
	sum := 0.0
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			for _, q := range d.cells[[2]int{c[0] + dx, c[1] + dy}] {
				dist2 := planar.DistanceSquared(p, q)
				if dist2 > limit {
					continue
				}
				sum += math.Exp(-dist2 / (2 * h2))
			}
		}
	}
	return sum / (2 * math.Pi * h2) * squareMile
}

func gunCrimes(loader pipeline.Loader, bandwidth float64) pipeline.TransformFunc {
	return func(ctx context.Context, ds *dataset.Dataset) (*dataset.Dataset, error) {
		crimes, err := loader.Load(ctx, config.SourceCrimes)
		if err != nil {
			return nil, fmt.Errorf("load crimes: %w", err)
		}
		points := make([]orb.Point, 0, crimes.Len())
		for _, r := range crimes.Records {
			if r.Geometry != nil {
				points = append(points, dataset.RepresentativePoint(r.Geometry))
			}
		}
		kde := NewDensity(points, bandwidth)

		if err := ds.AddColumn(dataset.Field{Name: ColGunCrimesDensity, Type: dataset.TypeFloat}); err != nil {
			return nil, err
		}
		for i, r := range ds.Records {
			var v any
			if r.Geometry != nil {
				v = kde.At(dataset.RepresentativePoint(r.Geometry))
			}
			ds.Set(i, ColGunCrimesDensity, v)
		}
		return ds, nil
	}
}

func gunCrimesValidator(opts Options) *validate.Validator {
	return &validate.Validator{
		Name: GunCrimes,
		Base: opts.base(),
		Columns: []validate.ColumnRule{
			validate.Column(ColGunCrimesDensity, dataset.TypeFloat).AllowNull().AtLeast(0),
		},
		Stats: []validate.StatRule{
			validate.DensityRule{
				Column:    ColGunCrimesDensity,
				Mean:      validate.Between(0, 500),
				Std:       validate.Between(0, 1000),
				High:      250,
				HighShare: validate.Between(0, 0.25),
			},
			validate.OutlierRule{Column: ColGunCrimesDensity, ZThreshold: 3, Multiple: 2, MaxShare: 0.001},
		},
		MinStatsRecords: opts.StatsMinRecords,
	}
}
