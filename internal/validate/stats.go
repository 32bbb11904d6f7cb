package validate

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"citydata/internal/dataset"
)

// ── Statistical rules ──────────────────────────────────────
// Aggregate checks over the whole dataset. They only run when the caller
// asks for them and the dataset exceeds the validator's threshold.

// StatRule is an aggregate check over a dataset.
type StatRule interface {
	Check(ds *dataset.Dataset) []string
}

// StatRuleFunc adapts a plain function to the StatRule interface.
type StatRuleFunc func(ds *dataset.Dataset) []string

func (f StatRuleFunc) Check(ds *dataset.Dataset) []string { return f(ds) }

// Interval is a closed numeric range.
type Interval struct {
	Min float64
	Max float64
}

// Between builds a closed interval.
func Between(min, max float64) Interval {
	return Interval{Min: min, Max: max}
}

// Contains is inclusive on both ends.
func (i Interval) Contains(v float64) bool {
	return v >= i.Min && v <= i.Max
}

func (i Interval) String() string {
	return fmt.Sprintf("[%g, %g]", i.Min, i.Max)
}

// RecordCount requires the record count to fall in the interval.
func RecordCount(expected Interval) StatRule {
	return StatRuleFunc(func(ds *dataset.Dataset) []string {
		n := float64(ds.Len())
		if expected.Contains(n) {
			return nil
		}
		return []string{fmt.Sprintf("record count %d outside expected %s", ds.Len(), expected)}
	})
}

// numericValues returns the sorted non-null numeric values of col and
// whether the column exists.
func numericValues(ds *dataset.Dataset, col string) ([]float64, bool) {
	if !ds.Schema.Has(col) {
		return nil, false
	}
	out := make([]float64, 0, ds.Len())
	for _, r := range ds.Records {
		v := r.Data[col]
		if v == nil {
			continue
		}
		if _, isStr := v.(string); isStr {
			continue
		}
		if f, ok := dataset.ToFloat(v); ok && !math.IsNaN(f) {
			out = append(out, f)
		}
	}
	sort.Float64s(out)
	return out, true
}

// DistributionRule bounds summary statistics of one numeric column.
// Nil bounds are not checked.
type DistributionRule struct {
	Column string
	Mean   *Interval
	Std    *Interval
	Q1     *Interval
	Median *Interval
	Q3     *Interval
}

// Distribution starts a distribution rule for col.
func Distribution(col string) DistributionRule {
	return DistributionRule{Column: col}
}

func (d DistributionRule) WithMean(min, max float64) DistributionRule {
	d.Mean = &Interval{min, max}
	return d
}

func (d DistributionRule) WithStd(min, max float64) DistributionRule {
	d.Std = &Interval{min, max}
	return d
}

func (d DistributionRule) WithQ1(min, max float64) DistributionRule {
	d.Q1 = &Interval{min, max}
	return d
}

func (d DistributionRule) WithMedian(min, max float64) DistributionRule {
	d.Median = &Interval{min, max}
	return d
}

func (d DistributionRule) WithQ3(min, max float64) DistributionRule {
	d.Q3 = &Interval{min, max}
	return d
}

func (d DistributionRule) Check(ds *dataset.Dataset) []string {
	values, ok := numericValues(ds, d.Column)
	if !ok {
		return []string{fmt.Sprintf("column %q missing for statistics", d.Column)}
	}
	if len(values) == 0 {
		return []string{fmt.Sprintf("column %q has no numeric values for statistics", d.Column)}
	}
	var errs []string
	checkStat := func(name string, bound *Interval, value float64) {
		if bound != nil && !bound.Contains(value) {
			errs = append(errs, fmt.Sprintf("column %q %s %.4g outside expected %s", d.Column, name, value, bound))
		}
	}
	checkStat("mean", d.Mean, stat.Mean(values, nil))
	if d.Std != nil && len(values) > 1 {
		checkStat("standard deviation", d.Std, stat.StdDev(values, nil))
	}
	checkStat("first quartile", d.Q1, stat.Quantile(0.25, stat.LinInterp, values, nil))
	checkStat("median", d.Median, stat.Quantile(0.5, stat.LinInterp, values, nil))
	checkStat("third quartile", d.Q3, stat.Quantile(0.75, stat.LinInterp, values, nil))
	return errs
}

// CategoryShare bounds the percentage (0-100) of non-null records taking
// each listed value of a categorical column.
func CategoryShare(col string, expected map[string]Interval) StatRule {
	return StatRuleFunc(func(ds *dataset.Dataset) []string {
		if !ds.Schema.Has(col) {
			return []string{fmt.Sprintf("column %q missing for statistics", col)}
		}
		counts := map[string]int{}
		total := 0
		for _, r := range ds.Records {
			v := r.Data[col]
			if v == nil {
				continue
			}
			counts[fmt.Sprint(v)]++
			total++
		}
		if total == 0 {
			return []string{fmt.Sprintf("column %q has no values for statistics", col)}
		}
		cats := make([]string, 0, len(expected))
		for c := range expected {
			cats = append(cats, c)
		}
		sort.Strings(cats)
		var errs []string
		for _, c := range cats {
			pct := 100 * float64(counts[c]) / float64(total)
			if bound := expected[c]; !bound.Contains(pct) {
				errs = append(errs, fmt.Sprintf("column %q value %q share %.2f%% outside expected %s", col, c, pct, bound))
			}
		}
		return errs
	})
}

// OutlierRule flags values whose z-score exceeds Multiple × ZThreshold.
// The check fails when the share of such extreme values exceeds MaxShare
// (a fraction, 0 means any extreme value fails).
type OutlierRule struct {
	Column     string
	ZThreshold float64
	Multiple   float64
	MaxShare   float64
}

// Outliers builds an outlier rule with the conventional z=3 threshold and
// a multiple of 2.
func Outliers(col string) OutlierRule {
	return OutlierRule{Column: col, ZThreshold: 3, Multiple: 2}
}

func (o OutlierRule) Check(ds *dataset.Dataset) []string {
	values, ok := numericValues(ds, o.Column)
	if !ok {
		return []string{fmt.Sprintf("column %q missing for statistics", o.Column)}
	}
	if len(values) < 2 {
		return nil
	}
	mean, std := stat.MeanStdDev(values, nil)
	if std == 0 {
		return nil
	}
	limit := o.ZThreshold * o.Multiple
	extreme := 0
	for _, v := range values {
		if math.Abs(v-mean)/std > limit {
			extreme++
		}
	}
	share := float64(extreme) / float64(len(values))
	if extreme == 0 || share <= o.MaxShare {
		return nil
	}
	return []string{fmt.Sprintf("column %q has %d extreme outliers (|z| > %g), %.2f%% of values", o.Column, extreme, limit, 100*share)}
}

// DensityRule checks a kernel-density-estimate column: values must be
// non-negative, mean and spread within calibrated bounds, and the share of
// values above High within HighShare (fractions 0-1).
type DensityRule struct {
	Column    string
	Mean      Interval
	Std       Interval
	High      float64
	HighShare Interval
}

func (d DensityRule) Check(ds *dataset.Dataset) []string {
	values, ok := numericValues(ds, d.Column)
	if !ok {
		return []string{fmt.Sprintf("column %q missing for statistics", d.Column)}
	}
	if len(values) == 0 {
		return []string{fmt.Sprintf("column %q has no numeric values for statistics", d.Column)}
	}
	var errs []string
	if values[0] < 0 {
		neg := sort.SearchFloat64s(values, 0)
		errs = append(errs, fmt.Sprintf("column %q has %d negative density values", d.Column, neg))
	}
	mean, std := stat.MeanStdDev(values, nil)
	if !d.Mean.Contains(mean) {
		errs = append(errs, fmt.Sprintf("column %q mean density %.4g outside expected %s", d.Column, mean, d.Mean))
	}
	if len(values) > 1 && !d.Std.Contains(std) {
		errs = append(errs, fmt.Sprintf("column %q density standard deviation %.4g outside expected %s", d.Column, std, d.Std))
	}
	high := len(values) - sort.Search(len(values), func(i int) bool { return values[i] > d.High })
	share := float64(high) / float64(len(values))
	if !d.HighShare.Contains(share) {
		errs = append(errs, fmt.Sprintf("column %q share of high density values %.4f outside expected %s", d.Column, share, d.HighShare))
	}
	return errs
}
