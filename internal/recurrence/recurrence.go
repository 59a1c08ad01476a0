// Package recurrence scores how regularly a series of timestamps repeats.
//
// Confidence rewards regular, frequently observed intervals:
//
//	confidence = clamp(1 - stddev/mean, 0, 1) * min(1, n / saturation)
//
// The reported recurrence interval is the median delta so one outlier gap does
// not skew the prediction, while mean and stddev still drive confidence so
// irregularity is penalised honestly.
package recurrence

import (
	"errors"
	"math"
	"sort"
	"time"
)

const day = 24 * time.Hour

var (
	// ErrInsufficient means fewer observations than Options.MinObservations.
	ErrInsufficient = errors.New("insufficient observations")

	// ErrZeroInterval means every observation shares one timestamp.
	ErrZeroInterval = errors.New("zero mean interval")
)

// Options tunes Analyze. Zero values fall back to DefaultOptions.
type Options struct {
	MinObservations int     // minimum number of timestamps (default 3)
	Saturation      int     // observation count at which frequency stops adding confidence (default 5)
	ModeShare       float64 // share of observations a weekday/hour mode needs to be reported (default 0.6)
}

// DefaultOptions returns the standard detector settings.
func DefaultOptions() Options {
	return Options{MinObservations: 3, Saturation: 5, ModeShare: 0.6}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MinObservations <= 0 {
		o.MinObservations = d.MinObservations
	}
	if o.Saturation <= 0 {
		o.Saturation = d.Saturation
	}
	if o.ModeShare <= 0 {
		o.ModeShare = d.ModeShare
	}
	return o
}

// Analysis is the outcome of scoring one series.
type Analysis struct {
	Observations  int
	DeltasDays    []float64
	MeanDays      float64
	MedianDays    float64
	StdDevDays    float64
	CV            float64
	Confidence    float64
	First         time.Time
	Last          time.Time
	NextPredicted time.Time
	DayOfWeek     *int // UTC weekday mode, nil when no weekday dominates
	HourOfDay     *int // UTC hour mode, nil when no hour dominates
}

// Analyze scores a series of timestamps. Input order does not matter.
func Analyze(times []time.Time, opts Options) (*Analysis, error) {
	opts = opts.withDefaults()
	if len(times) < opts.MinObservations || len(times) < 2 {
		return nil, ErrInsufficient
	}

	sorted := make([]time.Time, len(times))
	copy(sorted, times)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	deltas := make([]float64, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		deltas[i-1] = float64(sorted[i].Sub(sorted[i-1])) / float64(day)
	}

	mean := Mean(deltas)
	if mean <= 0 {
		return nil, ErrZeroInterval
	}
	std := StdDev(deltas, mean)
	cv := std / mean

	a := &Analysis{
		Observations: len(sorted),
		DeltasDays:   deltas,
		MeanDays:     mean,
		MedianDays:   Median(deltas),
		StdDevDays:   std,
		CV:           cv,
		Confidence:   Confidence(cv, len(sorted), opts.Saturation),
		First:        sorted[0],
		Last:         sorted[len(sorted)-1],
	}
	a.NextPredicted = a.Last.Add(time.Duration(mean * float64(day)))

	weekdays := make([]int, len(sorted))
	hours := make([]int, len(sorted))
	for i, t := range sorted {
		u := t.UTC()
		weekdays[i] = int(u.Weekday())
		hours[i] = u.Hour()
	}
	a.DayOfWeek = dominant(weekdays, opts.ModeShare)
	a.HourOfDay = dominant(hours, opts.ModeShare)
	return a, nil
}

// Confidence combines regularity and evidence volume into [0, 1].
// A coefficient of variation of 1 or more scores zero.
func Confidence(cv float64, observations, saturation int) float64 {
	if saturation <= 0 {
		saturation = DefaultOptions().Saturation
	}
	regularity := clamp(1-cv, 0, 1)
	volume := math.Min(1, float64(observations)/float64(saturation))
	return regularity * volume
}

// Mean returns the arithmetic mean, or 0 for an empty slice.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// StdDev returns the population standard deviation around mean.
func StdDev(xs []float64, mean float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)))
}

// Median returns the median without modifying xs.
func Median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := make([]float64, len(xs))
	copy(s, xs)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

// dominant returns the most frequent value if it accounts for at least
// minShare of the samples. Ties go to the smaller value.
func dominant(values []int, minShare float64) *int {
	if len(values) == 0 {
		return nil
	}
	counts := make(map[int]int, len(values))
	for _, v := range values {
		counts[v]++
	}
	best, bestCount := 0, -1
	for v, c := range counts {
		if c > bestCount || (c == bestCount && v < best) {
			best, bestCount = v, c
		}
	}
	if float64(bestCount)/float64(len(values)) < minShare {
		return nil
	}
	return &best
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
