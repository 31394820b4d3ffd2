package stats

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/lightstep/treadmill/internal/histogram"
	"github.com/lightstep/treadmill/internal/randgen"
)

const (
	// NumberOfBins is the default histogram bin count, matching
	// ContinuousStatistic.h's kNumberOfBins.
	NumberOfBins = 1024
	// ExceptionalCapacity is the size of the exceptional-values buffer
	// before a rebin is forced, matching kExceptionalValues.
	ExceptionalCapacity = 1000
	// DefaultWarmupSamples and DefaultCalibrationSamples are the
	// fallback lifecycle budgets for any statistic other than
	// "request_latency".
	DefaultWarmupSamples      = 10
	DefaultCalibrationSamples = 10
)

// quantiles is the fixed set of percentiles reported by ToDynamic and
// Counters, matching ContinuousStatistic.cpp's kQuantiles.
var quantiles = []struct {
	q     float64
	label string
}{
	{0.01, "p01"}, {0.05, "p05"}, {0.10, "p10"}, {0.15, "p15"}, {0.20, "p20"},
	{0.50, "p50"}, {0.80, "p80"}, {0.85, "p85"}, {0.90, "p90"}, {0.95, "p95"}, {0.99, "p99"},
}

// ContinuousStatistic is a streaming statistic with a three-phase
// lifecycle -- warm-up (discarded), calibration (buffered, used to
// pick histogram bounds), then live recording into both streaming
// moments and a histogram.
type ContinuousStatistic struct {
	name string

	histogram *histogram.Histogram

	nWarmupSamples int
	warmupSamples  int

	calibrationSamples  []float64
	nCalibrationSamples int

	// Streaming moments, Welford/Chan parallel-variance accumulators.
	s0     int64
	s1, s2 float64
	a, q   float64

	minSet, maxSet bool
	min, max       float64

	exceptional      [ExceptionalCapacity]float64
	exceptionalIndex int

	rng *randgen.Shared
}

// NewContinuous builds a ContinuousStatistic with the given warm-up
// and calibration sample budgets.
func NewContinuous(name string, nWarmup, nCalibration int) *ContinuousStatistic {
	return &ContinuousStatistic{
		name:                name,
		nWarmupSamples:      nWarmup,
		nCalibrationSamples: nCalibration,
		rng:                 randgen.NewShared(randgen.UseWallClockSeed),
	}
}

func (c *ContinuousStatistic) Name() string { return c.name }

// rebinHistogram rebuilds the histogram with a wider max bin, either a
// caller-specified targetMax or, when negative, the next power of two
// at or above the largest buffered exceptional value (matching
// ContinuousStatistic.cpp's rebinHistogram).
func (c *ContinuousStatistic) rebinHistogram(targetMax float64) {
	minValue := c.histogram.MinBin()

	newMax := targetMax
	if targetMax < 0 {
		var maxExceptional float64
		for i := 0; i < c.exceptionalIndex; i++ {
			if c.exceptional[i] > maxExceptional {
				maxExceptional = c.exceptional[i]
			}
		}
		newMax = math.Pow(2, math.Ceil(math.Log2(maxExceptional)))
	}

	newHist := histogram.New(NumberOfBins, minValue, newMax)
	newHist.InsertSmallerSamples(c.histogram)
	for i := 0; i < c.exceptionalIndex; i++ {
		newHist.Add(c.exceptional[i])
	}
	c.exceptionalIndex = 0
	c.histogram = newHist
}

// setHistogramBins derives [min/2, max*2] from the buffered calibration
// samples, synchronizes it against the process-wide range registry so
// every goroutine's same-named statistic agrees on bin edges, and
// constructs the histogram.
func (c *ContinuousStatistic) setHistogramBins() {
	minValue, maxValue := 0.0, 1.0
	if len(c.calibrationSamples) > 0 {
		minValue, maxValue = c.calibrationSamples[0], c.calibrationSamples[0]
		for _, v := range c.calibrationSamples {
			if v < minValue {
				minValue = v
			}
			if v > maxValue {
				maxValue = v
			}
		}
	}
	proposed := HistogramRange{NumBins: NumberOfBins, Min: minValue / 2.0, Max: maxValue * 2.0}
	accepted := globalRangeRegistry.synchronize(c.name, proposed)
	c.histogram = histogram.New(accepted.NumBins, accepted.Min, accepted.Max)
}

// AddSample records one latency/value sample, handling the
// warm-up/calibration lifecycle and exceptional-value rebinning.
func (c *ContinuousStatistic) AddSample(value float64) {
	if c.histogram == nil {
		if c.warmupSamples < c.nWarmupSamples {
			c.warmupSamples++
			return
		}
		if len(c.calibrationSamples) < c.nCalibrationSamples {
			c.calibrationSamples = append(c.calibrationSamples, value)
			return
		}
		c.setHistogramBins()
		// Reset accumulated stats after calibration, matching the
		// original: calibration samples never count toward s0/min/max.
		c.s0, c.s1, c.s2, c.a, c.q = 0, 0, 0, 0, 0
		c.min, c.max = 0, 0
		c.minSet, c.maxSet = false, false
	}

	if value > c.histogram.MaxBin() {
		c.exceptional[c.exceptionalIndex] = value
		c.exceptionalIndex++
		if c.exceptionalIndex == ExceptionalCapacity {
			c.rebinHistogram(-1)
		}
	} else {
		c.histogram.Add(value)
	}

	c.s0++
	c.s1 += value
	c.s2 += value * value
	tempA := c.a
	c.a += (value - c.a) / float64(c.s0)
	c.q += (value - tempA) * (value - c.a)

	if c.minSet {
		c.min = math.Min(c.min, value)
	} else {
		c.min, c.minSet = value, true
	}
	if c.maxSet {
		c.max = math.Max(c.max, value)
	} else {
		c.max, c.maxSet = value, true
	}
}

// Average returns the running mean, 0 if no samples have been
// recorded yet.
func (c *ContinuousStatistic) Average() float64 {
	if c.s0 == 0 {
		return 0
	}
	return c.s1 / float64(c.s0)
}

// StdDev returns the running sample standard deviation.
func (c *ContinuousStatistic) StdDev() float64 {
	if c.s0 <= 1 {
		return 0
	}
	return math.Sqrt(c.q / float64(c.s0-1))
}

// CV returns the coefficient of variation (stddev/mean).
func (c *ContinuousStatistic) CV() float64 {
	avg := c.Average()
	if avg == 0 {
		return 0
	}
	return c.StdDev() / avg
}

// Min and Max return the streaming extrema observed post-calibration.
func (c *ContinuousStatistic) Min() float64 { return c.min }
func (c *ContinuousStatistic) Max() float64 { return c.max }

// N returns the number of post-calibration samples recorded.
func (c *ContinuousStatistic) N() int64 { return c.s0 }

// Quantile estimates the value at the given quantile in (0, 1] from
// the histogram. Returns 0 if calibration hasn't completed yet.
func (c *ContinuousStatistic) Quantile(q float64) float64 {
	if c.histogram == nil {
		return 0
	}
	return c.histogram.Quantile(q)
}

// MeanConfidence returns the 95% (z=1.96) confidence half-width on the
// running mean.
func (c *ContinuousStatistic) MeanConfidence() float64 {
	if c.s0 == 0 {
		return 0
	}
	return 1.96 * stat.StdErr(c.StdDev(), float64(c.s0))
}

// QuantileConfidence bootstraps a confidence half-width for the given
// quantile: draw N samples from the empirical CDF 100 times, take the
// mean of each resample, and compute the confidence half-width across
// those 100 means. Matches ContinuousStatistic.cpp's
// quantileConfidence.
func (c *ContinuousStatistic) QuantileConfidence(q float64) float64 {
	if c.histogram == nil || c.s0 == 0 {
		return 0
	}
	const nResamples = 100
	means := make([]float64, 0, nResamples)
	for i := 0; i < nResamples; i++ {
		var sum float64
		for j := int64(0); j < c.s0; j++ {
			randQuantile := c.rng.Float64()
			sum += c.histogram.Quantile(randQuantile)
		}
		means = append(means, sum/float64(c.s0))
	}
	_, sd := stat.MeanStdDev(means, nil)
	return 1.96 * stat.StdErr(sd, float64(len(means)))
}

// Combine folds other's samples into this statistic using the
// canonical Chan-Golub-LeVeque parallel-variance update.
func (c *ContinuousStatistic) Combine(other Statistic) {
	o := other.(*ContinuousStatistic)

	if c.s0+o.s0 > 0 {
		switch {
		case c.s0 <= 0:
			c.a, c.q = o.a, o.q
		case o.s0 <= 0:
			// no-op
		default:
			delta := o.a - c.a
			n := c.s0 + o.s0
			c.q = c.q + o.q + delta*delta*float64(c.s0)*float64(o.s0)/float64(n)
			c.a = c.a + delta*(float64(o.s0)/float64(n))
		}
	}

	c.s0 += o.s0
	c.s1 += o.s1
	c.s2 += o.s2

	if c.minSet {
		c.min = math.Min(c.min, o.min)
	} else {
		c.min = o.min
	}
	if c.maxSet {
		c.max = math.Max(c.max, o.max)
	} else {
		c.max = o.max
	}
	c.minSet = c.minSet || o.minSet
	c.maxSet = c.maxSet || o.maxSet

	if o.histogram == nil {
		return
	}

	// Work on a private copy so rebinning `other` for the merge never
	// mutates the caller's live statistic; also rebin any pending
	// exceptional values into it first so combine never silently drops
	// them.
	otherCopy := o.clone()
	if otherCopy.exceptionalIndex != 0 {
		otherCopy.rebinHistogram(-1)
	}

	if c.histogram == nil {
		c.histogram = otherCopy.histogram
		return
	}

	newMax := math.Max(c.histogram.MaxBin(), otherCopy.histogram.MaxBin())
	if c.histogram.MaxBin() != newMax {
		c.rebinHistogram(newMax)
	}
	if otherCopy.histogram.MaxBin() != newMax {
		otherCopy.rebinHistogram(newMax)
	}
	c.histogram.Combine(otherCopy.histogram)
}

// clone returns a deep-enough copy for use as a combine scratch space:
// same accumulators, and its own histogram instance if one exists.
func (c *ContinuousStatistic) clone() *ContinuousStatistic {
	cp := *c
	if c.histogram != nil {
		h := histogram.New(c.histogram.NBins(), c.histogram.MinBin(), c.histogram.MaxBin())
		h.Combine(c.histogram)
		cp.histogram = h
	}
	cp.rng = randgen.NewShared(randgen.UseWallClockSeed)
	return &cp
}

// Clone returns an independent copy for use as the first entry when a
// statistic name is seen for the first time while folding another
// goroutine's manager in.
func (c *ContinuousStatistic) Clone() Statistic { return c.clone() }

// ToDynamic renders n_samples, average, std_dev, the fixed quantile
// set, and the raw histogram for JSON export.
func (c *ContinuousStatistic) ToDynamic() map[string]interface{} {
	m := map[string]interface{}{
		"n_samples": c.s0,
		"average":   c.Average(),
		"std_dev":   c.StdDev(),
	}
	if c.histogram != nil {
		for _, p := range quantiles {
			m[p.label] = c.histogram.Quantile(p.q)
		}
		m["histogram"] = c.histogram.ToDynamic()
	}
	return m
}

// Counters flattens this statistic into name.count / name.avg /
// name.stddev / name.pXX scalars.
func (c *ContinuousStatistic) Counters() map[string]int64 {
	m := map[string]int64{
		c.name + ".count":  c.s0,
		c.name + ".avg":    int64(c.Average()),
		c.name + ".stddev": int64(c.StdDev()),
	}
	if c.histogram != nil {
		for _, p := range quantiles {
			m[c.name+"."+p.label] = int64(c.histogram.Quantile(p.q))
		}
	}
	return m
}

// HasHistogram reports whether calibration has completed and the
// histogram exists (used by StatisticsManager.print to distinguish
// "not enough samples yet" from a real statistic).
func (c *ContinuousStatistic) HasHistogram() bool { return c.histogram != nil }
