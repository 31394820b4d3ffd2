// Package histogram implements a fixed-bin latency histogram with
// quantile interpolation, combine, and dynamic rebinning, including a
// counter-intuitive but intentional axis labelling in Quantile's
// interpolation (see the comment there).
package histogram

import (
	"sort"
	"strconv"
)

// Histogram is a fixed-count-bin histogram over a half-open numeric
// range, with a cached CDF for quantile lookups.
type Histogram struct {
	x   []float64 // bin upper edges, strictly increasing
	y   []float64 // bin counts
	cdf []float64 // cached CDF, refreshed by updateCDF
}

// New builds a histogram with n equal-width bins covering [min, max).
// Bin i's upper edge is min + (i+1)*(max-min)/n, matching the
// original's constructor exactly.
func New(n int, min, max float64) *Histogram {
	h := &Histogram{
		x:   make([]float64, n),
		y:   make([]float64, n),
		cdf: make([]float64, n),
	}
	deltaX := (max - min) / float64(n)
	for i := 0; i < n; i++ {
		h.x[i] = float64(i+1)*deltaX + min
	}
	return h
}

// NBins returns the number of bins.
func (h *Histogram) NBins() int { return len(h.x) }

// MinBin returns the first bin's upper edge.
func (h *Histogram) MinBin() float64 { return h.x[0] }

// MaxBin returns the last bin's upper edge.
func (h *Histogram) MaxBin() float64 { return h.x[len(h.x)-1] }

// Count returns the total number of samples recorded in-range (does
// not include exceptional values; those are the owning
// ContinuousStatistic's responsibility).
func (h *Histogram) Count() float64 {
	var sum float64
	for _, v := range h.y {
		sum += v
	}
	return sum
}

// findClosestBin returns the index of the first element of values
// that is >= searchValue (a binary search / lower_bound), or len(values)
// if none.
func findClosestBin(values []float64, searchValue float64) int {
	return sort.Search(len(values), func(i int) bool {
		return values[i] >= searchValue
	})
}

// Add records a sample, clamping to the last bin if the value exceeds
// every bin's upper edge. Values above the histogram's max bin are the
// caller's (ContinuousStatistic's) responsibility to buffer as
// exceptional instead of calling Add.
func (h *Histogram) Add(v float64) {
	idx := findClosestBin(h.x, v)
	if idx > len(h.y)-1 {
		idx = len(h.y) - 1
	}
	h.y[idx]++
}

// updateCDF refreshes the cached CDF from the current bin counts.
func (h *Histogram) updateCDF() {
	total := h.Count()
	var cur float64
	for i, y := range h.y {
		if total > 0 {
			cur += y / total
		}
		h.cdf[i] = cur
	}
}

// linearInterpolate performs the same interpolation as the original:
// given two (x, y) anchor points (bottomX, bottomY) and (topX, topY),
// return the y value at xValue.
func linearInterpolate(bottomX, topX, bottomY, topY, xValue float64) float64 {
	if topX == bottomX {
		return bottomY
	}
	return bottomY + (topY-bottomY)/(topX-bottomX)*(xValue-bottomX)
}

// Quantile refreshes the CDF and returns the interpolated x value for
// the given quantile in (0, 1]. If no samples have been recorded the
// result is unspecified but never panics.
//
// The interpolation deliberately swaps what looks like the "x" and
// "y" axis: h.cdf[bin] plays the role of the interpolation's X
// coordinate and h.x[bin] plays the role of its Y coordinate,
// because the CDF is the independent variable when mapping a quantile
// to a latency value, even though the naming is counter-intuitive.
func (h *Histogram) Quantile(q float64) float64 {
	h.updateCDF()

	binIndex := findClosestBin(h.cdf, q)
	if binIndex >= len(h.cdf) {
		binIndex = len(h.cdf) - 1
	}

	bottomX, bottomY := 0.0, 0.0
	topX := h.cdf[binIndex]
	topY := h.x[binIndex]
	if binIndex != 0 {
		bottomX = h.cdf[binIndex-1]
		bottomY = h.x[binIndex-1]
	}

	return linearInterpolate(bottomX, topX, bottomY, topY, q)
}

// Combine adds another histogram's counts into this one, pointwise.
// Both histograms must share identical bin edges (same N, min, max).
func (h *Histogram) Combine(other *Histogram) {
	for i := range h.y {
		h.y[i] += other.y[i]
	}
	h.updateCDF()
}

// InsertSmallerSamples migrates another (typically narrower-range)
// histogram's counts into this one by nearest-bin, used when
// rebinning to a wider max value.
func (h *Histogram) InsertSmallerSamples(other *Histogram) {
	for i, ox := range other.x {
		idx := findClosestBin(h.x, ox)
		if idx >= len(h.y) {
			idx = len(h.y) - 1
		}
		h.y[idx] += other.y[i]
	}
}

// ToDynamic produces a map of stringified upper-edge to count, for
// JSON export.
func (h *Histogram) ToDynamic() map[string]float64 {
	m := make(map[string]float64, len(h.x))
	for i, x := range h.x {
		m[strconv.FormatFloat(x, 'g', -1, 64)] = h.y[i]
	}
	return m
}

// FromDynamic reconstructs a histogram from a ToDynamic export. Bin
// edges are sorted ascending; the resulting histogram supports
// Quantile but not Add (its range is whatever the export covered).
func FromDynamic(m map[string]float64) *Histogram {
	h := &Histogram{
		x:   make([]float64, 0, len(m)),
		y:   make([]float64, 0, len(m)),
		cdf: make([]float64, len(m)),
	}
	for k, v := range m {
		edge, err := strconv.ParseFloat(k, 64)
		if err != nil {
			continue
		}
		h.x = append(h.x, edge)
		h.y = append(h.y, v)
	}
	sort.Sort(byEdge{h})
	h.updateCDF()
	return h
}

type byEdge struct{ *Histogram }

func (b byEdge) Len() int      { return len(b.x) }
func (b byEdge) Swap(i, j int) { b.x[i], b.x[j] = b.x[j], b.x[i]; b.y[i], b.y[j] = b.y[j], b.y[i] }
func (b byEdge) Less(i, j int) bool { return b.x[i] < b.x[j] }
