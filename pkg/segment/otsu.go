package segment

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Defaults matching the median_otsu call used for b0 masks.
const (
	DefaultRadius = 4
	DefaultPasses = 2
	DefaultBins   = 256
)

var (
	ErrLengthMismatch = errors.New("mask lengths differ")
	ErrNonFinite      = errors.New("volume contains NaN or infinite voxels")
)

// OtsuThreshold returns the intensity that maximises the between-class
// variance of a bins-bin histogram spanning [min, max]. Bins are represented
// by their lower edge, and the threshold is the lower edge of the last bin of
// the lower class. A constant input yields min-0.5, so every voxel lies above it.
func OtsuThreshold(data []float64, bins int) float64 {
	if len(data) == 0 {
		return 0
	}
	if bins < 2 {
		bins = DefaultBins
	}
	lo, hi := floats.Min(data), floats.Max(data)
	if lo == hi {
		return lo - 0.5
	}

	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)

	dividers := make([]float64, bins+1)
	floats.Span(dividers, lo, hi)
	edges := append([]float64(nil), dividers[:bins]...)
	// stat.Histogram excludes the upper divider; max belongs to the last bin
	dividers[bins] = math.Nextafter(hi, math.Inf(1))

	hist := stat.Histogram(make([]float64, bins), dividers, sorted, nil)

	// cumulative weights and means from both ends
	w1 := make([]float64, bins)
	m1 := make([]float64, bins)
	var cw, cs float64
	for i := 0; i < bins; i++ {
		cw += hist[i]
		cs += hist[i] * edges[i]
		w1[i] = cw
		if cw > 0 {
			m1[i] = cs / cw
		}
	}
	w2 := make([]float64, bins)
	m2 := make([]float64, bins)
	cw, cs = 0, 0
	for i := bins - 1; i >= 0; i-- {
		cw += hist[i]
		cs += hist[i] * edges[i]
		w2[i] = cw
		if cw > 0 {
			m2[i] = cs / cw
		}
	}

	best, bestVar := 0, -1.0
	for i := 0; i < bins-1; i++ {
		d := m1[i] - m2[i+1]
		v := w1[i] * w2[i+1] * d * d
		if v > bestVar {
			best, bestVar = i, v
		}
	}
	return edges[best]
}

// MedianOtsu smooths data with MultiMedian, thresholds the result with Otsu
// and returns the input with the mask applied together with the mask.
func MedianOtsu(data []float64, shape Shape, radius, passes int) (masked []float64, mask []bool, err error) {
	if len(data) != shape.Len() {
		return nil, nil, fmt.Errorf("%w: %d values for a %dx%dx%d grid", ErrLengthMismatch,
			len(data), shape[0], shape[1], shape[2])
	}

	for i, v := range data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, nil, fmt.Errorf("%w: voxel %d is %v", ErrNonFinite, i, v)
		}
	}

	filtered := MultiMedian(data, shape, radius, passes)
	thresh := OtsuThreshold(filtered, DefaultBins)

	masked = make([]float64, len(data))
	mask = make([]bool, len(data))
	for i, v := range filtered {
		if v > thresh {
			mask[i] = true
			masked[i] = data[i]
		}
	}
	return masked, mask, nil
}

// BoolsToFloat64s encodes a mask as 0/1 values.
func BoolsToFloat64s(mask []bool) []float64 {
	out := make([]float64, len(mask))
	for i, m := range mask {
		if m {
			out[i] = 1
		}
	}
	return out
}

// Product is the voxel-wise product of two binary masks. Any non-zero voxel
// counts as 1, so the result is their logical AND.
func Product(a, b []float64) ([]float64, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("%w: %d and %d", ErrLengthMismatch, len(a), len(b))
	}
	out := make([]float64, len(a))
	for i := range a {
		if a[i] != 0 && b[i] != 0 {
			out[i] = 1
		}
	}
	return out, nil
}

// CountNonZero is the number of voxels marked in a mask.
func CountNonZero(mask []float64) int {
	n := 0
	for _, v := range mask {
		if v != 0 {
			n++
		}
	}
	return n
}
