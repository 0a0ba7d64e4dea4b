package segment

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createSphere fills a cube of side size with 100 inside the given radius and
// low-amplitude noise outside.
func createSphere(size int, radius float64, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	data := make([]float64, size*size*size)
	center := float64(size-1) / 2
	for z := 0; z < size; z++ {
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				dx, dy, dz := float64(x)-center, float64(y)-center, float64(z)-center
				v := rng.Float64() * 5
				if math.Sqrt(dx*dx+dy*dy+dz*dz) < radius {
					v += 100
				}
				data[z*size*size+y*size+x] = v
			}
		}
	}
	return data
}

// naiveMedian is the reference filter used to check MedianFilter3D.
func naiveMedian(data []float64, shape Shape, radius int) []float64 {
	nx, ny, nz := shape[0], shape[1], shape[2]
	out := make([]float64, len(data))
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				var w []float64
				for dz := -radius; dz <= radius; dz++ {
					for dy := -radius; dy <= radius; dy++ {
						for dx := -radius; dx <= radius; dx++ {
							xi, yi, zi := reflect(x+dx, nx), reflect(y+dy, ny), reflect(z+dz, nz)
							w = append(w, data[zi*nx*ny+yi*nx+xi])
						}
					}
				}
				sort.Float64s(w)
				out[z*nx*ny+y*nx+x] = w[len(w)/2]
			}
		}
	}
	return out
}

func TestReflect(t *testing.T) {
	assert.Equal(t, 0, reflect(-1, 4))
	assert.Equal(t, 1, reflect(-2, 4))
	assert.Equal(t, 3, reflect(4, 4))
	assert.Equal(t, 2, reflect(5, 4))
	assert.Equal(t, 0, reflect(3, 1))
	assert.Equal(t, 1, reflect(-6, 2))
}

func TestSelectKth(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		n := 1 + rng.Intn(200)
		buf := make([]float64, n)
		for i := range buf {
			// small range so duplicates are common
			buf[i] = float64(rng.Intn(10))
		}
		sorted := append([]float64(nil), buf...)
		sort.Float64s(sorted)
		k := rng.Intn(n)
		assert.Equal(t, sorted[k], selectKth(buf, k))
	}
}

func TestMedianFilter3DMatchesNaive(t *testing.T) {
	shape := Shape{7, 5, 4}
	rng := rand.New(rand.NewSource(3))
	data := make([]float64, shape.Len())
	for i := range data {
		data[i] = rng.NormFloat64()
	}

	for _, radius := range []int{1, 2, 4} {
		got := MedianFilter3D(data, shape, radius)
		assert.Equal(t, naiveMedian(data, shape, radius), got, "radius %d", radius)
	}
}

func TestMedianFilterRemovesSpike(t *testing.T) {
	shape := Shape{5, 5, 5}
	data := make([]float64, shape.Len())
	data[62] = 1000

	out := MultiMedian(data, shape, 1, 2)
	assert.Equal(t, make([]float64, shape.Len()), out)
	// input untouched
	assert.Equal(t, 1000.0, data[62])

	same := MultiMedian(data, shape, 1, 0)
	assert.Equal(t, data, same)
}

func TestOtsuThreshold(t *testing.T) {
	data := make([]float64, 0, 200)
	for i := 0; i < 120; i++ {
		data = append(data, 0)
	}
	for i := 0; i < 80; i++ {
		data = append(data, 100)
	}
	// the lower edge of the background bin
	assert.Equal(t, 0.0, OtsuThreshold(data, DefaultBins))

	// a faint voxel inside the first bin still lies above the threshold
	faint := append(append([]float64(nil), data...), 0.1)
	thr := OtsuThreshold(faint, DefaultBins)
	assert.Equal(t, 0.0, thr)
	assert.Greater(t, 0.1, thr)

	// constant input falls half a unit below its value
	assert.Equal(t, 4.5, OtsuThreshold([]float64{5, 5, 5}, DefaultBins))
	assert.Equal(t, 0.0, OtsuThreshold(nil, DefaultBins))
}

func TestMedianOtsuConstantVolume(t *testing.T) {
	shape := Shape{3, 3, 3}
	data := make([]float64, shape.Len())
	for i := range data {
		data[i] = 7
	}
	masked, mask, err := MedianOtsu(data, shape, 1, 1)
	require.NoError(t, err)
	for i := range mask {
		assert.True(t, mask[i], "voxel %d", i)
	}
	assert.Equal(t, data, masked)
}

func TestMedianOtsuRejectsNonFinite(t *testing.T) {
	shape := Shape{3, 3, 3}
	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		data := make([]float64, shape.Len())
		data[13] = bad
		_, _, err := MedianOtsu(data, shape, 1, 1)
		assert.ErrorIs(t, err, ErrNonFinite, "%v", bad)
	}
}

func TestOtsuThresholdSeparatesModes(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	var data []float64
	for i := 0; i < 500; i++ {
		data = append(data, 20+rng.NormFloat64()*3)
		data = append(data, 200+rng.NormFloat64()*10)
	}
	thr := OtsuThreshold(data, DefaultBins)

	// lower edge of the bin holding the brightest low-mode sample
	lo, hi := math.Inf(1), math.Inf(-1)
	maxLow := math.Inf(-1)
	for i, v := range data {
		lo, hi = math.Min(lo, v), math.Max(hi, v)
		if i%2 == 0 {
			maxLow = math.Max(maxLow, v)
		}
	}
	assert.LessOrEqual(t, thr, maxLow)
	assert.Greater(t, thr, maxLow-(hi-lo)/DefaultBins)
}

func TestMedianOtsu(t *testing.T) {
	size := 16
	shape := Shape{size, size, size}
	data := createSphere(size, 5, 1)

	masked, mask, err := MedianOtsu(data, shape, 2, DefaultPasses)
	require.NoError(t, err)
	require.Len(t, mask, shape.Len())

	// the whole core is brain, and at most the top histogram bin of the
	// background leaks into the mask
	c := float64(size-1) / 2
	leaked, background := 0, 0
	for z := 0; z < size; z++ {
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				i := z*size*size + y*size + x
				dx, dy, dz := float64(x)-c, float64(y)-c, float64(z)-c
				r := math.Sqrt(dx*dx + dy*dy + dz*dz)
				switch {
				case r < 3:
					assert.True(t, mask[i], "voxel %d", i)
				case r > 7:
					background++
					if mask[i] {
						leaked++
					}
				}
			}
		}
	}
	assert.Less(t, float64(leaked), 0.02*float64(background))

	for i := range data {
		if mask[i] {
			assert.Equal(t, data[i], masked[i])
		} else {
			assert.Equal(t, 0.0, masked[i])
		}
	}

	_, _, err = MedianOtsu(data[:10], shape, 2, 1)
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestProductIsLogicalAnd(t *testing.T) {
	a := []float64{0, 1, 1, 0, 1, 2}
	b := []float64{0, 0, 1, 1, 1, 1}

	got, err := Product(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 1, 0, 1, 1}, got)

	for i, v := range got {
		if v != 0 {
			assert.NotZero(t, a[i])
			assert.NotZero(t, b[i])
		}
	}
	assert.Equal(t, 3, CountNonZero(got))

	_, err = Product(a, b[:2])
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestBoolsToFloat64s(t *testing.T) {
	assert.Equal(t, []float64{1, 0, 1}, BoolsToFloat64s([]bool{true, false, true}))
}
