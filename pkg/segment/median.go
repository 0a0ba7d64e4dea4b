// Package segment implements the median-filter and Otsu brain segmentation
// used on b0 volumes, plus the mask arithmetic that combines segmentations.
package segment

import (
	"runtime"
	"sync"
)

// Shape is the (x, y, z) size of a volume stored with x varying fastest.
type Shape [3]int

// Len is the number of voxels in the volume.
func (s Shape) Len() int {
	return s[0] * s[1] * s[2]
}

// reflect maps an out-of-range index back into [0, n), repeating the edge
// voxel: d c b a | a b c d | d c b a.
func reflect(i, n int) int {
	for i < 0 || i >= n {
		if i < 0 {
			i = -i - 1
		}
		if i >= n {
			i = 2*n - i - 1
		}
	}
	return i
}

// MedianFilter3D replaces each voxel with the median of the cube of side
// 2*radius+1 centred on it. Planes along z are filtered in parallel.
func MedianFilter3D(data []float64, shape Shape, radius int) []float64 {
	out := make([]float64, len(data))
	if radius <= 0 {
		copy(out, data)
		return out
	}

	nx, ny, nz := shape[0], shape[1], shape[2]
	side := 2*radius + 1
	window := side * side * side
	mid := window / 2

	numCores := runtime.GOMAXPROCS(0)
	if numCores > nz {
		numCores = nz
	}
	planes := make(chan int)
	var wg sync.WaitGroup

	for c := 0; c < numCores; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]float64, window)
			for z := range planes {
				for y := 0; y < ny; y++ {
					for x := 0; x < nx; x++ {
						k := 0
						for dz := -radius; dz <= radius; dz++ {
							zz := reflect(z+dz, nz) * nx * ny
							for dy := -radius; dy <= radius; dy++ {
								yy := zz + reflect(y+dy, ny)*nx
								for dx := -radius; dx <= radius; dx++ {
									buf[k] = data[yy+reflect(x+dx, nx)]
									k++
								}
							}
						}
						out[z*nx*ny+y*nx+x] = selectKth(buf, mid)
					}
				}
			}
		}()
	}

	for z := 0; z < nz; z++ {
		planes <- z
	}
	close(planes)
	wg.Wait()

	return out
}

// MultiMedian applies MedianFilter3D passes times.
func MultiMedian(data []float64, shape Shape, radius, passes int) []float64 {
	out := data
	for i := 0; i < passes; i++ {
		out = MedianFilter3D(out, shape, radius)
	}
	if passes <= 0 {
		out = append([]float64(nil), data...)
	}
	return out
}

// selectKth partially orders buf and returns its k-th smallest element.
func selectKth(buf []float64, k int) float64 {
	lo, hi := 0, len(buf)-1
	for lo < hi {
		pivot := buf[(lo+hi)/2]
		i, j := lo, hi
		for i <= j {
			for buf[i] < pivot {
				i++
			}
			for buf[j] > pivot {
				j--
			}
			if i <= j {
				buf[i], buf[j] = buf[j], buf[i]
				i++
				j--
			}
		}
		switch {
		case k <= j:
			hi = j
		case k >= i:
			lo = i
		default:
			return buf[k]
		}
	}
	return buf[k]
}
