package rimage

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// GetSobelX returns the 3x3 Sobel kernel in the x direction.
func GetSobelX() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		-1, 0, 1,
		-2, 0, 2,
		-1, 0, 1,
	})
}

// GetSobelY returns the 3x3 Sobel kernel in the y direction.
func GetSobelY() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		-1, -2, -1,
		0, 0, 0,
		1, 2, 1,
	})
}

// ConvolveGrayFloat64 correlates m with an odd-sized kernel, replicating border pixels. There is
// no clamping.
func ConvolveGrayFloat64(m, kernel mat.Matrix) *mat.Dense {
	h, w := m.Dims()
	kh, kw := kernel.Dims()
	ry, rx := kh/2, kw/2
	result := mat.NewDense(h, w, nil)
	ParallelForEachRow(h, func(y int) {
		for x := 0; x < w; x++ {
			sum := 0.
			for ky := 0; ky < kh; ky++ {
				sy := clampInt(y+ky-ry, 0, h-1)
				for kx := 0; kx < kw; kx++ {
					sx := clampInt(x+kx-rx, 0, w-1)
					sum += m.At(sy, sx) * kernel.At(ky, kx)
				}
			}
			result.Set(y, x, sum)
		}
	})
	return result
}

// GaussianKernel1D returns a normalized gaussian covering three sigmas on each side.
func GaussianKernel1D(sigma float64) []float64 {
	if sigma <= 0 {
		return []float64{1}
	}
	radius := int(math.Ceil(3 * sigma))
	kernel := make([]float64, 2*radius+1)
	sum := 0.
	for i := range kernel {
		d := float64(i - radius)
		kernel[i] = math.Exp(-0.5 * d * d / (sigma * sigma))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// GaussianSmooth blurs a float image with a separable gaussian.
func GaussianSmooth(m mat.Matrix, sigma float64) *mat.Dense {
	k := GaussianKernel1D(sigma)
	row := mat.NewDense(1, len(k), k)
	col := mat.NewDense(len(k), 1, k)
	return ConvolveGrayFloat64(ConvolveGrayFloat64(m, row), col)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
