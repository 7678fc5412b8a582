package rimage

import (
	"testing"

	"go.viam.com/test"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func TestSobelOnStepEdge(t *testing.T) {
	// dark left half, bright right half
	m := mat.NewDense(5, 6, nil)
	for y := 0; y < 5; y++ {
		for x := 3; x < 6; x++ {
			m.Set(y, x, 10)
		}
	}
	gx := ConvolveGrayFloat64(m, GetSobelX())
	gy := ConvolveGrayFloat64(m, GetSobelY())
	test.That(t, gx.At(2, 2), test.ShouldEqual, 40.0)
	test.That(t, gx.At(2, 3), test.ShouldEqual, 40.0)
	test.That(t, gx.At(2, 0), test.ShouldEqual, 0.0)
	test.That(t, gx.At(2, 5), test.ShouldEqual, 0.0)
	for y := 0; y < 5; y++ {
		for x := 0; x < 6; x++ {
			test.That(t, gy.At(y, x), test.ShouldEqual, 0.0)
		}
	}
}

func TestGaussian(t *testing.T) {
	test.That(t, GaussianKernel1D(0), test.ShouldResemble, []float64{1})
	k := GaussianKernel1D(1.5)
	test.That(t, len(k), test.ShouldEqual, 11)
	test.That(t, floats.Sum(k), test.ShouldAlmostEqual, 1)
	test.That(t, k[5], test.ShouldEqual, floats.Max(k))
	test.That(t, k[0], test.ShouldAlmostEqual, k[10])

	flat := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			flat.Set(i, j, 3)
		}
	}
	smooth := GaussianSmooth(flat, 1)
	test.That(t, smooth.At(0, 0), test.ShouldAlmostEqual, 3)
	test.That(t, smooth.At(2, 3), test.ShouldAlmostEqual, 3)
}
