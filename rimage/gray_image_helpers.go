// Package rimage contains the grayscale image plumbing shared by the keypoint detectors, the
// descriptor schemes and the stereo disparity lookup.
package rimage

import (
	"image"
	"image/draw"
	"runtime"

	"github.com/disintegration/imaging"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// SameImgSize compares images to see if they're the same size.
func SameImgSize(g1, g2 image.Image) bool {
	return g1.Bounds().Dx() == g2.Bounds().Dx() && g1.Bounds().Dy() == g2.Bounds().Dy()
}

// MakeGray converts any image to an 8-bit grayscale image whose bounds start at the origin.
func MakeGray(pic image.Image) *image.Gray {
	if g, ok := pic.(*image.Gray); ok && g.Bounds().Min == (image.Point{}) {
		return g
	}
	nrgba := imaging.Grayscale(pic)
	result := image.NewGray(image.Rect(0, 0, nrgba.Bounds().Dx(), nrgba.Bounds().Dy()))
	draw.Draw(result, result.Bounds(), nrgba, nrgba.Bounds().Min, draw.Src)
	return result
}

// BlurGray applies a gaussian blur and returns a grayscale image. A non-positive sigma returns the
// input unchanged.
func BlurGray(img *image.Gray, sigma float64) *image.Gray {
	if sigma <= 0 {
		return img
	}
	return MakeGray(imaging.Blur(img, sigma))
}

// GrayToDense copies a grayscale image into a rows x cols float matrix.
func GrayToDense(img *image.Gray) *mat.Dense {
	b := img.Bounds()
	out := mat.NewDense(b.Dy(), b.Dx(), nil)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			out.Set(y, x, float64(img.GrayAt(b.Min.X+x, b.Min.Y+y).Y))
		}
	}
	return out
}

// ParallelForEachRow calls f once for every row index in [0, rows) spread over all CPUs. f must only
// write to state owned by its row.
func ParallelForEachRow(rows int, f func(y int)) {
	var group errgroup.Group
	group.SetLimit(runtime.GOMAXPROCS(0))
	for y := 0; y < rows; y++ {
		group.Go(func() error {
			f(y)
			return nil
		})
	}
	//nolint:errcheck
	group.Wait()
}

// InBounds reports whether the square of the given radius around p lies entirely inside img.
func InBounds(img *image.Gray, p image.Point, radius int) bool {
	b := img.Bounds()
	return p.X-radius >= b.Min.X && p.Y-radius >= b.Min.Y && p.X+radius < b.Max.X && p.Y+radius < b.Max.Y
}
