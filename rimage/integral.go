package rimage

import "image"

// IntegralImage holds running sums of a grayscale image so that any axis-aligned box sum costs four
// lookups.
type IntegralImage struct {
	width, height int
	sums          []int64
}

// NewIntegralImage computes the integral image of img.
func NewIntegralImage(img *image.Gray) *IntegralImage {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	ii := &IntegralImage{width: w, height: h, sums: make([]int64, (w+1)*(h+1))}
	stride := w + 1
	for y := 0; y < h; y++ {
		var row int64
		for x := 0; x < w; x++ {
			row += int64(img.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			ii.sums[(y+1)*stride+x+1] = ii.sums[y*stride+x+1] + row
		}
	}
	return ii
}

// Width of the source image.
func (ii *IntegralImage) Width() int { return ii.width }

// Height of the source image.
func (ii *IntegralImage) Height() int { return ii.height }

// BoxSum returns the sum of pixels in [x0, x1) x [y0, y1), clipped to the image.
func (ii *IntegralImage) BoxSum(x0, y0, x1, y1 int) int64 {
	x0, x1 = clampInt(x0, 0, ii.width), clampInt(x1, 0, ii.width)
	y0, y1 = clampInt(y0, 0, ii.height), clampInt(y1, 0, ii.height)
	if x1 <= x0 || y1 <= y0 {
		return 0
	}
	stride := ii.width + 1
	return ii.sums[y1*stride+x1] - ii.sums[y0*stride+x1] - ii.sums[y1*stride+x0] + ii.sums[y0*stride+x0]
}

// BoxArea is the number of pixels BoxSum would add up for the same arguments.
func (ii *IntegralImage) BoxArea(x0, y0, x1, y1 int) int {
	x0, x1 = clampInt(x0, 0, ii.width), clampInt(x1, 0, ii.width)
	y0, y1 = clampInt(y0, 0, ii.height), clampInt(y1, 0, ii.height)
	if x1 <= x0 || y1 <= y0 {
		return 0
	}
	return (x1 - x0) * (y1 - y0)
}

// PrefilterCap bounds the output of the normalizing prefilter to [0, 2*PrefilterCap].
const PrefilterCap = 31

// NormalizingPrefilter subtracts the local mean over a window x window box from every pixel and
// clamps the result to +/- PrefilterCap, shifted so the output is unsigned. This removes brightness
// differences between the two cameras before block matching.
func NormalizingPrefilter(img *image.Gray, window int) *image.Gray {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	ii := NewIntegralImage(img)
	out := image.NewGray(image.Rect(0, 0, w, h))
	r := window / 2
	ParallelForEachRow(h, func(y int) {
		for x := 0; x < w; x++ {
			sum := ii.BoxSum(x-r, y-r, x+r+1, y+r+1)
			area := ii.BoxArea(x-r, y-r, x+r+1, y+r+1)
			v := int(img.GrayAt(b.Min.X+x, b.Min.Y+y).Y) - int(sum/int64(area))
			out.Pix[y*out.Stride+x] = uint8(clampInt(v, -PrefilterCap, PrefilterCap) + PrefilterCap)
		}
	})
	return out
}
