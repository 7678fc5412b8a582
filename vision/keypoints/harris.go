package keypoints

import (
	"image"
	"math"

	"gonum.org/v1/gonum/mat"

	"go.viam.com/vslam/rimage"
)

const (
	harrisK         = 0.04
	harrisSigma     = 1.0
	harrisBorder    = 3
	harrisMinDist   = 2.0
	harrisMaxFactor = 1.2
)

// NewHarrisDetector returns an unordered Harris corner detector. Its threshold is a quality level
// relative to the strongest corner response in the image.
func NewHarrisDetector() *UnorderedDetector {
	return &UnorderedDetector{
		name:   "Harris",
		src:    &harrisSource{},
		thresh: 1e-3,
		rng:    ThresholdRange{Min: 1e-4, Max: 1e-2},
	}
}

// harrisSource memoizes the response of the last image since the adaptive wrapper queries the same
// image with several thresholds.
type harrisSource struct {
	last     *image.Gray
	response []float64
	maxResp  float64
	w, h     int
}

func (hs *harrisSource) prepare(img *image.Gray) {
	if hs.last == img {
		return
	}
	m := rimage.GrayToDense(img)
	ix := rimage.ConvolveGrayFloat64(m, rimage.GetSobelX())
	iy := rimage.ConvolveGrayFloat64(m, rimage.GetSobelY())
	h, w := m.Dims()

	ixx := mat.NewDense(h, w, nil)
	iyy := mat.NewDense(h, w, nil)
	ixy := mat.NewDense(h, w, nil)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			gx, gy := ix.At(y, x), iy.At(y, x)
			ixx.Set(y, x, gx*gx)
			iyy.Set(y, x, gy*gy)
			ixy.Set(y, x, gx*gy)
		}
	}
	sxx := rimage.GaussianSmooth(ixx, harrisSigma)
	syy := rimage.GaussianSmooth(iyy, harrisSigma)
	sxy := rimage.GaussianSmooth(ixy, harrisSigma)

	hs.response = make([]float64, w*h)
	hs.maxResp = 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			a, b, c := sxx.At(y, x), syy.At(y, x), sxy.At(y, x)
			r := a*b - c*c - harrisK*(a+b)*(a+b)
			hs.response[y*w+x] = r
			hs.maxResp = math.Max(hs.maxResp, r)
		}
	}
	hs.last, hs.w, hs.h = img, w, h
}

func (hs *harrisSource) features(img *image.Gray, target int, thresh float64) (KeyPoints, error) {
	hs.prepare(img)
	if hs.maxResp <= 0 {
		return KeyPoints{}, nil
	}
	quality := thresh * hs.maxResp
	var cands []scoredPoint
	for y := harrisBorder; y < hs.h-harrisBorder; y++ {
		for x := harrisBorder; x < hs.w-harrisBorder; x++ {
			r := hs.response[y*hs.w+x]
			if r <= quality || !isLocalMax(hs.response, hs.w, hs.h, x, y) {
				continue
			}
			cands = append(cands, scoredPoint{image.Point{X: x, Y: y}, r})
		}
	}
	sorted := sortByScore(cands)

	maxCount := int(harrisMaxFactor * float64(target))
	out := make(KeyPoints, 0, maxCount)
	for _, p := range sorted {
		if len(out) >= maxCount {
			break
		}
		if tooClose(out, p, harrisMinDist) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func tooClose(kept KeyPoints, p image.Point, minDist float64) bool {
	for _, q := range kept {
		dx, dy := float64(p.X-q.X), float64(p.Y-q.Y)
		if dx*dx+dy*dy < minDist*minDist {
			return true
		}
	}
	return false
}
