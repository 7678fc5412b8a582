package keypoints

import (
	"image"
	"math"

	"go.viam.com/vslam/rimage"
)

// starScales are the inner box radii of the center-surround filters. Each outer box has twice the
// inner radius.
var starScales = [5]int{1, 2, 3, 4, 6}

const starLineThreshold = 10

// NewStarDetector returns an unordered center-surround blob detector over five scales.
func NewStarDetector() *UnorderedDetector {
	return &UnorderedDetector{
		name:   "Star",
		src:    &starSource{lineThresh: starLineThreshold},
		thresh: 30,
		rng:    ThresholdRange{Min: 1, Max: 64},
	}
}

type starSource struct {
	lineThresh float64

	last     *image.Gray
	response []float64
	scale    []int
	w, h     int
}

func (ss *starSource) prepare(img *image.Gray) {
	if ss.last == img {
		return
	}
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	ii := rimage.NewIntegralImage(img)
	ss.response = make([]float64, w*h)
	ss.scale = make([]int, w*h)
	border := 2*starScales[len(starScales)-1] + 1
	rimage.ParallelForEachRow(h, func(y int) {
		if y < border || y >= h-border {
			return
		}
		for x := border; x < w-border; x++ {
			best, bestScale := 0., 0
			for _, n := range starScales {
				inner := ii.BoxSum(x-n, y-n, x+n+1, y+n+1)
				outer := ii.BoxSum(x-2*n, y-2*n, x+2*n+1, y+2*n+1)
				innerArea := float64((2*n + 1) * (2*n + 1))
				ringArea := float64((4*n+1)*(4*n+1)) - innerArea
				r := float64(inner)/innerArea - float64(outer-inner)/ringArea
				if math.Abs(r) > math.Abs(best) {
					best, bestScale = r, n
				}
			}
			ss.response[y*w+x] = math.Abs(best)
			ss.scale[y*w+x] = bestScale
		}
	})
	ss.last, ss.w, ss.h = img, w, h
}

func (ss *starSource) features(img *image.Gray, _ int, thresh float64) (KeyPoints, error) {
	ss.prepare(img)
	var out KeyPoints
	for y := 1; y < ss.h-1; y++ {
		for x := 1; x < ss.w-1; x++ {
			r := ss.response[y*ss.w+x]
			if r < thresh || !isLocalMax(ss.response, ss.w, ss.h, x, y) {
				continue
			}
			if ss.onLine(img, x, y, ss.scale[y*ss.w+x]) {
				continue
			}
			out = append(out, image.Point{X: x, Y: y})
		}
	}
	return out, nil
}

// onLine rejects responses whose gradient structure tensor is dominated by one direction, which is
// what an edge looks like to a center-surround filter.
func (ss *starSource) onLine(img *image.Gray, x, y, n int) bool {
	var a, b, c float64
	for dy := -n; dy <= n; dy++ {
		for dx := -n; dx <= n; dx++ {
			px, py := x+dx, y+dy
			gx := float64(img.Pix[py*img.Stride+px+1]) - float64(img.Pix[py*img.Stride+px-1])
			gy := float64(img.Pix[(py+1)*img.Stride+px]) - float64(img.Pix[(py-1)*img.Stride+px])
			a += gx * gx
			b += gy * gy
			c += gx * gy
		}
	}
	det := a*b - c*c
	if det <= 0 {
		return true
	}
	trace := a + b
	lt := ss.lineThresh
	return trace*trace/det > (lt+1)*(lt+1)/lt
}
