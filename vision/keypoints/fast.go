package keypoints

import (
	"image"
	"sort"

	"go.viam.com/vslam/rimage"
)

const (
	fastCircleRadius = 3
	// fastArcLength is the number of contiguous circle pixels that must all be brighter or all darker
	// than the center (FAST-9).
	fastArcLength = 9
	// DefaultFastBorder keeps FAST corners far enough from the edges for descriptor patches and
	// stereo windows.
	DefaultFastBorder = 16
)

// CircleIdx is the Bresenham circle of radius 3 used by the FAST segment test, clockwise from the top.
var CircleIdx = [16]image.Point{
	{0, -3}, {1, -3}, {2, -2}, {3, -1}, {3, 0}, {3, 1}, {2, 2}, {1, 3},
	{0, 3}, {-1, 3}, {-2, 2}, {-3, 1}, {-3, 0}, {-3, -1}, {-2, -2}, {-1, -3},
}

// NewFastDetector returns an ordered FAST-9 detector with the default 16 pixel border.
func NewFastDetector() *OrderedDetector {
	return NewFastDetectorWithBorder(DefaultFastBorder)
}

// NewFastDetectorWithBorder returns an ordered FAST-9 detector that ignores corners closer than
// border pixels to the image edge.
func NewFastDetectorWithBorder(border int) *OrderedDetector {
	if border < fastCircleRadius {
		border = fastCircleRadius
	}
	return &OrderedDetector{
		name:   "FAST",
		src:    &fastSource{border: border},
		thresh: 10,
		rng:    ThresholdRange{Min: 0.5, Max: 300},
	}
}

type fastSource struct {
	border int
}

type scoredPoint struct {
	p     image.Point
	score float64
}

func (fs *fastSource) features(img *image.Gray, _ int, thresh float64) (KeyPoints, error) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	scores := make([]float64, w*h)
	rimage.ParallelForEachRow(h, func(y int) {
		if y < fastCircleRadius || y >= h-fastCircleRadius {
			return
		}
		for x := fastCircleRadius; x < w-fastCircleRadius; x++ {
			scores[y*w+x] = fastScore(img, x, y, thresh)
		}
	})

	var corners []scoredPoint
	for y := fs.border; y < h-fs.border; y++ {
		for x := fs.border; x < w-fs.border; x++ {
			s := scores[y*w+x]
			if s <= 0 || !isLocalMax(scores, w, h, x, y) {
				continue
			}
			corners = append(corners, scoredPoint{image.Point{X: x, Y: y}, s})
		}
	}
	return sortByScore(corners), nil
}

// fastScore returns 0 when (x, y) fails the segment test; otherwise the summed contrast of the
// brighter or darker circle pixels beyond the threshold.
func fastScore(img *image.Gray, x, y int, thresh float64) float64 {
	center := float64(img.Pix[y*img.Stride+x])
	var brighter, darker uint32
	var sumBright, sumDark float64
	nb, nd := 0, 0
	for i, off := range CircleIdx {
		v := float64(img.Pix[(y+off.Y)*img.Stride+x+off.X])
		switch {
		case v > center+thresh:
			brighter |= 1 << i
			sumBright += v - center - thresh
			nb++
		case v < center-thresh:
			darker |= 1 << i
			sumDark += center - v - thresh
			nd++
		}
	}
	score := 0.
	if nb >= fastArcLength && hasArc(brighter) {
		score = sumBright
	}
	if nd >= fastArcLength && hasArc(darker) && sumDark > score {
		score = sumDark
	}
	return score
}

// hasArc reports whether the 16 bit circular mask contains fastArcLength consecutive set bits.
func hasArc(mask uint32) bool {
	doubled := mask | mask<<16
	run := 0
	for i := 0; i < 32; i++ {
		if doubled&(1<<i) != 0 {
			run++
			if run >= fastArcLength {
				return true
			}
		} else {
			run = 0
		}
	}
	return false
}

// isLocalMax applies 3x3 non-maximum suppression; ties go to the later pixel in raster order.
func isLocalMax(scores []float64, w, h, x, y int) bool {
	s := scores[y*w+x]
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			nx, ny := x+dx, y+dy
			if nx < 0 || ny < 0 || nx >= w || ny >= h {
				continue
			}
			n := scores[ny*w+nx]
			if n > s || (n == s && (dy > 0 || (dy == 0 && dx > 0))) {
				return false
			}
		}
	}
	return true
}

// sortByScore orders points strongest first, breaking ties by x then y, both descending.
func sortByScore(pts []scoredPoint) KeyPoints {
	sort.Slice(pts, func(i, j int) bool {
		if pts[i].score != pts[j].score {
			return pts[i].score > pts[j].score
		}
		if pts[i].p.X != pts[j].p.X {
			return pts[i].p.X > pts[j].p.X
		}
		return pts[i].p.Y > pts[j].p.Y
	})
	out := make(KeyPoints, len(pts))
	for i, sp := range pts {
		out[i] = sp.p
	}
	return out
}
