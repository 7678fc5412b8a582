package rimage

import (
	"image"
	"math"

	"github.com/pkg/errors"
)

// BlockMatcher finds the disparity of individual left-image pixels by sliding a window along the
// same row of the right image and minimizing the sum of absolute differences.
type BlockMatcher struct {
	// WindowSize is the side of the matching window; it must be odd.
	WindowSize int `json:"window_size"`
	// PrefilterSize is the window of the normalizing prefilter applied to both images.
	PrefilterSize int `json:"prefilter_size"`
	MinDisparity  int `json:"min_disparity"`
	MaxDisparity  int `json:"max_disparity"`
	// TextureThreshold is the minimum summed prefilter response in the window. Flat regions below it
	// have no reliable match.
	TextureThreshold int `json:"texture_threshold"`
	// UniquenessRatio rejects a match unless every disparity more than one pixel away costs at least
	// (1 + ratio) times the best one.
	UniquenessRatio float64 `json:"uniqueness_ratio"`
}

// NewBlockMatcher returns a matcher with settings suited to 640x480 stereo pairs.
func NewBlockMatcher() *BlockMatcher {
	return &BlockMatcher{
		WindowSize:       15,
		PrefilterSize:    9,
		MinDisparity:     0,
		MaxDisparity:     64,
		TextureThreshold: 100,
		UniquenessRatio:  0.1,
	}
}

// Validate checks the matcher settings.
func (bm *BlockMatcher) Validate() error {
	if bm.WindowSize < 3 || bm.WindowSize%2 == 0 {
		return errors.Errorf("block matching window must be odd and at least 3, got %d", bm.WindowSize)
	}
	if bm.PrefilterSize < 3 || bm.PrefilterSize%2 == 0 {
		return errors.Errorf("prefilter window must be odd and at least 3, got %d", bm.PrefilterSize)
	}
	if bm.MaxDisparity <= bm.MinDisparity {
		return errors.Errorf("max disparity %d must exceed min disparity %d", bm.MaxDisparity, bm.MinDisparity)
	}
	return nil
}

// StereoPair is a rectified, prefiltered image pair ready for disparity lookups.
type StereoPair struct {
	bm          *BlockMatcher
	left, right *image.Gray
}

// Prepare prefilters both images once so that many pixels can be looked up cheaply.
func (bm *BlockMatcher) Prepare(left, right *image.Gray) (*StereoPair, error) {
	if !SameImgSize(left, right) {
		return nil, errors.Errorf("stereo images differ in size: %v != %v", left.Bounds(), right.Bounds())
	}
	return &StereoPair{
		bm:    bm,
		left:  NormalizingPrefilter(left, bm.PrefilterSize),
		right: NormalizingPrefilter(right, bm.PrefilterSize),
	}, nil
}

// Lookup returns the sub-pixel disparity of each point, or 0 where there is no reliable match.
func (bm *BlockMatcher) Lookup(left, right *image.Gray, pts []image.Point) ([]float64, error) {
	pair, err := bm.Prepare(left, right)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(pts))
	for i, p := range pts {
		out[i] = pair.Disparity(p.X, p.Y)
	}
	return out, nil
}

// Disparity returns the sub-pixel disparity at left-image pixel (x, y), or 0 when the window leaves
// the image, the region lacks texture, or the best match is ambiguous.
func (sp *StereoPair) Disparity(x, y int) float64 {
	bm := sp.bm
	r := bm.WindowSize / 2
	p := image.Point{X: x, Y: y}
	if !InBounds(sp.left, p, r) {
		return 0
	}

	ref := GrabPatch(sp.left, x-r, y-r, bm.WindowSize)
	texture := 0
	for _, v := range ref {
		d := int(v) - PrefilterCap
		if d < 0 {
			d = -d
		}
		texture += d
	}
	if texture < bm.TextureThreshold {
		return 0
	}

	costs := make([]int, 0, bm.MaxDisparity-bm.MinDisparity+1)
	for d := bm.MinDisparity; d <= bm.MaxDisparity; d++ {
		xr := x - d
		if xr-r < 0 || xr+r >= sp.right.Bounds().Max.X {
			break
		}
		costs = append(costs, SAD(ref, GrabPatch(sp.right, xr-r, y-r, bm.WindowSize)))
	}
	if len(costs) < 3 {
		return 0
	}

	best := 0
	for i, c := range costs {
		if c < costs[best] {
			best = i
		}
	}
	for i, c := range costs {
		if i >= best-1 && i <= best+1 {
			continue
		}
		if float64(c) < float64(costs[best])*(1+bm.UniquenessRatio) {
			return 0
		}
	}

	disparity := float64(best + bm.MinDisparity)
	if best > 0 && best < len(costs)-1 {
		c0, c1, c2 := float64(costs[best-1]), float64(costs[best]), float64(costs[best+1])
		if denom := c0 - 2*c1 + c2; denom > 0 {
			disparity += 0.5 * (c0 - c2) / denom
		}
	}
	if disparity <= 0 || math.IsNaN(disparity) {
		return 0
	}
	return disparity
}
