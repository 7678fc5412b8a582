package descriptors

import (
	"image"
	"math"

	"gonum.org/v1/gonum/floats"

	"go.viam.com/vslam/rimage"
	"go.viam.com/vslam/vision/keypoints"
)

const (
	sadPatchSize      = 16
	sadPrefilterWidth = 31
)

// PatchDifferenceMatcher describes a keypoint by the 16x16 block of the normalized image around it and
// matches by smallest sum of absolute differences.
type PatchDifferenceMatcher struct{}

// NewPatchDifferenceMatcher returns the SAD descriptor scheme.
func NewPatchDifferenceMatcher() *PatchDifferenceMatcher {
	return &PatchDifferenceMatcher{}
}

// Name returns the scheme name.
func (pd *PatchDifferenceMatcher) Name() string { return "PatchDifference" }

// Collect prefilters img and grabs the patch whose top-left corner is 7 pixels up and left of each
// point.
func (pd *PatchDifferenceMatcher) Collect(img *image.Gray, pts []keypoints.StereoPoint) ([]Descriptor, error) {
	norm := rimage.NormalizingPrefilter(rimage.MakeGray(img), sadPrefilterWidth)
	out := make([]Descriptor, len(pts))
	for i, p := range pts {
		patch := rimage.GrabPatch(norm, int(p.X)-7, int(p.Y)-7, sadPatchSize)
		d := make(Descriptor, len(patch))
		for j, v := range patch {
			d[j] = float64(v)
		}
		out[i] = d
	}
	return out, nil
}

// Search returns the hit with the smallest SAD. Ties keep the lowest index.
func (pd *PatchDifferenceMatcher) Search(query Descriptor, cands []Descriptor, hits []bool) (int, float64, bool) {
	best, bestDist := -1, math.Inf(1)
	for i, c := range cands {
		if !hits[i] {
			continue
		}
		if d := floats.Distance(query, c, 1); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, bestDist, best >= 0
}
