// Package descriptors attaches appearance descriptors to keypoints and matches them between frames
// inside a spatial search window.
package descriptors

import (
	"image"
	"math"
	"strings"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"go.viam.com/vslam/vision/keypoints"
)

// Descriptor describes the appearance around one keypoint.
type Descriptor []float64

// Scheme computes descriptors and searches a candidate set for the best match of one descriptor.
type Scheme interface {
	Name() string
	// Collect returns one descriptor per point, in order.
	Collect(img *image.Gray, pts []keypoints.StereoPoint) ([]Descriptor, error)
	// Search returns the index of the best candidate among those with hits[i] set, its distance, and
	// false when no candidate qualifies.
	Search(query Descriptor, cands []Descriptor, hits []bool) (int, float64, bool)
}

// Window is the half extent of the search box around a predicted position. Candidates must lie
// strictly inside it.
type Window struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

// DefaultWindow is the temporal matching window of +/-64 pixels horizontally and +/-32 vertically.
func DefaultWindow() Window {
	return Window{DX: 64, DY: 32}
}

// Match is a correspondence between point A of the first frame and point B of the second.
type Match struct {
	A        int
	B        int
	Distance float64
}

// Pairs drops the distances.
func Pairs(matches []Match) [][2]int {
	out := make([][2]int, len(matches))
	for i, m := range matches {
		out[i] = [2]int{m.A, m.B}
	}
	return out
}

// MatchFeatures searches, for every point of the first frame, the points of the second frame near the
// same pixel position.
func MatchFeatures(s Scheme, ptsA []keypoints.StereoPoint, descA []Descriptor,
	ptsB []keypoints.StereoPoint, descB []Descriptor, win Window,
) []Match {
	centers := make([]r2.Point, len(ptsA))
	for i, p := range ptsA {
		centers[i] = r2.Point{X: p.X, Y: p.Y}
	}
	return MatchAt(s, centers, descA, ptsB, descB, win)
}

// MatchAt is MatchFeatures with an explicit predicted position in the second frame for every query
// descriptor.
func MatchAt(s Scheme, centers []r2.Point, descA []Descriptor,
	ptsB []keypoints.StereoPoint, descB []Descriptor, win Window,
) []Match {
	if len(descA) == 0 || len(descB) == 0 {
		return nil
	}
	var out []Match
	hits := make([]bool, len(ptsB))
	for i, q := range descA {
		c := centers[i]
		anyHit := false
		for j, p := range ptsB {
			hits[j] = math.Abs(p.X-c.X) < win.DX && math.Abs(p.Y-c.Y) < win.DY
			anyHit = anyHit || hits[j]
		}
		if !anyHit {
			continue
		}
		if best, dist, ok := s.Search(q, descB, hits); ok {
			out = append(out, Match{A: i, B: best, Distance: dist})
		}
	}
	return out
}

// NewScheme builds a descriptor scheme from its configuration name. A learned classifier without a
// model file gets a seeded random projection.
func NewScheme(name, modelPath string) (Scheme, error) {
	switch strings.ToLower(name) {
	case "", "sad", "patch_difference":
		return NewPatchDifferenceMatcher(), nil
	case "calonder", "learned_classifier":
		if modelPath == "" {
			return NewLearnedClassifierMatcher(DefaultSignatureSize, 1), nil
		}
		return LoadLearnedClassifierMatcher(modelPath)
	default:
		return nil, errors.Errorf("unknown descriptor scheme %q", name)
	}
}
