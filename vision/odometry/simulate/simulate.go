// Package simulate renders synthetic stereo sequences of a landmark field together with exact
// detector, disparity and descriptor fixtures for them. The fixtures recognize the images the scene
// rendered, so an odometer fed with them sees perfect feature data up to pixel rounding.
package simulate

import (
	"image"
	"image/color"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/vslam/rimage/transform"
	"go.viam.com/vslam/spatialmath"
	"go.viam.com/vslam/vision/keypoints"
	"go.viam.com/vslam/vision/keypoints/descriptors"
)

// ErrUnknownImage is returned by the fixtures for images the scene did not render.
var ErrUnknownImage = errors.New("image was not rendered by this scene")

// DefaultCamera is a 640x480 rectified pair with a 10cm baseline.
func DefaultCamera() *transform.StereoCameraModel {
	cam := transform.NewStereoCameraModel(300, 300, 0.1, 320, 320, 240)
	cam.Width, cam.Height = 640, 480
	return cam
}

// RandomLandmarks scatters n points uniformly in the box [lo, hi].
func RandomLandmarks(n int, seed int64, lo, hi r3.Vector) []r3.Vector {
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec
	out := make([]r3.Vector, n)
	for i := range out {
		out[i] = r3.Vector{
			X: lo.X + rng.Float64()*(hi.X-lo.X),
			Y: lo.Y + rng.Float64()*(hi.Y-lo.Y),
			Z: lo.Z + rng.Float64()*(hi.Z-lo.Z),
		}
	}
	return out
}

// Straight returns n poses starting at the origin and advancing by step each frame.
func Straight(n int, step r3.Vector) []*spatialmath.Pose {
	out := make([]*spatialmath.Pose, n)
	for i := range out {
		out[i] = spatialmath.NewPoseFromPoint(step.Mul(float64(i)))
	}
	return out
}

type view struct {
	landmarks []int
	pixels    map[image.Point]int
	disparity map[int]float64
}

// Scene is a static landmark field seen through a stereo camera.
type Scene struct {
	Cam       *transform.StereoCameraModel
	Landmarks []r3.Vector

	mu    sync.Mutex
	views map[*image.Gray]*view
}

// NewScene returns a scene over the given landmarks. The landmark index is its identity.
func NewScene(cam *transform.StereoCameraModel, landmarks []r3.Vector) *Scene {
	return &Scene{Cam: cam, Landmarks: landmarks, views: map[*image.Gray]*view{}}
}

// Render draws every landmark visible from pose into a stereo pair.
func (s *Scene) Render(pose *spatialmath.Pose) (left, right *image.Gray) {
	return s.RenderVisible(pose, nil)
}

// RenderVisible is Render restricted to the landmarks visible reports true for. A nil visible shows
// them all. When two landmarks round to the same pixel the lower index wins.
func (s *Scene) RenderVisible(pose *spatialmath.Pose, visible func(i int) bool) (left, right *image.Gray) {
	w, h := s.Cam.Width, s.Cam.Height
	left = image.NewGray(image.Rect(0, 0, w, h))
	right = image.NewGray(image.Rect(0, 0, w, h))
	v := &view{pixels: map[image.Point]int{}, disparity: map[int]float64{}}

	inv := spatialmath.PoseInverse(pose)
	for i, lm := range s.Landmarks {
		if visible != nil && !visible(i) {
			continue
		}
		pt := inv.Transform(lm)
		if pt.Z <= 0 {
			continue
		}
		u, y, d := s.Cam.CameraToPixel(pt)
		px := image.Point{X: int(math.Round(u)), Y: int(math.Round(y))}
		if !px.In(left.Bounds()) || d <= 0 {
			continue
		}
		if _, taken := v.pixels[px]; taken {
			continue
		}
		v.pixels[px] = i
		v.disparity[i] = d
		v.landmarks = append(v.landmarks, i)
		shade := color.Gray{Y: uint8(128 + i%128)}
		left.SetGray(px.X, px.Y, shade)
		right.SetGray(int(math.Round(u-d)), px.Y, shade)
	}

	s.mu.Lock()
	s.views[left] = v
	s.mu.Unlock()
	return left, right
}

// Visible returns the landmark indices rendered into left, in index order.
func (s *Scene) Visible(left *image.Gray) ([]int, error) {
	v, err := s.view(left)
	if err != nil {
		return nil, err
	}
	out := append([]int(nil), v.landmarks...)
	sort.Ints(out)
	return out, nil
}

func (s *Scene) view(img *image.Gray) (*view, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.views[img]
	if !ok {
		return nil, ErrUnknownImage
	}
	return v, nil
}

func (s *Scene) landmarkAt(img *image.Gray, x, y float64) (int, *view, bool) {
	v, err := s.view(img)
	if err != nil {
		return 0, nil, false
	}
	i, ok := v.pixels[image.Point{X: int(math.Round(x)), Y: int(math.Round(y))}]
	return i, v, ok
}

// Detector returns a detector reporting the rendered landmark pixels of a scene image.
func (s *Scene) Detector() keypoints.Detector { return &detector{s} }

// Disparity returns a lookup that reports the exact disparity of rendered landmarks.
func (s *Scene) Disparity() *DisparityFixture { return &DisparityFixture{s} }

// Scheme returns a descriptor scheme whose descriptor is the landmark identity.
func (s *Scene) Scheme() descriptors.Scheme { return &scheme{s} }

type detector struct{ s *Scene }

func (d *detector) Name() string { return "SceneDetector" }

func (d *detector) Detect(img *image.Gray, _ int) (keypoints.KeyPoints, error) {
	v, err := d.s.view(img)
	if err != nil {
		return nil, err
	}
	kps := make(keypoints.KeyPoints, 0, len(v.pixels))
	for px := range v.pixels {
		kps = append(kps, px)
	}
	sort.Slice(kps, func(i, j int) bool { return v.pixels[kps[i]] < v.pixels[kps[j]] })
	return kps, nil
}

// DisparityFixture looks up disparities of rendered landmarks. Points off any landmark get zero.
type DisparityFixture struct{ s *Scene }

// Lookup returns one disparity per point.
func (df *DisparityFixture) Lookup(left, _ *image.Gray, pts []image.Point) ([]float64, error) {
	if _, err := df.s.view(left); err != nil {
		return nil, err
	}
	out := make([]float64, len(pts))
	for i, p := range pts {
		if id, v, ok := df.s.landmarkAt(left, float64(p.X), float64(p.Y)); ok {
			out[i] = v.disparity[id]
		}
	}
	return out, nil
}

type scheme struct{ s *Scene }

func (sc *scheme) Name() string { return "SceneIdentity" }

func (sc *scheme) Collect(img *image.Gray, pts []keypoints.StereoPoint) ([]descriptors.Descriptor, error) {
	if _, err := sc.s.view(img); err != nil {
		return nil, err
	}
	out := make([]descriptors.Descriptor, len(pts))
	for i, p := range pts {
		id := -1
		if lm, _, ok := sc.s.landmarkAt(img, p.X, p.Y); ok {
			id = lm
		}
		out[i] = descriptors.Descriptor{float64(id)}
	}
	return out, nil
}

// Search only accepts a candidate with the same landmark identity.
func (sc *scheme) Search(query descriptors.Descriptor, cands []descriptors.Descriptor, hits []bool) (int, float64, bool) {
	if query[0] < 0 {
		return 0, 0, false
	}
	for i, c := range cands {
		if hits[i] && c[0] == query[0] {
			return i, 0, true
		}
	}
	return 0, 0, false
}
