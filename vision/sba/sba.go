// Package sba refines a sliding window of camera poses and the points they observe by minimizing the
// stereo reprojection error.
package sba

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/optimize"

	"go.viam.com/vslam/logging"
	"go.viam.com/vslam/rimage/transform"
	"go.viam.com/vslam/spatialmath"
	"go.viam.com/vslam/vision/keypoints"
)

// ErrNotEnoughObservations is returned when no free pose is observed by a usable track.
var ErrNotEnoughObservations = errors.New("not enough observations to adjust")

// FramePose is the camera-to-world pose of one frame. Optimize overwrites the poses of free frames
// in place.
type FramePose struct {
	ID   int
	Pose *spatialmath.Pose
}

// Observation is a stereo measurement (left pixel plus disparity) of a track in one frame.
type Observation struct {
	FrameID int
	Pixel   keypoints.StereoPoint
}

// Track is one world point with its observations. Optimize overwrites Point.
type Track struct {
	ID           int
	Observations []Observation
	Point        r3.Vector
}

// Result reports the cost before and after an Optimize call.
type Result struct {
	InitialCost float64
	FinalCost   float64
	Iterations  int
	Tracks      int
}

// Adjuster runs bundle adjustment for one stereo camera.
type Adjuster struct {
	cam    *transform.StereoCameraModel
	logger logging.Logger
}

// NewAdjuster returns an Adjuster.
func NewAdjuster(cam *transform.StereoCameraModel, logger logging.Logger) *Adjuster {
	return &Adjuster{cam: cam, logger: logger}
}

type residualTerm struct {
	frame int // index into the window, fixed frames first
	track int // index into the used tracks
	obs   keypoints.StereoPoint
}

// Optimize adjusts the free poses and the points of the tracks they see, holding the fixed poses
// constant. Observations in frames outside fixed and free are ignored.
func (a *Adjuster) Optimize(fixed, free []*FramePose, tracks []*Track, iterations int) (Result, error) {
	window := make([]*FramePose, 0, len(fixed)+len(free))
	window = append(window, fixed...)
	window = append(window, free...)
	slot := make(map[int]int, len(window))
	for i, fp := range window {
		slot[fp.ID] = i
	}

	var used []*Track
	var terms []residualTerm
	for _, t := range tracks {
		var mine []residualTerm
		seesFree := false
		for _, o := range t.Observations {
			i, ok := slot[o.FrameID]
			if !ok {
				continue
			}
			seesFree = seesFree || i >= len(fixed)
			mine = append(mine, residualTerm{frame: i, track: len(used), obs: o.Pixel})
		}
		if len(mine) < 2 || !seesFree {
			continue
		}
		used = append(used, t)
		terms = append(terms, mine...)
	}
	if len(free) == 0 || len(used) == 0 {
		return Result{}, ErrNotEnoughObservations
	}

	nPose := 6 * len(free)
	x0 := make([]float64, nPose+3*len(used))
	for i, t := range used {
		x0[nPose+3*i], x0[nPose+3*i+1], x0[nPose+3*i+2] = t.Point.X, t.Point.Y, t.Point.Z
	}

	cost := func(x []float64) float64 {
		poses := a.windowPoses(window, len(fixed), x)
		total := 0.
		for _, term := range terms {
			k := nPose + 3*term.track
			world := r3.Vector{X: x[k], Y: x[k+1], Z: x[k+2]}
			total += a.reprojection(poses[term.frame], world, term.obs)
		}
		return total
	}
	problem := optimize.Problem{
		Func: cost,
		Grad: func(grad, x []float64) {
			fd.Gradient(grad, cost, x, &fd.Settings{Formula: fd.Central, Concurrent: true})
		},
	}
	settings := &optimize.Settings{
		MajorIterations: iterations,
		Converger:       &optimize.FunctionConverge{Absolute: 1e-9, Relative: 1e-9, Iterations: 3},
	}

	res := Result{InitialCost: cost(x0), FinalCost: cost(x0), Tracks: len(used)}
	result, err := optimize.Minimize(problem, x0, settings, &optimize.LBFGS{})
	if result == nil {
		return res, errors.Wrap(err, "bundle adjustment")
	}
	if err != nil {
		a.logger.Debugw("bundle adjustment stopped early", "error", err)
	}
	res.Iterations = result.Stats.MajorIterations
	if result.F >= res.InitialCost || math.IsNaN(result.F) {
		return res, nil
	}

	res.FinalCost = result.F
	poses := a.windowPoses(window, len(fixed), result.X)
	for i, fp := range free {
		fp.Pose.Set(poses[len(fixed)+i])
	}
	for i, t := range used {
		k := nPose + 3*i
		t.Point = r3.Vector{X: result.X[k], Y: result.X[k+1], Z: result.X[k+2]}
	}
	a.logger.Debugw("bundle adjustment", "fixed", len(fixed), "free", len(free), "tracks", len(used),
		"initial_cost", res.InitialCost, "final_cost", res.FinalCost)
	return res, nil
}

// windowPoses applies the free pose perturbations in x: translation offset first, then a rotation
// vector right-multiplied onto the original rotation.
func (a *Adjuster) windowPoses(window []*FramePose, nFixed int, x []float64) []*spatialmath.Pose {
	poses := make([]*spatialmath.Pose, len(window))
	for i, fp := range window {
		if i < nFixed {
			poses[i] = fp.Pose
			continue
		}
		k := 6 * (i - nFixed)
		dt := r3.Vector{X: x[k], Y: x[k+1], Z: x[k+2]}
		dr := spatialmath.R3ToR4(r3.Vector{X: x[k+3], Y: x[k+4], Z: x[k+5]}).RotationMatrix()
		delta := spatialmath.NewPose(dr, r3.Vector{})
		p := spatialmath.Compose(fp.Pose, delta)
		poses[i] = spatialmath.NewPose(p.Rotation(), p.Point().Add(dt))
	}
	return poses
}

// reprojection is the squared (u, v, disparity) error of a world point seen from a camera pose.
// Points behind the camera get a large constant cost.
func (a *Adjuster) reprojection(pose *spatialmath.Pose, world r3.Vector, obs keypoints.StereoPoint) float64 {
	rot := pose.Rotation()
	cam := rot.Transpose().Mul(world.Sub(pose.Point()))
	if cam.Z <= 1e-6 {
		return 1e6
	}
	u, v, d := a.cam.CameraToPixel(cam)
	du, dv, dd := u-obs.X, v-obs.Y, d-obs.D
	return du*du + dv*dv + dd*dd
}
