package sba

import (
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/vslam/logging"
	"go.viam.com/vslam/rimage/transform"
	"go.viam.com/vslam/spatialmath"
	"go.viam.com/vslam/vision/keypoints"
)

func testScene(t *testing.T) (*transform.StereoCameraModel, []*spatialmath.Pose, []r3.Vector) {
	t.Helper()
	cam := transform.NewStereoCameraModel(300, 300, 0.1, 320, 320, 240)
	rng := rand.New(rand.NewSource(5))
	landmarks := make([]r3.Vector, 30)
	for i := range landmarks {
		landmarks[i] = r3.Vector{X: rng.Float64()*4 - 2, Y: rng.Float64()*2 - 1, Z: 4 + rng.Float64()*4}
	}
	truth := make([]*spatialmath.Pose, 4)
	for i := range truth {
		truth[i] = spatialmath.NewPoseFromPoint(r3.Vector{X: 0.1 * float64(i)})
	}
	return cam, truth, landmarks
}

func observe(cam *transform.StereoCameraModel, pose *spatialmath.Pose, world r3.Vector) keypoints.StereoPoint {
	local := spatialmath.PoseInverse(pose).Transform(world)
	u, v, d := cam.CameraToPixel(local)
	return keypoints.StereoPoint{X: u, Y: v, D: d}
}

func TestOptimizeRecoversPerturbedPoses(t *testing.T) {
	logger := logging.NewTestLogger(t)
	cam, truth, landmarks := testScene(t)
	rng := rand.New(rand.NewSource(6))

	poses := make([]*FramePose, len(truth))
	for i, p := range truth {
		poses[i] = &FramePose{ID: i, Pose: p.Clone()}
	}
	poses[2].Pose = spatialmath.Compose(spatialmath.NewPoseFromPoint(r3.Vector{X: 0.03, Z: 0.02}), truth[2])
	poses[3].Pose = spatialmath.Compose(spatialmath.NewPoseFromPoint(r3.Vector{X: -0.02, Y: 0.02}), truth[3])
	before := poses[2].Pose.Distance(truth[2]) + poses[3].Pose.Distance(truth[3])

	tracks := make([]*Track, len(landmarks))
	for i, l := range landmarks {
		tr := &Track{ID: i, Point: l.Add(r3.Vector{X: rng.NormFloat64() * 0.01, Y: rng.NormFloat64() * 0.01, Z: rng.NormFloat64() * 0.01})}
		for f, p := range truth {
			tr.Observations = append(tr.Observations, Observation{FrameID: f, Pixel: observe(cam, p, l)})
		}
		tracks[i] = tr
	}

	res, err := NewAdjuster(cam, logger).Optimize(poses[:2], poses[2:], tracks, 100)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Tracks, test.ShouldEqual, 30)
	test.That(t, res.FinalCost, test.ShouldBeLessThan, res.InitialCost/10)

	after := poses[2].Pose.Distance(truth[2]) + poses[3].Pose.Distance(truth[3])
	test.That(t, after, test.ShouldBeLessThan, before/3)
	test.That(t, poses[2].Pose.CheckOrthonormal(spatialmath.DefaultOrthonormalTolerance), test.ShouldBeNil)
	// fixed poses are untouched
	test.That(t, spatialmath.PoseAlmostEqual(poses[0].Pose, truth[0], 0), test.ShouldBeTrue)
}

func TestOptimizeNeedsFreeObservations(t *testing.T) {
	logger := logging.NewTestLogger(t)
	cam, truth, landmarks := testScene(t)
	fixed := []*FramePose{{ID: 0, Pose: truth[0]}, {ID: 1, Pose: truth[1]}}
	tr := &Track{ID: 1, Point: landmarks[0], Observations: []Observation{
		{FrameID: 0, Pixel: observe(cam, truth[0], landmarks[0])},
		{FrameID: 1, Pixel: observe(cam, truth[1], landmarks[0])},
	}}

	_, err := NewAdjuster(cam, logger).Optimize(fixed, nil, []*Track{tr}, 10)
	test.That(t, err, test.ShouldBeError, ErrNotEnoughObservations)

	// a track seen only by fixed frames does not count
	free := []*FramePose{{ID: 7, Pose: truth[2]}}
	_, err = NewAdjuster(cam, logger).Optimize(fixed, free, []*Track{tr}, 10)
	test.That(t, err, test.ShouldBeError, ErrNotEnoughObservations)
}
