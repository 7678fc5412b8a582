package odometry

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/vslam/logging"
	"go.viam.com/vslam/spatialmath"
	"go.viam.com/vslam/vision/keypoints"
)

func trackFrame(id int) *Frame {
	return &Frame{ID: id, Pose: spatialmath.NewZeroPose(), RefFrameID: NoFrame}
}

func checkTrackInvariants(t *testing.T, tm *TrackManager) {
	t.Helper()
	tails := map[keypoints.StereoPoint]int{}
	for _, tr := range tm.Tracks() {
		test.That(t, len(tr.Points), test.ShouldBeGreaterThanOrEqualTo, 2)
		test.That(t, len(tr.Points), test.ShouldEqual, len(tr.FrameIDs))
		for _, p := range tr.Points {
			test.That(t, p.D, test.ShouldBeGreaterThan, 0)
		}
		if tr.Alive {
			tails[tr.Tail()]++
		}
	}
	for _, n := range tails {
		test.That(t, n, test.ShouldEqual, 1)
	}
}

func TestTrackManagerLifecycle(t *testing.T) {
	tm := NewTrackManager(testCamera(), logging.NewTestLogger(t))
	f0, f1, f2, f3 := trackFrame(0), trackFrame(1), trackFrame(2), trackFrame(3)

	a0, a1, a2 := keypoints.StereoPoint{X: 10, Y: 10, D: 5}, keypoints.StereoPoint{X: 12, Y: 10, D: 5}, keypoints.StereoPoint{X: 14, Y: 10, D: 5}
	b0, b1 := keypoints.StereoPoint{X: 20, Y: 10, D: 5}, keypoints.StereoPoint{X: 22, Y: 10, D: 5}
	c1, c2 := keypoints.StereoPoint{X: 30, Y: 40, D: 8}, keypoints.StereoPoint{X: 32, Y: 40, D: 8}

	err := tm.Update(f0, f1, map[keypoints.StereoPoint]keypoints.StereoPoint{a0: a1, b0: b1}, NoFrame)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(tm.Live()), test.ShouldEqual, 2)
	test.That(t, tm.Live()[0].ID, test.ShouldEqual, 100)
	test.That(t, tm.Live()[1].ID, test.ShouldEqual, 101)
	checkTrackInvariants(t, tm)

	err = tm.Update(f1, f2, map[keypoints.StereoPoint]keypoints.StereoPoint{a1: a2, c1: c2}, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tm.Created(), test.ShouldEqual, 3)
	live := tm.Live()
	test.That(t, len(live), test.ShouldEqual, 2)
	test.That(t, live[0].ID, test.ShouldEqual, 100)
	test.That(t, live[0].Points, test.ShouldResemble, []keypoints.StereoPoint{a0, a1, a2})
	test.That(t, live[0].FrameIDs, test.ShouldResemble, []int{0, 1, 2})
	test.That(t, live[1].ID, test.ShouldEqual, 102)
	test.That(t, len(tm.Tracks()), test.ShouldEqual, 3)
	checkTrackInvariants(t, tm)

	// both live tracks land on the same point; the longer one survives
	x := keypoints.StereoPoint{X: 50, Y: 50, D: 6}
	err = tm.Update(f2, f3, map[keypoints.StereoPoint]keypoints.StereoPoint{a2: x, c2: x}, 2)
	test.That(t, err, test.ShouldBeNil)
	live = tm.Live()
	test.That(t, len(live), test.ShouldEqual, 1)
	test.That(t, live[0].ID, test.ShouldEqual, 100)
	// the dead track b was last seen in frame 1, before the window
	for _, tr := range tm.Tracks() {
		test.That(t, tr.ID, test.ShouldNotEqual, 101)
	}
	checkTrackInvariants(t, tm)

	_, seen := tm.FrameIDs()[3]
	test.That(t, seen, test.ShouldBeTrue)
	_, seen = tm.FrameIDs()[1]
	test.That(t, seen, test.ShouldBeTrue)
}

func TestTrackManagerZeroDisparity(t *testing.T) {
	tm := NewTrackManager(testCamera(), logging.NewTestLogger(t))
	p0 := keypoints.StereoPoint{X: 10, Y: 10, D: 5}
	p1 := keypoints.StereoPoint{X: 12, Y: 10, D: 0}
	err := tm.Update(trackFrame(0), trackFrame(1), map[keypoints.StereoPoint]keypoints.StereoPoint{p0: p1}, NoFrame)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "zero disparity")
}

func TestTrackWorldPoint(t *testing.T) {
	cam := testCamera()
	tm := NewTrackManager(cam, logging.NewTestLogger(t))
	f1 := trackFrame(1)
	f1.Pose = spatialmath.NewPoseFromPoint(r3.Vector{X: 2})
	p := keypoints.StereoPoint{X: 320, Y: 240, D: 6}
	test.That(t, tm.Update(trackFrame(0), f1, map[keypoints.StereoPoint]keypoints.StereoPoint{p: p}, NoFrame), test.ShouldBeNil)
	world := tm.Tracks()[0].adj.Point
	test.That(t, world.X, test.ShouldAlmostEqual, 2)
	test.That(t, world.Z, test.ShouldAlmostEqual, 5)
	test.That(t, len(tm.adjustable()), test.ShouldEqual, 1)
}
