package simulate

import (
	"image"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/vslam/spatialmath"
	"go.viam.com/vslam/vision/keypoints"
)

func TestSceneFixtures(t *testing.T) {
	cam := DefaultCamera()
	landmarks := []r3.Vector{{X: 0, Y: 0, Z: 5}, {X: 1, Y: -0.5, Z: 10}, {X: 0, Y: 0, Z: -3}}
	scene := NewScene(cam, landmarks)
	left, right := scene.Render(spatialmath.NewZeroPose())

	vis, err := scene.Visible(left)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, vis, test.ShouldResemble, []int{0, 1})
	test.That(t, left.GrayAt(320, 240).Y, test.ShouldEqual, uint8(128))
	test.That(t, right.GrayAt(314, 240).Y, test.ShouldEqual, uint8(128))

	kps, err := scene.Detector().Detect(left, 10)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, kps, test.ShouldResemble, keypoints.KeyPoints{{X: 320, Y: 240}, {X: 350, Y: 225}})

	disp, err := scene.Disparity().Lookup(left, right, append(kps, image.Point{X: 5, Y: 5}))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, disp, test.ShouldResemble, []float64{6, 3, 0})

	s := scene.Scheme()
	pts := []keypoints.StereoPoint{{X: 320, Y: 240, D: 6}, {X: 350, Y: 225, D: 3}}
	desc, err := s.Collect(left, pts)
	test.That(t, err, test.ShouldBeNil)
	idx, _, ok := s.Search(desc[1], desc, []bool{true, true})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, idx, test.ShouldEqual, 1)
	_, _, ok = s.Search(desc[1], desc, []bool{true, false})
	test.That(t, ok, test.ShouldBeFalse)
}

func TestSceneUnknownImage(t *testing.T) {
	scene := NewScene(DefaultCamera(), RandomLandmarks(10, 1, r3.Vector{Z: 4}, r3.Vector{X: 1, Y: 1, Z: 8}))
	foreign := image.NewGray(image.Rect(0, 0, 10, 10))
	_, err := scene.Detector().Detect(foreign, 10)
	test.That(t, err, test.ShouldEqual, ErrUnknownImage)
	_, err = scene.Disparity().Lookup(foreign, foreign, nil)
	test.That(t, err, test.ShouldEqual, ErrUnknownImage)
}

func TestStraight(t *testing.T) {
	poses := Straight(3, r3.Vector{X: 0.5})
	test.That(t, len(poses), test.ShouldEqual, 3)
	test.That(t, poses[2].Point().X, test.ShouldAlmostEqual, 1.0)
}
