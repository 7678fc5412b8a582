package odometry

import (
	"image"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/vslam/logging"
	"go.viam.com/vslam/rimage"
	"go.viam.com/vslam/spatialmath"
	"go.viam.com/vslam/vision/odometry/simulate"
)

type sceneRun struct {
	scene  *simulate.Scene
	truth  []*spatialmath.Pose
	vo     *VisualOdometer
	frames []*Frame
}

func newSceneRun(t *testing.T, nFrames, nLandmarks int, cfg Config) *sceneRun {
	t.Helper()
	cam := simulate.DefaultCamera()
	scene := simulate.NewScene(cam, simulate.RandomLandmarks(nLandmarks, 7,
		r3.Vector{X: -2, Y: -1.5, Z: 5}, r3.Vector{X: 3, Y: 1.5, Z: 12}))
	vo, err := NewVisualOdometer(cam, cfg, logging.NewTestLogger(t),
		WithDetectorFactory(scene.Detector), WithDescriptorScheme(scene.Scheme()), WithDisparityLookup(scene.Disparity()))
	test.That(t, err, test.ShouldBeNil)
	return &sceneRun{scene: scene, truth: simulate.Straight(nFrames, r3.Vector{X: 0.05}), vo: vo}
}

func (r *sceneRun) frame(i int) *Frame {
	left, right := r.scene.Render(r.truth[i])
	return NewFrame(left, right)
}

func (r *sceneRun) handle(t *testing.T, i int) *Frame {
	t.Helper()
	f := r.frame(i)
	_, err := r.vo.HandleFrame(f)
	test.That(t, err, test.ShouldBeNil)
	r.frames = append(r.frames, f)
	return f
}

func simConfig() Config {
	cfg := DefaultConfig()
	cfg.TargetKeypoints = 400
	cfg.InlierThreshold = 100
	cfg.PositionThreshold = 0.51
	return cfg
}

func TestOdometerStraightLine(t *testing.T) {
	run := newSceneRun(t, 30, 300, simConfig())

	first := run.handle(t, 0)
	test.That(t, first.ID, test.ShouldEqual, 0)
	test.That(t, first.Inliers, test.ShouldEqual, FirstFrameInliers)
	test.That(t, first.HasRef(), test.ShouldBeFalse)
	test.That(t, spatialmath.PoseAlmostEqual(first.Pose, spatialmath.NewZeroPose(), 0), test.ShouldBeTrue)
	test.That(t, run.vo.Keyframe(), test.ShouldEqual, first)

	for i := 1; i < 30; i++ {
		f := run.handle(t, i)
		test.That(t, f.ID, test.ShouldEqual, i)
		test.That(t, f.HasRef(), test.ShouldBeTrue)
		test.That(t, f.Inliers, test.ShouldBeGreaterThan, 100)
		test.That(t, f.Pose.CheckOrthonormal(spatialmath.DefaultOrthonormalTolerance), test.ShouldBeNil)
		test.That(t, run.vo.LastSolveAttempts(), test.ShouldBeLessThanOrEqualTo, 2)
		if i == 11 || i == 21 {
			test.That(t, run.vo.LastSolveAttempts(), test.ShouldEqual, 2)
		}
	}

	var ids []int
	for _, rec := range run.vo.KeyframeLog() {
		ids = append(ids, rec.ID)
	}
	test.That(t, ids, test.ShouldResemble, []int{0, 10, 20})
	test.That(t, run.frames[25].RefFrameID, test.ShouldEqual, 20)

	final := run.vo.Pose().Point()
	test.That(t, final.X, test.ShouldAlmostEqual, 1.45, 0.0725)
	test.That(t, run.vo.Pose().Distance(run.truth[29]), test.ShouldBeLessThan, 0.05)

	sum := run.vo.Summary()
	test.That(t, sum.Frames, test.ShouldEqual, 30)
	test.That(t, sum.Keyframes, test.ShouldEqual, 3)
	test.That(t, sum.AvgKeypoints, test.ShouldBeGreaterThan, 250)
	test.That(t, len(sum.Timers), test.ShouldEqual, 7)
	test.That(t, run.vo.Tracks(), test.ShouldBeNil)
}

func TestOdometerLosesTracking(t *testing.T) {
	run := newSceneRun(t, 4, 200, simConfig())
	run.handle(t, 0)
	run.handle(t, 1)
	prev := run.handle(t, 2)

	left, right := run.scene.RenderVisible(run.truth[3], func(int) bool { return false })
	blind := NewFrame(left, right)
	pose, err := run.vo.HandleFrame(blind)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, blind.Inliers, test.ShouldEqual, 0)
	test.That(t, run.vo.Keyframe(), test.ShouldEqual, prev)
	test.That(t, blind.RefFrameID, test.ShouldEqual, prev.ID)
	test.That(t, spatialmath.PoseAlmostEqual(pose, prev.Pose, 1e-12), test.ShouldBeTrue)
	test.That(t, run.vo.NumFrames(), test.ShouldEqual, 4)
}

func TestOdometerRejectsUnpreparedFrame(t *testing.T) {
	run := newSceneRun(t, 2, 100, simConfig())
	run.handle(t, 0)

	foreign := NewFrame(image.NewGray(image.Rect(0, 0, 640, 480)), image.NewGray(image.Rect(0, 0, 640, 480)))
	_, err := run.vo.HandleFrame(foreign)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, run.vo.NumFrames(), test.ShouldEqual, 1)

	_, err = run.vo.HandleFrame(NewFrame(nil, nil))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestCorrectPrecedence(t *testing.T) {
	run := newSceneRun(t, 14, 300, simConfig())
	for i := 0; i < 13; i++ {
		run.handle(t, i)
	}
	key := run.vo.Keyframe()
	cur := run.frames[12]
	test.That(t, key.ID, test.ShouldEqual, 10)

	shifted := spatialmath.Compose(spatialmath.NewPoseFromPoint(r3.Vector{Y: 0.2}), key.Pose)
	corrmap := func(id int) (*spatialmath.Pose, bool) {
		if id == key.ID {
			return shifted, true
		}
		return nil, false
	}
	test.That(t, run.vo.Correct(corrmap, cur), test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqual(key.Pose, shifted, 1e-12), test.ShouldBeTrue)
	test.That(t, spatialmath.PoseAlmostEqual(cur.Pose, spatialmath.Compose(shifted, cur.DiffPose), 1e-12), test.ShouldBeTrue)
	test.That(t, run.vo.Pose(), test.ShouldEqual, cur.Pose)

	// later corrections in the same cycle do not override the pose graph
	other := spatialmath.NewPoseFromPoint(r3.Vector{Z: 3})
	ok, err := run.vo.correctPose(key, other, CorrectionBundleAdjustment)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ok, test.ShouldBeFalse)
	ok, err = run.vo.correctPose(cur, other, CorrectionPoseGraphDerived)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ok, test.ShouldBeFalse)

	// a bundle adjusted frame keeps its pose against derived pose graph corrections
	next := run.handle(t, 13)
	ok, err = run.vo.correctPose(next, other, CorrectionBundleAdjustment)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, run.vo.Correct(corrmap, next), test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqual(next.Pose, other, 1e-12), test.ShouldBeTrue)

	_, err = run.vo.correctPose(next, spatialmath.NewZeroPose(), CorrectionPoseGraph)
	test.That(t, err, test.ShouldBeNil)
	broken, err := spatialmath.NewPoseFromMatrix(mat.NewDiagDense(4, []float64{2, 2, 2, 1}))
	test.That(t, err, test.ShouldBeNil)
	_, err = run.vo.correctPose(next, broken, CorrectionPoseGraph)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestCorrectNeedsKeyframe(t *testing.T) {
	run := newSceneRun(t, 1, 10, simConfig())
	err := run.vo.Correct(func(int) (*spatialmath.Pose, bool) { return nil, false }, nil)
	test.That(t, err, test.ShouldEqual, ErrNoKeyframe)
}

func TestProximityAndSetupFrame(t *testing.T) {
	run := newSceneRun(t, 12, 300, simConfig())
	f0, f1 := run.frame(0), run.frame(8)
	test.That(t, run.vo.SetupFrame(f0), test.ShouldBeNil)
	test.That(t, run.vo.SetupFrame(f1), test.ShouldBeNil)
	test.That(t, f0.RefFrameID, test.ShouldEqual, NoFrame)
	test.That(t, len(f0.Keypoints), test.ShouldEqual, len(f0.Descriptors))

	inl, pose := run.vo.Proximity(f0, f1, true)
	test.That(t, inl, test.ShouldBeGreaterThan, 200)
	test.That(t, pose.Distance(spatialmath.PoseBetween(run.truth[0], run.truth[8])), test.ShouldBeLessThan, 0.02)
	test.That(t, run.vo.CheckInliers(f0, f1), test.ShouldBeGreaterThan, 200)
	test.That(t, run.vo.NumFrames(), test.ShouldEqual, 0)

	left, right := run.scene.RenderVisible(run.truth[8], func(i int) bool { return i%50 == 0 })
	sparse := NewFrame(left, right)
	test.That(t, run.vo.SetupFrame(sparse), test.ShouldBeNil)
	inl, pose = run.vo.Proximity(f0, sparse, false)
	test.That(t, inl, test.ShouldEqual, 0)
	test.That(t, pose, test.ShouldBeNil)
}

func TestAddExternalFrame(t *testing.T) {
	run := newSceneRun(t, 3, 100, simConfig())
	f := run.handle(t, 0)
	for i := 1; i < 3; i++ {
		ext := run.frame(i)
		test.That(t, run.vo.AddExternalFrame(f, ext), test.ShouldBeNil)
		test.That(t, ext.IsExternal(), test.ShouldBeTrue)
	}
	test.That(t, len(f.Externals), test.ShouldEqual, 2)
	test.That(t, f.Externals[0].ID, test.ShouldEqual, ExternalFrameIDBase)
	test.That(t, f.Externals[1].ID, test.ShouldEqual, ExternalFrameIDBase+1)
	test.That(t, run.vo.NumFrames(), test.ShouldEqual, 1)
}

func TestOdometerWithBundleAdjustment(t *testing.T) {
	cfg := simConfig()
	cfg.PositionThreshold = 0.21
	cfg.InlierThreshold = 40
	cfg.SBA = &SBAConfig{Fixed: 1, Free: 2, Iterations: 20}
	run := newSceneRun(t, 14, 80, cfg)
	for i := 0; i < 14; i++ {
		run.handle(t, i)
	}

	var ids []int
	for _, rec := range run.vo.KeyframeLog() {
		ids = append(ids, rec.ID)
	}
	test.That(t, ids, test.ShouldResemble, []int{0, 4, 8, 12})
	test.That(t, run.vo.TrackManager().Created(), test.ShouldBeGreaterThan, 40)
	test.That(t, len(run.vo.Tracks()), test.ShouldBeGreaterThan, 40)
	checkTrackInvariants(t, run.vo.TrackManager())

	oldest := run.vo.OldestWindowFrame()
	test.That(t, oldest, test.ShouldEqual, 4)
	for _, tr := range run.vo.TrackManager().Tracks() {
		test.That(t, tr.Age(), test.ShouldBeGreaterThanOrEqualTo, 4)
	}
	test.That(t, run.vo.RetainedFrames(), test.ShouldBeLessThanOrEqualTo, 4)
	test.That(t, run.vo.Pose().Distance(run.truth[13]), test.ShouldBeLessThan, 0.05)
	for _, f := range run.frames {
		test.That(t, f.Pose.CheckOrthonormal(spatialmath.DefaultOrthonormalTolerance), test.ShouldBeNil)
	}
}

var _ DisparityLookup = (*rimage.BlockMatcher)(nil)

func TestOdometerDefaultDisparity(t *testing.T) {
	cam := simulate.DefaultCamera()
	scene := simulate.NewScene(cam, simulate.RandomLandmarks(100, 3,
		r3.Vector{X: -2, Y: -1.5, Z: 5}, r3.Vector{X: 3, Y: 1.5, Z: 12}))
	cfg := simConfig()
	vo, err := NewVisualOdometer(cam, cfg, logging.NewTestLogger(t),
		WithDetectorFactory(scene.Detector), WithDescriptorScheme(scene.Scheme()))
	test.That(t, err, test.ShouldBeNil)
	left, right := scene.Render(spatialmath.NewZeroPose())
	f := NewFrame(left, right)
	_, err = vo.HandleFrame(f)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(f.Keypoints), test.ShouldBeLessThanOrEqualTo, len(f.Keypoints2D))
	for _, kp := range f.Keypoints {
		test.That(t, kp.D, test.ShouldBeGreaterThan, 0)
	}

	cfg.Disparity = nil
	_, err = NewVisualOdometer(cam, cfg, logging.NewTestLogger(t), WithDetectorFactory(scene.Detector))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestKeyframeSwitchComposesDiff(t *testing.T) {
	run := newSceneRun(t, 30, 300, simConfig())
	for i := 0; i < 30; i++ {
		run.handle(t, i)
	}
	log := run.vo.KeyframeLog()
	test.That(t, len(log), test.ShouldBeGreaterThan, 2)
	for k := 1; k < len(log); k++ {
		promoted := run.frames[log[k].ID]
		old := run.frames[log[k-1].ID]
		test.That(t, promoted.RefFrameID, test.ShouldEqual, old.ID)
		want := spatialmath.Compose(old.Pose, promoted.DiffPose)
		test.That(t, spatialmath.PoseAlmostEqual(promoted.Pose, want, 1e-9), test.ShouldBeTrue)
		test.That(t, spatialmath.PoseAlmostEqual(log[k].Pose, want, 1e-9), test.ShouldBeTrue)
	}
}

func TestBlankKeyframeKillsTracks(t *testing.T) {
	cfg := simConfig()
	cfg.InlierThreshold = 175
	cfg.SBA = &SBAConfig{Fixed: 1, Free: 2, Iterations: 10}
	run := newSceneRun(t, 5, 150, cfg)
	for i := 0; i < 3; i++ {
		run.handle(t, i)
	}
	test.That(t, run.vo.Keyframe().ID, test.ShouldEqual, 1)
	test.That(t, len(run.vo.Tracks()), test.ShouldBeGreaterThan, 0)

	left, right := run.scene.RenderVisible(run.truth[3], func(int) bool { return false })
	blank := NewFrame(left, right)
	_, err := run.vo.HandleFrame(blank)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, run.vo.Keyframe().ID, test.ShouldEqual, 2)
	created := run.vo.TrackManager().Created()

	// the blank frame is promoted while frame 4 is handled; matching into it finds nothing
	last := run.frame(4)
	_, err = run.vo.HandleFrame(last)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, run.vo.Keyframe(), test.ShouldEqual, blank)
	test.That(t, len(run.vo.Tracks()), test.ShouldEqual, 0)
	test.That(t, run.vo.TrackManager().Created(), test.ShouldEqual, created)
	checkTrackInvariants(t, run.vo.TrackManager())
}

func TestBadComposedPoseKeepsKeyframe(t *testing.T) {
	cfg := simConfig()
	cfg.InlierThreshold = 1000
	run := newSceneRun(t, 3, 300, cfg)
	key := run.handle(t, 0)
	run.handle(t, 1)
	test.That(t, run.vo.Keyframe(), test.ShouldEqual, key)

	broken, err := spatialmath.NewPoseFromMatrix(mat.NewDiagDense(4, []float64{2, 2, 2, 1}))
	test.That(t, err, test.ShouldBeNil)
	key.Pose.Set(broken)
	_, err = run.vo.HandleFrame(run.frame(2))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, run.vo.Keyframe(), test.ShouldEqual, key)
	test.That(t, len(run.vo.KeyframeLog()), test.ShouldEqual, 1)
	test.That(t, run.vo.NumFrames(), test.ShouldEqual, 2)
}
