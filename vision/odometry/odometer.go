// Package odometry estimates camera motion from a stream of stereo frames by matching each frame
// against a keyframe, and keeps the point tracks that feed sliding-window bundle adjustment.
package odometry

import (
	"fmt"
	"image"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/vslam/logging"
	"go.viam.com/vslam/rimage/transform"
	"go.viam.com/vslam/spatialmath"
	"go.viam.com/vslam/vision/keypoints"
	"go.viam.com/vslam/vision/keypoints/descriptors"
	"go.viam.com/vslam/vision/sba"
)

// ErrNoKeyframe is returned by queries that need a keyframe before the first frame was handled.
var ErrNoKeyframe = errors.New("odometer has no keyframe yet")

// FirstFrameInliers is the inlier count recorded on the very first frame, which has nothing to be
// matched against.
const FirstFrameInliers = 999

const (
	timerFeature    = "feature"
	timerDisparity  = "disparity"
	timerDescriptor = "descriptor_collection"
	timerMatch      = "temporal_match"
	timerSolve      = "solve"
	timerTracks     = "tracks"
	timerSBA        = "sba"
)

// DisparityLookup finds the stereo disparity of left image points. A zero disparity means none was
// found.
type DisparityLookup interface {
	Lookup(left, right *image.Gray, pts []image.Point) ([]float64, error)
}

// CorrectionSource says who produced a pose correction.
type CorrectionSource int

const (
	// CorrectionBundleAdjustment comes from the sliding window.
	CorrectionBundleAdjustment CorrectionSource = iota
	// CorrectionPoseGraph is the optimized pose of a frame that is itself a pose graph node.
	CorrectionPoseGraph
	// CorrectionPoseGraphDerived is a corrected reference keyframe composed with a frame's diff pose.
	CorrectionPoseGraphDerived
)

func (s CorrectionSource) String() string {
	switch s {
	case CorrectionBundleAdjustment:
		return "bundle_adjustment"
	case CorrectionPoseGraph:
		return "pose_graph"
	case CorrectionPoseGraphDerived:
		return "pose_graph_derived"
	default:
		return fmt.Sprintf("CorrectionSource(%d)", int(s))
	}
}

// KeyframeRecord is one entry of the keyframe log.
type KeyframeRecord struct {
	ID   int
	Pose *spatialmath.Pose
}

// Option customizes a VisualOdometer.
type Option func(*VisualOdometer)

// WithDetectorFactory replaces the detector named in the config. The factory is called once per
// odometer so that adaptive thresholds are never shared.
func WithDetectorFactory(newDetector func() keypoints.Detector) Option {
	return func(vo *VisualOdometer) { vo.newDetector = newDetector }
}

// WithDescriptorScheme replaces the descriptor scheme named in the config.
func WithDescriptorScheme(s descriptors.Scheme) Option {
	return func(vo *VisualOdometer) { vo.scheme = s }
}

// WithDisparityLookup replaces the block matcher from the config.
func WithDisparityLookup(d DisparityLookup) Option {
	return func(vo *VisualOdometer) { vo.disparity = d }
}

// WithClock sets the clock driving the stage timers.
func WithClock(clk clock.Clock) Option {
	return func(vo *VisualOdometer) { vo.clk = clk }
}

// VisualOdometer turns a stream of stereo frames into poses. Frames must be handed over one at a
// time; the odometer is not safe for concurrent use.
type VisualOdometer struct {
	cfg         Config
	cam         *transform.StereoCameraModel
	detector    keypoints.Detector
	newDetector func() keypoints.Detector
	scheme      descriptors.Scheme
	disparity   DisparityLookup
	estimator   *PoseEstimator
	tracks      *TrackManager
	adjuster    *sba.Adjuster
	arena       *frameArena
	posechain   []chainEntry
	clk         clock.Clock
	timers      *Timers
	logger      logging.Logger
	keyframe  *Frame
	prevFrame *Frame
	pose      *spatialmath.Pose
	numFrames int
	extFrames int
	inl       int
	outl      int
	pairs     [][2]int
	attempts  int

	totInliers int
	totMatches int
	totPoints  int

	keyframeLog []KeyframeRecord
	corrected   map[int]CorrectionSource
}

// NewVisualOdometer validates the camera and config and builds every collaborator the options did
// not supply.
func NewVisualOdometer(cam *transform.StereoCameraModel, cfg Config, logger logging.Logger, opts ...Option,
) (*VisualOdometer, error) {
	if err := cam.CheckValid(); err != nil {
		return nil, err
	}
	if err := cfg.Validate("odometry"); err != nil {
		return nil, err
	}
	vo := &VisualOdometer{
		cfg:       cfg,
		cam:       cam,
		logger:    logger,
		arena:     newFrameArena(),
		pose:      spatialmath.NewZeroPose(),
		extFrames: ExternalFrameIDBase,
		corrected: map[int]CorrectionSource{},
	}
	for _, opt := range opts {
		opt(vo)
	}

	var err error
	if vo.newDetector != nil {
		vo.detector = vo.newDetector()
	} else if vo.detector, err = keypoints.NewDetector(cfg.Detector); err != nil {
		return nil, err
	}
	if vo.scheme == nil {
		if vo.scheme, err = descriptors.NewScheme(cfg.Descriptor, cfg.DescriptorModel); err != nil {
			return nil, err
		}
	}
	if vo.disparity == nil {
		if cfg.Disparity == nil {
			return nil, errors.New("odometry needs a disparity lookup")
		}
		vo.disparity = cfg.Disparity
	}
	vo.timers = NewTimers(vo.clk, timerFeature, timerDisparity, timerDescriptor, timerMatch, timerSolve, timerTracks, timerSBA)
	vo.estimator = NewPoseEstimator(cam, cfg.InlierErrorThreshold, cfg.RansacIterations, cfg.RansacSeed)
	if cfg.SBA != nil {
		vo.tracks = NewTrackManager(cam, logger.Sublogger("tracks"))
		vo.adjuster = sba.NewAdjuster(cam, logger.Sublogger("sba"))
	}
	return vo, nil
}

// Name describes the odometer's configuration.
func (vo *VisualOdometer) Name() string {
	window := "none"
	if vo.cfg.SBA != nil {
		window = fmt.Sprintf("(%d,%d,%d)", vo.cfg.SBA.Fixed, vo.cfg.SBA.Free, vo.cfg.SBA.Iterations)
	}
	return fmt.Sprintf("VisualOdometer (%s %s iet=%.1f sba=%s)",
		vo.detector.Name(), vo.scheme.Name(), vo.cfg.InlierErrorThreshold, window)
}

// prepare detects keypoints, keeps those with a usable disparity and describes them.
func (vo *VisualOdometer) prepare(f *Frame) error {
	if f.Left == nil || f.Right == nil {
		return errors.New("frame is missing a stereo image")
	}
	var err error
	vo.timers.Time(timerFeature, func() {
		f.Keypoints2D, err = vo.detector.Detect(f.Left, vo.cfg.TargetKeypoints)
	})
	if err != nil {
		return errors.Wrap(err, "detecting features")
	}

	var disparities []float64
	vo.timers.Time(timerDisparity, func() {
		disparities, err = vo.disparity.Lookup(f.Left, f.Right, f.Keypoints2D)
	})
	if err != nil {
		return errors.Wrap(err, "looking up disparities")
	}
	if len(disparities) != len(f.Keypoints2D) {
		return errors.Errorf("got %d disparities for %d keypoints", len(disparities), len(f.Keypoints2D))
	}
	f.Keypoints = f.Keypoints[:0]
	f.Points = f.Points[:0]
	for i, p := range f.Keypoints2D {
		d := disparities[i]
		if d == 0 {
			continue
		}
		pt := vo.cam.PixelToCamera(float64(p.X), float64(p.Y), d)
		if pt.Z <= 0 {
			continue
		}
		f.Keypoints = append(f.Keypoints, keypoints.StereoPoint{X: float64(p.X), Y: float64(p.Y), D: d})
		f.Points = append(f.Points, pt)
	}

	vo.timers.Time(timerDescriptor, func() {
		f.Descriptors, err = vo.scheme.Collect(f.Left, f.Keypoints)
	})
	if err != nil {
		return errors.Wrap(err, "collecting descriptors")
	}
	if len(f.Descriptors) != len(f.Keypoints) {
		return errors.Errorf("got %d descriptors for %d keypoints", len(f.Descriptors), len(f.Keypoints))
	}
	return nil
}

func (vo *VisualOdometer) temporalMatch(f0, f1 *Frame) [][2]int {
	var matches []descriptors.Match
	vo.timers.Time(timerMatch, func() {
		matches = descriptors.MatchFeatures(vo.scheme, f0.Keypoints, f0.Descriptors, f1.Keypoints, f1.Descriptors, vo.cfg.MatchWindow)
	})
	return descriptors.Pairs(matches)
}

// solve estimates the pose mapping f1's camera frame into f0's from pairs of (f0, f1) indices.
func (vo *VisualOdometer) solve(f0, f1 *Frame, pairs [][2]int, polish bool) (int, *spatialmath.Pose, bool) {
	t := vo.timers.Get(timerSolve)
	t.Start()
	defer t.Stop()
	if len(pairs) == 0 {
		vo.estimator.inliers = nil
		return 0, nil, false
	}
	swapped := make([][2]int, len(pairs))
	for i, p := range pairs {
		swapped[i] = [2]int{p[1], p[0]}
	}
	return vo.estimator.Estimate(f1.Keypoints, f0.Keypoints, swapped, polish)
}

// scavenger rematches using diff to predict where each f0 point lands in f1, within a narrow window,
// and solves again.
func (vo *VisualOdometer) scavenger(diff *spatialmath.Pose, f0, f1 *Frame) (int, *spatialmath.Pose, bool) {
	fwd := spatialmath.PoseInverse(diff)
	centers := make([]r2.Point, len(f0.Keypoints))
	for i, p := range f0.Keypoints {
		u, v, _ := vo.cam.CameraToPixel(fwd.Transform(vo.cam.PixelToCamera(p.X, p.Y, p.D)))
		centers[i] = r2.Point{X: u, Y: v}
	}
	win := descriptors.Window{DX: vo.cfg.ScavengeWindow, DY: vo.cfg.ScavengeWindow}
	var matches []descriptors.Match
	vo.timers.Time(timerMatch, func() {
		matches = descriptors.MatchAt(vo.scheme, centers, f0.Descriptors, f1.Keypoints, f1.Descriptors, win)
	})
	vo.pairs = descriptors.Pairs(matches)
	return vo.solve(f0, f1, vo.pairs, true)
}

// estimateAgainst returns the inlier count and diff pose of f relative to ref, falling back to zero
// inliers and the identity.
func (vo *VisualOdometer) estimateAgainst(ref, f *Frame) (int, *spatialmath.Pose) {
	vo.pairs = vo.temporalMatch(ref, f)
	if len(vo.pairs) < vo.cfg.MinCorrespondences {
		return 0, spatialmath.NewZeroPose()
	}
	inl, diff, ok := vo.solve(ref, f, vo.pairs, true)
	if !ok || inl <= vo.cfg.MinSolverInliers {
		return 0, spatialmath.NewZeroPose()
	}
	if vo.cfg.Scavenge {
		inl, diff, ok = vo.scavenger(diff, ref, f)
		if !ok || inl <= vo.cfg.MinSolverInliers {
			return 0, spatialmath.NewZeroPose()
		}
	}
	return inl, diff
}

// HandleFrame runs the full odometry step on a new frame and returns its global pose. A frame that
// fails preparation leaves the odometer untouched.
func (vo *VisualOdometer) HandleFrame(f *Frame) (*spatialmath.Pose, error) {
	vo.corrected = map[int]CorrectionSource{}
	if err := vo.prepare(f); err != nil {
		return nil, err
	}
	f.ID = vo.numFrames
	return vo.handlePrepared(f)
}

func (vo *VisualOdometer) handlePrepared(f *Frame) (*spatialmath.Pose, error) {
	identity := spatialmath.NewZeroPose()
	vo.attempts = 0
	if vo.prevFrame == nil {
		f.Pose = spatialmath.NewZeroPose()
		f.Inliers = FirstFrameInliers
		f.RefFrameID = NoFrame
		vo.keyframe = f
		vo.keyframeLog = append(vo.keyframeLog, KeyframeRecord{ID: f.ID, Pose: f.Pose.Clone()})
		if vo.cfg.SBA != nil {
			vo.sbaAddFrame(f)
		}
	} else {
		for {
			vo.attempts++
			ref := vo.keyframe
			inl, diff := vo.estimateAgainst(ref, f)
			if err := vo.checkPose(diff, "diff pose"); err != nil {
				return nil, err
			}
			pose := spatialmath.Compose(ref.Pose, diff)
			if err := vo.checkPose(pose, "frame pose"); err != nil {
				return nil, err
			}
			vo.inl = inl
			vo.outl = len(vo.pairs) - inl
			f.DiffPose = diff

			isFar := inl < vo.cfg.InlierThreshold || identity.FurtherThan(diff, vo.cfg.PositionThreshold, vo.cfg.AngleThreshold)
			if isFar && vo.keyframe != vo.prevFrame {
				// the promoted frame was already accepted, so the switch stands even if the
				// estimate against it fails its checks
				if err := vo.changeKeyframe(vo.prevFrame); err != nil {
					return nil, err
				}
				continue
			}
			f.Pose = pose
			f.Inliers = inl
			f.RefFrameID = ref.ID
			break
		}
	}

	vo.pose = f.Pose
	vo.prevFrame = f
	vo.numFrames++
	vo.totInliers += vo.inl
	vo.totMatches += len(vo.pairs)
	vo.totPoints += len(f.Keypoints2D)
	return vo.pose, nil
}

func (vo *VisualOdometer) changeKeyframe(newKey *Frame) error {
	vo.logger.Debugw("changed keyframe", "from", vo.keyframe.ID, "to", newKey.ID, "inliers", vo.inl)
	vo.keyframeLog = append(vo.keyframeLog, KeyframeRecord{ID: newKey.ID, Pose: newKey.Pose.Clone()})
	oldKey := vo.keyframe
	vo.keyframe = newKey
	if vo.cfg.SBA == nil {
		return nil
	}
	if err := vo.maintainTracks(oldKey, newKey); err != nil {
		return err
	}
	return vo.sbaHandleFrame(newKey)
}

// checkPose enforces orthonormal rotations. Without strict checks a violation is only logged.
func (vo *VisualOdometer) checkPose(p *spatialmath.Pose, what string) error {
	err := p.CheckOrthonormal(spatialmath.DefaultOrthonormalTolerance)
	if err == nil {
		return nil
	}
	if vo.cfg.StrictPoseChecks {
		return errors.Wrap(err, what)
	}
	vo.logger.Warnw("pose failed sanity check", "what", what, "error", err)
	return nil
}

// correctPose is the only path through which anything other than the odometer itself rewrites a
// frame's pose. Within one cycle a derived pose graph correction never overrides a frame that was
// already corrected, and bundle adjustment never overrides a pose graph node. It reports whether the
// pose was written.
func (vo *VisualOdometer) correctPose(f *Frame, p *spatialmath.Pose, src CorrectionSource) (bool, error) {
	if err := vo.checkPose(p, "correction from "+src.String()); err != nil {
		return false, err
	}
	if prev, seen := vo.corrected[f.ID]; seen {
		if src == CorrectionPoseGraphDerived || (src == CorrectionBundleAdjustment && prev == CorrectionPoseGraph) {
			vo.logger.Debugw("ignoring pose correction", "frame", f.ID, "source", src, "earlier_source", prev)
			return false, nil
		}
	}
	vo.logger.Debugw("corrected pose", "frame", f.ID, "source", src, "shift", f.Pose.Distance(p))
	f.Pose.Set(p)
	vo.corrected[f.ID] = src
	return true, nil
}

// Correct pulls optimized poses from corrmap: the keyframe takes its own corrected pose, and the
// current and previous frames are rebuilt from their corrected reference keyframe and diff pose.
func (vo *VisualOdometer) Correct(corrmap func(id int) (*spatialmath.Pose, bool), current *Frame) error {
	if vo.keyframe == nil {
		return ErrNoKeyframe
	}
	if p, ok := corrmap(vo.keyframe.ID); ok {
		if _, err := vo.correctPose(vo.keyframe, p, CorrectionPoseGraph); err != nil {
			return err
		}
	}
	for _, f := range lo.Uniq([]*Frame{current, vo.prevFrame}) {
		if f == nil || f == vo.keyframe || !f.HasRef() || f.DiffPose == nil {
			continue
		}
		if p, ok := corrmap(f.ID); ok {
			if _, err := vo.correctPose(f, p, CorrectionPoseGraph); err != nil {
				return err
			}
			continue
		}
		if p, ok := corrmap(f.RefFrameID); ok {
			if _, err := vo.correctPose(f, spatialmath.Compose(p, f.DiffPose), CorrectionPoseGraphDerived); err != nil {
				return err
			}
		}
	}
	return nil
}

// Proximity estimates the pose mapping f1's camera frame into f0's, returning zero inliers and a nil
// pose when the frames do not match.
func (vo *VisualOdometer) Proximity(f0, f1 *Frame, scavenge bool) (int, *spatialmath.Pose) {
	pairs := vo.temporalMatch(f0, f1)
	vo.pairs = pairs
	if len(pairs) < vo.cfg.MinCorrespondences {
		return 0, nil
	}
	inl, pose, ok := vo.solve(f0, f1, pairs, true)
	if scavenge && ok && inl > vo.cfg.MinCorrespondences {
		inl, pose, ok = vo.scavenger(pose, f0, f1)
	}
	if !ok {
		return 0, nil
	}
	return inl, pose
}

// SetupFrame detects, triangulates and describes f without running odometry on it.
func (vo *VisualOdometer) SetupFrame(f *Frame) error {
	if err := vo.prepare(f); err != nil {
		return err
	}
	f.ID = vo.numFrames
	f.RefFrameID = NoFrame
	return nil
}

// CheckInliers returns the number of inliers between two prepared frames.
func (vo *VisualOdometer) CheckInliers(f1, f2 *Frame) int {
	vo.pairs = vo.temporalMatch(f1, f2)
	inl, _, ok := vo.solve(f1, f2, vo.pairs, true)
	if !ok {
		inl = 0
	}
	vo.inl = inl
	return inl
}

// AddExternalFrame prepares ext, gives it the next external id and attaches it to f as a fixed
// bundle adjustment anchor. The caller sets ext.Pose.
func (vo *VisualOdometer) AddExternalFrame(f, ext *Frame) error {
	if err := vo.prepare(ext); err != nil {
		return err
	}
	ext.ID = vo.extFrames
	vo.extFrames++
	f.Externals = append(f.Externals, ext)
	return nil
}

// Keyframe returns the active keyframe, or nil before the first frame.
func (vo *VisualOdometer) Keyframe() *Frame { return vo.keyframe }

// Detector returns the keypoint detector this odometer owns.
func (vo *VisualOdometer) Detector() keypoints.Detector { return vo.detector }

// PrevFrame returns the last handled frame.
func (vo *VisualOdometer) PrevFrame() *Frame { return vo.prevFrame }

// Pose returns the global pose of the last handled frame.
func (vo *VisualOdometer) Pose() *spatialmath.Pose { return vo.pose }

// Inliers returns the inlier count of the last solve.
func (vo *VisualOdometer) Inliers() int { return vo.inl }

// Pairs returns the correspondences of the last match.
func (vo *VisualOdometer) Pairs() [][2]int { return vo.pairs }

// LastSolveAttempts is how many keyframes the last frame was solved against.
func (vo *VisualOdometer) LastSolveAttempts() int { return vo.attempts }

// NumFrames is the number of frames handled so far.
func (vo *VisualOdometer) NumFrames() int { return vo.numFrames }

// KeyframeLog returns every keyframe in the order it was adopted, with its pose at that time.
func (vo *VisualOdometer) KeyframeLog() []KeyframeRecord { return vo.keyframeLog }

// Tracks returns the live tracks, or nil when bundle adjustment is disabled.
func (vo *VisualOdometer) Tracks() []*Track {
	if vo.tracks == nil {
		return nil
	}
	return vo.tracks.Live()
}

// TrackManager returns the track manager, or nil when bundle adjustment is disabled.
func (vo *VisualOdometer) TrackManager() *TrackManager { return vo.tracks }

// OldestWindowFrame is the id of the oldest frame in the bundle adjustment window, or NoFrame.
func (vo *VisualOdometer) OldestWindowFrame() int {
	if vo.cfg.SBA == nil {
		return NoFrame
	}
	return vo.oldestUsefulFrame()
}

// RetainedFrames is how many frames the odometer still holds for bundle adjustment.
func (vo *VisualOdometer) RetainedFrames() int { return vo.arena.len() }

// Summary reports running averages per handled frame and the stage timers.
type Summary struct {
	Frames          int
	Keyframes       int
	AvgKeypoints    float64
	AvgMatches      float64
	AvgInliers      float64
	Timers          []TimerSummary
	TotalMsPerFrame float64
}

// Summary returns the diagnostics gathered so far.
func (vo *VisualOdometer) Summary() Summary {
	s := Summary{Frames: vo.numFrames, Keyframes: len(vo.keyframeLog)}
	if vo.numFrames > 0 {
		n := float64(vo.numFrames)
		s.AvgKeypoints = float64(vo.totPoints) / n
		s.AvgMatches = float64(vo.totMatches) / n
		s.AvgInliers = float64(vo.totInliers) / n
	}
	s.Timers, s.TotalMsPerFrame = vo.timers.Summarize(vo.numFrames)
	return s
}

// ResetTimers clears the stage timers.
func (vo *VisualOdometer) ResetTimers() { vo.timers.Reset() }
