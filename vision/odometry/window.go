package odometry

import (
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/vslam/vision/keypoints"
	"go.viam.com/vslam/vision/sba"
)

// chainEntry is one frame in the bundle adjustment pose chain. The chain keeps its own copy of the
// pose, refined across successive windows; frames only receive it through correctPose.
type chainEntry struct {
	frameID int
	fp      *sba.FramePose
}

func (vo *VisualOdometer) sbaAddFrame(f *Frame) {
	vo.arena.put(f)
	vo.posechain = append(vo.posechain, chainEntry{frameID: f.ID, fp: &sba.FramePose{ID: f.ID, Pose: f.Pose.Clone()}})
}

// oldestUsefulFrame is the first frame id of the current optimization window, or NoFrame before the
// chain has started.
func (vo *VisualOdometer) oldestUsefulFrame() int {
	if len(vo.posechain) == 0 {
		return NoFrame
	}
	n := vo.cfg.SBA.Fixed + vo.cfg.SBA.Free
	if len(vo.posechain) > n {
		return vo.posechain[len(vo.posechain)-n].frameID
	}
	return vo.posechain[0].frameID
}

// maintainTracks matches the outgoing keyframe f0 against the incoming f1 and updates the tracks with
// the inliers of that solve.
func (vo *VisualOdometer) maintainTracks(f0, f1 *Frame) error {
	t := vo.timers.Get(timerTracks)
	t.Start()
	defer t.Stop()

	pairs := vo.temporalMatch(f0, f1)
	inl, diff, ok := vo.solve(f0, f1, pairs, true)
	solved := ok && inl > vo.cfg.MinSolverInliers
	if solved && vo.cfg.Scavenge {
		inl, _, ok = vo.scavenger(diff, f0, f1)
		solved = ok && inl > vo.cfg.MinSolverInliers
	}
	// a failed solve leaves no inliers, which kills every track
	pairmap := map[keypoints.StereoPoint]keypoints.StereoPoint{}
	if solved {
		// inliers are (f1 index, f0 index) since solve maps f1 into f0
		for _, in := range vo.estimator.Inliers() {
			pairmap[f0.Keypoints[in[1]]] = f1.Keypoints[in[0]]
		}
	}
	return vo.tracks.Update(f0, f1, pairmap, vo.oldestUsefulFrame())
}

// sbaHandleFrame appends f to the pose chain, adjusts the newest window and copies the refined poses
// back into the keyframe, f and the previous frame.
func (vo *VisualOdometer) sbaHandleFrame(f *Frame) error {
	t := vo.timers.Get(timerSBA)
	t.Start()
	defer t.Stop()

	observed := vo.tracks.FrameIDs()
	vo.sbaAddFrame(f)
	vo.posechain = lo.Filter(vo.posechain, func(e chainEntry, _ int) bool {
		_, ok := observed[e.frameID]
		return ok
	})
	vo.arena.retain(func(id int) bool {
		_, ok := observed[id]
		return ok || id == vo.keyframe.ID || (vo.prevFrame != nil && id == vo.prevFrame.ID)
	})

	fixSz, freeSz := vo.cfg.SBA.Fixed, vo.cfg.SBA.Free
	if len(vo.posechain) <= 1+freeSz {
		fixSz, freeSz = 1, len(vo.posechain)-1
	}
	if freeSz < 1 {
		return nil
	}
	start := len(vo.posechain) - fixSz - freeSz
	if start < 0 {
		start = 0
	}
	window := vo.posechain[start:]
	split := len(window) - freeSz

	var fixed, free []*sba.FramePose
	for _, e := range window[:split] {
		fixed = append(fixed, e.fp)
	}
	for _, e := range window[split:] {
		free = append(free, e.fp)
	}
	for _, e := range window {
		if fr, ok := vo.arena.get(e.frameID); ok {
			for _, ext := range fr.Externals {
				fixed = append(fixed, &sba.FramePose{ID: ext.ID, Pose: ext.Pose})
			}
		}
	}
	vo.logger.Debugw("bundle adjustment window",
		"fixed", lo.Map(fixed, func(fp *sba.FramePose, _ int) int { return fp.ID }),
		"free", lo.Map(free, func(fp *sba.FramePose, _ int) int { return fp.ID }))

	if _, err := vo.adjuster.Optimize(fixed, free, vo.tracks.adjustable(), vo.cfg.SBA.Iterations); err != nil {
		if errors.Is(err, sba.ErrNotEnoughObservations) {
			vo.logger.Debugw("skipping bundle adjustment", "reason", err)
			return nil
		}
		return err
	}

	targets := []*Frame{vo.keyframe, f}
	if vo.prevFrame != nil {
		targets = append(targets, vo.prevFrame)
	}
	targets = lo.Uniq(targets)
	for _, e := range window {
		for _, dst := range targets {
			if e.frameID == dst.ID {
				if _, err := vo.correctPose(dst, e.fp.Pose, CorrectionBundleAdjustment); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
