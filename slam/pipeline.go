package slam

import (
	"sync"

	"go.viam.com/vslam/logging"
	"go.viam.com/vslam/rimage/transform"
	"go.viam.com/vslam/spatialmath"
	"go.viam.com/vslam/vision/odometry"
)

// TrajectoryPoint is the pose reported for a frame when it was processed.
type TrajectoryPoint struct {
	FrameID int
	Pose    *spatialmath.Pose
	Inliers int
	// Keyframe is the id of the keyframe active after the frame was handled.
	Keyframe int
}

// Pipeline runs one frame at a time through odometry, the skeleton and the pose correction that
// closes the loop between them. Process may be called from several goroutines; frames are handled
// strictly one after another.
type Pipeline struct {
	mu         sync.Mutex
	logger     logging.Logger
	vo         *odometry.VisualOdometer
	skel       *Skeleton
	trajectory []TrajectoryPoint
}

// NewPipeline builds the odometer and, unless cfg.Skeleton is nil, the skeleton. The options go to
// both odometers, and each of them builds its own detector.
func NewPipeline(cam *transform.StereoCameraModel, cfg Config, logger logging.Logger, opts ...odometry.Option,
) (*Pipeline, error) {
	if err := cfg.Validate("slam"); err != nil {
		return nil, err
	}
	vo, err := odometry.NewVisualOdometer(cam, cfg.Odometry, logger.Sublogger("odometry"), opts...)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{logger: logger, vo: vo}
	if cfg.Skeleton != nil {
		if p.skel, err = NewSkeleton(cam, *cfg.Skeleton, cfg.Odometry, logger.Sublogger("skeleton"), opts...); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Process handles one frame and returns its pose after any correction.
func (p *Pipeline) Process(f *odometry.Frame) (*spatialmath.Pose, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	before := p.vo.Keyframe()
	pose, err := p.vo.HandleFrame(f)
	if err != nil {
		return nil, err
	}

	if p.skel != nil {
		added := false
		switch kf := p.vo.Keyframe(); {
		case before == nil:
			added, err = p.skel.Add(f, odometry.FirstFrameInliers)
		case kf != before:
			added, err = p.skel.Add(kf, kf.Inliers)
		}
		if err != nil {
			return nil, err
		}
		if added {
			graphErr, err := p.skel.Optimize()
			if err != nil {
				return nil, err
			}
			p.logger.Debugw("skeleton node added", "frame", p.vo.Keyframe().ID, "nodes", len(p.skel.nodes), "graph_error", graphErr)
		}
		if err := p.vo.Correct(p.skel.CorrectedPose, f); err != nil {
			return nil, err
		}
	}

	p.trajectory = append(p.trajectory, TrajectoryPoint{
		FrameID:  f.ID,
		Pose:     pose.Clone(),
		Inliers:  f.Inliers,
		Keyframe: p.vo.Keyframe().ID,
	})
	return pose, nil
}

// Odometer returns the main odometer.
func (p *Pipeline) Odometer() *odometry.VisualOdometer {
	return p.vo
}

// Skeleton returns the skeleton, or nil when it is disabled.
func (p *Pipeline) Skeleton() *Skeleton {
	return p.skel
}

// Trajectory returns the pose of every processed frame as it was reported.
func (p *Pipeline) Trajectory() []TrajectoryPoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]TrajectoryPoint(nil), p.trajectory...)
}
