package odometry

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/vslam/logging"
	"go.viam.com/vslam/rimage/transform"
	"go.viam.com/vslam/vision/keypoints"
	"go.viam.com/vslam/vision/sba"
)

const firstTrackID = 100

// Track follows one physical point across keyframes. Points and FrameIDs are parallel.
type Track struct {
	ID       int
	Points   []keypoints.StereoPoint
	FrameIDs []int
	Alive    bool

	adj *sba.Track
}

// Tail is the most recent observation.
func (t *Track) Tail() keypoints.StereoPoint {
	return t.Points[len(t.Points)-1]
}

// Age is the newest non-external frame id the track was observed in.
func (t *Track) Age() int {
	age := NoFrame
	for _, id := range t.FrameIDs {
		if id < ExternalFrameIDBase && id > age {
			age = id
		}
	}
	return age
}

func (t *Track) extend(p keypoints.StereoPoint, frameID int) {
	t.Points = append(t.Points, p)
	t.FrameIDs = append(t.FrameIDs, frameID)
	t.adj.Observations = append(t.adj.Observations, sba.Observation{FrameID: frameID, Pixel: p})
}

// TrackManager keeps the point tracks that feed bundle adjustment.
type TrackManager struct {
	cam    *transform.StereoCameraModel
	logger logging.Logger
	nextID int
	tracks []*Track
	total  int
}

// NewTrackManager returns an empty manager.
func NewTrackManager(cam *transform.StereoCameraModel, logger logging.Logger) *TrackManager {
	return &TrackManager{cam: cam, logger: logger, nextID: firstTrackID}
}

// Tracks returns the retained tracks, alive or not.
func (tm *TrackManager) Tracks() []*Track {
	return tm.tracks
}

// Live returns the tracks that are still being extended.
func (tm *TrackManager) Live() []*Track {
	return lo.Filter(tm.tracks, func(t *Track, _ int) bool { return t.Alive })
}

// Created is the number of tracks ever started.
func (tm *TrackManager) Created() int {
	return tm.total
}

// FrameIDs returns every frame id observed by a retained track.
func (tm *TrackManager) FrameIDs() map[int]struct{} {
	ids := map[int]struct{}{}
	for _, t := range tm.tracks {
		for _, id := range t.FrameIDs {
			ids[id] = struct{}{}
		}
	}
	return ids
}

// Update folds one keyframe transition into the tracks. pairmap sends inlier points of the old
// keyframe f0 to their match in the new keyframe f1. When oldest is not NoFrame, tracks last seen
// before that frame are dropped.
func (tm *TrackManager) Update(f0, f1 *Frame, pairmap map[keypoints.StereoPoint]keypoints.StereoPoint, oldest int) error {
	for _, t := range tm.tracks {
		if _, ok := pairmap[t.Tail()]; !ok {
			t.Alive = false
		}
	}

	if oldest != NoFrame {
		before := len(tm.tracks)
		tm.tracks = lo.Filter(tm.tracks, func(t *Track, _ int) bool { return t.Age() >= oldest })
		if pruned := before - len(tm.tracks); pruned > 0 {
			tm.logger.Debugw("pruned tracks", "count", pruned, "oldest_frame", oldest)
		}
	}

	oldTails := make(map[keypoints.StereoPoint]struct{}, len(tm.tracks))
	for _, t := range tm.tracks {
		oldTails[t.Tail()] = struct{}{}
	}
	for _, t := range tm.tracks {
		if t.Alive {
			t.extend(pairmap[t.Tail()], f1.ID)
		}
	}

	// deterministic creation order keeps track ids reproducible
	starts := lo.Keys(pairmap)
	sort.Slice(starts, func(i, j int) bool { return pointLess(starts[i], starts[j]) })
	for _, p0 := range starts {
		if _, ok := oldTails[p0]; ok {
			continue
		}
		p1 := pairmap[p0]
		tm.tracks = append(tm.tracks, tm.newTrack(p0, f0.ID, p1, f1))
	}

	tm.dedup()

	for _, t := range tm.tracks {
		for _, p := range t.Points {
			if p.D == 0 {
				return errors.Errorf("track %d holds a zero disparity point", t.ID)
			}
		}
	}
	return nil
}

func (tm *TrackManager) newTrack(p0 keypoints.StereoPoint, f0ID int, p1 keypoints.StereoPoint, f1 *Frame) *Track {
	world := f1.Pose.Transform(tm.cam.PixelToCamera(p1.X, p1.Y, p1.D))
	t := &Track{
		ID:       tm.nextID,
		Points:   []keypoints.StereoPoint{p0, p1},
		FrameIDs: []int{f0ID, f1.ID},
		Alive:    true,
		adj: &sba.Track{
			ID: tm.nextID,
			Observations: []sba.Observation{
				{FrameID: f0ID, Pixel: p0},
				{FrameID: f1.ID, Pixel: p1},
			},
			Point: world,
		},
	}
	tm.nextID++
	tm.total++
	return t
}

// dedup keeps only the longest live track among those ending on the same point. Ties keep the older
// track.
func (tm *TrackManager) dedup() {
	keep := map[keypoints.StereoPoint]*Track{}
	for _, t := range tm.tracks {
		if !t.Alive {
			continue
		}
		cur, ok := keep[t.Tail()]
		if !ok || len(t.Points) > len(cur.Points) || (len(t.Points) == len(cur.Points) && t.ID < cur.ID) {
			keep[t.Tail()] = t
		}
	}
	before := len(tm.tracks)
	tm.tracks = lo.Filter(tm.tracks, func(t *Track, _ int) bool {
		return !t.Alive || keep[t.Tail()] == t
	})
	if culled := before - len(tm.tracks); culled > 0 {
		tm.logger.Debugw("culled tracks sharing a tail point", "count", culled)
	}
}

func (tm *TrackManager) adjustable() []*sba.Track {
	return lo.Map(tm.tracks, func(t *Track, _ int) *sba.Track { return t.adj })
}

func pointLess(a, b keypoints.StereoPoint) bool {
	if a.X != b.X {
		return a.X < b.X
	}
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return a.D < b.D
}
