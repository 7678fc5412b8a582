// Package slam ties visual odometry to a pose graph skeleton of sparse keyframe nodes, closes loops
// through place recognition and feeds the optimized node poses back into the odometer.
package slam

import (
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/vslam/logging"
	"go.viam.com/vslam/rimage/transform"
	"go.viam.com/vslam/slam/placerecognition"
	"go.viam.com/vslam/slam/posegraph"
	"go.viam.com/vslam/spatialmath"
	"go.viam.com/vslam/vision/odometry"
)

const (
	timerGraphAdd    = "graph_add"
	timerGraphOpt    = "graph_opt"
	timerPlaces      = "place_recognition"
	timerGeometric   = "gcc"
	timerDescriptors = "descriptors"
)

var (
	// WeakInformation weighs an edge guessed through a tracking failure.
	WeakInformation = posegraph.NewInformation(5, 3, 3)
	// StrongInformation weighs an edge measured by pose estimation.
	StrongInformation = posegraph.NewInformation(0.0001, 0.000002, 0.00002)
)

// weakGuess is the relative pose assumed across a tracking failure.
var weakGuess = r3.Vector{X: 5}

type node struct {
	frame *odometry.Frame
	// view is the node's own prepared copy used for loop closure checks.
	view *odometry.Frame
}

// Skeleton is a pose graph over keyframes spaced at least MinNodeSpacing frames apart.
type Skeleton struct {
	cfg     SkeletonConfig
	logger  logging.Logger
	vo      *odometry.VisualOdometer
	graph   *posegraph.Optimizer
	places  *placerecognition.Index
	timers  *odometry.Timers
	spacing int

	nodes    map[int]*node
	last     *node
	placeIDs []int
	edges    [][2]int
}

// NewSkeleton builds a skeleton with its own odometer for loop closure checks. The options are handed
// to that odometer.
func NewSkeleton(cam *transform.StereoCameraModel, cfg SkeletonConfig, voCfg odometry.Config, logger logging.Logger,
	opts ...odometry.Option,
) (*Skeleton, error) {
	if err := cfg.Validate("skeleton"); err != nil {
		return nil, err
	}
	vo, err := odometry.NewVisualOdometer(cam, voCfg, logger.Sublogger("proximity"), opts...)
	if err != nil {
		return nil, err
	}
	s := &Skeleton{
		cfg:     cfg,
		logger:  logger,
		vo:      vo,
		graph:   posegraph.NewOptimizer(logger.Sublogger("posegraph")),
		timers:  odometry.NewTimers(nil, timerGraphAdd, timerGraphOpt, timerPlaces, timerGeometric, timerDescriptors),
		spacing: cfg.MinNodeSpacing,
		nodes:   map[int]*node{},
	}
	if cfg.Vocabulary != "" {
		vocab, err := placerecognition.LoadVocabulary(cfg.Vocabulary)
		if err != nil {
			return nil, err
		}
		s.places = placerecognition.NewIndex(vocab)
	}
	return s, nil
}

// SetPlaceIndex replaces the place recognition index. A nil index makes every earlier node a loop
// closure candidate.
func (s *Skeleton) SetPlaceIndex(ix *placerecognition.Index) {
	s.places = ix
}

// Add offers a keyframe to the skeleton with the inlier count of the odometry step that produced it.
// It reports whether the frame became a node.
func (s *Skeleton) Add(f *odometry.Frame, inliers int) (bool, error) {
	if _, ok := s.nodes[f.ID]; ok {
		return false, nil
	}
	prev := s.last
	if prev != nil && f.ID-prev.frame.ID < s.spacing {
		return false, nil
	}

	var err error
	s.timers.Time(timerGraphAdd, func() {
		if prev == nil {
			err = s.graph.AddVertex(f.ID, f.Pose)
			return
		}
		rel, info := spatialmath.PoseBetween(prev.frame.Pose, f.Pose), StrongInformation
		if inliers <= 0 {
			rel, info = spatialmath.NewPoseFromPoint(weakGuess), WeakInformation
		}
		err = s.graph.AddIncrementalEdge(prev.frame.ID, f.ID, rel, info)
	})
	if err != nil {
		return false, errors.Wrapf(err, "adding node %d", f.ID)
	}

	n := &node{frame: f}
	s.nodes[f.ID] = n
	s.last = n
	if prev != nil {
		s.edges = append(s.edges, [2]int{prev.frame.ID, f.ID})
		s.logger.Debugw("added odometry edge", "from", prev.frame.ID, "to", f.ID, "inliers", inliers)
	}

	if err := s.memoize(n); err != nil {
		return true, err
	}
	if len(s.nodes) > 1 {
		exclude := func(id int) bool { return id == f.ID || (prev != nil && id == prev.frame.ID) }
		if err := s.AddLinks(f, s.placeFind(n, exclude)); err != nil {
			return true, err
		}
	}
	if s.places != nil {
		if err := s.places.Add(f.ID, n.view.Descriptors); err != nil {
			return true, err
		}
	}
	s.placeIDs = append(s.placeIDs, f.ID)
	return true, nil
}

// memoize prepares the node's own view of its stereo pair.
func (s *Skeleton) memoize(n *node) error {
	t := s.timers.Get(timerDescriptors)
	t.Start()
	defer t.Stop()
	if n.view != nil {
		return nil
	}
	view := odometry.NewFrame(n.frame.Left, n.frame.Right)
	if err := s.vo.SetupFrame(view); err != nil {
		return errors.Wrapf(err, "preparing node %d", n.frame.ID)
	}
	view.ID = n.frame.ID
	n.view = view
	return nil
}

// placeFind returns the node ids worth a geometric check against n.
func (s *Skeleton) placeFind(n *node, exclude func(id int) bool) []int {
	if s.places == nil {
		return lo.Reject(s.placeIDs, func(id int, _ int) bool { return exclude(id) })
	}
	var cands []placerecognition.Candidate
	s.timers.Time(timerPlaces, func() {
		limit := s.cfg.PlaceCandidates
		if s.cfg.GeometricRerank {
			limit *= 2
		}
		cands = s.places.TopN(n.view.Descriptors, limit, exclude)
	})
	if s.cfg.GeometricRerank {
		cands = placerecognition.Rerank(cands, func(id int) int {
			inl, _ := s.vo.Proximity(n.view, s.nodes[id].view, false)
			return inl
		})
		if len(cands) > s.cfg.PlaceCandidates {
			cands = cands[:s.cfg.PlaceCandidates]
		}
	}
	return lo.Map(cands, func(c placerecognition.Candidate, _ int) int { return c.ID })
}

// AddLinks checks f against every candidate node and adds a strong edge to each that clears the
// inlier threshold. Rejected candidates are dropped silently.
func (s *Skeleton) AddLinks(f *odometry.Frame, candidates []int) error {
	this, ok := s.nodes[f.ID]
	if !ok {
		return errors.Wrapf(posegraph.ErrUnknownVertex, "frame %d is not a node", f.ID)
	}
	type link struct {
		id   int
		inl  int
		pose *spatialmath.Pose
	}
	var links []link
	s.timers.Time(timerGeometric, func() {
		for _, id := range candidates {
			other, ok := s.nodes[id]
			if !ok || other.view == nil {
				continue
			}
			inl, pose := s.vo.Proximity(this.view, other.view, true)
			links = append(links, link{id, inl, pose})
		}
	})
	for _, l := range links {
		if l.inl < s.cfg.LinkInliers || l.pose == nil {
			continue
		}
		before := s.graph.Error()
		// the pose maps the candidate's camera frame into this one
		if err := s.AddConstraint(f.ID, l.id, l.pose); err != nil {
			return err
		}
		s.logger.Infow("closed loop", "from", f.ID, "to", l.id, "inliers", l.inl,
			"error_before", before, "error_after", s.graph.Error())
	}
	return nil
}

// AddConstraint adds a strong edge saying b sits at rel relative to a. Both must be nodes.
func (s *Skeleton) AddConstraint(a, b int, rel *spatialmath.Pose) error {
	if !s.graph.HasVertex(a) || !s.graph.HasVertex(b) {
		return errors.Wrapf(posegraph.ErrUnknownVertex, "constraint %d -> %d", a, b)
	}
	var err error
	s.timers.Time(timerGraphAdd, func() {
		err = s.graph.AddIncrementalEdge(a, b, rel, StrongInformation)
	})
	if err != nil {
		return err
	}
	s.edges = append(s.edges, [2]int{a, b})
	return nil
}

// Optimize iterates the graph until the iteration count passes OptimizeMaxCount or an iteration
// improves the error by less than OptimizeMinDelta. It returns the final error.
func (s *Skeleton) Optimize() (float64, error) {
	t := s.timers.Get(timerGraphOpt)
	before := t.Sum()
	t.Start()

	prevErr, err := s.graph.Iterate(s.cfg.OptimizeSteps)
	if err != nil {
		t.Stop()
		return prevErr, err
	}
	cur, err := s.graph.Iterate(s.cfg.OptimizeSteps)
	for count := 0; err == nil && count <= s.cfg.OptimizeMaxCount && prevErr-cur >= s.cfg.OptimizeMinDelta; count++ {
		prevErr = cur
		cur, err = s.graph.Iterate(s.cfg.OptimizeSteps)
	}
	t.Stop()
	if err != nil {
		return cur, err
	}

	if s.cfg.AdaptiveSpacing {
		took := (t.Sum() - before).Seconds()
		s.spacing = s.cfg.MinNodeSpacing
		if took > 0.3 {
			s.spacing = s.cfg.MinNodeSpacing + int((took-0.4)*100)
		}
	}
	return cur, nil
}

// CorrectedPose returns the optimized pose of a node, or false if id is not a node.
func (s *Skeleton) CorrectedPose(id int) (*spatialmath.Pose, bool) {
	if _, ok := s.nodes[id]; !ok {
		return nil, false
	}
	p, err := s.graph.Vertex(id)
	if err != nil {
		return nil, false
	}
	return p, true
}

// NodeIDs returns the node ids in ascending order.
func (s *Skeleton) NodeIDs() []int {
	ids := lo.Keys(s.nodes)
	sort.Ints(ids)
	return ids
}

// Edges returns every edge as (from, to) node ids, in the order they were added.
func (s *Skeleton) Edges() [][2]int {
	return s.edges
}

// Error is the current pose graph error.
func (s *Skeleton) Error() float64 {
	return s.graph.Error()
}

// SkeletonSummary lists the optimized node positions and the edges between them.
type SkeletonSummary struct {
	Nodes map[int]r3.Vector
	Edges [][2]int
}

// Summary returns the optimized node positions and the edges between them.
func (s *Skeleton) Summary() SkeletonSummary {
	out := SkeletonSummary{Nodes: map[int]r3.Vector{}, Edges: s.edges}
	for id := range s.nodes {
		if p, ok := s.CorrectedPose(id); ok {
			out.Nodes[id] = p.Point()
		}
	}
	return out
}

// Timers returns the per-node stage timer summaries and their per-node total.
func (s *Skeleton) Timers() ([]odometry.TimerSummary, float64) {
	return s.timers.Summarize(len(s.nodes))
}
