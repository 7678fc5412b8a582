// Package posegraph is an incremental pose-graph optimizer. Vertices are global poses; edges hold a
// measured relative pose with a diagonal information weight over (x, y, z, roll, pitch, yaw).
package posegraph

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/optimize"

	"go.viam.com/vslam/logging"
	"go.viam.com/vslam/spatialmath"
)

// ErrUnknownVertex is returned for ids that are not in the graph.
var ErrUnknownVertex = errors.New("unknown pose graph vertex")

// Information weighs the squared residual of an edge per axis: x, y, z, roll, pitch, yaw.
type Information [6]float64

// NewInformation turns standard variances into weights 1/sqrt(variance), sharing one variance across
// x, y and z and one across roll and pitch.
func NewInformation(xyz, rp, yaw float64) Information {
	t, r, y := 1/math.Sqrt(xyz), 1/math.Sqrt(rp), 1/math.Sqrt(yaw)
	return Information{t, t, t, r, r, y}
}

// Edge is a relative pose measurement from vertex From to vertex To.
type Edge struct {
	From int
	To   int
	Rel  *spatialmath.Pose
	Info Information
}

// Optimizer owns the vertices and edges. The first vertex is the anchor and never moves.
type Optimizer struct {
	logger   logging.Logger
	vertices map[int]*spatialmath.Pose
	ids      []int
	edges    []Edge
}

// NewOptimizer returns an empty graph.
func NewOptimizer(logger logging.Logger) *Optimizer {
	return &Optimizer{logger: logger, vertices: map[int]*spatialmath.Pose{}}
}

// AddVertex inserts a vertex at a known pose.
func (o *Optimizer) AddVertex(id int, pose *spatialmath.Pose) error {
	if _, ok := o.vertices[id]; ok {
		return errors.Errorf("vertex %d already exists", id)
	}
	o.vertices[id] = pose.Clone()
	o.ids = append(o.ids, id)
	return nil
}

// AddIncrementalEdge adds a measurement that b sits at rel relative to a. An unseen b is initialized
// at a composed with rel. On an empty graph a is created at the origin.
func (o *Optimizer) AddIncrementalEdge(a, b int, rel *spatialmath.Pose, info Information) error {
	if a == b {
		return errors.Errorf("edge from vertex %d to itself", a)
	}
	if len(o.ids) == 0 {
		if err := o.AddVertex(a, spatialmath.NewZeroPose()); err != nil {
			return err
		}
	}
	va, ok := o.vertices[a]
	if !ok {
		return errors.Wrapf(ErrUnknownVertex, "vertex %d", a)
	}
	if _, ok := o.vertices[b]; !ok {
		if err := o.AddVertex(b, spatialmath.Compose(va, rel)); err != nil {
			return err
		}
	}
	o.edges = append(o.edges, Edge{From: a, To: b, Rel: rel.Clone(), Info: info})
	return nil
}

// HasVertex reports whether id is in the graph.
func (o *Optimizer) HasVertex(id int) bool {
	_, ok := o.vertices[id]
	return ok
}

// Vertex returns a copy of the current estimate for id.
func (o *Optimizer) Vertex(id int) (*spatialmath.Pose, error) {
	v, ok := o.vertices[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownVertex, "vertex %d", id)
	}
	return v.Clone(), nil
}

// Vertices returns the vertex ids in ascending order.
func (o *Optimizer) Vertices() []int {
	out := append([]int(nil), o.ids...)
	sort.Ints(out)
	return out
}

// Edges returns every edge in insertion order.
func (o *Optimizer) Edges() []Edge {
	return o.edges
}

// Error is the weighted squared residual over all edges at the current estimate.
func (o *Optimizer) Error() float64 {
	return o.cost(o.vertices)
}

func (o *Optimizer) cost(vertices map[int]*spatialmath.Pose) float64 {
	total := 0.
	for _, e := range o.edges {
		total += edgeCost(vertices[e.From], vertices[e.To], e)
	}
	return total
}

func edgeCost(va, vb *spatialmath.Pose, e Edge) float64 {
	resid := spatialmath.PoseBetween(e.Rel, spatialmath.PoseBetween(va, vb))
	t := resid.Point()
	r := spatialmath.QuatToR4AA(resid.Quaternion()).ToR3()
	res := [6]float64{t.X, t.Y, t.Z, r.X, r.Y, r.Z}
	sum := 0.
	for i, v := range res {
		sum += e.Info[i] * v * v
	}
	return sum
}

// Iterate runs up to iterations optimizer steps over every vertex but the anchor and returns the
// resulting error.
func (o *Optimizer) Iterate(iterations int) (float64, error) {
	if len(o.ids) < 2 || len(o.edges) == 0 {
		return o.Error(), nil
	}
	free := o.ids[1:]
	slot := make(map[int]int, len(free))
	for i, id := range free {
		slot[id] = i
	}

	perturbed := func(x []float64) map[int]*spatialmath.Pose {
		out := make(map[int]*spatialmath.Pose, len(o.vertices))
		for id, v := range o.vertices {
			i, ok := slot[id]
			if !ok {
				out[id] = v
				continue
			}
			k := 6 * i
			dr := spatialmath.R3ToR4(r3.Vector{X: x[k+3], Y: x[k+4], Z: x[k+5]}).RotationMatrix()
			rot := spatialmath.Compose(v, spatialmath.NewPose(dr, r3.Vector{})).Rotation()
			out[id] = spatialmath.NewPose(rot, v.Point().Add(r3.Vector{X: x[k], Y: x[k+1], Z: x[k+2]}))
		}
		return out
	}
	cost := func(x []float64) float64 { return o.cost(perturbed(x)) }

	x0 := make([]float64, 6*len(free))
	before := cost(x0)
	problem := optimize.Problem{
		Func: cost,
		Grad: func(grad, x []float64) {
			fd.Gradient(grad, cost, x, &fd.Settings{Formula: fd.Central})
		},
	}
	settings := &optimize.Settings{
		MajorIterations: iterations,
		Converger:       &optimize.FunctionConverge{Absolute: 1e-10, Relative: 1e-10, Iterations: 3},
	}
	result, err := optimize.Minimize(problem, x0, settings, &optimize.LBFGS{})
	if result == nil {
		return before, errors.Wrap(err, "pose graph optimization")
	}
	if result.F >= before || math.IsNaN(result.F) {
		return before, nil
	}
	for id, v := range perturbed(result.X) {
		o.vertices[id].Set(v)
	}
	o.logger.Debugw("pose graph iteration", "vertices", len(o.ids), "edges", len(o.edges),
		"error_before", before, "error_after", result.F)
	return result.F, nil
}
