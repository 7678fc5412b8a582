package posegraph

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/vslam/logging"
	"go.viam.com/vslam/spatialmath"
)

var (
	weak   = NewInformation(5, 3, 3)
	strong = NewInformation(0.0001, 0.000002, 0.00002)
)

func TestNewInformation(t *testing.T) {
	info := NewInformation(4, 0.25, 1)
	test.That(t, info, test.ShouldResemble, Information{0.5, 0.5, 0.5, 2, 2, 1})
	test.That(t, strong[0], test.ShouldAlmostEqual, 100)
	test.That(t, weak[5], test.ShouldAlmostEqual, 1/math.Sqrt(3))
}

func TestIncrementalEdgesInitializeVertices(t *testing.T) {
	g := NewOptimizer(logging.NewTestLogger(t))
	step := spatialmath.NewPoseFromEuler(r3.Vector{X: 1}, &spatialmath.EulerAngles{Yaw: math.Pi / 2})
	test.That(t, g.AddIncrementalEdge(0, 1, step, strong), test.ShouldBeNil)
	test.That(t, g.AddIncrementalEdge(1, 2, step, strong), test.ShouldBeNil)

	v2, err := g.Vertex(2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v2.Point().X, test.ShouldAlmostEqual, 1)
	test.That(t, v2.Point().Y, test.ShouldAlmostEqual, 1)
	test.That(t, g.Error(), test.ShouldAlmostEqual, 0)
	test.That(t, g.Vertices(), test.ShouldResemble, []int{0, 1, 2})

	err = g.AddIncrementalEdge(7, 8, step, strong)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, ErrUnknownVertex.Error())
	_, err = g.Vertex(8)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, g.HasVertex(8), test.ShouldBeFalse)
	test.That(t, g.AddIncrementalEdge(2, 2, step, strong), test.ShouldNotBeNil)
}

func TestIterateHonorsStrongConstraint(t *testing.T) {
	g := NewOptimizer(logging.NewTestLogger(t))
	fwd := spatialmath.NewPoseFromPoint(r3.Vector{X: 1})
	test.That(t, g.AddVertex(0, spatialmath.NewZeroPose()), test.ShouldBeNil)
	test.That(t, g.AddIncrementalEdge(0, 1, fwd, weak), test.ShouldBeNil)
	test.That(t, g.AddIncrementalEdge(1, 2, fwd, weak), test.ShouldBeNil)
	loop := spatialmath.NewPoseFromPoint(r3.Vector{X: 2.2})
	test.That(t, g.AddIncrementalEdge(0, 2, loop, strong), test.ShouldBeNil)
	test.That(t, len(g.Edges()), test.ShouldEqual, 3)

	before := g.Error()
	after, err := g.Iterate(100)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, after, test.ShouldBeLessThan, before/10)
	test.That(t, g.Error(), test.ShouldAlmostEqual, after)

	v0, err := g.Vertex(0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqual(v0, spatialmath.NewZeroPose(), 0), test.ShouldBeTrue)
	v1, err := g.Vertex(1)
	test.That(t, err, test.ShouldBeNil)
	v2, err := g.Vertex(2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v2.Point().X, test.ShouldAlmostEqual, 2.2, 0.02)
	test.That(t, v1.Point().X, test.ShouldAlmostEqual, 1.1, 0.05)
	test.That(t, v2.CheckOrthonormal(spatialmath.DefaultOrthonormalTolerance), test.ShouldBeNil)
}

func TestIterateWithoutEdges(t *testing.T) {
	g := NewOptimizer(logging.NewTestLogger(t))
	test.That(t, g.AddVertex(3, spatialmath.NewZeroPose()), test.ShouldBeNil)
	test.That(t, g.AddVertex(3, spatialmath.NewZeroPose()), test.ShouldNotBeNil)
	e, err := g.Iterate(5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, e, test.ShouldEqual, 0.)
}
