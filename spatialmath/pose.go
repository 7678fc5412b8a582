// Package spatialmath defines the rigid transforms passed between the odometry, bundle adjustment
// and pose graph code.
package spatialmath

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// ErrNotOrthonormal is returned when a pose's rotation block has drifted away from a rotation.
var ErrNotOrthonormal = errors.New("rotation is not orthonormal")

// DefaultOrthonormalTolerance is the largest accepted entry of R*R^T - I.
const DefaultOrthonormalTolerance = 1e-3

// Pose is a rigid transform held as a 4x4 homogeneous matrix. Poses are treated as values: every
// operation returns a new Pose, and only Set mutates one in place.
type Pose struct {
	m *mat.Dense
}

// NewZeroPose returns the identity transform.
func NewZeroPose() *Pose {
	return &Pose{m: identity4()}
}

// NewPose builds a pose from a rotation and a translation.
func NewPose(rot *RotationMatrix, t r3.Vector) *Pose {
	m := identity4()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, rot.At(i, j))
		}
	}
	m.Set(0, 3, t.X)
	m.Set(1, 3, t.Y)
	m.Set(2, 3, t.Z)
	return &Pose{m: m}
}

// NewPoseFromPoint returns a pure translation.
func NewPoseFromPoint(t r3.Vector) *Pose {
	return NewPose(NewIdentityRotationMatrix(), t)
}

// NewPoseFromEuler builds a pose from a translation and static x-y-z euler angles.
func NewPoseFromEuler(t r3.Vector, ea *EulerAngles) *Pose {
	return NewPose(ea.RotationMatrix(), t)
}

// NewPoseFromQuaternion builds a pose from a translation and a quaternion.
func NewPoseFromQuaternion(t r3.Vector, q quat.Number) *Pose {
	return NewPose(QuatToRotationMatrix(q), t)
}

// NewPoseFromMatrix copies a 4x4 homogeneous matrix into a pose.
func NewPoseFromMatrix(m mat.Matrix) (*Pose, error) {
	if r, c := m.Dims(); r != 4 || c != 4 {
		return nil, errors.Errorf("expected a 4x4 matrix, got %dx%d", r, c)
	}
	return &Pose{m: mat.DenseCopyOf(m)}, nil
}

// NewPoseFromSlice builds a pose from 16 row-major values, the format written to trajectory files.
func NewPoseFromSlice(vals []float64) (*Pose, error) {
	if len(vals) != 16 {
		return nil, errors.Errorf("expected 16 values for a pose, got %d", len(vals))
	}
	data := make([]float64, 16)
	copy(data, vals)
	return &Pose{m: mat.NewDense(4, 4, data)}, nil
}

// Compose returns a*b: the transform that applies b first, then a.
func Compose(a, b *Pose) *Pose {
	var m mat.Dense
	m.Mul(a.m, b.m)
	return &Pose{m: &m}
}

// PoseInverse returns the inverse rigid transform.
func PoseInverse(p *Pose) *Pose {
	rt := p.Rotation().Transpose()
	return NewPose(rt, rt.Mul(p.Point()).Mul(-1))
}

// PoseBetween returns the transform that takes a to b, i.e. a^-1 * b.
func PoseBetween(a, b *Pose) *Pose {
	return Compose(PoseInverse(a), b)
}

// Point returns the translation component.
func (p *Pose) Point() r3.Vector {
	return r3.Vector{X: p.m.At(0, 3), Y: p.m.At(1, 3), Z: p.m.At(2, 3)}
}

// Rotation returns a copy of the rotation block.
func (p *Pose) Rotation() *RotationMatrix {
	var rm RotationMatrix
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rm.mat[i*3+j] = p.m.At(i, j)
		}
	}
	return &rm
}

// Transform applies the pose to a point.
func (p *Pose) Transform(v r3.Vector) r3.Vector {
	return p.Rotation().Mul(v).Add(p.Point())
}

// Matrix returns a copy of the homogeneous matrix.
func (p *Pose) Matrix() *mat.Dense {
	return mat.DenseCopyOf(p.m)
}

// Slice returns the 16 row-major entries of the homogeneous matrix.
func (p *Pose) Slice() []float64 {
	out := make([]float64, 16)
	copy(out, p.m.RawMatrix().Data)
	return out
}

// Quaternion returns the rotation as a unit quaternion.
func (p *Pose) Quaternion() quat.Number {
	return p.Rotation().Quaternion()
}

// EulerAngles returns the rotation as static x-y-z euler angles.
func (p *Pose) EulerAngles() *EulerAngles {
	return p.Rotation().EulerAngles()
}

// Norm is the distance of the translation from the origin.
func (p *Pose) Norm() float64 {
	return p.Point().Norm()
}

// Distance is the euclidean distance between the two translations.
func (p *Pose) Distance(other *Pose) float64 {
	return p.Point().Sub(other.Point()).Norm()
}

// Angle is the angle in radians between the forward (+z) axes of the two poses.
func (p *Pose) Angle(other *Pose) float64 {
	dot := p.Rotation().Col(2).Dot(other.Rotation().Col(2))
	if dot >= 1 {
		return 0
	}
	if dot <= -1 {
		return math.Pi
	}
	return math.Acos(dot)
}

// QAngle is the yaw of other minus the yaw of p, both taken from their quaternions.
func (p *Pose) QAngle(other *Pose) float64 {
	return QuaternionYaw(other.Quaternion()) - QuaternionYaw(p.Quaternion())
}

// FurtherThan reports whether other is more than posThresh away from p, or rotated by more than
// angThresh about the vertical axis.
func (p *Pose) FurtherThan(other *Pose, posThresh, angThresh float64) bool {
	return p.Distance(other) > posThresh || math.Abs(p.QAngle(other)) > angThresh
}

// CheckOrthonormal returns ErrNotOrthonormal when the rotation block is further than tol from a
// rotation, or when the bottom row is not [0 0 0 1].
func (p *Pose) CheckOrthonormal(tol float64) error {
	if e := p.Rotation().OrthonormalError(); e > tol || math.IsNaN(e) {
		return errors.Wrapf(ErrNotOrthonormal, "max |R*R^T - I| = %g", e)
	}
	for j, want := range []float64{0, 0, 0, 1} {
		if math.Abs(p.m.At(3, j)-want) > tol {
			return errors.Wrap(ErrNotOrthonormal, "bottom row of homogeneous matrix is not [0 0 0 1]")
		}
	}
	return nil
}

// Set overwrites p with the value of other. This is how optimizers hand corrected poses back.
func (p *Pose) Set(other *Pose) {
	p.m.Copy(other.m)
}

// Clone returns an independent copy.
func (p *Pose) Clone() *Pose {
	return &Pose{m: mat.DenseCopyOf(p.m)}
}

func (p *Pose) String() string {
	pt := p.Point()
	ea := p.EulerAngles()
	return fmt.Sprintf("{X:%.4f Y:%.4f Z:%.4f Roll:%.4f Pitch:%.4f Yaw:%.4f}", pt.X, pt.Y, pt.Z, ea.Roll, ea.Pitch, ea.Yaw)
}

// PoseAlmostEqual compares every entry of the two homogeneous matrices.
func PoseAlmostEqual(a, b *Pose, tol float64) bool {
	return mat.EqualApprox(a.m, b.m, tol)
}

// PoseAlmostCoincident compares translations and rotations with separate tolerances.
func PoseAlmostCoincident(a, b *Pose, linearTol, angularTol float64) bool {
	if a.Distance(b) > linearTol {
		return false
	}
	delta := PoseBetween(a, b).Quaternion()
	return 2*math.Acos(math.Min(1, math.Abs(delta.Real))) <= angularTol
}

func identity4() *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
}
