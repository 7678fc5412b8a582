package spatialmath

import (
	"math"
	"testing"

	"go.viam.com/test"
)

func TestAxisAngleToQuat(t *testing.T) {
	// expected unit quaternions as [x, y, z, w] for a one radian turn
	data := []struct {
		aa R4AA
		q  [4]float64
	}{
		{R4AA{1, 1, 1, 1}, [4]float64{0.2767965, 0.2767965, 0.2767965, 0.8775826}},
		{R4AA{1, 1, 0, 0}, [4]float64{0.4794255, 0, 0, 0.8775826}},
		{R4AA{1, 0, 1, 0}, [4]float64{0, 0.4794255, 0, 0.8775826}},
		{R4AA{1, 0, 0, 1}, [4]float64{0, 0, 0.4794255, 0.8775826}},
	}
	for _, d := range data {
		q := d.aa.ToQuat()
		test.That(t, q.Imag, test.ShouldAlmostEqual, d.q[0], 1e-5)
		test.That(t, q.Jmag, test.ShouldAlmostEqual, d.q[1], 1e-5)
		test.That(t, q.Kmag, test.ShouldAlmostEqual, d.q[2], 1e-5)
		test.That(t, q.Real, test.ShouldAlmostEqual, d.q[3], 1e-5)

		back := QuatToR4AA(q)
		test.That(t, back.Theta, test.ShouldAlmostEqual, 1, 1e-9)
		norm := math.Sqrt(d.aa.RX*d.aa.RX + d.aa.RY*d.aa.RY + d.aa.RZ*d.aa.RZ)
		test.That(t, back.RX, test.ShouldAlmostEqual, d.aa.RX/norm, 1e-9)
		test.That(t, back.RY, test.ShouldAlmostEqual, d.aa.RY/norm, 1e-9)
		test.That(t, back.RZ, test.ShouldAlmostEqual, d.aa.RZ/norm, 1e-9)
	}
}

func TestR3RoundTrip(t *testing.T) {
	zero := R3ToR4(r3Vec(0, 0, 0))
	test.That(t, zero.Theta, test.ShouldEqual, 0.0)
	test.That(t, zero.RotationMatrix().OrthonormalError(), test.ShouldBeLessThan, 1e-12)
	test.That(t, QuatToR4AA(zero.ToQuat()).Theta, test.ShouldEqual, 0.0)

	for _, v := range []struct{ x, y, z float64 }{{0.1, -0.2, 0.3}, {0, 0, -2.5}, {1.1, 0.4, 0}} {
		aa := R3ToR4(r3Vec(v.x, v.y, v.z))
		got := aa.ToR3()
		test.That(t, got.X, test.ShouldAlmostEqual, v.x)
		test.That(t, got.Y, test.ShouldAlmostEqual, v.y)
		test.That(t, got.Z, test.ShouldAlmostEqual, v.z)

		// the rotation matrix agrees with the quaternion path
		rm := aa.RotationMatrix()
		back := QuatToR4AA(rm.Quaternion()).ToR3()
		test.That(t, back.X, test.ShouldAlmostEqual, v.x, 1e-9)
		test.That(t, back.Y, test.ShouldAlmostEqual, v.y, 1e-9)
		test.That(t, back.Z, test.ShouldAlmostEqual, v.z, 1e-9)
	}
}
