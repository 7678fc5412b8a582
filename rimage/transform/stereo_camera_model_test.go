package transform

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestTriangulationRoundTrip(t *testing.T) {
	cams := []*StereoCameraModel{
		NewStereoCameraModel(389.0, 389.0, 0.08923, 323.42, 323.42, 274.95),
		NewStereoCameraModel(300, 310, 0.1, 320, 318, 240),
		NewStereoCameraModel(520.5, 480.25, 0.12, 310, 300, 250.5),
	}
	rng := rand.New(rand.NewSource(5))
	for _, cam := range cams {
		for i := 0; i < 100; i++ {
			pt := r3.Vector{X: rng.Float64()*8 - 4, Y: rng.Float64()*6 - 3, Z: 0.5 + rng.Float64()*20}
			u, v, d := cam.CameraToPixel(pt)
			got := cam.PixelToCamera(u, v, d)
			test.That(t, got.X, test.ShouldAlmostEqual, pt.X, 1e-9)
			test.That(t, got.Y, test.ShouldAlmostEqual, pt.Y, 1e-9)
			test.That(t, got.Z, test.ShouldAlmostEqual, pt.Z, 1e-9)

			left, right := cam.CameraToPixelLR(pt)
			test.That(t, left.Y, test.ShouldEqual, right.Y)
			test.That(t, left.X, test.ShouldEqual, u)
			test.That(t, d, test.ShouldBeGreaterThan, cam.MinDisparity())
		}
	}
}

func TestDegenerateDisparity(t *testing.T) {
	cam := NewStereoCameraModel(300, 300, 0.1, 320, 320, 240)
	pt := cam.PixelToCamera(100, 100, 0)
	test.That(t, pt.Z, test.ShouldEqual, 0.)

	pt = cam.PixelToCamera(100, 100, -2)
	test.That(t, pt.Z, test.ShouldBeLessThan, 0)
}

func TestCheckValid(t *testing.T) {
	var nilCam *StereoCameraModel
	test.That(t, errors.Is(nilCam.CheckValid(), ErrInvalidCamera), test.ShouldBeTrue)

	cam := NewStereoCameraModel(300, 300, 0.1, 320, 320, 240)
	test.That(t, cam.CheckValid(), test.ShouldBeNil)

	bad := *cam
	bad.Tx = 0
	err := bad.CheckValid()
	test.That(t, errors.Is(err, ErrInvalidCamera), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "baseline")

	bad = *cam
	bad.Fy = -1
	test.That(t, bad.CheckValid().Error(), test.ShouldContainSubstring, "Fy")
}

func TestStereoCameraModelFromJSONFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stereo.json")
	contents := `{"width_px": 640, "height_px": 480, "fx": 389.0, "fy": 389.0, "tx": 0.08923,
		"clx": 323.42, "crx": 323.42, "cy": 274.95}`
	test.That(t, os.WriteFile(path, []byte(contents), 0o600), test.ShouldBeNil)

	cam, err := NewStereoCameraModelFromJSONFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cam.Width, test.ShouldEqual, 640)
	test.That(t, cam.Tx, test.ShouldAlmostEqual, 0.08923)
	test.That(t, cam.Crx, test.ShouldAlmostEqual, 323.42)

	_, err = NewStereoCameraModelFromJSONFile(filepath.Join(dir, "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, os.WriteFile(path, []byte(`{"fx": 300}`), 0o600), test.ShouldBeNil)
	_, err = NewStereoCameraModelFromJSONFile(path)
	test.That(t, errors.Is(err, ErrInvalidCamera), test.ShouldBeTrue)
}
