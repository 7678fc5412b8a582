// Package transform holds the stereo camera geometry used to triangulate keypoints and to project
// 3D points back into the image pair.
package transform

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// ErrInvalidCamera is when a stereo camera model is missing or has unusable parameters.
var ErrInvalidCamera = errors.New("stereo camera parameters are not valid")

// NewInvalidCameraError is used when the stereo parameters fail validation.
func NewInvalidCameraError(msg string) error {
	return errors.Wrap(ErrInvalidCamera, msg)
}

// StereoCameraModel describes a rectified stereo pair: both cameras share the focal lengths and the
// vertical principal point; the right camera sits Tx to the right of the left one.
type StereoCameraModel struct {
	Width  int     `json:"width_px,omitempty"`
	Height int     `json:"height_px,omitempty"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Tx     float64 `json:"tx"`
	Clx    float64 `json:"clx"`
	Crx    float64 `json:"crx"`
	Cy     float64 `json:"cy"`
}

// NewStereoCameraModel builds a model from the classic (Fx, Fy, Tx, Clx, Crx, Cy) parameter tuple.
func NewStereoCameraModel(fx, fy, tx, clx, crx, cy float64) *StereoCameraModel {
	return &StereoCameraModel{Fx: fx, Fy: fy, Tx: tx, Clx: clx, Crx: crx, Cy: cy}
}

// CheckValid checks if the fields for StereoCameraModel have valid inputs.
func (cam *StereoCameraModel) CheckValid() error {
	if cam == nil {
		return NewInvalidCameraError("stereo camera model does not exist")
	}
	if cam.Width < 0 || cam.Height < 0 {
		return NewInvalidCameraError(fmt.Sprintf("Invalid size (%#v, %#v)", cam.Width, cam.Height))
	}
	if cam.Fx <= 0 {
		return NewInvalidCameraError(fmt.Sprintf("Invalid focal length Fx = %#v", cam.Fx))
	}
	if cam.Fy <= 0 {
		return NewInvalidCameraError(fmt.Sprintf("Invalid focal length Fy = %#v", cam.Fy))
	}
	if cam.Tx <= 0 {
		return NewInvalidCameraError(fmt.Sprintf("Invalid baseline Tx = %#v", cam.Tx))
	}
	if cam.Clx < 0 || cam.Crx < 0 {
		return NewInvalidCameraError(fmt.Sprintf("Invalid principal X points Clx = %#v, Crx = %#v", cam.Clx, cam.Crx))
	}
	if cam.Cy < 0 {
		return NewInvalidCameraError(fmt.Sprintf("Invalid principal Y point Cy = %#v", cam.Cy))
	}
	return nil
}

// NewStereoCameraModelFromJSONFile takes in a file path to a JSON and turns it into a validated
// StereoCameraModel.
func NewStereoCameraModelFromJSONFile(jsonPath string) (*StereoCameraModel, error) {
	//nolint:gosec
	jsonFile, err := os.Open(jsonPath)
	if err != nil {
		return nil, errors.Wrap(err, "error opening JSON file")
	}
	defer utils.UncheckedErrorFunc(jsonFile.Close)
	byteValue, err := io.ReadAll(jsonFile)
	if err != nil {
		return nil, errors.Wrap(err, "error reading JSON data")
	}
	cam := &StereoCameraModel{}
	if err := json.Unmarshal(byteValue, cam); err != nil {
		return nil, errors.Wrap(err, "error parsing JSON string")
	}
	if err := cam.CheckValid(); err != nil {
		return nil, err
	}
	return cam, nil
}

// MinDisparity is the smallest disparity that still triangulates in front of the camera. Anything at
// or below it is degenerate and must be dropped before reaching matching.
func (cam *StereoCameraModel) MinDisparity() float64 {
	return cam.Clx - cam.Crx
}

// PixelToCamera takes a left-image pixel and its disparity and returns the camera-space point.
// The returned Z is non-positive when the disparity is degenerate.
func (cam *StereoCameraModel) PixelToCamera(u, v, disparity float64) r3.Vector {
	w := (disparity + (cam.Crx - cam.Clx)) / cam.Tx
	if w == 0 {
		return r3.Vector{X: math.Inf(1), Y: math.Inf(1), Z: 0}
	}
	return r3.Vector{
		X: (u - cam.Clx) / w,
		Y: (v - cam.Cy) / w * cam.Fx / cam.Fy,
		Z: cam.Fx / w,
	}
}

// CameraToPixelLR projects a camera-space point into the left and right images. Both pixels share
// the same row.
func (cam *StereoCameraModel) CameraToPixelLR(pt r3.Vector) (left, right r2.Point) {
	xl := cam.Fx*pt.X/pt.Z + cam.Clx
	y := cam.Fy*pt.Y/pt.Z + cam.Cy
	xr := cam.Fx*pt.X/pt.Z + cam.Crx - cam.Fx*cam.Tx/pt.Z
	return r2.Point{X: xl, Y: y}, r2.Point{X: xr, Y: y}
}

// CameraToPixel projects a camera-space point to left-image (u, v) plus disparity.
func (cam *StereoCameraModel) CameraToPixel(pt r3.Vector) (u, v, disparity float64) {
	left, right := cam.CameraToPixelLR(pt)
	return left.X, left.Y, left.X - right.X
}

// Baseline returns the distance between the two optical centers.
func (cam *StereoCameraModel) Baseline() float64 {
	return cam.Tx
}

func (cam *StereoCameraModel) String() string {
	return fmt.Sprintf("stereo{Fx:%g Fy:%g Tx:%g Clx:%g Crx:%g Cy:%g}", cam.Fx, cam.Fy, cam.Tx, cam.Clx, cam.Crx, cam.Cy)
}
