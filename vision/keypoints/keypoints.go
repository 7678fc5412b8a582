// Package keypoints finds interest points in grayscale images. Detectors adapt their threshold from
// call to call so that each frame yields roughly the requested number of points.
package keypoints

import (
	"image"
	"strings"

	"github.com/fogleman/gg"
	"github.com/pkg/errors"
)

// KeyPoints is a set of keypoint pixel locations.
type KeyPoints []image.Point

// StereoPoint is a keypoint in the left image together with its stereo disparity.
type StereoPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	D float64 `json:"d"`
}

// Detector finds up to roughly target interest points in an image. Implementations keep an
// adaptive threshold between calls and are not safe for concurrent use.
type Detector interface {
	Name() string
	Detect(img *image.Gray, target int) (KeyPoints, error)
}

// ThresholdRange bounds the adaptive threshold of a detector.
type ThresholdRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// NewDetector builds a detector from its configuration name: "fast", "harris", "star", or any of
// those prefixed with "4x4_" for the tiled variant.
func NewDetector(name string) (Detector, error) {
	base, tiled := strings.CutPrefix(strings.ToLower(name), "4x4_")
	var factory func() Detector
	switch base {
	case "fast":
		factory = func() Detector {
			if tiled {
				return NewFastDetectorWithBorder(fastCircleRadius)
			}
			return NewFastDetector()
		}
	case "harris":
		factory = func() Detector { return NewHarrisDetector() }
	case "star":
		factory = func() Detector { return NewStarDetector() }
	default:
		return nil, errors.Errorf("unknown feature detector %q", name)
	}
	if tiled {
		return NewTiledDetector(factory), nil
	}
	return factory(), nil
}

// PlotKeypoints plots keypoints on image.
func PlotKeypoints(img *image.Gray, kps []image.Point, outName string) error {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()

	dc := gg.NewContext(w, h)
	dc.DrawImage(img, 0, 0)

	// draw keypoints on image
	dc.SetRGBA(0, 0, 1, 0.5)
	for _, p := range kps {
		dc.DrawCircle(float64(p.X), float64(p.Y), float64(3.0))
		dc.Fill()
	}
	return dc.SavePNG(outName)
}

// PlotMatches draws the first image with its matched keypoints in red, the second image's matched
// keypoints in green and a line joining every matched pair.
func PlotMatches(img *image.Gray, kps0, kps1 []StereoPoint, pairs [][2]int, outName string) error {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()

	dc := gg.NewContext(w, h)
	dc.DrawImage(img, 0, 0)
	dc.SetLineWidth(1)
	for _, pair := range pairs {
		p0, p1 := kps0[pair[0]], kps1[pair[1]]
		dc.SetRGBA(1, 1, 0, 0.8)
		dc.DrawLine(p0.X, p0.Y, p1.X, p1.Y)
		dc.Stroke()
		dc.SetRGBA(1, 0, 0, 0.7)
		dc.DrawCircle(p0.X, p0.Y, 2)
		dc.Fill()
		dc.SetRGBA(0, 1, 0, 0.7)
		dc.DrawCircle(p1.X, p1.Y, 2)
		dc.Fill()
	}
	return dc.SavePNG(outName)
}
