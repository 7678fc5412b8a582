package odometry

import (
	"image"

	"github.com/golang/geo/r3"

	"go.viam.com/vslam/rimage"
	"go.viam.com/vslam/spatialmath"
	"go.viam.com/vslam/vision/keypoints"
	"go.viam.com/vslam/vision/keypoints/descriptors"
)

const (
	// NoFrame marks an unset frame id reference.
	NoFrame = -1
	// ExternalFrameIDBase is the first id handed to external frames. Ids below it belong to frames
	// from the regular stream.
	ExternalFrameIDBase = 1000000
)

// Frame is one stereo capture and everything the odometer derives from it. Keypoints, Points and
// Descriptors are parallel slices.
type Frame struct {
	ID    int
	Left  *image.Gray
	Right *image.Gray

	// Keypoints2D holds every detected point, including those dropped for lacking a disparity.
	Keypoints2D keypoints.KeyPoints
	Keypoints   []keypoints.StereoPoint
	Points      []r3.Vector
	Descriptors []descriptors.Descriptor

	Pose       *spatialmath.Pose
	RefFrameID int
	DiffPose   *spatialmath.Pose
	Inliers    int

	// Externals are frames injected from outside the stream that act as fixed anchors whenever this
	// frame takes part in bundle adjustment.
	Externals []*Frame
}

// NewFrame wraps a stereo pair. Both images are converted to grayscale.
func NewFrame(left, right image.Image) *Frame {
	f := &Frame{
		ID:         NoFrame,
		Pose:       spatialmath.NewZeroPose(),
		RefFrameID: NoFrame,
	}
	if left != nil {
		f.Left = rimage.MakeGray(left)
	}
	if right != nil {
		f.Right = rimage.MakeGray(right)
	}
	return f
}

// HasRef reports whether the frame's pose was estimated against a keyframe.
func (f *Frame) HasRef() bool {
	return f.RefFrameID != NoFrame
}

// IsExternal reports whether the frame id comes from the external id space.
func (f *Frame) IsExternal() bool {
	return f.ID >= ExternalFrameIDBase
}

// frameArena owns every frame still reachable from a track or the pose chain, indexed by id.
type frameArena struct {
	frames map[int]*Frame
}

func newFrameArena() *frameArena {
	return &frameArena{frames: map[int]*Frame{}}
}

func (a *frameArena) put(f *Frame) {
	a.frames[f.ID] = f
}

func (a *frameArena) get(id int) (*Frame, bool) {
	f, ok := a.frames[id]
	return f, ok
}

// retain drops every frame whose id is not kept.
func (a *frameArena) retain(keep func(id int) bool) {
	for id := range a.frames {
		if !keep(id) {
			delete(a.frames, id)
		}
	}
}

func (a *frameArena) len() int {
	return len(a.frames)
}
