package odometry

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/vslam/rimage/transform"
	"go.viam.com/vslam/spatialmath"
	"go.viam.com/vslam/vision/keypoints"
)

// PoseEstimator robustly fits a rigid transform to stereo correspondences with RANSAC over
// three-point Kabsch fits. Inliers are judged by reprojection error in (u, v, disparity) space.
type PoseEstimator struct {
	cam        *transform.StereoCameraModel
	errThresh  float64
	iterations int
	rng        *rand.Rand

	inliers [][2]int
}

// NewPoseEstimator returns a seeded estimator, so runs over the same input are repeatable.
func NewPoseEstimator(cam *transform.StereoCameraModel, errThresh float64, iterations int, seed int64) *PoseEstimator {
	return &PoseEstimator{
		cam:        cam,
		errThresh:  errThresh,
		iterations: iterations,
		rng:        rand.New(rand.NewSource(seed)), //nolint:gosec
	}
}

// SetInlierErrorThreshold sets the reprojection error, in pixels, below which a pair is an inlier.
func (pe *PoseEstimator) SetInlierErrorThreshold(thresh float64) {
	pe.errThresh = thresh
}

// SetNumRansacIterations sets the number of hypotheses tried per call.
func (pe *PoseEstimator) SetNumRansacIterations(n int) {
	pe.iterations = n
}

// Inliers returns the inlier pairs of the most recent Estimate call as (from, to) indices.
func (pe *PoseEstimator) Inliers() [][2]int {
	return pe.inliers
}

// Estimate finds the transform T such that T applied to the camera point of from[i] lands on to[j]
// for as many pairs (i, j) as possible. With polish set, the winning hypothesis is refit to all of
// its inliers. It returns false when there are too few pairs or no hypothesis has an inlier.
func (pe *PoseEstimator) Estimate(from, to []keypoints.StereoPoint, pairs [][2]int, polish bool,
) (int, *spatialmath.Pose, bool) {
	pe.inliers = nil
	src := make([]r3.Vector, 0, len(pairs))
	valid := make([][2]int, 0, len(pairs))
	for _, pr := range pairs {
		p := from[pr[0]]
		pt := pe.cam.PixelToCamera(p.X, p.Y, p.D)
		if pt.Z <= 0 {
			continue
		}
		src = append(src, pt)
		valid = append(valid, pr)
	}
	if len(valid) < 3 {
		return 0, nil, false
	}
	dst := make([]r3.Vector, len(valid))
	for i, pr := range valid {
		q := to[pr[1]]
		dst[i] = pe.cam.PixelToCamera(q.X, q.Y, q.D)
	}

	var best *spatialmath.Pose
	var bestInliers []int
	for iter := 0; iter < pe.iterations; iter++ {
		a, b, c := pe.sample3(len(valid))
		if degenerateTriangle(src[a], src[b], src[c]) || degenerateTriangle(dst[a], dst[b], dst[c]) {
			continue
		}
		hyp, ok := kabsch([]r3.Vector{src[a], src[b], src[c]}, []r3.Vector{dst[a], dst[b], dst[c]})
		if !ok {
			continue
		}
		if inl := pe.score(hyp, src, valid, to); len(inl) > len(bestInliers) {
			best, bestInliers = hyp, inl
		}
	}
	if len(bestInliers) == 0 {
		return 0, nil, false
	}

	if polish && len(bestInliers) >= 3 {
		a := make([]r3.Vector, len(bestInliers))
		b := make([]r3.Vector, len(bestInliers))
		for i, idx := range bestInliers {
			a[i], b[i] = src[idx], dst[idx]
		}
		if refined, ok := kabsch(a, b); ok {
			if inl := pe.score(refined, src, valid, to); len(inl) >= len(bestInliers) {
				best, bestInliers = refined, inl
			}
		}
	}

	pe.inliers = make([][2]int, len(bestInliers))
	for i, idx := range bestInliers {
		pe.inliers[i] = valid[idx]
	}
	return len(bestInliers), best, true
}

func (pe *PoseEstimator) sample3(n int) (int, int, int) {
	a := pe.rng.Intn(n)
	b := pe.rng.Intn(n - 1)
	if b >= a {
		b++
	}
	c := pe.rng.Intn(n - 2)
	for _, taken := range sortedPair(a, b) {
		if c >= taken {
			c++
		}
	}
	return a, b, c
}

func sortedPair(a, b int) [2]int {
	if a < b {
		return [2]int{a, b}
	}
	return [2]int{b, a}
}

// score returns the indices of valid pairs whose transformed source point reprojects within the error
// threshold of its target keypoint.
func (pe *PoseEstimator) score(hyp *spatialmath.Pose, src []r3.Vector, valid [][2]int, to []keypoints.StereoPoint) []int {
	var out []int
	limit := pe.errThresh * pe.errThresh
	for i, pt := range src {
		p := hyp.Transform(pt)
		if p.Z <= 0 {
			continue
		}
		u, v, d := pe.cam.CameraToPixel(p)
		q := to[valid[i][1]]
		du, dv, dd := u-q.X, v-q.Y, d-q.D
		if du*du+dv*dv+dd*dd <= limit {
			out = append(out, i)
		}
	}
	return out
}

func degenerateTriangle(a, b, c r3.Vector) bool {
	return b.Sub(a).Cross(c.Sub(a)).Norm() < 1e-9
}

// kabsch returns the least squares rigid transform taking every a[i] onto b[i].
func kabsch(a, b []r3.Vector) (*spatialmath.Pose, bool) {
	n := float64(len(a))
	var ca, cb r3.Vector
	for i := range a {
		ca = ca.Add(a[i])
		cb = cb.Add(b[i])
	}
	ca, cb = ca.Mul(1/n), cb.Mul(1/n)

	h := mat.NewDense(3, 3, nil)
	for i := range a {
		p, q := a[i].Sub(ca), b[i].Sub(cb)
		pv := [3]float64{p.X, p.Y, p.Z}
		qv := [3]float64{q.X, q.Y, q.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+pv[r]*qv[c])
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return nil, false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var vut mat.Dense
	vut.Mul(&v, u.T())
	d := mat.NewDiagDense(3, []float64{1, 1, math.Copysign(1, mat.Det(&vut))})
	var r mat.Dense
	r.Product(&v, d, u.T())

	rot, err := spatialmath.NewRotationMatrix(r.RawMatrix().Data)
	if err != nil {
		return nil, false
	}
	t := cb.Sub(rot.Mul(ca))
	return spatialmath.NewPose(rot, t), true
}
