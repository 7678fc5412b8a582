package descriptors

import (
	"encoding/json"
	"image"
	"math"
	"math/rand"
	"os"

	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/vslam/rimage"
	"go.viam.com/vslam/vision/keypoints"
)

const (
	signaturePatchSize = 32
	// DefaultSignatureSize is the length of the signatures of a freshly seeded classifier.
	DefaultSignatureSize = 176
)

// LearnedClassifierMatcher maps the 32x32 patch around each keypoint through a learned linear
// classifier into a signature and matches signatures by euclidean distance.
type LearnedClassifierMatcher struct {
	weights *mat.Dense
}

// learnedClassifierFile is the on-disk form of a classifier.
type learnedClassifierFile struct {
	Dimension int       `json:"dimension"`
	Weights   []float64 `json:"weights"`
}

// NewLearnedClassifierMatcher seeds a random projection classifier with dim outputs.
func NewLearnedClassifierMatcher(dim int, seed int64) *LearnedClassifierMatcher {
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec
	n := signaturePatchSize * signaturePatchSize
	w := make([]float64, dim*n)
	scale := 1 / math.Sqrt(float64(n))
	for i := range w {
		w[i] = rng.NormFloat64() * scale
	}
	return &LearnedClassifierMatcher{weights: mat.NewDense(dim, n, w)}
}

// LoadLearnedClassifierMatcher reads a classifier written by Save.
func LoadLearnedClassifierMatcher(path string) (*LearnedClassifierMatcher, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening classifier %q", path)
	}
	defer utils.UncheckedErrorFunc(f.Close)

	var file learnedClassifierFile
	if err := json.NewDecoder(f).Decode(&file); err != nil {
		return nil, errors.Wrapf(err, "decoding classifier %q", path)
	}
	n := signaturePatchSize * signaturePatchSize
	if file.Dimension <= 0 || len(file.Weights) != file.Dimension*n {
		return nil, errors.Errorf("classifier %q has %d weights, expected %d x %d", path, len(file.Weights), file.Dimension, n)
	}
	return &LearnedClassifierMatcher{weights: mat.NewDense(file.Dimension, n, file.Weights)}, nil
}

// Save writes the classifier as JSON.
func (lc *LearnedClassifierMatcher) Save(path string) error {
	r, c := lc.weights.Dims()
	file := learnedClassifierFile{Dimension: r, Weights: make([]float64, 0, r*c)}
	for i := 0; i < r; i++ {
		file.Weights = append(file.Weights, lc.weights.RawRowView(i)...)
	}
	data, err := json.Marshal(file)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Name returns the scheme name.
func (lc *LearnedClassifierMatcher) Name() string { return "LearnedClassifier" }

// Dimension is the signature length.
func (lc *LearnedClassifierMatcher) Dimension() int {
	r, _ := lc.weights.Dims()
	return r
}

// Collect computes one unit-length signature per point from the zero-mean patch centered on it.
func (lc *LearnedClassifierMatcher) Collect(img *image.Gray, pts []keypoints.StereoPoint) ([]Descriptor, error) {
	img = rimage.MakeGray(img)
	out := make([]Descriptor, len(pts))
	for i, p := range pts {
		patch := rimage.GrabPatch(img, int(p.X)-signaturePatchSize/2, int(p.Y)-signaturePatchSize/2, signaturePatchSize)
		v := make([]float64, len(patch))
		for j, px := range patch {
			v[j] = float64(px)
		}
		floats.AddConst(-floats.Sum(v)/float64(len(v)), v)

		sig := mat.NewVecDense(lc.Dimension(), nil)
		sig.MulVec(lc.weights, mat.NewVecDense(len(v), v))
		d := Descriptor(sig.RawVector().Data)
		if norm := floats.Norm(d, 2); norm > 0 {
			floats.Scale(1/norm, d)
		}
		out[i] = d
	}
	return out, nil
}

// Search returns the hit with the nearest signature.
func (lc *LearnedClassifierMatcher) Search(query Descriptor, cands []Descriptor, hits []bool) (int, float64, bool) {
	best, bestDist := -1, math.Inf(1)
	for i, c := range cands {
		if !hits[i] {
			continue
		}
		if d := floats.Distance(query, c, 2); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, bestDist, best >= 0
}
