// Package placerecognition finds previously visited places by their appearance: descriptors are
// quantized into visual words and places are ranked by TF-IDF similarity.
package placerecognition

import (
	"encoding/json"
	"os"

	"github.com/muesli/clusters"
	"github.com/muesli/kmeans"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"go.viam.com/vslam/vision/keypoints/descriptors"
)

// Vocabulary maps descriptors to the id of their nearest word center.
type Vocabulary struct {
	Centers [][]float64 `json:"centers"`
}

// NewVocabulary wraps known word centers. All centers must share one dimension.
func NewVocabulary(centers [][]float64) (*Vocabulary, error) {
	if len(centers) == 0 {
		return nil, errors.New("vocabulary needs at least one word")
	}
	for _, c := range centers {
		if len(c) != len(centers[0]) {
			return nil, errors.Errorf("word centers have mixed dimensions %d and %d", len(centers[0]), len(c))
		}
	}
	return &Vocabulary{Centers: centers}, nil
}

type descriptorObservation descriptors.Descriptor

func (d descriptorObservation) Coordinates() clusters.Coordinates {
	return clusters.Coordinates(d)
}

func (d descriptorObservation) Distance(c clusters.Coordinates) float64 {
	return floats.Distance(d, c, 2)
}

// TrainVocabulary clusters training descriptors into at most words visual words with k-means. Words
// that end up empty are dropped.
func TrainVocabulary(train []descriptors.Descriptor, words int) (*Vocabulary, error) {
	if words < 1 {
		return nil, errors.New("vocabulary needs at least one word")
	}
	if len(train) < words {
		return nil, errors.Errorf("need at least %d training descriptors, got %d", words, len(train))
	}
	var obs clusters.Observations
	for _, d := range train {
		obs = append(obs, descriptorObservation(d))
	}
	km := kmeans.New()
	parts, err := km.Partition(obs, words)
	if err != nil {
		return nil, errors.Wrap(err, "training vocabulary")
	}
	var centers [][]float64
	for _, c := range parts {
		if len(c.Observations) == 0 {
			continue
		}
		centers = append(centers, append([]float64(nil), c.Center...))
	}
	return NewVocabulary(centers)
}

// LoadVocabulary reads a vocabulary written by Save.
func LoadVocabulary(path string) (*Vocabulary, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading vocabulary")
	}
	var v Vocabulary
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, errors.Wrapf(err, "parsing vocabulary %q", path)
	}
	return NewVocabulary(v.Centers)
}

// Save writes the vocabulary as JSON.
func (v *Vocabulary) Save(path string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Size is the number of words.
func (v *Vocabulary) Size() int {
	return len(v.Centers)
}

// Word returns the id of the nearest center. Ties go to the lower id.
func (v *Vocabulary) Word(d descriptors.Descriptor) int {
	best, bestDist := 0, -1.
	for i, c := range v.Centers {
		if len(c) != len(d) {
			continue
		}
		if dist := floats.Distance(d, c, 2); bestDist < 0 || dist < bestDist {
			best, bestDist = i, dist
		}
	}
	return best
}
