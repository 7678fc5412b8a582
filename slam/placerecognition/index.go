package placerecognition

import (
	"math"
	"sort"

	"github.com/pkg/errors"

	"go.viam.com/vslam/vision/keypoints/descriptors"
)

// Candidate is a ranked place.
type Candidate struct {
	ID    int
	Score float64
}

// Index ranks stored places against a query by cosine similarity of TF-IDF weighted word histograms.
type Index struct {
	vocab  *Vocabulary
	places map[int]map[int]float64
	order  []int
	df     map[int]int
}

// NewIndex returns an empty index over vocab.
func NewIndex(vocab *Vocabulary) *Index {
	return &Index{vocab: vocab, places: map[int]map[int]float64{}, df: map[int]int{}}
}

// Len is the number of stored places.
func (ix *Index) Len() int {
	return len(ix.order)
}

// Add stores the descriptors of a place under id.
func (ix *Index) Add(id int, descs []descriptors.Descriptor) error {
	if _, ok := ix.places[id]; ok {
		return errors.Errorf("place %d already indexed", id)
	}
	tf := ix.histogram(descs)
	for w := range tf {
		ix.df[w]++
	}
	ix.places[id] = tf
	ix.order = append(ix.order, id)
	return nil
}

func (ix *Index) histogram(descs []descriptors.Descriptor) map[int]float64 {
	tf := map[int]float64{}
	for _, d := range descs {
		tf[ix.vocab.Word(d)]++
	}
	for w := range tf {
		tf[w] /= float64(len(descs))
	}
	return tf
}

func (ix *Index) weigh(tf map[int]float64) map[int]float64 {
	n := float64(len(ix.order))
	out := make(map[int]float64, len(tf))
	for w, f := range tf {
		out[w] = f * (1 + math.Log((n+1)/float64(ix.df[w]+1)))
	}
	return out
}

func cosine(a, b map[int]float64) float64 {
	var dot, na, nb float64
	for w, x := range a {
		na += x * x
		dot += x * b[w]
	}
	for _, y := range b {
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / math.Sqrt(na*nb)
}

// TopN returns up to n stored places most similar to descs, best first, skipping ids for which
// exclude returns true. Equal scores rank the lower id first.
func (ix *Index) TopN(descs []descriptors.Descriptor, n int, exclude func(id int) bool) []Candidate {
	q := ix.weigh(ix.histogram(descs))
	var out []Candidate
	for _, id := range ix.order {
		if exclude != nil && exclude(id) {
			continue
		}
		out = append(out, Candidate{ID: id, Score: cosine(q, ix.weigh(ix.places[id]))})
	}
	sortCandidates(out)
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Rerank replaces each candidate's score with its geometric consistency, such as the inlier count of
// a pose estimate against it, and re-sorts.
func Rerank(cands []Candidate, verify func(id int) int) []Candidate {
	out := make([]Candidate, len(cands))
	for i, c := range cands {
		out[i] = Candidate{ID: c.ID, Score: float64(verify(c.ID))}
	}
	sortCandidates(out)
	return out
}

func sortCandidates(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].ID < cands[j].ID
	})
}
