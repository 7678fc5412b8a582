package keypoints

import (
	"image"
	"math"

	"go.viam.com/vslam/rimage"
)

// featureSource returns the features of an image for one fixed threshold.
type featureSource interface {
	features(img *image.Gray, target int, thresh float64) (KeyPoints, error)
}

// UnorderedDetector wraps a source whose features come back in no particular order. When a call
// lands far from the target it bisects the threshold range, and afterwards nudges the stored
// threshold by 5% toward the target for the next call.
type UnorderedDetector struct {
	name   string
	src    featureSource
	thresh float64
	rng    ThresholdRange
}

// Name returns the detector name.
func (d *UnorderedDetector) Name() string { return d.name }

// Threshold returns the threshold the next call will start from.
func (d *UnorderedDetector) Threshold() float64 { return d.thresh }

// Detect finds features close to target in count.
func (d *UnorderedDetector) Detect(img *image.Gray, target int) (KeyPoints, error) {
	img = rimage.MakeGray(img)
	feats, err := d.src.features(img, target, d.thresh)
	if err != nil {
		return nil, err
	}
	tgt := float64(target)
	if n := float64(len(feats)); n < 0.5*tgt || n > 2*tgt {
		lo, hi := d.rng.Min, d.rng.Max
		for i := 0; i < 7; i++ {
			d.thresh = 0.5 * (lo + hi)
			if feats, err = d.src.features(img, target, d.thresh); err != nil {
				return nil, err
			}
			if len(feats) < target {
				hi = d.thresh
			}
			if len(feats) > target {
				lo = d.thresh
			}
		}
		d.thresh = 0.5 * (lo + hi)
	}

	n := float64(len(feats))
	if n > 1.1*tgt {
		d.thresh *= 1.05
	}
	if n < 0.9*tgt {
		d.thresh *= 0.95
	}
	return feats, nil
}

// OrderedDetector wraps a source that returns features strongest first. It halves the threshold
// until there are enough features, keeps the strongest target of them, and adapts the stored
// threshold for the next call.
type OrderedDetector struct {
	name   string
	src    featureSource
	thresh float64
	rng    ThresholdRange
}

// Name returns the detector name.
func (d *OrderedDetector) Name() string { return d.name }

// Threshold returns the threshold the next call will start from.
func (d *OrderedDetector) Threshold() float64 { return d.thresh }

// Detect returns at most target features, strongest first.
func (d *OrderedDetector) Detect(img *image.Gray, target int) (KeyPoints, error) {
	img = rimage.MakeGray(img)
	feats, err := d.src.features(img, target, d.thresh)
	if err != nil {
		return nil, err
	}
	for len(feats) < target && d.thresh > d.rng.Min {
		d.thresh = math.Max(d.rng.Min, d.thresh/2)
		if feats, err = d.src.features(img, target, d.thresh); err != nil {
			return nil, err
		}
	}

	tgt := float64(target)
	if n := float64(len(feats)); n > 2*tgt {
		d.thresh *= 2
	} else if n < 1.25*tgt {
		d.thresh *= 0.95
	}
	if len(feats) > target {
		feats = feats[:target]
	}
	return feats, nil
}
