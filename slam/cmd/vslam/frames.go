package main

import (
	"context"
	"image"
	// registers the png decoder with image.Decode.
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lmittmann/ppm"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.viam.com/utils"
	"golang.org/x/sync/errgroup"

	"go.viam.com/vslam/rimage"
	"go.viam.com/vslam/vision/odometry"
)

// stereoPair names the two image files of one capture.
type stereoPair struct {
	name  string
	left  string
	right string
}

// findPairs lists every left_<name> image in dir with its right_<name> partner, ordered by name.
// Names are compared by length first so that left_9 sorts before left_10.
func findPairs(dir string) ([]stereoPair, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %q", dir)
	}
	var pairs []stereoPair
	for _, e := range entries {
		if e.IsDir() || !isImageFile(e.Name()) {
			continue
		}
		name, ok := strings.CutPrefix(e.Name(), "left_")
		if !ok {
			continue
		}
		right := filepath.Join(dir, "right_"+name)
		if _, err := os.Stat(right); err != nil {
			return nil, errors.Errorf("%q has no right image %q", e.Name(), "right_"+name)
		}
		pairs = append(pairs, stereoPair{
			name:  strings.TrimSuffix(name, filepath.Ext(name)),
			left:  filepath.Join(dir, e.Name()),
			right: right,
		})
	}
	if len(pairs) == 0 {
		return nil, errors.Errorf("no left_*/right_* image pairs in %q", dir)
	}
	sort.Slice(pairs, func(i, j int) bool {
		a, b := pairs[i].name, pairs[j].name
		if len(a) != len(b) {
			return len(a) < len(b)
		}
		return a < b
	})
	return pairs, nil
}

func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".ppm":
		return true
	default:
		return false
	}
}

// readGray decodes a png or ppm file into grayscale.
func readGray(path string) (*image.Gray, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(f.Close)

	var img image.Image
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ppm":
		img, err = ppm.Decode(f)
	default:
		img, _, err = image.Decode(f)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %q", path)
	}
	return rimage.MakeGray(img), nil
}

// frameLoader decodes stereo pairs on a bounded set of goroutines.
type frameLoader struct {
	workers int
	blur    float64
	// done is bumped once per decoded pair, from any worker.
	done *atomic.Int64
}

// load decodes pairs into frames in the order given. The first failure cancels the rest.
func (fl *frameLoader) load(ctx context.Context, pairs []stereoPair) ([]*odometry.Frame, error) {
	frames := make([]*odometry.Frame, len(pairs))
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(max(fl.workers, 1))
	for i, p := range pairs {
		group.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			left, err := readGray(p.left)
			if err != nil {
				return err
			}
			right, err := readGray(p.right)
			if err != nil {
				return err
			}
			if !rimage.SameImgSize(left, right) {
				return errors.Errorf("pair %q has mismatched image sizes %v and %v", p.name, left.Bounds(), right.Bounds())
			}
			frames[i] = odometry.NewFrame(rimage.BlurGray(left, fl.blur), rimage.BlurGray(right, fl.blur))
			if fl.done != nil {
				fl.done.Inc()
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return frames, nil
}
