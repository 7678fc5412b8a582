package main

import (
	"os"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"go.viam.com/vslam/rimage/transform"
	"go.viam.com/vslam/slam"
	"go.viam.com/vslam/slam/placerecognition"
	"go.viam.com/vslam/vision/keypoints/descriptors"
	"go.viam.com/vslam/vision/odometry"
	"go.viam.com/vslam/vision/odometry/simulate"
)

// loadBatch is how many pairs are decoded ahead of the pipeline.
const loadBatch = 32

// pipelineConfig starts from base, replaces it with the --config file when one is given and applies
// --no-skeleton.
func pipelineConfig(c *cli.Context, base slam.Config) (slam.Config, error) {
	cfg := base
	if path := c.String(flagConfig); path != "" {
		loaded, err := slam.LoadConfig(path)
		if err != nil {
			return slam.Config{}, err
		}
		cfg = *loaded
	}
	if c.Bool(flagNoSkeleton) {
		cfg.Skeleton = nil
	}
	return cfg, nil
}

func outputDir(c *cli.Context) (string, error) {
	dir := c.String(flagOutputDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", errors.Wrapf(err, "creating output directory %q", dir)
	}
	return dir, nil
}

func (s *session) runAction(c *cli.Context) error {
	cam, err := transform.NewStereoCameraModelFromJSONFile(c.String(flagCamera))
	if err != nil {
		return err
	}
	cfg, err := pipelineConfig(c, slam.DefaultConfig())
	if err != nil {
		return err
	}
	pairs, err := findPairs(c.String(flagDir))
	if err != nil {
		return err
	}
	dir, err := outputDir(c)
	if err != nil {
		return err
	}
	p, err := slam.NewPipeline(cam, cfg, s.logger.Sublogger("pipeline"))
	if err != nil {
		return err
	}

	loader := &frameLoader{workers: c.Int(flagWorkers), blur: c.Float64(flagBlur), done: &s.frames}
	for start := 0; start < len(pairs); start += loadBatch {
		batch := pairs[start:min(start+loadBatch, len(pairs))]
		frames, err := loader.load(c.Context, batch)
		if err != nil {
			return err
		}
		for i, f := range frames {
			if _, err := p.Process(f); err != nil {
				return errors.Wrapf(err, "processing pair %q", batch[i].name)
			}
			if c.Bool(flagDebugImages) {
				if err := writeDebugImages(dir, p.Odometer(), f); err != nil {
					return err
				}
			}
		}
		s.logger.Infow("processed frames", "decoded", s.frames.Load(), "total", len(pairs),
			"keyframe", p.Odometer().Keyframe().ID)
	}
	return writeReport(c.App.Writer, dir, p, nil)
}

// simulationConfig suits the exact features of a synthetic scene: every landmark is a keypoint, so
// the target is raised above the landmark count and the inlier threshold is lowered to match.
func simulationConfig(landmarks int) slam.Config {
	cfg := slam.DefaultConfig()
	cfg.Odometry.TargetKeypoints = landmarks + 100
	cfg.Odometry.InlierThreshold = 100
	cfg.Odometry.PositionThreshold = 0.51
	return cfg
}

func (s *session) simulateAction(c *cli.Context) error {
	n, frames, step := c.Int(flagLandmarks), c.Int(flagFrames), c.Float64(flagStep)
	if n <= 0 || frames <= 0 {
		return errors.New("landmarks and frames must be positive")
	}
	cfg, err := pipelineConfig(c, simulationConfig(n))
	if err != nil {
		return err
	}
	dir, err := outputDir(c)
	if err != nil {
		return err
	}

	travel := step * float64(frames)
	scene := simulate.NewScene(simulate.DefaultCamera(), simulate.RandomLandmarks(n, c.Int64(flagSeed),
		r3.Vector{X: -2, Y: -1.5, Z: 5}, r3.Vector{X: 3 + travel, Y: 1.5, Z: 12}))
	p, err := slam.NewPipeline(scene.Cam, cfg, s.logger.Sublogger("pipeline"),
		odometry.WithDetectorFactory(scene.Detector),
		odometry.WithDescriptorScheme(scene.Scheme()),
		odometry.WithDisparityLookup(scene.Disparity()),
	)
	if err != nil {
		return err
	}

	truth := simulate.Straight(frames, r3.Vector{X: step})
	worst := 0.
	for _, pose := range truth {
		left, right := scene.Render(pose)
		got, err := p.Process(odometry.NewFrame(left, right))
		if err != nil {
			return err
		}
		s.frames.Inc()
		worst = max(worst, got.Distance(pose))
	}
	s.logger.Infow("simulation finished", "frames", s.frames.Load(), "worst_error", worst)
	return writeReport(c.App.Writer, dir, p, truth)
}

func (s *session) vocabularyAction(c *cli.Context) error {
	cam, err := transform.NewStereoCameraModelFromJSONFile(c.String(flagCamera))
	if err != nil {
		return err
	}
	cfg, err := pipelineConfig(c, slam.DefaultConfig())
	if err != nil {
		return err
	}
	pairs, err := findPairs(c.String(flagDir))
	if err != nil {
		return err
	}
	vo, err := odometry.NewVisualOdometer(cam, cfg.Odometry, s.logger.Sublogger("odometry"))
	if err != nil {
		return err
	}
	descs, err := s.collectDescriptors(c, vo, pairs)
	if err != nil {
		return err
	}
	vocab, err := placerecognition.TrainVocabulary(descs, c.Int(flagWords))
	if err != nil {
		return err
	}
	s.logger.Infow("trained vocabulary", "descriptors", len(descs), "words", vocab.Size())
	return vocab.Save(c.String(flagOutput))
}

func (s *session) collectDescriptors(c *cli.Context, vo *odometry.VisualOdometer, pairs []stereoPair,
) ([]descriptors.Descriptor, error) {
	loader := &frameLoader{workers: c.Int(flagWorkers), done: &s.frames}
	var out []descriptors.Descriptor
	for start := 0; start < len(pairs); start += loadBatch {
		frames, err := loader.load(c.Context, pairs[start:min(start+loadBatch, len(pairs))])
		if err != nil {
			return nil, err
		}
		for _, f := range frames {
			if err := vo.SetupFrame(f); err != nil {
				return nil, err
			}
			out = append(out, f.Descriptors...)
		}
	}
	return out, nil
}
