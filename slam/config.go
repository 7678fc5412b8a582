package slam

import (
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/vslam/vision/odometry"
)

// SkeletonConfig holds the tunables of the pose graph skeleton.
type SkeletonConfig struct {
	// MinNodeSpacing is the number of frames that must pass between two nodes.
	MinNodeSpacing int `json:"min_node_spacing"`
	// PlaceCandidates caps how many recognized places get a geometric check.
	PlaceCandidates int `json:"place_candidates"`
	// LinkInliers is the inlier count a loop closure needs to become an edge.
	LinkInliers int `json:"link_inliers"`
	// OptimizeMaxCount and OptimizeMinDelta end an optimization once either is reached.
	OptimizeMaxCount int     `json:"optimize_max_count"`
	OptimizeMinDelta float64 `json:"optimize_min_delta"`
	OptimizeSteps    int     `json:"optimize_steps"`
	// Vocabulary is a vocabulary file for place recognition. Without one every earlier node is a
	// candidate.
	Vocabulary      string `json:"vocabulary"`
	GeometricRerank bool   `json:"geometric_rerank"`
	// AdaptiveSpacing widens the node spacing while optimization runs slow.
	AdaptiveSpacing bool `json:"adaptive_spacing"`
}

// DefaultSkeletonConfig returns the stock skeleton settings.
func DefaultSkeletonConfig() SkeletonConfig {
	return SkeletonConfig{
		MinNodeSpacing:   15,
		PlaceCandidates:  15,
		LinkInliers:      100,
		OptimizeMaxCount: 10,
		OptimizeMinDelta: 0.1,
		OptimizeSteps:    5,
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *SkeletonConfig) Validate(path string) error {
	switch {
	case cfg.MinNodeSpacing < 1:
		return utils.NewConfigValidationError(path, errors.New("min_node_spacing must be at least 1"))
	case cfg.PlaceCandidates < 0:
		return utils.NewConfigValidationError(path, errors.New("place_candidates cannot be negative"))
	case cfg.LinkInliers < 1:
		return utils.NewConfigValidationError(path, errors.New("link_inliers must be at least 1"))
	case cfg.OptimizeMaxCount < 1 || cfg.OptimizeSteps < 1:
		return utils.NewConfigValidationError(path, errors.New("optimize_max_count and optimize_steps must be at least 1"))
	case cfg.OptimizeMinDelta < 0:
		return utils.NewConfigValidationError(path, errors.New("optimize_min_delta cannot be negative"))
	}
	return nil
}

// Config configures a Pipeline. A nil Skeleton runs odometry alone.
type Config struct {
	Odometry odometry.Config `json:"odometry"`
	Skeleton *SkeletonConfig `json:"skeleton"`
}

// DefaultConfig returns odometry and skeleton defaults.
func DefaultConfig() Config {
	skel := DefaultSkeletonConfig()
	return Config{Odometry: odometry.DefaultConfig(), Skeleton: &skel}
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if err := cfg.Odometry.Validate(path + ".odometry"); err != nil {
		return err
	}
	if cfg.Skeleton != nil {
		return cfg.Skeleton.Validate(path + ".skeleton")
	}
	return nil
}

// LoadConfig reads a JSON or YAML pipeline config over the defaults and validates it.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := odometry.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate("slam"); err != nil {
		return nil, err
	}
	return &cfg, nil
}
