package odometry

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gopkg.in/yaml.v3"

	"go.viam.com/vslam/rimage"
	"go.viam.com/vslam/vision/keypoints/descriptors"
)

// Config holds the tunables of a VisualOdometer.
type Config struct {
	TargetKeypoints      int                  `json:"target_keypoints"`
	MinCorrespondences   int                  `json:"min_correspondences"`
	MinSolverInliers     int                  `json:"min_solver_inliers"`
	InlierThreshold      int                  `json:"inlier_threshold"`
	PositionThreshold    float64              `json:"position_threshold"`
	AngleThreshold       float64              `json:"angle_threshold"`
	InlierErrorThreshold float64              `json:"inlier_error_threshold"`
	RansacIterations     int                  `json:"ransac_iterations"`
	RansacSeed           int64                `json:"ransac_seed"`
	Scavenge             bool                 `json:"scavenge"`
	ScavengeWindow       float64              `json:"scavenge_window"`
	MatchWindow          descriptors.Window   `json:"match_window"`
	Detector             string               `json:"detector"`
	Descriptor           string               `json:"descriptor"`
	DescriptorModel      string               `json:"descriptor_model"`
	Disparity            *rimage.BlockMatcher `json:"disparity"`
	SBA                  *SBAConfig           `json:"sba"`
	StrictPoseChecks     bool                 `json:"strict_pose_checks"`
}

// SBAConfig sizes the sliding bundle adjustment window. A nil SBAConfig disables track maintenance
// and bundle adjustment.
type SBAConfig struct {
	Fixed      int `json:"fixed"`
	Free       int `json:"free"`
	Iterations int `json:"iterations"`
}

// DefaultConfig returns the stock odometer settings.
func DefaultConfig() Config {
	return Config{
		TargetKeypoints:      300,
		MinCorrespondences:   10,
		MinSolverInliers:     5,
		InlierThreshold:      175,
		PositionThreshold:    0.5,
		AngleThreshold:       (2 * math.Pi) / (5. / 360),
		InlierErrorThreshold: 3.0,
		RansacIterations:     100,
		RansacSeed:           1,
		ScavengeWindow:       4,
		MatchWindow:          descriptors.DefaultWindow(),
		Detector:             "fast",
		Descriptor:           "sad",
		Disparity:            rimage.NewBlockMatcher(),
		StrictPoseChecks:     true,
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	switch {
	case cfg.TargetKeypoints <= 0:
		return utils.NewConfigValidationError(path, errors.New("target_keypoints must be positive"))
	case cfg.MinCorrespondences < 3:
		return utils.NewConfigValidationError(path, errors.New("min_correspondences must be at least 3"))
	case cfg.MinSolverInliers < 0:
		return utils.NewConfigValidationError(path, errors.New("min_solver_inliers cannot be negative"))
	case cfg.PositionThreshold <= 0 || cfg.AngleThreshold <= 0:
		return utils.NewConfigValidationError(path, errors.New("keyframe thresholds must be positive"))
	case cfg.InlierErrorThreshold <= 0:
		return utils.NewConfigValidationError(path, errors.New("inlier_error_threshold must be positive"))
	case cfg.RansacIterations <= 0:
		return utils.NewConfigValidationError(path, errors.New("ransac_iterations must be positive"))
	case cfg.Scavenge && cfg.ScavengeWindow <= 0:
		return utils.NewConfigValidationError(path, errors.New("scavenge_window must be positive"))
	case cfg.MatchWindow.DX <= 0 || cfg.MatchWindow.DY <= 0:
		return utils.NewConfigValidationError(path, errors.New("match_window must be positive"))
	}
	if cfg.Detector == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "detector")
	}
	if cfg.Disparity != nil {
		if err := cfg.Disparity.Validate(); err != nil {
			return utils.NewConfigValidationError(path+".disparity", err)
		}
	}
	if cfg.SBA != nil {
		if cfg.SBA.Fixed < 1 || cfg.SBA.Free < 1 || cfg.SBA.Iterations < 1 {
			return utils.NewConfigValidationError(path+".sba", errors.New("fixed, free and iterations must all be at least 1"))
		}
	}
	return nil
}

// LoadConfig reads a JSON or YAML file (by extension) over the defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate("odometry"); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DecodeFile decodes a JSON or YAML file into result using the json field tags. Keys that match no
// field are an error. Fields absent from the file keep the value they had.
func DecodeFile(path string, result interface{}) error {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading config %q", path)
	}
	attrs := map[string]interface{}{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &attrs)
	default:
		err = json.Unmarshal(data, &attrs)
	}
	if err != nil {
		return errors.Wrapf(err, "parsing config %q", path)
	}

	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           result,
		Metadata:         &md,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(attrs); err != nil {
		return errors.Wrapf(err, "decoding config %q", path)
	}
	if len(md.Unused) != 0 {
		return errors.Errorf("config %q has unknown keys %v", path, md.Unused)
	}
	return nil
}
