// Package main is the vslam command line tool. It runs stereo visual odometry and the pose graph
// skeleton over recorded or synthetic stereo sequences and writes the resulting trajectory.
package main

import (
	"io"
	"log"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/atomic"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"go.viam.com/vslam/logging"
)

const (
	flagDebug   = "debug"
	flagLogFile = "log-file"

	flagDir         = "dir"
	flagCamera      = "camera"
	flagConfig      = "config"
	flagBlur        = "blur"
	flagOutputDir   = "output-dir"
	flagDebugImages = "debug-images"
	flagNoSkeleton  = "no-skeleton"
	flagWorkers     = "workers"

	flagFrames    = "frames"
	flagLandmarks = "landmarks"
	flagStep      = "step"
	flagSeed      = "seed"

	flagWords  = "words"
	flagOutput = "output"
)

// session is the state shared by every command of one invocation.
type session struct {
	logger  logging.Logger
	logFile *lumberjack.Logger
	// frames counts decoded frames across loader goroutines.
	frames atomic.Int64
}

func (s *session) before(c *cli.Context) error {
	s.logger = logging.NewLogger("vslam")
	if c.Bool(flagDebug) {
		s.logger.SetLevel(logging.DEBUG)
	}
	if path := c.String(flagLogFile); path != "" {
		s.logFile = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    64,
			MaxBackups: 2,
			Compress:   true,
		}
		s.logger.AddAppender(logging.NewWriterAppender(zapcore.AddSync(s.logFile)))
	}
	return nil
}

func (s *session) after(_ *cli.Context) error {
	if s.logFile == nil {
		return nil
	}
	return s.logFile.Close()
}

func newApp(out io.Writer) *cli.App {
	s := &session{}
	return &cli.App{
		Name:   "vslam",
		Usage:  "stereo visual odometry with a loop-closing pose graph",
		Writer: out,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
			&cli.StringFlag{
				Name:  flagLogFile,
				Usage: "also write logs to rotated `FILE`",
			},
		},
		Before: s.before,
		After:  s.after,
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "run the pipeline over a directory of left_*/right_* image pairs",
				UsageText: "vslam run --dir <frames> --camera <camera.json> [other options]",
				Flags: append(pipelineFlags(),
					&cli.StringFlag{
						Name:     flagDir,
						Required: true,
						Usage:    "directory holding left_<n> and right_<n> images (.png or .ppm)",
					},
					&cli.StringFlag{
						Name:     flagCamera,
						Required: true,
						Usage:    "stereo camera model `JSON` file",
					},
					&cli.Float64Flag{
						Name:  flagBlur,
						Usage: "gaussian blur sigma applied to every image before processing",
					},
					&cli.IntFlag{
						Name:  flagWorkers,
						Value: 4,
						Usage: "number of image decoding goroutines",
					},
					&cli.BoolFlag{
						Name:  flagDebugImages,
						Usage: "write keypoint and match overlays into the output directory",
					},
				),
				Action: s.runAction,
			},
			{
				Name:  "simulate",
				Usage: "run the pipeline over a synthetic landmark scene and report the drift",
				Flags: append(pipelineFlags(),
					&cli.IntFlag{
						Name:  flagFrames,
						Value: 30,
						Usage: "number of frames to render",
					},
					&cli.IntFlag{
						Name:  flagLandmarks,
						Value: 300,
						Usage: "number of landmarks in the scene",
					},
					&cli.Float64Flag{
						Name:  flagStep,
						Value: 0.05,
						Usage: "sideways camera motion per frame in meters",
					},
					&cli.Int64Flag{
						Name:  flagSeed,
						Value: 11,
						Usage: "landmark placement seed",
					},
				),
				Action: s.simulateAction,
			},
			{
				Name:  "vocabulary",
				Usage: "train a place recognition vocabulary from a directory of stereo pairs",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     flagDir,
						Required: true,
						Usage:    "directory holding left_<n> and right_<n> images (.png or .ppm)",
					},
					&cli.StringFlag{
						Name:     flagCamera,
						Required: true,
						Usage:    "stereo camera model `JSON` file",
					},
					&cli.StringFlag{
						Name:  flagConfig,
						Usage: "pipeline `FILE` (JSON or YAML) whose odometry section selects the detector and descriptor",
					},
					&cli.IntFlag{
						Name:  flagWords,
						Value: 256,
						Usage: "number of visual words",
					},
					&cli.IntFlag{
						Name:  flagWorkers,
						Value: 4,
						Usage: "number of image decoding goroutines",
					},
					&cli.StringFlag{
						Name:     flagOutput,
						Required: true,
						Usage:    "where to write the vocabulary `JSON`",
					},
				},
				Action: s.vocabularyAction,
			},
		},
	}
}

func pipelineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    flagConfig,
			Aliases: []string{"c"},
			Usage:   "pipeline `FILE` (JSON or YAML)",
		},
		&cli.StringFlag{
			Name:  flagOutputDir,
			Value: ".",
			Usage: "directory for trajectory.csv and trajectory.png",
		},
		&cli.BoolFlag{
			Name:  flagNoSkeleton,
			Usage: "run odometry alone, without the pose graph",
		},
	}
}

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
