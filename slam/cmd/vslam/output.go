package main

import (
	"encoding/csv"
	"fmt"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/golang/geo/r3"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"go.viam.com/vslam/slam"
	"go.viam.com/vslam/spatialmath"
	"go.viam.com/vslam/vision/keypoints"
	"go.viam.com/vslam/vision/odometry"
)

const (
	trajectoryCSV = "trajectory.csv"
	trajectoryPNG = "trajectory.png"
)

// writeReport writes the trajectory files into dir and prints the run summary to out. truth, when
// given, holds the true pose of every frame.
func writeReport(out io.Writer, dir string, p *slam.Pipeline, truth []*spatialmath.Pose) error {
	traj := p.Trajectory()
	var nodes map[int]r3.Vector
	if skel := p.Skeleton(); skel != nil {
		nodes = skel.Summary().Nodes
	}
	return multierr.Combine(
		writeTrajectoryCSV(filepath.Join(dir, trajectoryCSV), traj, truth),
		plotTrajectory(filepath.Join(dir, trajectoryPNG), traj, nodes, truth),
		printSummary(out, p, truth),
	)
}

func writeTrajectoryCSV(path string, traj []slam.TrajectoryPoint, truth []*spatialmath.Pose) (err error) {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()

	w := csv.NewWriter(f)
	header := []string{"frame", "keyframe", "inliers", "x", "y", "z", "qw", "qx", "qy", "qz"}
	if truth != nil {
		header = append(header, "true_x", "true_y", "true_z", "error")
	}
	if err := w.Write(header); err != nil {
		return err
	}
	ftoa := func(v float64) string { return strconv.FormatFloat(v, 'f', 6, 64) }
	for _, tp := range traj {
		pt, q := tp.Pose.Point(), tp.Pose.Quaternion()
		row := []string{
			strconv.Itoa(tp.FrameID), strconv.Itoa(tp.Keyframe), strconv.Itoa(tp.Inliers),
			ftoa(pt.X), ftoa(pt.Y), ftoa(pt.Z),
			ftoa(q.Real), ftoa(q.Imag), ftoa(q.Jmag), ftoa(q.Kmag),
		}
		if truth != nil && tp.FrameID < len(truth) {
			tpt := truth[tp.FrameID].Point()
			row = append(row, ftoa(tpt.X), ftoa(tpt.Y), ftoa(tpt.Z), ftoa(tp.Pose.Distance(truth[tp.FrameID])))
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// plotTrajectory draws a top view (x against z) of the trajectory, the skeleton nodes and the truth.
func plotTrajectory(path string, traj []slam.TrajectoryPoint, nodes map[int]r3.Vector, truth []*spatialmath.Pose) error {
	p := plot.New()
	p.Title.Text = "trajectory"
	p.X.Label.Text = "x (m)"
	p.Y.Label.Text = "z (m)"

	est := make(plotter.XYs, len(traj))
	for i, tp := range traj {
		pt := tp.Pose.Point()
		est[i] = plotter.XY{X: pt.X, Y: pt.Z}
	}
	line, points, err := plotter.NewLinePoints(est)
	if err != nil {
		return errors.Wrap(err, "plotting trajectory")
	}
	line.Color = color.RGBA{B: 200, A: 255}
	points.Shape = draw.CircleGlyph{}
	points.Radius = vg.Points(1.5)
	points.Color = line.Color
	p.Add(line, points)
	p.Legend.Add("odometry", line)

	if len(truth) > 0 {
		xys := make(plotter.XYs, len(truth))
		for i, pose := range truth {
			pt := pose.Point()
			xys[i] = plotter.XY{X: pt.X, Y: pt.Z}
		}
		truthLine, err := plotter.NewLine(xys)
		if err != nil {
			return errors.Wrap(err, "plotting truth")
		}
		truthLine.Color = color.Gray{Y: 120}
		truthLine.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(truthLine)
		p.Legend.Add("truth", truthLine)
	}

	if len(nodes) > 0 {
		ids := make([]int, 0, len(nodes))
		for id := range nodes {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		xys := make(plotter.XYs, len(ids))
		for i, id := range ids {
			xys[i] = plotter.XY{X: nodes[id].X, Y: nodes[id].Z}
		}
		scatter, err := plotter.NewScatter(xys)
		if err != nil {
			return errors.Wrap(err, "plotting skeleton")
		}
		scatter.Shape = draw.PyramidGlyph{}
		scatter.Radius = vg.Points(4)
		scatter.Color = color.RGBA{R: 220, A: 255}
		p.Add(scatter)
		p.Legend.Add("skeleton", scatter)
	}

	p.Add(plotter.NewGrid())
	return p.Save(vg.Inch*8, vg.Inch*8, path)
}

func timerRows(t table.Writer, stage string, timers []odometry.TimerSummary) {
	for _, ts := range timers {
		t.AppendRow([]interface{}{
			stage, ts.Name, ts.Count,
			fmt.Sprintf("%.2f", ts.PerUnitMs), fmt.Sprintf("%.2f", ts.MeanMs), fmt.Sprintf("%.2f", ts.P95Ms),
		})
	}
}

// printSummary renders the odometry statistics and the stage timers as tables.
func printSummary(out io.Writer, p *slam.Pipeline, truth []*spatialmath.Pose) error {
	sum := p.Odometer().Summary()

	stats := table.NewWriter()
	stats.SetOutputMirror(out)
	stats.AppendHeader(table.Row{"frames", "keyframes", "keypoints/frame", "matches/frame", "inliers/frame", "ms/frame"})
	stats.AppendRow([]interface{}{
		sum.Frames, sum.Keyframes,
		fmt.Sprintf("%.1f", sum.AvgKeypoints), fmt.Sprintf("%.1f", sum.AvgMatches), fmt.Sprintf("%.1f", sum.AvgInliers),
		fmt.Sprintf("%.2f", sum.TotalMsPerFrame),
	})
	stats.Render()

	timers := table.NewWriter()
	timers.SetOutputMirror(out)
	timers.AppendHeader(table.Row{"stage", "timer", "count", "ms/unit", "mean ms", "p95 ms"})
	timerRows(timers, "odometry", sum.Timers)
	if skel := p.Skeleton(); skel != nil {
		skelTimers, _ := skel.Timers()
		timerRows(timers, "skeleton", skelTimers)
	}
	timers.Render()

	if skel := p.Skeleton(); skel != nil {
		if _, err := fmt.Fprintf(out, "skeleton: %d nodes, %d edges, graph error %.4f\n",
			len(skel.NodeIDs()), len(skel.Edges()), skel.Error()); err != nil {
			return err
		}
	}
	if traj := p.Trajectory(); len(truth) > 0 && len(traj) > 0 {
		last := traj[len(traj)-1]
		if last.FrameID < len(truth) {
			if _, err := fmt.Fprintf(out, "final position error: %.4f m\n", last.Pose.Distance(truth[last.FrameID])); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeDebugImages overlays the detected keypoints of f and, when f was matched against a keyframe,
// the matches between them.
func writeDebugImages(dir string, vo *odometry.VisualOdometer, f *odometry.Frame) error {
	if err := keypoints.PlotKeypoints(f.Left, f.Keypoints2D, filepath.Join(dir, fmt.Sprintf("keypoints_%06d.png", f.ID))); err != nil {
		return err
	}
	kf := vo.Keyframe()
	if kf == nil || kf == f || len(vo.Pairs()) == 0 {
		return nil
	}
	return keypoints.PlotMatches(f.Left, kf.Keypoints, f.Keypoints, vo.Pairs(),
		filepath.Join(dir, fmt.Sprintf("matches_%06d.png", f.ID)))
}
