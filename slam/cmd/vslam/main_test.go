package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/lmittmann/ppm"
	"go.uber.org/atomic"
	"go.viam.com/test"
)

func writeGray(t *testing.T, path string, shade uint8, w, h int) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = shade
	}
	f, err := os.Create(path)
	test.That(t, err, test.ShouldBeNil)
	defer f.Close()
	if filepath.Ext(path) == ".ppm" {
		test.That(t, ppm.Encode(f, img), test.ShouldBeNil)
		return
	}
	test.That(t, png.Encode(f, img), test.ShouldBeNil)
}

func TestFindPairs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"10", "9", "100"} {
		writeGray(t, filepath.Join(dir, "left_"+name+".png"), 10, 4, 4)
		writeGray(t, filepath.Join(dir, "right_"+name+".png"), 10, 4, 4)
	}
	writeGray(t, filepath.Join(dir, "notes.png"), 10, 4, 4)

	pairs, err := findPairs(dir)
	test.That(t, err, test.ShouldBeNil)
	var names []string
	for _, p := range pairs {
		names = append(names, p.name)
	}
	test.That(t, names, test.ShouldResemble, []string{"9", "10", "100"})
	test.That(t, pairs[0].right, test.ShouldEqual, filepath.Join(dir, "right_9.png"))

	writeGray(t, filepath.Join(dir, "left_11.png"), 10, 4, 4)
	_, err = findPairs(dir)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "right_11.png")

	_, err = findPairs(t.TempDir())
	test.That(t, err, test.ShouldNotBeNil)
}

func TestFrameLoader(t *testing.T) {
	dir := t.TempDir()
	writeGray(t, filepath.Join(dir, "left_0.ppm"), 200, 8, 6)
	writeGray(t, filepath.Join(dir, "right_0.ppm"), 100, 8, 6)
	writeGray(t, filepath.Join(dir, "left_1.png"), 50, 8, 6)
	writeGray(t, filepath.Join(dir, "right_1.png"), 60, 8, 6)
	pairs, err := findPairs(dir)
	test.That(t, err, test.ShouldBeNil)

	var done atomic.Int64
	loader := &frameLoader{workers: 2, done: &done}
	frames, err := loader.load(context.Background(), pairs)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(frames), test.ShouldEqual, 2)
	test.That(t, done.Load(), test.ShouldEqual, int64(2))
	test.That(t, frames[0].Left.Bounds().Dx(), test.ShouldEqual, 8)
	test.That(t, frames[0].Left.GrayAt(3, 3).Y, test.ShouldEqual, uint8(200))
	test.That(t, frames[0].Right.GrayAt(3, 3).Y, test.ShouldEqual, uint8(100))
	test.That(t, frames[1].Left.GrayAt(0, 0).Y, test.ShouldEqual, uint8(50))

	writeGray(t, filepath.Join(dir, "left_2.png"), 50, 8, 6)
	writeGray(t, filepath.Join(dir, "right_2.png"), 60, 9, 6)
	pairs, err = findPairs(dir)
	test.That(t, err, test.ShouldBeNil)
	_, err = loader.load(context.Background(), pairs)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "mismatched")
}

func TestSimulateCommand(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	logFile := filepath.Join(dir, "vslam.log")
	err := newApp(&out).Run([]string{
		"vslam", "--debug", "--log-file", logFile,
		"simulate", "--frames", "25", "--output-dir", dir,
	})
	test.That(t, err, test.ShouldBeNil)

	//nolint:gosec
	f, err := os.Open(filepath.Join(dir, trajectoryCSV))
	test.That(t, err, test.ShouldBeNil)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(rows), test.ShouldEqual, 26)
	test.That(t, rows[0][0], test.ShouldEqual, "frame")
	test.That(t, rows[0][len(rows[0])-1], test.ShouldEqual, "error")
	test.That(t, rows[25][0], test.ShouldEqual, "24")

	info, err := os.Stat(filepath.Join(dir, trajectoryPNG))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info.Size(), test.ShouldBeGreaterThan, 0)

	test.That(t, out.String(), test.ShouldContainSubstring, "final position error")
	test.That(t, out.String(), test.ShouldContainSubstring, "skeleton: ")
	test.That(t, out.String(), test.ShouldContainSubstring, "temporal_match")

	logs, err := os.ReadFile(logFile)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(logs), test.ShouldContainSubstring, "changed keyframe")
}

func TestSimulateWithoutSkeleton(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	err := newApp(&out).Run([]string{"vslam", "simulate", "--frames", "5", "--no-skeleton", "--output-dir", dir})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.String(), test.ShouldNotContainSubstring, "skeleton:")
}

func TestRunRequiresCamera(t *testing.T) {
	var out bytes.Buffer
	err := newApp(&out).Run([]string{"vslam", "run", "--dir", t.TempDir()})
	test.That(t, err, test.ShouldNotBeNil)

	camPath := filepath.Join(t.TempDir(), "camera.json")
	test.That(t, os.WriteFile(camPath, []byte(`{"fx": -1}`), 0o600), test.ShouldBeNil)
	err = newApp(&out).Run([]string{"vslam", "run", "--dir", t.TempDir(), "--camera", camPath})
	test.That(t, err, test.ShouldNotBeNil)
}
