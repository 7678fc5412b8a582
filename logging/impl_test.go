package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
	"go.viam.com/test"
)

type trackSummary struct {
	ID     int
	Length int
}

func newBufferLogger(name string, level Level) (Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	logger := &impl{name, NewAtomicLevelAt(level), true, []Appender{NewWriterAppender(zapcore.AddSync(buf))}}
	return logger, buf
}

// splitLogLine returns the tab separated parts of the next line written to buf.
func splitLogLine(t *testing.T, buf *bytes.Buffer) []string {
	t.Helper()
	line, err := buf.ReadString('\n')
	test.That(t, err, test.ShouldBeNil)
	return strings.Split(strings.TrimSuffix(line, "\n"), "\t")
}

func TestConsoleOutputFormat(t *testing.T) {
	logger, buf := newBufferLogger("", DEBUG)

	logger.Info("keyframe switched")
	parts := splitLogLine(t, buf)
	test.That(t, parts, test.ShouldHaveLength, 4)
	test.That(t, len(parts[0]), test.ShouldEqual, len("2023-10-30T09:12:09.459Z"))
	test.That(t, parts[1], test.ShouldEqual, "INFO")
	test.That(t, parts[2], test.ShouldStartWith, "logging/impl_test.go:")
	test.That(t, parts[3], test.ShouldEqual, "keyframe switched")

	logger.Debugf("inliers=%d", 42)
	parts = splitLogLine(t, buf)
	test.That(t, parts[1], test.ShouldEqual, "DEBUG")
	test.That(t, parts[3], test.ShouldEqual, "inliers=42")

	logger.Warnw("track culled", "track", trackSummary{ID: 3, Length: 7}, "frame", 12)
	parts = splitLogLine(t, buf)
	test.That(t, parts, test.ShouldHaveLength, 5)
	test.That(t, parts[1], test.ShouldEqual, "WARN")
	fields := map[string]any{}
	test.That(t, json.Unmarshal([]byte(parts[4]), &fields), test.ShouldBeNil)
	test.That(t, fields["frame"], test.ShouldEqual, 12.0)
	test.That(t, fields["track"], test.ShouldResemble, map[string]any{"ID": 3.0, "Length": 7.0})
}

func TestLevelFiltering(t *testing.T) {
	logger, buf := newBufferLogger("vo", INFO)
	logger.Debug("dropped")
	test.That(t, buf.Len(), test.ShouldEqual, 0)

	logger.SetLevel(ERROR)
	logger.Warn("dropped")
	test.That(t, buf.Len(), test.ShouldEqual, 0)
	logger.Error("kept")
	parts := splitLogLine(t, buf)
	test.That(t, parts[1], test.ShouldEqual, "ERROR")
	test.That(t, parts[2], test.ShouldEqual, "vo")
	test.That(t, parts[len(parts)-1], test.ShouldEqual, "kept")
}

func TestSubloggerNaming(t *testing.T) {
	logger, buf := newBufferLogger("slam", DEBUG)
	sub := logger.Sublogger("skeleton")
	test.That(t, sub.GetLevel(), test.ShouldEqual, DEBUG)

	// Sublogger levels are independent of the parent.
	sub.SetLevel(WARN)
	test.That(t, logger.GetLevel(), test.ShouldEqual, DEBUG)

	sub.Warn("loop closed")
	parts := splitLogLine(t, buf)
	test.That(t, parts[2], test.ShouldEqual, "slam.skeleton")
}

func TestUnpairedKey(t *testing.T) {
	logger, logs := NewObservedTestLogger(t)
	logger.Infow("odd", "lonely")
	entries := logs.All()
	test.That(t, entries, test.ShouldHaveLength, 1)
	test.That(t, entries[0].ContextMap()["lonely"], test.ShouldNotBeNil)
}

func TestLevelFromString(t *testing.T) {
	for _, tc := range []struct {
		in  string
		out Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"warning", WARN},
		{"Error", ERROR},
	} {
		level, err := LevelFromString(tc.in)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, level, test.ShouldEqual, tc.out)
	}
	_, err := LevelFromString("verbose")
	test.That(t, err, test.ShouldNotBeNil)

	var level Level
	test.That(t, json.Unmarshal([]byte(`"warn"`), &level), test.ShouldBeNil)
	test.That(t, level, test.ShouldEqual, WARN)
}
