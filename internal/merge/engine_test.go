package merge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"triclip/internal/models"
)

type fakeProber struct {
	durations map[string]float64
}

func (f *fakeProber) Probe(_ context.Context, path string) (float64, error) {
	duration, ok := f.durations[path]
	if !ok {
		return 0, fmt.Errorf("no duration registered for %s", path)
	}
	return duration, nil
}

type fakeConcat struct {
	calls int
	fail  error
}

func (f *fakeConcat) Concat(_ context.Context, inputs []string, output string) error {
	f.calls++
	if f.fail != nil {
		return f.fail
	}
	return os.WriteFile(output, []byte("merged"), 0o600)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestComputeSegments(t *testing.T) {
	segments, err := ComputeSegments([models.StatementCount]float64{10, 12, 9})
	if err != nil {
		t.Fatalf("ComputeSegments returned error: %v", err)
	}
	expected := [models.StatementCount]models.Segment{
		{Index: 0, Start: 0, End: 10},
		{Index: 1, Start: 10, End: 22},
		{Index: 2, Start: 22, End: 31},
	}
	for index, segment := range segments {
		want := expected[index]
		if segment.Index != want.Index || !almostEqual(segment.Start, want.Start) || !almostEqual(segment.End, want.End) {
			t.Fatalf("segment %d = %+v, want %+v", index, segment, want)
		}
	}
	// Segments tile the timeline: each start equals the previous end.
	for index := 1; index < models.StatementCount; index++ {
		if !almostEqual(segments[index].Start, segments[index-1].End) {
			t.Fatalf("gap between segments %d and %d", index-1, index)
		}
	}
}

func TestComputeSegmentsRejectsNonPositiveDuration(t *testing.T) {
	if _, err := ComputeSegments([models.StatementCount]float64{10, 0, 9}); err == nil {
		t.Fatalf("expected error for zero duration")
	}
}

func TestEngineMerge(t *testing.T) {
	dir := t.TempDir()
	inputs := [models.StatementCount]string{
		filepath.Join(dir, "a.media"),
		filepath.Join(dir, "b.media"),
		filepath.Join(dir, "c.media"),
	}
	output := filepath.Join(dir, "out.mp4")
	prober := &fakeProber{durations: map[string]float64{
		inputs[0]: 10,
		inputs[1]: 12,
		inputs[2]: 9,
		output:    31.01,
	}}
	concat := &fakeConcat{}
	engine := NewEngine(prober, concat, 0, discardLogger())

	result, err := engine.Merge(context.Background(), inputs, output)
	if err != nil {
		t.Fatalf("Merge returned error: %v", err)
	}
	if concat.calls != 1 {
		t.Fatalf("concat called %d times", concat.calls)
	}
	if !almostEqual(result.Duration, 31.01) {
		t.Fatalf("duration = %v", result.Duration)
	}
	if result.SizeBytes != int64(len("merged")) {
		t.Fatalf("size = %d", result.SizeBytes)
	}
	if !almostEqual(result.Segments[2].End, 31) {
		t.Fatalf("last segment end = %v", result.Segments[2].End)
	}
}

func TestEngineMergeRejectsDurationDrift(t *testing.T) {
	dir := t.TempDir()
	inputs := [models.StatementCount]string{
		filepath.Join(dir, "a.media"),
		filepath.Join(dir, "b.media"),
		filepath.Join(dir, "c.media"),
	}
	output := filepath.Join(dir, "out.mp4")
	prober := &fakeProber{durations: map[string]float64{
		inputs[0]: 10,
		inputs[1]: 12,
		inputs[2]: 9,
		output:    33,
	}}
	engine := NewEngine(prober, &fakeConcat{}, 0, discardLogger())

	if _, err := engine.Merge(context.Background(), inputs, output); err == nil {
		t.Fatalf("expected drift rejection")
	}
	if _, err := os.Stat(output); !os.IsNotExist(err) {
		t.Fatalf("rejected output should be removed")
	}
}

func TestEngineMergeProbeFailure(t *testing.T) {
	dir := t.TempDir()
	inputs := [models.StatementCount]string{
		filepath.Join(dir, "a.media"),
		filepath.Join(dir, "b.media"),
		filepath.Join(dir, "c.media"),
	}
	prober := &fakeProber{durations: map[string]float64{inputs[0]: 10}}
	concat := &fakeConcat{}
	engine := NewEngine(prober, concat, 0, discardLogger())

	if _, err := engine.Merge(context.Background(), inputs, filepath.Join(dir, "out.mp4")); err == nil {
		t.Fatalf("expected probe failure")
	}
	if concat.calls != 0 {
		t.Fatalf("concat should not run when probing fails")
	}
}

func TestFFmpegConcatFilterShape(t *testing.T) {
	tool := NewFFmpeg("", "", Preset{}, discardLogger())
	filter := tool.concatFilter(3)
	if want := "concat=n=3:v=1:a=1[v][a]"; !strings.Contains(filter, want) {
		t.Fatalf("filter %q missing %q", filter, want)
	}
	if !strings.Contains(filter, "scale=720:1280") {
		t.Fatalf("filter %q missing default scale", filter)
	}
}
