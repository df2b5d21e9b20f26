package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"triclip/internal/models"
)

// DefaultEpsilon is the permitted duration drift per source clip, in seconds.
// One frame at 30fps absorbs the rounding that container muxing introduces.
const DefaultEpsilon = 1.0 / 30.0

// ErrSourceUnreadable marks a source clip that cannot be probed or carries no
// playable duration. Retrying the merge cannot repair the source, so the job
// fails without further attempts.
var ErrSourceUnreadable = errors.New("source clip unreadable")

// Prober reports the playable duration of a media file in seconds.
type Prober interface {
	Probe(ctx context.Context, path string) (float64, error)
}

// Concatenator joins the input files into one continuous output file.
type Concatenator interface {
	Concat(ctx context.Context, inputs []string, output string) error
}

// Output describes a finished merge.
type Output struct {
	Path      string
	SizeBytes int64
	Duration  float64
	Segments  [models.StatementCount]models.Segment
}

// Engine merges the three statement clips of a set into a single video and
// computes the per-statement segment table from the probed clip durations.
type Engine struct {
	prober  Prober
	concat  Concatenator
	epsilon float64
	logger  *slog.Logger
}

// NewEngine builds a merge engine. epsilon <= 0 selects DefaultEpsilon.
func NewEngine(prober Prober, concat Concatenator, epsilon float64, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	return &Engine{
		prober:  prober,
		concat:  concat,
		epsilon: epsilon,
		logger:  logger.With("component", "merge-engine"),
	}
}

// ComputeSegments derives half-open [start, end) segments from clip durations.
// Segment k starts where segment k-1 ends, so the table tiles the merged
// timeline exactly with no gaps or overlaps.
func ComputeSegments(durations [models.StatementCount]float64) ([models.StatementCount]models.Segment, error) {
	var segments [models.StatementCount]models.Segment
	cursor := 0.0
	for index, duration := range durations {
		if duration <= 0 {
			return segments, fmt.Errorf("clip %d has non-positive duration %.4f", index, duration)
		}
		segments[index] = models.Segment{
			Index: index,
			Start: cursor,
			End:   cursor + duration,
		}
		cursor += duration
	}
	return segments, nil
}

// Merge probes all three inputs, concatenates them into output and validates
// that the merged duration matches the segment table within tolerance.
func (e *Engine) Merge(ctx context.Context, inputs [models.StatementCount]string, output string) (Output, error) {
	var durations [models.StatementCount]float64
	group, groupCtx := errgroup.WithContext(ctx)
	for index, path := range inputs {
		index, path := index, path
		group.Go(func() error {
			duration, err := e.prober.Probe(groupCtx, path)
			if err != nil {
				return fmt.Errorf("%w: probe clip %d: %v", ErrSourceUnreadable, index, err)
			}
			durations[index] = duration
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return Output{}, err
	}

	segments, err := ComputeSegments(durations)
	if err != nil {
		return Output{}, fmt.Errorf("%w: %v", ErrSourceUnreadable, err)
	}
	expected := segments[models.StatementCount-1].End

	if err := e.concat.Concat(ctx, inputs[:], output); err != nil {
		return Output{}, fmt.Errorf("concat: %w", err)
	}

	merged, err := e.prober.Probe(ctx, output)
	if err != nil {
		return Output{}, fmt.Errorf("probe merged output: %w", err)
	}
	tolerance := e.epsilon * float64(models.StatementCount)
	if drift := merged - expected; drift > tolerance || drift < -tolerance {
		os.Remove(output)
		return Output{}, fmt.Errorf("merged duration %.4fs deviates from segment table total %.4fs beyond %.4fs", merged, expected, tolerance)
	}

	info, err := os.Stat(output)
	if err != nil {
		return Output{}, fmt.Errorf("stat merged output: %w", err)
	}
	e.logger.Info("clips merged",
		"output", output,
		"duration_seconds", merged,
		"size_bytes", info.Size())
	return Output{
		Path:      output,
		SizeBytes: info.Size(),
		Duration:  merged,
		Segments:  segments,
	}, nil
}
