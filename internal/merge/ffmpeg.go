package merge

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// FFmpeg drives the ffmpeg and ffprobe binaries for probing and concatenation.
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	preset      Preset
	logger      *slog.Logger
}

// NewFFmpeg configures the tool wrapper. Empty paths fall back to binaries on
// PATH.
func NewFFmpeg(ffmpegPath, ffprobePath string, preset Preset, logger *slog.Logger) *FFmpeg {
	if strings.TrimSpace(ffmpegPath) == "" {
		ffmpegPath = "ffmpeg"
	}
	if strings.TrimSpace(ffprobePath) == "" {
		ffprobePath = "ffprobe"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpeg{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		preset:      preset.withDefaults(),
		logger:      logger.With("component", "ffmpeg"),
	}
}

// Probe returns the container duration of path in seconds.
func (f *FFmpeg) Probe(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, f.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return 0, fmt.Errorf("ffprobe %s: %w: %s", path, err, detail)
		}
		return 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	raw := strings.TrimSpace(stdout.String())
	duration, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: parse duration %q: %w", path, raw, err)
	}
	return duration, nil
}

// Concat re-encodes the inputs into one continuous file using the concat
// filter. Re-encoding with a fixed preset makes heterogeneous phone captures
// (different resolutions, frame rates, rotations) join cleanly.
func (f *FFmpeg) Concat(ctx context.Context, inputs []string, output string) error {
	if len(inputs) == 0 {
		return fmt.Errorf("at least one input is required")
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	args := []string{"-y"}
	for _, input := range inputs {
		args = append(args, "-i", input)
	}
	args = append(args,
		"-filter_complex", f.concatFilter(len(inputs)),
		"-map", "[v]",
		"-map", "[a]",
	)
	args = append(args, f.preset.encoderArgs()...)
	args = append(args, output)

	cmd := exec.CommandContext(ctx, f.ffmpegPath, args...)
	cmd.Stdout = newLogWriter(f.logger, "stdout")
	cmd.Stderr = newLogWriter(f.logger, "stderr")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg concat: %w", err)
	}
	return nil
}

// concatFilter normalizes each input to the preset geometry before the concat
// filter so mismatched sources cannot abort the join.
func (f *FFmpeg) concatFilter(count int) string {
	var builder strings.Builder
	for index := 0; index < count; index++ {
		fmt.Fprintf(&builder,
			"[%d:v]scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1,fps=%d[v%d];",
			index, f.preset.Width, f.preset.Height, f.preset.Width, f.preset.Height, f.preset.FrameRate, index)
		fmt.Fprintf(&builder, "[%d:a]aresample=%d[a%d];", index, f.preset.AudioRate, index)
	}
	for index := 0; index < count; index++ {
		fmt.Fprintf(&builder, "[v%d][a%d]", index, index)
	}
	fmt.Fprintf(&builder, "concat=n=%d:v=1:a=1[v][a]", count)
	return builder.String()
}

type logWriter struct {
	logger *slog.Logger
	stream string
}

func newLogWriter(logger *slog.Logger, stream string) *logWriter {
	return &logWriter{logger: logger, stream: stream}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug("ffmpeg output", "stream", w.stream, "line", string(line))
	}
	return total, nil
}
