package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
)

// ErrNoVideoStream is returned by Probe for inputs without a video stream.
var ErrNoVideoStream = errors.New("transcode: no video stream")

// Probe describes the primary video stream of a source file.
type Probe struct {
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Runner is the external media tool. A targetHeight of zero asks Transcode
// for a stream copy at the source resolution.
type Runner interface {
	Probe(ctx context.Context, path string) (Probe, error)
	Transcode(ctx context.Context, input, output string, targetHeight int) error
	Segment(ctx context.Context, input, outputDir, keyInfoPath string, segmentSeconds int) (string, error)
}

const (
	manifestName   = "index.m3u8"
	segmentPattern = "segment_%05d.ts"
)

// FFmpegRunner shells out to ffmpeg and ffprobe.
type FFmpegRunner struct {
	FFmpegPath  string
	FFprobePath string
	Logger      *slog.Logger
}

func (r FFmpegRunner) ffmpeg() string {
	if r.FFmpegPath != "" {
		return r.FFmpegPath
	}
	return "ffmpeg"
}

func (r FFmpegRunner) ffprobe() string {
	if r.FFprobePath != "" {
		return r.FFprobePath
	}
	return "ffprobe"
}

func (r FFmpegRunner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r FFmpegRunner) Probe(ctx context.Context, path string) (Probe, error) {
	cmd := exec.CommandContext(ctx, r.ffprobe(),
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams", "-show_format",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return Probe{}, fmt.Errorf("ffprobe %s: %w: %s", filepath.Base(path), err, bytes.TrimSpace(stderr.Bytes()))
	}
	return parseProbe(out)
}

func (r FFmpegRunner) Transcode(ctx context.Context, input, output string, targetHeight int) error {
	return r.run(ctx, "transcode "+filepath.Base(output), transcodeArgs(input, output, targetHeight))
}

func (r FFmpegRunner) Segment(ctx context.Context, input, outputDir, keyInfoPath string, segmentSeconds int) (string, error) {
	args := segmentArgs(input, outputDir, keyInfoPath, segmentSeconds)
	if err := r.run(ctx, "segment "+filepath.Base(outputDir), args); err != nil {
		return "", err
	}
	return filepath.Join(outputDir, manifestName), nil
}

func (r FFmpegRunner) run(ctx context.Context, task string, args []string) error {
	stderr := newLogWriter(r.logger(), task)
	cmd := exec.CommandContext(ctx, r.ffmpeg(), args...)
	cmd.Stdout = newLogWriter(r.logger(), task)
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		if last := stderr.LastLine(); last != "" {
			return fmt.Errorf("ffmpeg %s: %w: %s", task, err, last)
		}
		return fmt.Errorf("ffmpeg %s: %w", task, err)
	}
	return nil
}

func transcodeArgs(input, output string, targetHeight int) []string {
	args := []string{"-y", "-hide_banner", "-i", input}
	if targetHeight <= 0 {
		args = append(args, "-map", "0:v:0", "-map", "0:a?", "-c", "copy")
	} else {
		args = append(args,
			"-vf", "scale=-2:"+strconv.Itoa(targetHeight),
			"-c:v", "libx264",
			"-preset", "veryfast",
			"-crf", "23",
			"-c:a", "aac",
			"-b:a", "128k",
		)
	}
	return append(args, "-movflags", "+faststart", output)
}

func segmentArgs(input, outputDir, keyInfoPath string, segmentSeconds int) []string {
	args := []string{
		"-y", "-hide_banner",
		"-i", input,
		"-c", "copy",
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_list_size", "0",
		"-hls_segment_filename", filepath.Join(outputDir, segmentPattern),
	}
	if keyInfoPath != "" {
		args = append(args, "-hls_key_info_file", keyInfoPath)
	}
	return append(args, filepath.Join(outputDir, manifestName))
}

func parseProbe(out []byte) (Probe, error) {
	var payload struct {
		Streams []struct {
			CodecType string `json:"codec_type"`
			Width     int    `json:"width"`
			Height    int    `json:"height"`
			Duration  string `json:"duration"`
		} `json:"streams"`
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(out, &payload); err != nil {
		return Probe{}, fmt.Errorf("decode ffprobe output: %w", err)
	}
	for _, stream := range payload.Streams {
		if stream.CodecType != "video" || stream.Height <= 0 {
			continue
		}
		probe := Probe{Width: stream.Width, Height: stream.Height}
		duration := payload.Format.Duration
		if duration == "" {
			duration = stream.Duration
		}
		if duration != "" {
			if seconds, err := strconv.ParseFloat(duration, 64); err == nil {
				probe.DurationSeconds = seconds
			}
		}
		return probe, nil
	}
	return Probe{}, ErrNoVideoStream
}

// logWriter forwards process output to the logger one line at a time and
// remembers the last line for error messages.
type logWriter struct {
	logger *slog.Logger
	task   string
	mu     sync.Mutex
	last   string
}

func newLogWriter(logger *slog.Logger, task string) *logWriter {
	return &logWriter{logger: logger, task: task}
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
		w.mu.Lock()
		w.last = string(line)
		w.mu.Unlock()
		w.logger.Debug("ffmpeg output", "task", w.task, "line", string(line))
	}
	return total, nil
}

func (w *logWriter) LastLine() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}
