package transcode

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/media-cluster/internal/model"
)

// Converter turns an input media file into the given preset at out
type Converter interface {
	Convert(ctx context.Context, in, out string, preset Preset) (model.ConversionResult, error)
}

// FFmpeg converts files by shelling out to the ffmpeg binary
type FFmpeg struct {
	logger    *zap.Logger
	binary    string
	processes *ProcessManager
}

// NewFFmpeg creates a converter using binary (looked up in PATH when not absolute)
func NewFFmpeg(binary string, processes *ProcessManager, logger *zap.Logger) *FFmpeg {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpeg{
		logger:    logger.Named("ffmpeg"),
		binary:    binary,
		processes: processes,
	}
}

// Convert writes to a temporary file next to out and renames it on success,
// so a failed conversion never leaves a partial file at out
func (f *FFmpeg) Convert(ctx context.Context, in, out string, preset Preset) (model.ConversionResult, error) {
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return model.ConversionResult{}, fmt.Errorf("%w: failed to create output dir: %w", ErrConversion, err)
	}

	id := uuid.New().String()
	tmp := filepath.Join(filepath.Dir(out), "."+id+".tmp")
	defer os.Remove(tmp)

	args := []string{"-hide_banner", "-loglevel", "error", "-y", "-i", in}
	args = append(args, preset.Args()...)
	args = append(args, tmp)

	f.logger.Info("Starting conversion",
		zap.String("input", in),
		zap.String("output", out),
		zap.String("format", preset.Format.Name),
		zap.String("quality", preset.Quality.Name))

	if err := f.processes.Run(ctx, id, f.binary, args...); err != nil {
		return model.ConversionResult{}, fmt.Errorf("%w: %w", ErrConversion, err)
	}

	info, err := os.Stat(tmp)
	if err != nil {
		return model.ConversionResult{}, fmt.Errorf("%w: no output produced: %w", ErrConversion, err)
	}
	if info.Size() == 0 {
		return model.ConversionResult{}, fmt.Errorf("%w: empty output", ErrConversion)
	}

	if err := os.Rename(tmp, out); err != nil {
		return model.ConversionResult{}, fmt.Errorf("%w: failed to move output: %w", ErrConversion, err)
	}

	f.logger.Info("Conversion completed",
		zap.String("output", out),
		zap.Int64("size", info.Size()))

	return model.ConversionResult{
		OutputPath: out,
		Size:       info.Size(),
		MimeType:   preset.Format.MimeType,
	}, nil
}
