package transcode

import "errors"

var (
	// ErrConversion is returned when ffmpeg fails or produces no output
	ErrConversion = errors.New("conversion failed")
	// ErrUnsupportedFormat is returned for formats without a preset
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrUnsupportedQuality is returned for unknown quality names
	ErrUnsupportedQuality = errors.New("unsupported quality")
)
