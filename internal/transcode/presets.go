package transcode

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Format describes an output container and its audio codec
type Format struct {
	Name     string
	Codec    string
	MimeType string
	// Options are passed to ffmpeg before the output path
	Options []string
}

// Quality is a bitrate, channel and sample-rate preset
type Quality struct {
	Name       string
	Bitrate    string
	Channels   int
	SampleRate int
}

// Preset is a resolved format and quality pair
type Preset struct {
	Format  Format
	Quality Quality
}

// Extension returns the file extension for converted files, including the dot
func (p Preset) Extension() string {
	return "." + p.Format.Name
}

// Args builds the ffmpeg output arguments for this preset
func (p Preset) Args() []string {
	args := []string{
		"-vn",
		"-acodec", p.Format.Codec,
		"-ab", p.Quality.Bitrate,
		"-ac", strconv.Itoa(p.Quality.Channels),
		"-ar", strconv.Itoa(p.Quality.SampleRate),
	}
	return append(args, p.Format.Options...)
}

var formats = map[string]Format{
	"mp3": {Name: "mp3", Codec: "libmp3lame", MimeType: "audio/mpeg", Options: []string{"-f", "mp3"}},
	"aac": {Name: "aac", Codec: "aac", MimeType: "audio/aac", Options: []string{"-profile:a", "aac_low", "-f", "adts"}},
	"ogg": {Name: "ogg", Codec: "libvorbis", MimeType: "audio/ogg", Options: []string{"-f", "ogg"}},
	"wav": {Name: "wav", Codec: "pcm_s16le", MimeType: "audio/wav", Options: []string{"-f", "wav"}},
	"m4a": {Name: "m4a", Codec: "aac", MimeType: "audio/mp4", Options: []string{"-profile:a", "aac_low", "-f", "mp4", "-movflags", "+faststart"}},
}

var qualities = map[string]Quality{
	"low":    {Name: "low", Bitrate: "64k", Channels: 1, SampleRate: 22050},
	"medium": {Name: "medium", Bitrate: "128k", Channels: 2, SampleRate: 44100},
	"high":   {Name: "high", Bitrate: "320k", Channels: 2, SampleRate: 48000},
}

// DefaultQuality is used when a request names no quality
const DefaultQuality = "medium"

// LookupPreset resolves format and quality names. An empty quality means DefaultQuality.
func LookupPreset(format, quality string) (Preset, error) {
	f, ok := formats[strings.ToLower(format)]
	if !ok {
		return Preset{}, fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedFormat, format, strings.Join(Formats(), ", "))
	}
	if quality == "" {
		quality = DefaultQuality
	}
	q, ok := qualities[strings.ToLower(quality)]
	if !ok {
		return Preset{}, fmt.Errorf("%w: %q", ErrUnsupportedQuality, quality)
	}
	return Preset{Format: f, Quality: q}, nil
}

// Formats returns the supported format names, sorted
func Formats() []string {
	names := make([]string, 0, len(formats))
	for name := range formats {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
