package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/t77yq/media-cluster/internal/model"
)

var unsafeName = regexp.MustCompile(`[^\w.-]`)

// CacheConfig configures a Cache
type CacheConfig struct {
	Dir            string
	DefaultFormat  string
	DefaultQuality string
	// Timeout bounds a single conversion regardless of the caller's context
	Timeout time.Duration
}

// CacheStats reports cache activity
type CacheStats struct {
	Hits        uint64 `json:"hits"`
	Conversions uint64 `json:"conversions"`
	Shared      uint64 `json:"shared"`
	Failures    uint64 `json:"failures"`
}

// Cache keeps converted artifacts on disk and runs at most one conversion
// per artifact at a time
type Cache struct {
	logger    *zap.Logger
	cfg       CacheConfig
	converter Converter
	group     singleflight.Group

	hits        atomic.Uint64
	conversions atomic.Uint64
	shared      atomic.Uint64
	failures    atomic.Uint64
}

// NewCache creates a conversion cache rooted at cfg.Dir
func NewCache(cfg CacheConfig, converter Converter, logger *zap.Logger) *Cache {
	if cfg.DefaultFormat == "" {
		cfg.DefaultFormat = "mp3"
	}
	if cfg.DefaultQuality == "" {
		cfg.DefaultQuality = DefaultQuality
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &Cache{
		logger:    logger.Named("conversion-cache"),
		cfg:       cfg,
		converter: converter,
	}
}

// Path returns the cache location of mediaID converted with preset
func (c *Cache) Path(mediaID string, preset Preset) string {
	name := unsafeName.ReplaceAllString(mediaID, "_")
	if preset.Quality.Name != c.cfg.DefaultQuality {
		name += "_" + preset.Quality.Name
	}
	return filepath.Join(c.cfg.Dir, name+preset.Extension())
}

// Resolve returns the preset for format and quality, applying the defaults
func (c *Cache) Resolve(format, quality string) (Preset, error) {
	if format == "" {
		format = c.cfg.DefaultFormat
	}
	if quality == "" {
		quality = c.cfg.DefaultQuality
	}
	return LookupPreset(format, quality)
}

// Ensure returns a playable artifact for media in the given format and quality.
// Files already in the requested format at the default quality are served as is.
// Concurrent callers for the same artifact share one conversion.
func (c *Cache) Ensure(ctx context.Context, media model.Media, format, quality string) (model.ConversionResult, error) {
	preset, err := c.Resolve(format, quality)
	if err != nil {
		return model.ConversionResult{}, err
	}

	if c.passthrough(media, preset) {
		size := media.Size
		if info, err := os.Stat(media.FilePath); err == nil {
			size = info.Size()
		}
		return model.ConversionResult{
			OutputPath: media.FilePath,
			Size:       size,
			MimeType:   preset.Format.MimeType,
		}, nil
	}

	out := c.Path(media.ID, preset)
	if result, ok := cached(out, preset); ok {
		c.hits.Add(1)
		return result, nil
	}

	ch := c.group.DoChan(out, func() (interface{}, error) {
		if result, ok := cached(out, preset); ok {
			return result, nil
		}

		// A departing client must not cancel a conversion other callers are waiting on
		convCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
		defer cancel()

		c.conversions.Add(1)
		result, err := c.converter.Convert(convCtx, media.FilePath, out, preset)
		if err != nil {
			c.failures.Add(1)
			os.Remove(out)
			c.logger.Warn("Conversion failed",
				zap.String("media_id", media.ID),
				zap.String("format", preset.Format.Name),
				zap.Error(err))
			return nil, err
		}
		return result, nil
	})

	select {
	case <-ctx.Done():
		return model.ConversionResult{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.shared.Add(1)
		}
		if res.Err != nil {
			if !errors.Is(res.Err, ErrConversion) {
				return model.ConversionResult{}, fmt.Errorf("%w: %w", ErrConversion, res.Err)
			}
			return model.ConversionResult{}, res.Err
		}
		return res.Val.(model.ConversionResult), nil
	}
}

// Prune deletes cached artifacts and leftover temp files not modified within maxAge
func (c *Cache) Prune(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(c.cfg.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cache dir: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(c.cfg.Dir, entry.Name())
		if err := os.Remove(path); err != nil {
			c.logger.Warn("Failed to remove cached file", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}

	if removed > 0 {
		c.logger.Info("Pruned conversion cache",
			zap.Int("removed", removed),
			zap.Duration("max_age", maxAge))
	}
	return removed, nil
}

// Stats returns cache counters
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Hits:        c.hits.Load(),
		Conversions: c.conversions.Load(),
		Shared:      c.shared.Load(),
		Failures:    c.failures.Load(),
	}
}

func (c *Cache) passthrough(media model.Media, preset Preset) bool {
	if preset.Quality.Name != c.cfg.DefaultQuality {
		return false
	}
	return strings.EqualFold(filepath.Ext(media.FilePath), preset.Extension()) ||
		(media.MimeType != "" && media.MimeType == preset.Format.MimeType)
}

func cached(path string, preset Preset) (model.ConversionResult, bool) {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return model.ConversionResult{}, false
	}
	return model.ConversionResult{
		OutputPath: path,
		Size:       info.Size(),
		MimeType:   preset.Format.MimeType,
	}, true
}
