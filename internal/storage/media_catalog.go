package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/media-cluster/internal/model"
)

const mediaSchema = `
	CREATE TABLE IF NOT EXISTS media (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		artist TEXT,
		file_path TEXT NOT NULL,
		mime_type TEXT NOT NULL,
		size INTEGER NOT NULL,
		uploaded_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_media_uploaded_at ON media(uploaded_at);
`

// MediaCatalog resolves media ids to files on local disk
type MediaCatalog struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewMediaCatalog opens the catalog database at dbPath
func NewMediaCatalog(logger *zap.Logger, dbPath string) (*MediaCatalog, error) {
	db, err := openSQLite(dbPath, mediaSchema)
	if err != nil {
		return nil, err
	}
	return &MediaCatalog{
		logger: logger.Named("media-catalog"),
		db:     db,
	}, nil
}

// Add inserts or replaces a catalog entry. ID and UploadedAt are filled in when empty.
func (c *MediaCatalog) Add(ctx context.Context, m *model.Media) error {
	if m.FilePath == "" {
		return fmt.Errorf("%w: file path is required", ErrInvalidMedia)
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Title == "" {
		m.Title = strings.TrimSuffix(filepath.Base(m.FilePath), filepath.Ext(m.FilePath))
	}
	if m.MimeType == "" {
		m.MimeType = mimeTypeFor(m.FilePath)
	}
	if m.UploadedAt.IsZero() {
		m.UploadedAt = time.Now()
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO media (
			id, title, artist, file_path, mime_type, size, uploaded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID,
		m.Title,
		sql.NullString{String: m.Artist, Valid: m.Artist != ""},
		m.FilePath,
		m.MimeType,
		m.Size,
		m.UploadedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store media: %w", err)
	}
	return nil
}

// Lookup returns the media entry for id. ErrNotFound is returned when the
// entry is unknown or its file is gone from disk.
func (c *MediaCatalog) Lookup(ctx context.Context, id string) (model.Media, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, title, artist, file_path, mime_type, size, uploaded_at
		FROM media
		WHERE id = ?`, id)

	m, err := scanMedia(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Media{}, fmt.Errorf("%w: media %s", ErrNotFound, id)
	}
	if err != nil {
		return model.Media{}, fmt.Errorf("failed to scan media: %w", err)
	}

	if _, err := os.Stat(m.FilePath); err != nil {
		c.logger.Warn("Media file missing on disk",
			zap.String("media_id", id),
			zap.String("path", m.FilePath),
			zap.Error(err))
		return model.Media{}, fmt.Errorf("%w: media file %s", ErrNotFound, m.FilePath)
	}
	return m, nil
}

// List returns catalog entries newest first
func (c *MediaCatalog) List(ctx context.Context, offset, limit int) ([]model.Media, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, title, artist, file_path, mime_type, size, uploaded_at
		FROM media
		ORDER BY uploaded_at DESC, id
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list media: %w", err)
	}
	defer rows.Close()

	items := make([]model.Media, 0)
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan media: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return items, nil
}

// Delete removes a catalog entry. The file itself is left alone.
func (c *MediaCatalog) Delete(ctx context.Context, id string) error {
	result, err := c.db.ExecContext(ctx, "DELETE FROM media WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete media: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: media %s", ErrNotFound, id)
	}
	return nil
}

// ImportDir registers every regular file under dir that is not yet cataloged.
// The file name without extension becomes the media id.
func (c *MediaCatalog) ImportDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read media dir: %w", err)
	}

	imported := 0
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		id := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		var exists int
		if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM media WHERE id = ?", id).Scan(&exists); err != nil {
			return imported, fmt.Errorf("failed to check media: %w", err)
		}
		if exists > 0 {
			continue
		}

		m := &model.Media{
			ID:         id,
			FilePath:   filepath.Join(dir, entry.Name()),
			Size:       info.Size(),
			UploadedAt: info.ModTime(),
		}
		if err := c.Add(ctx, m); err != nil {
			return imported, err
		}
		imported++
	}

	if imported > 0 {
		c.logger.Info("Imported media files", zap.String("dir", dir), zap.Int("count", imported))
	}
	return imported, nil
}

// Close closes the database connection
func (c *MediaCatalog) Close() error {
	return c.db.Close()
}

func scanMedia(row rowScanner) (model.Media, error) {
	var m model.Media
	var artist sql.NullString
	err := row.Scan(&m.ID, &m.Title, &artist, &m.FilePath, &m.MimeType, &m.Size, &m.UploadedAt)
	if err != nil {
		return m, err
	}
	m.Artist = artist.String
	return m, nil
}

var mediaTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".aac":  "audio/aac",
	".ogg":  "audio/ogg",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
	".flac": "audio/flac",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
}

func mimeTypeFor(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if t, ok := mediaTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
