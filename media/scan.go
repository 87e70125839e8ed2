package media

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ProbeFunc returns the pixel dimensions of a media file.
type ProbeFunc func(path string) (width, height int, err error)

// ScanResult summarizes a Scan.
type ScanResult struct {
	Found    int `json:"found"`
	Inserted int `json:"inserted"`
	Probed   int `json:"probed"`
}

// IsMedia reports whether path has a supported media extension.
func IsMedia(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp", ".tif", ".tiff",
		".mp4", ".mov", ".avi", ".mkv", ".webm", ".wmv":
		return true
	}
	return false
}

// Scan walks dir, inserting media files that are not in the library yet.
// probe, if non-nil, fills in dimensions for new images.
func Scan(ctx context.Context, db *sql.DB, dir string, recursive bool, probe ProbeFunc) (ScanResult, error) {
	var res ScanResult
	if db == nil {
		return res, ErrNoDatabase
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return res, fmt.Errorf("resolve %s: %w", dir, err)
	}
	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if !recursive && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if IsMedia(path) {
			files = append(files, filepath.FromSlash(path))
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("scan %s: %w", root, err)
	}
	res.Found = len(files)

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		var size int64
		if fi, err := os.Stat(path); err == nil {
			size = fi.Size()
		}
		r, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO media (path, size) VALUES (?, ?)`, path, size)
		if err != nil {
			return res, fmt.Errorf("insert %s: %w", path, err)
		}
		if n, _ := r.RowsAffected(); n == 0 {
			continue
		}
		res.Inserted++
		if probe == nil {
			continue
		}
		if w, h, err := probe(path); err == nil && w > 0 && h > 0 {
			if err := SetDimensions(ctx, db, path, w, h); err == nil {
				res.Probed++
			}
		}
	}
	return res, nil
}
