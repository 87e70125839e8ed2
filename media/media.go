// Package media is the candidate supply: it reads the media library and
// returns the ordered candidate list after filter, sort and grouping.
package media

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
)

var ErrNoDatabase = errors.New("media: database connection not available")

// Sort selects the candidate order.
type Sort string

const (
	SortPath   Sort = "path"
	SortSize   Sort = "size"
	SortRandom Sort = "random"
)

// ParseSort maps a user supplied name to a Sort, defaulting to SortPath.
func ParseSort(s string) (Sort, error) {
	switch Sort(strings.ToLower(strings.TrimSpace(s))) {
	case "", SortPath:
		return SortPath, nil
	case SortSize:
		return SortSize, nil
	case SortRandom:
		return SortRandom, nil
	default:
		return "", fmt.Errorf("unknown sort %q", s)
	}
}

// Query filters and orders the candidate list.
type Query struct {
	PathPrefix string `json:"pathPrefix,omitempty"`
	Tag        string `json:"tag,omitempty"`
	Sort       Sort   `json:"sort,omitempty"`
	// Seed makes SortRandom stable across calls.
	Seed       int64 `json:"seed,omitempty"`
	GroupByDir bool  `json:"groupByDir,omitempty"`
	Limit      int   `json:"limit,omitempty"`
}

// Candidate is one item of the candidate list. Its id is the media path.
type Candidate struct {
	ID     string `json:"id"`
	Dir    string `json:"dir"`
	Size   int64  `json:"size"`
	Width  int64  `json:"width,omitempty"`
	Height int64  `json:"height,omitempty"`
}

// Aspect returns width/height, or 0 when the dimensions are unknown.
func (c Candidate) Aspect() float64 {
	if c.Width <= 0 || c.Height <= 0 {
		return 0
	}
	return float64(c.Width) / float64(c.Height)
}

// HumanSize renders the file size for logs and listings.
func (c Candidate) HumanSize() string {
	if c.Size <= 0 {
		return "Unknown"
	}
	return humanize.IBytes(uint64(c.Size))
}

// InitializeSchema creates the media tables and applies column migrations.
func InitializeSchema(db *sql.DB) error {
	if db == nil {
		return ErrNoDatabase
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS media (
			path TEXT PRIMARY KEY,
			description TEXT,
			hash TEXT,
			size INTEGER,
			width INTEGER,
			height INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS media_tag_by_category (
			media_path TEXT,
			tag_label TEXT,
			category_label TEXT,
			FOREIGN KEY (media_path) REFERENCES media(path)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mtbc_media_path ON media_tag_by_category(media_path)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("initialize media schema: %w", err)
		}
	}
	// older libraries predate the dimension columns
	_, _ = db.Exec(`ALTER TABLE media ADD COLUMN width INTEGER`)
	_, _ = db.Exec(`ALTER TABLE media ADD COLUMN height INTEGER`)
	return nil
}

// Candidates runs q against the library.
func Candidates(ctx context.Context, db *sql.DB, q Query) ([]Candidate, error) {
	if db == nil {
		return nil, ErrNoDatabase
	}
	sortBy := q.Sort
	if sortBy == "" {
		sortBy = SortPath
	}

	var where []string
	var args []any
	if q.PathPrefix != "" {
		where = append(where, `m.path LIKE ? ESCAPE '\'`)
		args = append(args, escapeLikePattern(q.PathPrefix)+"%")
	}
	if q.Tag != "" {
		where = append(where, `EXISTS (SELECT 1 FROM media_tag_by_category t WHERE t.media_path = m.path AND t.tag_label = ?)`)
		args = append(args, q.Tag)
	}

	query := `SELECT m.path, COALESCE(m.size, 0), COALESCE(m.width, 0), COALESCE(m.height, 0) FROM media m`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	switch sortBy {
	case SortSize:
		query += ` ORDER BY COALESCE(m.size, 0) DESC, m.path`
	case SortRandom:
		// seeded shuffle over rowid, stable for a given seed
		query += fmt.Sprintf(` ORDER BY (((m.rowid + %d) * 2654435761 + %d * 1640531527) %% 2147483647), m.path`, q.Seed, q.Seed)
	case SortPath:
		query += ` ORDER BY m.path`
	default:
		return nil, fmt.Errorf("unknown sort %q", sortBy)
	}
	if q.Limit > 0 && !q.GroupByDir {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ID, &c.Size, &c.Width, &c.Height); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		c.Dir = filepath.Dir(c.ID)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}

	if q.GroupByDir {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Dir < out[j].Dir })
		if q.Limit > 0 && len(out) > q.Limit {
			out = out[:q.Limit]
		}
	}
	return out, nil
}

// SetDimensions records the measured size of an item.
func SetDimensions(ctx context.Context, db *sql.DB, path string, width, height int) error {
	if db == nil {
		return ErrNoDatabase
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid dimensions %dx%d for %s", width, height, path)
	}
	_, err := db.ExecContext(ctx, `UPDATE media SET width = ?, height = ? WHERE path = ?`, width, height, path)
	if err != nil {
		return fmt.Errorf("set dimensions for %s: %w", path, err)
	}
	return nil
}

// AddTag assigns a tag to an item unless it already has it.
func AddTag(ctx context.Context, db *sql.DB, mediaPath, tagLabel, categoryLabel string) error {
	if db == nil {
		return ErrNoDatabase
	}
	if mediaPath == "" || tagLabel == "" || categoryLabel == "" {
		return fmt.Errorf("mediaPath, tagLabel, and categoryLabel are required")
	}
	var count int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM media_tag_by_category
		WHERE media_path = ? AND tag_label = ? AND category_label = ?
	`, mediaPath, tagLabel, categoryLabel).Scan(&count)
	if err != nil {
		return fmt.Errorf("check existing tag: %w", err)
	}
	if count > 0 {
		return nil
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO media_tag_by_category (media_path, tag_label, category_label)
		VALUES (?, ?, ?)
	`, mediaPath, tagLabel, categoryLabel)
	if err != nil {
		return fmt.Errorf("insert tag: %w", err)
	}
	return nil
}

// escapeLikePattern makes user input a literal LIKE prefix.
func escapeLikePattern(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
