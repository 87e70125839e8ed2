// Package hints persists learned aspect ratios keyed by media path.
//
// Ratios are sanitized into a bounded range and held in an LRU capped at
// MaxEntries. Writes are batched behind a debounce timer and always flushed
// on Close.
package hints

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/stevecastle/lowkey-grid/logger"
	"github.com/stevecastle/lowkey-grid/loop"
)

var (
	ErrInvalidRatio = errors.New("hints: invalid aspect ratio")
	ErrClosed       = errors.New("hints: store closed")
)

// Config bounds the stored values.
type Config struct {
	MinRatio   float64       `json:"minRatio"`
	MaxRatio   float64       `json:"maxRatio"`
	MaxEntries int           `json:"maxEntries"`
	FlushDelay time.Duration `json:"flushDelay"`
}

// DefaultConfig returns the stock bounds.
func DefaultConfig() Config {
	return Config{MinRatio: 0.2, MaxRatio: 5, MaxEntries: 5000, FlushDelay: 2 * time.Second}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MinRatio <= 0 {
		c.MinRatio = def.MinRatio
	}
	if c.MaxRatio < c.MinRatio {
		c.MaxRatio = math.Max(def.MaxRatio, c.MinRatio)
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = def.MaxEntries
	}
	if c.FlushDelay <= 0 {
		c.FlushDelay = def.FlushDelay
	}
	return c
}

// Sanitize clamps r into [min, max]. Non-finite and non-positive ratios are
// rejected.
func Sanitize(r, min, max float64) (float64, error) {
	if math.IsNaN(r) || math.IsInf(r, 0) || r <= 0 {
		return 0, fmt.Errorf("%v: %w", r, ErrInvalidRatio)
	}
	return math.Max(min, math.Min(max, r)), nil
}

type entry struct {
	ratio   float64
	updated int64
}

// Store is safe for concurrent use.
type Store struct {
	db    *sql.DB
	cfg   Config
	sched loop.Scheduler
	log   logger.Logger
	cache *lru.Cache[string, entry]

	mu      sync.Mutex
	dirty   map[string]entry
	evicted map[string]struct{}
	timer   loop.Timer
	closed  bool
	lastTS  int64
}

// InitializeSchema creates the hint table.
func InitializeSchema(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS aspect_hints (
		key TEXT PRIMARY KEY,
		ratio REAL NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create aspect_hints table: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_aspect_hints_updated ON aspect_hints(updated_at)`)
	return nil
}

// Open creates the schema if needed and loads the newest MaxEntries hints.
// A nil sched uses loop.Wall, so flushes never run on the interactive loop.
func Open(ctx context.Context, db *sql.DB, cfg Config, sched loop.Scheduler, log logger.Logger) (*Store, error) {
	cfg = cfg.normalized()
	if sched == nil {
		sched = loop.Wall{}
	}
	if err := InitializeSchema(db); err != nil {
		return nil, err
	}
	s := &Store{
		db:      db,
		cfg:     cfg,
		sched:   sched,
		log:     log,
		dirty:   make(map[string]entry),
		evicted: make(map[string]struct{}),
	}
	cache, err := lru.NewWithEvict[string, entry](cfg.MaxEntries, s.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create hint cache: %w", err)
	}
	s.cache = cache
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, ratio, updated_at FROM aspect_hints ORDER BY updated_at DESC LIMIT ?`, s.cfg.MaxEntries)
	if err != nil {
		return fmt.Errorf("load aspect hints: %w", err)
	}
	defer rows.Close()

	var keys []string
	var entries []entry
	for rows.Next() {
		var k string
		var e entry
		if err := rows.Scan(&k, &e.ratio, &e.updated); err != nil {
			return fmt.Errorf("scan aspect hint: %w", err)
		}
		if r, err := Sanitize(e.ratio, s.cfg.MinRatio, s.cfg.MaxRatio); err == nil {
			e.ratio = r
			keys = append(keys, k)
			entries = append(entries, e)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate aspect hints: %w", err)
	}
	// oldest first so LRU recency follows updated_at
	for i := len(keys) - 1; i >= 0; i-- {
		s.cache.Add(keys[i], entries[i])
		s.lastTS = max(s.lastTS, entries[i].updated)
	}
	s.log.Debug("aspect hints loaded", zap.Int("count", len(keys)))
	return nil
}

// onEvict is called synchronously from cache.Add, which Learn only calls with
// s.mu held.
func (s *Store) onEvict(key string, _ entry) {
	delete(s.dirty, key)
	s.evicted[key] = struct{}{}
}

// Aspect returns the stored ratio for key.
func (s *Store) Aspect(key string) (float64, bool) {
	e, ok := s.cache.Get(key)
	if !ok {
		return 0, false
	}
	return e.ratio, true
}

// Len returns the number of cached hints.
func (s *Store) Len() int { return s.cache.Len() }

// Learn records ratio for key and schedules a debounced flush. Ratios within
// 0.1% of the stored value are ignored.
func (s *Store) Learn(key string, ratio float64) error {
	r, err := Sanitize(ratio, s.cfg.MinRatio, s.cfg.MaxRatio)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if prev, ok := s.cache.Peek(key); ok && math.Abs(prev.ratio-r) <= prev.ratio*0.001 {
		return nil
	}
	s.lastTS = max(s.lastTS+1, s.sched.Now().UnixNano())
	e := entry{ratio: r, updated: s.lastTS}
	delete(s.evicted, key)
	s.cache.Add(key, e)
	s.dirty[key] = e
	if s.timer == nil {
		s.timer = s.sched.AfterFunc(s.cfg.FlushDelay, s.flushFromTimer)
	}
	return nil
}

// Pending returns the number of unflushed hints.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirty)
}

func (s *Store) flushFromTimer() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		s.log.Warn("aspect hint flush failed", zap.Error(err))
	}
}

// Flush writes pending hints and prunes the table to MaxEntries.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	dirty, evicted := s.dirty, s.evicted
	s.dirty = make(map[string]entry)
	s.evicted = make(map[string]struct{})
	s.mu.Unlock()

	if len(dirty) == 0 && len(evicted) == 0 {
		return nil
	}
	if err := s.write(ctx, dirty, evicted); err != nil {
		s.mu.Lock()
		for k, e := range dirty {
			if _, newer := s.dirty[k]; !newer {
				s.dirty[k] = e
			}
		}
		for k := range evicted {
			if _, back := s.cache.Peek(k); !back {
				s.evicted[k] = struct{}{}
			}
		}
		s.mu.Unlock()
		return err
	}
	s.log.Debug("aspect hints flushed", zap.Int("written", len(dirty)), zap.Int("evicted", len(evicted)))
	return nil
}

func (s *Store) write(ctx context.Context, dirty map[string]entry, evicted map[string]struct{}) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin hint flush: %w", err)
	}
	defer tx.Rollback()

	for k, e := range dirty {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO aspect_hints (key, ratio, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET ratio = excluded.ratio, updated_at = excluded.updated_at`,
			k, e.ratio, e.updated); err != nil {
			return fmt.Errorf("upsert hint %q: %w", k, err)
		}
	}
	for k := range evicted {
		if _, err := tx.ExecContext(ctx, `DELETE FROM aspect_hints WHERE key = ?`, k); err != nil {
			return fmt.Errorf("delete hint %q: %w", k, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM aspect_hints WHERE key NOT IN (
			SELECT key FROM aspect_hints ORDER BY updated_at DESC LIMIT ?
		)`, s.cfg.MaxEntries); err != nil {
		return fmt.Errorf("prune hints: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit hint flush: %w", err)
	}
	return nil
}

// Close flushes pending hints. Further Learn calls fail with ErrClosed.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Flush(ctx)
}
