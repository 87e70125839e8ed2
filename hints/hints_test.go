package hints

import (
	"context"
	"database/sql"
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/stevecastle/lowkey-grid/logger"
	"github.com/stevecastle/lowkey-grid/loop"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// every pooled connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func rowCount(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM aspect_hints`).Scan(&n))
	return n
}

func openStore(t *testing.T, db *sql.DB, cfg Config) (*Store, *loop.Manual) {
	t.Helper()
	sched := loop.NewManual(time.Unix(0, 0))
	s, err := Open(context.Background(), db, cfg, sched, logger.NewNoopLogger())
	require.NoError(t, err)
	return s, sched
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in      float64
		want    float64
		wantErr bool
	}{
		{1.5, 1.5, false},
		{0.01, 0.2, false},
		{50, 5, false},
		{0, 0, true},
		{-1, 0, true},
		{math.NaN(), 0, true},
		{math.Inf(1), 0, true},
	}
	for _, tt := range tests {
		got, err := Sanitize(tt.in, 0.2, 5)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidRatio, "Sanitize(%v)", tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "Sanitize(%v)", tt.in)
	}
}

func TestLearnIsDebounced(t *testing.T) {
	db := openDB(t)
	s, sched := openStore(t, db, Config{FlushDelay: 2 * time.Second})

	require.NoError(t, s.Learn("/a.jpg", 1.5))
	sched.Advance(time.Second)
	require.NoError(t, s.Learn("/b.jpg", 0.75))
	assert.Equal(t, 2, s.Pending())
	assert.Equal(t, 0, rowCount(t, db))

	sched.Advance(time.Second)
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, 2, rowCount(t, db))

	r, ok := s.Aspect("/a.jpg")
	require.True(t, ok)
	assert.Equal(t, 1.5, r)
}

func TestLearnRejectsAndClamps(t *testing.T) {
	s, _ := openStore(t, openDB(t), Config{})
	assert.ErrorIs(t, s.Learn("/x", 0), ErrInvalidRatio)
	require.NoError(t, s.Learn("/y", 100))
	r, _ := s.Aspect("/y")
	assert.Equal(t, 5.0, r)

	require.NoError(t, s.Flush(context.Background()))
	require.NoError(t, s.Learn("/y", 5.001))
	assert.Equal(t, 0, s.Pending(), "near-identical ratios are not rewritten")
}

func TestCloseFlushes(t *testing.T) {
	db := openDB(t)
	s, sched := openStore(t, db, Config{})
	require.NoError(t, s.Learn("/a", 2))
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, 1, rowCount(t, db))
	assert.Equal(t, 0, sched.PendingTimers())
	assert.ErrorIs(t, s.Learn("/b", 1), ErrClosed)
}

func TestCapEvictsOldest(t *testing.T) {
	db := openDB(t)
	s, _ := openStore(t, db, Config{MaxEntries: 3})
	for i, k := range []string{"k0", "k1", "k2"} {
		require.NoError(t, s.Learn(k, float64(i+1)))
	}
	require.NoError(t, s.Flush(context.Background()))
	require.NoError(t, s.Learn("k3", 1.25))
	require.NoError(t, s.Learn("k4", 1.75))
	require.NoError(t, s.Flush(context.Background()))

	assert.Equal(t, 3, s.Len())
	assert.Equal(t, 3, rowCount(t, db))
	_, ok := s.Aspect("k0")
	assert.False(t, ok)
	_, ok = s.Aspect("k4")
	assert.True(t, ok)
}

func TestReopenLoadsHints(t *testing.T) {
	db := openDB(t)
	s, _ := openStore(t, db, Config{})
	require.NoError(t, s.Learn("/p", 0.5))
	require.NoError(t, s.Close(context.Background()))

	again, _ := openStore(t, db, Config{})
	r, ok := again.Aspect("/p")
	require.True(t, ok)
	assert.Equal(t, 0.5, r)
}

func TestProbe(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wide.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, 40, 20))))
	require.NoError(t, f.Close())

	r, err := Probe(path)
	require.NoError(t, err)
	assert.Equal(t, 2.0, r)

	s, _ := openStore(t, openDB(t), Config{})
	got, err := s.LearnFile("wide", path)
	require.NoError(t, err)
	assert.Equal(t, 2.0, got)

	_, err = Probe(filepath.Join(dir, "missing.png"))
	assert.Error(t, err)
}
