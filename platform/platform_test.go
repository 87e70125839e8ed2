package platform

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetDataDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(HomeEnv, dir)
	assert.Equal(t, dir, GetDataDir())
	assert.Equal(t, filepath.Join(dir, "grid.db"), JoinData("grid.db"))
}

func TestGetDataDirDefault(t *testing.T) {
	t.Setenv(HomeEnv, "")
	assert.NotEmpty(t, GetDataDir())
}
