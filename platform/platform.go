// Package platform resolves per-user directories for the gallery daemon.
package platform

import (
	"os"
	"path/filepath"
)

// AppName is used for directory naming on Unix systems.
const AppName = "lowkey-grid"

// AppDisplayName is used for directory naming on Windows and macOS.
const AppDisplayName = "Lowkey Grid"

// HomeEnv overrides the data directory when set.
const HomeEnv = "LOWKEY_GRID_HOME"

// GetDataDir returns the application data directory.
// Windows: %APPDATA%\Lowkey Grid
// macOS: ~/Library/Application Support/Lowkey Grid
// Linux: $XDG_DATA_HOME/lowkey-grid or ~/.local/share/lowkey-grid
func GetDataDir() string {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir
	}
	return getDataDir()
}

// UserHomeDir returns the user's home directory, or "." when unknown.
func UserHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// JoinData joins elem onto the data directory.
func JoinData(elem ...string) string {
	return filepath.Join(append([]string{GetDataDir()}, elem...)...)
}
