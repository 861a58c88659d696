// Package platform resolves per-OS directories for configuration, the job
// database and scratch files.
package platform

// AppName is the application name used for directory naming
const AppName = "stereoeye"

// AppDisplayName is the display name used on macOS and Windows
const AppDisplayName = "StereoEye"

// GetDataDir returns the application data directory.
// Windows: %APPDATA%\StereoEye
// macOS: ~/Library/Application Support/StereoEye
// Linux: $XDG_DATA_HOME/stereoeye or ~/.local/share/stereoeye
func GetDataDir() string {
	return getDataDir()
}

// GetCacheDir returns the directory for scratch files such as extracted
// archives.
// Windows: %LOCALAPPDATA%\StereoEye\cache
// macOS: ~/Library/Caches/stereoeye
// Linux: $XDG_CACHE_HOME/stereoeye or ~/.cache/stereoeye
func GetCacheDir() string {
	return getCacheDir()
}
