package common

import (
	"os"
	"path/filepath"
)

// GetConfigDir returns $XDG_CONFIG_HOME/vpn-orchestrator, creating it.
func GetConfigDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", WrapError(err, "failed to locate config directory")
	}
	return ensureDir(filepath.Join(base, ConfigDirName))
}

// GetDataDir returns $XDG_DATA_HOME/vpn-orchestrator, creating it. The
// state database lives here.
func GetDataDir() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", WrapError(err, "failed to get home directory")
		}
		base = filepath.Join(home, ".local", "share")
	}
	return ensureDir(filepath.Join(base, ConfigDirName))
}

// GetRuntimeDir returns a private directory for rendered tunnel configs,
// preferring $XDG_RUNTIME_DIR which is never written to disk.
func GetRuntimeDir() (string, error) {
	base := os.Getenv("XDG_RUNTIME_DIR")
	if base == "" {
		base = os.TempDir()
	}
	return ensureDir(filepath.Join(base, ConfigDirName))
}

func ensureDir(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", WrapError(err, "failed to create "+dir)
	}
	return dir, nil
}

// FileExists checks if a file exists at the given path.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
