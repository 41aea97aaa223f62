package profile

import (
	"os"
	"path/filepath"
)

// EnvHome overrides the base directory.
const EnvHome = "CONVO_HOME"

// BaseDir returns $CONVO_HOME, or ~/.convo.
func BaseDir() string {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".convo")
}

// Dir returns the profile-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// SocketPath returns the UDS socket path of a profile's daemon.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "convod.sock")
}

// DBPath returns the conversation database path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "convo.db")
}

// UploadsDir holds objects written by the local attachment backend.
func UploadsDir(name string) string {
	return filepath.Join(Dir(name), "uploads")
}

// LogDir returns the log directory for a profile.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "convod.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with proper permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name), UploadsDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
