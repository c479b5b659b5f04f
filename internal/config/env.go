package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig      = "FOLDERSYNC_CONFIG"
	EnvSource      = "FOLDERSYNC_SOURCE"
	EnvDestination = "FOLDERSYNC_DESTINATION"
	EnvLogFile     = "FOLDERSYNC_LOG_FILE"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath     string
	SourceDir      string
	DestinationDir string
	LogFile        string
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:     os.Getenv(EnvConfig),
		SourceDir:      os.Getenv(EnvSource),
		DestinationDir: os.Getenv(EnvDestination),
		LogFile:        os.Getenv(EnvLogFile),
	}
}
