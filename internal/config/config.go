// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for foldersync. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
// The two roots live at the top level; everything else is grouped in sections.
type Config struct {
	SourceDir      string          `toml:"source_dir"`
	DestinationDir string          `toml:"destination_dir"`
	Sync           SyncConfig      `toml:"sync"`
	Filter         FilterConfig    `toml:"filter"`
	Transfers      TransfersConfig `toml:"transfers"`
	Safety         SafetyConfig    `toml:"safety"`
	Logging        LoggingConfig   `toml:"logging"`
}

// SyncConfig controls engine pacing and the optional side files the daemon
// keeps (journal database, PID lock).
type SyncConfig struct {
	Interval    string `toml:"interval"`
	IdlePause   string `toml:"idle_pause"`
	JournalPath string `toml:"journal_path"`
	PIDFile     string `toml:"pid_file"`
}

// FilterConfig controls which source entries are mirrored. Patterns are
// matched against the entry name, not the full path.
type FilterConfig struct {
	SkipFiles    []string `toml:"skip_files"`
	SkipDirs     []string `toml:"skip_dirs"`
	SkipDotfiles bool     `toml:"skip_dotfiles"`
	IgnoreMarker string   `toml:"ignore_marker"`
}

// TransfersConfig controls copy throughput.
type TransfersConfig struct {
	BandwidthLimit string `toml:"bandwidth_limit"`
}

// SafetyConfig holds protective thresholds checked against the destination.
type SafetyConfig struct {
	MinFreeSpace string `toml:"min_free_space"`
}

// LoggingConfig controls log output: level, destination file, and format.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	LogFormat string `toml:"log_format"`
}

// CLIOverrides holds values from CLI flags and positionals. Pointer fields
// distinguish "not specified" (nil) from "explicitly set to the zero value".
type CLIOverrides struct {
	ConfigPath     string
	SourceDir      *string
	DestinationDir *string
	LogFile        *string
	Interval       *time.Duration
	JournalPath    *string
	BandwidthLimit *string
	PIDFile        *string
}

// Resolved is the effective configuration after the override chain has been
// applied. Durations and sizes are parsed; roots are absolute.
type Resolved struct {
	SourceDir      string
	DestinationDir string
	Interval       time.Duration
	IdlePause      time.Duration
	JournalPath    string
	PIDFile        string
	Filter         FilterConfig
	BandwidthLimit string
	MinFreeSpace   int64
	LogLevel       string
	LogFile        string
	LogFormat      string
}
