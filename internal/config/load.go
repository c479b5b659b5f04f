package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal, with "did you mean?" suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values. The daemon runs fine without
// any config file since the roots can come from positionals.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	applyEnv(cfg, env)
	applyCLI(cfg, cli)

	resolved, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	if cli.Interval != nil {
		resolved.Interval = *cli.Interval
	}

	if err := ValidateResolved(resolved); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return resolved, nil
}

func applyEnv(cfg *Config, env EnvOverrides) {
	if env.SourceDir != "" {
		cfg.SourceDir = env.SourceDir
	}

	if env.DestinationDir != "" {
		cfg.DestinationDir = env.DestinationDir
	}

	if env.LogFile != "" {
		cfg.Logging.LogFile = env.LogFile
	}
}

func applyCLI(cfg *Config, cli CLIOverrides) {
	if cli.SourceDir != nil {
		cfg.SourceDir = *cli.SourceDir
	}

	if cli.DestinationDir != nil {
		cfg.DestinationDir = *cli.DestinationDir
	}

	if cli.LogFile != nil {
		cfg.Logging.LogFile = *cli.LogFile
	}

	if cli.JournalPath != nil {
		cfg.Sync.JournalPath = *cli.JournalPath
	}

	if cli.BandwidthLimit != nil {
		cfg.Transfers.BandwidthLimit = *cli.BandwidthLimit
	}

	if cli.PIDFile != nil {
		cfg.Sync.PIDFile = *cli.PIDFile
	}
}

// resolve parses the string-typed fields of a merged Config. Validate has
// already accepted the file layer, but env and CLI values have not been seen.
func resolve(cfg *Config) (*Resolved, error) {
	var errs []error

	interval, err := ParseInterval(cfg.Sync.Interval)
	if err != nil {
		errs = append(errs, fmt.Errorf("interval: %w", err))
	}

	idle, err := ParseInterval(cfg.Sync.IdlePause)
	if err != nil {
		errs = append(errs, fmt.Errorf("idle_pause: %w", err))
	}

	minFree, err := ParseSize(cfg.Safety.MinFreeSpace)
	if err != nil {
		errs = append(errs, fmt.Errorf("min_free_space: %w", err))
	}

	source, err := absPath(cfg.SourceDir)
	if err != nil {
		errs = append(errs, fmt.Errorf("source_dir: %w", err))
	}

	dest, err := absPath(cfg.DestinationDir)
	if err != nil {
		errs = append(errs, fmt.Errorf("destination_dir: %w", err))
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return &Resolved{
		SourceDir:      source,
		DestinationDir: dest,
		Interval:       interval,
		IdlePause:      idle,
		JournalPath:    expandTilde(cfg.Sync.JournalPath),
		PIDFile:        expandTilde(cfg.Sync.PIDFile),
		Filter:         cfg.Filter,
		BandwidthLimit: cfg.Transfers.BandwidthLimit,
		MinFreeSpace:   minFree,
		LogLevel:       cfg.Logging.LogLevel,
		LogFile:        expandTilde(cfg.Logging.LogFile),
		LogFormat:      cfg.Logging.LogFormat,
	}, nil
}

// absPath expands a leading tilde and makes the path absolute. Empty stays
// empty so ValidateResolved can report the missing root by name.
func absPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}

	return filepath.Abs(expandTilde(p))
}

// expandTilde replaces a leading "~/" with the user's home directory.
func expandTilde(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}

	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
