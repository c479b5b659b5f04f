package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// minInterval keeps a misconfigured daemon from reconciling in a hot loop.
const minInterval = 100 * time.Millisecond

// validLogLevels and validLogFormats are the accepted logging values.
var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"text": true, "json": true}
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateFilter(&cfg.Filter)...)
	errs = append(errs, validateTransfers(&cfg.Transfers)...)
	errs = append(errs, validateSafety(&cfg.Safety)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

// ValidateResolved checks cross-field constraints on the fully resolved
// configuration, after env and CLI overrides have been applied.
func ValidateResolved(r *Resolved) error {
	var errs []error

	if r.SourceDir == "" {
		errs = append(errs, errors.New("source_dir: required"))
	}

	if r.DestinationDir == "" {
		errs = append(errs, errors.New("destination_dir: required"))
	}

	if r.SourceDir != "" && r.DestinationDir != "" {
		if r.SourceDir == r.DestinationDir {
			errs = append(errs, fmt.Errorf("destination_dir: must differ from source_dir (%s)", r.SourceDir))
		} else if isWithin(r.SourceDir, r.DestinationDir) {
			errs = append(errs, fmt.Errorf("destination_dir: %s is inside source_dir %s", r.DestinationDir, r.SourceDir))
		}
	}

	if r.Interval < minInterval {
		errs = append(errs, fmt.Errorf("interval: must be at least %s, got %s", minInterval, r.Interval))
	}

	return errors.Join(errs...)
}

// isWithin reports whether child is root itself or lies below it.
func isWithin(root, child string) bool {
	rel, err := filepath.Rel(root, child)
	if err != nil {
		return false
	}

	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	if d, err := ParseInterval(s.Interval); err != nil {
		errs = append(errs, fmt.Errorf("interval: %w", err))
	} else if d < minInterval {
		errs = append(errs, fmt.Errorf("interval: must be at least %s, got %s", minInterval, d))
	}

	if _, err := ParseInterval(s.IdlePause); err != nil {
		errs = append(errs, fmt.Errorf("idle_pause: %w", err))
	}

	return errs
}

func validateFilter(f *FilterConfig) []error {
	var errs []error

	for _, p := range f.SkipFiles {
		if _, err := filepath.Match(p, ""); err != nil {
			errs = append(errs, fmt.Errorf("skip_files: invalid pattern %q: %w", p, err))
		}
	}

	for _, p := range f.SkipDirs {
		if _, err := filepath.Match(p, ""); err != nil {
			errs = append(errs, fmt.Errorf("skip_dirs: invalid pattern %q: %w", p, err))
		}
	}

	if strings.ContainsRune(f.IgnoreMarker, filepath.Separator) {
		errs = append(errs, fmt.Errorf("ignore_marker: must be a file name, got %q", f.IgnoreMarker))
	}

	return errs
}

func validateTransfers(t *TransfersConfig) []error {
	limit := strings.TrimSpace(t.BandwidthLimit)
	if strings.HasSuffix(strings.ToLower(limit), "/s") {
		limit = limit[:len(limit)-len("/s")]
	}

	if _, err := ParseSize(limit); err != nil {
		return []error{fmt.Errorf("bandwidth_limit: %w", err)}
	}

	return nil
}

func validateSafety(s *SafetyConfig) []error {
	if _, err := ParseSize(s.MinFreeSpace); err != nil {
		return []error{fmt.Errorf("min_free_space: %w", err)}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("log_format: must be text or json; got %q", l.LogFormat))
	}

	return errs
}
