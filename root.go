package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/foldersync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagVerbose    bool
	flagQuiet      bool
)

// Daemon flags. Only applied when the user set them explicitly, so config
// file values survive an unset flag.
var (
	flagInterval       int
	flagJournal        string
	flagBandwidthLimit string
	flagPIDFile        string
)

// defaultIntervalSeconds is the --interval default.
const defaultIntervalSeconds = 3

// logFilePermissions matches the PID and config file permissions.
const logFilePermissions = 0o644

// newRootCmd builds the root command. The root itself is the mirroring
// daemon; maintenance commands hang off it.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "foldersync <source_folder> <destination_folder> <log_file>",
		Short: "One-way folder mirror",
		Long: `Mirror a source folder into a destination folder and keep it mirrored.

Filesystem events are applied to the destination as they happen, and a full
copy of the source runs every --interval seconds to catch anything the
watcher missed. Nothing that exists only in the destination is deleted by the
periodic copy.`,
		Version: version,
		Args:    cobra.ExactArgs(3),
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE:          runDaemon,
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "log errors only")

	cmd.Flags().IntVar(&flagInterval, "interval", defaultIntervalSeconds, "seconds between full reconcile passes")
	cmd.Flags().StringVar(&flagJournal, "journal", "", "record applied changes in this SQLite journal")
	cmd.Flags().StringVar(&flagBandwidthLimit, "bandwidth-limit", "", `copy throughput cap, e.g. "5MB/s" ("0" = unlimited)`)
	cmd.Flags().StringVar(&flagPIDFile, "pid-file", "", "hold an exclusive lock on this PID file while running")

	cmd.AddCommand(newReconcileCmd())
	cmd.AddCommand(newVerifyCmd())
	cmd.AddCommand(newHistoryCmd())

	return cmd
}

// loadConfig resolves the effective configuration. Positionals (source,
// destination, log file) and explicitly set flags override the config file
// and environment.
func loadConfig(cmd *cobra.Command, source, destination string, logFile *string) (*config.Resolved, error) {
	cli := config.CLIOverrides{
		ConfigPath:     flagConfigPath,
		SourceDir:      &source,
		DestinationDir: &destination,
		LogFile:        logFile,
	}

	flags := cmd.Flags()

	if flags.Changed("interval") {
		if flagInterval <= 0 {
			return nil, fmt.Errorf("--interval must be a positive number of seconds, got %d", flagInterval)
		}

		interval := time.Duration(flagInterval) * time.Second
		cli.Interval = &interval
	}

	if flags.Changed("journal") {
		cli.JournalPath = &flagJournal
	}

	if flags.Changed("bandwidth-limit") {
		cli.BandwidthLimit = &flagBandwidthLimit
	}

	if flags.Changed("pid-file") {
		cli.PIDFile = &flagPIDFile
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return resolved, nil
}

// buildLogger creates the logger for cfg writing to w. The config file log
// level is the baseline; --verbose and --quiet override it.
func buildLogger(cfg *config.Resolved, w io.Writer) *slog.Logger {
	level := slog.LevelInfo

	if cfg != nil {
		switch cfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg != nil && cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

// openLogFile opens path for appending, creating it and its directory.
func openLogFile(path string) (*os.File, error) {
	if path == "" {
		return nil, errors.New("log file path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), pidDirPermissions); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, logFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}

	return f, nil
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
