package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <source_folder> <destination_folder>",
		Short: "Copy the whole source tree into the destination once",
		Long: `Run a single reconcile pass: create every source directory and copy every
source file into the destination, then exit. Nothing is deleted.`,
		Args: cobra.ExactArgs(2),
		RunE: runReconcile,
	}
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args[0], args[1], nil)
	if err != nil {
		return err
	}

	logger := buildLogger(cfg, os.Stderr)

	if err := prepareRoots(cfg); err != nil {
		return err
	}

	m, err := newMirror(cfg, logger)
	if err != nil {
		return err
	}

	report, err := m.newReconciler(logger).Run(shutdownContext(cmd.Context(), logger, nil))
	if err != nil {
		return err
	}

	if !flagQuiet {
		fmt.Fprintf(cmd.ErrOrStderr(), "Copied %d files (%s) and %d directories in %s; skipped %d entries.\n",
			report.Files, humanize.IBytes(uint64(report.Bytes)), report.Dirs, report.Duration.Round(time.Millisecond), report.Skipped)
	}

	return nil
}

