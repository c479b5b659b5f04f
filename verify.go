package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/foldersync/internal/sync"
)

// errVerifyMismatch makes main exit 1 without printing an error: the report
// has already been written.
var errVerifyMismatch = errors.New("verify: destination does not match source")

func newVerifyCmd() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "verify <source_folder> <destination_folder>",
		Short: "Compare the destination against the source",
		Long: `Walk the source tree and compare every file and directory with its
destination counterpart byte for byte. Reports missing entries, type, size,
and content mismatches, and entries that exist only in the destination.

Exit code 0 if the destination matches; exit code 1 if any entry is missing
or differs. Destination-only entries are reported but do not fail.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, args, jsonOut)
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "output in JSON format")

	return cmd
}

func runVerify(cmd *cobra.Command, args []string, jsonOut bool) error {
	cfg, err := loadConfig(cmd, args[0], args[1], nil)
	if err != nil {
		return err
	}

	logger := buildLogger(cfg, os.Stderr)

	m, err := newMirror(cfg, logger)
	if err != nil {
		return err
	}

	report, err := sync.Verify(cmd.Context(), m.fsys, m.mapper, m.filter, logger)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	if jsonOut {
		if err := printJSON(out, report); err != nil {
			return err
		}
	} else if err := printVerifyTable(out, report); err != nil {
		return err
	}

	if len(report.Mismatches) > 0 {
		return errVerifyMismatch
	}

	return nil
}

func printVerifyTable(w io.Writer, report *sync.VerifyReport) error {
	fmt.Fprintf(w, "Verified: %d entries\n", report.Verified)

	if len(report.Extra) > 0 {
		fmt.Fprintf(w, "Only in destination: %d\n", len(report.Extra))
	}

	if len(report.Mismatches) == 0 {
		fmt.Fprintln(w, "Destination matches source.")
		return nil
	}

	fmt.Fprintf(w, "Mismatches: %d\n\n", len(report.Mismatches))

	t := newTable(w, "PATH", "STATUS", "EXPECTED", "ACTUAL")

	for i := range report.Mismatches {
		m := &report.Mismatches[i]
		t.row(m.Path, m.Status, m.Expected, m.Actual)
	}

	return t.flush()
}
