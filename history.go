package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/foldersync/internal/config"
	"github.com/tonimelisma/foldersync/internal/journal"
)

const defaultHistoryLimit = 20

type historyOptions struct {
	journalPath string
	limit       int
	sessions    bool
	jsonOut     bool
}

func newHistoryCmd() *cobra.Command {
	var opts historyOptions

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show what the daemon recorded in its journal",
		Long: `List the most recent journal entries, newest first: applied changes with
their outcome, and reconcile passes with what they copied. With --sessions,
list daemon runs instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHistory(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.journalPath, "journal", "", "journal database (default: journal_path from the config file)")
	cmd.Flags().IntVar(&opts.limit, "limit", defaultHistoryLimit, "number of entries to show")
	cmd.Flags().BoolVar(&opts.sessions, "sessions", false, "list daemon runs instead of entries")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "output in JSON format")

	return cmd
}

func runHistory(cmd *cobra.Command, opts historyOptions) error {
	path, err := historyJournalPath(opts.journalPath)
	if err != nil {
		return err
	}

	if opts.limit <= 0 {
		return fmt.Errorf("--limit must be positive, got %d", opts.limit)
	}

	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("journal %s: %w", path, err)
	}

	logger := buildLogger(nil, os.Stderr)

	j, err := journal.Open(cmd.Context(), path, logger)
	if err != nil {
		return err
	}
	defer j.Close()

	out := cmd.OutOrStdout()

	if opts.sessions {
		sessions, err := j.Sessions(cmd.Context(), opts.limit)
		if err != nil {
			return err
		}

		if opts.jsonOut {
			return printJSON(out, sessions)
		}

		return printSessionsTable(out, sessions)
	}

	entries, err := j.Recent(cmd.Context(), opts.limit)
	if err != nil {
		return err
	}

	if opts.jsonOut {
		return printJSON(out, entries)
	}

	return printHistoryTable(out, entries)
}

// historyJournalPath prefers the flag, then journal_path from the config
// file. history needs no roots, so the full resolve chain is skipped.
func historyJournalPath(flagPath string) (string, error) {
	if flagPath != "" {
		return flagPath, nil
	}

	cfgPath := config.DefaultConfigPath()
	if env := config.ReadEnvOverrides(); env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if flagConfigPath != "" {
		cfgPath = flagConfigPath
	}

	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		return "", err
	}

	if cfg.Sync.JournalPath == "" {
		return "", errors.New("no journal configured: pass --journal or set journal_path in the config file")
	}

	return cfg.Sync.JournalPath, nil
}

func printHistoryTable(w io.Writer, entries []journal.Entry) error {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No journal entries.")
		return nil
	}

	t := newTable(w, "WHEN", "KIND", "OUTCOME", "DETAIL")

	for i := range entries {
		e := &entries[i]
		t.row(since(e.At), e.Kind, e.Outcome, entryDetail(e))
	}

	return t.flush()
}

// entryDetail is the free-form column: the path for changes, the totals for
// reconcile passes, and the error when there was one.
func entryDetail(e *journal.Entry) string {
	var detail string

	switch {
	case e.Source == "reconcile":
		detail = fmt.Sprintf("%d files, %d dirs, %s in %dms", e.Files, e.Dirs, byteCount(e.Bytes), e.DurationMS)
	case e.To != "":
		detail = e.Path + " -> " + e.To
	default:
		detail = e.Path
	}

	if e.Error != "" {
		detail += " (" + e.Error + ")"
	}

	return detail
}

func printSessionsTable(w io.Writer, sessions []journal.Session) error {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions recorded.")
		return nil
	}

	t := newTable(w, "STARTED", "ENDED", "SOURCE", "DESTINATION", "EXIT")

	for i := range sessions {
		s := &sessions[i]

		// A session without an end is running, or died without a clean stop.
		ended := "-"
		if s.EndedAt != nil {
			ended = since(*s.EndedAt)
		}

		exit := "ok"
		if s.ExitError != "" {
			exit = strconv.Quote(s.ExitError)
		}

		t.row(since(s.StartedAt), ended, s.Source, s.Destination, exit)
	}

	return t.flush()
}
