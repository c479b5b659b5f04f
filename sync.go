package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/foldersync/internal/config"
	"github.com/tonimelisma/foldersync/internal/journal"
	"github.com/tonimelisma/foldersync/internal/sync"
	"github.com/tonimelisma/foldersync/internal/watch"
)

// runDaemon is the root command: mirror args[0] into args[1], logging to
// stderr and args[2], until a signal or a fatal error.
func runDaemon(cmd *cobra.Command, args []string) error {
	logPath := args[2]

	cfg, err := loadConfig(cmd, args[0], args[1], &logPath)
	if err != nil {
		return err
	}

	logFile, err := openLogFile(cfg.LogFile)
	if err != nil {
		return err
	}
	defer logFile.Close()

	logger := buildLogger(cfg, io.MultiWriter(os.Stderr, logFile))
	hooks := &forceHooks{}
	ctx := shutdownContext(cmd.Context(), logger, hooks)

	if err := runMirror(ctx, cfg, logger, hooks); err != nil {
		logger.Warn("mirror stopped on error", slog.String("error", err.Error()))
		return err
	}

	logger.Warn("mirror stopped")

	return nil
}

// runMirror runs the watcher and the engine until ctx is canceled or one of
// them fails. Cancellation is a clean exit. Cleanup that must survive a
// forced exit is also registered with hooks, which may be nil.
func runMirror(ctx context.Context, cfg *config.Resolved, logger *slog.Logger, hooks *forceHooks) (err error) {
	if err := prepareRoots(cfg); err != nil {
		return err
	}

	space := sync.NewSpaceGuard(cfg.DestinationDir, cfg.MinFreeSpace, logger)
	if err := space.Check(); err != nil {
		return fmt.Errorf("destination free space: %w", err)
	}

	if cfg.PIDFile != "" {
		cleanup, pidErr := writePIDFile(cfg.PIDFile)
		if pidErr != nil {
			return pidErr
		}
		defer cleanup()
		defer hooks.add(cleanup)()
	}

	m, err := newMirror(cfg, logger)
	if err != nil {
		return err
	}

	var recorder sync.Recorder

	if cfg.JournalPath != "" {
		j, closeJournal, jErr := openJournal(ctx, cfg.JournalPath, m.mapper, logger)
		if jErr != nil {
			return jErr
		}

		defer func() { closeJournal(err) }()
		defer hooks.add(func() { closeJournal(errForcedExit) })()

		recorder = j
	}

	queue := sync.NewChangeQueue(logger)
	translator := sync.NewEventTranslator(queue, m.filter, logger)

	observer := watch.NewObserver(logger)
	observer.Schedule(translator, m.mapper.SourceRoot(), true)

	if err := observer.Start(ctx); err != nil {
		return err
	}

	engine := sync.NewEngine(queue,
		sync.NewApplier(m.fsys, m.mapper, m.limiter, logger),
		m.newReconciler(logger),
		sync.EngineConfig{
			Interval:  cfg.Interval,
			IdlePause: cfg.IdlePause,
			Recorder:  recorder,
			Space:     space,
		},
		logger,
	)

	logger.Info("mirroring",
		slog.String("source", m.mapper.SourceRoot()),
		slog.String("destination", m.mapper.DestRoot()),
		slog.Duration("interval", cfg.Interval),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return engine.Run(gctx) })
	g.Go(observer.Join)

	// Whichever side fails first cancels gctx, which stops the other. The
	// engine treats that cancellation as a clean exit, so Wait reports the
	// original failure.
	go func() {
		<-gctx.Done()
		observer.Stop()
	}()

	return g.Wait()
}

// openJournal opens the journal and starts a session. The returned func
// ends the session with the daemon's exit error and closes the database.
func openJournal(ctx context.Context, path string, mapper *sync.PathMapper, logger *slog.Logger) (*journal.Journal, func(error), error) {
	j, err := journal.Open(ctx, path, logger)
	if err != nil {
		return nil, nil, err
	}

	if _, err := j.StartSession(ctx, mapper.SourceRoot(), mapper.DestRoot()); err != nil {
		j.Close()
		return nil, nil, err
	}

	closeFn := func(exitErr error) {
		// ctx is usually canceled by now; the session row must still be closed.
		if err := j.EndSession(context.WithoutCancel(ctx), exitErr); err != nil {
			logger.Warn("journal write failed", slog.String("error", err.Error()))
		}

		if err := j.Close(); err != nil {
			logger.Warn("closing journal", slog.String("error", err.Error()))
		}
	}

	return j, closeFn, nil
}
