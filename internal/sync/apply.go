package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/spf13/afero"
)

// Outcome records what applying a change did at the destination.
type Outcome string

// Outcome values, as stored in the journal.
const (
	OutcomeApplied Outcome = "applied"
	OutcomeSkipped Outcome = "skipped" // an expected error was swallowed or nothing needed doing
	OutcomeFailed  Outcome = "failed"
)

// applyFunc performs one change kind against the destination.
type applyFunc func(ctx context.Context, c Change) (Outcome, error)

// Applier performs queued changes against the destination. Every change
// kind has one handler in the dispatch table; each handler swallows only
// the errors its operation is expected to produce and returns anything
// else as fatal.
type Applier struct {
	fs       afero.Fs
	mapper   *PathMapper
	limiter  *BandwidthLimiter
	logger   *slog.Logger
	dispatch map[ChangeKind]applyFunc
}

// NewApplier creates an applier writing through fsys. limiter may be nil.
func NewApplier(fsys afero.Fs, mapper *PathMapper, limiter *BandwidthLimiter, logger *slog.Logger) *Applier {
	a := &Applier{
		fs:      fsys,
		mapper:  mapper,
		limiter: limiter,
		logger:  logger,
	}

	a.dispatch = map[ChangeKind]applyFunc{
		ChangeMove:   a.applyMove,
		ChangeCreate: a.applyCreate,
		ChangeDelete: a.applyDelete,
		ChangeModify: a.applyModify,
	}

	return a
}

// Apply performs c. A non-nil error is fatal for the engine: the change is
// not retried and not requeued.
func (a *Applier) Apply(ctx context.Context, c Change) (Outcome, error) {
	fn, ok := a.dispatch[c.Kind]
	if !ok {
		return OutcomeFailed, fmt.Errorf("sync: no handler for %s", c.Kind)
	}

	outcome, err := fn(ctx, c)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("sync: applying %s: %w", c, err)
	}

	return outcome, nil
}

// applyMove renames the mirrored entry. Nothing is swallowed: a missing
// source of the rename means the destination has drifted and a reconcile
// pass cannot repair it without deleting.
func (a *Applier) applyMove(_ context.Context, c Change) (Outcome, error) {
	from, err := a.mapper.Map(c.Path)
	if err != nil {
		return OutcomeFailed, err
	}

	to, err := a.mapper.Map(c.To)
	if err != nil {
		return OutcomeFailed, err
	}

	if err := a.fs.Rename(from, to); err != nil {
		return OutcomeFailed, err
	}

	a.logger.Debug("renamed", slog.String("from", from), slog.String("to", to))

	return OutcomeApplied, nil
}

// applyCreate copies a new file or creates a new directory. A directory
// that already exists is fine: a reconcile pass may have got there first.
func (a *Applier) applyCreate(ctx context.Context, c Change) (Outcome, error) {
	dst, err := a.mapper.Map(c.Path)
	if err != nil {
		return OutcomeFailed, err
	}

	if c.IsDir {
		if err := a.fs.Mkdir(dst, mirrorDirPerm); err != nil {
			if errors.Is(err, fs.ErrExist) {
				a.logger.Debug("directory already exists", slog.String("path", dst))
				return OutcomeSkipped, nil
			}

			return OutcomeFailed, err
		}

		return OutcomeApplied, nil
	}

	n, err := copyFile(ctx, a.fs, a.limiter, c.Path, dst)
	if err != nil {
		return OutcomeFailed, err
	}

	a.logger.Debug("copied", slog.String("path", dst), slog.Int64("bytes", n))

	return OutcomeApplied, nil
}

// applyDelete removes the mirrored entry, as a file or as an empty
// directory. An entry that is already gone counts as done. A directory
// that still has children is fatal: its contents would have produced their
// own delete events first.
func (a *Applier) applyDelete(_ context.Context, c Change) (Outcome, error) {
	dst, err := a.mapper.Map(c.Path)
	if err != nil {
		return OutcomeFailed, err
	}

	info, err := a.fs.Stat(dst)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			a.logger.Debug("already deleted", slog.String("path", dst))
			return OutcomeSkipped, nil
		}

		return OutcomeFailed, err
	}

	// Remove unlinks files and rmdirs directories, which covers both the
	// file case and the is-a-directory retry.
	if err := a.fs.Remove(dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return OutcomeSkipped, nil
		}

		return OutcomeFailed, err
	}

	a.logger.Debug("deleted", slog.String("path", dst), slog.Bool("dir", info.IsDir()))

	return OutcomeApplied, nil
}

// applyModify rewrites the mirrored file with the current source bytes.
// Permission denied is logged and skipped; the mirrored file stays stale
// until a later write succeeds. Directory modifications are
// mtime noise and need nothing.
func (a *Applier) applyModify(ctx context.Context, c Change) (Outcome, error) {
	if c.IsDir {
		return OutcomeSkipped, nil
	}

	dst, err := a.mapper.Map(c.Path)
	if err != nil {
		return OutcomeFailed, err
	}

	n, err := copyFile(ctx, a.fs, a.limiter, c.Path, dst)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			a.logger.Warn("modify skipped: permission denied",
				slog.String("path", dst),
				slog.String("error", err.Error()),
			)

			return OutcomeSkipped, nil
		}

		return OutcomeFailed, err
	}

	a.logger.Debug("rewritten", slog.String("path", dst), slog.Int64("bytes", n))

	return OutcomeApplied, nil
}
