package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

// ReconcileReport summarizes one full-tree pass.
type ReconcileReport struct {
	Files    int
	Dirs     int
	Bytes    int64
	Skipped  int // filtered entries and symlinks
	Duration time.Duration
}

// Reconciler copies the whole source tree into the destination. It is the
// safety net for events the watcher missed: every file is rewritten in
// full and every missing directory is created, so after a quiet pass the
// destination holds every source entry with the same bytes. Nothing at the
// destination is ever deleted by a pass.
type Reconciler struct {
	fs      afero.Fs
	mapper  *PathMapper
	filter  PathFilter
	limiter *BandwidthLimiter
	logger  *slog.Logger
}

// NewReconciler creates a reconciler. filter and limiter may be nil.
func NewReconciler(fsys afero.Fs, mapper *PathMapper, filter PathFilter, limiter *BandwidthLimiter, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		fs:      fsys,
		mapper:  mapper,
		filter:  filter,
		limiter: limiter,
		logger:  logger,
	}
}

// Run walks the source tree parents-first. Directories are created when
// missing ("already exists" is expected and ignored) and then descended, so
// nested files are refreshed even under directories that already existed.
// Cancellation is honored between entries only; a file copy in progress is
// finished first.
func (r *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	start := time.Now()
	root := r.mapper.SourceRoot()

	var report ReconcileReport

	r.logger.Debug("reconcile pass started",
		slog.String("source", root),
		slog.String("destination", r.mapper.DestRoot()),
	)

	err := afero.Walk(r.fs, root, func(path string, info fs.FileInfo, walkErr error) error {
		if walkErr != nil {
			return fmt.Errorf("sync: reading %s: %w", path, walkErr)
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if path == root {
			return nil
		}

		return r.visit(ctx, path, info, &report)
	})

	report.Duration = time.Since(start)

	if err != nil {
		return report, err
	}

	r.logger.Debug("reconcile pass walked",
		slog.Int("files", report.Files),
		slog.Int("dirs", report.Dirs),
		slog.Int64("bytes", report.Bytes),
		slog.Int("skipped", report.Skipped),
		slog.Duration("duration", report.Duration),
	)

	return report, nil
}

// visit mirrors one entry. Returning filepath.SkipDir prunes an excluded
// directory.
func (r *Reconciler) visit(ctx context.Context, path string, info fs.FileInfo, report *ReconcileReport) error {
	isDir := info.IsDir()

	if info.Mode()&fs.ModeSymlink != 0 {
		r.logger.Debug("reconcile skipped symlink", slog.String("path", path))
		report.Skipped++

		return nil
	}

	if r.filter != nil && r.filter.Excluded(path, isDir) {
		report.Skipped++

		if isDir {
			return filepath.SkipDir
		}

		return nil
	}

	dst, err := r.mapper.Map(path)
	if err != nil {
		return err
	}

	if isDir {
		if err := r.fs.Mkdir(dst, mirrorDirPerm); err != nil && !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("sync: creating directory %s: %w", dst, err)
		}

		report.Dirs++

		return nil
	}

	if !info.Mode().IsRegular() {
		r.logger.Debug("reconcile skipped special file", slog.String("path", path), slog.String("mode", info.Mode().String()))
		report.Skipped++

		return nil
	}

	n, err := copyFile(ctx, r.fs, r.limiter, path, dst)
	if err != nil {
		return fmt.Errorf("sync: copying %s to %s: %w", path, dst, err)
	}

	report.Files++
	report.Bytes += n

	r.logger.Debug("reconciled file", slog.String("path", path), slog.Int64("bytes", n))

	return nil
}
