package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/tonimelisma/foldersync/internal/config"
	"github.com/tonimelisma/foldersync/internal/sync"
)

// errNotDirectory is returned when the source root is not a directory.
var errNotDirectory = errors.New("not a directory")

// mirrorDirPermissions is used when creating a missing destination root.
const mirrorDirPermissions = 0o755

// mirror bundles the pieces every command that touches both trees needs.
type mirror struct {
	fsys    afero.Fs
	mapper  *sync.PathMapper
	filter  sync.PathFilter
	limiter *sync.BandwidthLimiter
}

// prepareRoots checks the source root and creates the destination root if
// it is missing.
func prepareRoots(cfg *config.Resolved) error {
	info, err := os.Stat(cfg.SourceDir)
	if err != nil {
		return fmt.Errorf("source folder: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("source folder %s: %w", cfg.SourceDir, errNotDirectory)
	}

	if err := os.MkdirAll(cfg.DestinationDir, mirrorDirPermissions); err != nil {
		return fmt.Errorf("creating destination folder: %w", err)
	}

	return nil
}

// newMirror builds the path mapper, filter, and limiter for cfg. The roots
// must already exist so symlinks in them are resolved before the nesting
// check.
func newMirror(cfg *config.Resolved, logger *slog.Logger) (*mirror, error) {
	mapper, err := sync.NewPathMapper(cfg.SourceDir, cfg.DestinationDir)
	if err != nil {
		return nil, err
	}

	if isInside(mapper.SourceRoot(), mapper.DestRoot()) {
		return nil, fmt.Errorf("destination %s resolves to inside source %s", mapper.DestRoot(), mapper.SourceRoot())
	}

	limiter, err := sync.NewBandwidthLimiter(cfg.BandwidthLimit, logger)
	if err != nil {
		return nil, err
	}

	m := &mirror{
		fsys:    afero.NewOsFs(),
		mapper:  mapper,
		limiter: limiter,
	}

	// A nil *Filter must not become a non-nil PathFilter.
	if filterEnabled(cfg.Filter) {
		m.filter = sync.NewFilter(cfg.Filter, mapper.SourceRoot(), m.fsys, logger)
	}

	return m, nil
}

func (m *mirror) newReconciler(logger *slog.Logger) *sync.Reconciler {
	return sync.NewReconciler(m.fsys, m.mapper, m.filter, m.limiter, logger)
}

// filterEnabled reports whether any filter key differs from its default.
// With all defaults every entry is mirrored and no filter is installed.
func filterEnabled(f config.FilterConfig) bool {
	return len(f.SkipFiles) > 0 || len(f.SkipDirs) > 0 || f.SkipDotfiles || f.IgnoreMarker != ""
}

// isInside reports whether path is root or below it.
func isInside(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}

	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
