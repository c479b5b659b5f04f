package sync

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrInsufficientSpace is returned when the destination volume has less
// free space than min_free_space.
var ErrInsufficientSpace = errors.New("sync: insufficient free space at destination")

// SpaceGuard checks free space on the destination volume against a floor.
// A nil *SpaceGuard never fails.
type SpaceGuard struct {
	path     string
	minFree  int64
	statfsFn func(path string) (uint64, error) // injectable for tests
	logger   *slog.Logger
}

// NewSpaceGuard returns a guard for the volume holding path. It returns nil
// when minFree is zero.
func NewSpaceGuard(path string, minFree int64, logger *slog.Logger) *SpaceGuard {
	if minFree <= 0 {
		return nil
	}

	return &SpaceGuard{
		path:     path,
		minFree:  minFree,
		statfsFn: diskSpace,
		logger:   logger,
	}
}

// Check returns ErrInsufficientSpace (wrapped with the numbers) when free
// space is below the floor, or the statfs error if space cannot be read.
func (g *SpaceGuard) Check() error {
	if g == nil {
		return nil
	}

	avail, err := g.statfsFn(g.path)
	if err != nil {
		return fmt.Errorf("sync: reading free space at %s: %w", g.path, err)
	}

	g.logger.Debug("free space checked",
		slog.String("path", g.path),
		slog.Uint64("available", avail),
		slog.Int64("min_free_space", g.minFree),
	)

	if avail < uint64(g.minFree) {
		return fmt.Errorf("%w: %d bytes available, %d required", ErrInsufficientSpace, avail, g.minFree)
	}

	return nil
}
