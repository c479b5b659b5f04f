package sync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned when a path handed to the mapper does not live
// under the root it is supposed to be relative to.
var ErrOutsideRoot = errors.New("sync: path is outside the mirrored root")

// PathMapper translates source paths to their destination counterparts.
// Both roots are canonicalized once at construction; mapping is a true
// relative-path computation rather than string prefix substitution, so
// trailing slashes and symlinked roots do not produce wrong results.
type PathMapper struct {
	source string
	dest   string
}

// NewPathMapper canonicalizes both roots. Roots that exist on disk are also
// resolved through symlinks, so watcher paths (which the OS reports in
// resolved form on some platforms) map correctly.
func NewPathMapper(sourceRoot, destRoot string) (*PathMapper, error) {
	source, err := canonicalRoot(sourceRoot)
	if err != nil {
		return nil, fmt.Errorf("sync: canonicalizing source root %s: %w", sourceRoot, err)
	}

	dest, err := canonicalRoot(destRoot)
	if err != nil {
		return nil, fmt.Errorf("sync: canonicalizing destination root %s: %w", destRoot, err)
	}

	return &PathMapper{source: source, dest: dest}, nil
}

// SourceRoot returns the canonical source root.
func (m *PathMapper) SourceRoot() string { return m.source }

// DestRoot returns the canonical destination root.
func (m *PathMapper) DestRoot() string { return m.dest }

// Map returns the destination path for an absolute source path.
func (m *PathMapper) Map(sourcePath string) (string, error) {
	rel, err := m.Rel(sourcePath)
	if err != nil {
		return "", err
	}

	return filepath.Join(m.dest, rel), nil
}

// Unmap is the inverse of Map: it returns the source path for an absolute
// destination path.
func (m *PathMapper) Unmap(destPath string) (string, error) {
	rel, err := relUnder(m.dest, destPath)
	if err != nil {
		return "", err
	}

	return filepath.Join(m.source, rel), nil
}

// Rel returns sourcePath relative to the source root. The root itself
// yields ".".
func (m *PathMapper) Rel(sourcePath string) (string, error) {
	return relUnder(m.source, sourcePath)
}

func relUnder(root, p string) (string, error) {
	if !filepath.IsAbs(p) {
		return "", fmt.Errorf("%w: %s is not absolute", ErrOutsideRoot, p)
	}

	rel, err := filepath.Rel(root, filepath.Clean(p))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrOutsideRoot, p, err)
	}

	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is not under %s", ErrOutsideRoot, p, root)
	}

	return rel, nil
}

// canonicalRoot makes root absolute and clean, then resolves symlinks when
// the root exists. A missing root is kept in its cleaned absolute form.
func canonicalRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return abs, nil
		}

		return "", err
	}

	return resolved, nil
}
