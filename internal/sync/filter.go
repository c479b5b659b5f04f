package sync

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	ignore "github.com/sabhiram/go-gitignore"
	"github.com/spf13/afero"

	"github.com/tonimelisma/foldersync/internal/config"
)

// tempSuffixes mark files that are still being written by another program.
// Every Filter excludes them. With all filter settings at their defaults
// no Filter is installed, and they are mirrored like any other file.
var tempSuffixes = []string{".partial", ".tmp", ".swp", ".crdownload"}

// tempPrefix marks editor lock files such as ~$report.docx.
const tempPrefix = "~"

// PathFilter decides whether an absolute source path takes part in
// mirroring. A nil PathFilter includes everything.
type PathFilter interface {
	Excluded(path string, isDir bool) bool
}

// FilterResult is the verdict for one path.
type FilterResult struct {
	Included bool
	Reason   string
}

// Filter applies the configured exclusion rules: temp-file patterns,
// skip_files, skip_dirs, skip_dotfiles, and per-directory ignore marker
// files in gitignore syntax. A path is excluded when it or any of its
// ancestor directories is excluded.
type Filter struct {
	cfg    config.FilterConfig
	root   string
	fs     afero.Fs
	logger *slog.Logger

	// markers caches parsed ignore marker files per source-relative
	// directory. A nil entry means the directory has no marker.
	markers map[string]*ignore.GitIgnore
	mu      sync.RWMutex
}

// NewFilter creates a filter for the tree rooted at root. Marker files are
// read through fsys.
func NewFilter(cfg config.FilterConfig, root string, fsys afero.Fs, logger *slog.Logger) *Filter {
	logger.Info("filter initialized",
		slog.String("root", root),
		slog.Bool("skip_dotfiles", cfg.SkipDotfiles),
		slog.Any("skip_files", cfg.SkipFiles),
		slog.Any("skip_dirs", cfg.SkipDirs),
		slog.String("ignore_marker", cfg.IgnoreMarker),
	)

	return &Filter{
		cfg:     cfg,
		root:    root,
		fs:      fsys,
		logger:  logger,
		markers: make(map[string]*ignore.GitIgnore),
	}
}

// Excluded reports whether the absolute source path should be left out.
// Paths outside the root are never excluded here; the mapper rejects them.
// Seeing the marker file itself drops the cached copy for its directory,
// so edits to a marker take effect for the next event.
func (f *Filter) Excluded(path string, isDir bool) bool {
	rel, err := filepath.Rel(f.root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}

	if f.cfg.IgnoreMarker != "" && filepath.Base(rel) == f.cfg.IgnoreMarker {
		f.forget(filepath.Dir(rel))
	}

	return !f.ShouldSync(rel, isDir).Included
}

// ShouldSync evaluates a source-relative path. Every ancestor directory is
// checked first, then the path itself.
func (f *Filter) ShouldSync(rel string, isDir bool) FilterResult {
	parts := strings.Split(filepath.ToSlash(filepath.Clean(rel)), "/")

	for i := range parts {
		last := i == len(parts)-1
		dir := !last || isDir
		sub := strings.Join(parts[:i+1], "/")

		if result := f.checkPatterns(parts[i], sub, dir); !result.Included {
			return result
		}

		if result := f.checkMarkers(parts[:i+1], dir); !result.Included {
			return result
		}
	}

	return FilterResult{Included: true}
}

// checkPatterns applies the name-based rules to one path component.
func (f *Filter) checkPatterns(name, sub string, isDir bool) FilterResult {
	if !isDir {
		lower := strings.ToLower(name)
		for _, suffix := range tempSuffixes {
			if strings.HasSuffix(lower, suffix) {
				f.logger.Debug("path excluded as temp file", slog.String("path", sub), slog.String("suffix", suffix))
				return FilterResult{Reason: "temp file: matches *" + suffix}
			}
		}

		if strings.HasPrefix(name, tempPrefix) {
			f.logger.Debug("path excluded as temp file", slog.String("path", sub), slog.String("prefix", tempPrefix))
			return FilterResult{Reason: "temp file: matches ~*"}
		}
	}

	if f.cfg.SkipDotfiles && strings.HasPrefix(name, ".") {
		f.logger.Debug("path excluded by skip_dotfiles", slog.String("path", sub))
		return FilterResult{Reason: "dotfile excluded"}
	}

	patterns, key := f.cfg.SkipFiles, "skip_files"
	if isDir {
		patterns, key = f.cfg.SkipDirs, "skip_dirs"
	}

	if matchesSkipPattern(name, patterns) {
		f.logger.Debug("path excluded by "+key, slog.String("path", sub), slog.String("name", name))
		return FilterResult{Reason: "matches " + key + " pattern"}
	}

	return FilterResult{Included: true}
}

// checkMarkers tests the path formed by parts against the marker file of
// every directory above it. Patterns match relative to the directory that
// holds the marker, as in git.
func (f *Filter) checkMarkers(parts []string, isDir bool) FilterResult {
	if f.cfg.IgnoreMarker == "" {
		return FilterResult{Included: true}
	}

	for depth := range len(parts) {
		dir := "."
		if depth > 0 {
			dir = strings.Join(parts[:depth], "/")
		}

		gi := f.loadMarker(dir)
		if gi == nil {
			continue
		}

		match := strings.Join(parts[depth:], "/")
		if isDir {
			match += "/"
		}

		if gi.MatchesPath(match) {
			f.logger.Debug("path excluded by ignore marker",
				slog.String("path", strings.Join(parts, "/")),
				slog.String("marker_dir", dir),
			)

			return FilterResult{Reason: "excluded by " + f.cfg.IgnoreMarker}
		}
	}

	return FilterResult{Included: true}
}

// loadMarker returns the parsed marker for a source-relative directory,
// reading and caching it on first use.
func (f *Filter) loadMarker(dir string) *ignore.GitIgnore {
	f.mu.RLock()
	gi, cached := f.markers[dir]
	f.mu.RUnlock()

	if cached {
		return gi
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if gi, cached = f.markers[dir]; cached {
		return gi
	}

	markerPath := filepath.Join(f.root, filepath.FromSlash(dir), f.cfg.IgnoreMarker)

	data, err := afero.ReadFile(f.fs, markerPath)
	if err != nil {
		f.markers[dir] = nil
		return nil
	}

	lines := strings.Split(string(bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))), "\n")
	gi = ignore.CompileIgnoreLines(lines...)

	f.logger.Debug("loaded ignore marker", slog.String("path", markerPath), slog.Int("lines", len(lines)))
	f.markers[dir] = gi

	return gi
}

// forget drops the cached marker for a source-relative directory.
func (f *Filter) forget(dir string) {
	dir = filepath.ToSlash(dir)

	f.mu.Lock()
	delete(f.markers, dir)
	f.mu.Unlock()
}

// matchesSkipPattern reports whether name matches any glob in patterns,
// case-insensitively. Patterns are validated at config load, so a match
// error here is only logged.
func matchesSkipPattern(name string, patterns []string) bool {
	lowerName := strings.ToLower(name)

	for _, pattern := range patterns {
		matched, err := filepath.Match(strings.ToLower(pattern), lowerName)
		if err != nil {
			slog.Warn("malformed skip pattern", slog.String("pattern", pattern), slog.String("error", err.Error()))
			continue
		}

		if matched {
			return true
		}
	}

	return false
}
