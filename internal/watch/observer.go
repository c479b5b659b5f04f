// Package watch turns fsnotify's per-directory notifications into the
// four events a mirror cares about: moved, created, deleted, modified.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
)

// Handler receives events in the order they occurred. Paths are absolute.
// Implementations run on the observer's goroutine and must not block.
type Handler interface {
	OnMoved(src, dst string, isDir bool)
	OnCreated(path string, isDir bool)
	OnDeleted(path string, isDir bool)
	OnModified(path string, isDir bool)
}

// Error backoff for the watch loop. A failing watcher (for example a
// kernel queue overflow storm) must not spin.
const (
	watchErrInitBackoff = time.Second
	watchErrBackoffMult = 2
	watchErrMaxBackoff  = 30 * time.Second
)

// DefaultPairWindow is how long a Rename waits for the Create that
// completes it into a move. fsnotify reports the two halves as separate
// events, back to back when the move stays inside the watched tree.
const DefaultPairWindow = 50 * time.Millisecond

// ErrNotScheduled is returned by Start when Schedule was never called.
var ErrNotScheduled = errors.New("watch: no handler scheduled")

// Observer watches one directory tree and feeds a Handler.
type Observer struct {
	logger     *slog.Logger
	clock      clockwork.Clock
	pairWindow time.Duration

	// Injectable for tests.
	watcherFactory func() (FsWatcher, error)
	sleepFunc      func(ctx context.Context, d time.Duration) error

	handler   Handler
	root      string
	recursive bool

	// entries holds every path known to be under root. Removed paths
	// cannot be stat'ed, so this is how Remove and Rename learn isDir, and
	// how a Create is matched to the Rename it completes.
	// Owned by Start and then by the loop goroutine.
	entries map[string]entry

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewObserver creates an observer backed by fsnotify and the real clock.
func NewObserver(logger *slog.Logger) *Observer {
	return &Observer{
		logger:         logger,
		clock:          clockwork.NewRealClock(),
		pairWindow:     DefaultPairWindow,
		watcherFactory: newFsnotifyWatcher,
		sleepFunc:      sleepCtx,
		entries:        make(map[string]entry),
	}
}

// Schedule registers the handler for root. With recursive set, every
// directory below root is watched too, including ones created later.
func (o *Observer) Schedule(h Handler, root string, recursive bool) {
	o.handler = h
	o.root = filepath.Clean(root)
	o.recursive = recursive
}

// Start creates the watcher, registers the tree, and starts delivering
// events on a background goroutine. Failing to watch the root is returned
// here; later failures are returned by Join.
func (o *Observer) Start(ctx context.Context) error {
	if o.handler == nil {
		return ErrNotScheduled
	}

	watcher, err := o.watcherFactory()
	if err != nil {
		return fmt.Errorf("watch: creating watcher: %w", err)
	}

	if err := o.addTree(watcher, o.root, false); err != nil {
		watcher.Close()
		return err
	}

	o.logger.Info("watching source tree",
		slog.String("root", o.root),
		slog.Bool("recursive", o.recursive),
		slog.Int("entries", len(o.entries)),
	)

	ctx, o.cancel = context.WithCancel(ctx)
	o.done = make(chan struct{})

	go func() {
		defer close(o.done)
		defer watcher.Close()

		o.err = o.loop(ctx, watcher)
	}()

	return nil
}

// Stop asks the loop to exit. It does not wait; call Join for that.
func (o *Observer) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
}

// Join waits for the loop to exit and returns its error, nil after a Stop.
func (o *Observer) Join() error {
	if o.done == nil {
		return nil
	}

	<-o.done

	return o.err
}

// entry is what the observer remembers about a path under root.
type entry struct {
	isDir bool
	id    fileID
	hasID bool
}

// pendingRename is the first half of a possible move.
type pendingRename struct {
	path  string
	entry entry
	known bool
	timer clockwork.Timer
}

// loop is the event pump. A Rename is held back until the next event or
// until the pair window closes. A following Create of the same inode
// completes a move; anything else means the entry left the tree.
func (o *Observer) loop(ctx context.Context, watcher FsWatcher) error {
	errBackoff := watchErrInitBackoff

	var pending *pendingRename

	flush := func() {
		if pending == nil {
			return
		}

		pending.timer.Stop()
		o.emitDeleted(watcher, pending.path, pending.entry.isDir)
		pending = nil
	}

	for {
		var pairTimeout <-chan time.Time
		if pending != nil {
			pairTimeout = pending.timer.Chan()
		}

		select {
		case <-ctx.Done():
			flush()
			return nil

		case <-pairTimeout:
			o.logger.Debug("rename not paired, treating as delete", slog.String("path", pending.path))
			pending.timer.Stop()
			o.emitDeleted(watcher, pending.path, pending.entry.isDir)
			pending = nil

		case ev, ok := <-watcher.Events():
			if !ok {
				flush()
				return errors.New("watch: event stream closed")
			}

			if pending != nil {
				if ev.Has(fsnotify.Create) {
					if info, ok := completesMove(pending, ev.Name); ok {
						pending.timer.Stop()
						o.emitMoved(watcher, pending.path, ev.Name, info)
						pending = nil

						continue
					}
				}

				flush()
			}

			if ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Create) {
				known, ok := o.entries[ev.Name]
				pending = &pendingRename{
					path:  ev.Name,
					entry: known,
					known: ok,
					timer: o.clock.NewTimer(o.pairWindow),
				}

				continue
			}

			o.handleEvent(watcher, ev)

			errBackoff = watchErrInitBackoff

		case watchErr, ok := <-watcher.Errors():
			if !ok {
				flush()
				return errors.New("watch: error stream closed")
			}

			if errors.Is(watchErr, fsnotify.ErrEventOverflow) {
				o.logger.Warn("watcher queue overflowed, events were lost until the next reconcile pass",
					slog.String("error", watchErr.Error()),
				)

				continue
			}

			o.logger.Warn("filesystem watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			if sleepErr := o.sleepFunc(ctx, errBackoff); sleepErr != nil {
				flush()
				return nil
			}

			errBackoff = min(errBackoff*watchErrBackoffMult, watchErrMaxBackoff)
		}
	}
}

// completesMove reports whether a Create of path is the other half of the
// pending rename: the same inode, and so the same type, under a new name.
// An unknown or unidentifiable source never pairs, so the worst case is a
// delete plus a create.
func completesMove(p *pendingRename, path string) (fs.FileInfo, bool) {
	if !p.known || !p.entry.hasID {
		return nil, false
	}

	info, err := os.Lstat(path)
	if err != nil {
		return nil, false
	}

	id, ok := identify(info)
	if !ok || id != p.entry.id || info.IsDir() != p.entry.isDir {
		return nil, false
	}

	return info, true
}

// handleEvent dispatches everything except Rename, which loop holds back.
func (o *Observer) handleEvent(watcher FsWatcher, ev fsnotify.Event) {
	switch {
	case ev.Has(fsnotify.Create):
		o.handleCreate(watcher, ev.Name)

	case ev.Has(fsnotify.Write):
		o.handleWrite(ev.Name)

	case ev.Has(fsnotify.Remove):
		o.emitDeleted(watcher, ev.Name, o.isKnownDir(ev.Name))

	default:
		// Chmod only: mode changes are not mirrored.
	}
}

// handleCreate reports a new entry. A path that is already gone is dropped
// silently; its Remove follows and there is nothing to copy. New
// directories are watched and scanned, since entries can land in them
// before the watch is registered.
func (o *Observer) handleCreate(watcher FsWatcher, path string) {
	info, err := os.Lstat(path)
	if err != nil {
		o.logger.Debug("created path vanished before stat",
			slog.String("path", path), slog.String("error", err.Error()))

		return
	}

	o.remember(path, info)

	if !info.IsDir() {
		o.handler.OnCreated(path, false)
		return
	}

	o.handler.OnCreated(path, true)

	if !o.recursive {
		return
	}

	if err := o.addTree(watcher, path, true); err != nil {
		o.logger.Warn("failed to watch new directory",
			slog.String("path", path), slog.String("error", err.Error()))
	}
}

func (o *Observer) handleWrite(path string) {
	info, err := os.Stat(path)
	if err != nil {
		o.logger.Debug("modified path vanished before stat",
			slog.String("path", path), slog.String("error", err.Error()))

		return
	}

	o.handler.OnModified(path, info.IsDir())
}

func (o *Observer) emitDeleted(watcher FsWatcher, path string, isDir bool) {
	o.forget(watcher, path)
	o.handler.OnDeleted(path, isDir)
}

// emitMoved reports a move. A moved directory keeps its inotify watches,
// but fsnotify would keep naming events by the old path, so the subtree is
// unwatched and watched again under its new name.
func (o *Observer) emitMoved(watcher FsWatcher, from, to string, info fs.FileInfo) {
	isDir := info.IsDir()

	o.forget(watcher, from)

	if isDir && o.recursive {
		if err := o.addTree(watcher, to, false); err != nil {
			o.logger.Warn("failed to watch moved directory",
				slog.String("path", to), slog.String("error", err.Error()))
		}
	} else {
		o.remember(to, info)
	}

	o.handler.OnMoved(from, to, isDir)
}

// addTree watches dir and, when recursive, every directory below it, and
// remembers every entry it walks past. Without recursive only dir's own
// children are remembered. With announce set, entries found during the
// walk are reported as created; that covers files written into a new
// directory before its watch existed.
func (o *Observer) addTree(watcher FsWatcher, dir string, announce bool) error {
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch: adding %s: %w", dir, err)
	}

	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			// Entries can vanish mid-walk; the watcher reports that itself.
			o.logger.Debug("walk error while adding watches",
				slog.String("path", path), slog.String("error", walkErr.Error()))

			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		o.remember(path, info)

		if path == dir || d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		if !d.IsDir() {
			if announce {
				o.handler.OnCreated(path, false)
			}

			return nil
		}

		if !o.recursive {
			return filepath.SkipDir
		}

		if err := watcher.Add(path); err != nil {
			o.logger.Warn("failed to watch directory",
				slog.String("path", path), slog.String("error", err.Error()))

			return filepath.SkipDir
		}

		if announce {
			o.handler.OnCreated(path, true)
		}

		return nil
	})
}

func (o *Observer) remember(path string, info fs.FileInfo) {
	id, ok := identify(info)
	o.entries[path] = entry{isDir: info.IsDir(), id: id, hasID: ok}
}

// forget drops path and everything below it from the known set, and
// directory watches from the watcher. Remove errors are expected: the
// kernel already dropped watches on deleted directories.
func (o *Observer) forget(watcher FsWatcher, path string) {
	prefix := path + string(filepath.Separator)

	for known, e := range o.entries {
		if known != path && !strings.HasPrefix(known, prefix) {
			continue
		}

		delete(o.entries, known)

		if e.isDir {
			_ = watcher.Remove(known)
		}
	}
}

func (o *Observer) isKnownDir(path string) bool {
	return o.entries[path].isDir
}

// sleepCtx sleeps for d or until ctx is canceled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
