package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// mockFsWatcher implements FsWatcher with injectable channels for testing.
type mockFsWatcher struct {
	events chan fsnotify.Event
	errs   chan error

	mu      sync.Mutex
	added   []string
	removed []string
	once    sync.Once
}

func newMockFsWatcher() *mockFsWatcher {
	return &mockFsWatcher{
		events: make(chan fsnotify.Event, 16),
		errs:   make(chan error, 16),
	}
}

func (m *mockFsWatcher) Add(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.added = append(m.added, name)

	return nil
}

func (m *mockFsWatcher) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removed = append(m.removed, name)

	return nil
}

func (m *mockFsWatcher) Close() error {
	m.once.Do(func() {
		close(m.events)
		close(m.errs)
	})

	return nil
}

func (m *mockFsWatcher) Events() <-chan fsnotify.Event { return m.events }
func (m *mockFsWatcher) Errors() <-chan error          { return m.errs }

func (m *mockFsWatcher) addedPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.added)
}

func (m *mockFsWatcher) removedPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.removed)
}

// recordingHandler stores each callback as a readable string.
type recordingHandler struct {
	mu     sync.Mutex
	events []string
}

func (h *recordingHandler) add(format string, args ...any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.events = append(h.events, fmt.Sprintf(format, args...))
}

func (h *recordingHandler) OnMoved(src, dst string, isDir bool) {
	h.add("moved %s -> %s dir=%t", src, dst, isDir)
}

func (h *recordingHandler) OnCreated(path string, isDir bool) {
	h.add("created %s dir=%t", path, isDir)
}

func (h *recordingHandler) OnDeleted(path string, isDir bool) {
	h.add("deleted %s dir=%t", path, isDir)
}

func (h *recordingHandler) OnModified(path string, isDir bool) {
	h.add("modified %s dir=%t", path, isDir)
}

func (h *recordingHandler) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return slices.Clone(h.events)
}

// sleepRecorder captures durations passed to sleepFunc.
type sleepRecorder struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, d)

	return nil
}

func (s *sleepRecorder) snapshot() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.calls)
}

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
	BlockUntil(waiters int)
}

type observerHarness struct {
	root     string
	observer *Observer
	watcher  *mockFsWatcher
	handler  *recordingHandler
	sleeps   *sleepRecorder
	clock    fakeClock
}

func newObserverHarness(t *testing.T, recursive bool) *observerHarness {
	t.Helper()

	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	var clock fakeClock = clockwork.NewFakeClock()

	h := &observerHarness{
		root:    root,
		watcher: newMockFsWatcher(),
		handler: &recordingHandler{},
		sleeps:  &sleepRecorder{},
		clock:   clock,
	}

	o := NewObserver(testLogger(t))
	o.clock = clock
	o.sleepFunc = h.sleeps.sleep
	o.watcherFactory = func() (FsWatcher, error) { return h.watcher, nil }
	o.Schedule(h.handler, root, recursive)

	h.observer = o

	return h
}

func (h *observerHarness) start(t *testing.T) {
	t.Helper()

	require.NoError(t, h.observer.Start(context.Background()))

	t.Cleanup(func() {
		h.observer.Stop()
		_ = h.observer.Join()
	})
}

func (h *observerHarness) send(op fsnotify.Op, rel string) {
	h.watcher.events <- fsnotify.Event{Name: filepath.Join(h.root, rel), Op: op}
}

func (h *observerHarness) path(rel string) string {
	return filepath.Join(h.root, rel)
}

// waitEvents blocks until the handler has seen n events and returns them.
func (h *observerHarness) waitEvents(t *testing.T, n int) []string {
	t.Helper()

	require.Eventually(t, func() bool { return len(h.handler.snapshot()) >= n }, waitFor, tick)

	return h.handler.snapshot()
}

func mkdirs(t *testing.T, root string, rels ...string) {
	t.Helper()

	for _, rel := range rels {
		require.NoError(t, os.MkdirAll(filepath.Join(root, rel), 0o755))
	}
}

func touch(t *testing.T, root, rel string) {
	t.Helper()

	require.NoError(t, os.WriteFile(filepath.Join(root, rel), []byte(rel), 0o644))
}

func TestObserver_StartRequiresSchedule(t *testing.T) {
	t.Parallel()

	err := NewObserver(testLogger(t)).Start(context.Background())
	require.ErrorIs(t, err, ErrNotScheduled)
}

func TestObserver_RecursiveStartWatchesEveryDirectory(t *testing.T) {
	t.Parallel()

	h := newObserverHarness(t, true)
	mkdirs(t, h.root, "a/b", "c")
	touch(t, h.root, "a/file.txt")

	h.start(t)

	assert.ElementsMatch(t,
		[]string{h.root, h.path("a"), h.path("a/b"), h.path("c")},
		h.watcher.addedPaths())
	assert.Empty(t, h.handler.snapshot(), "existing entries are not announced at startup")
}

func TestObserver_NonRecursiveWatchesRootOnly(t *testing.T) {
	t.Parallel()

	h := newObserverHarness(t, false)
	mkdirs(t, h.root, "a/b")

	h.start(t)

	assert.Equal(t, []string{h.root}, h.watcher.addedPaths())
}

func TestObserver_CreateWriteRemove(t *testing.T) {
	t.Parallel()

	h := newObserverHarness(t, true)
	h.start(t)

	touch(t, h.root, "f.txt")
	h.send(fsnotify.Create, "f.txt")
	h.send(fsnotify.Write, "f.txt")
	h.send(fsnotify.Chmod, "f.txt")
	h.send(fsnotify.Remove, "f.txt")

	assert.Equal(t, []string{
		"created " + h.path("f.txt") + " dir=false",
		"modified " + h.path("f.txt") + " dir=false",
		"deleted " + h.path("f.txt") + " dir=false",
	}, h.waitEvents(t, 3))
}

func TestObserver_NewDirectoryIsWatchedAndScanned(t *testing.T) {
	t.Parallel()

	h := newObserverHarness(t, true)
	h.start(t)

	mkdirs(t, h.root, "new/sub")
	touch(t, h.root, "new/g.txt")
	touch(t, h.root, "new/sub/f.txt")

	h.send(fsnotify.Create, "new")

	assert.Equal(t, []string{
		"created " + h.path("new") + " dir=true",
		"created " + h.path("new/g.txt") + " dir=false",
		"created " + h.path("new/sub") + " dir=true",
		"created " + h.path("new/sub/f.txt") + " dir=false",
	}, h.waitEvents(t, 4))

	assert.Contains(t, h.watcher.addedPaths(), h.path("new"))
	assert.Contains(t, h.watcher.addedPaths(), h.path("new/sub"))
}

func TestObserver_VanishedCreateIsDropped(t *testing.T) {
	t.Parallel()

	h := newObserverHarness(t, true)
	h.start(t)

	h.send(fsnotify.Create, "gone.tmp")

	touch(t, h.root, "sentinel")
	h.send(fsnotify.Create, "sentinel")

	assert.Equal(t, []string{"created " + h.path("sentinel") + " dir=false"}, h.waitEvents(t, 1))
}

func TestObserver_RemoveKnownDirectory(t *testing.T) {
	t.Parallel()

	h := newObserverHarness(t, true)
	mkdirs(t, h.root, "d/inner")
	h.start(t)

	require.NoError(t, os.RemoveAll(h.path("d")))
	h.send(fsnotify.Remove, "d")

	assert.Equal(t, []string{"deleted " + h.path("d") + " dir=true"}, h.waitEvents(t, 1))
	assert.ElementsMatch(t, []string{h.path("d"), h.path("d/inner")}, h.watcher.removedPaths())
}

func TestObserver_RenameThenCreateIsMove(t *testing.T) {
	t.Parallel()

	h := newObserverHarness(t, true)
	touch(t, h.root, "a.txt")
	h.start(t)

	require.NoError(t, os.Rename(h.path("a.txt"), h.path("b.txt")))
	h.send(fsnotify.Rename, "a.txt")
	h.send(fsnotify.Create, "b.txt")

	assert.Equal(t, []string{
		"moved " + h.path("a.txt") + " -> " + h.path("b.txt") + " dir=false",
	}, h.waitEvents(t, 1))
}

// outside returns a directory next to the watched root, for moves that
// leave the tree.
func outside(t *testing.T) string {
	t.Helper()

	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	return dir
}

func TestObserver_MoveOutThenUnrelatedDirectoryCreate(t *testing.T) {
	t.Parallel()

	h := newObserverHarness(t, true)
	touch(t, h.root, "x")
	h.start(t)

	require.NoError(t, os.Rename(h.path("x"), filepath.Join(outside(t), "x")))
	mkdirs(t, h.root, "y")
	h.send(fsnotify.Rename, "x")
	h.send(fsnotify.Create, "y")

	assert.Equal(t, []string{
		"deleted " + h.path("x") + " dir=false",
		"created " + h.path("y") + " dir=true",
	}, h.waitEvents(t, 2))
	assert.Contains(t, h.watcher.addedPaths(), h.path("y"))
}

func TestObserver_MoveOutThenUnrelatedFileCreate(t *testing.T) {
	t.Parallel()

	h := newObserverHarness(t, true)
	mkdirs(t, h.root, "dir")
	touch(t, h.root, "dir/x")
	h.start(t)

	require.NoError(t, os.Rename(h.path("dir/x"), filepath.Join(outside(t), "x")))
	touch(t, h.root, "dir/y")
	h.send(fsnotify.Rename, "dir/x")
	h.send(fsnotify.Create, "dir/y")

	assert.Equal(t, []string{
		"deleted " + h.path("dir/x") + " dir=false",
		"created " + h.path("dir/y") + " dir=false",
	}, h.waitEvents(t, 2))
}

func TestObserver_MoveAcrossDirectoriesWithNewName(t *testing.T) {
	t.Parallel()

	h := newObserverHarness(t, true)
	mkdirs(t, h.root, "a", "b")
	touch(t, h.root, "a/one.txt")
	h.start(t)

	require.NoError(t, os.Rename(h.path("a/one.txt"), h.path("b/two.txt")))
	h.send(fsnotify.Rename, "a/one.txt")
	h.send(fsnotify.Create, "b/two.txt")

	assert.Equal(t, []string{
		"moved " + h.path("a/one.txt") + " -> " + h.path("b/two.txt") + " dir=false",
	}, h.waitEvents(t, 1))
}

func TestObserver_CreatedFileCanBeMovedLater(t *testing.T) {
	t.Parallel()

	h := newObserverHarness(t, true)
	h.start(t)

	touch(t, h.root, "new.txt")
	h.send(fsnotify.Create, "new.txt")
	h.waitEvents(t, 1)

	require.NoError(t, os.Rename(h.path("new.txt"), h.path("kept.txt")))
	h.send(fsnotify.Rename, "new.txt")
	h.send(fsnotify.Create, "kept.txt")

	assert.Equal(t,
		"moved "+h.path("new.txt")+" -> "+h.path("kept.txt")+" dir=false",
		h.waitEvents(t, 2)[1])
}

func TestObserver_DirectoryMoveRewatchesSubtree(t *testing.T) {
	t.Parallel()

	h := newObserverHarness(t, true)
	mkdirs(t, h.root, "d/sub")
	h.start(t)

	require.NoError(t, os.Rename(h.path("d"), h.path("e")))
	h.send(fsnotify.Rename, "d")
	h.send(fsnotify.Create, "e")

	assert.Equal(t, []string{
		"moved " + h.path("d") + " -> " + h.path("e") + " dir=true",
	}, h.waitEvents(t, 1))

	assert.ElementsMatch(t, []string{h.path("d"), h.path("d/sub")}, h.watcher.removedPaths())
	assert.Contains(t, h.watcher.addedPaths(), h.path("e"))
	assert.Contains(t, h.watcher.addedPaths(), h.path("e/sub"))

	// Later events under the new name see it as a directory.
	h.send(fsnotify.Remove, "e/sub")
	assert.Equal(t, "deleted "+h.path("e/sub")+" dir=true", h.waitEvents(t, 2)[1])
}

func TestObserver_UnpairedRenameBecomesDelete(t *testing.T) {
	t.Parallel()

	h := newObserverHarness(t, true)
	h.start(t)

	h.send(fsnotify.Rename, "left.txt")

	// The loop is now waiting on the pair window timer.
	h.clock.BlockUntil(1)
	assert.Empty(t, h.handler.snapshot())

	h.clock.Advance(DefaultPairWindow)

	assert.Equal(t, []string{"deleted " + h.path("left.txt") + " dir=false"}, h.waitEvents(t, 1))
}

func TestObserver_RenameFollowedByUnrelatedEvent(t *testing.T) {
	t.Parallel()

	h := newObserverHarness(t, true)
	mkdirs(t, h.root, "x", "y")
	touch(t, h.root, "y/other.txt")
	h.start(t)

	h.send(fsnotify.Rename, "x/a.txt")
	h.send(fsnotify.Create, "y/other.txt")

	assert.Equal(t, []string{
		"deleted " + h.path("x/a.txt") + " dir=false",
		"created " + h.path("y/other.txt") + " dir=false",
	}, h.waitEvents(t, 2))
}

func TestObserver_ErrorBackoffGrowsAndResets(t *testing.T) {
	t.Parallel()

	h := newObserverHarness(t, true)
	h.start(t)

	h.watcher.errs <- errors.New("boom 1")
	h.watcher.errs <- errors.New("boom 2")
	h.watcher.errs <- errors.New("boom 3")

	require.Eventually(t, func() bool { return len(h.sleeps.snapshot()) == 3 }, waitFor, tick)
	assert.Equal(t, []time.Duration{
		watchErrInitBackoff,
		watchErrInitBackoff * watchErrBackoffMult,
		watchErrInitBackoff * watchErrBackoffMult * watchErrBackoffMult,
	}, h.sleeps.snapshot())

	// A successful event resets the backoff.
	touch(t, h.root, "ok.txt")
	h.send(fsnotify.Create, "ok.txt")
	h.waitEvents(t, 1)

	h.watcher.errs <- errors.New("boom 4")

	require.Eventually(t, func() bool { return len(h.sleeps.snapshot()) == 4 }, waitFor, tick)
	assert.Equal(t, watchErrInitBackoff, h.sleeps.snapshot()[3])
}

func TestObserver_OverflowDoesNotBackOff(t *testing.T) {
	t.Parallel()

	h := newObserverHarness(t, true)
	h.start(t)

	h.watcher.errs <- fsnotify.ErrEventOverflow
	h.watcher.errs <- errors.New("real failure")

	require.Eventually(t, func() bool { return len(h.sleeps.snapshot()) == 1 }, waitFor, tick)
	assert.Equal(t, []time.Duration{watchErrInitBackoff}, h.sleeps.snapshot())
}

func TestObserver_ClosedStreamFailsJoin(t *testing.T) {
	t.Parallel()

	h := newObserverHarness(t, true)
	require.NoError(t, h.observer.Start(context.Background()))

	require.NoError(t, h.watcher.Close())

	err := h.observer.Join()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream closed")
}

func TestObserver_StopThenJoin(t *testing.T) {
	t.Parallel()

	h := newObserverHarness(t, true)
	require.NoError(t, h.observer.Start(context.Background()))

	h.observer.Stop()
	require.NoError(t, h.observer.Join())
}

func TestObserver_StopFlushesPendingRename(t *testing.T) {
	t.Parallel()

	h := newObserverHarness(t, true)
	require.NoError(t, h.observer.Start(context.Background()))

	h.send(fsnotify.Rename, "bye.txt")
	h.clock.BlockUntil(1)

	h.observer.Stop()
	require.NoError(t, h.observer.Join())

	assert.Equal(t, []string{"deleted " + h.path("bye.txt") + " dir=false"}, h.handler.snapshot())
}

func TestObserver_RealFsnotify(t *testing.T) {
	t.Parallel()

	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	handler := &recordingHandler{}
	o := NewObserver(testLogger(t))
	o.Schedule(handler, root, true)

	require.NoError(t, o.Start(context.Background()))

	t.Cleanup(func() {
		o.Stop()
		assert.NoError(t, o.Join())
	})

	path := filepath.Join(root, "hello.txt")
	require.NoError(t, os.WriteFile(path, []byte("hi"), 0o644))

	want := "created " + path + " dir=false"
	require.Eventually(t, func() bool {
		return slices.Contains(handler.snapshot(), want)
	}, waitFor, 10*time.Millisecond)
}
