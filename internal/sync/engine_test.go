package sync

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testInterval = 10 * time.Second
	waitFor      = 5 * time.Second
	tick         = 10 * time.Millisecond
)

// memRecorder captures journal records in memory.
type memRecorder struct {
	mu         sync.Mutex
	changes    []Change
	outcomes   []Outcome
	reconciles []Outcome
}

func (r *memRecorder) RecordChange(_ context.Context, _ int64, c Change, outcome Outcome, _ error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.changes = append(r.changes, c)
	r.outcomes = append(r.outcomes, outcome)

	return nil
}

func (r *memRecorder) RecordReconcile(_ context.Context, _ ReconcileReport, outcome Outcome, _ error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reconciles = append(r.reconciles, outcome)

	return nil
}

func (r *memRecorder) changeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.changes)
}

func (r *memRecorder) reconcileOutcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Outcome(nil), r.reconciles...)
}

// logBuffer is a goroutine-safe log sink for asserting on engine messages.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *logBuffer) count(msg string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return strings.Count(b.buf.String(), `msg="`+msg+`"`)
}

// fakeClock is the part of clockwork's fake clock the tests drive.
type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
	BlockUntil(waiters int)
}

type engineHarness struct {
	src, dst string
	queue    *ChangeQueue
	clock    fakeClock
	recorder *memRecorder
	logs     *logBuffer
	engine   *Engine
}

func newEngineHarness(t *testing.T, cfg EngineConfig) *engineHarness {
	t.Helper()

	src, dst := mirrorDirs(t)
	logs := &logBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	fsys := afero.NewOsFs()
	mapper := newTestMapper(t, src, dst)
	queue := NewChangeQueue(logger)
	var clock fakeClock = clockwork.NewFakeClock()
	recorder := &memRecorder{}

	if cfg.Interval == 0 {
		cfg.Interval = testInterval
	}

	cfg.Clock = clock
	cfg.Recorder = recorder

	engine := NewEngine(queue,
		NewApplier(fsys, mapper, nil, logger),
		NewReconciler(fsys, mapper, nil, nil, logger),
		cfg, logger)

	return &engineHarness{
		src: src, dst: dst,
		queue: queue, clock: clock, recorder: recorder, logs: logs, engine: engine,
	}
}

// start runs the engine in the background and returns a function that
// cancels it and returns Run's error.
func (h *engineHarness) start(t *testing.T) func() error {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- h.engine.Run(ctx) }()

	var (
		once    sync.Once
		stopErr error
	)

	stop := func() error {
		once.Do(func() {
			cancel()

			select {
			case stopErr = <-done:
			case <-time.After(waitFor):
				stopErr = errors.New("engine did not stop")
			}
		})

		return stopErr
	}

	t.Cleanup(func() { assert.NoError(t, stop()) })

	return stop
}

func TestEngine_AppliesChangesInQueueOrder(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, EngineConfig{})

	require.NoError(t, os.Mkdir(filepath.Join(h.src, "d"), 0o755))
	f := writeTestFile(t, h.src, "d/f.txt", "first")
	g := filepath.Join(h.src, "d", "g.txt")

	sequence := []Change{
		{Kind: ChangeCreate, Path: filepath.Join(h.src, "d"), IsDir: true},
		{Kind: ChangeCreate, Path: f},
		{Kind: ChangeModify, Path: f},
		{Kind: ChangeMove, Path: f, To: g},
		{Kind: ChangeDelete, Path: g},
	}
	for _, c := range sequence {
		h.queue.Push(c)
	}

	stop := h.start(t)

	require.Eventually(t, func() bool { return h.recorder.changeCount() == len(sequence) }, waitFor, tick)
	require.NoError(t, stop())

	h.recorder.mu.Lock()
	defer h.recorder.mu.Unlock()

	assert.Equal(t, sequence, h.recorder.changes)
	assert.DirExists(t, filepath.Join(h.dst, "d"))
	assert.NoFileExists(t, filepath.Join(h.dst, "d", "f.txt"))
	assert.NoFileExists(t, filepath.Join(h.dst, "d", "g.txt"))
}

func TestEngine_ReconcileAfterInterval(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, EngineConfig{})
	writeTestFile(t, h.src, "a.txt", "hello")

	h.start(t)

	// Nothing is copied before the first interval elapses.
	h.clock.BlockUntil(1)
	assert.NoFileExists(t, filepath.Join(h.dst, "a.txt"))

	h.clock.Advance(testInterval)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(h.dst, "a.txt"))
		return err == nil && string(data) == "hello"
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		return len(h.recorder.reconcileOutcomes()) == 1
	}, waitFor, tick)
	assert.Equal(t, []Outcome{OutcomeApplied}, h.recorder.reconcileOutcomes())
}

func TestEngine_ModifyEventPropagates(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, EngineConfig{})
	p := writeTestFile(t, h.src, "a.txt", "world")
	writeTestFile(t, h.dst, "a.txt", "hello")

	h.start(t)
	h.queue.Push(Change{Kind: ChangeModify, Path: p})

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(h.dst, "a.txt"))
		return err == nil && string(data) == "world"
	}, waitFor, tick)
}

func TestEngine_MoveIntoExistingDirectory(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, EngineConfig{})
	writeTestFile(t, h.dst, "a.txt", "original")
	require.NoError(t, os.Mkdir(filepath.Join(h.dst, "sub"), 0o755))

	h.start(t)
	h.queue.Push(Change{
		Kind: ChangeMove,
		Path: filepath.Join(h.src, "a.txt"),
		To:   filepath.Join(h.src, "sub", "b.txt"),
	})

	require.Eventually(t, func() bool { return h.recorder.changeCount() == 1 }, waitFor, tick)

	assert.NoFileExists(t, filepath.Join(h.dst, "a.txt"))
	assert.Equal(t, "original", readTestFile(t, h.dst, "sub/b.txt"))
}

func TestEngine_FatalErrorStopsRun(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, EngineConfig{})
	writeTestFile(t, h.dst, "sub/leftover.txt", "x")

	h.queue.Push(Change{Kind: ChangeDelete, Path: filepath.Join(h.src, "sub"), IsDir: true})
	h.queue.Push(Change{Kind: ChangeCreate, Path: filepath.Join(h.src, "never-reached"), IsDir: true})

	err := h.engine.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync: applying delete")

	h.recorder.mu.Lock()
	defer h.recorder.mu.Unlock()

	assert.Equal(t, []Outcome{OutcomeFailed}, h.recorder.outcomes)
	assert.Equal(t, 1, h.queue.Len(), "failed change is not requeued and later changes stay queued")
}

func TestEngine_FullySyncedLoggedOncePerIdleTransition(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, EngineConfig{})
	h.start(t)

	h.clock.BlockUntil(1)
	assert.Equal(t, 1, h.logs.count("fully synced"))

	h.queue.Push(Change{Kind: ChangeDelete, Path: filepath.Join(h.src, "x")})
	h.queue.Push(Change{Kind: ChangeDelete, Path: filepath.Join(h.src, "y")})

	require.Eventually(t, func() bool { return h.logs.count("fully synced") == 2 }, waitFor, tick)
	assert.Equal(t, 2, h.logs.count("change applied"))

	// Idle wake-ups without work do not log again.
	h.clock.BlockUntil(1)
	assert.Equal(t, 2, h.logs.count("fully synced"))
}

func TestEngine_IdlePauseDelaysNextChange(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, EngineConfig{IdlePause: 5 * time.Second})
	h.start(t)

	// The engine is asleep in its idle pause.
	h.clock.BlockUntil(1)
	h.queue.Push(Change{Kind: ChangeDelete, Path: filepath.Join(h.src, "x")})

	assert.Never(t, func() bool { return h.recorder.changeCount() > 0 }, 100*time.Millisecond, tick)

	h.clock.Advance(5 * time.Second)

	require.Eventually(t, func() bool { return h.recorder.changeCount() == 1 }, waitFor, tick)
}

func TestEngine_LowSpaceSkipsReconcile(t *testing.T) {
	t.Parallel()

	guard := NewSpaceGuard("/", 1<<40, slog.Default())
	guard.statfsFn = func(string) (uint64, error) { return 1024, nil }

	h := newEngineHarness(t, EngineConfig{Space: guard})
	writeTestFile(t, h.src, "a.txt", "hello")

	h.start(t)
	h.clock.BlockUntil(1)
	h.clock.Advance(testInterval)

	require.Eventually(t, func() bool {
		return len(h.recorder.reconcileOutcomes()) == 1
	}, waitFor, tick)

	assert.Equal(t, []Outcome{OutcomeSkipped}, h.recorder.reconcileOutcomes())
	assert.NoFileExists(t, filepath.Join(h.dst, "a.txt"))
}

func TestEngine_CancelReturnsNil(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, EngineConfig{})
	stop := h.start(t)

	h.clock.BlockUntil(1)
	require.NoError(t, stop())
	assert.Equal(t, 1, h.logs.count("sync engine stopped"))
}

func TestEngine_RecorderErrorsAreNotFatal(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, EngineConfig{})
	h.engine.cfg.Recorder = failingRecorder{}

	h.start(t)
	h.queue.Push(Change{Kind: ChangeDelete, Path: filepath.Join(h.src, "x")})

	require.Eventually(t, func() bool { return h.logs.count("journal write failed") == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return h.logs.count("change applied") == 1 }, waitFor, tick)
}

type failingRecorder struct{}

func (failingRecorder) RecordChange(context.Context, int64, Change, Outcome, error) error {
	return errors.New("disk on fire")
}

func (failingRecorder) RecordReconcile(context.Context, ReconcileReport, Outcome, error) error {
	return errors.New("disk on fire")
}
