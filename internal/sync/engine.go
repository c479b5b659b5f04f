package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// defaultInterval matches the CLI default of three seconds.
const defaultInterval = 3 * time.Second

// Recorder receives an audit record for every applied change and every
// reconcile pass. Recording failures are logged and never stop syncing.
type Recorder interface {
	RecordChange(ctx context.Context, seq int64, c Change, outcome Outcome, cause error) error
	RecordReconcile(ctx context.Context, report ReconcileReport, outcome Outcome, cause error) error
}

// EngineConfig holds the engine's timing and optional collaborators.
type EngineConfig struct {
	// Interval between reconcile passes, measured from when the previous
	// pass started. Zero means defaultInterval.
	Interval time.Duration

	// IdlePause throttles the loop once after each transition to the fully
	// synced state. Zero disables it.
	IdlePause time.Duration

	Clock    clockwork.Clock // nil means the real clock
	Recorder Recorder        // nil disables the journal
	Space    *SpaceGuard     // nil disables free-space checks
}

// Engine is the single consumer of the change queue. Each iteration it
// runs a reconcile pass if one is due, then applies at most one queued
// change. With nothing to do it blocks until a change arrives, the next
// pass falls due, or the context ends. Because passes and changes run on
// the same goroutine they never overlap.
type Engine struct {
	queue      *ChangeQueue
	applier    *Applier
	reconciler *Reconciler
	cfg        EngineConfig
	clock      clockwork.Clock
	logger     *slog.Logger

	// Owned by the Run goroutine.
	lastReconcile time.Time
	synced        bool
	seq           int64
}

// NewEngine wires the queue, applier, and reconciler together.
func NewEngine(queue *ChangeQueue, applier *Applier, reconciler *Reconciler, cfg EngineConfig, logger *slog.Logger) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Engine{
		queue:      queue,
		applier:    applier,
		reconciler: reconciler,
		cfg:        cfg,
		clock:      clock,
		logger:     logger,
	}
}

// Run drives the loop until ctx is canceled or a change fails. Cancellation
// returns nil; any other error is fatal and the caller should exit non-zero.
// The first reconcile pass fires one interval after Run starts.
func (e *Engine) Run(ctx context.Context) error {
	e.lastReconcile = e.clock.Now()

	e.logger.Info("sync engine started",
		slog.Duration("interval", e.cfg.Interval),
		slog.Duration("idle_pause", e.cfg.IdlePause),
	)

	for {
		if ctx.Err() != nil {
			e.logger.Info("sync engine stopped", slog.Int("pending", e.queue.Len()))
			return nil
		}

		if err := e.step(ctx); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				continue
			}

			return err
		}
	}
}

// step is one loop iteration.
func (e *Engine) step(ctx context.Context) error {
	if e.reconcileDue() {
		if err := e.reconcile(ctx); err != nil {
			return err
		}
	}

	if c, ok := e.queue.Pop(); ok {
		e.synced = false
		return e.apply(ctx, c)
	}

	if !e.synced {
		e.synced = true
		e.logger.Info("fully synced")

		if e.cfg.IdlePause > 0 {
			return e.sleep(ctx, e.cfg.IdlePause)
		}
	}

	e.wait(ctx)

	return nil
}

func (e *Engine) reconcileDue() bool {
	return e.clock.Since(e.lastReconcile) >= e.cfg.Interval
}

// untilDue is the time left before the next pass, never negative.
func (e *Engine) untilDue() time.Duration {
	return max(e.cfg.Interval-e.clock.Since(e.lastReconcile), 0)
}

// reconcile runs one pass. The due time advances from the instant the pass
// fires, not when it finishes. Low free space skips the pass with a warning
// since the queue may still hold deletes that free space.
func (e *Engine) reconcile(ctx context.Context) error {
	e.lastReconcile = e.clock.Now()

	if err := e.cfg.Space.Check(); err != nil {
		e.logger.Warn("reconcile pass skipped", slog.String("error", err.Error()))
		e.recordReconcile(ctx, ReconcileReport{}, OutcomeSkipped, err)

		return nil
	}

	report, err := e.reconciler.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}

		e.recordReconcile(ctx, report, OutcomeFailed, err)

		return fmt.Errorf("sync: reconcile pass: %w", err)
	}

	e.logger.Info("reconcile pass complete",
		slog.Int("files", report.Files),
		slog.Int("dirs", report.Dirs),
		slog.Int64("bytes", report.Bytes),
		slog.Int("skipped", report.Skipped),
		slog.Duration("duration", report.Duration),
	)

	e.recordReconcile(ctx, report, OutcomeApplied, nil)

	return nil
}

// apply performs one change and reports what is left in the queue.
func (e *Engine) apply(ctx context.Context, c Change) error {
	e.seq++

	e.logger.Debug("applying change",
		slog.Int64("seq", e.seq),
		slog.String("kind", c.Kind.String()),
		slog.String("path", c.Path),
	)

	outcome, err := e.applier.Apply(ctx, c)
	e.recordChange(ctx, c, outcome, err)

	if err != nil {
		return err
	}

	e.logger.Info("change applied",
		slog.String("kind", c.Kind.String()),
		slog.String("path", c.Path),
		slog.String("outcome", string(outcome)),
		slog.Int("remaining", e.queue.Len()),
	)

	return nil
}

// wait blocks until a change is queued, the next pass is due, or ctx ends.
func (e *Engine) wait(ctx context.Context) {
	timer := e.clock.NewTimer(e.untilDue())
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-e.queue.Ready():
	case <-timer.Chan():
	}
}

// sleep pauses for d unless ctx ends first.
func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	timer := e.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

func (e *Engine) recordChange(ctx context.Context, c Change, outcome Outcome, cause error) {
	if e.cfg.Recorder == nil {
		return
	}

	if err := e.cfg.Recorder.RecordChange(context.WithoutCancel(ctx), e.seq, c, outcome, cause); err != nil {
		e.logger.Warn("journal write failed", slog.String("error", err.Error()))
	}
}

func (e *Engine) recordReconcile(ctx context.Context, report ReconcileReport, outcome Outcome, cause error) {
	if e.cfg.Recorder == nil {
		return
	}

	if err := e.cfg.Recorder.RecordReconcile(context.WithoutCancel(ctx), report, outcome, cause); err != nil {
		e.logger.Warn("journal write failed", slog.String("error", err.Error()))
	}
}
