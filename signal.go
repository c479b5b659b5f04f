package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// errForcedExit is the exit error a journal session records when a second
// signal kills the daemon in the middle of a change.
var errForcedExit = errors.New("forced exit on second signal")

// forceHooks is cleanup that must still happen when a second signal exits
// the process: os.Exit skips deferred calls, which would leave the PID file
// behind and the journal session open. A nil *forceHooks ignores
// registrations.
type forceHooks struct {
	mu    sync.Mutex
	next  int
	hooks map[int]func()
}

// add registers fn and returns a func that unregisters it. Callers defer
// the unregister next to their normal cleanup so fn runs exactly once.
func (h *forceHooks) add(fn func()) (remove func()) {
	if h == nil {
		return func() {}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.hooks == nil {
		h.hooks = make(map[int]func())
	}

	id := h.next
	h.next++
	h.hooks[id] = fn

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		delete(h.hooks, id)
	}
}

// run calls the registered hooks, newest first, like deferred calls.
func (h *forceHooks) run() {
	if h == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for id := h.next - 1; id >= 0; id-- {
		if fn, ok := h.hooks[id]; ok {
			fn()
		}
	}

	h.hooks = nil
}

// shutdownContext returns a context that is canceled on the first SIGINT or
// SIGTERM. The engine finishes the change it is applying and returns. A
// second signal runs hooks and exits at once, for a copy that hangs on a
// dead mount.
func shutdownContext(parent context.Context, logger *slog.Logger, hooks *forceHooks) context.Context {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return watchSignals(parent, logger, sigCh, hooks, func() { signal.Stop(sigCh) }, os.Exit)
}

func watchSignals(
	parent context.Context, logger *slog.Logger, sigCh <-chan os.Signal,
	hooks *forceHooks, stop func(), exit func(code int),
) context.Context {
	ctx, cancel := context.WithCancel(parent)

	go func() {
		defer stop()

		select {
		case sig := <-sigCh:
			logger.Info("received signal, stopping after the current change",
				slog.String("signal", sig.String()),
			)
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, exiting without finishing the current change",
				slog.String("signal", sig.String()),
			)
			hooks.run()
			exit(1)
		case <-parent.Done():
			return
		}
	}()

	return ctx
}
