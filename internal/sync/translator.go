package sync

import (
	"log/slog"
)

// EventTranslator turns watcher notifications into queued changes. It runs
// on the watcher's goroutine, so it never touches the destination and never
// blocks: each call is one filter check and one Push.
type EventTranslator struct {
	queue  *ChangeQueue
	filter PathFilter
	logger *slog.Logger
}

// NewEventTranslator creates a translator feeding queue. filter may be nil.
func NewEventTranslator(queue *ChangeQueue, filter PathFilter, logger *slog.Logger) *EventTranslator {
	return &EventTranslator{queue: queue, filter: filter, logger: logger}
}

// OnMoved queues a move. When only one side passes the filter the move
// degrades to the operation the destination actually needs: a move out of
// an excluded name is a create, a move into one is a delete.
func (t *EventTranslator) OnMoved(src, dst string, isDir bool) {
	srcOut, dstOut := t.excluded(src, isDir), t.excluded(dst, isDir)

	switch {
	case srcOut && dstOut:
		t.logger.Debug("move ignored by filter", slog.String("from", src), slog.String("to", dst))
	case srcOut:
		t.push(Change{Kind: ChangeCreate, Path: dst, IsDir: isDir})
	case dstOut:
		t.push(Change{Kind: ChangeDelete, Path: src, IsDir: isDir})
	default:
		t.push(Change{Kind: ChangeMove, Path: src, To: dst, IsDir: isDir})
	}
}

// OnCreated queues a create.
func (t *EventTranslator) OnCreated(path string, isDir bool) {
	t.pushUnlessExcluded(Change{Kind: ChangeCreate, Path: path, IsDir: isDir})
}

// OnDeleted queues a delete.
func (t *EventTranslator) OnDeleted(path string, isDir bool) {
	t.pushUnlessExcluded(Change{Kind: ChangeDelete, Path: path, IsDir: isDir})
}

// OnModified queues a modify.
func (t *EventTranslator) OnModified(path string, isDir bool) {
	t.pushUnlessExcluded(Change{Kind: ChangeModify, Path: path, IsDir: isDir})
}

func (t *EventTranslator) pushUnlessExcluded(c Change) {
	if t.excluded(c.Path, c.IsDir) {
		t.logger.Debug("event ignored by filter", slog.String("kind", c.Kind.String()), slog.String("path", c.Path))
		return
	}

	t.push(c)
}

func (t *EventTranslator) push(c Change) {
	attrs := []any{
		slog.String("kind", c.Kind.String()),
		slog.String("what", c.what()),
		slog.String("path", c.Path),
	}
	if c.Kind == ChangeMove {
		attrs = append(attrs, slog.String("to", c.To))
	}

	t.logger.Debug("event queued", attrs...)
	t.queue.Push(c)
}

func (t *EventTranslator) excluded(path string, isDir bool) bool {
	return t.filter != nil && t.filter.Excluded(path, isDir)
}
