package sync

import "fmt"

// ChangeKind identifies the filesystem mutation a Change describes.
type ChangeKind int

// Change kinds, one per watcher notification type.
const (
	ChangeMove ChangeKind = iota
	ChangeCreate
	ChangeDelete
	ChangeModify
)

// String returns the lowercase kind name used in logs and the journal.
func (k ChangeKind) String() string {
	switch k {
	case ChangeMove:
		return "move"
	case ChangeCreate:
		return "create"
	case ChangeDelete:
		return "delete"
	case ChangeModify:
		return "modify"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// Change is a single queued source mutation awaiting application at the
// destination. Path (and To, for moves) are absolute paths under the source
// root, exactly as the watcher reported them.
type Change struct {
	Kind  ChangeKind
	Path  string // source path; the "from" side of a move
	To    string // move target; empty for every other kind
	IsDir bool   // watcher's directory flag at event time
}

// String renders the change for log lines.
func (c Change) String() string {
	if c.Kind == ChangeMove {
		return fmt.Sprintf("%s %s -> %s", c.Kind, c.Path, c.To)
	}

	return fmt.Sprintf("%s %s", c.Kind, c.Path)
}

// what returns "directory" or "file" for log attributes.
func (c Change) what() string {
	return kindName(c.IsDir)
}
