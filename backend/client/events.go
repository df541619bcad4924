package client

import (
	"sync"

	"otsync/backend/types"
)

// OpEvent fires after a batch of op contents has been applied to the local
// data. Source is true for locally-submitted ops, UndoRedo for undo/redo
// resubmissions. ClientIDs parallels Ops with each op's author.
type OpEvent struct {
	Ops       []any
	ClientIDs []string
	Source    bool
	UndoRedo  bool
}

// BeforeOpEvent fires with the same payload immediately before the batch is
// applied.
type BeforeOpEvent struct {
	Ops       []any
	ClientIDs []string
	Source    bool
	UndoRedo  bool
}

// RemoteOpEvent describes one server-confirmed run of ops: the foreign ops
// committed before this client's own op, the own op itself (with its fresh
// invert when a rebase re-derived it), and the foreign ops committed after.
type RemoteOpEvent struct {
	PrevOps      []types.Op
	SourceOp     *types.Op
	SourceInvert *types.Op
	AfterOps     []types.Op
}

// RemotePresenceEvent reports changed remote presences; a nil value means
// the client went offline.
type RemotePresenceEvent struct {
	Changed map[string]any
}

// NoPendingEvent fires when the pending-op queue drains.
type NoPendingEvent struct{}

// RemoteDeleteDocEvent fires when the document was deleted by another
// client. Terminal for the session.
type RemoteDeleteDocEvent struct{}

// RollbackEvent fires when the server rewound history past a version this
// client depended on; the document must be fetched again.
type RollbackEvent struct{}

// emitter is a typed publish/subscribe list. Handlers run synchronously on
// the emitting goroutine and must not call back into the Doc.
type emitter[T any] struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]func(T)
}

// subscribe registers fn and returns its unsubscribe function.
func (e *emitter[T]) subscribe(fn func(T)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[int]func(T))
	}
	e.nextID++
	id := e.nextID
	e.handlers[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.handlers, id)
	}
}

func (e *emitter[T]) emit(event T) {
	e.mu.Lock()
	handlers := make([]func(T), 0, len(e.handlers))
	for _, fn := range e.handlers {
		handlers = append(handlers, fn)
	}
	e.mu.Unlock()
	for _, fn := range handlers {
		fn(event)
	}
}
