package client

import (
	"otsync/backend/types"
)

// undoItem is one entry of an undo or redo stack: the submitted op, its
// inverse, whether the server accepted the op yet, and the committed op
// contents that landed after acceptance. A stale invert is rebased through
// afterOps when the item is popped.
type undoItem struct {
	op       types.Op
	invert   types.Op
	accepted bool
	afterOps []any
}

// undoRedoStack holds the items of one direction. items[:nextAcceptedIndex]
// are server-accepted, the rest still pending.
type undoRedoStack struct {
	doc               *Doc
	limit             int
	items             []*undoItem
	nextAcceptedIndex int
}

func (s *undoRedoStack) push(item *undoItem) {
	s.items = append(s.items, item)
	if len(s.items) > s.limit {
		s.items = s.items[1:]
		if s.nextAcceptedIndex > 0 {
			s.nextAcceptedIndex--
		}
	}
}

// pop removes and returns the newest item with its invert rebased to the
// current document state. Returns nil when the stack is empty.
func (s *undoRedoStack) pop() (*undoItem, error) {
	if len(s.items) == 0 {
		return nil, nil
	}
	item := s.items[len(s.items)-1]
	s.items = s.items[:len(s.items)-1]
	if s.nextAcceptedIndex > len(s.items) {
		s.nextAcceptedIndex = len(s.items)
	}
	if item.accepted && len(item.afterOps) > 0 {
		rebased, leftover, err := s.doc.runner.Transform([]any{item.invert.Content}, item.afterOps)
		if err != nil {
			return nil, err
		}
		item.invert.Content = rebased[0]
		// The ops this invert skipped over still sit after the next item
		// down.
		if len(s.items) > 0 {
			next := s.items[len(s.items)-1]
			if next.accepted {
				next.afterOps = append(next.afterOps, leftover...)
			}
		}
	}
	return item, nil
}

// onRemoteOp folds one committed run into the stack bookkeeping: foreign
// ops become afterOps of the newest accepted item, and the own op either
// accepts the item waiting for it or counts as an after-op itself.
func (s *undoRedoStack) onRemoteOp(e RemoteOpEvent, clientID string) {
	s.appendAfterOps(e.PrevOps)
	if e.SourceOp != nil {
		matched := false
		if s.nextAcceptedIndex < len(s.items) {
			item := s.items[s.nextAcceptedIndex]
			if item.op.ID == e.SourceOp.ID && e.SourceOp.ClientID == clientID {
				item.accepted = true
				item.afterOps = nil
				if e.SourceInvert != nil {
					item.invert = *e.SourceInvert
				}
				s.nextAcceptedIndex++
				matched = true
			}
		}
		// Whether it accepts an item here or not, the committed op landed
		// after every previously accepted item.
		if !matched || s.nextAcceptedIndex > 1 {
			idx := s.nextAcceptedIndex
			if matched {
				idx--
			}
			if idx > 0 {
				item := s.items[idx-1]
				item.afterOps = append(item.afterOps, e.SourceOp.Content)
			}
		}
	}
	s.appendAfterOps(e.AfterOps)
}

func (s *undoRedoStack) appendAfterOps(ops []types.Op) {
	if len(ops) == 0 || s.nextAcceptedIndex == 0 {
		return
	}
	item := s.items[s.nextAcceptedIndex-1]
	for i := range ops {
		item.afterOps = append(item.afterOps, ops[i].Content)
	}
}

// syncPendingOps refreshes unaccepted items whose pending op was rewritten
// by a rebase or a composition.
func (s *undoRedoStack) syncPendingOps(ps []*types.PendingOp) {
	for i := s.nextAcceptedIndex; i < len(s.items); i++ {
		item := s.items[i]
		for _, p := range ps {
			if p.Op.ID == item.op.ID {
				item.op.Content = p.Op.Content
				item.invert.Content = p.Invert.Content
				break
			}
		}
	}
}

func (s *undoRedoStack) clear() {
	s.items = nil
	s.nextAcceptedIndex = 0
}

// UndoManager pairs the undo and redo stacks of a document. All methods
// assume the document lock is held.
type UndoManager struct {
	doc       *Doc
	undoStack *undoRedoStack
	redoStack *undoRedoStack
}

func newUndoManager(d *Doc, limit int) *UndoManager {
	return &UndoManager{
		doc:       d,
		undoStack: &undoRedoStack{doc: d, limit: limit},
		redoStack: &undoRedoStack{doc: d, limit: limit},
	}
}

// submitOp records a fresh user op. Any redo history becomes unreachable.
func (m *UndoManager) submitOp(p *types.PendingOp) {
	m.undoStack.push(&undoItem{op: p.Op, invert: p.Invert})
	m.redoStack.clear()
}

// canComposeInto reports whether the pending op with the given id is still
// the newest, unaccepted undo entry, i.e. safe to grow in place.
func (m *UndoManager) canComposeInto(id string) bool {
	if len(m.undoStack.items) == 0 {
		return false
	}
	top := m.undoStack.items[len(m.undoStack.items)-1]
	return !top.accepted && top.op.ID == id
}

func (m *UndoManager) canUndo() bool { return len(m.undoStack.items) > 0 }

func (m *UndoManager) canRedo() bool { return len(m.redoStack.items) > 0 }

func (m *UndoManager) performUndo() (bool, error) { return m.undoRedo(m.undoStack, m.redoStack) }

func (m *UndoManager) performRedo() (bool, error) { return m.undoRedo(m.redoStack, m.undoStack) }

// undoRedo pops from one stack, submits the popped invert as a new op, and
// pushes the reverse entry onto the other stack.
func (m *UndoManager) undoRedo(from, to *undoRedoStack) (bool, error) {
	item, err := from.pop()
	if err != nil || item == nil {
		return false, err
	}
	p := &types.PendingOp{Op: item.invert, Invert: item.op}
	p.Op.Version = 0
	if err := m.doc.submitPendingOpLocked(p); err != nil {
		return false, err
	}
	to.push(&undoItem{op: p.Op, invert: p.Invert})
	return true, nil
}

func (m *UndoManager) onRemoteOp(e RemoteOpEvent) {
	m.undoStack.onRemoteOp(e, m.doc.conf.ClientID)
	m.redoStack.onRemoteOp(e, m.doc.conf.ClientID)
}

func (m *UndoManager) syncPendingOps(ps []*types.PendingOp) {
	m.undoStack.syncPendingOps(ps)
	m.redoStack.syncPendingOps(ps)
}

func (m *UndoManager) clear() {
	m.undoStack.clear()
	m.redoStack.clear()
}
