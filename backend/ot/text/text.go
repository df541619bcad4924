// Package text supplies a plain-text document type: the snapshot is a
// string and every op is a single insertion or deletion at a byte offset.
package text

import (
	"golang.org/x/xerrors"

	"otsync/backend/ot"
)

// Op is a single text mutation. Exactly one of Insert or Delete is set.
// Delete carries the deleted text itself, which keeps inversion pure.
type Op struct {
	Pos    int    `json:"pos"`
	Insert string `json:"insert,omitempty"`
	Delete string `json:"delete,omitempty"`
}

// Cursor is the presence value: a caret position in the text.
type Cursor struct {
	Pos int `json:"pos"`
}

// Type implements ot.Type for plain text.
//
// Tie-break rule: when two inserts target the same position, the op
// transformed from the right side shifts forward, i.e. the logically-first
// ("left") op keeps its position.
type Type struct{}

// New returns the plain-text document type.
func New() Type {
	return Type{}
}

// Name implements ot.Type.
func (Type) Name() string {
	return "text"
}

// Create implements ot.Creator.
func (Type) Create() any {
	return ""
}

// Transform implements ot.Type. It transforms op a against the concurrent
// reference op b.
func (Type) Transform(a, b any, side ot.Side) (any, error) {
	opA, err := asOp(a)
	if err != nil {
		return nil, err
	}
	opB, err := asOp(b)
	if err != nil {
		return nil, err
	}

	if opB.Insert != "" || opB.Delete == "" {
		// Reference op is an insert (or a no-op, which shifts nothing).
		shift := len(opB.Insert)
		switch {
		case opA.Insert != "" || opA.Delete == "":
			if opB.Pos < opA.Pos || (opB.Pos == opA.Pos && side == ot.SideRight) {
				opA.Pos += shift
			}
			return opA, nil
		default:
			// a deletes. An insert before or at the start of the range
			// shifts the whole range; inside the range it splits the
			// deletion, which we fold by widening a to swallow the insert.
			end := opA.Pos + len(opA.Delete)
			if opB.Pos <= opA.Pos {
				opA.Pos += shift
			} else if opB.Pos < end {
				at := opB.Pos - opA.Pos
				opA.Delete = opA.Delete[:at] + opB.Insert + opA.Delete[at:]
			}
			return opA, nil
		}
	}

	// Reference op is a delete.
	bEnd := opB.Pos + len(opB.Delete)
	if opA.Insert != "" || opA.Delete == "" {
		switch {
		case opA.Pos <= opB.Pos:
		case opA.Pos >= bEnd:
			opA.Pos -= len(opB.Delete)
		default:
			// Insert inside the deleted range collapses; the mirror
			// direction widens the delete to swallow it.
			opA.Pos = opB.Pos
			opA.Insert = ""
		}
		return opA, nil
	}

	aEnd := opA.Pos + len(opA.Delete)
	switch {
	case aEnd <= opB.Pos:
	case opA.Pos >= bEnd:
		opA.Pos -= len(opB.Delete)
	default:
		// Overlapping deletes: drop the doubly-deleted middle from a.
		keepFront := maxInt(0, opB.Pos-opA.Pos)
		keepBack := maxInt(0, aEnd-bEnd)
		opA.Delete = opA.Delete[:keepFront] + opA.Delete[len(opA.Delete)-keepBack:]
		opA.Pos = minInt(opA.Pos, opB.Pos)
	}
	return opA, nil
}

// Apply implements ot.Applier.
func (Type) Apply(snapshot, op any) (any, error) {
	s, err := asString(snapshot)
	if err != nil {
		return nil, err
	}
	o, err := asOp(op)
	if err != nil {
		return nil, err
	}
	if o.Insert != "" {
		if o.Pos < 0 || o.Pos > len(s) {
			return nil, xerrors.Errorf("text: insert at %d out of bounds for length %d", o.Pos, len(s))
		}
		return s[:o.Pos] + o.Insert + s[o.Pos:], nil
	}
	if o.Delete != "" {
		if o.Pos < 0 || o.Pos+len(o.Delete) > len(s) {
			return nil, xerrors.Errorf("text: delete at %d out of bounds for length %d", o.Pos, len(s))
		}
		return s[:o.Pos] + s[o.Pos+len(o.Delete):], nil
	}
	return s, nil
}

// Invert implements ot.Inverter.
func (Type) Invert(op any) (any, error) {
	o, err := asOp(op)
	if err != nil {
		return nil, err
	}
	if o.Insert != "" {
		return Op{Pos: o.Pos, Delete: o.Insert}, nil
	}
	if o.Delete != "" {
		return Op{Pos: o.Pos, Insert: o.Delete}, nil
	}
	return o, nil
}

// Compose implements ot.Composer. It coalesces runs of typing and runs of
// backspacing/forward-deleting into single ops.
func (Type) Compose(op, prevOp any) (any, bool) {
	o, err := asOp(op)
	if err != nil {
		return nil, false
	}
	prev, err := asOp(prevOp)
	if err != nil {
		return nil, false
	}
	if o.Insert != "" && prev.Insert != "" {
		if o.Pos == prev.Pos+len(prev.Insert) {
			return Op{Pos: prev.Pos, Insert: prev.Insert + o.Insert}, true
		}
		return nil, false
	}
	if o.Delete != "" && prev.Delete != "" {
		if o.Pos+len(o.Delete) == prev.Pos {
			// Backspacing: the later delete ends where the earlier began.
			return Op{Pos: o.Pos, Delete: o.Delete + prev.Delete}, true
		}
		if o.Pos == prev.Pos {
			// Forward deleting at a fixed position.
			return Op{Pos: prev.Pos, Delete: prev.Delete + o.Delete}, true
		}
	}
	return nil, false
}

// TransformPresence implements ot.PresenceTransformer. The holder's own
// inserts at the caret push the caret forward; foreign inserts at the caret
// leave it in place.
func (Type) TransformPresence(presence any, refOp any, isOwn bool) (any, error) {
	c, err := asCursor(presence)
	if err != nil {
		return nil, err
	}
	o, err := asOp(refOp)
	if err != nil {
		return nil, err
	}
	if o.Insert != "" {
		if o.Pos < c.Pos || (o.Pos == c.Pos && isOwn) {
			c.Pos += len(o.Insert)
		}
		return c, nil
	}
	if o.Delete != "" {
		end := o.Pos + len(o.Delete)
		switch {
		case end <= c.Pos:
			c.Pos -= len(o.Delete)
		case o.Pos < c.Pos:
			c.Pos = o.Pos
		}
	}
	return c, nil
}

// DecodeOp implements ot.Codec.
func (Type) DecodeOp(raw any) (any, error) {
	return asOp(raw)
}

// DecodePresence implements ot.Codec.
func (Type) DecodePresence(raw any) (any, error) {
	return asCursor(raw)
}

func asOp(raw any) (Op, error) {
	switch v := raw.(type) {
	case Op:
		return v, nil
	case *Op:
		return *v, nil
	case map[string]any:
		var o Op
		if pos, ok := v["pos"].(float64); ok {
			o.Pos = int(pos)
		}
		o.Insert, _ = v["insert"].(string)
		o.Delete, _ = v["delete"].(string)
		return o, nil
	default:
		return Op{}, xerrors.Errorf("text: not an op: %T", raw)
	}
}

func asString(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case *string:
		return *v, nil
	default:
		return "", xerrors.Errorf("text: not a text snapshot: %T", raw)
	}
}

func asCursor(raw any) (Cursor, error) {
	switch v := raw.(type) {
	case Cursor:
		return v, nil
	case *Cursor:
		return *v, nil
	case map[string]any:
		var c Cursor
		if pos, ok := v["pos"].(float64); ok {
			c.Pos = int(pos)
		}
		return c, nil
	default:
		return Cursor{}, xerrors.Errorf("text: not a cursor: %T", raw)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
