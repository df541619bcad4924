package ot

import (
	"golang.org/x/xerrors"

	"otsync/backend/types"
)

// Type is the contract a pluggable document type must satisfy. Transform is
// required; everything else is an optional capability declared by
// implementing one of the interfaces below. Capabilities are resolved once
// by NewRunner, not checked per call.
type Type interface {
	// Name identifies the document type on the wire.
	Name() string

	// Transform transforms op a against the concurrent reference op b from
	// the given side and returns the transformed a.
	Transform(a, b any, side Side) (any, error)
}

// ApplyAndInverter applies an op and produces its inverse in one step.
// Preferred over separate Applier + Inverter when available.
type ApplyAndInverter interface {
	ApplyAndInvert(snapshot, op any, invert bool) (newSnapshot, invertOp any, err error)
}

// Applier applies an op to a snapshot.
type Applier interface {
	Apply(snapshot, op any) (any, error)
}

// Inverter derives the inverse of an op from the op alone.
type Inverter interface {
	Invert(op any) (any, error)
}

// DocInverter derives the inverse of an op using the snapshot it applies to.
type DocInverter interface {
	InvertWithDoc(op, snapshot any) (any, error)
}

// Composer merges two adjacent same-author ops into one. The second return
// is false when the pair cannot be merged.
type Composer interface {
	Compose(op, prevOp any) (any, bool)
}

// PresenceTransformer rebases a presence value across an op. isOwn tells
// whether the op's author is the presence holder.
type PresenceTransformer interface {
	TransformPresence(presence any, refOp any, isOwn bool) (any, error)
}

// Codec normalizes values arriving from a JSON transport (where structured
// contents decode as map[string]any) back into the type's native op and
// presence representations. Values already in native form pass through.
type Codec interface {
	DecodeOp(raw any) (any, error)
	DecodePresence(raw any) (any, error)
}

// Creator produces the content of an empty document.
type Creator interface {
	Create() any
}

// Runner binds a Type with its resolved optional capabilities.
type Runner struct {
	t                Type
	applyAndInverter ApplyAndInverter
	applier          Applier
	inverter         Inverter
	docInverter      DocInverter
	composer         Composer
	presence         PresenceTransformer
	codec            Codec
	creator          Creator
}

// NewRunner resolves the capabilities of t. It fails with a configuration
// error if t supplies neither ApplyAndInvert nor Apply.
func NewRunner(t Type) (*Runner, error) {
	r := &Runner{t: t}
	r.applyAndInverter, _ = t.(ApplyAndInverter)
	r.applier, _ = t.(Applier)
	r.inverter, _ = t.(Inverter)
	r.docInverter, _ = t.(DocInverter)
	r.composer, _ = t.(Composer)
	r.presence, _ = t.(PresenceTransformer)
	r.codec, _ = t.(Codec)
	r.creator, _ = t.(Creator)
	if r.applyAndInverter == nil && r.applier == nil {
		return nil, xerrors.Errorf("ot type %s supplies neither ApplyAndInvert nor Apply", t.Name())
	}
	return r, nil
}

// Name returns the bound type's name.
func (r *Runner) Name() string {
	return r.t.Name()
}

// ApplyAndInvert applies op to snapshot and returns the new snapshot plus,
// when invert is true, the inverse op content. It prefers the type's own
// ApplyAndInvert and falls back to Apply + Invert/InvertWithDoc.
func (r *Runner) ApplyAndInvert(snapshot, op any, invert bool) (any, any, error) {
	if r.applyAndInverter != nil {
		return r.applyAndInverter.ApplyAndInvert(snapshot, op, invert)
	}
	var invertOp any
	if invert {
		var err error
		switch {
		case r.inverter != nil:
			invertOp, err = r.inverter.Invert(op)
		case r.docInverter != nil:
			invertOp, err = r.docInverter.InvertWithDoc(op, snapshot)
		default:
			err = xerrors.Errorf("ot type %s cannot invert ops", r.t.Name())
		}
		if err != nil {
			return nil, nil, err
		}
	}
	newSnapshot, err := r.applier.Apply(snapshot, op)
	if err != nil {
		return nil, nil, err
	}
	return newSnapshot, invertOp, nil
}

// TransformOne exposes the pairwise primitive as a TransformFunc.
func (r *Runner) TransformOne(a, b any, side Side) (any, error) {
	return r.t.Transform(a, b, side)
}

// Transform transforms op contents against concurrent reference contents.
// The ops being rebased take the left side, so on position ties they keep
// their position and the reference run shifts past them.
func (r *Runner) Transform(ops, refOps []any) ([]any, []any, error) {
	return TransformSequence(ops, refOps, SideLeft, r.TransformOne)
}

// CanCompose reports whether the type supports op composition.
func (r *Runner) CanCompose() bool {
	return r.composer != nil
}

// Compose merges op into prevOp when the type supports it.
func (r *Runner) Compose(op, prevOp any) (any, bool) {
	if r.composer == nil {
		return nil, false
	}
	return r.composer.Compose(op, prevOp)
}

// CanTransformPresence reports whether the type supports presence rebasing.
func (r *Runner) CanTransformPresence() bool {
	return r.presence != nil
}

// TransformPresenceValue rebases a presence value through a batch of op
// contents. clientIDs must parallel contents; an op is "own" when its author
// is the presence holder.
func (r *Runner) TransformPresenceValue(presenceClientID string, value any, contents []any, clientIDs []string) (any, error) {
	if r.presence == nil || value == nil {
		return value, nil
	}
	var err error
	for i, content := range contents {
		isOwn := i < len(clientIDs) && clientIDs[i] == presenceClientID
		value, err = r.presence.TransformPresence(value, content, isOwn)
		if err != nil {
			return nil, err
		}
		if value == nil {
			return nil, nil
		}
	}
	return value, nil
}

// TransformPresenceOps is TransformPresenceValue over committed ops.
func (r *Runner) TransformPresenceOps(presenceClientID string, value any, ops []types.Op) (any, error) {
	contents := make([]any, len(ops))
	clientIDs := make([]string, len(ops))
	for i, op := range ops {
		contents[i] = op.Content
		clientIDs[i] = op.ClientID
	}
	return r.TransformPresenceValue(presenceClientID, value, contents, clientIDs)
}

// DecodeOp normalizes an op content arriving from the transport.
func (r *Runner) DecodeOp(raw any) (any, error) {
	if r.codec == nil {
		return raw, nil
	}
	return r.codec.DecodeOp(raw)
}

// DecodePresence normalizes a presence content arriving from the transport.
func (r *Runner) DecodePresence(raw any) (any, error) {
	if r.codec == nil || raw == nil {
		return raw, nil
	}
	return r.codec.DecodePresence(raw)
}

// Create returns the content of an empty document, nil if the type does not
// declare one.
func (r *Runner) Create() any {
	if r.creator == nil {
		return nil
	}
	return r.creator.Create()
}

// DecodeOps normalizes the contents of a batch of ops in place.
func (r *Runner) DecodeOps(ops []types.Op) error {
	if r.codec == nil {
		return nil
	}
	for i := range ops {
		content, err := r.codec.DecodeOp(ops[i].Content)
		if err != nil {
			return err
		}
		ops[i].Content = content
	}
	return nil
}
