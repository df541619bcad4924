package ot

// Side tells the pairwise transform which op wins a position tie. The left
// op keeps its position; the right op shifts. Rebasing local or incoming
// ops against a committed run passes SideLeft for the rebased side.
type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

func (s Side) invert() Side {
	if s == SideRight {
		return SideLeft
	}
	return SideRight
}

// TransformFunc transforms op a against reference op b from the given side.
// It may fail if the document type's transform is undefined for the inputs;
// such failures propagate uncaught out of TransformSequence.
type TransformFunc func(a, b any, side Side) (any, error)

// TransformSequence transforms two concurrent op sequences against each
// other, reducing the list-vs-list case to the pairwise primitive. Applying
// ops then otherOps' yields the same state as applying otherOps then ops'
// (the OT diamond property). Within-sequence order of both inputs is
// preserved and the function is pure.
//
// The recursion walks a transformation lattice: transform the two heads
// against each other in both directions, then transform each tail across
// the opposite transformed head, and finally the two intermediate results
// against each other.
func TransformSequence(ops, otherOps []any, side Side, transformOne TransformFunc) ([]any, []any, error) {
	if len(ops) == 0 || len(otherOps) == 0 {
		return ops, otherOps, nil
	}

	opHead, opTail := ops[0], ops[1:]
	otherHead, otherTail := otherOps[0], otherOps[1:]
	inverted := side.invert()

	newOpHead, err := transformOne(opHead, otherHead, side)
	if err != nil {
		return nil, nil, err
	}
	newOtherHead, err := transformOne(otherHead, opHead, inverted)
	if err != nil {
		return nil, nil, err
	}

	// otherTail and the transformed op head both apply after otherHead.
	otherTailMid, opHeadFinal, err := TransformSequence(otherTail, []any{newOpHead}, inverted, transformOne)
	if err != nil {
		return nil, nil, err
	}
	// The transformed other head and opTail both apply after opHead.
	otherHeadFinal, opTailMid, err := TransformSequence([]any{newOtherHead}, opTail, inverted, transformOne)
	if err != nil {
		return nil, nil, err
	}
	opTailFinal, otherTailFinal, err := TransformSequence(opTailMid, otherTailMid, side, transformOne)
	if err != nil {
		return nil, nil, err
	}

	newOps := append(append([]any{}, opHeadFinal...), opTailFinal...)
	newOtherOps := append(append([]any{}, otherHeadFinal...), otherTailFinal...)
	return newOps, newOtherOps, nil
}
