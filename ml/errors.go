package ml

import (
	"fmt"
	"strings"
)

// ShapeError reports tensor metadata that does not line up: a non-positive
// dimension, an element count mismatch or operands whose shapes cannot be
// combined by an operation.
type ShapeError struct {
	Op     string
	Shapes [][]int

	// Count and Want are set when the mismatch is between a data length
	// and the element count implied by a shape.
	Count int
	Want  int
}

func (e *ShapeError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: invalid shape", e.Op)

	if len(e.Shapes) > 0 {
		shapes := make([]string, len(e.Shapes))
		for i, s := range e.Shapes {
			shapes[i] = formatShape(s)
		}
		fmt.Fprintf(&sb, " %s", strings.Join(shapes, " x "))
	}

	if e.Want != 0 || e.Count != 0 {
		fmt.Fprintf(&sb, " (%d elements, expected %d)", e.Count, e.Want)
	}

	return sb.String()
}

// AllocationError reports a tensor allocation that could not be satisfied.
// It carries the requested shape and size so callers can apply backpressure
// without inspecting backend state.
type AllocationError struct {
	Op    string
	Shape []int
	DType DType
	Size  uint64
	Limit uint64
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("%s: cannot allocate %s %s tensor (%d bytes, limit %d)",
		e.Op, formatShape(e.Shape), e.DType, e.Size, e.Limit)
}
