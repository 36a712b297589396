// Package shapeinfer resolves symbolic extents bound to input shapes into
// concrete sizes and strides for output and intermediate tensors, including
// the allocation domain -> logical domain layout transform (spec.md §4.1).
package shapeinfer

import (
	"fmt"

	"github.com/gpufusion/executor/exprs"
	"github.com/gpufusion/executor/kir"
	"github.com/gpufusion/executor/xerrors"
)

// Shape is a resolved, concrete size/stride pair in logical-domain order.
type Shape struct {
	Sizes   []int64
	Strides []int64
}

// InferIntermediate resolves an intermediate tensor's allocation shape
// vector into concrete sizes/strides, applying the same per-axis rules
// InferOutput's allocation-domain walk applies (spec.md §4.1 step 1/3):
// skip reduction/stride-only axes, force device-rank axes to extent one,
// and give an expanded-broadcast axis its expanded extent with stride 0.
// A dimension that comes back with stride 0 is never multiplied into the
// buffer's physical footprint (see PhysicalBytes): the allocator materializes
// the unexpanded storage and this Shape expands it logically for everything
// downstream (the evaluator binding and the kernel argument buffer).
func InferIntermediate(allocShape []kir.Axis, ev *exprs.Evaluator) (Shape, error) {
	actives, err := walkAllocDomain(allocShape, ev)
	if err != nil {
		return Shape{}, err
	}
	sizes, strides := contiguousStrides(actives)
	return Shape{Sizes: sizes, Strides: strides}, nil
}

// PhysicalBytes returns the number of bytes actually needed to back s,
// honoring zero-stride (expanded) dimensions: such a dimension's logical
// extent never contributes to the footprint, since every logical index
// along it reads the same physical element. For contiguous strides with no
// expanded dimension this is the plain element count times elemSize. A
// zero-sized dimension contributes nothing, so the result is never below
// one element.
func PhysicalBytes(s Shape, elemSize int64) int64 {
	if len(s.Sizes) == 0 {
		return elemSize
	}
	var maxOffset int64
	for i, sz := range s.Sizes {
		if sz <= 0 {
			continue
		}
		maxOffset += (sz - 1) * s.Strides[i]
	}
	return elemSize * (maxOffset + 1)
}

// activeAxis is one surviving allocation-domain axis after the skip rules
// of step 1 have been applied, carrying its resolved extent.
type activeAxis struct {
	id       string
	size     int64
	expanded bool
}

// InferOutput resolves an output tensor's allocation-domain walk, strides
// and (if the allocation domain is non-trivial) the allocation->logical
// transform, producing the final shape in logical-domain order.
func InferOutput(tv *kir.TensorView, ev *exprs.Evaluator) (Shape, error) {
	actives, err := walkAllocDomain(tv.AllocDomain, ev)
	if err != nil {
		return Shape{}, err
	}

	sizes, strides := contiguousStrides(actives)

	if !tv.HasNonTrivialAlloc() {
		return Shape{Sizes: sizes, Strides: strides}, nil
	}

	frontier := make([]frontierEntry, len(actives))
	for i, a := range actives {
		frontier[i] = frontierEntry{id: a.id, size: sizes[i], stride: strides[i]}
	}

	for _, tr := range tv.ForwardTransforms {
		frontier, err = applyTransform(frontier, tr, ev)
		if err != nil {
			return Shape{}, err
		}
	}
	for i := len(tv.BackwardTransforms) - 1; i >= 0; i-- {
		frontier, err = applyTransform(frontier, tv.BackwardTransforms[i], ev)
		if err != nil {
			return Shape{}, err
		}
	}

	return permuteToLogical(tv, frontier)
}

// walkAllocDomain applies step 1 of spec.md §4.1: skip reduction and
// stride-only axes, force device-rank axes to extent 1, and resolve every
// surviving extent (taking the expanded value for expanded-broadcast axes).
func walkAllocDomain(allocDomain []kir.Axis, ev *exprs.Evaluator) ([]activeAxis, error) {
	var out []activeAxis
	for _, ax := range allocDomain {
		if ax.Flags.Reduction || ax.Flags.StrideOnly {
			continue
		}

		var extent kir.Expr = ax.Extent
		expanded := false
		if ax.Flags.DeviceDim {
			extent = exprs.Const(1)
		} else if ax.Flags.ExpandedBroadcast {
			extent = ax.Flags.ExpandedExtent
			expanded = true
		}

		v, ok := ev.Eval(extent)
		if !ok {
			return nil, fmt.Errorf("output axis %q: %w", ax.ID, xerrors.ErrShapeUnresolved)
		}
		out = append(out, activeAxis{id: ax.ID, size: v, expanded: expanded})
	}
	return out, nil
}

// contiguousStrides implements step 3: expanded axis -> stride 0, zero-sized
// axis -> stride 1, otherwise the running product of subsequent non-ignored
// (non-expanded, non-zero-sized) extents.
func contiguousStrides(actives []activeAxis) ([]int64, []int64) {
	sizes := make([]int64, len(actives))
	strides := make([]int64, len(actives))
	running := int64(1)
	for i := len(actives) - 1; i >= 0; i-- {
		a := actives[i]
		sizes[i] = a.size
		switch {
		case a.expanded:
			strides[i] = 0
		case a.size == 0:
			strides[i] = 1
		default:
			strides[i] = running
		}
		if !a.expanded && a.size != 0 {
			running *= a.size
		}
	}
	return sizes, strides
}

type frontierEntry struct {
	id     string
	size   int64
	stride int64
}

func indexOf(frontier []frontierEntry, id string) int {
	for i, f := range frontier {
		if f.id == id {
			return i
		}
	}
	return -1
}

// applyTransform applies one transform to the frontier: a Split replaces its
// input axis with outer,inner; a Merge replaces its two input axes with
// their combined output. Either operation is skipped if its input side is
// absent from the frontier (the "allocation domain on both sides of
// logical" edge case). Every transform is applied in this input->output
// sense, including those from BackwardTransforms: InferOutput walks that
// list in reverse order but does not invert its splits and merges.
func applyTransform(frontier []frontierEntry, tr kir.Transform, ev *exprs.Evaluator) ([]frontierEntry, error) {
	switch tr.Kind {
	case kir.Split:
		i := indexOf(frontier, tr.In)
		if i < 0 {
			return frontier, nil
		}
		factor, ok := ev.Eval(tr.Factor)
		if !ok {
			return nil, fmt.Errorf("split factor for %q: %w", tr.In, xerrors.ErrShapeUnresolved)
		}
		in := frontier[i]
		var outerSize int64
		if factor != 0 {
			outerSize = in.size / factor
		}
		inner := frontierEntry{id: tr.Inner, size: factor, stride: in.stride}
		outer := frontierEntry{id: tr.Outer, size: outerSize, stride: in.stride * inner.size}
		next := make([]frontierEntry, 0, len(frontier)+1)
		next = append(next, frontier[:i]...)
		next = append(next, outer, inner)
		next = append(next, frontier[i+1:]...)
		return next, nil

	case kir.Merge:
		oi := indexOf(frontier, tr.Outer)
		ii := indexOf(frontier, tr.Inner)
		if oi < 0 || ii < 0 {
			return frontier, nil
		}
		outer, inner := frontier[oi], frontier[ii]
		out := frontierEntry{id: tr.Out, size: outer.size * inner.size, stride: inner.stride}
		lo, hi := oi, ii
		if lo > hi {
			lo, hi = hi, lo
		}
		next := make([]frontierEntry, 0, len(frontier)-1)
		next = append(next, frontier[:lo]...)
		next = append(next, out)
		for k := lo + 1; k < len(frontier); k++ {
			if k == oi || k == ii {
				continue
			}
			next = append(next, frontier[k])
		}
		return next, nil

	default:
		return nil, fmt.Errorf("transform kind %d: %w", tr.Kind, xerrors.ErrUnsupportedAllocTransform)
	}
}

// permuteToLogical applies the final permutation: after traversal, frontier
// must contain exactly the logical domain's axis ids. Mismatch is a
// xerrors.ErrRankMismatch.
func permuteToLogical(tv *kir.TensorView, frontier []frontierEntry) (Shape, error) {
	if len(frontier) != len(tv.LogicalDomain) {
		return Shape{}, fmt.Errorf("frontier has %d axes, logical domain has %d: %w",
			len(frontier), len(tv.LogicalDomain), xerrors.ErrRankMismatch)
	}
	sizes := make([]int64, len(tv.LogicalDomain))
	strides := make([]int64, len(tv.LogicalDomain))
	for i, ax := range tv.LogicalDomain {
		j := indexOf(frontier, ax.ID)
		if j < 0 {
			return Shape{}, fmt.Errorf("logical axis %q missing from frontier: %w", ax.ID, xerrors.ErrRankMismatch)
		}
		sizes[i] = frontier[j].size
		strides[i] = frontier[j].stride
	}
	return Shape{Sizes: sizes, Strides: strides}, nil
}
