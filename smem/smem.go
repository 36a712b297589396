// Package smem computes per-buffer shared-memory offsets and total
// static/dynamic shared-memory usage (spec.md §4.2). Its alignment
// arithmetic generalizes the teacher's Builder.calculateAlignedOffsetsAndSize
// offset-bookkeeping discipline from a configurable AlignmentType down to
// this spec's fixed 16-byte base-offset rule.
package smem

import (
	"fmt"

	"github.com/gpufusion/executor/exprs"
	"github.com/gpufusion/executor/kir"
	"github.com/gpufusion/executor/xerrors"
)

const baseAlignment = 16

func align16(v int64) int64 {
	if v%baseAlignment == 0 {
		return v
	}
	return ((v / baseAlignment) + 1) * baseAlignment
}

// Plan computes the total shared-memory bytes required by allocs starting
// from base, per spec.md §4.2: align base to 16 bytes, then for each
// non-aliased allocation track the max last-byte = base + address +
// size*sizeof(elem_type).
func Plan(allocs []kir.SmemAlloc, base int64, ev *exprs.Evaluator) (int64, error) {
	base = align16(base)
	total := base

	for _, a := range allocs {
		if a.AliasOf != "" {
			continue
		}
		addr, ok := ev.Eval(a.Address)
		if !ok {
			return 0, fmt.Errorf("smem alloc %q address: %w", a.Name, xerrors.ErrShapeUnresolved)
		}
		size, ok := ev.Eval(a.Size)
		if !ok {
			return 0, fmt.Errorf("smem alloc %q size: %w", a.Name, xerrors.ErrShapeUnresolved)
		}
		lastByte := base + addr + size*a.DType.ByteSize()
		if lastByte > total {
			total = lastByte
		}
	}
	return total, nil
}

// WorkspaceParams are the block dimensions the welford/grouped-iteration
// workspace formula scales by.
type WorkspaceParams struct {
	Bx, By, Bz int64
}

// Workspace computes the reduction/broadcast workspace base offset that
// dynamic shared-memory planning starts from, per spec.md §4.2's formula.
// It is an error for a kernel to declare iter-grouped reductions together
// with a welford factor of 3.
func Workspace(summary *kir.KernelSummary, p WorkspaceParams) (int64, error) {
	if summary.HasIterGroupedReduction && (summary.HasBlockWelford || summary.HasGridWelford) {
		return 0, xerrors.ErrGroupedWelfordConflict
	}

	welfordFactor := int64(1)
	if summary.HasBlockWelford || summary.HasGridWelford {
		welfordFactor = 3
	}
	groupedIterFactor := int64(summary.NumGroupedIterations)
	if groupedIterFactor == 0 {
		groupedIterFactor = 1
	}

	ws := summary.LargestSmemType.ByteSize() * welfordFactor * groupedIterFactor * p.Bx * p.By * p.Bz

	if summary.HasOuterGroupedGridWelford && summary.OuterGroupedGridWelfordLargestSmemSize > ws {
		ws = summary.OuterGroupedGridWelfordLargestSmemSize
	}
	return ws, nil
}

// DynamicTotal computes the kernel's total dynamic shared-memory
// requirement: Plan over the kernel's dynamic allocations, based at the
// reduction/broadcast workspace offset.
func DynamicTotal(summary *kir.KernelSummary, p WorkspaceParams, ev *exprs.Evaluator) (int64, error) {
	base, err := Workspace(summary, p)
	if err != nil {
		return 0, err
	}
	return Plan(summary.DynamicSmem, base, ev)
}

// StaticTotal computes the kernel's total static shared-memory usage.
func StaticTotal(summary *kir.KernelSummary, ev *exprs.Evaluator) (int64, error) {
	return Plan(summary.StaticSmem, 0, ev)
}
