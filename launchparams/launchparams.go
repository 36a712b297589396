// Package launchparams binds parallel-dimension extents, merges explicit
// launch constraints, and produces grid/block dimensions and dynamic
// shared-memory size (spec.md §4.3).
package launchparams

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/gpufusion/executor/exprs"
	"github.com/gpufusion/executor/kir"
	"github.com/gpufusion/executor/smem"
	"github.com/gpufusion/executor/xerrors"
)

// Unbound marks a launch-parameter dimension with no explicit or inferred
// value.
const Unbound int64 = -1

// Dim3 is a grid or block dimension triple.
type Dim3 struct {
	X, Y, Z int64
}

// LaunchParams is the fully resolved set of launch parameters for one call.
type LaunchParams struct {
	Grid          Dim3
	Block         Dim3
	DynamicSmem   int64
}

// Constraints pins a subset of parallel dimensions explicitly; unset
// entries are Unbound and left for inference.
type Constraints struct {
	Grid  Dim3
	Block Dim3
}

// NewConstraints returns Constraints with every dimension Unbound. Callers
// pin individual fields before passing it to Resolve; the zero value of
// Constraints is NOT usable directly since its fields would read as 0
// rather than Unbound.
func NewConstraints() Constraints {
	return Constraints{
		Grid:  Dim3{Unbound, Unbound, Unbound},
		Block: Dim3{Unbound, Unbound, Unbound},
	}
}

func (c Constraints) pinned(pt kir.ParallelType) (int64, bool) {
	var v int64
	switch pt {
	case kir.TIDx:
		v = c.Block.X
	case kir.TIDy:
		v = c.Block.Y
	case kir.TIDz:
		v = c.Block.Z
	case kir.BIDx:
		v = c.Grid.X
	case kir.BIDy:
		v = c.Grid.Y
	case kir.BIDz:
		v = c.Grid.Z
	}
	return v, v != Unbound
}

// Resolver resolves launch parameters for repeated calls against the same
// executor instance, tracking which (kernel, dimension) mismatches it has
// already warned about (spec.md §9 open-question decision #1: the pin
// wins, and the warning fires once per pair).
type Resolver struct {
	warned map[string]bool
}

// NewResolver returns a Resolver with no warnings yet emitted.
func NewResolver() *Resolver {
	return &Resolver{warned: make(map[string]bool)}
}

// Resolve implements spec.md §4.3's five-step algorithm.
func (r *Resolver) Resolve(kernelName string, summary *kir.KernelSummary, c Constraints, ev *exprs.Evaluator, warpSize int) (LaunchParams, error) {
	lp := LaunchParams{Grid: Dim3{1, 1, 1}, Block: Dim3{1, 1, 1}}

	for _, binding := range summary.ParallelMap {
		pin, isPinned := c.pinned(binding.Type)
		if !isPinned {
			continue
		}
		for _, ax := range binding.Axes {
			if inferred, ok := ev.Eval(ax.Extent); ok && inferred != pin {
				r.warnOnce(kernelName, binding.Type, inferred, pin)
			}
			ev.Bind(ax.ID, pin)
		}
		setDim(&lp, binding.Type, pin)
	}

	for _, binding := range summary.ParallelMap {
		if _, isPinned := c.pinned(binding.Type); isPinned {
			continue
		}
		if len(binding.Axes) == 0 {
			continue
		}
		v, ok := ev.Eval(binding.Axes[0].Extent)
		if ok && v > 0 {
			setDim(&lp, binding.Type, v)
		}
	}

	dynSmem, err := smem.DynamicTotal(summary, smem.WorkspaceParams{
		Bx: nonZero(lp.Block.X), By: nonZero(lp.Block.Y), Bz: nonZero(lp.Block.Z),
	}, ev)
	if err != nil {
		return LaunchParams{}, err
	}
	lp.DynamicSmem = dynSmem

	for _, pc := range summary.Preconditions {
		ok, valid := ev.EvalBool(pc.Cond)
		if !valid {
			return LaunchParams{}, fmt.Errorf("precondition %q: %w", pc.Message, xerrors.ErrShapeUnresolved)
		}
		if !ok {
			return LaunchParams{}, fmt.Errorf("%s: %w", pc.Message, xerrors.ErrInvalidProgram)
		}
	}

	return lp, nil
}

func (r *Resolver) warnOnce(kernelName string, pt kir.ParallelType, inferred, pin int64) {
	key := fmt.Sprintf("%s/%d", kernelName, pt)
	if r.warned[key] {
		return
	}
	r.warned[key] = true
	klog.Warningf("fusion executor: kernel %s parallel dim %d pinned to %d conflicts with inferred extent %d; using the pin",
		kernelName, pt, pin, inferred)
}

func setDim(lp *LaunchParams, pt kir.ParallelType, v int64) {
	switch pt {
	case kir.TIDx:
		lp.Block.X = v
	case kir.TIDy:
		lp.Block.Y = v
	case kir.TIDz:
		lp.Block.Z = v
	case kir.BIDx:
		lp.Grid.X = v
	case kir.BIDy:
		lp.Grid.Y = v
	case kir.BIDz:
		lp.Grid.Z = v
	}
}

func nonZero(v int64) int64 {
	if v <= 0 {
		return 1
	}
	return v
}
