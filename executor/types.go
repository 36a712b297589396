// Package executor is the per-invocation orchestrator (spec.md §4.6): it
// binds inputs, consults or initializes a per-input-shape executor entry,
// builds the argument buffer, and issues the kernel launch. Compilation
// happens in Executor.Compile; Executor.Run does not recompile. It generalizes the teacher's Runner (runner/runner.go,
// kernel_execution.go, kernel_arguments.go) from a fixed DG-solver
// array/matrix parameter list to shapeinfer/alloc/kernelcompiler's
// arbitrary fusion-shaped pipeline.
package executor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/notargets/gocca"

	"github.com/gpufusion/executor/alloc"
	"github.com/gpufusion/executor/launchparams"
	"github.com/gpufusion/executor/shapeinfer"
)

// Args is one call's bound inputs: device-resident tensors by name, their
// shapes, and scalar (non-tensor) values the kernel or its preconditions
// may reference.
type Args struct {
	Tensors map[string]*gocca.OCCAMemory
	Shapes  map[string]shapeinfer.Shape
	Scalars map[string]int64
}

// PointerResolver exposes the device pointer backing a gocca memory handle.
// OCCA's portable Go wrapper (as used by the teacher) never hands out raw
// device pointers; this is the executor's contract with whatever
// backend-specific binding does, named out of scope in spec.md §1 as "the
// GPU driver / runtime module-load and function-launch primitives."
type PointerResolver interface {
	PointerOf(mem *gocca.OCCAMemory) (uintptr, error)
}

// CacheKey identifies one executor entry by the shapes of its tensor
// inputs, per spec.md §5's "per-input-shape cache key" ordering rule.
type CacheKey struct {
	hash string
}

// NewCacheKey builds a CacheKey from args' tensor shapes, sorted by tensor
// name so key construction is independent of map iteration order.
func NewCacheKey(args Args) CacheKey {
	names := make([]string, 0, len(args.Shapes))
	for n := range args.Shapes {
		names = append(names, n)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, n := range names {
		s := args.Shapes[n]
		fmt.Fprintf(&sb, "%s:%v/%v;", n, s.Sizes, s.Strides)
	}
	return CacheKey{hash: sb.String()}
}

// Hash returns the key's string form, suitable as a map key or a
// persist.EntrySnapshot.CacheKey.
func (k CacheKey) Hash() string { return k.hash }

// ArgSlot is one kernel tensor-parameter's marshalled argument: a host
// staging buffer, rewritten in place on repeat calls (spec.md §8 E5), and
// the device-resident descriptor memory built from it.
type ArgSlot struct {
	ParamName  string
	Host       []byte
	Descriptor *gocca.OCCAMemory
}

// Entry is the per-cache-key state spec.md §3's "Executor Entry" names:
// computed launch parameters, output and intermediate allocation infos,
// and the parallel per-parameter argument slots the launch call consumes.
type Entry struct {
	Initialized      bool
	LaunchParams     launchparams.LaunchParams
	OutputMems       []*gocca.OCCAMemory
	Outputs          []alloc.AllocationInfo
	Intermediates    []alloc.AllocationInfo
	IntermediateMems []*gocca.OCCAMemory
	ArgSlots         []ArgSlot
}
