package executor

import (
	"fmt"
	"sort"
	"unsafe"

	"github.com/notargets/gocca"

	"github.com/gpufusion/executor/alloc"
	"github.com/gpufusion/executor/debugdump"
	"github.com/gpufusion/executor/exprs"
	"github.com/gpufusion/executor/kernelcompiler"
	"github.com/gpufusion/executor/kernelsrc"
	"github.com/gpufusion/executor/kir"
	"github.com/gpufusion/executor/launchparams"
	"github.com/gpufusion/executor/shapeinfer"
	"github.com/gpufusion/executor/xerrors"
)

// Options configures one Executor instance.
type Options struct {
	WarpSize        int
	AllocatorOpts   alloc.AllocatorOptions
	PointerResolver PointerResolver
	// TensorEvaluator derives an AliasEvaluate output's memory and shape
	// from the expression graph. Required only when Summary.IsPureEvaluation
	// is set or an output uses AliasEvaluate; the expression graph itself
	// stays an external collaborator this module never owns (spec.md §1).
	TensorEvaluator alloc.TensorEvaluator
}

// Executor is the per-invocation orchestrator of spec.md §4.6: one instance
// owns a lowered kernel's compiled artefact, its cached entries, and the
// high-water/shared-memory state that spans repeated calls. Per spec.md §5
// an instance is not shared across host threads concurrently.
type Executor struct {
	Device   *gocca.OCCADevice
	Summary  *kir.KernelSummary
	KernelID string

	allocator *alloc.Allocator
	compiler  *kernelcompiler.Compiler
	resolver  *launchparams.Resolver
	ptrs      PointerResolver
	warpSize  int

	tensorEval alloc.TensorEvaluator

	ck           *kernelcompiler.CompiledKernel
	indexType    kir.IndexType
	tmaMagicZero bool
	disableCache bool

	entries map[string]*Entry

	External debugdump.ExternalSources
	Debug    debugdump.Flags
}

// NewExecutor constructs an Executor for kernelID's lowered kernel on dev.
func NewExecutor(dev *gocca.OCCADevice, q kernelcompiler.DeviceQuery, kernelID string, summary *kir.KernelSummary, opts Options) *Executor {
	return &Executor{
		Device:     dev,
		Summary:    summary,
		KernelID:   kernelID,
		allocator:  alloc.NewAllocator(dev, opts.AllocatorOpts),
		compiler:   kernelcompiler.NewCompiler(dev, q),
		resolver:   launchparams.NewResolver(),
		ptrs:       opts.PointerResolver,
		tensorEval: opts.TensorEvaluator,
		warpSize:   nonZeroInt(opts.WarpSize),
		entries:    make(map[string]*Entry),
		External:  debugdump.LoadExternalSources(),
		Debug:     debugdump.LoadFlags(),
	}
}

func nonZeroInt(v int) int {
	if v <= 0 {
		return 32
	}
	return v
}

// IndexOverride optionally pins the index type at compile time; nil leaves
// it to inference.
type IndexOverride = *kir.IndexType

// CompileParams bundles the JIT-facing requests Compile forwards to the
// Kernel Compiler.
type CompileParams struct {
	BlockSize       int64
	RegisterCeiling int64
	IndexOverride   IndexOverride
	// ArgImpliedIndex64 reports whether the caller's bound arguments imply a
	// 64-bit index width (e.g. a tensor larger than 2^31 elements).
	ArgImpliedIndex64 bool
}

// Compile lowers index-type policy, validates device capability, and
// compiles the kernel source for the requested block size/register
// ceiling, per spec.md §6's compile() contract. It fails fast with
// xerrors.ErrDynamicLocalAllocation (scenario E6) before any compilation is
// attempted if the kernel summary declares one.
func (e *Executor) Compile(source string, cp CompileParams, typeConfig kernelsrc.TypeConfig, consts []kernelsrc.ConstantTensor, staticSmemBytes int64) error {
	if e.Summary.HasDynamicLocalAllocation {
		return xerrors.ErrDynamicLocalAllocation
	}

	it, magicZeroDisabled, err := ResolveIndexType(e.Summary, cp.IndexOverride, cp.ArgImpliedIndex64)
	if err != nil {
		return err
	}
	e.indexType = it
	e.tmaMagicZero = !magicZeroDisabled

	if err := e.compiler.CheckDeviceCapability(e.Summary.MinDeviceCapability); err != nil {
		return err
	}

	typeConfig.IndexType = it
	full := e.External.SourceFor(0, kernelsrc.Assemble(typeConfig, consts, source))
	if err := e.Debug.DumpSource(e.KernelID, full); err != nil {
		return err
	}

	if e.ck == nil {
		e.ck = &kernelcompiler.CompiledKernel{Name: e.Summary.KernelName, Source: full}
	} else {
		e.ck.Source = full
	}

	if err := e.compiler.Compile(e.ck, kernelcompiler.CompileParams{
		BlockSize:       cp.BlockSize,
		RegisterCeiling: cp.RegisterCeiling,
	}, staticSmemBytes); err != nil {
		return err
	}

	e.disableCache = e.Summary.OutputExtentDependsOnNonTensorInput
	return nil
}

// ResolveIndexType implements spec.md §6's three-step index-type policy:
// (a) an explicit override must not conflict with the argument-implied
// width, (b) a TMA expression forces 32-bit and disables the magic-zero
// workaround, so a 64-bit override or a 64-bit argument-implied width is then
// xerrors.ErrIndexTypeConflict, (c) otherwise use the argument-implied width if 64-bit, else
// the kernel's declared default.
func ResolveIndexType(summary *kir.KernelSummary, override IndexOverride, argImplied64 bool) (kir.IndexType, bool, error) {
	if summary.HasTMA {
		if (override != nil && *override == kir.Index64) || argImplied64 {
			return 0, false, fmt.Errorf("TMA requires 32-bit indexing: %w", xerrors.ErrIndexTypeConflict)
		}
		return kir.Index32, true, nil
	}

	if override != nil {
		if *override == kir.Index32 && argImplied64 {
			return 0, false, fmt.Errorf("arguments require 64-bit indexing: %w", xerrors.ErrIndexTypeConflict)
		}
		return *override, false, nil
	}

	if argImplied64 {
		return kir.Index64, false, nil
	}
	if summary.IndexType != 0 {
		return summary.IndexType, false, nil
	}
	return kir.Index32, false, nil
}

// RunParams are the per-call launch constraints Run forwards to the
// Launch-Parameter Resolver. Run does not read Compile: the kernel is
// compiled only by Compile/CompileRTC, never recompiled from Run.
type RunParams struct {
	Constraints launchparams.Constraints
	Compile     CompileParams
}

// Run executes spec.md §4.6's per-invocation path. Step 1: if the fusion is
// a pure evaluation (no kernel launch at all), derive its outputs directly
// through the evaluator and return without touching the Kernel Compiler or
// the entry cache. Otherwise: resolve or reuse the entry for args' shapes,
// allocate outputs/intermediates (on a cache miss or when caching is
// disabled), build/rewrite the argument buffer, and launch the kernel as
// last compiled by Compile; Run itself never calls the Kernel Compiler.
func (e *Executor) Run(args Args, rp RunParams) ([]*gocca.OCCAMemory, error) {
	if e.Summary.IsPureEvaluation {
		return e.runPureEvaluation(args)
	}

	key := NewCacheKey(args)

	entry, hit := e.entries[key.Hash()]
	if e.disableCache || !hit {
		var err error
		entry, err = e.buildEntry(args, rp)
		if err != nil {
			return nil, err
		}
		if !e.disableCache {
			e.entries[key.Hash()] = entry
		}
	} else {
		if err := e.rewriteEntry(entry, args); err != nil {
			return nil, err
		}
	}

	e.Debug.DumpLaunchParams(e.Summary.KernelName, entry.LaunchParams)
	e.Debug.DumpIndexType(e.Summary.KernelName, e.indexType)

	if err := e.launch(entry); err != nil {
		return nil, err
	}

	inBytes, outBytes := BytesProcessed(e.Summary.Inputs, args.Shapes, entry.Outputs)
	e.Debug.DumpBandwidth(e.Summary.KernelName, inBytes, outBytes)

	e.allocator.ReleaseIntermediates(intermediateAllocs(e.Summary), entry.IntermediateMems, entry.Intermediates)

	return entry.OutputMems, nil
}

// runPureEvaluation binds the evaluator and asks the Buffer Allocator to
// materialize every declared output directly (AliasEvaluate outputs resolve
// through e.tensorEval, AliasReuseBuffer outputs reuse the bound target
// tensor, and an AliasNew output still allocates fresh storage). No entry is cached and no kernel is launched.
func (e *Executor) runPureEvaluation(args Args) ([]*gocca.OCCAMemory, error) {
	ev := e.bindEvaluator(args)
	bindings := alloc.NewBindings(ev)
	for name, mem := range args.Tensors {
		bindings.Tensors[name] = mem
		bindings.Shapes[name] = args.Shapes[name]
	}
	outMems, outInfos, err := e.allocator.AllocateOutputs(e.Summary.Outputs, bindings, e.tensorEval)
	if err != nil {
		return nil, err
	}
	inBytes, outBytes := BytesProcessed(e.Summary.Inputs, args.Shapes, outInfos)
	e.Debug.DumpBandwidth(e.Summary.KernelName, inBytes, outBytes)
	return outMems, nil
}

func intermediateAllocs(summary *kir.KernelSummary) []kir.GlobalAlloc {
	return summary.GlobalAllocs
}

// BytesProcessed sums the physical device-buffer footprint (honoring
// zero-stride/expanded dimensions, per shapeinfer.PhysicalBytes) of a
// launch's bound inputs and materialized outputs. Intermediates are
// deliberately excluded: they never cross the kernel boundary as
// caller-visible traffic.
func BytesProcessed(inputs []kir.TensorView, shapes map[string]shapeinfer.Shape, outputs []alloc.AllocationInfo) (inBytes, outBytes int64) {
	for _, tv := range inputs {
		shape, ok := shapes[tv.Name]
		if !ok {
			continue
		}
		inBytes += shapeinfer.PhysicalBytes(shape, tv.DType.ByteSize())
	}
	for _, info := range outputs {
		outBytes += info.Bytes
	}
	return inBytes, outBytes
}

// buildEntry performs the full first-call (or cache-disabled) path: launch
// parameter resolution, shared-memory planning, buffer allocation, and
// initial argument-buffer construction.
func (e *Executor) buildEntry(args Args, rp RunParams) (*Entry, error) {
	ev := e.bindEvaluator(args)

	lp, err := e.resolver.Resolve(e.Summary.KernelName, e.Summary, rp.Constraints, ev, e.warpSize)
	if err != nil {
		return nil, err
	}

	if e.Summary.RequiresCooperativeLaunch {
		grid := lp.Grid.X * lp.Grid.Y * lp.Grid.Z
		if err := e.compiler.ValidateCooperative(e.ck, lp.Block.X, lp.DynamicSmem, grid); err != nil {
			return nil, err
		}
	} else if err := e.compiler.EnsureDynamicSmem(e.ck, lp.DynamicSmem); err != nil {
		return nil, err
	}

	bindings := alloc.NewBindings(ev)
	for name, mem := range args.Tensors {
		bindings.Tensors[name] = mem
		bindings.Shapes[name] = args.Shapes[name]
	}

	outMems, outInfos, err := e.allocator.AllocateOutputs(e.Summary.Outputs, bindings, e.tensorEval)
	if err != nil {
		return nil, err
	}
	interMems, interInfos, err := e.allocator.AllocateIntermediates(e.Summary.GlobalAllocs, bindings)
	if err != nil {
		return nil, err
	}

	slots, err := e.buildArgSlots(args, outMems, outInfos, interMems, interInfos)
	if err != nil {
		return nil, err
	}

	return &Entry{
		Initialized:      true,
		LaunchParams:     lp,
		OutputMems:       outMems,
		Outputs:          outInfos,
		Intermediates:    interInfos,
		IntermediateMems: interMems,
		ArgSlots:         slots,
	}, nil
}

// buildArgSlots marshals every tensor parameter (inputs in Summary.Inputs'
// declared order, then outputs, then intermediates) into its wire-format
// argument buffer and uploads it to a small device-resident descriptor.
// Inputs walk the kernel's own declared order rather than args.Tensors' map
// order so the launch's positional argument list is deterministic, matching
// the teacher's GetKernelArguments single-source-of-truth-ordering idiom.
func (e *Executor) buildArgSlots(args Args, outMems []*gocca.OCCAMemory, outInfos []alloc.AllocationInfo, interMems []*gocca.OCCAMemory, interInfos []alloc.AllocationInfo) ([]ArgSlot, error) {
	var slots []ArgSlot

	for _, tv := range e.Summary.Inputs {
		mem, ok := args.Tensors[tv.Name]
		if !ok {
			return nil, fmt.Errorf("input %q not bound: %w", tv.Name, xerrors.ErrInvalidProgram)
		}
		slot, err := e.newArgSlot(tv.Name, mem, args.Shapes[tv.Name])
		if err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}
	for i, info := range outInfos {
		slot, err := e.newArgSlot(info.Name, outMems[i], info.Shape)
		if err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}
	for i, info := range interInfos {
		slot, err := e.newArgSlot(info.Name, interMems[i], info.Shape)
		if err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}
	return slots, nil
}

func (e *Executor) newArgSlot(name string, mem *gocca.OCCAMemory, shape shapeinfer.Shape) (ArgSlot, error) {
	ptr, err := e.resolvePointer(mem)
	if err != nil {
		return ArgSlot{}, err
	}
	host := BuildArgBuffer(ptr, shape.Sizes, shape.Strides, e.indexType)
	desc := e.Device.Malloc(int64(len(host)), unsafe.Pointer(&host[0]), nil)
	return ArgSlot{ParamName: name, Host: host, Descriptor: desc}, nil
}

func (e *Executor) resolvePointer(mem *gocca.OCCAMemory) (uintptr, error) {
	if e.ptrs == nil {
		return 0, nil
	}
	return e.ptrs.PointerOf(mem)
}

// rewriteEntry implements scenario E5: on a cache hit, only the
// pointer/shape/stride fields of each input tensor's host buffer are
// rewritten and re-uploaded; output and intermediate slots keep their
// bytes, and nothing is reallocated.
func (e *Executor) rewriteEntry(entry *Entry, args Args) error {
	for i := range entry.ArgSlots {
		slot := &entry.ArgSlots[i]
		mem, isInput := args.Tensors[slot.ParamName]
		shape, hasShape := args.Shapes[slot.ParamName]
		if !isInput || !hasShape {
			continue
		}
		ptr, err := e.resolvePointer(mem)
		if err != nil {
			return err
		}
		RewriteArgBuffer(slot.Host, ptr, shape.Sizes, shape.Strides, e.indexType)
		slot.Descriptor.CopyFrom(unsafe.Pointer(&slot.Host[0]), int64(len(slot.Host)))
	}
	return nil
}

func (e *Executor) launch(entry *Entry) error {
	args := make([]interface{}, 0, len(entry.ArgSlots))
	for _, s := range entry.ArgSlots {
		args = append(args, s.Descriptor)
	}
	if err := e.ck.Kernel.RunWithArgs(args...); err != nil {
		return fmt.Errorf("launch %s: %w", e.Summary.KernelName, err)
	}
	e.Device.Finish()
	return nil
}

// bindEvaluator constructs an Evaluator with every scalar argument and every
// input tensor's axis extents bound by axis id, per the fusion's declared
// Summary.Inputs logical domains.
func (e *Executor) bindEvaluator(args Args) *exprs.Evaluator {
	ev := exprs.NewEvaluator()
	for name, v := range args.Scalars {
		ev.Bind(name, v)
	}
	for _, tv := range e.Summary.Inputs {
		shape, ok := args.Shapes[tv.Name]
		if !ok {
			continue
		}
		for i, ax := range tv.LogicalDomain {
			if i >= len(shape.Sizes) {
				break
			}
			ev.Bind(ax.ID, shape.Sizes[i])
		}
	}
	return ev
}

// InferOutputSizes is the dry-run path of spec.md §6's inferOutputSizes:
// resolves output shapes without allocating or launching anything.
func (e *Executor) InferOutputSizes(args Args) ([]shapeinfer.Shape, error) {
	ev := e.bindEvaluator(args)

	out := make([]shapeinfer.Shape, len(e.Summary.Outputs))
	for i, o := range e.Summary.Outputs {
		shape, err := shapeinfer.InferOutput(o.View, ev)
		if err != nil {
			return nil, err
		}
		out[i] = shape
	}
	return out, nil
}

// AllocOutputSpace implements spec.md §6's allocOutputSpace: allocates only
// the declared outputs, for callers that will fill them themselves.
func (e *Executor) AllocOutputSpace(args Args) ([]*gocca.OCCAMemory, []alloc.AllocationInfo, error) {
	ev := e.bindEvaluator(args)
	bindings := alloc.NewBindings(ev)
	for name, mem := range args.Tensors {
		bindings.Tensors[name] = mem
		bindings.Shapes[name] = args.Shapes[name]
	}
	return e.allocator.AllocateOutputs(e.Summary.Outputs, bindings, e.tensorEval)
}

// CompileRTC is the testing surface of spec.md §6: compiles raw kernel text
// directly, bypassing the structured-source assembly path.
func (e *Executor) CompileRTC(source, name string, it kir.IndexType) error {
	e.indexType = it
	e.ck = &kernelcompiler.CompiledKernel{Name: name, Source: source}
	return e.compiler.Compile(e.ck, kernelcompiler.CompileParams{BlockSize: 1, RegisterCeiling: 0}, 0)
}

// RunRTC runs the kernel compiled by CompileRTC directly against the given
// tensors, without consulting or creating an executor entry. tensors are
// ordered by name since there is no kernel summary to dictate declaration
// order for raw kernel text.
func (e *Executor) RunRTC(lp launchparams.LaunchParams, tensors map[string]*gocca.OCCAMemory, shapes map[string]shapeinfer.Shape) error {
	names := make([]string, 0, len(tensors))
	for n := range tensors {
		names = append(names, n)
	}
	sort.Strings(names)
	var args []interface{}
	var descs []*gocca.OCCAMemory
	for _, n := range names {
		slot, err := e.newArgSlot(n, tensors[n], shapes[n])
		if err != nil {
			for _, d := range descs {
				d.Free()
			}
			return err
		}
		descs = append(descs, slot.Descriptor)
		args = append(args, slot.Descriptor)
	}
	defer func() {
		for _, d := range descs {
			d.Free()
		}
	}()

	if err := e.ck.Kernel.RunWithArgs(args...); err != nil {
		return fmt.Errorf("runRTC: %w", err)
	}
	e.Device.Finish()
	return nil
}

// Free releases the compiled kernel and every cached entry's descriptor
// memory.
func (e *Executor) Free() {
	for _, entry := range e.entries {
		for _, s := range entry.ArgSlots {
			s.Descriptor.Free()
		}
	}
	if e.ck != nil {
		e.ck.Free()
	}
}
