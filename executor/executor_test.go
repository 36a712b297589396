package executor

import (
	"errors"
	"testing"

	"github.com/notargets/gocca"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpufusion/executor/alloc"
	"github.com/gpufusion/executor/exprs"
	"github.com/gpufusion/executor/kir"
	"github.com/gpufusion/executor/shapeinfer"
	"github.com/gpufusion/executor/xerrors"
)

func TestNewCacheKey_OrderIndependent(t *testing.T) {
	a := Args{Shapes: map[string]shapeinfer.Shape{
		"x": {Sizes: []int64{3, 4}, Strides: []int64{4, 1}},
		"y": {Sizes: []int64{5}, Strides: []int64{1}},
	}}
	b := Args{Shapes: map[string]shapeinfer.Shape{
		"y": {Sizes: []int64{5}, Strides: []int64{1}},
		"x": {Sizes: []int64{3, 4}, Strides: []int64{4, 1}},
	}}
	assert.Equal(t, NewCacheKey(a).Hash(), NewCacheKey(b).Hash())
}

func TestNewCacheKey_DifferentShapesDiffer(t *testing.T) {
	a := Args{Shapes: map[string]shapeinfer.Shape{"x": {Sizes: []int64{3, 4}}}}
	b := Args{Shapes: map[string]shapeinfer.Shape{"x": {Sizes: []int64{3, 5}}}}
	assert.NotEqual(t, NewCacheKey(a).Hash(), NewCacheKey(b).Hash())
}

func idx32() IndexOverride {
	v := kir.Index32
	return &v
}

func idx64() IndexOverride {
	v := kir.Index64
	return &v
}

func TestResolveIndexType_TMAForces32AndDisablesMagicZero(t *testing.T) {
	summary := &kir.KernelSummary{HasTMA: true}
	it, magicZeroDisabled, err := ResolveIndexType(summary, nil, false)
	require.NoError(t, err)
	assert.Equal(t, kir.Index32, it)
	assert.True(t, magicZeroDisabled)
}

func TestResolveIndexType_TMARejects64BitOverride(t *testing.T) {
	summary := &kir.KernelSummary{HasTMA: true}
	_, _, err := ResolveIndexType(summary, idx64(), false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, xerrors.ErrIndexTypeConflict))
}

func TestResolveIndexType_OverrideConflictsWithArgWidth(t *testing.T) {
	summary := &kir.KernelSummary{}
	_, _, err := ResolveIndexType(summary, idx32(), true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, xerrors.ErrIndexTypeConflict))
}

func TestResolveIndexType_OverrideHonoredWhenNoConflict(t *testing.T) {
	summary := &kir.KernelSummary{}
	it, disabled, err := ResolveIndexType(summary, idx64(), false)
	require.NoError(t, err)
	assert.Equal(t, kir.Index64, it)
	assert.False(t, disabled)
}

func TestResolveIndexType_ArgImplied64WinsOverDefault(t *testing.T) {
	summary := &kir.KernelSummary{IndexType: kir.Index32}
	it, _, err := ResolveIndexType(summary, nil, true)
	require.NoError(t, err)
	assert.Equal(t, kir.Index64, it)
}

func TestResolveIndexType_FallsBackToKernelDefault(t *testing.T) {
	summary := &kir.KernelSummary{IndexType: kir.Index64}
	it, _, err := ResolveIndexType(summary, nil, false)
	require.NoError(t, err)
	assert.Equal(t, kir.Index64, it)
}

func TestResolveIndexType_DefaultsTo32WhenKernelHasNoDefault(t *testing.T) {
	summary := &kir.KernelSummary{}
	it, _, err := ResolveIndexType(summary, nil, false)
	require.NoError(t, err)
	assert.Equal(t, kir.Index32, it)
}

func TestBindEvaluator_BindsInputAxesAndScalars(t *testing.T) {
	e := &Executor{Summary: &kir.KernelSummary{
		Inputs: []kir.TensorView{
			{Name: "a", LogicalDomain: []kir.Axis{{ID: "m"}, {ID: "n"}}},
		},
	}}
	args := Args{
		Shapes:  map[string]shapeinfer.Shape{"a": {Sizes: []int64{3, 4}}},
		Scalars: map[string]int64{"alpha": 2},
	}

	ev := e.bindEvaluator(args)

	m, ok := ev.Lookup("m")
	require.True(t, ok)
	assert.Equal(t, int64(3), m)

	n, ok := ev.Lookup("n")
	require.True(t, ok)
	assert.Equal(t, int64(4), n)

	alpha, ok := ev.Lookup("alpha")
	require.True(t, ok)
	assert.Equal(t, int64(2), alpha)
}

func TestBindEvaluator_SkipsUnboundInput(t *testing.T) {
	e := &Executor{Summary: &kir.KernelSummary{
		Inputs: []kir.TensorView{{Name: "missing", LogicalDomain: []kir.Axis{{ID: "m"}}}},
	}}
	ev := e.bindEvaluator(Args{})
	_, ok := ev.Lookup("m")
	assert.False(t, ok)
}

// TestRun_PureEvaluationShortCircuitsToAllocateOutputs is spec.md §4.6 step
// 1: a fusion marked IsPureEvaluation must derive its output directly
// through the Buffer Allocator and return without ever populating the
// entry cache or touching the Kernel Compiler/Launch-Parameter Resolver.
func TestRun_PureEvaluationShortCircuitsToAllocateOutputs(t *testing.T) {
	n := kir.Axis{ID: "n", Extent: exprs.Sym("n")}
	aliased := &kir.TensorView{Name: "y", LogicalDomain: []kir.Axis{n}, AllocDomain: []kir.Axis{n}}

	summary := &kir.KernelSummary{
		IsPureEvaluation: true,
		Inputs:           []kir.TensorView{{Name: "x", LogicalDomain: []kir.Axis{n}}},
		Outputs:          []kir.OutputSpec{{View: aliased, Alias: kir.AliasReuseBuffer, AliasTarget: "x"}},
	}

	e := &Executor{
		Summary:   summary,
		allocator: alloc.NewAllocator(nil, alloc.AllocatorOptions{}),
		entries:   make(map[string]*Entry),
	}

	mem := &gocca.OCCAMemory{}
	args := Args{
		Tensors: map[string]*gocca.OCCAMemory{"x": mem},
		Shapes:  map[string]shapeinfer.Shape{"x": {Sizes: []int64{4}, Strides: []int64{1}}},
	}

	outs, err := e.Run(args, RunParams{})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Same(t, mem, outs[0])
	assert.Empty(t, e.entries, "pure-evaluation path must not populate the entry cache")
}

// TestBytesProcessed_CountsInputsAndOutputsOnly confirms an expanded
// (zero-stride) input only counts its unexpanded physical footprint rather
// than its full logical extent, and that intermediates never enter the sum.
func TestBytesProcessed_CountsInputsAndOutputsOnly(t *testing.T) {
	inputs := []kir.TensorView{
		{Name: "x", DType: kir.Float32},
		{Name: "expanded", DType: kir.Float32},
	}
	shapes := map[string]shapeinfer.Shape{
		"x":        {Sizes: []int64{4, 8}, Strides: []int64{8, 1}},
		"expanded": {Sizes: []int64{5, 8}, Strides: []int64{0, 1}},
	}
	outputs := []alloc.AllocationInfo{
		{Name: "y", Bytes: 128},
	}

	inBytes, outBytes := BytesProcessed(inputs, shapes, outputs)

	assert.Equal(t, int64(4*8*4+8*4), inBytes)
	assert.Equal(t, int64(128), outBytes)
}
