package smem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpufusion/executor/exprs"
	"github.com/gpufusion/executor/kir"
)

func TestPlan_AlignsBaseAndTracksMaxLastByte(t *testing.T) {
	ev := exprs.NewEvaluator()
	allocs := []kir.SmemAlloc{
		{Name: "a", Address: exprs.Const(0), Size: exprs.Const(10), DType: kir.Float32},
		{Name: "b", Address: exprs.Const(0), Size: exprs.Const(4), DType: kir.Float64},
	}
	total, err := Plan(allocs, 1, ev)
	require.NoError(t, err)
	// base 1 -> aligned to 16; a: 16+0+40=56; b: 16+0+32=48; max=56
	assert.Equal(t, int64(56), total)
}

func TestPlan_SkipsAliasedAllocs(t *testing.T) {
	ev := exprs.NewEvaluator()
	allocs := []kir.SmemAlloc{
		{Name: "a", Address: exprs.Const(0), Size: exprs.Const(10), DType: kir.Float32},
		{Name: "b", Address: exprs.Const(0), Size: exprs.Const(1000), DType: kir.Float32, AliasOf: "a"},
	}
	total, err := Plan(allocs, 0, ev)
	require.NoError(t, err)
	assert.Equal(t, int64(40), total)
}

func TestWorkspace_WelfordFactor(t *testing.T) {
	summary := &kir.KernelSummary{HasBlockWelford: true, LargestSmemType: kir.Float64, NumGroupedIterations: 2}
	ws, err := Workspace(summary, WorkspaceParams{Bx: 32, By: 1, Bz: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(8*3*2*32), ws)
}

func TestWorkspace_GroupedWelfordConflictErrors(t *testing.T) {
	summary := &kir.KernelSummary{HasBlockWelford: true, HasIterGroupedReduction: true}
	_, err := Workspace(summary, WorkspaceParams{Bx: 1, By: 1, Bz: 1})
	require.Error(t, err)
}

func TestWorkspace_OuterGroupedGridWelfordOverride(t *testing.T) {
	summary := &kir.KernelSummary{
		HasOuterGroupedGridWelford:             true,
		OuterGroupedGridWelfordLargestSmemSize: 99999,
		LargestSmemType:                        kir.Float32,
	}
	ws, err := Workspace(summary, WorkspaceParams{Bx: 1, By: 1, Bz: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(99999), ws)
}
