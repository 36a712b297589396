package launchparams

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpufusion/executor/exprs"
	"github.com/gpufusion/executor/kir"
)

func tidxSummary() *kir.KernelSummary {
	return &kir.KernelSummary{
		ParallelMap: []kir.ParallelBinding{
			{Type: kir.TIDx, Axes: []kir.Axis{{ID: "tidx", Extent: exprs.Sym("N")}}},
		},
	}
}

// TestResolve_E3_PinAccepted: pinned block=(128,1,1), inferred extent 128:
// accepted silently.
func TestResolve_E3_PinAccepted(t *testing.T) {
	ev := exprs.NewEvaluator()
	ev.Bind("N", 128)
	c := NewConstraints()
	c.Block.X = 128

	r := NewResolver()
	lp, err := r.Resolve("k", tidxSummary(), c, ev, 32)
	require.NoError(t, err)
	assert.Equal(t, int64(128), lp.Block.X)
	assert.False(t, r.warned["k/1"])
}

// TestResolve_E3_PinConflictWarnsAndAcceptsPin: same call with inferred
// extent 64: one-shot warning emitted, launch proceeds at the pin (128).
func TestResolve_E3_PinConflictWarnsAndAcceptsPin(t *testing.T) {
	ev := exprs.NewEvaluator()
	ev.Bind("N", 64)
	c := NewConstraints()
	c.Block.X = 128

	r := NewResolver()
	lp, err := r.Resolve("k", tidxSummary(), c, ev, 32)
	require.NoError(t, err)
	assert.Equal(t, int64(128), lp.Block.X)
	assert.True(t, r.warned["k/1"])

	// A second call with the same mismatch does not re-warn (one-shot);
	// we can't observe the klog call directly, but the dedup map stays
	// stable and Resolve doesn't panic or change behavior.
	lp2, err := r.Resolve("k", tidxSummary(), c, ev, 32)
	require.NoError(t, err)
	assert.Equal(t, lp.Block.X, lp2.Block.X)
}

func TestResolve_InfersUnpinnedDims(t *testing.T) {
	ev := exprs.NewEvaluator()
	ev.Bind("N", 256)
	r := NewResolver()
	lp, err := r.Resolve("k", tidxSummary(), NewConstraints(), ev, 32)
	require.NoError(t, err)
	assert.Equal(t, int64(256), lp.Block.X)
	assert.Equal(t, int64(1), lp.Block.Y)
}

func TestResolve_PreconditionFailureReturnsInvalidProgram(t *testing.T) {
	ev := exprs.NewEvaluator()
	summary := &kir.KernelSummary{
		Preconditions: []kir.Precondition{{Cond: exprs.Const(0), Message: "bad fusion"}},
	}
	r := NewResolver()
	_, err := r.Resolve("k", summary, NewConstraints(), ev, 32)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad fusion")
}

func TestResolve_DynamicSmemIncluded(t *testing.T) {
	ev := exprs.NewEvaluator()
	summary := &kir.KernelSummary{
		DynamicSmem: []kir.SmemAlloc{
			{Name: "buf", Address: exprs.Const(0), Size: exprs.Const(100), DType: kir.Float32},
		},
	}
	r := NewResolver()
	lp, err := r.Resolve("k", summary, NewConstraints(), ev, 32)
	require.NoError(t, err)
	assert.Greater(t, lp.DynamicSmem, int64(0))
}
