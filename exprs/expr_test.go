package exprs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluator_BindAndEval(t *testing.T) {
	e := NewEvaluator()
	e.Bind("I1", 3)
	e.Bind("I2", 4)

	expr := Mul(Sym("I1"), Sym("I2"))
	v, ok := e.Eval(expr)
	require.True(t, ok)
	assert.Equal(t, int64(12), v)
}

func TestEvaluator_UnboundSymbolFails(t *testing.T) {
	e := NewEvaluator()
	_, ok := e.Eval(Sym("missing"))
	assert.False(t, ok)
}

func TestEvaluator_DivByZeroFails(t *testing.T) {
	e := NewEvaluator()
	_, ok := e.Eval(Div(Const(4), Const(0)))
	assert.False(t, ok)
}

func TestEvaluator_EvalBool(t *testing.T) {
	e := NewEvaluator()
	e.Bind("N", 8)
	ok, valid := e.EvalBool(LE(Const(1), Sym("N")))
	require.True(t, valid)
	assert.True(t, ok)

	ok, valid = e.EvalBool(EQ(Sym("N"), Const(5)))
	require.True(t, valid)
	assert.False(t, ok)
}

func TestEvaluator_MaxMin(t *testing.T) {
	e := NewEvaluator()
	v, ok := e.Eval(Max(Const(3), Const(7)))
	require.True(t, ok)
	assert.Equal(t, int64(7), v)

	v, ok = e.Eval(Min(Const(3), Const(7)))
	require.True(t, ok)
	assert.Equal(t, int64(3), v)
}
