package kernelsrc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"

	"github.com/gpufusion/executor/kir"
)

func TestPreamble_Index32UsesIntTypedef(t *testing.T) {
	tc := TypeConfig{IndexType: kir.Index32, FloatType: kir.Float32}
	s := tc.Preamble()
	assert.Contains(t, s, "typedef int index_t;")
	assert.Contains(t, s, "typedef float real_t;")
	assert.Contains(t, s, "0.0f")
}

func TestPreamble_Index64UsesLongLongTypedef(t *testing.T) {
	tc := TypeConfig{IndexType: kir.Index64, FloatType: kir.Float64}
	s := tc.Preamble()
	assert.Contains(t, s, "typedef long long index_t;")
	assert.Contains(t, s, "typedef double real_t;")
}

func TestEmbedConstants_EmptyIsEmpty(t *testing.T) {
	assert.Equal(t, "", EmbedConstants(nil))
}

func TestEmbedConstants_RendersColumnMajor(t *testing.T) {
	m := mat.NewDense(2, 2, []float64{1, 2, 3, 4}) // row-major input: [[1,2],[3,4]]
	out := EmbedConstants([]ConstantTensor{{Name: "Dr", Data: m, DType: kir.Float64}})
	assert.Contains(t, out, "const double Dr[2][2]")
	// column-major: first emitted row is column 0 = {1, 3}
	assert.Contains(t, out, "{1, 3}")
}

func TestAssemble_OrdersPreambleConstantsThenBody(t *testing.T) {
	tc := TypeConfig{IndexType: kir.Index32, FloatType: kir.Float32}
	out := Assemble(tc, nil, "@kernel void foo() {}")
	assert.True(t, len(out) > 0)
	assert.Contains(t, out, "@kernel void foo()")
	// With no constants the source is exactly the preamble followed by the body.
	assert.Equal(t, tc.Preamble()+"@kernel void foo() {}", out)
}
