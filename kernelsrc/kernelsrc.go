// Package kernelsrc assembles the textual kernel source the compiler hands
// to OCCA: index/float typedefs sized by the resolved kir.IndexType, and
// constant-tensor embeddings. It generalizes the teacher's
// Builder.GeneratePreamble/generateTypeDefinitions/generateStaticMatrices
// from a fixed DG-solver precision pair to the executor's per-fusion
// kir.IndexType/kir.DataType resolution.
package kernelsrc

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/gpufusion/executor/kir"
)

// TypeConfig names the index and float precisions a fusion's generated
// source should use.
type TypeConfig struct {
	IndexType kir.IndexType
	FloatType kir.DataType // Float32 or Float64
}

// Preamble renders the typedefs and zero/one constants every generated
// kernel source begins with.
func (tc TypeConfig) Preamble() string {
	var sb strings.Builder

	floatTypeStr, floatSuffix := "double", ""
	if tc.FloatType == kir.Float32 {
		floatTypeStr, floatSuffix = "float", "f"
	}

	intTypeStr := "long long"
	if tc.IndexType == kir.Index32 {
		intTypeStr = "int"
	}

	fmt.Fprintf(&sb, "typedef %s real_t;\n", floatTypeStr)
	fmt.Fprintf(&sb, "typedef %s index_t;\n", intTypeStr)
	fmt.Fprintf(&sb, "#define REAL_ZERO 0.0%s\n", floatSuffix)
	fmt.Fprintf(&sb, "#define REAL_ONE 1.0%s\n", floatSuffix)
	sb.WriteString("\n")

	return sb.String()
}

// ConstantTensor is a small host-resident matrix to embed as a static const
// array in generated kernel source (e.g. a basis or differentiation matrix
// known at compile time).
type ConstantTensor struct {
	Name  string
	Data  mat.Matrix
	DType kir.DataType
}

// EmbedConstants renders consts as column-major static const C arrays, one
// per tensor, matching the layout the teacher's formatStaticMatrix produces
// for device-matrix consistency.
func EmbedConstants(consts []ConstantTensor) string {
	if len(consts) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("// Embedded constant tensors\n")
	for _, c := range consts {
		sb.WriteString(formatConstant(c))
	}
	sb.WriteString("\n")
	return sb.String()
}

func formatConstant(c ConstantTensor) string {
	rows, cols := c.Data.Dims()
	typeStr := "double"
	if c.DType == kir.Float32 {
		typeStr = "float"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "// %s stored column-major\n", c.Name)
	fmt.Fprintf(&sb, "static const %s %s[%d][%d] = {\n", typeStr, c.Name, cols, rows)
	for j := 0; j < cols; j++ {
		sb.WriteString("    {")
		for i := 0; i < rows; i++ {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%g", c.Data.At(i, j))
		}
		sb.WriteString("},\n")
	}
	sb.WriteString("};\n")
	return sb.String()
}

// Assemble builds a kernel's full source: typedefs, embedded constants,
// then the caller-supplied body verbatim.
func Assemble(tc TypeConfig, consts []ConstantTensor, body string) string {
	var sb strings.Builder
	sb.WriteString(tc.Preamble())
	sb.WriteString(EmbedConstants(consts))
	sb.WriteString(body)
	return sb.String()
}
