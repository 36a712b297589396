// Package kir holds the read-only lowered-kernel data model: the expression
// graph summary, tensor views and their affine allocation transforms, and
// the shared-memory allocation descriptors that the executor consumes but
// never mutates. Source-to-kernel lowering and code generation that produce
// these values live outside this module; kir only names their contract.
package kir

// DataType is the element type of a tensor or scalar value.
type DataType int

const (
	Float32 DataType = iota + 1
	Float64
	BFloat16
	Int8
	Int32
	Int64
	Uint8
	Bool
	Complex64
	Complex128
)

// IndexType selects the bit width used to encode shapes and strides in the
// kernel's argument buffer; the pointer field is always 8 bytes.
type IndexType int

const (
	Index32 IndexType = iota + 1
	Index64
)

// Width returns the byte width of the index type in the argument wire
// format.
func (it IndexType) Width() int {
	if it == Index32 {
		return 4
	}
	return 8
}

// ByteSize returns the on-device element size of dt in bytes.
func (dt DataType) ByteSize() int64 {
	switch dt {
	case Int8, Uint8, Bool:
		return 1
	case BFloat16:
		return 2
	case Float32, Int32:
		return 4
	case Float64, Int64, Complex64:
		return 8
	case Complex128:
		return 16
	default:
		return 8
	}
}

// DeviceCapability is a (major, minor) compute-capability pair.
type DeviceCapability struct {
	Major, Minor int
}

// AtLeast reports whether c is >= min.
func (c DeviceCapability) AtLeast(min DeviceCapability) bool {
	if c.Major != min.Major {
		return c.Major > min.Major
	}
	return c.Minor >= min.Minor
}

// TransformKind identifies the affine transform relating an allocation
// domain to a logical domain.
type TransformKind int

const (
	Split TransformKind = iota + 1
	Merge
)

// Transform is one node of the forward (allocation->logical) or backward
// (logical->allocation) affine-transform graph. A Split has one input and
// two outputs (Outer, Inner); a Merge has two inputs (Outer, Inner) and one
// output.
type Transform struct {
	Kind   TransformKind
	In     string // Split: the input axis id.
	Outer  string
	Inner  string
	Out    string // Merge: the output axis id.
	Factor Expr   // Split: the size of Inner.
}

// Expr is a symbolic scalar expression over named extents, resolved by an
// exprs.Evaluator. kir treats it opaquely: any value satisfying this
// interface (typically *exprs.Node) may appear in a lowered kernel.
type Expr interface {
	// Symbol returns the expression's identifying name, used for warning
	// de-duplication and debug dumps. It need not be unique.
	Symbol() string
}

// AxisFlags carries the per-dimension metadata spec.md §3 attaches to a
// TensorView's axes.
type AxisFlags struct {
	Reduction         bool
	Broadcast         bool
	ExpandedBroadcast bool
	ExpandedExtent    Expr // valid iff ExpandedBroadcast
	DeviceDim         bool // multi-device per-rank axis
	StrideOnly        bool
	Symbolic          bool
}

// Axis is one dimension of a TensorView's domain: an id paired with its
// symbolic extent and flags.
type Axis struct {
	ID     string
	Extent Expr
	Flags  AxisFlags
}

// TensorView is the read-only external entity describing a tensor's
// iteration space. LogicalDomain is the user-visible axis ordering;
// AllocDomain is the order elements are laid out in memory (identical to
// LogicalDomain unless the tensor was scheduled with a layout transform).
// ForwardTransforms walks AllocDomain -> LogicalDomain; BackwardTransforms
// walks LogicalDomain -> AllocDomain. Both are populated only when
// AllocDomain != LogicalDomain.
type TensorView struct {
	Name              string
	LogicalDomain     []Axis
	AllocDomain       []Axis
	ForwardTransforms []Transform
	BackwardTransforms []Transform
	DType             DataType
}

// HasNonTrivialAlloc reports whether the allocation domain differs from the
// logical domain and therefore needs the allocation->logical transform walk.
func (t *TensorView) HasNonTrivialAlloc() bool {
	if len(t.AllocDomain) != len(t.LogicalDomain) {
		return true
	}
	for i := range t.AllocDomain {
		if t.AllocDomain[i].ID != t.LogicalDomain[i].ID {
			return true
		}
	}
	return false
}

// AliasMode tags how a fusion output is produced.
type AliasMode int

const (
	// AliasNew allocates fresh storage for the output.
	AliasNew AliasMode = iota + 1
	// AliasReuseBuffer aliases an input or prior tensor in place.
	AliasReuseBuffer
	// AliasEvaluate derives the output from the evaluator (e.g. a reshape)
	// and optionally asserts it views a named alias target.
	AliasEvaluate
)

// OutputSpec describes one fusion output.
type OutputSpec struct {
	View         *TensorView
	Alias        AliasMode
	AliasTarget  string // valid iff Alias != AliasNew; required for AliasReuseBuffer; for AliasEvaluate, empty means "derive, no assertion"
	NaNFill      bool
}

// GlobalAlloc describes one intermediate global buffer the kernel needs,
// independent of the fusion's declared outputs.
type GlobalAlloc struct {
	View          *TensorView
	ZeroInit      bool
	ResetsToZero  bool
	IsProfileBuffer bool
	NaNFill       bool
}

// SmemAlloc describes one shared-memory allocation (static or dynamic).
type SmemAlloc struct {
	Name    string
	Address Expr
	Size    Expr
	DType   DataType
	AliasOf string // name of another SmemAlloc this one aliases, or "".
}

// ParallelType identifies a CUDA-style parallel binding dimension.
type ParallelType int

const (
	TIDx ParallelType = iota + 1
	TIDy
	TIDz
	BIDx
	BIDy
	BIDz
)

// IsBlock reports whether the parallel type binds a grid (block-index)
// dimension rather than a thread (block-local) dimension.
func (p ParallelType) IsBlock() bool {
	return p == BIDx || p == BIDy || p == BIDz
}

// ParallelBinding relates a parallel type to the iteration-domain axes
// bound to it across the fusion's tensors.
type ParallelBinding struct {
	Type  ParallelType
	Axes  []Axis
}

// Precondition is a boolean expression that must hold before launch; Message
// is surfaced verbatim in xerrors.ErrInvalidProgram when it evaluates false.
type Precondition struct {
	Cond    Expr
	Message string
}

// KernelSummary is the read-only digest of a lowered kernel that the
// executor consults. It never mutates the expression graph it summarizes.
type KernelSummary struct {
	// Inputs declares the fusion's input tensors by name and logical
	// domain, so the executor can bind each axis's symbolic extent to the
	// caller-supplied concrete shape before evaluating anything else.
	Inputs        []TensorView
	Outputs       []OutputSpec
	GlobalAllocs  []GlobalAlloc
	StaticSmem    []SmemAlloc
	DynamicSmem   []SmemAlloc
	ParallelMap   []ParallelBinding
	WarpSize      int

	HasBlockWelford bool
	HasGridWelford  bool
	HasOuterGroupedGridWelford bool
	OuterGroupedGridWelfordLargestSmemSize int64
	NumGroupedIterations int
	HasIterGroupedReduction bool

	LargestSmemType DataType
	RequiresCooperativeLaunch bool
	MinDeviceCapability DeviceCapability

	Preconditions []Precondition

	IndexType IndexType

	// HasTMA reports whether the kernel contains a cp-async-bulk (TMA)
	// expression, which forces 32-bit indexing and disables the magic-zero
	// workaround.
	HasTMA bool

	// HasDynamicLocalAllocation reports a local-memory allocation whose
	// size is not a compile-time constant; compile() fails fast on this.
	HasDynamicLocalAllocation bool

	// IsPureEvaluation marks a fusion with no kernel launch at all: every
	// output is derived directly by the evaluator.
	IsPureEvaluation bool

	// OutputExtentDependsOnNonTensorInput is the sticky compile-time flag
	// behind the launch-parameter cache's disable trigger (spec.md §4.6).
	OutputExtentDependsOnNonTensorInput bool

	// KernelName is the textual name of the generated @kernel entry point.
	KernelName string
}

// LoweredKernel is the full read-only unit the executor compiles and runs:
// the expression graph (opaque to this module) plus its summary.
type LoweredKernel struct {
	Summary KernelSummary
	// Graph is intentionally untyped here: the expression-graph IR is an
	// external collaborator per spec.md §1 and this module only consumes
	// its evaluator binding (see exprs.Evaluator), never its structure.
	Graph any
}
