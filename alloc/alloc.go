// Package alloc materializes a fusion's device buffers: fresh allocation,
// aliasing onto an existing buffer, or evaluator-derived views (spec.md
// §4.4). It generalizes the teacher's Builder/Runner allocation pair
// (Builder.allocateSingleArray, Builder.calculateAlignedOffsetsAndSize,
// Runner.AllocateDeviceMatrices) from the teacher's fixed DG-solver array set
// to an arbitrary list of kir.OutputSpec/kir.GlobalAlloc entries.
package alloc

import (
	"fmt"
	"math"
	"sync"
	"unsafe"

	"github.com/notargets/gocca"

	"github.com/gpufusion/executor/exprs"
	"github.com/gpufusion/executor/kir"
	"github.com/gpufusion/executor/shapeinfer"
	"github.com/gpufusion/executor/xerrors"
)

// AllocationInfo records what was materialized for one tensor: its resolved
// shape, byte size and how it was produced.
type AllocationInfo struct {
	Name        string
	Shape       shapeinfer.Shape
	DType       kir.DataType
	Bytes       int64
	Alias       kir.AliasMode
	AliasTarget string
}

// TensorEvaluator derives a tensor's memory and shape via the expression
// graph, e.g. a reshape or a view with no data movement. The expression
// graph itself is the external, out-of-scope collaborator named in
// spec.md §1; alloc only consumes its result through this interface.
type TensorEvaluator interface {
	Evaluate(out *kir.TensorView) (*gocca.OCCAMemory, shapeinfer.Shape, error)
}

// Bindings is the set of already-materialized tensors and bound scalars
// visible while allocating a fusion's buffers. As each output or
// intermediate is produced it is written back into Tensors so later entries
// in the same allocation pass can alias or evaluate against it.
type Bindings struct {
	Scalars *exprs.Evaluator
	Tensors map[string]*gocca.OCCAMemory
	Shapes  map[string]shapeinfer.Shape
}

// NewBindings returns Bindings with empty tensor/shape tables bound to ev.
func NewBindings(ev *exprs.Evaluator) *Bindings {
	return &Bindings{
		Scalars: ev,
		Tensors: make(map[string]*gocca.OCCAMemory),
		Shapes:  make(map[string]shapeinfer.Shape),
	}
}

func (b *Bindings) bind(name string, mem *gocca.OCCAMemory, shape shapeinfer.Shape) {
	b.Tensors[name] = mem
	b.Shapes[name] = shape
}

// AllocatorOptions configures allocation policy.
type AllocatorOptions struct {
	// PreferPool routes every zero-initialized allocation through the
	// process-wide ZeroPool instead of a fresh Malloc, regardless of an
	// individual allocation's ResetsToZero flag.
	PreferPool bool
}

// Allocator materializes buffers on one device.
type Allocator struct {
	Device  *gocca.OCCADevice
	Options AllocatorOptions
}

// NewAllocator returns an Allocator bound to dev.
func NewAllocator(dev *gocca.OCCADevice, opts AllocatorOptions) *Allocator {
	return &Allocator{Device: dev, Options: opts}
}

// AllocateOutputs materializes a fusion's declared outputs in the order
// spec.md §4.4 requires: non-aliased outputs first, then aliased ones, so
// an AliasReuseBuffer/AliasEvaluate target that is itself another output
// is always already bound. A duplicate TensorView appearing in more than
// one OutputSpec shares a single buffer.
func (a *Allocator) AllocateOutputs(outputs []kir.OutputSpec, b *Bindings, ev TensorEvaluator) ([]*gocca.OCCAMemory, []AllocationInfo, error) {
	mems := make([]*gocca.OCCAMemory, len(outputs))
	infos := make([]AllocationInfo, len(outputs))

	order := make([]int, 0, len(outputs))
	for i, o := range outputs {
		if o.Alias == kir.AliasNew {
			order = append(order, i)
		}
	}
	for i, o := range outputs {
		if o.Alias != kir.AliasNew {
			order = append(order, i)
		}
	}

	seen := make(map[*kir.TensorView]int) // TensorView -> index of the output that already materialized it
	for _, i := range order {
		o := outputs[i]
		if j, ok := seen[o.View]; ok {
			mems[i] = mems[j]
			infos[i] = infos[j]
			continue
		}

		mem, info, err := a.materializeOutput(o, b, ev)
		if err != nil {
			return nil, nil, fmt.Errorf("output %q: %w", o.View.Name, err)
		}
		mems[i] = mem
		infos[i] = info
		seen[o.View] = i
		b.bind(o.View.Name, mem, info.Shape)
	}

	return mems, infos, nil
}

func (a *Allocator) materializeOutput(o kir.OutputSpec, b *Bindings, ev TensorEvaluator) (*gocca.OCCAMemory, AllocationInfo, error) {
	switch o.Alias {
	case kir.AliasNew:
		shape, err := shapeinfer.InferOutput(o.View, b.Scalars)
		if err != nil {
			return nil, AllocationInfo{}, err
		}
		bytes := shapeBytes(shape, o.View.DType)
		mem := a.Device.Malloc(bytes, nil, nil)
		if o.NaNFill {
			if err := FillNaN(mem, bytes, o.View.DType); err != nil {
				return nil, AllocationInfo{}, err
			}
		}
		return mem, AllocationInfo{Name: o.View.Name, Shape: shape, DType: o.View.DType, Bytes: bytes, Alias: o.Alias}, nil

	case kir.AliasReuseBuffer:
		mem, ok := b.Tensors[o.AliasTarget]
		if !ok {
			return nil, AllocationInfo{}, fmt.Errorf("alias target %q not bound: %w", o.AliasTarget, xerrors.ErrInvalidProgram)
		}
		shape, err := shapeinfer.InferOutput(o.View, b.Scalars)
		if err != nil {
			return nil, AllocationInfo{}, err
		}
		bytes := shapeBytes(shape, o.View.DType)
		return mem, AllocationInfo{Name: o.View.Name, Shape: shape, DType: o.View.DType, Bytes: bytes, Alias: o.Alias, AliasTarget: o.AliasTarget}, nil

	case kir.AliasEvaluate:
		if ev == nil {
			return nil, AllocationInfo{}, fmt.Errorf("output %q declares AliasEvaluate with no evaluator: %w", o.View.Name, xerrors.ErrInvalidProgram)
		}
		mem, shape, err := ev.Evaluate(o.View)
		if err != nil {
			return nil, AllocationInfo{}, err
		}
		if o.AliasTarget != "" {
			target, ok := b.Tensors[o.AliasTarget]
			if !ok {
				return nil, AllocationInfo{}, fmt.Errorf("alias target %q not bound: %w", o.AliasTarget, xerrors.ErrInvalidProgram)
			}
			if target != mem {
				return nil, AllocationInfo{}, fmt.Errorf("evaluated output %q does not view alias target %q: %w", o.View.Name, o.AliasTarget, xerrors.ErrRankMismatch)
			}
		}
		bytes := shapeBytes(shape, o.View.DType)
		return mem, AllocationInfo{Name: o.View.Name, Shape: shape, DType: o.View.DType, Bytes: bytes, Alias: o.Alias, AliasTarget: o.AliasTarget}, nil

	default:
		return nil, AllocationInfo{}, fmt.Errorf("output %q: unknown alias mode %d: %w", o.View.Name, o.Alias, xerrors.ErrInvalidProgram)
	}
}

// AllocateIntermediates materializes a kernel's declared global allocations
// (workspace buffers, profile buffers) independent of its declared outputs.
// An allocation whose ResetsToZero is set, or whose ZeroInit is set while
// Options.PreferPool is on, is drawn from the process-wide ZeroPool; the
// caller is expected to return it via ReleaseIntermediates once the launch
// that consumes it has completed. Any other ZeroInit allocation still gets
// an explicit zero-fill, it just doesn't round-trip through the pool.
// If the resolved allocation shape has an expanded (zero-stride) dimension,
// the buffer is sized at its unexpanded footprint (shapeinfer.PhysicalBytes)
// while the shape bound into the evaluator and returned in AllocationInfo
// keeps the full expanded extent, so everything downstream sees it expanded
// logically (spec.md §4.6 step 5).
func (a *Allocator) AllocateIntermediates(allocs []kir.GlobalAlloc, b *Bindings) ([]*gocca.OCCAMemory, []AllocationInfo, error) {
	mems := make([]*gocca.OCCAMemory, len(allocs))
	infos := make([]AllocationInfo, len(allocs))

	for i, al := range allocs {
		shape, err := shapeinfer.InferIntermediate(al.View.AllocDomain, b.Scalars)
		if err != nil {
			return nil, nil, fmt.Errorf("intermediate %q: %w", al.View.Name, err)
		}
		bytes := shapeinfer.PhysicalBytes(shape, al.View.DType.ByteSize())

		var mem *gocca.OCCAMemory
		pooled := al.ResetsToZero || (al.ZeroInit && a.Options.PreferPool)
		switch {
		case pooled:
			mem = globalZeroPool.get(a.Device, bytes)
		case al.ZeroInit:
			mem = a.Device.Malloc(bytes, nil, nil)
			zeroFill(mem, bytes)
		default:
			mem = a.Device.Malloc(bytes, nil, nil)
		}

		if al.NaNFill {
			if err := FillNaN(mem, bytes, al.View.DType); err != nil {
				return nil, nil, err
			}
		}

		mems[i] = mem
		infos[i] = AllocationInfo{Name: al.View.Name, Shape: shape, DType: al.View.DType, Bytes: bytes}
		b.bind(al.View.Name, mem, shape)
	}

	return mems, infos, nil
}

// zeroFill writes bytes zero bytes to mem via an explicit host-side copy,
// the same mechanism ZeroPool.get uses to seed a fresh pooled buffer.
func zeroFill(mem *gocca.OCCAMemory, bytes int64) {
	if bytes == 0 {
		return
	}
	zeros := make([]byte, bytes)
	mem.CopyFrom(unsafe.Pointer(&zeros[0]), bytes)
}

// ReleaseIntermediates returns pooled buffers (those allocated with
// ResetsToZero or under PreferPool) to the process-wide ZeroPool and frees
// the rest. infos must correspond positionally to allocs and mems as
// returned by AllocateIntermediates.
func (a *Allocator) ReleaseIntermediates(allocs []kir.GlobalAlloc, mems []*gocca.OCCAMemory, infos []AllocationInfo) {
	for i, al := range allocs {
		pooled := al.ResetsToZero || (al.ZeroInit && a.Options.PreferPool)
		if pooled {
			globalZeroPool.put(infos[i].Bytes, mems[i])
		} else {
			mems[i].Free()
		}
	}
}

func shapeBytes(s shapeinfer.Shape, dt kir.DataType) int64 {
	n := int64(1)
	for _, sz := range s.Sizes {
		n *= sz
	}
	if n < 0 {
		n = 0
	}
	return n * dt.ByteSize()
}

// FillNaN writes dt's quiet-NaN (or dtype-appropriate sentinel) value across
// bytes bytes of mem, per spec.md §4.4's typed sentinel table.
func FillNaN(mem *gocca.OCCAMemory, bytes int64, dt kir.DataType) error {
	host, err := nanPattern(dt, bytes)
	if err != nil {
		return err
	}
	if len(host) == 0 {
		return nil
	}
	mem.CopyFrom(unsafe.Pointer(&host[0]), int64(len(host)))
	return nil
}

func nanPattern(dt kir.DataType, bytes int64) ([]byte, error) {
	elem := dt.ByteSize()
	if elem == 0 || bytes == 0 {
		return nil, nil
	}
	n := bytes / elem
	out := make([]byte, bytes)

	switch dt {
	case kir.Uint8:
		for i := range out {
			out[i] = 0xFF
		}
	case kir.Int8:
		for i := range out {
			out[i] = 0x7F
		}
	case kir.Bool:
		for i := range out {
			out[i] = 1
		}
	case kir.Int32:
		fillInt32(out, n, math.MaxInt32)
	case kir.Int64:
		fillInt64(out, n, math.MaxInt64)
	case kir.Float32:
		fillFloat32(out, n, float32(math.NaN()))
	case kir.Float64:
		fillFloat64(out, n, math.NaN())
	case kir.BFloat16:
		// bfloat16 quiet NaN: sign=0, exponent all ones, mantissa nonzero.
		fillUint16(out, n, 0x7FC0)
	case kir.Complex64:
		fillFloat32(out, 2*n, float32(math.NaN()))
	case kir.Complex128:
		fillFloat64(out, 2*n, math.NaN())
	default:
		return nil, xerrors.ErrUnknownDtype
	}
	return out, nil
}

func fillInt32(out []byte, n int64, v int32) {
	for i := int64(0); i < n; i++ {
		*(*int32)(unsafe.Pointer(&out[i*4])) = v
	}
}

func fillInt64(out []byte, n int64, v int64) {
	for i := int64(0); i < n; i++ {
		*(*int64)(unsafe.Pointer(&out[i*8])) = v
	}
}

func fillFloat32(out []byte, n int64, v float32) {
	for i := int64(0); i < n; i++ {
		*(*float32)(unsafe.Pointer(&out[i*4])) = v
	}
}

func fillFloat64(out []byte, n int64, v float64) {
	for i := int64(0); i < n; i++ {
		*(*float64)(unsafe.Pointer(&out[i*8])) = v
	}
}

func fillUint16(out []byte, n int64, v uint16) {
	for i := int64(0); i < n; i++ {
		*(*uint16)(unsafe.Pointer(&out[i*2])) = v
	}
}

// ZeroPool is a process-wide cache of zero-initialized device buffers keyed
// by byte size, avoiding a fresh device-side zero-fill on every allocation
// of a recurring workspace/profile-buffer size.
type ZeroPool struct {
	mu   sync.Mutex
	free map[int64][]*gocca.OCCAMemory
}

var globalZeroPool = &ZeroPool{free: make(map[int64][]*gocca.OCCAMemory)}

func (p *ZeroPool) get(dev *gocca.OCCADevice, bytes int64) *gocca.OCCAMemory {
	p.mu.Lock()
	bucket := p.free[bytes]
	if len(bucket) > 0 {
		mem := bucket[len(bucket)-1]
		p.free[bytes] = bucket[:len(bucket)-1]
		p.mu.Unlock()
		return mem
	}
	p.mu.Unlock()

	mem := dev.Malloc(bytes, nil, nil)
	zeros := make([]byte, bytes)
	if bytes > 0 {
		mem.CopyFrom(unsafe.Pointer(&zeros[0]), bytes)
	}
	return mem
}

func (p *ZeroPool) put(bytes int64, mem *gocca.OCCAMemory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free[bytes] = append(p.free[bytes], mem)
}
