// Package xerrors defines the sentinel error kinds raised by the fusion
// executor. Call sites wrap these with context via fmt.Errorf("...: %w", ErrX)
// and callers discriminate with errors.Is.
package xerrors

import "errors"

var (
	// ErrShapeUnresolved is raised when a symbolic extent has no value in
	// the evaluator it was resolved against.
	ErrShapeUnresolved = errors.New("shape: extent could not be resolved")

	// ErrRankMismatch is raised when the allocation-to-logical transform
	// traversal leaves a frontier that is not a permutation of the logical
	// domain.
	ErrRankMismatch = errors.New("shape: rank mismatch after transform traversal")

	// ErrUnsupportedAllocTransform is raised when a transform node is
	// neither a split nor a merge.
	ErrUnsupportedAllocTransform = errors.New("shape: unsupported allocation transform")

	// ErrInvalidProgram is raised when a kernel precondition evaluates to
	// false. The attached message is carried in the wrapping error text.
	ErrInvalidProgram = errors.New("launch: invalid program")

	// ErrIndexTypeConflict is raised when an explicit index-type override
	// conflicts with the argument-implied width, or when TMA forces 32-bit
	// against a 64-bit requirement.
	ErrIndexTypeConflict = errors.New("compile: index type conflict")

	// ErrDeviceTooOld is raised when the target device capability is below
	// the kernel summary's declared minimum.
	ErrDeviceTooOld = errors.New("compile: device capability below kernel minimum")

	// ErrSharedMemoryExceeded is raised when static+dynamic shared memory
	// exceeds the device limit.
	ErrSharedMemoryExceeded = errors.New("smem: static+dynamic exceeds device limit")

	// ErrDynamicLocalAllocation is raised when a kernel summary contains a
	// local-memory allocation with a non-constant size.
	ErrDynamicLocalAllocation = errors.New("compile: dynamic local allocation is not supported")

	// ErrCooperativeTooLarge is raised when a cooperative launch would
	// exceed resident block capacity.
	ErrCooperativeTooLarge = errors.New("launch: cooperative grid exceeds resident capacity")

	// ErrUnknownDtype is raised when a NaN-fill sentinel is requested for
	// an element type with no defined sentinel.
	ErrUnknownDtype = errors.New("alloc: no NaN-fill sentinel for dtype")

	// ErrGroupedWelfordConflict is raised when a kernel declares both
	// iter-grouped reductions and a welford factor of 3.
	ErrGroupedWelfordConflict = errors.New("smem: iter-grouped reductions incompatible with welford factor 3")
)
