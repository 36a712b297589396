// Package kernelcompiler holds a fusion's structured source and compiled
// artefact, recompiling on a block-size/register-ceiling high-water mark and
// validating cooperative-launch occupancy (spec.md §4.5). It generalizes the
// teacher's Runner.BuildKernel compile step — including its OpenMP -O3
// workaround — by adding the high-water-mark gate and the driver-attribute
// queries the teacher's single-shot compile never needed.
//
// The GPU driver/runtime's module-load, function-attribute and occupancy
// primitives are named out of scope in spec.md §1; DeviceQuery is this
// package's contract with that external collaborator, since OCCA's portable
// device/kernel API (as used by the teacher) does not itself expose
// CUDA-specific occupancy or attribute queries.
package kernelcompiler

import (
	"fmt"

	"github.com/notargets/gocca"

	"github.com/gpufusion/executor/kir"
	"github.com/gpufusion/executor/xerrors"
)

// DeviceQuery is the driver-facing contract the Kernel Compiler needs beyond
// OCCA's portable build/run surface: raising a kernel's dynamic
// shared-memory attribute, the device's shared-memory and capability limits,
// and cooperative-launch occupancy. A real deployment supplies a
// backend-specific (e.g. CUDA) implementation; tests supply a fake.
type DeviceQuery interface {
	// MaxDynamicSmem returns the device's available dynamic shared-memory
	// bytes for one block, queried fresh (the caller is responsible for
	// caching).
	MaxDynamicSmem() (int64, error)
	// SharedMemoryLimit returns the device's total per-block shared-memory
	// budget (static + dynamic).
	SharedMemoryLimit() (int64, error)
	// Capability returns the device's compute capability.
	Capability() kir.DeviceCapability
	// SetDynamicSmemAttribute raises kernel's dynamic shared-memory function
	// attribute to bytes, required before a cooperative launch or any
	// dynamic size above the value last raised for that kernel.
	SetDynamicSmemAttribute(kernel *gocca.OCCAKernel, bytes int64) error
	// MaxResidentBlocksPerSM returns the occupancy calculator's answer for
	// kernel at the given block size and dynamic shared-memory size.
	MaxResidentBlocksPerSM(kernel *gocca.OCCAKernel, blockSize int, dynamicSmem int64) (int, error)
	// SMCount returns the device's streaming-multiprocessor count.
	SMCount() int
}

// HighWater tracks the compiled artefact's block-size and register-ceiling
// high-water marks, per spec.md §4.5's recompilation rule.
type HighWater struct {
	BlockSize int64
	Registers int64
}

// CompiledKernel holds a fusion's generated source and its compiled
// artefact, plus the cached driver-query values the lifecycle rules in
// spec.md §4.5 invalidate on recompile.
type CompiledKernel struct {
	Name   string
	Source string

	Kernel *gocca.OCCAKernel
	HighWater

	availableDynamicSmem int64
	haveDynamicSmem      bool
	staticSmemBytes      int64
}

// Compiler compiles and recompiles kernels on one device.
type Compiler struct {
	Device *gocca.OCCADevice
	Query  DeviceQuery
}

// NewCompiler returns a Compiler bound to dev, consulting q for the
// driver-level queries OCCA's portable API does not expose.
func NewCompiler(dev *gocca.OCCADevice, q DeviceQuery) *Compiler {
	return &Compiler{Device: dev, Query: q}
}

// CompileParams names the requested register ceiling and block size a
// launch needs the compiled artefact to support.
type CompileParams struct {
	BlockSize       int64
	RegisterCeiling int64
}

// Compile builds ck's kernel if it has never been compiled, or recompiles it
// if the requested block size exceeds its block-size high-water mark or the
// requested register ceiling differs from the stored one (spec.md §4.5). On
// recompile, both high-water marks are updated and the cached
// driver-query values are invalidated.
func (c *Compiler) Compile(ck *CompiledKernel, params CompileParams, staticSmemBytes int64) error {
	needsCompile := ck.Kernel == nil ||
		params.BlockSize > ck.HighWater.BlockSize ||
		params.RegisterCeiling != ck.HighWater.Registers

	if !needsCompile {
		return nil
	}

	kernel, err := c.build(ck.Name, ck.Source)
	if err != nil {
		return fmt.Errorf("compile kernel %s: %w", ck.Name, err)
	}

	if ck.Kernel != nil {
		ck.Kernel.Free()
	}
	ck.Kernel = kernel
	if params.BlockSize > ck.HighWater.BlockSize {
		ck.HighWater.BlockSize = params.BlockSize
	}
	ck.HighWater.Registers = params.RegisterCeiling
	ck.haveDynamicSmem = false
	ck.staticSmemBytes = staticSmemBytes

	return nil
}

// build mirrors the teacher's Runner.BuildKernel OpenMP -O3 workaround.
func (c *Compiler) build(name, source string) (*gocca.OCCAKernel, error) {
	if c.Device.Mode() == "OpenMP" {
		props := gocca.JsonParse(`{"compiler_flags": "-O3"}`)
		defer props.Free()
		return c.Device.BuildKernelFromString(source, name, props)
	}
	return c.Device.BuildKernelFromString(source, name, nil)
}

// EnsureDynamicSmem implements spec.md §4.5's dynamic shared-memory
// lifecycle: if requested exceeds the cached available value, validate
// against the device's total limit, raise the function attribute, then
// update the cache.
func (c *Compiler) EnsureDynamicSmem(ck *CompiledKernel, requested int64) error {
	if ck.haveDynamicSmem && requested <= ck.availableDynamicSmem {
		return nil
	}

	limit, err := c.Query.SharedMemoryLimit()
	if err != nil {
		return err
	}
	if ck.staticSmemBytes+requested > limit {
		return fmt.Errorf("static %d + dynamic %d exceeds device limit %d: %w",
			ck.staticSmemBytes, requested, limit, xerrors.ErrSharedMemoryExceeded)
	}

	if err := c.Query.SetDynamicSmemAttribute(ck.Kernel, requested); err != nil {
		return err
	}

	ck.availableDynamicSmem = requested
	ck.haveDynamicSmem = true
	return nil
}

// ValidateCooperative implements spec.md §4.5's cooperative-launch
// validation: after ensuring the dynamic shared-memory attribute is raised,
// the maximum resident blocks per SM times SM count must be at least the
// requested grid size.
func (c *Compiler) ValidateCooperative(ck *CompiledKernel, blockSize int64, dynamicSmem int64, gridSize int64) error {
	if err := c.EnsureDynamicSmem(ck, dynamicSmem); err != nil {
		return err
	}

	perSM, err := c.Query.MaxResidentBlocksPerSM(ck.Kernel, int(blockSize), dynamicSmem)
	if err != nil {
		return err
	}
	capacity := int64(perSM) * int64(c.Query.SMCount())
	if capacity < gridSize {
		return fmt.Errorf("cooperative grid of %d blocks exceeds resident capacity %d: %w",
			gridSize, capacity, xerrors.ErrCooperativeTooLarge)
	}
	return nil
}

// CheckDeviceCapability raises xerrors.ErrDeviceTooOld if the device's
// capability is below min.
func (c *Compiler) CheckDeviceCapability(min kir.DeviceCapability) error {
	if !c.Query.Capability().AtLeast(min) {
		return xerrors.ErrDeviceTooOld
	}
	return nil
}

// Free releases the compiled kernel, if any.
func (ck *CompiledKernel) Free() {
	if ck.Kernel != nil {
		ck.Kernel.Free()
		ck.Kernel = nil
	}
}
