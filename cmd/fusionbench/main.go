// Command fusionbench compiles a small synthetic fusion and runs it at three
// input shapes, demonstrating the executor's input-shape cache end to end:
// the two identical shapes share one entry, the larger one builds a new
// entry. The demo kernel does not request a cooperative launch, and no run
// recompiles the kernel.
package main

import (
	"fmt"
	"log"

	"github.com/notargets/gocca"

	"github.com/gpufusion/executor/executor"
	"github.com/gpufusion/executor/exprs"
	"github.com/gpufusion/executor/kernelsrc"
	"github.com/gpufusion/executor/kir"
	"github.com/gpufusion/executor/launchparams"
	"github.com/gpufusion/executor/shapeinfer"
)

// cudaDeviceQuery is a thin kernelcompiler.DeviceQuery backed by fixed
// figures for the device created below. A production embedder would query
// these from the CUDA driver directly; this module treats that as an
// external collaborator (see executor.PointerResolver's doc comment).
type cudaDeviceQuery struct {
	smemLimit  int64
	perSM      int
	smCount    int
	capability kir.DeviceCapability
}

func (q *cudaDeviceQuery) MaxDynamicSmem() (int64, error)    { return q.smemLimit, nil }
func (q *cudaDeviceQuery) SharedMemoryLimit() (int64, error) { return q.smemLimit, nil }
func (q *cudaDeviceQuery) Capability() kir.DeviceCapability  { return q.capability }
func (q *cudaDeviceQuery) SMCount() int                      { return q.smCount }
func (q *cudaDeviceQuery) SetDynamicSmemAttribute(*gocca.OCCAKernel, int64) error {
	return nil
}
func (q *cudaDeviceQuery) MaxResidentBlocksPerSM(*gocca.OCCAKernel, int, int64) (int, error) {
	return q.perSM, nil
}

// identityResolver returns 0 for every memory handle: this demo's kernel
// never dereferences its argument blobs, so no real pointer is needed.
type identityResolver struct{}

func (identityResolver) PointerOf(*gocca.OCCAMemory) (uintptr, error) { return 0, nil }

func scaleSummary() *kir.KernelSummary {
	n := kir.Axis{ID: "n", Extent: exprs.Sym("n")}
	x := kir.TensorView{Name: "x", LogicalDomain: []kir.Axis{n}, AllocDomain: []kir.Axis{n}, DType: kir.Float32}
	y := &kir.TensorView{Name: "y", LogicalDomain: []kir.Axis{n}, AllocDomain: []kir.Axis{n}, DType: kir.Float32}

	return &kir.KernelSummary{
		KernelName: "scale_fusion",
		Inputs:     []kir.TensorView{x},
		Outputs:    []kir.OutputSpec{{View: y, Alias: kir.AliasNew}},
		ParallelMap: []kir.ParallelBinding{
			{Type: kir.BIDx, Axes: []kir.Axis{n}},
		},
	}
}

const scaleKernelSource = `@kernel void scale_fusion(char *x, char *y) {
  for (int i = 0; i < 1; ++i; @outer) {
    for (int j = 0; j < 1; ++j; @inner) { }
  }
}`

func main() {
	device, err := gocca.NewDevice(`{"mode": "Serial"}`)
	if err != nil {
		log.Fatalf("create device: %v", err)
	}
	defer device.Free()

	q := &cudaDeviceQuery{smemLimit: 1 << 16, perSM: 32, smCount: 8}
	summary := scaleSummary()
	ex := executor.NewExecutor(device, q, summary.KernelName, summary, executor.Options{
		WarpSize:        32,
		PointerResolver: identityResolver{},
	})
	defer ex.Free()

	if err := ex.Compile(scaleKernelSource, executor.CompileParams{BlockSize: 64, RegisterCeiling: 32},
		kernelsrc.TypeConfig{FloatType: kir.Float32}, nil, 0); err != nil {
		log.Fatalf("compile: %v", err)
	}
	fmt.Println("compiled scale_fusion")

	for _, n := range []int64{128, 128, 4096} {
		mem := device.Malloc(4*n, nil, nil)
		args := executor.Args{
			Tensors: map[string]*gocca.OCCAMemory{"x": mem},
			Shapes:  map[string]shapeinfer.Shape{"x": {Sizes: []int64{n}, Strides: []int64{1}}},
		}
		outs, err := ex.Run(args, executor.RunParams{Constraints: launchparams.NewConstraints()})
		if err != nil {
			log.Fatalf("run n=%d: %v", n, err)
		}
		fmt.Printf("ran n=%d, outputs=%d\n", n, len(outs))
		mem.Free()
	}
}
