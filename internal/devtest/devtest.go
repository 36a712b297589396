// Package devtest creates a real OCCA device for tests that exercise
// device-dependent code paths (allocation, kernel compilation, launch).
// It is never mocked, matching the teacher's utils.CreateTestDevice: this
// module's test suite always runs against an actual OCCA backend.
package devtest

import (
	"fmt"

	"github.com/notargets/gocca"
)

// NewDevice tries parallel backends before falling back to Serial, and
// panics if none are available. Each device-dependent test calls this to
// get its own device, matching the teacher's utils.CreateTestDevice.
func NewDevice() *gocca.OCCADevice {
	backends := []string{
		`{"mode": "OpenMP"}`,
		`{"mode": "CUDA", "device_id": 0}`,
		`{"mode": "Serial"}`,
	}

	for _, props := range backends {
		device, err := gocca.NewDevice(props)
		if err == nil {
			fmt.Printf("devtest: created %s device\n", device.Mode())
			return device
		}
	}

	panic("devtest: failed to create any OCCA device")
}
