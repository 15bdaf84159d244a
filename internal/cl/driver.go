package cl

import (
	"fmt"
	"strings"
)

// Driver enumerates the compute platforms of one runtime implementation.
type Driver interface {
	Name() string
	// Platforms lists the available platforms in runtime order.
	// An empty slice with a nil error means the runtime has none.
	Platforms() ([]Platform, error)
}

// Platform is a vendor runtime instance.
type Platform interface {
	Info() PlatformInfo
	// Devices lists every device of the platform (all device types).
	Devices() ([]Device, error)
}

// Device is a compute device exposed by a platform.
type Device interface {
	Info() DeviceInfo
	// NewContext creates a compute context bound to this device only.
	NewContext() (Context, error)
}

// Context owns the device-side resources of one run.
type Context interface {
	Device() DeviceInfo
	// NewQueue creates an in-order command queue with profiling enabled.
	NewQueue() (Queue, error)
	// NewBuffer allocates a buffer of count 4-byte integers.
	NewBuffer(access Access, count int) (Buffer, error)
	// BuildProgram compiles source for the context's device. A compile
	// failure is reported as *BuildError.
	BuildProgram(source, options string) (Program, error)
	Close() error
}

// Buffer is a device memory region holding int32 elements.
type Buffer interface {
	Len() int
	Access() Access
	Close() error
}

// Queue is an ordered submission channel to the context's device.
type Queue interface {
	// WriteInt32 copies src into the start of buf and blocks until done.
	WriteInt32(buf Buffer, src []int32) error
	// ReadInt32 copies the start of buf into dst and blocks until done.
	ReadInt32(buf Buffer, dst []int32) error
	// EnqueueKernel dispatches k over a 1-D range of global work items.
	// local == 0 leaves the work-group size to the runtime.
	EnqueueKernel(k Kernel, global, local int) (Event, error)
	Flush() error
	Finish() error
	Close() error
}

// Program is source compiled for one device.
type Program interface {
	Kernel(name string) (Kernel, error)
	BuildLog() string
	Close() error
}

// Kernel is one entry point of a built program.
type Kernel interface {
	Name() string
	SetBufferArg(index int, buf Buffer) error
	Close() error
}

// Event tracks one enqueued command.
type Event interface {
	Wait() error
	// Times reads the profiling counters. Only valid after Wait.
	Times() (EventTimes, error)
	Close() error
}

// Driver names accepted by Open.
const (
	DriverOpenCL = "opencl"
	DriverMock   = "mock"
)

// Open returns the driver registered under name. The empty name selects
// the native OpenCL driver.
func Open(name string) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", DriverOpenCL, "native", "cl":
		return NewNativeDriver(), nil
	case DriverMock:
		return DefaultMockDriver(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, name)
	}
}

// Inventory resolves every platform together with its device metadata.
func Inventory(d Driver) ([]PlatformInfo, error) {
	platforms, err := d.Platforms()
	if err != nil {
		return nil, err
	}

	out := make([]PlatformInfo, len(platforms))
	for i, p := range platforms {
		info := p.Info()
		devices, err := p.Devices()
		if err != nil {
			return nil, fmt.Errorf("platform %q: %w", info.Name, err)
		}
		info.Devices = make([]DeviceInfo, len(devices))
		for j, dev := range devices {
			info.Devices[j] = dev.Info()
		}
		out[i] = info
	}
	return out, nil
}
