package cl

import (
	"strings"
	"time"
)

// DeviceType describes the class of an OpenCL device.
type DeviceType string

const (
	DeviceTypeGPU         DeviceType = "GPU"
	DeviceTypeCPU         DeviceType = "CPU"
	DeviceTypeAccelerator DeviceType = "Accelerator"
	DeviceTypeDefault     DeviceType = "Default"
	DeviceTypeUnknown     DeviceType = "Unknown"
)

// ParseDeviceType maps user input (case-insensitive) to a DeviceType.
// Unrecognised names map to DeviceTypeUnknown.
func ParseDeviceType(name string) DeviceType {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "gpu":
		return DeviceTypeGPU
	case "cpu":
		return DeviceTypeCPU
	case "accelerator", "acc":
		return DeviceTypeAccelerator
	case "default":
		return DeviceTypeDefault
	default:
		return DeviceTypeUnknown
	}
}

// DeviceInfo captures metadata about an OpenCL device.
type DeviceInfo struct {
	Name             string     `json:"name"`
	Vendor           string     `json:"vendor"`
	Version          string     `json:"version"`
	DriverVersion    string     `json:"driverVersion"`
	Type             DeviceType `json:"type"`
	MaxComputeUnits  uint32     `json:"maxComputeUnits"`
	MaxWorkGroupSize int        `json:"maxWorkGroupSize"`
	MaxClockMHz      uint32     `json:"maxClockMHz"`
	GlobalMemBytes   uint64     `json:"globalMemBytes"`
	LocalMemBytes    uint64     `json:"localMemBytes"`
	MaxAllocBytes    uint64     `json:"maxAllocBytes"`
}

// PlatformInfo captures metadata about an OpenCL platform and its devices.
type PlatformInfo struct {
	Name    string       `json:"name"`
	Vendor  string       `json:"vendor"`
	Version string       `json:"version"`
	Profile string       `json:"profile"`
	Devices []DeviceInfo `json:"devices,omitempty"`
}

// Access is the kernel-side access mode of a buffer.
type Access int

const (
	ReadWrite Access = iota
	ReadOnly
	WriteOnly
)

func (a Access) String() string {
	switch a {
	case ReadOnly:
		return "read-only"
	case WriteOnly:
		return "write-only"
	default:
		return "read-write"
	}
}

// Int32Size is the size in bytes of one buffer element.
const Int32Size = 4

// EventTimes holds the device profiling counters of a finished command,
// in nanoseconds on the device's monotonic clock.
type EventTimes struct {
	Queued    uint64 `json:"queued"`
	Submitted uint64 `json:"submitted"`
	Start     uint64 `json:"start"`
	End       uint64 `json:"end"`
}

// QueueLatency is the time the command spent between enqueue and start.
func (t EventTimes) QueueLatency() time.Duration {
	return clockDelta(t.Queued, t.Start)
}

// Duration is the execution time of the command on the device.
func (t EventTimes) Duration() time.Duration {
	return clockDelta(t.Start, t.End)
}

func clockDelta(from, to uint64) time.Duration {
	if to < from {
		return 0
	}
	return time.Duration(to - from)
}
