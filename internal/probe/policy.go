package probe

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cwbudde/clvecadd/internal/cl"
)

var (
	// ErrIndexOutOfRange is returned by the index policy when a requested
	// platform or device index does not exist.
	ErrIndexOutOfRange = errors.New("selection index out of range")

	// ErrNoMatchingDevice is returned by the type policy when no device of
	// the requested type exists on any platform.
	ErrNoMatchingDevice = errors.New("no device of the requested type")

	// ErrInvalidPolicy is returned by ParsePolicy for malformed input.
	ErrInvalidPolicy = errors.New("invalid selection policy")
)

// Policy decides which platform and which device are used.
//
// Platform is called with every enumerated platform (never empty). Device
// is called with the devices of the chosen platform (never empty).
type Policy interface {
	String() string
	Platform(platforms []cl.Platform) (int, error)
	Device(devices []cl.DeviceInfo) (int, error)
}

// DefaultPolicy is the "first" policy: platform 0, device 0.
var DefaultPolicy Policy = First{}

// ParsePolicy parses one of:
//
//	first
//	index:<platform>:<device>
//	gpu
//	type:<gpu|cpu|accelerator>
func ParsePolicy(s string) (Policy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == "" || s == "first":
		return First{}, nil
	case s == "gpu" || s == "prefer-gpu":
		return PreferGPU{}, nil
	case strings.HasPrefix(s, "index:"):
		parts := strings.Split(strings.TrimPrefix(s, "index:"), ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("%w: %q (want index:<platform>:<device>)", ErrInvalidPolicy, s)
		}
		p, err := strconv.Atoi(parts[0])
		if err != nil || p < 0 {
			return nil, fmt.Errorf("%w: bad platform index %q", ErrInvalidPolicy, parts[0])
		}
		d, err := strconv.Atoi(parts[1])
		if err != nil || d < 0 {
			return nil, fmt.Errorf("%w: bad device index %q", ErrInvalidPolicy, parts[1])
		}
		return Index{PlatformIndex: p, DeviceIndex: d}, nil
	case strings.HasPrefix(s, "type:"):
		name := strings.TrimPrefix(s, "type:")
		dt := cl.ParseDeviceType(name)
		if dt == cl.DeviceTypeUnknown || dt == cl.DeviceTypeDefault {
			return nil, fmt.Errorf("%w: unknown device type %q", ErrInvalidPolicy, name)
		}
		return ByType{Type: dt}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidPolicy, s)
	}
}

// First selects platform 0 and device 0.
type First struct{}

func (First) String() string                      { return "first" }
func (First) Platform([]cl.Platform) (int, error) { return 0, nil }
func (First) Device([]cl.DeviceInfo) (int, error) { return 0, nil }

// Index selects fixed positions in runtime enumeration order.
type Index struct {
	PlatformIndex int
	DeviceIndex   int
}

func (p Index) String() string { return fmt.Sprintf("index:%d:%d", p.PlatformIndex, p.DeviceIndex) }

func (p Index) Platform(platforms []cl.Platform) (int, error) {
	if p.PlatformIndex >= len(platforms) {
		return 0, fmt.Errorf("%w: platform %d of %d", ErrIndexOutOfRange, p.PlatformIndex, len(platforms))
	}
	return p.PlatformIndex, nil
}

func (p Index) Device(devices []cl.DeviceInfo) (int, error) {
	if p.DeviceIndex >= len(devices) {
		return 0, fmt.Errorf("%w: device %d of %d", ErrIndexOutOfRange, p.DeviceIndex, len(devices))
	}
	return p.DeviceIndex, nil
}

// PreferGPU picks the first GPU on any platform, then the first CPU, then
// whatever comes first.
type PreferGPU struct{}

var preference = []cl.DeviceType{cl.DeviceTypeGPU, cl.DeviceTypeCPU}

func (PreferGPU) String() string { return "gpu" }

func (PreferGPU) Platform(platforms []cl.Platform) (int, error) {
	for _, want := range preference {
		if i, ok := platformWith(platforms, want); ok {
			return i, nil
		}
	}
	return 0, nil
}

func (PreferGPU) Device(devices []cl.DeviceInfo) (int, error) {
	for _, want := range preference {
		if i := deviceOf(devices, want); i >= 0 {
			return i, nil
		}
	}
	return 0, nil
}

// ByType picks the first device of exactly one type.
type ByType struct {
	Type cl.DeviceType
}

func (p ByType) String() string { return "type:" + strings.ToLower(string(p.Type)) }

func (p ByType) Platform(platforms []cl.Platform) (int, error) {
	if i, ok := platformWith(platforms, p.Type); ok {
		return i, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrNoMatchingDevice, p.Type)
}

func (p ByType) Device(devices []cl.DeviceInfo) (int, error) {
	if i := deviceOf(devices, p.Type); i >= 0 {
		return i, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrNoMatchingDevice, p.Type)
}

// platformWith returns the first platform exposing a device of type dt.
// Platforms whose device enumeration fails are skipped.
func platformWith(platforms []cl.Platform, dt cl.DeviceType) (int, bool) {
	for i, p := range platforms {
		devices, err := p.Devices()
		if err != nil {
			continue
		}
		for _, d := range devices {
			if d.Info().Type == dt {
				return i, true
			}
		}
	}
	return 0, false
}

func deviceOf(devices []cl.DeviceInfo, dt cl.DeviceType) int {
	for i, d := range devices {
		if d.Type == dt {
			return i
		}
	}
	return -1
}
