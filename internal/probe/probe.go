package probe

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/cwbudde/clvecadd/internal/cl"
)

// Console lines printed by the prober.
const (
	MsgNoPlatforms = "No OpenCL platforms found."
	MsgNoDevices   = "No OpenCL devices found."
)

// Selection is the outcome of a probe. When device enumeration fails after
// a platform was chosen, Select returns a Selection with only the platform
// fields set alongside the error.
type Selection struct {
	PlatformIndex int
	DeviceIndex   int
	Platform      cl.Platform
	Device        cl.Device
	PlatformInfo  cl.PlatformInfo
	DeviceInfo    cl.DeviceInfo
}

// Select enumerates platforms and devices of drv and applies policy.
// A nil policy means DefaultPolicy.
func Select(drv cl.Driver, policy Policy) (*Selection, error) {
	if policy == nil {
		policy = DefaultPolicy
	}

	platforms, err := drv.Platforms()
	if err != nil {
		return nil, fmt.Errorf("enumerate platforms: %w", err)
	}
	if len(platforms) == 0 {
		return nil, cl.ErrNoPlatforms
	}

	pi, err := policy.Platform(platforms)
	if err != nil {
		return nil, err
	}
	sel := &Selection{
		PlatformIndex: pi,
		Platform:      platforms[pi],
		PlatformInfo:  platforms[pi].Info(),
	}
	slog.Debug("Platform selected", "policy", policy.String(), "index", pi, "platform", sel.PlatformInfo.Name)

	devices, err := sel.Platform.Devices()
	if err != nil {
		return sel, fmt.Errorf("enumerate devices: %w", err)
	}
	if len(devices) == 0 {
		return sel, cl.ErrNoDevices
	}

	infos := make([]cl.DeviceInfo, len(devices))
	for i, d := range devices {
		infos[i] = d.Info()
	}
	di, err := policy.Device(infos)
	if err != nil {
		return sel, err
	}
	sel.DeviceIndex = di
	sel.Device = devices[di]
	sel.DeviceInfo = infos[di]
	slog.Debug("Device selected", "policy", policy.String(), "index", di, "device", sel.DeviceInfo.Name)

	return sel, nil
}

// Print writes the prober console output for the result of Select: a blank
// line, the platform line once a platform was chosen, then either the device
// line or the message for an empty enumeration. Other errors print nothing.
func Print(w io.Writer, sel *Selection, err error) {
	fmt.Fprintln(w)
	if sel != nil && sel.Platform != nil {
		fmt.Fprintf(w, "Using platform: %s\n", sel.PlatformInfo.Name)
	}
	switch {
	case errors.Is(err, cl.ErrNoPlatforms):
		fmt.Fprintln(w, MsgNoPlatforms)
	case errors.Is(err, cl.ErrNoDevices):
		fmt.Fprintln(w, MsgNoDevices)
	case err == nil && sel != nil && sel.Device != nil:
		fmt.Fprintf(w, "Using device: %s\n", sel.DeviceInfo.Name)
	}
}

// Run selects and prints in one step.
func Run(w io.Writer, drv cl.Driver, policy Policy) (*Selection, error) {
	sel, err := Select(drv, policy)
	Print(w, sel, err)
	return sel, err
}

// PrintCapabilities writes the device figures shown before a run.
func PrintCapabilities(w io.Writer, d cl.DeviceInfo) {
	fmt.Fprintf(w, "Device type: %s, compute units: %d, max work-group size: %d\n",
		d.Type, d.MaxComputeUnits, d.MaxWorkGroupSize)
	fmt.Fprintf(w, "Global memory: %s, local memory: %s, clock: %d MHz\n",
		humanize.IBytes(d.GlobalMemBytes), humanize.IBytes(d.LocalMemBytes), d.MaxClockMHz)
}
