package cl

import (
	"errors"
	"fmt"
)

var (
	// ErrNoPlatforms is returned when the runtime reports zero platforms.
	ErrNoPlatforms = errors.New("no OpenCL platforms found")

	// ErrNoDevices is returned when a platform reports zero devices.
	ErrNoDevices = errors.New("no OpenCL devices found")

	// ErrNotBuilt indicates the binary was built without OpenCL support.
	ErrNotBuilt = errors.New("opencl support requires building with '-tags gpu'")

	// ErrUnknownDriver is returned by Open for an unrecognised driver name.
	ErrUnknownDriver = errors.New("unknown compute driver")

	// ErrLengthMismatch is returned when a host slice does not fit a buffer.
	ErrLengthMismatch = errors.New("host slice length does not match buffer")

	// ErrReleased is returned when a handle is used after Close.
	ErrReleased = errors.New("handle already released")

	// ErrForeignHandle is returned when a handle from another driver is passed in.
	ErrForeignHandle = errors.New("handle belongs to a different driver")

	// ErrKernelNotFound is returned when a program has no entry point of the requested name.
	ErrKernelNotFound = errors.New("kernel entry point not found")
)

// BuildError reports a failed program build together with the compiler log.
type BuildError struct {
	Status int
	Log    string
}

func (e *BuildError) Error() string {
	if e.Log == "" {
		return fmt.Sprintf("program build failed (%d)", e.Status)
	}
	return fmt.Sprintf("program build failed (%d): %s", e.Status, e.Log)
}

// StatusError wraps a raw OpenCL status code returned by an API call.
type StatusError struct {
	Op   string
	Code int
	Name string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s (%d)", e.Op, e.Name, e.Code)
}
