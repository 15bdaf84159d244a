// Package cl is a small compute-device abstraction over OpenCL.
//
// The native driver links libOpenCL through cgo and is only compiled with
// the gpu build tag. The mock driver runs kernels on the host and is used
// by tests and by --driver mock.
package cl
