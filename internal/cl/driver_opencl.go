//go:build gpu

package cl

/*
#cgo linux LDFLAGS: -lOpenCL
#cgo windows LDFLAGS: -lOpenCL
#cgo darwin LDFLAGS: -framework OpenCL
#define CL_TARGET_OPENCL_VERSION 120
#define CL_USE_DEPRECATED_OPENCL_1_2_APIS
#ifdef __APPLE__
#include <OpenCL/opencl.h>
#else
#include <CL/cl.h>
#endif
#include <stdlib.h>

static const char* clvecadd_error_string(cl_int status) {
	switch (status) {
	case CL_SUCCESS: return "CL_SUCCESS";
	case CL_DEVICE_NOT_FOUND: return "CL_DEVICE_NOT_FOUND";
	case CL_DEVICE_NOT_AVAILABLE: return "CL_DEVICE_NOT_AVAILABLE";
	case CL_COMPILER_NOT_AVAILABLE: return "CL_COMPILER_NOT_AVAILABLE";
	case CL_MEM_OBJECT_ALLOCATION_FAILURE: return "CL_MEM_OBJECT_ALLOCATION_FAILURE";
	case CL_OUT_OF_RESOURCES: return "CL_OUT_OF_RESOURCES";
	case CL_OUT_OF_HOST_MEMORY: return "CL_OUT_OF_HOST_MEMORY";
	case CL_PROFILING_INFO_NOT_AVAILABLE: return "CL_PROFILING_INFO_NOT_AVAILABLE";
	case CL_MEM_COPY_OVERLAP: return "CL_MEM_COPY_OVERLAP";
	case CL_BUILD_PROGRAM_FAILURE: return "CL_BUILD_PROGRAM_FAILURE";
	case CL_MAP_FAILURE: return "CL_MAP_FAILURE";
	case CL_INVALID_VALUE: return "CL_INVALID_VALUE";
	case CL_INVALID_DEVICE_TYPE: return "CL_INVALID_DEVICE_TYPE";
	case CL_INVALID_PLATFORM: return "CL_INVALID_PLATFORM";
	case CL_INVALID_DEVICE: return "CL_INVALID_DEVICE";
	case CL_INVALID_CONTEXT: return "CL_INVALID_CONTEXT";
	case CL_INVALID_QUEUE_PROPERTIES: return "CL_INVALID_QUEUE_PROPERTIES";
	case CL_INVALID_COMMAND_QUEUE: return "CL_INVALID_COMMAND_QUEUE";
	case CL_INVALID_HOST_PTR: return "CL_INVALID_HOST_PTR";
	case CL_INVALID_MEM_OBJECT: return "CL_INVALID_MEM_OBJECT";
	case CL_INVALID_BINARY: return "CL_INVALID_BINARY";
	case CL_INVALID_BUILD_OPTIONS: return "CL_INVALID_BUILD_OPTIONS";
	case CL_INVALID_PROGRAM: return "CL_INVALID_PROGRAM";
	case CL_INVALID_PROGRAM_EXECUTABLE: return "CL_INVALID_PROGRAM_EXECUTABLE";
	case CL_INVALID_KERNEL_NAME: return "CL_INVALID_KERNEL_NAME";
	case CL_INVALID_KERNEL_DEFINITION: return "CL_INVALID_KERNEL_DEFINITION";
	case CL_INVALID_KERNEL: return "CL_INVALID_KERNEL";
	case CL_INVALID_ARG_INDEX: return "CL_INVALID_ARG_INDEX";
	case CL_INVALID_ARG_VALUE: return "CL_INVALID_ARG_VALUE";
	case CL_INVALID_ARG_SIZE: return "CL_INVALID_ARG_SIZE";
	case CL_INVALID_KERNEL_ARGS: return "CL_INVALID_KERNEL_ARGS";
	case CL_INVALID_WORK_DIMENSION: return "CL_INVALID_WORK_DIMENSION";
	case CL_INVALID_WORK_GROUP_SIZE: return "CL_INVALID_WORK_GROUP_SIZE";
	case CL_INVALID_WORK_ITEM_SIZE: return "CL_INVALID_WORK_ITEM_SIZE";
	case CL_INVALID_GLOBAL_OFFSET: return "CL_INVALID_GLOBAL_OFFSET";
	case CL_INVALID_EVENT_WAIT_LIST: return "CL_INVALID_EVENT_WAIT_LIST";
	case CL_INVALID_EVENT: return "CL_INVALID_EVENT";
	case CL_INVALID_OPERATION: return "CL_INVALID_OPERATION";
	case CL_INVALID_BUFFER_SIZE: return "CL_INVALID_BUFFER_SIZE";
	case -1001: return "CL_PLATFORM_NOT_FOUND_KHR";
	default: return "CL_UNKNOWN_ERROR";
	}
}

static cl_command_queue clvecadd_create_queue(cl_context ctx, cl_device_id device, cl_int *status) {
#if CL_TARGET_OPENCL_VERSION >= 200
	const cl_queue_properties props[] = {CL_QUEUE_PROPERTIES, CL_QUEUE_PROFILING_ENABLE, 0};
	return clCreateCommandQueueWithProperties(ctx, device, props, status);
#else
	return clCreateCommandQueue(ctx, device, CL_QUEUE_PROFILING_ENABLE, status);
#endif
}
*/
import "C"

import (
	"fmt"
	"log/slog"
	"unsafe"
)

// platformNotFoundKHR is returned by ICD loaders that have no platforms registered.
const platformNotFoundKHR = -1001

type nativeDriver struct{}

// NewNativeDriver returns the driver backed by the system OpenCL ICD loader.
func NewNativeDriver() Driver {
	return nativeDriver{}
}

func (nativeDriver) Name() string { return DriverOpenCL }

func (nativeDriver) Platforms() ([]Platform, error) {
	var count C.cl_uint
	status := C.clGetPlatformIDs(0, nil, &count)
	if status == platformNotFoundKHR {
		return nil, nil
	}
	if status != C.CL_SUCCESS {
		return nil, statusError("clGetPlatformIDs(count)", status)
	}
	if count == 0 {
		return nil, nil
	}

	ids := make([]C.cl_platform_id, int(count))
	status = C.clGetPlatformIDs(count, &ids[0], nil)
	if status != C.CL_SUCCESS {
		return nil, statusError("clGetPlatformIDs(list)", status)
	}

	platforms := make([]Platform, 0, len(ids))
	for _, id := range ids {
		info, err := buildPlatformInfo(id)
		if err != nil {
			return nil, err
		}
		platforms = append(platforms, &nativePlatform{id: id, info: info})
	}
	return platforms, nil
}

type nativePlatform struct {
	id   C.cl_platform_id
	info PlatformInfo
}

func (p *nativePlatform) Info() PlatformInfo { return p.info }

func (p *nativePlatform) Devices() ([]Device, error) {
	var count C.cl_uint
	status := C.clGetDeviceIDs(p.id, C.CL_DEVICE_TYPE_ALL, 0, nil, &count)
	if status == C.CL_DEVICE_NOT_FOUND {
		return nil, nil
	}
	if status != C.CL_SUCCESS {
		return nil, statusError("clGetDeviceIDs(count)", status)
	}
	if count == 0 {
		return nil, nil
	}

	ids := make([]C.cl_device_id, int(count))
	status = C.clGetDeviceIDs(p.id, C.CL_DEVICE_TYPE_ALL, count, &ids[0], nil)
	if status != C.CL_SUCCESS {
		return nil, statusError("clGetDeviceIDs(list)", status)
	}

	devices := make([]Device, 0, len(ids))
	for _, id := range ids {
		info, err := buildDeviceInfo(id)
		if err != nil {
			return nil, err
		}
		devices = append(devices, &nativeDevice{id: id, info: info})
	}
	return devices, nil
}

type nativeDevice struct {
	id   C.cl_device_id
	info DeviceInfo
}

func (d *nativeDevice) Info() DeviceInfo { return d.info }

func (d *nativeDevice) NewContext() (Context, error) {
	var status C.cl_int
	ctx := C.clCreateContext(nil, 1, &d.id, nil, nil, &status)
	if status != C.CL_SUCCESS {
		return nil, statusError("clCreateContext", status)
	}
	slog.Debug("OpenCL context created", "device", d.info.Name)
	return &nativeContext{ctx: ctx, device: d}, nil
}

type nativeContext struct {
	ctx    C.cl_context
	device *nativeDevice
}

func (c *nativeContext) Device() DeviceInfo { return c.device.info }

func (c *nativeContext) NewQueue() (Queue, error) {
	if c.ctx == nil {
		return nil, ErrReleased
	}
	var status C.cl_int
	q := C.clvecadd_create_queue(c.ctx, c.device.id, &status)
	if status != C.CL_SUCCESS {
		return nil, statusError("clCreateCommandQueue", status)
	}
	return &nativeQueue{queue: q}, nil
}

func (c *nativeContext) NewBuffer(access Access, count int) (Buffer, error) {
	if c.ctx == nil {
		return nil, ErrReleased
	}
	if count <= 0 {
		return nil, fmt.Errorf("%w: buffer length %d", ErrLengthMismatch, count)
	}

	var flags C.cl_mem_flags
	switch access {
	case ReadOnly:
		flags = C.CL_MEM_READ_ONLY
	case WriteOnly:
		flags = C.CL_MEM_WRITE_ONLY
	default:
		flags = C.CL_MEM_READ_WRITE
	}

	var status C.cl_int
	mem := C.clCreateBuffer(c.ctx, flags, C.size_t(count*Int32Size), nil, &status)
	if status != C.CL_SUCCESS {
		return nil, statusError("clCreateBuffer", status)
	}
	return &nativeBuffer{mem: mem, count: count, access: access}, nil
}

func (c *nativeContext) BuildProgram(source, options string) (Program, error) {
	if c.ctx == nil {
		return nil, ErrReleased
	}

	src := C.CString(source)
	defer C.free(unsafe.Pointer(src))

	var status C.cl_int
	prog := C.clCreateProgramWithSource(c.ctx, 1, &src, nil, &status)
	if status != C.CL_SUCCESS {
		return nil, statusError("clCreateProgramWithSource", status)
	}

	var opts *C.char
	if options != "" {
		opts = C.CString(options)
		defer C.free(unsafe.Pointer(opts))
	}

	p := &nativeProgram{program: prog, device: c.device.id}
	status = C.clBuildProgram(prog, 1, &c.device.id, opts, nil, nil)
	p.log = p.fetchBuildLog()
	if status != C.CL_SUCCESS {
		C.clReleaseProgram(prog)
		return nil, &BuildError{Status: int(status), Log: p.log}
	}
	return p, nil
}

func (c *nativeContext) Close() error {
	if c.ctx != nil {
		C.clReleaseContext(c.ctx)
		c.ctx = nil
	}
	return nil
}

type nativeBuffer struct {
	mem    C.cl_mem
	count  int
	access Access
}

func (b *nativeBuffer) Len() int       { return b.count }
func (b *nativeBuffer) Access() Access { return b.access }

func (b *nativeBuffer) Close() error {
	if b.mem != nil {
		C.clReleaseMemObject(b.mem)
		b.mem = nil
	}
	return nil
}

type nativeQueue struct {
	queue C.cl_command_queue
}

func (q *nativeQueue) buffer(buf Buffer, n int) (*nativeBuffer, error) {
	nb, ok := buf.(*nativeBuffer)
	if !ok {
		return nil, ErrForeignHandle
	}
	if q.queue == nil || nb.mem == nil {
		return nil, ErrReleased
	}
	if n > nb.count {
		return nil, fmt.Errorf("%w: %d elements into buffer of %d", ErrLengthMismatch, n, nb.count)
	}
	return nb, nil
}

func (q *nativeQueue) WriteInt32(buf Buffer, src []int32) error {
	nb, err := q.buffer(buf, len(src))
	if err != nil {
		return err
	}
	if len(src) == 0 {
		return nil
	}
	size := C.size_t(len(src) * Int32Size)
	status := C.clEnqueueWriteBuffer(q.queue, nb.mem, C.CL_TRUE, 0, size, unsafe.Pointer(&src[0]), 0, nil, nil)
	if status != C.CL_SUCCESS {
		return statusError("clEnqueueWriteBuffer", status)
	}
	return nil
}

func (q *nativeQueue) ReadInt32(buf Buffer, dst []int32) error {
	nb, err := q.buffer(buf, len(dst))
	if err != nil {
		return err
	}
	if len(dst) == 0 {
		return nil
	}
	size := C.size_t(len(dst) * Int32Size)
	status := C.clEnqueueReadBuffer(q.queue, nb.mem, C.CL_TRUE, 0, size, unsafe.Pointer(&dst[0]), 0, nil, nil)
	if status != C.CL_SUCCESS {
		return statusError("clEnqueueReadBuffer", status)
	}
	return nil
}

func (q *nativeQueue) EnqueueKernel(k Kernel, global, local int) (Event, error) {
	nk, ok := k.(*nativeKernel)
	if !ok {
		return nil, ErrForeignHandle
	}
	if q.queue == nil || nk.kernel == nil {
		return nil, ErrReleased
	}

	globalSize := C.size_t(global)
	var localPtr *C.size_t
	if local > 0 {
		localSize := C.size_t(local)
		localPtr = &localSize
	}

	var ev C.cl_event
	status := C.clEnqueueNDRangeKernel(q.queue, nk.kernel, 1, nil, &globalSize, localPtr, 0, nil, &ev)
	if status != C.CL_SUCCESS {
		return nil, statusError("clEnqueueNDRangeKernel", status)
	}
	return &nativeEvent{event: ev}, nil
}

func (q *nativeQueue) Flush() error {
	if q.queue == nil {
		return ErrReleased
	}
	if status := C.clFlush(q.queue); status != C.CL_SUCCESS {
		return statusError("clFlush", status)
	}
	return nil
}

func (q *nativeQueue) Finish() error {
	if q.queue == nil {
		return ErrReleased
	}
	if status := C.clFinish(q.queue); status != C.CL_SUCCESS {
		return statusError("clFinish", status)
	}
	return nil
}

func (q *nativeQueue) Close() error {
	if q.queue != nil {
		C.clReleaseCommandQueue(q.queue)
		q.queue = nil
	}
	return nil
}

type nativeProgram struct {
	program C.cl_program
	device  C.cl_device_id
	log     string
}

func (p *nativeProgram) fetchBuildLog() string {
	var size C.size_t
	if status := C.clGetProgramBuildInfo(p.program, p.device, C.CL_PROGRAM_BUILD_LOG, 0, nil, &size); status != C.CL_SUCCESS {
		slog.Error("OpenCL: failed to fetch build log size", "err", statusError("clGetProgramBuildInfo", status))
		return ""
	}
	if size == 0 {
		return ""
	}

	buf := make([]byte, int(size))
	if status := C.clGetProgramBuildInfo(p.program, p.device, C.CL_PROGRAM_BUILD_LOG, size, unsafe.Pointer(&buf[0]), nil); status != C.CL_SUCCESS {
		slog.Error("OpenCL: failed to fetch build log", "err", statusError("clGetProgramBuildInfo", status))
		return ""
	}
	return trimNull(buf)
}

func (p *nativeProgram) BuildLog() string { return p.log }

func (p *nativeProgram) Kernel(name string) (Kernel, error) {
	if p.program == nil {
		return nil, ErrReleased
	}
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	var status C.cl_int
	k := C.clCreateKernel(p.program, cname, &status)
	if status == C.CL_INVALID_KERNEL_NAME {
		return nil, fmt.Errorf("%w: %s", ErrKernelNotFound, name)
	}
	if status != C.CL_SUCCESS {
		return nil, statusError("clCreateKernel", status)
	}
	return &nativeKernel{kernel: k, name: name}, nil
}

func (p *nativeProgram) Close() error {
	if p.program != nil {
		C.clReleaseProgram(p.program)
		p.program = nil
	}
	return nil
}

type nativeKernel struct {
	kernel C.cl_kernel
	name   string
}

func (k *nativeKernel) Name() string { return k.name }

func (k *nativeKernel) SetBufferArg(index int, buf Buffer) error {
	nb, ok := buf.(*nativeBuffer)
	if !ok {
		return ErrForeignHandle
	}
	if k.kernel == nil || nb.mem == nil {
		return ErrReleased
	}
	status := C.clSetKernelArg(k.kernel, C.cl_uint(index), C.size_t(unsafe.Sizeof(nb.mem)), unsafe.Pointer(&nb.mem))
	if status != C.CL_SUCCESS {
		return statusError(fmt.Sprintf("clSetKernelArg(%d)", index), status)
	}
	return nil
}

func (k *nativeKernel) Close() error {
	if k.kernel != nil {
		C.clReleaseKernel(k.kernel)
		k.kernel = nil
	}
	return nil
}

type nativeEvent struct {
	event C.cl_event
}

func (e *nativeEvent) Wait() error {
	if e.event == nil {
		return ErrReleased
	}
	if status := C.clWaitForEvents(1, &e.event); status != C.CL_SUCCESS {
		return statusError("clWaitForEvents", status)
	}
	return nil
}

func (e *nativeEvent) Times() (EventTimes, error) {
	if e.event == nil {
		return EventTimes{}, ErrReleased
	}
	var t EventTimes
	params := []struct {
		param C.cl_profiling_info
		dst   *uint64
		label string
	}{
		{C.CL_PROFILING_COMMAND_QUEUED, &t.Queued, "queued"},
		{C.CL_PROFILING_COMMAND_SUBMIT, &t.Submitted, "submit"},
		{C.CL_PROFILING_COMMAND_START, &t.Start, "start"},
		{C.CL_PROFILING_COMMAND_END, &t.End, "end"},
	}
	for _, p := range params {
		var v C.cl_ulong
		status := C.clGetEventProfilingInfo(e.event, p.param, C.size_t(unsafe.Sizeof(v)), unsafe.Pointer(&v), nil)
		if status != C.CL_SUCCESS {
			return EventTimes{}, statusError("clGetEventProfilingInfo("+p.label+")", status)
		}
		*p.dst = uint64(v)
	}
	return t, nil
}

func (e *nativeEvent) Close() error {
	if e.event != nil {
		C.clReleaseEvent(e.event)
		e.event = nil
	}
	return nil
}

func buildPlatformInfo(id C.cl_platform_id) (PlatformInfo, error) {
	var info PlatformInfo
	fields := []struct {
		param C.cl_platform_info
		dst   *string
	}{
		{C.CL_PLATFORM_NAME, &info.Name},
		{C.CL_PLATFORM_VENDOR, &info.Vendor},
		{C.CL_PLATFORM_VERSION, &info.Version},
		{C.CL_PLATFORM_PROFILE, &info.Profile},
	}
	for _, f := range fields {
		v, err := getPlatformString(id, f.param)
		if err != nil {
			return PlatformInfo{}, err
		}
		*f.dst = v
	}
	return info, nil
}

func buildDeviceInfo(id C.cl_device_id) (DeviceInfo, error) {
	var info DeviceInfo
	strs := []struct {
		param C.cl_device_info
		dst   *string
	}{
		{C.CL_DEVICE_NAME, &info.Name},
		{C.CL_DEVICE_VENDOR, &info.Vendor},
		{C.CL_DEVICE_VERSION, &info.Version},
		{C.CL_DRIVER_VERSION, &info.DriverVersion},
	}
	for _, s := range strs {
		v, err := getDeviceString(id, s.param)
		if err != nil {
			return DeviceInfo{}, err
		}
		*s.dst = v
	}

	var rawType C.cl_device_type
	if err := getDeviceValue(id, C.CL_DEVICE_TYPE, unsafe.Pointer(&rawType), unsafe.Sizeof(rawType), "type"); err != nil {
		return DeviceInfo{}, err
	}
	info.Type = mapDeviceType(rawType)

	var computeUnits, clock C.cl_uint
	if err := getDeviceValue(id, C.CL_DEVICE_MAX_COMPUTE_UNITS, unsafe.Pointer(&computeUnits), unsafe.Sizeof(computeUnits), "computeUnits"); err != nil {
		return DeviceInfo{}, err
	}
	if err := getDeviceValue(id, C.CL_DEVICE_MAX_CLOCK_FREQUENCY, unsafe.Pointer(&clock), unsafe.Sizeof(clock), "clock"); err != nil {
		return DeviceInfo{}, err
	}
	info.MaxComputeUnits = uint32(computeUnits)
	info.MaxClockMHz = uint32(clock)

	var workGroup C.size_t
	if err := getDeviceValue(id, C.CL_DEVICE_MAX_WORK_GROUP_SIZE, unsafe.Pointer(&workGroup), unsafe.Sizeof(workGroup), "workGroup"); err != nil {
		return DeviceInfo{}, err
	}
	info.MaxWorkGroupSize = int(workGroup)

	var globalMem, localMem, maxAlloc C.cl_ulong
	if err := getDeviceValue(id, C.CL_DEVICE_GLOBAL_MEM_SIZE, unsafe.Pointer(&globalMem), unsafe.Sizeof(globalMem), "globalMem"); err != nil {
		return DeviceInfo{}, err
	}
	if err := getDeviceValue(id, C.CL_DEVICE_LOCAL_MEM_SIZE, unsafe.Pointer(&localMem), unsafe.Sizeof(localMem), "localMem"); err != nil {
		return DeviceInfo{}, err
	}
	if err := getDeviceValue(id, C.CL_DEVICE_MAX_MEM_ALLOC_SIZE, unsafe.Pointer(&maxAlloc), unsafe.Sizeof(maxAlloc), "maxAlloc"); err != nil {
		return DeviceInfo{}, err
	}
	info.GlobalMemBytes = uint64(globalMem)
	info.LocalMemBytes = uint64(localMem)
	info.MaxAllocBytes = uint64(maxAlloc)

	return info, nil
}

func getDeviceValue(id C.cl_device_id, param C.cl_device_info, dst unsafe.Pointer, size uintptr, label string) error {
	status := C.clGetDeviceInfo(id, param, C.size_t(size), dst, nil)
	if status != C.CL_SUCCESS {
		return statusError("clGetDeviceInfo("+label+")", status)
	}
	return nil
}

func getPlatformString(id C.cl_platform_id, param C.cl_platform_info) (string, error) {
	var size C.size_t
	status := C.clGetPlatformInfo(id, param, 0, nil, &size)
	if status != C.CL_SUCCESS {
		return "", statusError("clGetPlatformInfo(size)", status)
	}
	if size == 0 {
		return "", nil
	}

	buf := make([]byte, int(size))
	status = C.clGetPlatformInfo(id, param, size, unsafe.Pointer(&buf[0]), nil)
	if status != C.CL_SUCCESS {
		return "", statusError("clGetPlatformInfo(value)", status)
	}

	return trimNull(buf), nil
}

func getDeviceString(id C.cl_device_id, param C.cl_device_info) (string, error) {
	var size C.size_t
	status := C.clGetDeviceInfo(id, param, 0, nil, &size)
	if status != C.CL_SUCCESS {
		return "", statusError("clGetDeviceInfo(size)", status)
	}
	if size == 0 {
		return "", nil
	}

	buf := make([]byte, int(size))
	status = C.clGetDeviceInfo(id, param, size, unsafe.Pointer(&buf[0]), nil)
	if status != C.CL_SUCCESS {
		return "", statusError("clGetDeviceInfo(value)", status)
	}

	return trimNull(buf), nil
}

func trimNull(buf []byte) string {
	for len(buf) > 0 && buf[len(buf)-1] == 0 {
		buf = buf[:len(buf)-1]
	}
	return string(buf)
}

func mapDeviceType(dt C.cl_device_type) DeviceType {
	switch {
	case dt&C.CL_DEVICE_TYPE_GPU != 0:
		return DeviceTypeGPU
	case dt&C.CL_DEVICE_TYPE_CPU != 0:
		return DeviceTypeCPU
	case dt&C.CL_DEVICE_TYPE_ACCELERATOR != 0:
		return DeviceTypeAccelerator
	case dt&C.CL_DEVICE_TYPE_DEFAULT != 0:
		return DeviceTypeDefault
	default:
		return DeviceTypeUnknown
	}
}

func statusError(op string, status C.cl_int) error {
	return &StatusError{
		Op:   op,
		Code: int(status),
		Name: C.GoString(C.clvecadd_error_string(status)),
	}
}
