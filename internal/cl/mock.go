package cl

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// HostKernel is the CPU implementation of a mock kernel entry point. It is
// invoked once per dispatch with the bound buffer arguments in index order.
type HostKernel func(args [][]int32, global int) error

// MockPlatform describes one synthetic platform exposed by the mock driver.
type MockPlatform struct {
	Info    PlatformInfo
	Devices []DeviceInfo
}

// MockDriver executes kernels on the host so that the whole pipeline can run
// without OpenCL hardware. Program sources are checked for balanced
// delimiters and __kernel entry points; kernel bodies come from the
// registered HostKernels.
type MockDriver struct {
	platforms []MockPlatform
	epoch     time.Time

	mu      sync.RWMutex
	kernels map[string]HostKernel
}

// NewMockDriver creates a mock driver exposing the given platforms. The
// vector_add host kernel is registered by default.
func NewMockDriver(platforms ...MockPlatform) *MockDriver {
	d := &MockDriver{
		platforms: platforms,
		epoch:     time.Now(),
		kernels:   make(map[string]HostKernel),
	}
	d.RegisterKernel("vector_add", VectorAddHost)
	return d
}

// DefaultMockDriver returns a driver with one platform holding one CPU device.
func DefaultMockDriver() *MockDriver {
	return NewMockDriver(MockPlatform{
		Info: PlatformInfo{
			Name:    "Mock Platform",
			Vendor:  "clvecadd",
			Version: "OpenCL 1.2 mock",
			Profile: "FULL_PROFILE",
		},
		Devices: []DeviceInfo{{
			Name:             "Mock CPU Device",
			Vendor:           "clvecadd",
			Version:          "OpenCL 1.2 mock",
			DriverVersion:    "1.0",
			Type:             DeviceTypeCPU,
			MaxComputeUnits:  1,
			MaxWorkGroupSize: 1024,
			MaxClockMHz:      1000,
			GlobalMemBytes:   1 << 30,
			LocalMemBytes:    32 << 10,
			MaxAllocBytes:    256 << 20,
		}},
	})
}

// RegisterKernel installs fn as the host implementation of the named entry
// point. Registering an existing name replaces it.
func (d *MockDriver) RegisterKernel(name string, fn HostKernel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kernels[name] = fn
}

func (d *MockDriver) kernel(name string) (HostKernel, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn, ok := d.kernels[name]
	return fn, ok
}

// now reads the synthetic device clock in nanoseconds.
func (d *MockDriver) now() uint64 {
	return uint64(time.Since(d.epoch).Nanoseconds())
}

func (d *MockDriver) Name() string { return DriverMock }

func (d *MockDriver) Platforms() ([]Platform, error) {
	out := make([]Platform, len(d.platforms))
	for i := range d.platforms {
		out[i] = &mockPlatform{driver: d, def: d.platforms[i]}
	}
	return out, nil
}

// VectorAddHost computes args[2][i] = args[0][i] + args[1][i] for every work item.
func VectorAddHost(args [][]int32, global int) error {
	if len(args) < 3 {
		return fmt.Errorf("vector_add: expected 3 buffer arguments, got %d", len(args))
	}
	a, b, c := args[0], args[1], args[2]
	if global > len(a) || global > len(b) || global > len(c) {
		return fmt.Errorf("vector_add: global size %d exceeds buffer length", global)
	}
	for i := 0; i < global; i++ {
		c[i] = a[i] + b[i]
	}
	return nil
}

type mockPlatform struct {
	driver *MockDriver
	def    MockPlatform
}

func (p *mockPlatform) Info() PlatformInfo {
	info := p.def.Info
	info.Devices = nil
	return info
}

func (p *mockPlatform) Devices() ([]Device, error) {
	out := make([]Device, len(p.def.Devices))
	for i, info := range p.def.Devices {
		out[i] = &mockDevice{driver: p.driver, info: info}
	}
	return out, nil
}

type mockDevice struct {
	driver *MockDriver
	info   DeviceInfo
}

func (d *mockDevice) Info() DeviceInfo { return d.info }

func (d *mockDevice) NewContext() (Context, error) {
	return &mockContext{driver: d.driver, info: d.info}, nil
}

type mockContext struct {
	driver *MockDriver
	info   DeviceInfo
	closed bool
}

func (c *mockContext) Device() DeviceInfo { return c.info }

func (c *mockContext) NewQueue() (Queue, error) {
	if c.closed {
		return nil, ErrReleased
	}
	return &mockQueue{ctx: c}, nil
}

func (c *mockContext) NewBuffer(access Access, count int) (Buffer, error) {
	if c.closed {
		return nil, ErrReleased
	}
	if count <= 0 {
		return nil, fmt.Errorf("%w: buffer length %d", ErrLengthMismatch, count)
	}
	if c.info.MaxAllocBytes > 0 && uint64(count)*Int32Size > c.info.MaxAllocBytes {
		return nil, &StatusError{Op: "clCreateBuffer", Code: -61, Name: "CL_INVALID_BUFFER_SIZE"}
	}
	return &mockBuffer{ctx: c, data: make([]int32, count), access: access}, nil
}

var kernelDecl = regexp.MustCompile(`__kernel\s+void\s+(\w+)\s*\(`)

func (c *mockContext) BuildProgram(source, options string) (Program, error) {
	if c.closed {
		return nil, ErrReleased
	}
	entries, log := compileMock(source)
	if log != "" {
		return nil, &BuildError{Status: -11, Log: log}
	}
	opts := strings.TrimSpace(options)
	buildLog := ""
	if opts != "" {
		buildLog = "options: " + opts
	}
	return &mockProgram{ctx: c, entries: entries, log: buildLog}, nil
}

func (c *mockContext) Close() error {
	c.closed = true
	return nil
}

// compileMock validates source the way a very small front end would and
// returns the declared entry points, or a non-empty diagnostic log.
func compileMock(source string) (map[string]bool, string) {
	var diags []string
	if strings.TrimSpace(source) == "" {
		diags = append(diags, "error: empty program source")
	}

	depth := map[rune]int{}
	pairs := map[rune]rune{')': '(', '}': '{', ']': '['}
	line := 1
	for _, r := range source {
		switch r {
		case '\n':
			line++
		case '(', '{', '[':
			depth[r]++
		case ')', '}', ']':
			open := pairs[r]
			depth[open]--
			if depth[open] < 0 {
				diags = append(diags, fmt.Sprintf("<source>:%d: error: unexpected '%c'", line, r))
				depth[open] = 0
			}
		}
	}
	for _, open := range []rune{'(', '{', '['} {
		if depth[open] > 0 {
			diags = append(diags, fmt.Sprintf("<source>:%d: error: expected matching close for '%c'", line, open))
		}
	}

	entries := make(map[string]bool)
	for _, m := range kernelDecl.FindAllStringSubmatch(source, -1) {
		entries[m[1]] = true
	}
	if len(entries) == 0 && len(diags) == 0 {
		diags = append(diags, "error: no __kernel entry points declared")
	}

	return entries, strings.Join(diags, "\n")
}

type mockBuffer struct {
	ctx    *mockContext
	data   []int32
	access Access
}

func (b *mockBuffer) Len() int       { return len(b.data) }
func (b *mockBuffer) Access() Access { return b.access }

func (b *mockBuffer) Close() error {
	b.data = nil
	return nil
}

type mockQueue struct {
	ctx     *mockContext
	pending []*mockEvent
	closed  bool
}

func (q *mockQueue) buffer(buf Buffer, n int) (*mockBuffer, error) {
	mb, ok := buf.(*mockBuffer)
	if !ok || mb.ctx != q.ctx {
		return nil, ErrForeignHandle
	}
	if q.closed || mb.data == nil {
		return nil, ErrReleased
	}
	if n > len(mb.data) {
		return nil, fmt.Errorf("%w: %d elements into buffer of %d", ErrLengthMismatch, n, len(mb.data))
	}
	return mb, nil
}

func (q *mockQueue) WriteInt32(buf Buffer, src []int32) error {
	mb, err := q.buffer(buf, len(src))
	if err != nil {
		return err
	}
	copy(mb.data, src)
	return nil
}

func (q *mockQueue) ReadInt32(buf Buffer, dst []int32) error {
	mb, err := q.buffer(buf, len(dst))
	if err != nil {
		return err
	}
	if err := q.Finish(); err != nil {
		return err
	}
	copy(dst, mb.data)
	return nil
}

func (q *mockQueue) EnqueueKernel(k Kernel, global, local int) (Event, error) {
	mk, ok := k.(*mockKernel)
	if !ok || mk.program.ctx != q.ctx {
		return nil, ErrForeignHandle
	}
	if q.closed || mk.closed {
		return nil, ErrReleased
	}
	if global <= 0 {
		return nil, &StatusError{Op: "clEnqueueNDRangeKernel", Code: -63, Name: "CL_INVALID_GLOBAL_WORK_SIZE"}
	}
	if local < 0 || (local > 0 && (global%local != 0 || local > q.ctx.info.MaxWorkGroupSize)) {
		return nil, &StatusError{Op: "clEnqueueNDRangeKernel", Code: -54, Name: "CL_INVALID_WORK_GROUP_SIZE"}
	}

	fn, ok := q.ctx.driver.kernel(mk.name)
	if !ok {
		return nil, fmt.Errorf("%w: no host implementation for %s", ErrKernelNotFound, mk.name)
	}

	args := make([][]int32, len(mk.args))
	for i, a := range mk.args {
		if a == nil || a.data == nil {
			return nil, &StatusError{Op: "clEnqueueNDRangeKernel", Code: -52, Name: "CL_INVALID_KERNEL_ARGS"}
		}
		args[i] = a.data
	}

	ev := &mockEvent{
		driver: q.ctx.driver,
		run:    func() error { return fn(args, global) },
	}
	ev.times.Queued = q.ctx.driver.now()
	q.pending = append(q.pending, ev)
	return ev, nil
}

func (q *mockQueue) Flush() error {
	if q.closed {
		return ErrReleased
	}
	for _, ev := range q.pending {
		ev.submit()
	}
	return nil
}

func (q *mockQueue) Finish() error {
	if q.closed {
		return ErrReleased
	}
	pending := q.pending
	q.pending = nil
	for _, ev := range pending {
		if err := ev.Wait(); err != nil {
			return err
		}
	}
	return nil
}

func (q *mockQueue) Close() error {
	q.pending = nil
	q.closed = true
	return nil
}

type mockProgram struct {
	ctx     *mockContext
	entries map[string]bool
	log     string
	closed  bool
}

func (p *mockProgram) Kernel(name string) (Kernel, error) {
	if p.closed {
		return nil, ErrReleased
	}
	if !p.entries[name] {
		return nil, fmt.Errorf("%w: %s", ErrKernelNotFound, name)
	}
	return &mockKernel{program: p, name: name}, nil
}

func (p *mockProgram) BuildLog() string { return p.log }

func (p *mockProgram) Close() error {
	p.closed = true
	return nil
}

type mockKernel struct {
	program *mockProgram
	name    string
	args    []*mockBuffer
	closed  bool
}

func (k *mockKernel) Name() string { return k.name }

func (k *mockKernel) SetBufferArg(index int, buf Buffer) error {
	mb, ok := buf.(*mockBuffer)
	if !ok || mb.ctx != k.program.ctx {
		return ErrForeignHandle
	}
	if k.closed {
		return ErrReleased
	}
	if index < 0 {
		return &StatusError{Op: fmt.Sprintf("clSetKernelArg(%d)", index), Code: -49, Name: "CL_INVALID_ARG_INDEX"}
	}
	for len(k.args) <= index {
		k.args = append(k.args, nil)
	}
	k.args[index] = mb
	return nil
}

func (k *mockKernel) Close() error {
	k.closed = true
	return nil
}

type mockEvent struct {
	driver *MockDriver
	run    func() error

	once      sync.Once
	submitted bool
	err       error
	times     EventTimes
	closed    bool
}

func (e *mockEvent) submit() {
	if !e.submitted {
		e.submitted = true
		e.times.Submitted = e.driver.now()
	}
}

func (e *mockEvent) Wait() error {
	if e.closed {
		return ErrReleased
	}
	e.once.Do(func() {
		e.submit()
		e.times.Start = e.driver.now()
		e.err = e.run()
		e.times.End = e.driver.now()
	})
	return e.err
}

func (e *mockEvent) Times() (EventTimes, error) {
	if e.closed {
		return EventTimes{}, ErrReleased
	}
	if e.times.End == 0 && e.times.Start == 0 {
		return EventTimes{}, &StatusError{Op: "clGetEventProfilingInfo", Code: -7, Name: "CL_PROFILING_INFO_NOT_AVAILABLE"}
	}
	return e.times, nil
}

func (e *mockEvent) Close() error {
	e.closed = true
	return nil
}
