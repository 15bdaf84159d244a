package cl

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const vectorAddSource = `__kernel void vector_add(__global const int *A, __global const int *B, __global int *C) {
	int i = get_global_id(0);
	C[i] = A[i] + B[i];
}
`

func newMockContext(t *testing.T) Context {
	t.Helper()
	platforms, err := DefaultMockDriver().Platforms()
	require.NoError(t, err)
	require.Len(t, platforms, 1)

	devices, err := platforms[0].Devices()
	require.NoError(t, err)
	require.Len(t, devices, 1)

	ctx, err := devices[0].NewContext()
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctx.Close() })
	return ctx
}

func TestOpen(t *testing.T) {
	d, err := Open("mock")
	require.NoError(t, err)
	assert.Equal(t, DriverMock, d.Name())

	d, err = Open("")
	require.NoError(t, err)
	assert.Equal(t, DriverOpenCL, d.Name())

	_, err = Open("cuda")
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestInventory(t *testing.T) {
	d := NewMockDriver(
		MockPlatform{Info: PlatformInfo{Name: "A"}, Devices: []DeviceInfo{{Name: "a0"}, {Name: "a1"}}},
		MockPlatform{Info: PlatformInfo{Name: "B"}},
	)
	inv, err := Inventory(d)
	require.NoError(t, err)
	require.Len(t, inv, 2)
	assert.Equal(t, "A", inv[0].Name)
	assert.Len(t, inv[0].Devices, 2)
	assert.Equal(t, "a1", inv[0].Devices[1].Name)
	assert.Empty(t, inv[1].Devices)
}

func TestMockBufferRoundTrip(t *testing.T) {
	ctx := newMockContext(t)
	q, err := ctx.NewQueue()
	require.NoError(t, err)
	defer q.Close()

	buf, err := ctx.NewBuffer(ReadWrite, 8)
	require.NoError(t, err)
	defer buf.Close()

	src := []int32{1, -2, 3, -4, 5, -6, 7, -8}
	require.NoError(t, q.WriteInt32(buf, src))

	dst := make([]int32, len(src))
	require.NoError(t, q.ReadInt32(buf, dst))
	assert.Equal(t, src, dst)

	err = q.WriteInt32(buf, make([]int32, 9))
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestMockVectorAdd(t *testing.T) {
	ctx := newMockContext(t)
	q, err := ctx.NewQueue()
	require.NoError(t, err)

	const n = 256
	a := make([]int32, n)
	b := make([]int32, n)
	for i := range a {
		a[i] = int32(i)
		b[i] = int32(2 * i)
	}

	bufs := make([]Buffer, 3)
	for i, acc := range []Access{ReadOnly, ReadOnly, WriteOnly} {
		bufs[i], err = ctx.NewBuffer(acc, n)
		require.NoError(t, err)
	}
	require.NoError(t, q.WriteInt32(bufs[0], a))
	require.NoError(t, q.WriteInt32(bufs[1], b))

	prog, err := ctx.BuildProgram(vectorAddSource, "")
	require.NoError(t, err)
	k, err := prog.Kernel("vector_add")
	require.NoError(t, err)
	for i, buf := range bufs {
		require.NoError(t, k.SetBufferArg(i, buf))
	}

	require.NoError(t, q.Flush())
	ev, err := q.EnqueueKernel(k, n, 64)
	require.NoError(t, err)

	_, err = ev.Times()
	assert.Error(t, err, "profiling info is unavailable before the command runs")

	require.NoError(t, ev.Wait())
	require.NoError(t, q.Finish())

	times, err := ev.Times()
	require.NoError(t, err)
	assert.LessOrEqual(t, times.Queued, times.Submitted)
	assert.LessOrEqual(t, times.Submitted, times.Start)
	assert.LessOrEqual(t, times.Start, times.End)

	c := make([]int32, n)
	require.NoError(t, q.ReadInt32(bufs[2], c))
	for i := range c {
		assert.Equal(t, a[i]+b[i], c[i], "element %d", i)
	}
}

func TestMockBuildFailure(t *testing.T) {
	ctx := newMockContext(t)

	tests := []struct {
		name   string
		source string
	}{
		{"empty", ""},
		{"unbalanced brace", "__kernel void vector_add(__global int *A) { A[0] = 1;"},
		{"stray paren", "__kernel void vector_add(__global int *A)) { }"},
		{"no entry point", "int helper(int x) { return x; }"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ctx.BuildProgram(tt.source, "")
			var be *BuildError
			require.True(t, errors.As(err, &be), "expected *BuildError, got %v", err)
			assert.NotEmpty(t, be.Log)
		})
	}
}

func TestMockKernelNotFound(t *testing.T) {
	ctx := newMockContext(t)
	prog, err := ctx.BuildProgram(vectorAddSource, "-cl-fast-relaxed-math")
	require.NoError(t, err)
	assert.Contains(t, prog.BuildLog(), "-cl-fast-relaxed-math")

	_, err = prog.Kernel("vector_sub")
	assert.ErrorIs(t, err, ErrKernelNotFound)
}

func TestMockInvalidWorkGroup(t *testing.T) {
	ctx := newMockContext(t)
	q, err := ctx.NewQueue()
	require.NoError(t, err)

	prog, err := ctx.BuildProgram(vectorAddSource, "")
	require.NoError(t, err)
	k, err := prog.Kernel("vector_add")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		buf, err := ctx.NewBuffer(ReadWrite, 100)
		require.NoError(t, err)
		require.NoError(t, k.SetBufferArg(i, buf))
	}

	_, err = q.EnqueueKernel(k, 100, 64)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "CL_INVALID_WORK_GROUP_SIZE", se.Name)
}

func TestMockForeignHandle(t *testing.T) {
	ctxA := newMockContext(t)
	ctxB := newMockContext(t)

	q, err := ctxA.NewQueue()
	require.NoError(t, err)
	buf, err := ctxB.NewBuffer(ReadWrite, 4)
	require.NoError(t, err)

	assert.ErrorIs(t, q.WriteInt32(buf, []int32{1}), ErrForeignHandle)
}

func TestMockReleased(t *testing.T) {
	ctx := newMockContext(t)
	q, err := ctx.NewQueue()
	require.NoError(t, err)
	buf, err := ctx.NewBuffer(ReadWrite, 4)
	require.NoError(t, err)

	require.NoError(t, buf.Close())
	assert.ErrorIs(t, q.WriteInt32(buf, []int32{1}), ErrReleased)

	require.NoError(t, ctx.Close())
	_, err = ctx.NewQueue()
	assert.ErrorIs(t, err, ErrReleased)
}
