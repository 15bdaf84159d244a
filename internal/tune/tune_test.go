package tune

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/clvecadd/internal/cl"
	"github.com/cwbudde/clvecadd/internal/opt"
	"github.com/cwbudde/clvecadd/internal/vecadd"
)

// fakeDispatcher reports a kernel time that is minimal at best.
type fakeDispatcher struct {
	count int
	best  int
	fail  map[int]bool
	calls map[int]int
}

func (f *fakeDispatcher) Count() int { return f.count }

func (f *fakeDispatcher) Dispatch(iteration, local int) (vecadd.Sample, error) {
	if f.calls == nil {
		f.calls = map[int]int{}
	}
	f.calls[local]++
	if f.fail[local] {
		return vecadd.Sample{}, errors.New("CL_INVALID_WORK_GROUP_SIZE")
	}
	dist := local - f.best
	if dist < 0 {
		dist = -dist
	}
	return vecadd.Sample{Iteration: iteration, LocalSize: local, Kernel: time.Duration(1000 + dist)}, nil
}

func TestCandidates(t *testing.T) {
	assert.Equal(t, []int{1, 2, 4, 8, 16, 32}, Candidates(100000, 256))
	assert.Equal(t, []int{1, 2, 4, 8, 16, 32, 64, 128, 256}, Candidates(1024, 256))
	assert.Equal(t, []int{1}, Candidates(7, 1024))
	assert.Equal(t, []int{1, 2, 4, 8}, Candidates(8, 0))
	assert.Nil(t, Candidates(0, 64))
}

func TestTunerFindsBest(t *testing.T) {
	d := &fakeDispatcher{count: 4096, best: 64}
	tuner := &Tuner{
		Dispatcher:   d,
		MaxWorkGroup: 1024,
		Config:       Config{Iterations: 20, Population: 20, Samples: 2, Seed: 3},
	}

	res, err := tuner.Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, res.Candidates)

	for _, c := range res.Candidates {
		assert.LessOrEqual(t, res.Best.Mean, c.Mean)
		if c.LocalSize == 64 {
			assert.Equal(t, 64, res.Best.LocalSize)
			assert.Equal(t, time.Duration(1000), res.Best.Mean)
		}
	}

	for local, n := range d.calls {
		assert.Equal(t, 2, n, "local size %d measured more than once", local)
	}
	assert.Equal(t, len(res.Candidates)*2, res.Evaluations)

	var out bytes.Buffer
	require.NoError(t, Print(&out, res))
	assert.Contains(t, out.String(), "LOCAL SIZE")
	assert.Contains(t, out.String(), "Best local size: ")
	assert.Contains(t, out.String(), "Mean Kernel execution: 0 ms, 1 us, ")
}

// gridOptimizer evaluates the centre of every unit cell of the box.
type gridOptimizer struct{ points int }

func (g *gridOptimizer) Minimize(f opt.Objective, bounds opt.Bounds, dim int) ([]float64, float64, error) {
	best, bestCost := []float64{bounds.Lower}, math.MaxFloat64
	for x := bounds.Lower + 0.5; x < bounds.Upper; x++ {
		g.points++
		if c := f([]float64{x}); c < bestCost {
			best, bestCost = []float64{x}, c
		}
	}
	return best, bestCost, nil
}

func TestTunerCustomOptimizer(t *testing.T) {
	d := &fakeDispatcher{count: 256, best: 16}
	g := &gridOptimizer{}
	tuner := &Tuner{Dispatcher: d, MaxWorkGroup: 256, Config: Config{Samples: 1}, Optimizer: g}

	res, err := tuner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(Candidates(256, 256)), g.points)
	assert.Len(t, res.Candidates, g.points)
	assert.Equal(t, 16, res.Best.LocalSize)
}

func TestTunerSkipsFailingSizes(t *testing.T) {
	d := &fakeDispatcher{count: 8, best: 8, fail: map[int]bool{8: true}}
	tuner := &Tuner{Dispatcher: d, MaxWorkGroup: 8, Config: Config{Iterations: 20, Population: 20, Samples: 1, Seed: 1}}

	res, err := tuner.Run(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, 8, res.Best.LocalSize)
}

func TestTunerSingleCandidate(t *testing.T) {
	d := &fakeDispatcher{count: 9, best: 1}
	tuner := &Tuner{Dispatcher: d, MaxWorkGroup: 64, Config: Config{Samples: 4}}

	res, err := tuner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Best.LocalSize)
	assert.Equal(t, 4, res.Evaluations)
}

func TestTunerAllFail(t *testing.T) {
	d := &fakeDispatcher{count: 1, fail: map[int]bool{1: true}}
	tuner := &Tuner{Dispatcher: d, MaxWorkGroup: 64, Config: Config{Samples: 1}}

	_, err := tuner.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestTunerWithMockSession(t *testing.T) {
	drv := cl.DefaultMockDriver()
	platforms, err := drv.Platforms()
	require.NoError(t, err)
	devices, err := platforms[0].Devices()
	require.NoError(t, err)

	src := `__kernel void vector_add(__global const int *A, __global const int *B, __global int *C) {
	int i = get_global_id(0);
	C[i] = A[i] + B[i];
}`
	cfg := vecadd.Config{Count: 1024, Seed: 5}
	sess, err := vecadd.NewSession(devices[0], src, cfg, nil)
	require.NoError(t, err)
	defer sess.Close()

	tuner := &Tuner{
		Dispatcher:   sess,
		MaxWorkGroup: devices[0].Info().MaxWorkGroupSize,
		Config:       Config{Iterations: 5, Population: 20, Samples: 1, Seed: 9},
	}
	res, err := tuner.Run(context.Background())
	require.NoError(t, err)
	assert.Contains(t, Candidates(1024, 1024), res.Best.LocalSize)
	assert.NotEmpty(t, res.Candidates)
}
