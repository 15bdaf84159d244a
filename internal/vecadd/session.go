package vecadd

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/dustin/go-humanize"

	"github.com/cwbudde/clvecadd/internal/cl"
)

var (
	// ErrTransferMismatch is returned when a buffer round trip changes data.
	ErrTransferMismatch = errors.New("buffer round trip returned different data")
	// ErrBufferTooLarge is returned when one operand buffer exceeds the
	// device's allocation limit.
	ErrBufferTooLarge = errors.New("buffer exceeds device allocation limit")
)

// Session holds the device resources of one run: a context, a profiling
// queue, the three operand buffers and the built kernel with its arguments
// bound. A Session is not safe for concurrent use.
type Session struct {
	A, B []int32

	ctx     cl.Context
	queue   cl.Queue
	bufA    cl.Buffer
	bufB    cl.Buffer
	bufC    cl.Buffer
	program cl.Program
	kernel  cl.Kernel
	count   int
	logger  *slog.Logger
}

// NewSession prepares dev for repeated dispatches of cfg's kernel over
// fresh inputs generated from cfg.Seed. A compile failure is returned as
// *cl.BuildError.
func NewSession(dev cl.Device, source string, cfg Config, logger *slog.Logger) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if limit := dev.Info().MaxAllocBytes; limit > 0 && uint64(cfg.Count)*cl.Int32Size > limit {
		return nil, fmt.Errorf("%w: %d elements need %s per buffer, device allows %s", ErrBufferTooLarge,
			cfg.Count, humanize.IBytes(uint64(cfg.Count)*cl.Int32Size), humanize.IBytes(limit))
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{count: cfg.Count, logger: logger}
	if err := s.open(dev, source, cfg); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) open(dev cl.Device, source string, cfg Config) (err error) {
	if s.ctx, err = dev.NewContext(); err != nil {
		return fmt.Errorf("create context: %w", err)
	}
	if s.queue, err = s.ctx.NewQueue(); err != nil {
		return fmt.Errorf("create queue: %w", err)
	}

	s.A, s.B = GenerateInputs(cfg.Seed, cfg.Count, cfg.Bound)

	if s.bufA, err = s.ctx.NewBuffer(cl.ReadOnly, cfg.Count); err != nil {
		return fmt.Errorf("allocate A: %w", err)
	}
	if s.bufB, err = s.ctx.NewBuffer(cl.ReadOnly, cfg.Count); err != nil {
		return fmt.Errorf("allocate B: %w", err)
	}
	if s.bufC, err = s.ctx.NewBuffer(cl.WriteOnly, cfg.Count); err != nil {
		return fmt.Errorf("allocate C: %w", err)
	}
	if err = s.queue.WriteInt32(s.bufA, s.A); err != nil {
		return fmt.Errorf("upload A: %w", err)
	}
	if err = s.queue.WriteInt32(s.bufB, s.B); err != nil {
		return fmt.Errorf("upload B: %w", err)
	}
	s.logger.Debug("Inputs uploaded", "count", cfg.Count, "seed", cfg.Seed, "bound", cfg.Bound)

	if s.program, err = s.ctx.BuildProgram(source, cfg.BuildOptions); err != nil {
		return err
	}
	if log := s.program.BuildLog(); log != "" {
		s.logger.Debug("Program built", "log", log)
	}

	if s.kernel, err = s.program.Kernel(cfg.KernelName); err != nil {
		return fmt.Errorf("create kernel: %w", err)
	}
	for i, buf := range []cl.Buffer{s.bufA, s.bufB, s.bufC} {
		if err = s.kernel.SetBufferArg(i, buf); err != nil {
			return fmt.Errorf("bind argument %d: %w", i, err)
		}
	}

	return nil
}

// Count is the number of elements per buffer.
func (s *Session) Count() int { return s.count }

// Device reports the device the session's context is bound to.
func (s *Session) Device() cl.DeviceInfo { return s.ctx.Device() }

// Dispatch flushes the queue, runs the kernel over Count work items with the
// given local size, waits for it and returns its profiling sample.
func (s *Session) Dispatch(iteration, local int) (Sample, error) {
	if err := s.queue.Flush(); err != nil {
		return Sample{}, fmt.Errorf("flush: %w", err)
	}
	ev, err := s.queue.EnqueueKernel(s.kernel, s.count, local)
	if err != nil {
		return Sample{}, fmt.Errorf("enqueue kernel: %w", err)
	}
	defer ev.Close()

	if err := ev.Wait(); err != nil {
		return Sample{}, fmt.Errorf("wait for kernel: %w", err)
	}
	if err := s.queue.Finish(); err != nil {
		return Sample{}, fmt.Errorf("finish: %w", err)
	}
	times, err := ev.Times()
	if err != nil {
		return Sample{}, fmt.Errorf("read profiling info: %w", err)
	}

	sample := newSample(iteration, local, times)
	s.logger.Debug("Kernel dispatched",
		"iteration", iteration,
		"local_size", local,
		"queue_latency", sample.QueueLatency,
		"kernel", sample.Kernel,
	)
	return sample, nil
}

// ReadResult copies the output buffer back to the host.
func (s *Session) ReadResult() ([]int32, error) {
	c := make([]int32, s.count)
	if err := s.queue.ReadInt32(s.bufC, c); err != nil {
		return nil, fmt.Errorf("read C: %w", err)
	}
	return c, nil
}

// VerifyTransfer copies A through a scratch buffer without running any
// kernel and checks that the bytes come back unchanged.
func (s *Session) VerifyTransfer() error {
	scratch, err := s.ctx.NewBuffer(cl.ReadWrite, s.count)
	if err != nil {
		return fmt.Errorf("allocate scratch: %w", err)
	}
	defer scratch.Close()

	if err := s.queue.WriteInt32(scratch, s.A); err != nil {
		return fmt.Errorf("upload scratch: %w", err)
	}
	back := make([]int32, s.count)
	if err := s.queue.ReadInt32(scratch, back); err != nil {
		return fmt.Errorf("read scratch: %w", err)
	}
	if !slices.Equal(s.A, back) {
		return ErrTransferMismatch
	}
	return nil
}

// Close releases every device resource. It is safe to call on a partially
// constructed session.
func (s *Session) Close() error {
	var errs []error
	for _, c := range []interface{ Close() error }{s.kernel, s.program, s.bufC, s.bufB, s.bufA, s.queue, s.ctx} {
		if c != nil {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
