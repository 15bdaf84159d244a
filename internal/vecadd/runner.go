package vecadd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cwbudde/clvecadd/internal/cl"
	"github.com/cwbudde/clvecadd/internal/probe"
)

// Result is the outcome of a completed run.
type Result struct {
	Platform   string        `json:"platform"`
	Device     cl.DeviceInfo `json:"device"`
	Policy     string        `json:"policy"`
	Config     Config        `json:"config"`
	Samples    []Sample      `json:"samples"`
	Mismatches []Mismatch    `json:"mismatches,omitempty"`
	Validation time.Duration `json:"validationNs"`
	StartedAt  time.Time     `json:"startedAt"`
	Elapsed    time.Duration `json:"elapsedNs"`
}

// Last returns the sample of the final dispatch.
func (r *Result) Last() Sample {
	if len(r.Samples) == 0 {
		return Sample{}
	}
	return r.Samples[len(r.Samples)-1]
}

// Runner executes the vector-add pipeline and writes the console report to
// Out.
type Runner struct {
	Driver cl.Driver
	Policy probe.Policy
	Config Config
	Out    io.Writer
	Logger *slog.Logger
	// OnSample, if set, is called after every dispatch.
	OnSample func(Sample)
}

// Run probes for a device, builds the kernel, dispatches it Config.Repeat
// times and validates the output on the host. Mismatches are reported but
// are not an error.
//
// The error is cl.ErrNoPlatforms, cl.ErrNoDevices or *cl.BuildError for the
// three terminal outcomes; their console text has already been written.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	out := r.Out
	if out == nil {
		out = io.Discard
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := r.Policy
	if policy == nil {
		policy = probe.DefaultPolicy
	}
	cfg := r.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	started := time.Now()
	sel, err := probe.Run(out, r.Driver, policy)
	if err != nil {
		return nil, err
	}
	probe.PrintCapabilities(out, sel.DeviceInfo)

	source, err := os.ReadFile(cfg.KernelPath)
	if err != nil {
		return nil, fmt.Errorf("read kernel source: %w", err)
	}
	logger.Info("Kernel source loaded", "path", cfg.KernelPath, "bytes", len(source))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sess, err := NewSession(sel.Device, string(source), cfg, logger)
	if err != nil {
		var be *cl.BuildError
		if errors.As(err, &be) {
			PrintBuildError(out, be)
		}
		return nil, err
	}
	defer sess.Close()

	if cfg.VerifyTransfer {
		if err := sess.VerifyTransfer(); err != nil {
			return nil, err
		}
		fmt.Fprintln(out, "Buffer round trip verified.")
	}

	res := &Result{
		Platform:  sel.PlatformInfo.Name,
		Device:    sel.DeviceInfo,
		Policy:    policy.String(),
		Config:    cfg,
		StartedAt: started,
	}

	for i := 0; i < cfg.Repeat; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sample, err := sess.Dispatch(i, cfg.LocalSize)
		if err != nil {
			return nil, err
		}
		res.Samples = append(res.Samples, sample)
		if r.OnSample != nil {
			r.OnSample(sample)
		}
	}

	last := res.Last()
	fmt.Fprintln(out, FormatDuration(LabelQueueToStart, last.QueueLatency))
	fmt.Fprintln(out, FormatDuration(LabelExecution, last.Kernel))

	c, err := sess.ReadResult()
	if err != nil {
		return nil, err
	}

	validateStart := time.Now()
	res.Mismatches = Validate(sess.A, sess.B, c)
	for _, m := range res.Mismatches {
		fmt.Fprintf(out, "Mismatch at %d: %d + %d != %d\n", m.Index, m.A, m.B, m.C)
	}
	res.Validation = time.Since(validateStart)

	fmt.Fprintf(out, "%d of %d elements mismatched\n", len(res.Mismatches), cfg.Count)
	fmt.Fprintln(out, FormatDuration(LabelValidation, res.Validation))
	fmt.Fprintln(out)

	res.Elapsed = time.Since(started)
	logger.Info("Run complete",
		"device", res.Device.Name,
		"count", cfg.Count,
		"repeat", cfg.Repeat,
		"mismatches", len(res.Mismatches),
		"kernel", last.Kernel,
		"elapsed", res.Elapsed,
	)
	return res, nil
}

// PrintBuildError writes the compiler log of a failed build.
func PrintBuildError(w io.Writer, be *cl.BuildError) {
	fmt.Fprintf(w, "Error building: %s\n", be.Log)
}
