package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cwbudde/clvecadd/internal/cl"
	"github.com/cwbudde/clvecadd/internal/probe"
	"github.com/cwbudde/clvecadd/internal/tune"
	"github.com/cwbudde/clvecadd/internal/vecadd"
)

var (
	tuneIters   int
	tunePop     int
	tuneSamples int
	tuneSeed    int64
)

var tuneCmd = &cobra.Command{
	Use:   "tune",
	Short: "Search the work-group size with the fastest kernel",
	Long: `Builds the vector-add kernel once and lets the mayfly optimiser pick
local work-group sizes to measure. Candidates are powers of two that divide
the element count and fit the device limit.`,
	Args: cobra.NoArgs,
	RunE: runTune,
}

func init() {
	f := tuneCmd.Flags()
	f.IntVar(&tuneIters, "iters", 0, "Optimiser iterations (default from config)")
	f.IntVar(&tunePop, "pop", 0, "Optimiser population, at least 20 (default from config)")
	f.IntVar(&tuneSamples, "samples", 0, "Dispatches averaged per candidate (default from config)")
	f.Int64Var(&tuneSeed, "tune-seed", 0, "Optimiser seed (default from config)")
	f.IntVar(&count, "count", 0, "Number of elements (default from config)")
	f.StringVar(&kernelPath, "kernel", vecadd.DefaultKernelPath, "Kernel source file")
	f.StringVar(&kernelName, "kernel-name", vecadd.DefaultKernelName, "Kernel entry point")
	f.StringVar(&buildOptions, "build-options", "", "Options passed to the kernel compiler")

	rootCmd.AddCommand(tuneCmd)
}

func runTune(cmd *cobra.Command, args []string) error {
	drv, err := openDriver()
	if err != nil {
		return err
	}
	policy, err := selectionPolicy()
	if err != nil {
		return err
	}

	run := cfg.Run
	applyRunFlags(cmd, &run)
	runCfg := run.VecAdd()
	runCfg.Repeat = 1

	tc := tune.Config{
		Iterations: cfg.Tune.Iterations,
		Population: cfg.Tune.Population,
		Samples:    cfg.Tune.Samples,
		Seed:       cfg.Tune.Seed,
	}
	f := cmd.Flags()
	if f.Changed("iters") {
		tc.Iterations = tuneIters
	}
	if f.Changed("pop") {
		tc.Population = tunePop
	}
	if f.Changed("samples") {
		tc.Samples = tuneSamples
	}
	if f.Changed("tune-seed") {
		tc.Seed = tuneSeed
	}

	out := cmd.OutOrStdout()
	sel, err := probe.Run(out, drv, policy)
	if err != nil {
		return terminal(err)
	}
	probe.PrintCapabilities(out, sel.DeviceInfo)

	source, err := os.ReadFile(runCfg.KernelPath)
	if err != nil {
		return fmt.Errorf("read kernel source: %w", err)
	}

	sess, err := vecadd.NewSession(sel.Device, string(source), runCfg, logger)
	if err != nil {
		var be *cl.BuildError
		if errors.As(err, &be) {
			vecadd.PrintBuildError(out, be)
		}
		return terminal(err)
	}
	defer sess.Close()

	tuner := &tune.Tuner{
		Dispatcher:   sess,
		MaxWorkGroup: sel.DeviceInfo.MaxWorkGroupSize,
		Config:       tc,
		Logger:       logger,
	}
	res, err := tuner.Run(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	return tune.Print(out, res)
}
