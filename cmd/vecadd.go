package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cwbudde/clvecadd/internal/config"
	"github.com/cwbudde/clvecadd/internal/store"
	"github.com/cwbudde/clvecadd/internal/vecadd"
)

var (
	count          int
	seed           int64
	kernelPath     string
	kernelName     string
	buildOptions   string
	localSize      int
	repeat         int
	verifyTransfer bool
	saveRun        bool
)

var vecaddCmd = &cobra.Command{
	Use:   "vecadd",
	Short: "Run the vector-add kernel and validate its output",
	Long: `Builds the vector-add kernel for the selected device, adds two random
integer vectors on it, prints the queue and execution timings and reports
every element the device computed wrongly.`,
	Args: cobra.NoArgs,
	RunE: runVecAdd,
}

func init() {
	f := vecaddCmd.Flags()
	f.IntVar(&count, "count", config.DefaultVecAddCount, "Number of elements")
	f.Int64Var(&seed, "seed", 0, "Input seed (default: wall clock)")
	f.StringVar(&kernelPath, "kernel", vecadd.DefaultKernelPath, "Kernel source file")
	f.StringVar(&kernelName, "kernel-name", vecadd.DefaultKernelName, "Kernel entry point")
	f.StringVar(&buildOptions, "build-options", "", "Options passed to the kernel compiler")
	f.IntVar(&localSize, "local-size", 0, "Work-group size (0 = runtime choice)")
	f.IntVar(&repeat, "repeat", 1, "Number of dispatches; the last one is reported")
	f.BoolVar(&verifyTransfer, "verify-transfer", false, "Round-trip the input buffer before running")
	f.BoolVar(&saveRun, "save", false, "Persist the run report")

	rootCmd.AddCommand(vecaddCmd)
}

// applyRunFlags copies explicitly given run flags over the configuration.
func applyRunFlags(cmd *cobra.Command, run *config.RunConfig) {
	f := cmd.Flags()
	if f.Changed("count") {
		run.Count = count
	}
	if f.Changed("seed") {
		s := seed
		run.Seed = &s
	}
	if f.Changed("kernel") {
		run.KernelPath = kernelPath
	}
	if f.Changed("kernel-name") {
		run.KernelName = kernelName
	}
	if f.Changed("build-options") {
		run.BuildOptions = buildOptions
	}
	if f.Changed("local-size") {
		run.LocalSize = localSize
	}
	if f.Changed("repeat") {
		run.Repeat = repeat
	}
	if f.Changed("verify-transfer") {
		run.VerifyTransfer = verifyTransfer
	}
}

func runVecAdd(cmd *cobra.Command, args []string) error {
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
	logger.Info("Starting vector add",
		"driver", drv.Name(),
		"policy", policy.String(),
		"count", runCfg.Count,
		"seed", runCfg.Seed,
		"kernel", runCfg.KernelPath,
	)

	runner := &vecadd.Runner{
		Driver: drv,
		Policy: policy,
		Config: runCfg,
		Out:    cmd.OutOrStdout(),
		Logger: logger,
	}
	res, err := runner.Run(cmd.Context())
	if err != nil {
		return terminal(err)
	}

	if saveRun {
		id, err := saveResult(drv.Name(), res)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Saved run %s\n", id)
	}
	return nil
}

func saveResult(driver string, res *vecadd.Result) (string, error) {
	st, err := openStore()
	if err != nil {
		return "", err
	}
	defer st.Close()

	report := store.NewReport("", "cli", driver, res)
	if err := st.SaveReport(report); err != nil {
		return "", fmt.Errorf("save report: %w", err)
	}
	if err := st.SaveTrace(report.ID, store.NewTrace(res)); err != nil {
		return "", fmt.Errorf("save trace: %w", err)
	}
	logger.Info("Run saved", "id", report.ID, "backend", cfg.Store.Backend, "data_dir", cfg.Store.DataDir)
	return report.ID, nil
}
