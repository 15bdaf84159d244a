package main

import (
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cwbudde/clvecadd/internal/cl"
	"github.com/cwbudde/clvecadd/internal/config"
	"github.com/cwbudde/clvecadd/internal/probe"
	"github.com/cwbudde/clvecadd/internal/store"
)

var (
	configPath string
	logLevel   string
	driverName string
	policyName string

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "clvecadd",
	Short: "OpenCL device prober and vector-add benchmark",
	Long: `clvecadd selects an OpenCL platform and device, runs an integer
vector-add kernel on it and reports kernel timings and host validation.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", config.DefaultLogLevel, "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&driverName, "driver", config.DefaultDriver, "Compute driver (opencl, mock)")
	rootCmd.PersistentFlags().StringVar(&policyName, "policy", config.DefaultPolicy, "Device selection policy (first, gpu, index:P:D, type:T)")
}

// setup loads the configuration and installs the logger. Flags given on the
// command line win over the file.
func setup(cmd *cobra.Command, args []string) error {
	c := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		c = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		c.LogLevel = logLevel
	}
	if flags.Changed("driver") {
		c.Driver = driverName
	}
	if flags.Changed("policy") {
		c.Policy = policyName
	}
	if err := c.Validate(); err != nil {
		return err
	}
	cfg = c

	logger = newLogger(cmd.ErrOrStderr(), c.LogLevel)
	slog.SetDefault(logger)
	return nil
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func openDriver() (cl.Driver, error) {
	return cl.Open(cfg.Driver)
}

func selectionPolicy() (probe.Policy, error) {
	return probe.ParsePolicy(cfg.Policy)
}

func openStore() (store.Store, error) {
	return store.Open(cfg.Store.Backend, cfg.Store.DataDir)
}

// exitError marks an error whose console text was already written; main
// exits with status 1 without printing it again.
type exitError struct {
	err error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// terminal wraps the outcomes that end a run with their own console line.
func terminal(err error) error {
	var be *cl.BuildError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, cl.ErrNoPlatforms), errors.Is(err, cl.ErrNoDevices), errors.As(err, &be):
		return &exitError{err: err}
	default:
		return err
	}
}
