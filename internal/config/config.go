package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cwbudde/clvecadd/internal/vecadd"
)

const (
	DefaultDriver      = "opencl"
	DefaultPolicy      = "first"
	DefaultLogLevel    = "info"
	DefaultDataDir     = "./data"
	DefaultBackend     = "fs"
	DefaultAddr        = ":8080"
	DefaultIterations  = 30
	DefaultPopulation  = 20
	DefaultSamples     = 3
	DefaultTuneSeed    = 1
	DefaultMaxJobs     = 100
	DefaultJobTimeout  = 5 * time.Minute
	DefaultVecAddCount = vecadd.DefaultCount
)

// Store backends.
const (
	BackendFS     = "fs"
	BackendBadger = "badger"
)

type Config struct {
	Driver   string       `yaml:"driver"`
	Policy   string       `yaml:"policy"`
	LogLevel string       `yaml:"log_level"`
	Run      RunConfig    `yaml:"run"`
	Tune     TuneConfig   `yaml:"tune"`
	Store    StoreConfig  `yaml:"store"`
	Server   ServerConfig `yaml:"server"`
}

type RunConfig struct {
	KernelPath     string `yaml:"kernel_path"`
	KernelName     string `yaml:"kernel_name"`
	BuildOptions   string `yaml:"build_options"`
	Count          int    `yaml:"count"`
	Seed           *int64 `yaml:"seed"` // nil: seed from the clock
	LocalSize      int    `yaml:"local_size"`
	Repeat         int    `yaml:"repeat"`
	VerifyTransfer bool   `yaml:"verify_transfer"`
}

type TuneConfig struct {
	Iterations int   `yaml:"iterations"`
	Population int   `yaml:"population"`
	Samples    int   `yaml:"samples"`
	Seed       int64 `yaml:"seed"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"`
	DataDir string `yaml:"data_dir"`
}

type ServerConfig struct {
	Addr       string        `yaml:"addr"`
	MaxJobs    int           `yaml:"max_jobs"`
	JobTimeout time.Duration `yaml:"job_timeout"`
}

func DefaultConfig() *Config {
	return &Config{
		Driver:   DefaultDriver,
		Policy:   DefaultPolicy,
		LogLevel: DefaultLogLevel,
		Run: RunConfig{
			KernelPath: vecadd.DefaultKernelPath,
			KernelName: vecadd.DefaultKernelName,
			Count:      DefaultVecAddCount,
			Repeat:     1,
		},
		Tune: TuneConfig{
			Iterations: DefaultIterations,
			Population: DefaultPopulation,
			Samples:    DefaultSamples,
			Seed:       DefaultTuneSeed,
		},
		Store: StoreConfig{
			Backend: DefaultBackend,
			DataDir: DefaultDataDir,
		},
		Server: ServerConfig{
			Addr:       DefaultAddr,
			MaxJobs:    DefaultMaxJobs,
			JobTimeout: DefaultJobTimeout,
		},
	}
}

// Load reads a YAML file over the defaults. Keys absent from the file keep
// their default value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) Validate() error {
	switch strings.ToLower(c.Store.Backend) {
	case BackendFS, BackendBadger:
	default:
		return fmt.Errorf("unknown store backend %q (want %s or %s)", c.Store.Backend, BackendFS, BackendBadger)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	if c.Run.Count <= 0 {
		return fmt.Errorf("run.count must be positive, got %d", c.Run.Count)
	}
	if c.Tune.Population < 20 {
		return fmt.Errorf("tune.population must be at least 20, got %d", c.Tune.Population)
	}
	if c.Tune.Iterations <= 0 || c.Tune.Samples <= 0 {
		return fmt.Errorf("tune.iterations and tune.samples must be positive")
	}
	return nil
}

// VecAdd converts the run section into a runner configuration. A missing
// seed is replaced by one taken from the clock.
func (r RunConfig) VecAdd() vecadd.Config {
	seed := vecadd.NewSeed()
	if r.Seed != nil {
		seed = *r.Seed
	}
	return vecadd.Config{
		KernelPath:     r.KernelPath,
		KernelName:     r.KernelName,
		BuildOptions:   r.BuildOptions,
		Count:          r.Count,
		Seed:           seed,
		Bound:          vecadd.MaxOperand,
		LocalSize:      r.LocalSize,
		Repeat:         r.Repeat,
		VerifyTransfer: r.VerifyTransfer,
	}
}
