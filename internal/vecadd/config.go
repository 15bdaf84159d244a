package vecadd

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// MaxOperand is the largest value drawn for either input. Two operands no
// larger than this sum to at most math.MaxInt32 - 1.
const MaxOperand int32 = math.MaxInt32 / 2

// MaxCount is the largest element count. Kernels index elements with a
// 32-bit int.
const MaxCount = math.MaxInt32

// Defaults for a run.
const (
	DefaultKernelPath = "vector_add_kernel.cl"
	DefaultKernelName = "vector_add"
	DefaultCount      = 100000
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid run configuration")

// Config describes one vector-add run.
type Config struct {
	KernelPath   string `json:"kernelPath" yaml:"kernel_path"`
	KernelName   string `json:"kernelName" yaml:"kernel_name"`
	BuildOptions string `json:"buildOptions,omitempty" yaml:"build_options"`
	Count        int    `json:"count" yaml:"count"`
	// Seed drives input generation. Callers that want a fresh seed per run
	// pass NewSeed().
	Seed int64 `json:"seed" yaml:"seed"`
	// Bound caps every generated operand. Zero means MaxOperand.
	Bound int32 `json:"bound,omitempty" yaml:"bound"`
	// LocalSize is the 1-D work-group size; 0 lets the runtime choose.
	LocalSize      int  `json:"localSize,omitempty" yaml:"local_size"`
	Repeat         int  `json:"repeat,omitempty" yaml:"repeat"`
	VerifyTransfer bool `json:"verifyTransfer,omitempty" yaml:"verify_transfer"`
}

// DefaultConfig returns a run over DefaultCount elements seeded from the clock.
func DefaultConfig() Config {
	return Config{
		KernelPath: DefaultKernelPath,
		KernelName: DefaultKernelName,
		Count:      DefaultCount,
		Seed:       NewSeed(),
		Bound:      MaxOperand,
		Repeat:     1,
	}
}

// NewSeed returns a seed taken from the wall clock.
func NewSeed() int64 {
	return time.Now().UnixNano()
}

// Validate fills zero-valued optional fields and rejects impossible values.
func (c *Config) Validate() error {
	if c.KernelPath == "" {
		c.KernelPath = DefaultKernelPath
	}
	if c.KernelName == "" {
		c.KernelName = DefaultKernelName
	}
	if c.Bound == 0 {
		c.Bound = MaxOperand
	}
	if c.Repeat == 0 {
		c.Repeat = 1
	}

	if c.Count <= 0 {
		return fmt.Errorf("%w: count must be positive, got %d", ErrInvalidConfig, c.Count)
	}
	if c.Count > MaxCount {
		return fmt.Errorf("%w: count must be at most %d, got %d", ErrInvalidConfig, MaxCount, c.Count)
	}
	if c.Bound < 0 || c.Bound > MaxOperand {
		return fmt.Errorf("%w: bound must be in [1, %d], got %d", ErrInvalidConfig, MaxOperand, c.Bound)
	}
	if c.LocalSize < 0 {
		return fmt.Errorf("%w: local size must be >= 0, got %d", ErrInvalidConfig, c.LocalSize)
	}
	if c.Repeat < 0 {
		return fmt.Errorf("%w: repeat must be positive, got %d", ErrInvalidConfig, c.Repeat)
	}
	return nil
}
