// Package tune searches the local work-group size that minimises the
// kernel duration of a vector-add session.
package tune

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/cwbudde/clvecadd/internal/opt"
	"github.com/cwbudde/clvecadd/internal/vecadd"
)

// ErrNoCandidates is returned when no work-group size fits the problem.
var ErrNoCandidates = errors.New("no valid work-group size")

// Dispatcher runs one kernel dispatch. *vecadd.Session implements it.
type Dispatcher interface {
	Count() int
	Dispatch(iteration, local int) (vecadd.Sample, error)
}

type Config struct {
	Iterations int
	Population int
	Samples    int
	Seed       int64
}

// Candidate is the measurement of one local size.
type Candidate struct {
	LocalSize int           `json:"localSize"`
	Mean      time.Duration `json:"meanNs"`
	Samples   int           `json:"samples"`
	Err       string        `json:"error,omitempty"`
}

type Result struct {
	Best        Candidate   `json:"best"`
	Candidates  []Candidate `json:"candidates"`
	Evaluations int         `json:"evaluations"`
}

// Candidates returns the powers of two that divide count and do not exceed
// maxWorkGroup, in increasing order. A non-positive maxWorkGroup means no
// device limit.
func Candidates(count, maxWorkGroup int) []int {
	if count <= 0 {
		return nil
	}
	if maxWorkGroup <= 0 {
		maxWorkGroup = count
	}
	var out []int
	for size := 1; size <= maxWorkGroup && size <= count; size *= 2 {
		if count%size == 0 {
			out = append(out, size)
		}
	}
	return out
}

type Tuner struct {
	Dispatcher   Dispatcher
	MaxWorkGroup int
	Config       Config
	// Optimizer picks the sizes to measure. Nil means mayfly seeded with
	// Config.Seed.
	Optimizer    opt.Optimizer
	Logger       *slog.Logger
}

// Run measures candidates chosen by the mayfly optimiser. Each candidate is
// measured at most once.
func (t *Tuner) Run(ctx context.Context) (*Result, error) {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	samples := max(t.Config.Samples, 1)

	sizes := Candidates(t.Dispatcher.Count(), t.MaxWorkGroup)
	if len(sizes) == 0 {
		return nil, ErrNoCandidates
	}

	measured := make(map[int]*Candidate, len(sizes))
	iteration := 0
	measure := func(idx int) *Candidate {
		if c, ok := measured[idx]; ok {
			return c
		}
		c := &Candidate{LocalSize: sizes[idx]}
		var total time.Duration
		for i := 0; i < samples; i++ {
			s, err := t.Dispatcher.Dispatch(iteration, c.LocalSize)
			iteration++
			if err != nil {
				c.Err = err.Error()
				break
			}
			total += s.Kernel
			c.Samples++
		}
		if c.Samples > 0 {
			c.Mean = total / time.Duration(c.Samples)
		}
		logger.Debug("Work-group size measured", "local_size", c.LocalSize, "mean", c.Mean, "error", c.Err)
		measured[idx] = c
		return c
	}

	if len(sizes) == 1 {
		measure(0)
	} else {
		objective := func(x []float64) float64 {
			if ctx.Err() != nil {
				return math.MaxFloat64
			}
			idx := min(max(int(math.Floor(x[0])), 0), len(sizes)-1)
			c := measure(idx)
			if c.Err != "" {
				return math.MaxFloat64
			}
			return float64(c.Mean)
		}
		o := t.Optimizer
		if o == nil {
			o = opt.NewMayfly(t.Config.Iterations, t.Config.Population, t.Config.Seed)
		}
		if _, _, err := o.Minimize(objective, opt.Bounds{Lower: 0, Upper: float64(len(sizes))}, 1); err != nil {
			return nil, fmt.Errorf("tune: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{Evaluations: iteration}
	for idx := range sizes {
		if c, ok := measured[idx]; ok {
			res.Candidates = append(res.Candidates, *c)
		}
	}
	best := -1
	for i, c := range res.Candidates {
		if c.Err != "" {
			continue
		}
		if best < 0 || c.Mean < res.Candidates[best].Mean {
			best = i
		}
	}
	if best < 0 {
		return res, fmt.Errorf("%w: every measured size failed", ErrNoCandidates)
	}
	res.Best = res.Candidates[best]

	logger.Info("Tuning complete",
		"best_local_size", res.Best.LocalSize,
		"mean", res.Best.Mean,
		"measured", len(res.Candidates),
		"of", len(sizes),
		"dispatches", res.Evaluations,
	)
	return res, nil
}

// Print writes the per-candidate table followed by the best size.
func Print(w io.Writer, res *Result) error {
	cands := slices.Clone(res.Candidates)
	slices.SortFunc(cands, func(a, b Candidate) int { return a.LocalSize - b.LocalSize })

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LOCAL SIZE\tMEAN KERNEL\tSAMPLES\tSTATUS")
	fmt.Fprintln(tw, "----------\t-----------\t-------\t------")
	for _, c := range cands {
		status := "ok"
		if c.Err != "" {
			status = c.Err
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", c.LocalSize, c.Mean, c.Samples, status)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\nBest local size: %d\n", res.Best.LocalSize)
	fmt.Fprintln(w, vecadd.FormatDuration("Mean "+vecadd.LabelExecution, res.Best.Mean))
	return nil
}
