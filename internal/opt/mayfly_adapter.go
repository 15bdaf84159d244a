package opt

import (
	"fmt"
	"math/rand"

	"github.com/cwbudde/mayfly"
)

// MinPopulation is the smallest population mayfly accepts.
const MinPopulation = 20

var _ Optimizer = (*Mayfly)(nil)

// Mayfly runs the mayfly swarm optimiser with a fixed seed.
type Mayfly struct {
	Iterations int
	Population int
	Seed       int64
}

// NewMayfly returns a mayfly optimiser. Populations below MinPopulation are
// raised to it.
func NewMayfly(iterations, population int, seed int64) *Mayfly {
	return &Mayfly{
		Iterations: iterations,
		Population: max(population, MinPopulation),
		Seed:       seed,
	}
}

func (m *Mayfly) Minimize(f Objective, bounds Bounds, dim int) ([]float64, float64, error) {
	if dim <= 0 {
		return nil, 0, fmt.Errorf("mayfly: dimension must be positive, got %d", dim)
	}
	if bounds.Upper <= bounds.Lower {
		return nil, 0, fmt.Errorf("mayfly: empty search box [%g, %g]", bounds.Lower, bounds.Upper)
	}

	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = mayfly.ObjectiveFunction(f)
	config.ProblemSize = dim
	config.MaxIterations = m.Iterations
	config.NPop = m.Population
	config.LowerBound = bounds.Lower
	config.UpperBound = bounds.Upper
	config.Rand = rand.New(rand.NewSource(m.Seed))

	result, err := mayfly.Optimize(config)
	if err != nil {
		return nil, 0, fmt.Errorf("mayfly: %w", err)
	}
	return result.GlobalBest.Position, result.GlobalBest.Cost, nil
}
