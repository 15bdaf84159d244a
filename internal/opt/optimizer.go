package opt

// Objective is a cost function over a point in the search space. Lower is better.
type Objective func(x []float64) float64

// Bounds is the box [Lower, Upper] applied to every dimension.
type Bounds struct {
	Lower, Upper float64
}

// Optimizer minimises an objective inside a box.
type Optimizer interface {
	// Minimize returns the best point found and its cost.
	Minimize(f Objective, bounds Bounds, dim int) ([]float64, float64, error)
}
