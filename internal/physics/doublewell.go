// Package physics provides the small Langevin driver used to exercise
// the bias from the CLI and the tests.
package physics

import "math"

// DoubleWell models a particle in a bistable potential
// V(x) = A (x^2 - B)^2.
type DoubleWell struct {
	A, B, Mass, Damping float64
}

func NewDoubleWell() *DoubleWell {
	return &DoubleWell{1.0, 1.0, 1.0, 0.1}
}

// Force is the potential force at x.
func (d *DoubleWell) Force(x float64) float64 {
	return -4 * d.A * x * (x*x - d.B)
}

// Energy is the total energy at (x, v).
func (d *DoubleWell) Energy(x, v float64) float64 {
	return 0.5*d.Mass*v*v + d.A*math.Pow(x*x-d.B, 2)
}

// DefaultState starts the particle near the right minimum.
func (d *DoubleWell) DefaultState() (x, v float64) {
	return math.Sqrt(d.B) + 0.1, 0
}
