package physics

import (
	"fmt"
	"math"
	"math/rand"
)

// Langevin integrates overdamped-ish particle motion with a
// semi-implicit Euler step (velocity first, then position) plus friction
// and thermal noise.
type Langevin struct {
	Dt    float64
	Gamma float64
	KT    float64
	Mass  float64

	rng *rand.Rand
}

func NewLangevin(dt, gamma, kt, mass float64, seed int64) *Langevin {
	return &Langevin{Dt: dt, Gamma: gamma, KT: kt, Mass: mass, rng: rand.New(rand.NewSource(seed))}
}

// Step advances one timestep given the total force at x.
func (l *Langevin) Step(x, v, force float64) (float64, float64) {
	noise := math.Sqrt(2*l.Gamma*l.KT/(l.Mass*l.Dt)) * l.rng.NormFloat64()
	a := force/l.Mass - l.Gamma*v + noise
	v += a * l.Dt
	x += v * l.Dt
	return x, v
}

// BiasFunc maps (step, position) to the bias force at the position.
type BiasFunc func(step int64, x float64) (float64, error)

// Observer is notified once per step.
type Observer func(step int64, x, v float64)

// Runner drives a double-well particle under an external bias.
type Runner struct {
	Well *DoubleWell
	Intg *Langevin
	Bias BiasFunc
	Obs  Observer
}

// Run integrates the given number of steps from the default state and
// returns the final position.
func (r *Runner) Run(steps int64) (float64, error) {
	if r.Intg.Dt <= 0 {
		return 0, fmt.Errorf("physics: dt must be positive, got %f", r.Intg.Dt)
	}
	x, v := r.Well.DefaultState()
	for step := int64(0); step < steps; step++ {
		biasForce := 0.0
		if r.Bias != nil {
			f, err := r.Bias(step, x)
			if err != nil {
				return x, err
			}
			biasForce = f
		}
		if r.Obs != nil {
			r.Obs(step, x, v)
		}
		x, v = r.Intg.Step(x, v, r.Well.Force(x)+biasForce)
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return x, fmt.Errorf("physics: invalid state (NaN/Inf) at step %d", step)
		}
	}
	return x, nil
}
