package grid

import (
	"github.com/PolyachenkoYA/metadyn/internal/colvar"
)

// Gradient is a grid storing one gradient component per CV per bin.
type Gradient struct {
	Grid
}

// NewGradient allocates a gradient grid over the given CVs.
func NewGradient(vars []*colvar.Colvar) (*Gradient, error) {
	g, err := New(vars, len(vars), false)
	if err != nil {
		return nil, err
	}
	return &Gradient{Grid: *g}, nil
}

// NewGradientShaped allocates a gradient grid with explicit geometry.
func NewGradientShaped(vars []*colvar.Colvar, nx []int, widths, lower, upper []float64, periodic []bool) *Gradient {
	return &Gradient{Grid: *newShaped(vars, nx, widths, lower, upper, periodic, len(nx))}
}

// AccumulateForce adds a force vector to a bin. The grid stores
// gradients, so the components are subtracted.
func (g *Gradient) AccumulateForce(ix []int, force []float64) {
	base := g.address(ix)
	for j := 0; j < g.mult; j++ {
		g.data[base+j] -= force[j]
	}
}

// Gradient returns the stored gradient vector at a bin.
func (g *Gradient) Gradient(ix []int) []float64 {
	base := g.address(ix)
	out := make([]float64, g.mult)
	copy(out, g.data[base:base+g.mult])
	return out
}

// Resize reallocates with new geometry, mapping the old contents in.
func (g *Gradient) Resize(nx []int, lower, upper []float64) *Gradient {
	return &Gradient{Grid: *g.Grid.Resize(nx, lower, upper)}
}

// CloneShape returns an empty gradient grid of identical geometry.
func (g *Gradient) CloneShape() *Gradient {
	return NewGradientShaped(g.vars, g.nx, g.widths, g.lower, g.upper, g.periodic)
}
