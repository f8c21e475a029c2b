// Package grid implements the regular N-dimensional grids on which the
// metadynamics bias accumulates hill energies and gradients.
package grid

import (
	"fmt"
	"math"

	"github.com/PolyachenkoYA/metadyn/internal/colvar"
)

// Grid is a flat row-major array over a regular discretization of CV
// space, with mult values stored per bin.
type Grid struct {
	vars     []*colvar.Colvar
	nx       []int
	widths   []float64
	lower    []float64
	upper    []float64
	periodic []bool
	mult     int
	data     []float64
}

// New builds a grid over the given scalar CVs. With margin set, one
// extra bin is added on each side of every non-periodic dimension.
func New(vars []*colvar.Colvar, mult int, margin bool) (*Grid, error) {
	g := &Grid{
		vars:     vars,
		nx:       make([]int, len(vars)),
		widths:   make([]float64, len(vars)),
		lower:    make([]float64, len(vars)),
		upper:    make([]float64, len(vars)),
		periodic: make([]bool, len(vars)),
		mult:     mult,
	}
	for i, v := range vars {
		if !v.IsScalar() {
			return nil, fmt.Errorf("grid: colvar %q: only scalar variables can be binned", v.Name)
		}
		if v.Width <= 0 {
			return nil, fmt.Errorf("grid: colvar %q: width must be positive", v.Name)
		}
		lb, ub := v.LowerBoundary, v.UpperBoundary
		if ub <= lb {
			return nil, fmt.Errorf("grid: colvar %q: upper boundary must exceed lower", v.Name)
		}
		n := int(math.Round((ub - lb) / v.Width))
		if n < 1 {
			n = 1
		}
		if margin && !v.Periodic {
			lb -= v.Width
			ub += v.Width
			n += 2
		}
		g.nx[i] = n
		g.widths[i] = v.Width
		g.lower[i] = lb
		g.upper[i] = ub
		g.periodic[i] = v.Periodic
	}
	g.data = make([]float64, g.NumPoints()*mult)
	return g, nil
}

// newShaped builds a grid with explicit geometry, used on expansion and
// when reading serialized grids.
func newShaped(vars []*colvar.Colvar, nx []int, widths, lower, upper []float64, periodic []bool, mult int) *Grid {
	g := &Grid{
		vars:     vars,
		nx:       append([]int(nil), nx...),
		widths:   append([]float64(nil), widths...),
		lower:    append([]float64(nil), lower...),
		upper:    append([]float64(nil), upper...),
		periodic: append([]bool(nil), periodic...),
		mult:     mult,
	}
	g.data = make([]float64, g.NumPoints()*mult)
	return g
}

func (g *Grid) Dims() int              { return len(g.nx) }
func (g *Grid) Mult() int              { return g.mult }
func (g *Grid) Sizes() []int           { return append([]int(nil), g.nx...) }
func (g *Grid) Widths() []float64      { return append([]float64(nil), g.widths...) }
func (g *Grid) Lower() []float64       { return append([]float64(nil), g.lower...) }
func (g *Grid) Upper() []float64       { return append([]float64(nil), g.upper...) }
func (g *Grid) Periodic() []bool       { return append([]bool(nil), g.periodic...) }
func (g *Grid) Vars() []*colvar.Colvar { return g.vars }

// NumPoints is the total number of bins.
func (g *Grid) NumPoints() int {
	n := 1
	for _, x := range g.nx {
		n *= x
	}
	return n
}

// address converts a multi-index into the flat offset of the bin's
// first stored value.
func (g *Grid) address(ix []int) int {
	addr := 0
	for i := range g.nx {
		addr = addr*g.nx[i] + ix[i]
	}
	return addr * g.mult
}

// NewIndex returns the first multi-index (all zeros).
func (g *Grid) NewIndex() []int { return make([]int, len(g.nx)) }

// IndexOK reports whether ix addresses a bin inside the grid.
func (g *Grid) IndexOK(ix []int) bool {
	for i := range g.nx {
		if ix[i] < 0 || ix[i] >= g.nx[i] {
			return false
		}
	}
	return true
}

// Incr advances ix to the row-major successor, last dimension fastest.
// Past the final bin, ix[0] becomes nx[0] and IndexOK turns false.
func (g *Grid) Incr(ix []int) {
	for i := len(g.nx) - 1; i >= 0; i-- {
		ix[i]++
		if ix[i] < g.nx[i] || i == 0 {
			return
		}
		ix[i] = 0
	}
}

// BinOfValue discretizes one coordinate along dimension i. Periodic
// dimensions wrap; out-of-range bins on non-periodic dimensions are
// returned as-is and rejected later by IndexOK.
func (g *Grid) BinOfValue(v float64, i int) int {
	b := int(math.Floor((v - g.lower[i]) / g.widths[i]))
	if g.periodic[i] {
		b %= g.nx[i]
		if b < 0 {
			b += g.nx[i]
		}
	}
	return b
}

// BinOf discretizes a point given as scalar CV values.
func (g *Grid) BinOf(values []colvar.Value) []int {
	ix := make([]int, len(g.nx))
	for i := range g.nx {
		ix[i] = g.BinOfValue(values[i].Real, i)
	}
	return ix
}

// BinToValue returns the center-of-bin coordinate along dimension i.
func (g *Grid) BinToValue(b int, i int) float64 {
	return g.lower[i] + (float64(b)+0.5)*g.widths[i]
}

// Value returns the first stored component of a bin.
func (g *Grid) Value(ix []int) float64 { return g.data[g.address(ix)] }

// ValueAt returns the j-th stored component of a bin.
func (g *Grid) ValueAt(ix []int, j int) float64 { return g.data[g.address(ix)+j] }

// SetValue stores the first component of a bin.
func (g *Grid) SetValue(ix []int, v float64) { g.data[g.address(ix)] = v }

// AccValue adds delta to the first component of a bin.
func (g *Grid) AccValue(ix []int, delta float64) { g.data[g.address(ix)] += delta }

// AccForce adds a per-dimension delta vector to the bin's components.
func (g *Grid) AccForce(ix []int, delta []float64) {
	base := g.address(ix)
	for j := 0; j < g.mult; j++ {
		g.data[base+j] += delta[j]
	}
}

// RawData exposes the flat storage. Callers must not resize it.
func (g *Grid) RawData() []float64 { return g.data }

// BinDistanceFromBoundaries returns the minimum over non-periodic
// dimensions of the distance, in bins, of the point from the nearest
// grid edge. With signed set, points outside the grid yield negative
// distances.
func (g *Grid) BinDistanceFromBoundaries(values []colvar.Value, signed bool) float64 {
	minDist := math.Inf(1)
	for i := range g.nx {
		if g.periodic[i] {
			continue
		}
		v := values[i].Real
		dl := (v - g.lower[i]) / g.widths[i]
		du := (g.upper[i] - v) / g.widths[i]
		d := math.Min(dl, du)
		if !signed && d < 0 {
			d = -d
		}
		if d < minDist {
			minDist = d
		}
	}
	return minDist
}

// MapOnto copies the overlapping region of g into dst. Bins of dst
// whose centers fall outside g keep their current contents.
func (g *Grid) MapOnto(dst *Grid) {
	if dst.mult != g.mult || dst.Dims() != g.Dims() {
		return
	}
	center := make([]colvar.Value, g.Dims())
	for ix := dst.NewIndex(); dst.IndexOK(ix); dst.Incr(ix) {
		for i := range center {
			center[i] = colvar.Scalar(dst.BinToValue(ix[i], i))
		}
		src := g.BinOf(center)
		if !g.IndexOK(src) {
			continue
		}
		sBase := g.address(src)
		dBase := dst.address(ix)
		for j := 0; j < g.mult; j++ {
			dst.data[dBase+j] = g.data[sBase+j]
		}
	}
}

// Resize returns a new grid with the supplied boundaries and sizes,
// carrying over the overlapping contents of g.
func (g *Grid) Resize(nx []int, lower, upper []float64) *Grid {
	ng := newShaped(g.vars, nx, g.widths, lower, upper, g.periodic, g.mult)
	g.MapOnto(ng)
	return ng
}

// SameShape reports whether two grids share geometry exactly.
func (g *Grid) SameShape(o *Grid) bool {
	if g.Dims() != o.Dims() || g.mult != o.mult {
		return false
	}
	for i := range g.nx {
		if g.nx[i] != o.nx[i] || g.lower[i] != o.lower[i] || g.upper[i] != o.upper[i] {
			return false
		}
	}
	return true
}
