package grid

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/PolyachenkoYA/metadyn/internal/colvar"
)

// Scalar is a grid with one energy (or probability) value per bin.
type Scalar struct {
	Grid
}

// NewScalar allocates a scalar grid over the given CVs.
func NewScalar(vars []*colvar.Colvar, margin bool) (*Scalar, error) {
	g, err := New(vars, 1, margin)
	if err != nil {
		return nil, err
	}
	return &Scalar{Grid: *g}, nil
}

// NewScalarShaped allocates a scalar grid with explicit geometry.
func NewScalarShaped(vars []*colvar.Colvar, nx []int, widths, lower, upper []float64, periodic []bool) *Scalar {
	return &Scalar{Grid: *newShaped(vars, nx, widths, lower, upper, periodic, 1)}
}

func (s *Scalar) MaximumValue() float64 { return floats.Max(s.data) }
func (s *Scalar) MinimumValue() float64 { return floats.Min(s.data) }

// MinimumPosValue is the smallest strictly positive entry, or 0 when
// none exists.
func (s *Scalar) MinimumPosValue() float64 {
	minpos := 0.0
	for _, v := range s.data {
		if v > 0 && (minpos == 0 || v < minpos) {
			minpos = v
		}
	}
	return minpos
}

func (s *Scalar) binVolume() float64 {
	vol := 1.0
	for _, w := range s.widths {
		vol *= w
	}
	return vol
}

// Integral is the bin volume times the sum of all entries.
func (s *Scalar) Integral() float64 { return s.binVolume() * floats.Sum(s.data) }

// Entropy is the differential entropy of the grid treated as a density:
// bin volume times sum of -p*ln(p) over strictly positive entries.
func (s *Scalar) Entropy() float64 {
	sum := 0.0
	for _, v := range s.data {
		if v > 0 {
			sum -= v * math.Log(v)
		}
	}
	return s.binVolume() * sum
}

// RemoveSmallValues replaces every entry below thr with thr.
func (s *Scalar) RemoveSmallValues(thr float64) {
	for i, v := range s.data {
		if v < thr {
			s.data[i] = thr
		}
	}
}

func (s *Scalar) MultiplyConstant(c float64) { floats.Scale(c, s.data) }
func (s *Scalar) AddConstant(c float64)      { floats.AddConst(c, s.data) }

// AddGrid accumulates another scalar grid of identical shape.
func (s *Scalar) AddGrid(o *Scalar) {
	if len(o.data) == len(s.data) {
		floats.Add(s.data, o.data)
	}
}

func (s *Scalar) Reset() {
	for i := range s.data {
		s.data[i] = 0
	}
}

// SimplexProj projects the non-zero entries onto the probability
// simplex (Wang and Carreira-Perpinan, 2013): sort descending, find the
// largest rho with p[rho-1] + (1/rho)(1 - sum_{i<rho} p[i]) > 0, shift
// everything by lambda = (1/rho)(1 - sum_{i<rho} p[i]) and clip at zero.
func (s *Scalar) SimplexProj() {
	var prob []float64
	for _, v := range s.data {
		if v != 0 {
			prob = append(prob, v)
		}
	}
	if len(prob) == 0 {
		return
	}
	sorted := append([]float64(nil), prob...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))

	sum := 0.0
	rho := 0
	for i, p := range sorted {
		sum += p
		if p+(1.0/float64(i+1))*(1.0-sum) > 0 {
			rho = i + 1
		}
	}
	sum = floats.Sum(sorted[:rho])
	lambda := (1.0 / float64(rho)) * (1.0 - sum)

	k := 0
	for i, v := range s.data {
		if v == 0 {
			continue
		}
		p := prob[k] + lambda
		if p < 0 {
			p = 0
		}
		s.data[i] = p
		k++
	}
}

// Resize reallocates with new geometry, mapping the old contents in.
func (s *Scalar) Resize(nx []int, lower, upper []float64) *Scalar {
	return &Scalar{Grid: *s.Grid.Resize(nx, lower, upper)}
}

// CloneShape returns an empty scalar grid of identical geometry.
func (s *Scalar) CloneShape() *Scalar {
	return NewScalarShaped(s.vars, s.nx, s.widths, s.lower, s.upper, s.periodic)
}
