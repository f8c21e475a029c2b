// Package colvar describes collective variables as the biasing engine
// sees them: a value variant, a grid spacing, boundaries, and the
// distance metric of the variable's own space.
package colvar

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
)

// Colvar is the descriptor of one collective variable. The biasing
// engine never evaluates a CV itself; it receives values from the MD
// proxy and uses this descriptor for metric and grid geometry.
type Colvar struct {
	Name  string
	Type  ValueType
	Width float64

	LowerBoundary float64
	UpperBoundary float64

	// Hard boundaries can never move; soft ones may be pushed out by
	// grid expansion.
	HardLowerBoundary bool
	HardUpperBoundary bool
	ExpandBoundaries  bool

	Periodic bool
	Period   float64

	// VectorDim is the length of TypeVector values.
	VectorDim int
}

// NewScalar builds the common case: a scalar CV with the given grid
// geometry.
func NewScalar(name string, width, lb, ub float64) *Colvar {
	return &Colvar{Name: name, Type: TypeScalar, Width: width, LowerBoundary: lb, UpperBoundary: ub}
}

// wrap maps a scalar difference into [-period/2, period/2].
func (c *Colvar) wrap(d float64) float64 {
	if !c.Periodic || c.Period <= 0 {
		return d
	}
	d -= c.Period * math.Round(d/c.Period)
	return d
}

// Dist2 is the squared distance between two values in this CV's metric.
func (c *Colvar) Dist2(a, b Value) float64 {
	switch c.Type {
	case TypeScalar:
		d := c.wrap(a.Real - b.Real)
		return d * d
	case TypeVec3, TypeUnit3, TypeUnit3Deriv, TypeVector:
		return a.Sub(b).Norm2()
	case TypeQuaternion, TypeQuaternionDeriv:
		// Geodesic distance between orientations; q and -q are the
		// same rotation.
		ip := quatInner(a.Quat, b.Quat)
		theta := 2 * clampAcos(math.Abs(ip))
		return theta * theta
	}
	return 0
}

// Dist2LGrad is the gradient of Dist2 with respect to the first
// argument, returned in the same variant.
func (c *Colvar) Dist2LGrad(a, b Value) Value {
	switch c.Type {
	case TypeScalar:
		return Scalar(2 * c.wrap(a.Real-b.Real))
	case TypeVec3, TypeUnit3, TypeUnit3Deriv, TypeVector:
		return a.Sub(b).Scale(2)
	case TypeQuaternion, TypeQuaternionDeriv:
		ip := quatInner(a.Quat, b.Quat)
		abs := math.Abs(ip)
		if abs >= 1-1e-12 {
			return a.Zero()
		}
		theta := 2 * clampAcos(abs)
		sign := 1.0
		if ip < 0 {
			sign = -1.0
		}
		coeff := -4 * theta * sign / math.Sqrt(1-ip*ip)
		g := a.Zero()
		g.Quat = quat.Scale(coeff, b.Quat)
		return g
	}
	return a.Zero()
}

func quatInner(a, b quat.Number) float64 {
	return a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
}

// Scalar CVs are the only kind the grids and the reflection planner
// accept.
func (c *Colvar) IsScalar() bool { return c.Type == TypeScalar }
