package colvar

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/num/quat"
)

// ValueType tags the variant held by a Value.
type ValueType int

const (
	TypeScalar ValueType = iota
	TypeVec3
	TypeUnit3
	TypeUnit3Deriv
	TypeQuaternion
	TypeQuaternionDeriv
	TypeVector
)

func (t ValueType) String() string {
	switch t {
	case TypeScalar:
		return "scalar"
	case TypeVec3:
		return "vector3"
	case TypeUnit3:
		return "unit_vector3"
	case TypeUnit3Deriv:
		return "unit_vector3_derivative"
	case TypeQuaternion:
		return "quaternion"
	case TypeQuaternionDeriv:
		return "quaternion_derivative"
	case TypeVector:
		return "vector"
	}
	return "unset"
}

// Value is a tagged variant covering all collective-variable value kinds.
// Only the field selected by Type is meaningful.
type Value struct {
	Type ValueType
	Real float64
	Vec  [3]float64
	Quat quat.Number
	Vec1 []float64
}

func Scalar(x float64) Value { return Value{Type: TypeScalar, Real: x} }

func Vec3(x, y, z float64) Value { return Value{Type: TypeVec3, Vec: [3]float64{x, y, z}} }

func Quaternion(w, x, y, z float64) Value {
	return Value{Type: TypeQuaternion, Quat: quat.Number{Real: w, Imag: x, Jmag: y, Kmag: z}}
}

func Vector(xs []float64) Value {
	v := make([]float64, len(xs))
	copy(v, xs)
	return Value{Type: TypeVector, Vec1: v}
}

func (v Value) Clone() Value {
	c := v
	if v.Vec1 != nil {
		c.Vec1 = make([]float64, len(v.Vec1))
		copy(c.Vec1, v.Vec1)
	}
	return c
}

// Zero returns a zero value of the same variant and shape.
func (v Value) Zero() Value {
	z := Value{Type: v.Type}
	if v.Vec1 != nil {
		z.Vec1 = make([]float64, len(v.Vec1))
	}
	return z
}

// One returns a value of the same variant and shape with every
// component set to 1.
func (v Value) One() Value {
	o := v.Zero()
	switch v.Type {
	case TypeScalar:
		o.Real = 1
	case TypeVec3, TypeUnit3, TypeUnit3Deriv:
		o.Vec = [3]float64{1, 1, 1}
	case TypeQuaternion, TypeQuaternionDeriv:
		o.Quat = quat.Number{Real: 1, Imag: 1, Jmag: 1, Kmag: 1}
	case TypeVector:
		for i := range o.Vec1 {
			o.Vec1[i] = 1
		}
	}
	return o
}

// Scale returns v multiplied by a real factor.
func (v Value) Scale(s float64) Value {
	c := v.Clone()
	switch v.Type {
	case TypeScalar:
		c.Real *= s
	case TypeVec3, TypeUnit3, TypeUnit3Deriv:
		for i := range c.Vec {
			c.Vec[i] *= s
		}
	case TypeQuaternion, TypeQuaternionDeriv:
		c.Quat = quat.Scale(s, v.Quat)
	case TypeVector:
		for i := range c.Vec1 {
			c.Vec1[i] *= s
		}
	}
	return c
}

// Add accumulates s*w into v in place.
func (v *Value) Add(w Value, s float64) {
	switch v.Type {
	case TypeScalar:
		v.Real += s * w.Real
	case TypeVec3, TypeUnit3, TypeUnit3Deriv:
		for i := range v.Vec {
			v.Vec[i] += s * w.Vec[i]
		}
	case TypeQuaternion, TypeQuaternionDeriv:
		v.Quat = quat.Add(v.Quat, quat.Scale(s, w.Quat))
	case TypeVector:
		for i := range v.Vec1 {
			v.Vec1[i] += s * w.Vec1[i]
		}
	}
}

// Sub returns v - w, elementwise in the variant's space.
func (v Value) Sub(w Value) Value {
	c := v.Clone()
	c.Add(w, -1)
	return c
}

// Norm2 is the squared euclidean norm in the variant's embedding space.
func (v Value) Norm2() float64 {
	switch v.Type {
	case TypeScalar:
		return v.Real * v.Real
	case TypeVec3, TypeUnit3, TypeUnit3Deriv:
		return v.Vec[0]*v.Vec[0] + v.Vec[1]*v.Vec[1] + v.Vec[2]*v.Vec[2]
	case TypeQuaternion, TypeQuaternionDeriv:
		q := v.Quat
		return q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag
	case TypeVector:
		sum := 0.0
		for _, x := range v.Vec1 {
			sum += x * x
		}
		return sum
	}
	return 0
}

// String renders the value in the state-file convention: bare number for
// scalars, parenthesized comma list for compound variants.
func (v Value) String() string {
	switch v.Type {
	case TypeScalar:
		return fmt.Sprintf("%.14e", v.Real)
	case TypeVec3, TypeUnit3, TypeUnit3Deriv:
		return fmt.Sprintf("( %.14e , %.14e , %.14e )", v.Vec[0], v.Vec[1], v.Vec[2])
	case TypeQuaternion, TypeQuaternionDeriv:
		q := v.Quat
		return fmt.Sprintf("( %.14e , %.14e , %.14e , %.14e )", q.Real, q.Imag, q.Jmag, q.Kmag)
	case TypeVector:
		parts := make([]string, len(v.Vec1))
		for i, x := range v.Vec1 {
			parts[i] = fmt.Sprintf("%.14e", x)
		}
		return "( " + strings.Join(parts, " , ") + " )"
	}
	return "0"
}

// ScanValue reads one value of the given variant from a whitespace-token
// scanner. next must yield successive tokens; compound variants consume
// the surrounding parentheses and comma separators.
func ScanValue(t ValueType, dim int, next func() (string, bool)) (Value, error) {
	readFloat := func() (float64, error) {
		tok, ok := next()
		if !ok {
			return 0, fmt.Errorf("colvar: unexpected end of stream")
		}
		var x float64
		if _, err := fmt.Sscanf(tok, "%g", &x); err != nil {
			return 0, fmt.Errorf("colvar: bad number %q", tok)
		}
		return x, nil
	}
	expect := func(want string) error {
		tok, ok := next()
		if !ok || tok != want {
			return fmt.Errorf("colvar: expected %q in value", want)
		}
		return nil
	}
	readCompound := func(n int) ([]float64, error) {
		if err := expect("("); err != nil {
			return nil, err
		}
		xs := make([]float64, n)
		for i := 0; i < n; i++ {
			if i > 0 {
				if err := expect(","); err != nil {
					return nil, err
				}
			}
			x, err := readFloat()
			if err != nil {
				return nil, err
			}
			xs[i] = x
		}
		if err := expect(")"); err != nil {
			return nil, err
		}
		return xs, nil
	}

	switch t {
	case TypeScalar:
		x, err := readFloat()
		if err != nil {
			return Value{}, err
		}
		return Scalar(x), nil
	case TypeVec3, TypeUnit3, TypeUnit3Deriv:
		xs, err := readCompound(3)
		if err != nil {
			return Value{}, err
		}
		return Value{Type: t, Vec: [3]float64{xs[0], xs[1], xs[2]}}, nil
	case TypeQuaternion, TypeQuaternionDeriv:
		xs, err := readCompound(4)
		if err != nil {
			return Value{}, err
		}
		return Value{Type: t, Quat: quat.Number{Real: xs[0], Imag: xs[1], Jmag: xs[2], Kmag: xs[3]}}, nil
	case TypeVector:
		xs, err := readCompound(dim)
		if err != nil {
			return Value{}, err
		}
		return Value{Type: t, Vec1: xs}, nil
	}
	return Value{}, fmt.Errorf("colvar: cannot scan value of type %v", t)
}

func clampAcos(x float64) float64 {
	if x > 1 {
		x = 1
	}
	if x < -1 {
		x = -1
	}
	return math.Acos(x)
}
