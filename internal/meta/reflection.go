package meta

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/PolyachenkoYA/metadyn/internal/colvar"
	"github.com/PolyachenkoYA/metadyn/internal/config"
)

const (
	sideLow = 0
	sideUp  = 1
)

// reflectionParams holds the mirror-hill configuration. use and limit
// are indexed [dimension][side].
type reflectionParams struct {
	enabled bool
	mono    bool
	rng     float64

	use   [][2]bool
	limit [][2]float64
}

// initReflectionParams validates the reflection keys and, with grids
// on, checks that the grid boundaries leave room for the mirrored
// images.
func (b *MetaBias) initReflectionParams(cfg *config.Config) error {
	n := len(b.vars)
	b.refl = reflectionParams{
		use:   make([][2]bool, n),
		limit: make([][2]float64, n),
	}
	if !cfg.UseHillsReflection {
		return nil
	}
	b.refl.enabled = true
	b.refl.mono = cfg.ReflectionTypeMono()
	b.refl.rng = cfg.ReflectionRange

	lowCVs, lowLims, err := reflectionSide(n, cfg.ReflectionLowLimitNCVs, cfg.ReflectionLowLimitCVs, cfg.ReflectionLowLimit, "lower")
	if err != nil {
		return err
	}
	upCVs, upLims, err := reflectionSide(n, cfg.ReflectionUpLimitNCVs, cfg.ReflectionUpLimitCVs, cfg.ReflectionUpLimit, "upper")
	if err != nil {
		return err
	}

	for k, i := range lowCVs {
		if i < 0 || i >= n {
			return fmt.Errorf("%w: reflection CV number is negative or >= the number of variables", ErrInput)
		}
		if !b.vars[i].IsScalar() {
			return fmt.Errorf("%w: hills reflection can be used only with scalar variables", ErrInput)
		}
		b.refl.use[i][sideLow] = true
		b.refl.limit[i][sideLow] = lowLims[k]
		b.logf("reflection condition on a lower limit for CV %d at %g", i, lowLims[k])
	}
	for k, i := range upCVs {
		if i < 0 || i >= n {
			return fmt.Errorf("%w: reflection CV number is negative or >= the number of variables", ErrInput)
		}
		if !b.vars[i].IsScalar() {
			return fmt.Errorf("%w: hills reflection can be used only with scalar variables", ErrInput)
		}
		b.refl.use[i][sideUp] = true
		b.refl.limit[i][sideUp] = upLims[k]
		b.logf("reflection condition on an upper limit for CV %d at %g", i, upLims[k])
	}

	if b.useGrids {
		for i := range b.vars {
			if b.refl.use[i][sideLow] {
				need := b.refl.limit[i][sideLow] - b.refl.rng*b.sigmas[i]
				if b.vars[i].LowerBoundary > need {
					return fmt.Errorf("%w: when using grids, lower boundary for CV %d must be smaller than %g", ErrInput, i, need)
				}
			}
			if b.refl.use[i][sideUp] {
				need := b.refl.limit[i][sideUp] + b.refl.rng*b.sigmas[i]
				if b.vars[i].UpperBoundary < need {
					return fmt.Errorf("%w: when using grids, upper boundary for CV %d must be larger than %g", ErrInput, i, need)
				}
			}
		}
	}
	return nil
}

// reflectionSide resolves one side's (count, CV list, limits) triple.
// An unset count with limits present means one limit per listed CV, or
// per CV in order when no list is given either.
func reflectionSide(nvars, ncvs int, cvs []int, limits []float64, side string) ([]int, []float64, error) {
	if ncvs == 0 && len(cvs) == 0 && len(limits) == 0 {
		return nil, nil, nil
	}
	if len(cvs) == 0 {
		n := ncvs
		if n == 0 {
			n = len(limits)
		}
		if n > nvars {
			n = nvars
		}
		cvs = make([]int, n)
		for i := range cvs {
			cvs[i] = i
		}
	}
	if len(limits) == 0 {
		return nil, nil, fmt.Errorf("%w: %s limits for reflection not provided", ErrInput, side)
	}
	if len(limits) != len(cvs) {
		return nil, nil, fmt.Errorf("%w: %s reflection limits do not match the selected CVs", ErrInput, side)
	}
	return cvs, limits, nil
}

// insideReflectionLimits reports whether the current point is within
// every configured reflection border. Outside, the mirrored hills
// deposited earlier already cover the region and no primary hill is
// added.
func (b *MetaBias) insideReflectionLimits() bool {
	if !b.refl.enabled {
		return true
	}
	for i := range b.vars {
		if b.refl.use[i][sideLow] && b.values[i].Real < b.refl.limit[i][sideLow] {
			return false
		}
		if b.refl.use[i][sideUp] && b.values[i].Real > b.refl.limit[i][sideUp] {
			return false
		}
	}
	return true
}

// reflectHills emits the mirror images of a hill just deposited at the
// current point.
func (b *MetaBias) reflectHills(scale float64) error {
	if !b.refl.enabled {
		return nil
	}
	if b.refl.mono {
		return b.reflectMono(scale)
	}
	return b.reflectMulti(scale)
}

// reflectMono mirrors across each configured limit independently.
func (b *MetaBias) reflectMono(scale float64) error {
	for i := range b.vars {
		for _, side := range []int{sideLow, sideUp} {
			if !b.refl.use[i][side] {
				continue
			}
			lim := b.refl.limit[i][side]
			if math.Abs(lim-b.values[i].Real) >= b.refl.rng*b.sigmas[i] {
				continue
			}
			centers := cloneValues(b.values)
			centers[i] = colvar.Scalar(2*lim - b.values[i].Real)
			if err := b.depositHill(centers, scale); err != nil {
				return err
			}
		}
	}
	return nil
}

// reflectMulti enumerates every non-empty subset of the dimensions and
// every low/up choice per included dimension, emitting one mirrored
// hill per combination whose included dimensions are all within range
// of a configured limit. Masks ascend, then side choices, so the
// emission order is deterministic.
func (b *MetaBias) reflectMulti(scale float64) error {
	n := len(b.vars)
	for mask := 1; mask < 1<<uint(n); mask++ {
		k := bits.OnesCount(uint(mask))
		for choice := 0; choice < 1<<uint(k); choice++ {
			centers := cloneValues(b.values)
			ok := true
			bit := 0
			for i := 0; i < n && ok; i++ {
				if mask&(1<<uint(i)) == 0 {
					continue
				}
				side := sideLow
				if choice&(1<<uint(bit)) != 0 {
					side = sideUp
				}
				bit++
				if !b.refl.use[i][side] {
					ok = false
					break
				}
				lim := b.refl.limit[i][side]
				if math.Abs(lim-b.values[i].Real) >= b.refl.rng*b.sigmas[i] {
					ok = false
					break
				}
				centers[i] = colvar.Scalar(2*lim - b.values[i].Real)
			}
			if !ok {
				continue
			}
			if err := b.depositHill(centers, scale); err != nil {
				return err
			}
		}
	}
	return nil
}

func cloneValues(values []colvar.Value) []colvar.Value {
	out := make([]colvar.Value, len(values))
	for i := range values {
		out[i] = values[i].Clone()
	}
	return out
}
