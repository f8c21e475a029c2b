package meta

import (
	"fmt"
	"math"

	"github.com/PolyachenkoYA/metadyn/internal/colvar"
	"github.com/PolyachenkoYA/metadyn/internal/config"
)

// intervalParams marks, per dimension, the limits beyond which hill
// forces are zeroed. NaN means no limit on that side.
type intervalParams struct {
	low []float64
	up  []float64
}

// initIntervalParams resolves the interval keys; with reflection active
// and no explicit interval, the reflection limits double as interval
// limits.
func (b *MetaBias) initIntervalParams(cfg *config.Config) error {
	n := len(b.vars)
	b.intv = intervalParams{
		low: make([]float64, n),
		up:  make([]float64, n),
	}
	for i := 0; i < n; i++ {
		b.intv.low[i] = math.NaN()
		b.intv.up[i] = math.NaN()
	}

	if !cfg.UseHillsInterval {
		if b.refl.enabled {
			b.logf("reflection active: using by default reflection variables and limits for interval")
			for i := 0; i < n; i++ {
				if b.refl.use[i][sideLow] {
					b.intv.low[i] = b.refl.limit[i][sideLow]
				}
				if b.refl.use[i][sideUp] {
					b.intv.up[i] = b.refl.limit[i][sideUp]
				}
			}
		}
		return nil
	}

	lowCVs, lowLims, err := reflectionSide(n, cfg.IntervalLowLimitNCVs, cfg.IntervalLowLimitCVs, cfg.IntervalLowLimit, "lower")
	if err != nil {
		return err
	}
	upCVs, upLims, err := reflectionSide(n, cfg.IntervalUpLimitNCVs, cfg.IntervalUpLimitCVs, cfg.IntervalUpLimit, "upper")
	if err != nil {
		return err
	}
	for k, i := range lowCVs {
		if i < 0 || i >= n {
			return fmt.Errorf("%w: interval CV number is negative or >= the number of variables", ErrInput)
		}
		if !b.vars[i].IsScalar() {
			return fmt.Errorf("%w: hills interval can be used only with scalar variables", ErrInput)
		}
		b.intv.low[i] = lowLims[k]
		b.logf("hills forces will be removed below %g for CV %d", lowLims[k], i)
	}
	for k, i := range upCVs {
		if i < 0 || i >= n {
			return fmt.Errorf("%w: interval CV number is negative or >= the number of variables", ErrInput)
		}
		if !b.vars[i].IsScalar() {
			return fmt.Errorf("%w: hills interval can be used only with scalar variables", ErrInput)
		}
		b.intv.up[i] = upLims[k]
		b.logf("hills forces will be removed above %g for CV %d", upLims[k], i)
	}
	return nil
}

// applyInterval zeroes force components on dimensions whose current
// value lies outside the configured interval.
func (b *MetaBias) applyInterval(values []colvar.Value) {
	for i := range b.vars {
		if !b.vars[i].IsScalar() {
			continue
		}
		x := values[i].Real
		if (!math.IsNaN(b.intv.low[i]) && x < b.intv.low[i]) ||
			(!math.IsNaN(b.intv.up[i]) && x > b.intv.up[i]) {
			b.forces[i] = colvar.Scalar(0)
		}
	}
}
