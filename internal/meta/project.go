package meta

import (
	"fmt"

	"github.com/PolyachenkoYA/metadyn/internal/colvar"
	"github.com/PolyachenkoYA/metadyn/internal/grid"
)

// projectHills accumulates the given hills into the energy and
// gradient grids, visiting every bin in row-major order. With progress
// set, completion is logged often enough that no more than about 1e6
// bin-hill operations pass between reports.
func (b *MetaBias) projectHills(hills []*Hill, he *grid.Scalar, hg *grid.Gradient, progress bool) error {
	if hg == nil || he == nil {
		return fmt.Errorf("%w: no grid object provided to projectHills", ErrBug)
	}
	if len(hills) == 0 {
		return nil
	}

	n := len(b.vars)
	values := make([]colvar.Value, n)
	forces := make([]colvar.Value, n)
	forceScalars := make([]float64, n)

	printFreq := 1
	if len(hills) < 1000000 {
		printFreq = 1000000 / (len(hills) + 1)
	}

	count := 0
	total := he.NumPoints()
	for ix := he.NewIndex(); he.IndexOK(ix); he.Incr(ix) {
		for i := range values {
			values[i] = colvar.Scalar(he.BinToValue(ix[i], i))
		}

		energyHere := 0.0
		calcHills(b.vars, hills, values, &energyHere)
		he.AccValue(ix, energyHere)

		for i := range forces {
			forces[i] = values[i].Zero()
			calcHillsForce(b.vars, i, hills, values, forces)
			forceScalars[i] = forces[i].Real
		}
		hg.AccumulateForce(ix, forceScalars)

		count++
		if progress && count%printFreq == 0 {
			b.logf("%6.2f%% done", 100.0*float64(count)/float64(total))
		}
	}
	if progress {
		b.logf("100.00%% done")
	}
	return nil
}
