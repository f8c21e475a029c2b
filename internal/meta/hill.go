package meta

import (
	"math"

	"github.com/PolyachenkoYA/metadyn/internal/colvar"
)

// hillCutoff is the squared-deviation threshold beyond which a hill's
// value is taken as zero (exp(-23/2) is about 1e-5 of the peak).
const hillCutoff = 23.0

// Hill is one Gaussian deposit. Hills are immutable after creation
// except for the cached value updated during evaluation.
type Hill struct {
	It      int64
	W       float64
	Centers []colvar.Value
	Sigmas  []float64
	Replica string

	value float64
}

func newHill(it int64, w float64, centers []colvar.Value, sigmas []float64, replica string) *Hill {
	h := &Hill{
		It:      it,
		W:       w,
		Centers: make([]colvar.Value, len(centers)),
		Sigmas:  make([]float64, len(sigmas)),
		Replica: replica,
	}
	for i := range centers {
		h.Centers[i] = centers[i].Clone()
	}
	copy(h.Sigmas, sigmas)
	return h
}

// Value is the cached Gaussian value from the last evaluation.
func (h *Hill) Value() float64 { return h.value }

// Energy is W times the cached value.
func (h *Hill) Energy() float64 { return h.W * h.value }

// calcHills evaluates each hill at the given point and accumulates the
// total energy. The per-hill value is cached for the force pass.
func calcHills(vars []*colvar.Colvar, hills []*Hill, values []colvar.Value, energy *float64) {
	for _, h := range hills {
		sq := 0.0
		for i, v := range vars {
			sigma := h.Sigmas[i]
			sq += v.Dist2(values[i], h.Centers[i]) / (sigma * sigma)
		}
		if sq > hillCutoff {
			h.value = 0
		} else {
			h.value = math.Exp(-0.5 * sq)
		}
		*energy += h.Energy()
	}
}

// calcHillsForce accumulates into forces[i] the i-th component of the
// hills' force, using the CV's own metric gradient. Hills must have
// been evaluated by calcHills at the same point first.
func calcHillsForce(vars []*colvar.Colvar, i int, hills []*Hill, values []colvar.Value, forces []colvar.Value) {
	x := values[i]
	for _, h := range hills {
		if h.value == 0 {
			continue
		}
		sigma := h.Sigmas[i]
		grad := vars[i].Dist2LGrad(x, h.Centers[i])
		forces[i].Add(grad, h.W*h.value*(0.5/(sigma*sigma)))
	}
}
