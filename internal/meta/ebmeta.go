package meta

import (
	"fmt"
	"math"
	"os"

	"github.com/PolyachenkoYA/metadyn/internal/config"
	"github.com/PolyachenkoYA/metadyn/internal/grid"
)

// initEBMetaParams loads and conditions the ensemble-biased target
// distribution.
func (b *MetaBias) initEBMetaParams(cfg *config.Config) error {
	if !cfg.EBMeta {
		return nil
	}
	f, err := os.Open(cfg.TargetDistFile)
	if err != nil {
		return fmt.Errorf("%w: ebMeta target histogram: %v", ErrFile, err)
	}
	defer f.Close()
	target, err := grid.ReadMulticolScalar(f, b.vars)
	if err != nil {
		return fmt.Errorf("%w: ebMeta target histogram: %v", ErrInput, err)
	}

	if target.MinimumValue() < 0 {
		return fmt.Errorf("%w: target distribution of EBMetaD has negative values", ErrInput)
	}

	minVal := cfg.TargetDistMinVal
	if minVal > 0 && minVal < 1 {
		target.RemoveSmallValues(target.MaximumValue() * minVal)
	} else if minVal == 0 {
		b.logf("targetDistMinVal is zero, using the minimum positive value of the target distribution")
		minPos := target.MinimumPosValue()
		if minPos <= 0 {
			return fmt.Errorf("%w: target distribution of EBMetaD has no positive values", ErrInput)
		}
		if target.MinimumValue() == 0 {
			b.logf("warning: target distribution has zero values, converting them to the minimum positive value")
			target.RemoveSmallValues(minPos)
		}
	} else {
		return fmt.Errorf("%w: targetDistMinVal must be a value between 0 and 1", ErrInput)
	}

	// normalize, then multiply by the effective volume exp(entropy);
	// existing restarts depend on this exact convention
	target.MultiplyConstant(1.0 / target.Integral())
	target.MultiplyConstant(math.Exp(target.Entropy()))

	b.targetDist = target
	return nil
}
