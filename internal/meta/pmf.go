package meta

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/PolyachenkoYA/metadyn/internal/grid"
)

// WritePMF dumps the current free-energy estimate: the accumulated bias
// energy shifted to max = 0, negated, and under well-tempered scaling
// multiplied by (T_bias + T)/T_bias. In multiple-walkers mode the
// combined surface over all replicas is written; the local surface is
// written too when partial output is enabled.
func (b *MetaBias) WritePMF() error {
	if !b.useGrids {
		return fmt.Errorf("%w: writeFreeEnergyFile requires useGrids", ErrBug)
	}

	if !b.comm || b.dumpReplicaFES {
		pmf := b.hillsEnergy.CloneShape()
		pmf.AddGrid(b.hillsEnergy)
		b.finishPMF(pmf)
		suffix := ""
		if b.comm {
			suffix = ".partial"
		}
		if err := b.writePMFFile(pmf, suffix); err != nil {
			return err
		}
	}

	if b.comm {
		pmf := b.hillsEnergy.CloneShape()
		for _, rb := range b.selfAndPeers() {
			pmf.AddGrid(rb.hillsEnergy)
		}
		b.finishPMF(pmf)
		if err := b.writePMFFile(pmf, ""); err != nil {
			return err
		}
	}
	return nil
}

// finishPMF applies the ebmeta correction, the shift and negation, and
// the well-tempered rescaling in place.
func (b *MetaBias) finishPMF(pmf *grid.Scalar) {
	if b.ebmeta && b.targetDist != nil {
		kbt := b.px.TargetTemperature() * b.px.Boltzmann()
		data := pmf.RawData()
		target := b.targetDist.RawData()
		for i := range data {
			if i < len(target) && target[i] > 0 {
				data[i] += kbt * math.Log(target[i])
			} else {
				data[i] = 0
			}
		}
	}

	pmf.AddConstant(-pmf.MaximumValue())
	pmf.MultiplyConstant(-1.0)
	if b.wellTempered {
		pmf.MultiplyConstant((b.biasTemp + b.px.TargetTemperature()) / b.biasTemp)
	}
}

func (b *MetaBias) pmfFileName(suffix string) string {
	name := b.outputPrefix + "." + b.name + suffix
	if b.dumpFESSave {
		name += fmt.Sprintf(".%d", b.step)
	}
	return name + ".pmf"
}

func (b *MetaBias) writePMFFile(pmf *grid.Scalar, suffix string) error {
	path := b.pmfFileName(suffix)
	if !filepath.IsAbs(path) {
		path = filepath.Join(b.px.WorkDir(), path)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: PMF file: %v", ErrFile, err)
	}
	werr := pmf.WriteMulticol(f)
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("%w: PMF file: %v", ErrFile, werr)
	}
	if cerr != nil {
		return fmt.Errorf("%w: PMF file: %v", ErrFile, cerr)
	}
	return nil
}
