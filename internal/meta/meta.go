// Package meta implements the metadynamics biasing engine: hill
// deposition, grid accumulation, well-tempered and ensemble-biased
// scaling, hill reflection, multiple-walker coordination, and state
// checkpointing.
package meta

import (
	"fmt"
	"log"
	"math"
	"os"

	"github.com/PolyachenkoYA/metadyn/internal/colvar"
	"github.com/PolyachenkoYA/metadyn/internal/config"
	"github.com/PolyachenkoYA/metadyn/internal/grid"
	"github.com/PolyachenkoYA/metadyn/internal/proxy"
)

// stateVersion is written into state files; older files may lack the
// explicit keepHills key.
const stateVersion = 20250805

// keepHillsVersion is the first state version carrying an explicit
// keepHills key.
const keepHillsVersion = 20210604

// MetaBias owns the hills, the grids and the deposition schedule of one
// metadynamics bias.
type MetaBias struct {
	name string
	px   proxy.Proxy
	vars []*colvar.Colvar

	outputPrefix string

	hillWeight  float64
	hillWidth   float64
	sigmas      []float64
	newHillFreq int64
	gridsFreq   int64

	useGrids    bool
	rebinGrids  bool
	expandGrids bool
	keepHills   bool

	dumpFES        bool
	dumpFESSave    bool
	dumpReplicaFES bool

	wellTempered bool
	biasTemp     float64

	ebmeta      bool
	targetDist  *grid.Scalar
	ebmetaEquil int64

	refl reflectionParams
	intv intervalParams

	hills         []*Hill
	newHillsBegin int
	offGrid       []*Hill
	hasData       bool

	hillsEnergy    *grid.Scalar
	hillsGradients *grid.Gradient

	step       int64
	values     []colvar.Value
	biasEnergy float64
	forces     []colvar.Value

	restartKeepHills bool
	stateFileStep    int64

	comm              bool
	replicaID         string
	registryFile      string
	replicaUpdateFreq int64
	replicas          []*replicaRecord
	replicaListFile   string
	replicaHillsFile  string
	replicaStateFile  string

	traj *trajWriter

	logger *log.Logger
}

// New builds a bias from a validated config, the CV descriptors, and
// the host proxy.
func New(cfg *config.Config, vars []*colvar.Colvar, px proxy.Proxy) (*MetaBias, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInput, err)
	}
	if len(vars) != len(cfg.Colvars) {
		return nil, fmt.Errorf("%w: %d colvar descriptors for %d configured colvars", ErrInput, len(vars), len(cfg.Colvars))
	}

	b := &MetaBias{
		name:         cfg.Name,
		px:           px,
		vars:         vars,
		outputPrefix: cfg.OutputPrefix,
		hillWeight:   cfg.HillWeight,
		hillWidth:    cfg.HillWidth,
		newHillFreq:  cfg.NewHillFrequency,
		gridsFreq:    cfg.GridsFrequency(),
		useGrids:     cfg.GridsEnabled(),
		rebinGrids:   cfg.RebinGrids,
		keepHills:    cfg.KeepHills,
		dumpFES:      cfg.DumpFES(),
		dumpFESSave:  cfg.KeepFreeEnergyFiles,
		wellTempered: cfg.WellTempered,
		biasTemp:     cfg.BiasTemperature,
		ebmeta:       cfg.EBMeta,
		ebmetaEquil:  cfg.EBMetaEquilSteps,
		comm:         cfg.MultipleReplicas,
		logger:       log.New(os.Stderr, "", log.LstdFlags),
	}

	b.sigmas = make([]float64, len(vars))
	if cfg.HillWidth > 0 {
		for i, v := range vars {
			b.sigmas[i] = v.Width * cfg.HillWidth / 2.0
		}
	} else {
		copy(b.sigmas, cfg.GaussianSigmas)
	}

	if b.useGrids {
		for i, v := range vars {
			if 2.0*b.sigmas[i] < v.Width {
				b.logf("warning: gaussianSigmas is too narrow for the grid spacing along %s", v.Name)
			}
			if v.ExpandBoundaries {
				b.expandGrids = true
				b.logf("will expand grids when the colvar %q approaches its boundaries", v.Name)
			}
		}
		var err error
		if b.hillsEnergy, err = grid.NewScalar(vars, false); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInput, err)
		}
		if b.hillsGradients, err = grid.NewGradient(vars); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInput, err)
		}
	}

	if err := b.initReflectionParams(cfg); err != nil {
		return nil, err
	}
	if err := b.initIntervalParams(cfg); err != nil {
		return nil, err
	}
	if err := b.initEBMetaParams(cfg); err != nil {
		return nil, err
	}

	b.forces = make([]colvar.Value, len(vars))

	b.dumpReplicaFES = cfg.WritePartialFreeEnergyFile
	if b.comm {
		b.replicaID = cfg.ReplicaID
		if b.replicaID == "" {
			if idx := px.ReplicaIndex(); idx >= 0 {
				b.replicaID = fmt.Sprintf("%d", idx)
				b.logf("setting replicaID from communication layer: replicaID = %s", b.replicaID)
			} else {
				return nil, fmt.Errorf("%w: using more than one replica, but replicaID could not be obtained", ErrInput)
			}
		}
		b.registryFile = cfg.ReplicasRegistry
		b.replicaUpdateFreq = cfg.ReplicaUpdateFrequency
		if err := b.setupReplicaOutput(); err != nil {
			return nil, err
		}
	}

	if cfg.WriteHillsTrajectory != "" {
		gz := cfg.WriteHillsTrajectory == "gzip"
		name := b.trajFileName()
		if gz {
			name += ".gz"
		}
		b.traj = newTrajWriter(b.px, name, gz)
	}

	return b, nil
}

func (b *MetaBias) logf(format string, args ...interface{}) {
	prefix := fmt.Sprintf("metadynamics bias %q", b.name)
	if b.comm && b.replicaID != "" {
		prefix += fmt.Sprintf(", replica %q", b.replicaID)
	}
	b.logger.Printf("%s: "+format, append([]interface{}{prefix}, args...)...)
}

// Name returns the bias name.
func (b *MetaBias) Name() string { return b.name }

// NumHills returns the in-memory hill count.
func (b *MetaBias) NumHills() int { return len(b.hills) }

// Hills exposes the in-memory hill sequence. Handles stay valid across
// appends but not across bulk erasures.
func (b *MetaBias) Hills() []*Hill { return b.hills }

// Energy returns the bias energy from the last Update.
func (b *MetaBias) Energy() float64 { return b.biasEnergy }

// Forces returns the bias forces from the last Update, one per CV.
func (b *MetaBias) Forces() []colvar.Value { return b.forces }

// Sigmas returns the Gaussian half-widths.
func (b *MetaBias) Sigmas() []float64 { return append([]float64(nil), b.sigmas...) }

// EnergyGrid exposes the accumulated energy grid (nil without grids).
func (b *MetaBias) EnergyGrid() *grid.Scalar { return b.hillsEnergy }

// minBuffer is the hill-to-boundary distance, in bins, below which a
// hill must stay available for analytic evaluation.
func (b *MetaBias) minBuffer() float64 {
	return 3.0*math.Floor(b.hillWidth) + 1.0
}

// Update runs one simulation step of the bias: grid maintenance, hill
// deposition, projection, replica exchange, then energy and forces at
// the current point.
func (b *MetaBias) Update(step int64, values []colvar.Value) error {
	if len(values) != len(b.vars) {
		return fmt.Errorf("%w: got %d values for %d colvars", ErrBug, len(values), len(b.vars))
	}
	b.step = step
	b.values = values

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(b.updateGridParams())
	keep(b.updateBias())
	keep(b.updateGridData())

	if b.comm && step%b.replicaUpdateFreq == 0 {
		keep(b.replicaShare())
	}

	b.calcEnergy(values)
	b.calcForces(values)
	return firstErr
}

// updateGridParams grows the grids when the walker approaches a soft
// boundary.
func (b *MetaBias) updateGridParams() error {
	if !b.useGrids || !b.expandGrids {
		return nil
	}
	curr := b.hillsEnergy.BinOf(b.values)
	minBuf := int(b.minBuffer())

	sizes := b.hillsEnergy.Sizes()
	lower := b.hillsEnergy.Lower()
	upper := b.hillsEnergy.Upper()
	changed := false

	for i, v := range b.vars {
		if !v.ExpandBoundaries || v.Periodic {
			continue
		}
		if !v.HardLowerBoundary && curr[i] < minBuf {
			extra := minBuf - curr[i]
			lower[i] -= float64(extra) * v.Width
			sizes[i] += extra
			curr[i] += extra
			changed = true
			b.logf("new lower boundary for colvar %q, at %g", v.Name, lower[i])
		}
		if !v.HardUpperBoundary && curr[i] > sizes[i]-minBuf-1 {
			extra := curr[i] - (sizes[i] - 1) + minBuf
			upper[i] += float64(extra) * v.Width
			sizes[i] += extra
			changed = true
			b.logf("new upper boundary for colvar %q, at %g", v.Name, upper[i])
		}
	}
	if changed {
		b.hillsEnergy = b.hillsEnergy.Resize(sizes, lower, upper)
		b.hillsGradients = b.hillsGradients.Resize(sizes, lower, upper)
	}
	return nil
}

// depositionScale combines the ebmeta and well-tempered factors for a
// hill deposited at the current point.
func (b *MetaBias) depositionScale() float64 {
	scale := 1.0

	if b.ebmeta {
		bin := b.targetDist.BinOf(b.values)
		if b.targetDist.IndexOK(bin) {
			s := 1.0 / b.targetDist.Value(bin)
			if b.step <= b.ebmetaEquil && b.ebmetaEquil > 0 {
				lambda := float64(b.ebmetaEquil-b.step) / float64(b.ebmetaEquil)
				s = lambda + (1-lambda)*s
			}
			scale *= s
		}
	}

	if b.wellTempered {
		energyHere := 0.0
		if b.useGrids {
			bin := b.hillsEnergy.BinOf(b.values)
			if b.hillsEnergy.IndexOK(bin) {
				energyHere = b.hillsEnergy.Value(bin)
			} else {
				calcHills(b.vars, b.offGrid, b.values, &energyHere)
				calcHills(b.vars, b.hills[b.newHillsBegin:], b.values, &energyHere)
			}
		} else {
			calcHills(b.vars, b.hills[b.newHillsBegin:], b.values, &energyHere)
		}
		scale *= math.Exp(-energyHere / (b.biasTemp * b.px.Boltzmann()))
	}

	return scale
}

// updateBias deposits a new hill (and any reflected images) on the
// deposition schedule.
func (b *MetaBias) updateBias() error {
	if b.step%b.newHillFreq != 0 {
		return nil
	}

	scale := b.depositionScale()

	// no primary hill beyond a reflection border: the mirrored images
	// already cover that region
	if !b.insideReflectionLimits() {
		return nil
	}

	if err := b.depositHill(b.values, scale); err != nil {
		return err
	}
	return b.reflectHills(scale)
}

// depositHill creates a hill at the given centers, records it, and in
// multiple-walkers mode appends it to this replica's hills file.
func (b *MetaBias) depositHill(centers []colvar.Value, scale float64) error {
	replica := ""
	if b.comm {
		replica = b.replicaID
	}
	h := newHill(b.step, b.hillWeight*scale, centers, b.sigmas, replica)
	b.addHill(h)

	if b.comm {
		w, err := b.px.OutputStream(b.replicaHillsFile)
		if err != nil {
			return fmt.Errorf("%w: while writing hills for the other replicas: %v", ErrFile, err)
		}
		if err := writeHillText(w, h); err != nil {
			return fmt.Errorf("%w: while writing hills for the other replicas: %v", ErrFile, err)
		}
	}
	return nil
}

// appendHill adds to the hill sequence and tracks the off-grid subset.
func (b *MetaBias) appendHill(h *Hill) {
	b.hills = append(b.hills, h)

	if b.useGrids {
		minDist := b.hillsEnergy.BinDistanceFromBoundaries(h.Centers, true)
		if minDist < b.minBuffer() {
			b.offGrid = append(b.offGrid, h)
		}
	}
	b.hasData = true
}

// addHill appends a freshly deposited hill and buffers its trajectory
// record. Hills restored from streams bypass the trajectory buffer.
func (b *MetaBias) addHill(h *Hill) {
	b.appendHill(h)
	if b.traj != nil {
		b.traj.record(h)
	}
}

// DeleteHill removes one hill by identity from the sequence and the
// off-grid subset. The trajectory buffer records the deletion.
func (b *MetaBias) DeleteHill(h *Hill) {
	for i, x := range b.hills {
		if x == h {
			b.hills = append(b.hills[:i], b.hills[i+1:]...)
			if i < b.newHillsBegin {
				b.newHillsBegin--
			}
			break
		}
	}
	for i, x := range b.offGrid {
		if x == h {
			b.offGrid = append(b.offGrid[:i], b.offGrid[i+1:]...)
			break
		}
	}
	if b.traj != nil {
		b.traj.recordDeleted(h)
	}
}

// updateGridData projects freshly deposited hills into the grids on the
// projection schedule.
func (b *MetaBias) updateGridData() error {
	if !b.useGrids || b.step%b.gridsFreq != 0 {
		return nil
	}
	if err := b.projectHills(b.hills[b.newHillsBegin:], b.hillsEnergy, b.hillsGradients, false); err != nil {
		return err
	}
	b.advanceProjected()

	for _, r := range b.replicas {
		if err := r.bias.projectHills(r.bias.hills[r.bias.newHillsBegin:], r.bias.hillsEnergy, r.bias.hillsGradients, false); err != nil {
			return err
		}
		r.bias.advanceProjected()
	}
	return nil
}

// advanceProjected marks all hills projected, erasing them when they
// are not kept. Off-grid hills survive the erase.
func (b *MetaBias) advanceProjected() {
	if !b.keepHills {
		b.hills = b.hills[:0]
		b.newHillsBegin = 0
		return
	}
	b.newHillsBegin = len(b.hills)
}

// calcEnergy evaluates the total bias energy at the given point: grid
// fast path plus analytic off-grid and unprojected tails, over the
// local bias and every peer shadow bias.
func (b *MetaBias) calcEnergy(values []colvar.Value) {
	b.biasEnergy = 0
	for _, r := range b.replicas {
		r.bias.biasEnergy = 0
	}

	all := b.selfAndPeers()
	if b.useGrids {
		bin := b.hillsEnergy.BinOf(values)
		if b.hillsEnergy.IndexOK(bin) {
			for _, rb := range all {
				b.biasEnergy += rb.hillsEnergy.Value(bin)
			}
		} else {
			for _, rb := range all {
				calcHills(b.vars, rb.offGrid, values, &b.biasEnergy)
			}
		}
	}

	for _, rb := range all {
		calcHills(b.vars, rb.hills[rb.newHillsBegin:], values, &b.biasEnergy)
	}
}

// calcForces evaluates the bias forces at the given point, then applies
// interval clipping.
func (b *MetaBias) calcForces(values []colvar.Value) {
	for i := range b.forces {
		b.forces[i] = values[i].Zero()
	}

	all := b.selfAndPeers()
	if b.useGrids {
		bin := b.hillsEnergy.BinOf(values)
		if b.hillsEnergy.IndexOK(bin) {
			for _, rb := range all {
				g := rb.hillsGradients.Gradient(bin)
				for i := range b.vars {
					// stored as gradients, applied as forces
					b.forces[i].Real += -g[i]
				}
			}
		} else {
			for _, rb := range all {
				for i := range b.vars {
					calcHillsForce(b.vars, i, rb.offGrid, values, b.forces)
				}
			}
		}
	}

	for _, rb := range all {
		for i := range b.vars {
			calcHillsForce(b.vars, i, rb.hills[rb.newHillsBegin:], values, b.forces)
		}
	}

	b.applyInterval(values)
}

// EnergyAt evaluates the bias energy at an arbitrary point without
// advancing the bias.
func (b *MetaBias) EnergyAt(values []colvar.Value) float64 {
	b.calcEnergy(values)
	return b.biasEnergy
}

// ForcesAt evaluates the bias forces at an arbitrary point without
// advancing the bias.
func (b *MetaBias) ForcesAt(values []colvar.Value) []colvar.Value {
	// the analytic force terms reuse hill values cached by calcEnergy
	b.calcEnergy(values)
	b.calcForces(values)
	return b.forces
}

// selfAndPeers lists this bias first, then the shadow biases.
func (b *MetaBias) selfAndPeers() []*MetaBias {
	out := make([]*MetaBias, 0, 1+len(b.replicas))
	out = append(out, b)
	for _, r := range b.replicas {
		out = append(out, r.bias)
	}
	return out
}

// recountOffGrid rebuilds the off-grid subset from scratch.
func (b *MetaBias) recountOffGrid() {
	b.offGrid = b.offGrid[:0]
	if !b.useGrids {
		return
	}
	for _, h := range b.hills {
		if b.hillsEnergy.BinDistanceFromBoundaries(h.Centers, true) < b.minBuffer() {
			b.offGrid = append(b.offGrid, h)
		}
	}
}

// WriteOutputFiles emits the PMF (if enabled) and flushes the hills
// trajectory buffer.
func (b *MetaBias) WriteOutputFiles() error {
	var firstErr error
	if b.dumpFES {
		if err := b.WritePMF(); err != nil {
			firstErr = err
		}
	}
	if b.traj != nil {
		if err := b.traj.flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (b *MetaBias) trajFileName() string {
	name := b.outputPrefix + ".colvars." + b.name
	if b.comm {
		name += "." + b.replicaID
	}
	return name + ".hills.traj"
}

// Close releases output streams held on the proxy.
func (b *MetaBias) Close() error {
	var firstErr error
	if b.traj != nil {
		if err := b.traj.close(); err != nil {
			firstErr = err
		}
	}
	if b.comm {
		if err := b.px.CloseOutputStream(b.replicaHillsFile); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
