package meta

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/PolyachenkoYA/metadyn/internal/colvar"
	"github.com/PolyachenkoYA/metadyn/internal/config"
	"github.com/PolyachenkoYA/metadyn/internal/proxy"
)

func boolPtr(b bool) *bool { return &b }

func scalarVars(width, lb, ub float64, n int) []*colvar.Colvar {
	vars := make([]*colvar.Colvar, n)
	names := []string{"x", "y", "z"}
	for i := range vars {
		vars[i] = colvar.NewScalar(names[i], width, lb, ub)
	}
	return vars
}

func baseConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Colvars = []config.ColvarConfig{{Name: "x", Width: 0.1, LowerBoundary: 0, UpperBoundary: 1}}
	cfg.HillWeight = 1.0
	cfg.GaussianSigmas = []float64{0.2}
	cfg.UseGrids = boolPtr(false)
	return cfg
}

func newTestBias(t *testing.T, cfg *config.Config, vars []*colvar.Colvar) *MetaBias {
	t.Helper()
	px := proxy.NewFileProxy(t.TempDir(), 1.0, 1.0)
	b, err := New(cfg, vars, px)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func vals(xs ...float64) []colvar.Value {
	out := make([]colvar.Value, len(xs))
	for i, x := range xs {
		out[i] = colvar.Scalar(x)
	}
	return out
}

func TestSingleHillEnergyAndForce(t *testing.T) {
	b := newTestBias(t, baseConfig(), scalarVars(0.1, 0, 1, 1))

	if err := b.Update(0, vals(0.0)); err != nil {
		t.Fatal(err)
	}
	if b.NumHills() != 1 {
		t.Fatalf("expected 1 hill, got %d", b.NumHills())
	}

	if err := b.Update(1, vals(0.2)); err != nil {
		t.Fatal(err)
	}
	wantE := math.Exp(-0.5) // exp(-0.5*(0.2/0.2)^2)
	if math.Abs(b.Energy()-wantE) > 1e-10 {
		t.Errorf("expected energy %f, got %f", wantE, b.Energy())
	}
	wantF := wantE * (0.5 / 0.04) * 2 * 0.2 // 3.033
	if math.Abs(b.Forces()[0].Real-wantF) > 1e-10 {
		t.Errorf("expected force %f, got %f", wantF, b.Forces()[0].Real)
	}
}

func TestHillCutoff(t *testing.T) {
	b := newTestBias(t, baseConfig(), scalarVars(0.1, 0, 1, 1))
	if err := b.Update(0, vals(0.0)); err != nil {
		t.Fatal(err)
	}
	// (1.2/0.2)^2 = 36 > 23: the hill contributes exactly zero
	if got := b.EnergyAt(vals(1.2)); got != 0 {
		t.Errorf("expected zero energy beyond the cutoff, got %g", got)
	}
}

func TestWellTemperedScaling(t *testing.T) {
	cfg := baseConfig()
	cfg.WellTempered = true
	cfg.BiasTemperature = 1.0 // with kB = 1 and T = 1, kT_bias = 1
	b := newTestBias(t, cfg, scalarVars(0.1, 0, 1, 1))

	if err := b.Update(0, vals(0.0)); err != nil {
		t.Fatal(err)
	}
	if math.Abs(b.hills[0].W-1.0) > 1e-12 {
		t.Fatalf("first hill deposited on a flat bias should keep full weight, got %f", b.hills[0].W)
	}

	if err := b.Update(1000, vals(0.2)); err != nil {
		t.Fatal(err)
	}
	want := math.Exp(-math.Exp(-0.5)) // exp(-E(0.2)/kT_bias)
	if math.Abs(b.hills[1].W-want) > 1e-10 {
		t.Errorf("expected well-tempered weight %f, got %f", want, b.hills[1].W)
	}
}

func TestReflectionMono(t *testing.T) {
	cfg := baseConfig()
	cfg.GaussianSigmas = []float64{0.1}
	cfg.UseHillsReflection = true
	cfg.ReflectionUpLimit = []float64{1.0}
	b := newTestBias(t, cfg, scalarVars(0.1, 0, 1, 1))

	if err := b.Update(0, vals(0.95)); err != nil {
		t.Fatal(err)
	}
	if b.NumHills() != 2 {
		t.Fatalf("expected the primary and one mirrored hill, got %d", b.NumHills())
	}
	if math.Abs(b.hills[0].Centers[0].Real-0.95) > 1e-12 {
		t.Errorf("primary hill at %f", b.hills[0].Centers[0].Real)
	}
	if math.Abs(b.hills[1].Centers[0].Real-1.05) > 1e-12 {
		t.Errorf("mirrored hill at %f, expected 1.05", b.hills[1].Centers[0].Real)
	}
	if b.hills[1].Sigmas[0] != b.hills[0].Sigmas[0] {
		t.Error("mirrored hill must keep the same sigmas")
	}
}

func TestReflectionOutOfRangeAddsNoMirror(t *testing.T) {
	cfg := baseConfig()
	cfg.GaussianSigmas = []float64{0.1}
	cfg.UseHillsReflection = true
	cfg.ReflectionUpLimit = []float64{1.0}
	b := newTestBias(t, cfg, scalarVars(0.1, 0, 1, 1))

	// 0.7 from the limit, beyond the 6*sigma = 0.6 range: no mirror
	if err := b.Update(0, vals(0.3)); err != nil {
		t.Fatal(err)
	}
	if b.NumHills() != 1 {
		t.Errorf("expected only the primary hill, got %d", b.NumHills())
	}
}

func TestNoDepositionBeyondReflectionLimit(t *testing.T) {
	cfg := baseConfig()
	cfg.GaussianSigmas = []float64{0.1}
	cfg.UseHillsReflection = true
	cfg.ReflectionUpLimit = []float64{1.0}
	b := newTestBias(t, cfg, scalarVars(0.1, 0, 1, 1))

	if err := b.Update(0, vals(1.05)); err != nil {
		t.Fatal(err)
	}
	if b.NumHills() != 0 {
		t.Errorf("expected no hills beyond the reflection limit, got %d", b.NumHills())
	}
}

func TestReflectionMultid(t *testing.T) {
	cfg := baseConfig()
	cfg.Colvars = []config.ColvarConfig{
		{Name: "x", Width: 0.1, LowerBoundary: 0, UpperBoundary: 1},
		{Name: "y", Width: 0.1, LowerBoundary: 0, UpperBoundary: 1},
	}
	cfg.GaussianSigmas = []float64{0.1, 0.1}
	cfg.UseHillsReflection = true
	cfg.ReflectionType = "multiDimensional"
	cfg.ReflectionUpLimit = []float64{1.0, 1.0}
	b := newTestBias(t, cfg, scalarVars(0.1, 0, 1, 2))

	if err := b.Update(0, vals(0.95, 0.97)); err != nil {
		t.Fatal(err)
	}
	// primary + {x}, {y}, {x,y} mirrors
	if b.NumHills() != 4 {
		t.Fatalf("expected 4 hills, got %d", b.NumHills())
	}
	found := map[[2]float64]bool{}
	for _, h := range b.hills {
		found[[2]float64{round6(h.Centers[0].Real), round6(h.Centers[1].Real)}] = true
	}
	for _, want := range [][2]float64{{0.95, 0.97}, {1.05, 0.97}, {0.95, 1.03}, {1.05, 1.03}} {
		if !found[want] {
			t.Errorf("missing hill at %v; have %v", want, found)
		}
	}
}

func round6(x float64) float64 { return math.Round(x*1e6) / 1e6 }

func TestReflectionBoundaryBufferCheck(t *testing.T) {
	cfg := baseConfig()
	cfg.UseGrids = boolPtr(true)
	cfg.GaussianSigmas = []float64{0.1}
	cfg.UseHillsReflection = true
	// needs ub >= 1.0 + 6*0.1 = 1.6, but the grid ends at 1.0
	cfg.ReflectionUpLimit = []float64{1.0}
	px := proxy.NewFileProxy(t.TempDir(), 1.0, 1.0)
	if _, err := New(cfg, scalarVars(0.1, 0, 1, 1), px); err == nil {
		t.Fatal("expected a boundary-buffer input error")
	}
}

func TestIntervalClipsForces(t *testing.T) {
	cfg := baseConfig()
	cfg.UseHillsInterval = true
	cfg.IntervalUpLimit = []float64{1.0}
	b := newTestBias(t, cfg, scalarVars(0.1, 0, 1, 1))

	if err := b.Update(0, vals(0.9)); err != nil {
		t.Fatal(err)
	}
	f := b.ForcesAt(vals(1.1))
	if f[0].Real != 0 {
		t.Errorf("expected clipped force outside the interval, got %g", f[0].Real)
	}
	if e := b.EnergyAt(vals(1.1)); e <= 0 {
		t.Errorf("energy must survive interval clipping, got %g", e)
	}
	if f := b.ForcesAt(vals(0.7)); f[0].Real == 0 {
		t.Error("expected a non-zero force inside the interval")
	}
}

func TestIntervalDefaultsToReflectionLimits(t *testing.T) {
	cfg := baseConfig()
	cfg.GaussianSigmas = []float64{0.1}
	cfg.UseHillsReflection = true
	cfg.ReflectionUpLimit = []float64{1.0}
	b := newTestBias(t, cfg, scalarVars(0.1, 0, 1, 1))

	if err := b.Update(0, vals(0.95)); err != nil {
		t.Fatal(err)
	}
	if f := b.ForcesAt(vals(1.02)); f[0].Real != 0 {
		t.Errorf("expected force clipped past the reflection limit, got %g", f[0].Real)
	}
}

func TestGridProjectionMatchesAnalytic(t *testing.T) {
	cfg := baseConfig()
	cfg.UseGrids = boolPtr(true)
	cfg.GaussianSigmas = []float64{0.05}
	cfg.NewHillFrequency = 1
	cfg.GridsUpdateFrequency = 1
	b := newTestBias(t, cfg, scalarVars(0.1, 0, 1, 1))

	centers := []float64{0.35, 0.5, 0.65, 0.42, 0.58}
	for i, c := range centers {
		if err := b.Update(int64(i), vals(c)); err != nil {
			t.Fatal(err)
		}
	}
	// hills are projected and erased every step
	if b.NumHills() != 0 {
		t.Fatalf("expected hills erased after projection, got %d", b.NumHills())
	}

	for _, q := range []float64{0.45, 0.55, 0.35} {
		want := 0.0
		for _, c := range centers {
			sq := (q - c) * (q - c) / (0.05 * 0.05)
			if sq <= hillCutoff {
				want += math.Exp(-0.5 * sq)
			}
		}
		got := b.EnergyAt(vals(q))
		if math.Abs(got-want) > 1e-9 {
			t.Errorf("at %f: grid energy %f vs analytic %f", q, got, want)
		}
	}
}

func TestGridForceMatchesAnalytic(t *testing.T) {
	cfg := baseConfig()
	cfg.UseGrids = boolPtr(true)
	cfg.GaussianSigmas = []float64{0.05}
	cfg.NewHillFrequency = 1
	cfg.GridsUpdateFrequency = 1
	b := newTestBias(t, cfg, scalarVars(0.1, 0, 1, 1))

	if err := b.Update(0, vals(0.5)); err != nil {
		t.Fatal(err)
	}

	q := 0.55 // a bin center
	sq := (q - 0.5) * (q - 0.5) / (0.05 * 0.05)
	want := math.Exp(-0.5*sq) * (0.5 / (0.05 * 0.05)) * 2 * (q - 0.5)
	got := b.ForcesAt(vals(q))[0].Real
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("grid force %f vs analytic %f", got, want)
	}
}

func TestOffGridHillsSurviveErase(t *testing.T) {
	cfg := baseConfig()
	cfg.UseGrids = boolPtr(true)
	cfg.GaussianSigmas = []float64{0.05}
	cfg.NewHillFrequency = 1
	cfg.GridsUpdateFrequency = 1
	b := newTestBias(t, cfg, scalarVars(0.1, 0, 1, 1))

	// a hill right at the edge lands in the off-grid set
	if err := b.Update(0, vals(0.02)); err != nil {
		t.Fatal(err)
	}
	if b.NumHills() != 0 {
		t.Fatal("expected the hill list erased after projection")
	}
	if len(b.offGrid) != 1 {
		t.Fatalf("expected 1 off-grid hill, got %d", len(b.offGrid))
	}
	// outside the grid only the off-grid set contributes
	got := b.EnergyAt(vals(-0.02))
	want := math.Exp(-0.5 * (0.04 * 0.04) / (0.05 * 0.05))
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("off-grid energy %f vs analytic %f", got, want)
	}
}

func TestKeepHillsRetainsList(t *testing.T) {
	cfg := baseConfig()
	cfg.UseGrids = boolPtr(true)
	cfg.KeepHills = true
	cfg.GaussianSigmas = []float64{0.05}
	cfg.NewHillFrequency = 1
	cfg.GridsUpdateFrequency = 1
	b := newTestBias(t, cfg, scalarVars(0.1, 0, 1, 1))

	if err := b.Update(0, vals(0.5)); err != nil {
		t.Fatal(err)
	}
	if b.NumHills() != 1 {
		t.Fatalf("expected the hill kept, got %d", b.NumHills())
	}
	// the projected hill must not be double counted
	q := 0.55
	sq := (q - 0.5) * (q - 0.5) / (0.05 * 0.05)
	want := math.Exp(-0.5 * sq)
	if got := b.EnergyAt(vals(q)); math.Abs(got-want) > 1e-9 {
		t.Errorf("energy %f vs %f (double counting?)", got, want)
	}
}

func TestDeleteHill(t *testing.T) {
	cfg := baseConfig()
	cfg.UseGrids = boolPtr(true)
	cfg.GaussianSigmas = []float64{0.05}
	b := newTestBias(t, cfg, scalarVars(0.1, 0, 1, 1))

	// the second hill sits close enough to the edge for the off-grid set
	b.addHill(newHill(0, 1.0, vals(0.5), b.sigmas, ""))
	b.addHill(newHill(0, 1.0, vals(0.02), b.sigmas, ""))
	if len(b.offGrid) != 1 {
		t.Fatalf("expected 1 off-grid hill, got %d", len(b.offGrid))
	}

	b.DeleteHill(b.hills[1])
	if b.NumHills() != 1 || len(b.offGrid) != 0 {
		t.Errorf("expected the hill gone from both lists: %d hills, %d off-grid", b.NumHills(), len(b.offGrid))
	}
}

func TestGridExpansion(t *testing.T) {
	cfg := baseConfig()
	cfg.UseGrids = boolPtr(true)
	cfg.GaussianSigmas = nil
	cfg.HillWidth = 1.0
	cfg.NewHillFrequency = 1
	cfg.GridsUpdateFrequency = 1
	cfg.Colvars[0].ExpandBoundaries = true
	b := newTestBias(t, cfg, func() []*colvar.Colvar {
		vs := scalarVars(0.1, 0, 1, 1)
		vs[0].ExpandBoundaries = true
		return vs
	}())

	if err := b.Update(0, vals(0.55)); err != nil {
		t.Fatal(err)
	}
	before := b.EnergyAt(vals(0.55))
	if before <= 0 {
		t.Fatal("expected accumulated energy at the hill center")
	}

	if err := b.Update(1, vals(1.2)); err != nil {
		t.Fatal(err)
	}
	ub := b.hillsEnergy.Upper()[0]
	if ub < 1.2 {
		t.Errorf("expected the upper boundary expanded past 1.2, got %f", ub)
	}
	after := b.EnergyAt(vals(0.55))
	if math.Abs(after-before-hillValueAt(0.55, 1.2, 0.05)) > 1e-9 {
		t.Errorf("old grid contents not preserved: before %f, after %f", before, after)
	}
}

func hillValueAt(q, c, sigma float64) float64 {
	sq := (q - c) * (q - c) / (sigma * sigma)
	if sq > hillCutoff {
		return 0
	}
	return math.Exp(-0.5 * sq)
}

func TestStateRoundTripText(t *testing.T) {
	cfg := baseConfig()
	cfg.UseGrids = boolPtr(true)
	cfg.GaussianSigmas = []float64{0.05}
	cfg.NewHillFrequency = 1
	cfg.GridsUpdateFrequency = 1
	b := newTestBias(t, cfg, scalarVars(0.1, 0, 1, 1))

	for i, c := range []float64{0.3, 0.5, 0.7, 0.04} {
		if err := b.Update(int64(i), vals(c)); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	if err := b.WriteState(&buf); err != nil {
		t.Fatal(err)
	}

	b2 := newTestBias(t, cfg, scalarVars(0.1, 0, 1, 1))
	if err := b2.ReadState(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatal(err)
	}

	for q := 0.05; q < 1.0; q += 0.1 {
		e1 := b.EnergyAt(vals(q))
		e2 := b2.EnergyAt(vals(q))
		if math.Abs(e1-e2) > 1e-9 {
			t.Errorf("at %f: energy %g vs restored %g", q, e1, e2)
		}
		f1 := b.ForcesAt(vals(q))[0].Real
		f2 := b2.ForcesAt(vals(q))[0].Real
		if math.Abs(f1-f2) > 1e-9 {
			t.Errorf("at %f: force %g vs restored %g", q, f1, f2)
		}
	}
	// the off-grid hill rides along in the state and must be back
	if len(b2.offGrid) != len(b.offGrid) {
		t.Errorf("off-grid set not restored: %d vs %d", len(b2.offGrid), len(b.offGrid))
	}
}

func TestStateRoundTripBinary(t *testing.T) {
	cfg := baseConfig()
	cfg.UseGrids = boolPtr(true)
	cfg.GaussianSigmas = []float64{0.05}
	cfg.NewHillFrequency = 1
	cfg.GridsUpdateFrequency = 1
	b := newTestBias(t, cfg, scalarVars(0.1, 0, 1, 1))

	for i, c := range []float64{0.3, 0.5, 0.7} {
		if err := b.Update(int64(i), vals(c)); err != nil {
			t.Fatal(err)
		}
	}

	snap, err := b.WriteStateBinary()
	if err != nil {
		t.Fatal(err)
	}

	b2 := newTestBias(t, cfg, scalarVars(0.1, 0, 1, 1))
	if err := b2.ReadStateBinary(snap); err != nil {
		t.Fatal(err)
	}

	for q := 0.05; q < 1.0; q += 0.1 {
		if e1, e2 := b.EnergyAt(vals(q)), b2.EnergyAt(vals(q)); e1 != e2 {
			t.Errorf("at %f: binary restore not bit-exact: %g vs %g", q, e1, e2)
		}
	}
}

func TestRebinGridsFromHills(t *testing.T) {
	cfg := baseConfig()
	cfg.UseGrids = boolPtr(true)
	cfg.KeepHills = true
	cfg.RebinGrids = true
	cfg.GaussianSigmas = []float64{0.05}
	cfg.NewHillFrequency = 1
	cfg.GridsUpdateFrequency = 1
	b := newTestBias(t, cfg, scalarVars(0.1, 0, 1, 1))

	if err := b.Update(0, vals(0.5)); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := b.WriteState(&buf); err != nil {
		t.Fatal(err)
	}

	b2 := newTestBias(t, cfg, scalarVars(0.1, 0, 1, 1))
	if err := b2.ReadState(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatal(err)
	}
	q := 0.55
	if e1, e2 := b.EnergyAt(vals(q)), b2.EnergyAt(vals(q)); math.Abs(e1-e2) > 1e-9 {
		t.Errorf("rebinned energy %g vs original %g", e2, e1)
	}
}

func TestHillsTrajectoryWritten(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig()
	cfg.WriteHillsTrajectory = "text"
	px := proxy.NewFileProxy(dir, 1.0, 1.0)
	b, err := New(cfg, scalarVars(0.1, 0, 1, 1), px)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Update(0, vals(0.5)); err != nil {
		t.Fatal(err)
	}
	if err := b.WriteOutputFiles(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "out.colvars.metadynamics.hills.traj"))
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 || !bytes.Contains(data, []byte("5.0")) {
		t.Errorf("trajectory file missing the hill record: %q", data)
	}
}

func TestHillsTrajectoryGzip(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig()
	cfg.WriteHillsTrajectory = "gzip"
	px := proxy.NewFileProxy(dir, 1.0, 1.0)
	b, err := New(cfg, scalarVars(0.1, 0, 1, 1), px)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Update(0, vals(0.5)); err != nil {
		t.Fatal(err)
	}
	if err := b.WriteOutputFiles(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "out.colvars.metadynamics.hills.traj.gz"))
	if err != nil {
		t.Fatal(err)
	}
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		t.Error("expected gzip magic in compressed trajectory")
	}
}

func TestPMFOutput(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig()
	cfg.UseGrids = boolPtr(true)
	cfg.GaussianSigmas = []float64{0.05}
	cfg.NewHillFrequency = 1
	cfg.GridsUpdateFrequency = 1
	px := proxy.NewFileProxy(dir, 1.0, 1.0)
	b, err := New(cfg, scalarVars(0.1, 0, 1, 1), px)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Update(0, vals(0.55)); err != nil {
		t.Fatal(err)
	}
	if err := b.WritePMF(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "out.metadynamics.pmf")); err != nil {
		t.Fatalf("pmf file not written: %v", err)
	}
}
