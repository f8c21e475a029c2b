package grid

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/PolyachenkoYA/metadyn/internal/colvar"
	"github.com/PolyachenkoYA/metadyn/internal/memstream"
)

func testVars1D() []*colvar.Colvar {
	return []*colvar.Colvar{colvar.NewScalar("x", 0.1, 0, 1)}
}

func testVars2D() []*colvar.Colvar {
	return []*colvar.Colvar{
		colvar.NewScalar("x", 0.1, 0, 1),
		colvar.NewScalar("y", 0.25, -1, 1),
	}
}

func TestGridGeometry(t *testing.T) {
	g, err := New(testVars2D(), 1, false)
	if err != nil {
		t.Fatal(err)
	}
	if g.NumPoints() != 10*8 {
		t.Errorf("expected 80 bins, got %d", g.NumPoints())
	}
	if got := g.BinToValue(0, 0); math.Abs(got-0.05) > 1e-12 {
		t.Errorf("expected bin center 0.05, got %f", got)
	}
}

func TestBinOfAndIndexOK(t *testing.T) {
	g, _ := New(testVars1D(), 1, false)

	ix := g.BinOf([]colvar.Value{colvar.Scalar(0.55)})
	if ix[0] != 5 {
		t.Errorf("expected bin 5, got %d", ix[0])
	}
	if !g.IndexOK(ix) {
		t.Error("expected index in range")
	}

	ix = g.BinOf([]colvar.Value{colvar.Scalar(1.5)})
	if g.IndexOK(ix) {
		t.Error("expected out-of-range index")
	}
}

func TestPeriodicBinWrap(t *testing.T) {
	cv := colvar.NewScalar("phi", 0.1, 0, 1)
	cv.Periodic = true
	cv.Period = 1
	g, _ := New([]*colvar.Colvar{cv}, 1, false)

	ix := g.BinOf([]colvar.Value{colvar.Scalar(1.15)})
	if ix[0] != 1 {
		t.Errorf("expected wrapped bin 1, got %d", ix[0])
	}
	ix = g.BinOf([]colvar.Value{colvar.Scalar(-0.05)})
	if ix[0] != 9 {
		t.Errorf("expected wrapped bin 9, got %d", ix[0])
	}
}

func TestIncrVisitsAllBinsRowMajor(t *testing.T) {
	g, _ := New(testVars2D(), 1, false)
	count := 0
	last := -1
	for ix := g.NewIndex(); g.IndexOK(ix); g.Incr(ix) {
		addr := g.address(ix)
		if addr != last+1 {
			t.Fatalf("non-sequential visit: %d after %d", addr, last)
		}
		last = addr
		count++
	}
	if count != g.NumPoints() {
		t.Errorf("visited %d of %d bins", count, g.NumPoints())
	}
}

func TestBinDistanceFromBoundaries(t *testing.T) {
	g, _ := New(testVars1D(), 1, false)

	d := g.BinDistanceFromBoundaries([]colvar.Value{colvar.Scalar(0.15)}, true)
	if math.Abs(d-1.5) > 1e-12 {
		t.Errorf("expected 1.5 bins from edge, got %f", d)
	}
	d = g.BinDistanceFromBoundaries([]colvar.Value{colvar.Scalar(-0.1)}, true)
	if d >= 0 {
		t.Errorf("expected negative signed distance outside the grid, got %f", d)
	}
}

func TestResizePreservesContents(t *testing.T) {
	g, _ := New(testVars1D(), 1, false)
	for ix := g.NewIndex(); g.IndexOK(ix); g.Incr(ix) {
		g.SetValue(ix, float64(ix[0])*1.5)
	}

	ng := g.Resize([]int{14}, []float64{-0.2}, []float64{1.2})
	for i := 0; i < 10; i++ {
		old := g.Value([]int{i})
		got := ng.Value([]int{i + 2})
		if math.Abs(old-got) > 1e-12 {
			t.Errorf("bin %d: expected %f after resize, got %f", i, old, got)
		}
	}
}

func TestScalarReductions(t *testing.T) {
	s, _ := NewScalar(testVars1D(), false)
	vals := []float64{0, 0.5, 2, -1, 0.25, 0, 0, 0, 0, 0}
	copy(s.RawData(), vals)

	if got := s.MaximumValue(); got != 2 {
		t.Errorf("expected max 2, got %f", got)
	}
	if got := s.MinimumValue(); got != -1 {
		t.Errorf("expected min -1, got %f", got)
	}
	if got := s.MinimumPosValue(); got != 0.25 {
		t.Errorf("expected min positive 0.25, got %f", got)
	}
	if got := s.Integral(); math.Abs(got-0.175) > 1e-12 {
		t.Errorf("expected integral 0.175, got %f", got)
	}

	s.RemoveSmallValues(0.1)
	if got := s.MinimumValue(); got != 0.1 {
		t.Errorf("expected floor 0.1, got %f", got)
	}
}

func TestEntropyOfUniform(t *testing.T) {
	s, _ := NewScalar(testVars1D(), false)
	for i := range s.RawData() {
		s.RawData()[i] = 1.0 // uniform density on [0,1]
	}
	if got := s.Entropy(); math.Abs(got) > 1e-12 {
		t.Errorf("expected zero entropy for the uniform density, got %f", got)
	}
}

func TestSimplexProj(t *testing.T) {
	cv := colvar.NewScalar("x", 1, 0, 4)
	s, _ := NewScalar([]*colvar.Colvar{cv}, false)
	copy(s.RawData(), []float64{0.6, 0.3, 0.2, 0.1})

	s.SimplexProj()

	sum := 0.0
	for _, v := range s.RawData() {
		if v < 0 {
			t.Errorf("negative entry %f after projection", v)
		}
		sum += v
	}
	if math.Abs(sum-1.0) > 1e-12 {
		t.Errorf("expected unit sum, got %f", sum)
	}
	d := s.RawData()
	for i := 1; i < len(d); i++ {
		if d[i-1] < d[i] {
			t.Errorf("ordering not preserved: %v", d)
		}
	}
}

func TestMulticolRoundTrip(t *testing.T) {
	s, _ := NewScalar(testVars2D(), false)
	for i := range s.RawData() {
		s.RawData()[i] = float64(i) * 0.01
	}

	var buf bytes.Buffer
	if err := s.WriteMulticol(&buf); err != nil {
		t.Fatal(err)
	}
	got, err := ReadMulticolScalar(strings.NewReader(buf.String()), testVars2D())
	if err != nil {
		t.Fatal(err)
	}
	if !got.SameShape(&s.Grid) {
		t.Fatal("shape changed in multicolumn round trip")
	}
	for i := range s.RawData() {
		if math.Abs(got.RawData()[i]-s.RawData()[i]) > 1e-12 {
			t.Fatalf("entry %d changed: %f vs %f", i, got.RawData()[i], s.RawData()[i])
		}
	}
}

func TestBlockRoundTrip(t *testing.T) {
	g, _ := New(testVars2D(), 2, false)
	for i := range g.RawData() {
		g.RawData()[i] = float64(i)*0.5 - 3
	}

	var buf bytes.Buffer
	if err := g.WriteBlock(&buf, "hills_energy"); err != nil {
		t.Fatal(err)
	}

	fields := strings.Fields(buf.String())
	if fields[0] != "hills_energy" {
		t.Fatalf("expected block key, got %q", fields[0])
	}
	i := 1
	next := func() (string, bool) {
		if i >= len(fields) {
			return "", false
		}
		tok := fields[i]
		i++
		return tok, true
	}
	got, err := ReadBlockBody(testVars2D(), next)
	if err != nil {
		t.Fatal(err)
	}
	if !got.SameShape(g) {
		t.Fatal("shape changed in block round trip")
	}
	for j := range g.RawData() {
		if math.Abs(got.RawData()[j]-g.RawData()[j]) > 1e-12 {
			t.Fatalf("entry %d changed: %f vs %f", j, got.RawData()[j], g.RawData()[j])
		}
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	g, _ := New(testVars2D(), 2, false)
	for i := range g.RawData() {
		g.RawData()[i] = math.Sin(float64(i))
	}

	ms := memstream.New()
	g.WriteBinary(ms)
	if !ms.Good() {
		t.Fatal(ms.Err())
	}

	got, err := ReadBinary(memstream.NewReader(ms.Bytes()), testVars2D())
	if err != nil {
		t.Fatal(err)
	}
	if !got.SameShape(g) {
		t.Fatal("shape changed in binary round trip")
	}
	for i := range g.RawData() {
		if got.RawData()[i] != g.RawData()[i] {
			t.Fatalf("entry %d not bit-exact", i)
		}
	}
}
