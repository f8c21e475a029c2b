package grid

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/PolyachenkoYA/metadyn/internal/colvar"
	"github.com/PolyachenkoYA/metadyn/internal/memstream"
)

// WriteBlock serializes the grid as a braced text block under key,
// suitable for embedding in a state file. Data follows the header in
// row-major order.
func (g *Grid) WriteBlock(w io.Writer, key string) error {
	if _, err := fmt.Fprintf(w, "%s {\n", key); err != nil {
		return err
	}
	fmt.Fprintf(w, "  dims %d\n", g.Dims())
	fmt.Fprintf(w, "  mult %d\n", g.mult)
	writeInts := func(name string, xs []int) {
		fmt.Fprintf(w, "  %s", name)
		for _, x := range xs {
			fmt.Fprintf(w, " %d", x)
		}
		fmt.Fprintln(w)
	}
	writeFloats := func(name string, xs []float64) {
		fmt.Fprintf(w, "  %s", name)
		for _, x := range xs {
			fmt.Fprintf(w, " %.14e", x)
		}
		fmt.Fprintln(w)
	}
	writeInts("sizes", g.nx)
	writeFloats("lower", g.lower)
	writeFloats("upper", g.upper)
	writeFloats("widths", g.widths)
	fmt.Fprintf(w, "  periodic")
	for _, p := range g.periodic {
		if p {
			fmt.Fprintf(w, " 1")
		} else {
			fmt.Fprintf(w, " 0")
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  data")
	for i, v := range g.data {
		fmt.Fprintf(w, " %.14e", v)
		if (i+1)%8 == 0 {
			fmt.Fprintln(w)
		}
	}
	if len(g.data)%8 != 0 {
		fmt.Fprintln(w)
	}
	_, err := fmt.Fprintln(w, "}")
	return err
}

// ReadBlockBody parses the body of a grid block (after the key has been
// consumed) from a token stream and returns the described grid. next
// yields successive whitespace-delimited tokens.
func ReadBlockBody(vars []*colvar.Colvar, next func() (string, bool)) (*Grid, error) {
	expect := func(want string) error {
		tok, ok := next()
		if !ok || tok != want {
			return fmt.Errorf("grid: expected %q in block", want)
		}
		return nil
	}
	readInt := func() (int, error) {
		tok, ok := next()
		if !ok {
			return 0, fmt.Errorf("grid: truncated block")
		}
		return strconv.Atoi(tok)
	}
	readFloat := func() (float64, error) {
		tok, ok := next()
		if !ok {
			return 0, fmt.Errorf("grid: truncated block")
		}
		return strconv.ParseFloat(tok, 64)
	}

	if err := expect("{"); err != nil {
		return nil, err
	}
	if err := expect("dims"); err != nil {
		return nil, err
	}
	nd, err := readInt()
	if err != nil {
		return nil, err
	}
	if err := expect("mult"); err != nil {
		return nil, err
	}
	mult, err := readInt()
	if err != nil {
		return nil, err
	}
	nx := make([]int, nd)
	lower := make([]float64, nd)
	upper := make([]float64, nd)
	widths := make([]float64, nd)
	periodic := make([]bool, nd)

	if err := expect("sizes"); err != nil {
		return nil, err
	}
	for i := range nx {
		if nx[i], err = readInt(); err != nil {
			return nil, err
		}
	}
	for _, sec := range []struct {
		key string
		dst []float64
	}{{"lower", lower}, {"upper", upper}, {"widths", widths}} {
		if err := expect(sec.key); err != nil {
			return nil, err
		}
		for i := range sec.dst {
			if sec.dst[i], err = readFloat(); err != nil {
				return nil, err
			}
		}
	}
	if err := expect("periodic"); err != nil {
		return nil, err
	}
	for i := range periodic {
		p, err := readInt()
		if err != nil {
			return nil, err
		}
		periodic[i] = p != 0
	}
	if err := expect("data"); err != nil {
		return nil, err
	}
	g := newShaped(vars, nx, widths, lower, upper, periodic, mult)
	for i := range g.data {
		if g.data[i], err = readFloat(); err != nil {
			return nil, err
		}
	}
	if err := expect("}"); err != nil {
		return nil, err
	}
	return g, nil
}

// WriteMulticol writes the multicolumn text format: a header describing
// every dimension, then one row per bin with the bin-center CV values
// followed by the stored components.
func (g *Grid) WriteMulticol(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# %d\n", g.Dims())
	for i := range g.nx {
		p := 0
		if g.periodic[i] {
			p = 1
		}
		fmt.Fprintf(bw, "# %.14e %.14e %d %d\n", g.lower[i], g.widths[i], g.nx[i], p)
	}
	for ix := g.NewIndex(); g.IndexOK(ix); g.Incr(ix) {
		for i := range g.nx {
			fmt.Fprintf(bw, " %.14e", g.BinToValue(ix[i], i))
		}
		base := g.address(ix)
		for j := 0; j < g.mult; j++ {
			fmt.Fprintf(bw, " %.14e", g.data[base+j])
		}
		fmt.Fprintln(bw)
		if len(g.nx) > 1 && ix[len(ix)-1] == g.nx[len(ix)-1]-1 {
			fmt.Fprintln(bw)
		}
	}
	return bw.Flush()
}

// ReadMulticolScalar reads a multicolumn file into a scalar grid. The
// geometry comes from the file header; vars supply metric context only.
func ReadMulticolScalar(r io.Reader, vars []*colvar.Colvar) (*Scalar, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)

	var header []string
	for sc.Scan() {
		line := sc.Text()
		if len(line) == 0 {
			continue
		}
		header = append(header, line)
		break
	}
	if len(header) == 0 {
		return nil, fmt.Errorf("grid: empty multicolumn file")
	}
	var nd int
	if _, err := fmt.Sscanf(header[0], "# %d", &nd); err != nil {
		return nil, fmt.Errorf("grid: bad multicolumn header: %w", err)
	}
	nx := make([]int, nd)
	lower := make([]float64, nd)
	upper := make([]float64, nd)
	widths := make([]float64, nd)
	periodic := make([]bool, nd)
	for i := 0; i < nd; i++ {
		if !sc.Scan() {
			return nil, fmt.Errorf("grid: truncated multicolumn header")
		}
		var p int
		if _, err := fmt.Sscanf(sc.Text(), "# %g %g %d %d", &lower[i], &widths[i], &nx[i], &p); err != nil {
			return nil, fmt.Errorf("grid: bad multicolumn dimension line: %w", err)
		}
		periodic[i] = p != 0
		upper[i] = lower[i] + widths[i]*float64(nx[i])
	}
	g := NewScalarShaped(vars, nx, widths, lower, upper, periodic)

	cols := make([]float64, nd+1)
	idx := 0
	for sc.Scan() {
		line := sc.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		fields, err := splitFloats(line, cols)
		if err != nil {
			return nil, err
		}
		if fields != nd+1 {
			return nil, fmt.Errorf("grid: expected %d columns, got %d", nd+1, fields)
		}
		if idx >= g.NumPoints() {
			return nil, fmt.Errorf("grid: too many multicolumn rows")
		}
		g.data[idx] = cols[nd]
		idx++
	}
	if idx != g.NumPoints() {
		return nil, fmt.Errorf("grid: expected %d multicolumn rows, got %d", g.NumPoints(), idx)
	}
	return g, sc.Err()
}

func splitFloats(line string, dst []float64) (int, error) {
	n := 0
	start := -1
	flush := func(end int) error {
		if start < 0 {
			return nil
		}
		if n >= len(dst) {
			return fmt.Errorf("grid: too many columns in row")
		}
		v, err := strconv.ParseFloat(line[start:end], 64)
		if err != nil {
			return err
		}
		dst[n] = v
		n++
		start = -1
		return nil
	}
	for i := 0; i < len(line); i++ {
		c := line[i]
		if c == ' ' || c == '\t' {
			if err := flush(i); err != nil {
				return 0, err
			}
		} else if start < 0 {
			start = i
		}
	}
	if err := flush(len(line)); err != nil {
		return 0, err
	}
	return n, nil
}

// WriteBinary appends the grid to a binary snapshot stream.
func (g *Grid) WriteBinary(ms *memstream.Stream) {
	ms.WriteInts(g.nx)
	ms.WriteInt64(int64(g.mult))
	ms.WriteFloat64s(g.lower)
	ms.WriteFloat64s(g.upper)
	ms.WriteFloat64s(g.widths)
	ms.WriteUint64(uint64(len(g.periodic)))
	for _, p := range g.periodic {
		ms.WriteBool(p)
	}
	ms.WriteFloat64s(g.data)
}

// ReadBinary reads a grid written by WriteBinary.
func ReadBinary(ms *memstream.Stream, vars []*colvar.Colvar) (*Grid, error) {
	nx := ms.ReadInts()
	mult := int(ms.ReadInt64())
	lower := ms.ReadFloat64s()
	upper := ms.ReadFloat64s()
	widths := ms.ReadFloat64s()
	np := int(ms.ReadUint64())
	if !ms.Good() || np != len(nx) {
		return nil, fmt.Errorf("grid: corrupt binary grid header")
	}
	periodic := make([]bool, np)
	for i := range periodic {
		periodic[i] = ms.ReadBool()
	}
	data := ms.ReadFloat64s()
	if !ms.Good() {
		return nil, ms.Err()
	}
	g := newShaped(vars, nx, widths, lower, upper, periodic, mult)
	if len(data) != len(g.data) {
		return nil, fmt.Errorf("grid: binary data length %d does not match geometry", len(data))
	}
	copy(g.data, data)
	return g, nil
}
