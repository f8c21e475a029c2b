package meta

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/PolyachenkoYA/metadyn/internal/colvar"
	"github.com/PolyachenkoYA/metadyn/internal/grid"
	"github.com/PolyachenkoYA/metadyn/internal/memstream"
)

// tokenScanner yields whitespace-delimited tokens with one-token
// pushback, which the hill reader needs to stop at a foreign keyword.
type tokenScanner struct {
	sc     *bufio.Scanner
	pushed []string
}

func newTokenScanner(r io.Reader) *tokenScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	sc.Split(bufio.ScanWords)
	return &tokenScanner{sc: sc}
}

func (t *tokenScanner) next() (string, bool) {
	if n := len(t.pushed); n > 0 {
		tok := t.pushed[n-1]
		t.pushed = t.pushed[:n-1]
		return tok, true
	}
	if t.sc.Scan() {
		return t.sc.Text(), true
	}
	return "", false
}

func (t *tokenScanner) push(tok string) { t.pushed = append(t.pushed, tok) }

// tokens is the reading surface shared by the stream scanner and the
// positioned byte tokenizer used for peer hills files.
type tokens interface {
	next() (string, bool)
	push(tok string)
}

// byteTokenizer walks a byte buffer and remembers its offset, so a
// reader can record how far the last complete record reached.
type byteTokenizer struct {
	buf       []byte
	pos       int
	pushedTok string
	hasPushed bool
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }

func (t *byteTokenizer) next() (string, bool) {
	if t.hasPushed {
		t.hasPushed = false
		return t.pushedTok, true
	}
	for t.pos < len(t.buf) && isSpace(t.buf[t.pos]) {
		t.pos++
	}
	if t.pos >= len(t.buf) {
		return "", false
	}
	start := t.pos
	for t.pos < len(t.buf) && !isSpace(t.buf[t.pos]) {
		t.pos++
	}
	return string(t.buf[start:t.pos]), true
}

func (t *byteTokenizer) push(tok string) {
	t.pushedTok = tok
	t.hasPushed = true
}

// writeHillText emits one hill record in the historical text format;
// widths are twice the sigmas.
func writeHillText(w io.Writer, h *Hill) error {
	if _, err := fmt.Fprintf(w, "hill {\n  step %d\n  weight %.14e\n  centers", h.It, h.W); err != nil {
		return err
	}
	for _, c := range h.Centers {
		fmt.Fprintf(w, "  %s", c.String())
	}
	fmt.Fprintf(w, "\n  widths")
	for _, s := range h.Sigmas {
		fmt.Fprintf(w, "  %.14e", 2.0*s)
	}
	fmt.Fprintln(w)
	if h.Replica != "" {
		fmt.Fprintf(w, "  replicaID %s\n", h.Replica)
	}
	_, err := fmt.Fprintln(w, "}")
	return err
}

// readHillRecord parses one hill record from the token stream. It
// returns (nil, nil) at a non-hill token (pushed back) or at stream
// end; a malformed record is an error.
func (b *MetaBias) readHillRecord(ts tokens) (*Hill, error) {
	tok, ok := ts.next()
	if !ok {
		return nil, nil
	}
	if tok != "hill" {
		ts.push(tok)
		return nil, nil
	}
	expect := func(want string) error {
		got, ok := ts.next()
		if !ok || got != want {
			return fmt.Errorf("%w: reading data for keyword %q from stream", ErrInput, want)
		}
		return nil
	}
	if err := expect("{"); err != nil {
		return nil, err
	}
	if err := expect("step"); err != nil {
		return nil, err
	}
	itTok, ok := ts.next()
	if !ok {
		return nil, fmt.Errorf("%w: reading data for keyword \"step\" from stream", ErrInput)
	}
	it, err := strconv.ParseInt(itTok, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: reading data for keyword \"step\" from stream", ErrInput)
	}
	if err := expect("weight"); err != nil {
		return nil, err
	}
	wTok, ok := ts.next()
	if !ok {
		return nil, fmt.Errorf("%w: reading data for keyword \"weight\" from stream", ErrInput)
	}
	weight, err := strconv.ParseFloat(wTok, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: reading data for keyword \"weight\" from stream", ErrInput)
	}
	if err := expect("centers"); err != nil {
		return nil, err
	}
	centers := make([]colvar.Value, len(b.vars))
	for i, v := range b.vars {
		centers[i], err = colvar.ScanValue(v.Type, v.VectorDim, ts.next)
		if err != nil {
			return nil, fmt.Errorf("%w: reading data for keyword \"centers\" from stream: %v", ErrInput, err)
		}
	}
	if err := expect("widths"); err != nil {
		return nil, err
	}
	sigmas := make([]float64, len(b.vars))
	for i := range sigmas {
		sTok, ok := ts.next()
		if !ok {
			return nil, fmt.Errorf("%w: reading data for keyword \"widths\" from stream", ErrInput)
		}
		width, err := strconv.ParseFloat(sTok, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: reading data for keyword \"widths\" from stream", ErrInput)
		}
		// the stream carries widths = 2*sigma
		sigmas[i] = width / 2.0
	}
	replica := ""
	tok, ok = ts.next()
	if ok && tok == "replicaID" {
		replica, ok = ts.next()
		if !ok {
			return nil, fmt.Errorf("%w: reading data for keyword \"replicaID\" from stream", ErrInput)
		}
		tok, ok = ts.next()
	}
	if !ok || tok != "}" {
		return nil, fmt.Errorf("%w: reading data for keyword \"hill\" from stream", ErrInput)
	}
	if b.comm && replica != "" && replica != b.replicaID {
		return nil, fmt.Errorf("%w: trying to read a hill created by replica %q for replica %q; did you swap output files?", ErrInput, replica, b.replicaID)
	}
	return newHill(it, weight, centers, sigmas, replica), nil
}

// acceptTailedHill appends a hill read from a hills-file tail. Hills
// no newer than the state file were already folded into its grids and
// are skipped, unless the state carried explicit hills.
func (b *MetaBias) acceptTailedHill(h *Hill) {
	if h.It <= b.stateFileStep && !b.restartKeepHills {
		return
	}
	b.appendHill(h)
}

// WriteState serializes the bias block: parameters, grids, then hills.
// Pending hills are projected first so that the grids are current.
func (b *MetaBias) WriteState(w io.Writer) error {
	if b.useGrids {
		if err := b.projectHills(b.hills[b.newHillsBegin:], b.hillsEnergy, b.hillsGradients, false); err != nil {
			return err
		}
		b.advanceProjected()
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "metadynamics {\n")
	fmt.Fprintf(bw, "  name %s\n", b.name)
	fmt.Fprintf(bw, "  step %d\n", b.step)
	fmt.Fprintf(bw, "  version %d\n", stateVersion)
	if b.keepHills {
		fmt.Fprintf(bw, "  keepHills on\n")
	}
	if b.comm {
		fmt.Fprintf(bw, "  replicaID %s\n", b.replicaID)
	}

	if b.useGrids {
		if err := b.hillsEnergy.WriteBlock(bw, "hills_energy"); err != nil {
			return fmt.Errorf("%w: %v", ErrFile, err)
		}
		if err := b.hillsGradients.WriteBlock(bw, "hills_energy_gradients"); err != nil {
			return fmt.Errorf("%w: %v", ErrFile, err)
		}
	}

	var hillsOut []*Hill
	if !b.useGrids || b.keepHills {
		hillsOut = b.hills
	} else {
		hillsOut = b.offGrid
	}
	for _, h := range hillsOut {
		if err := writeHillText(bw, h); err != nil {
			return fmt.Errorf("%w: %v", ErrFile, err)
		}
	}

	fmt.Fprintf(bw, "}\n")
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrFile, err)
	}
	return nil
}

// ReadState restores the bias from a state stream written by
// WriteState. Existing hills are pruned once the stream reads
// successfully.
func (b *MetaBias) ReadState(r io.Reader) error {
	ts := newTokenScanner(r)

	tok, ok := ts.next()
	if !ok || tok != "metadynamics" {
		return fmt.Errorf("%w: missing metadynamics block in state stream", ErrInput)
	}
	if tok, ok = ts.next(); !ok || tok != "{" {
		return fmt.Errorf("%w: malformed metadynamics block", ErrInput)
	}

	version := int64(0)
	keepHillsSeen := false
	b.restartKeepHills = false

params:
	for {
		tok, ok = ts.next()
		if !ok {
			return fmt.Errorf("%w: truncated state stream", ErrInput)
		}
		switch tok {
		case "name":
			if _, ok = ts.next(); !ok {
				return fmt.Errorf("%w: truncated state stream", ErrInput)
			}
		case "step":
			sTok, ok := ts.next()
			if !ok {
				return fmt.Errorf("%w: truncated state stream", ErrInput)
			}
			step, err := strconv.ParseInt(sTok, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: bad step in state stream", ErrInput)
			}
			b.stateFileStep = step
		case "version":
			vTok, ok := ts.next()
			if !ok {
				return fmt.Errorf("%w: truncated state stream", ErrInput)
			}
			version, _ = strconv.ParseInt(vTok, 10, 64)
		case "keepHills":
			vTok, ok := ts.next()
			if !ok {
				return fmt.Errorf("%w: truncated state stream", ErrInput)
			}
			keepHillsSeen = true
			b.restartKeepHills = vTok == "on" || vTok == "yes" || vTok == "true"
		case "replicaID":
			rTok, ok := ts.next()
			if !ok {
				return fmt.Errorf("%w: truncated state stream", ErrInput)
			}
			if b.comm && rTok != b.replicaID {
				return fmt.Errorf("%w: in the state file, the metadynamics block has a different replicaID (%s instead of %s)", ErrInput, rTok, b.replicaID)
			}
		default:
			ts.push(tok)
			break params
		}
	}

	if !keepHillsSeen && version < keepHillsVersion && b.keepHills {
		b.logf("warning: could not ensure that keepHills was enabled when this state file was written; because it is enabled now, it is assumed that it was also then, but please verify")
		b.restartKeepHills = true
	}
	if b.restartKeepHills {
		b.logf("this state file/stream contains explicit hills")
	}

	var streamEnergy, streamGradients *grid.Grid
	if b.useGrids {
		for _, want := range []struct {
			key string
			dst **grid.Grid
		}{{"hills_energy", &streamEnergy}, {"hills_energy_gradients", &streamGradients}} {
			tok, ok = ts.next()
			if !ok || tok != want.key {
				if b.rebinGrids {
					if ok {
						ts.push(tok)
					}
					continue
				}
				return fmt.Errorf("%w: couldn't read grid data for metadynamics bias %q; if useGrids was off when the state file was written, try enabling rebinGrids now to regenerate the grids", ErrInput, b.name)
			}
			g, err := grid.ReadBlockBody(b.vars, ts.next)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInput, err)
			}
			*want.dst = g
		}
	}

	oldHills := len(b.hills)
	oldOffGrid := len(b.offGrid)

	readCount := 0
	for {
		h, err := b.readHillRecord(ts)
		if err != nil {
			return err
		}
		if h == nil {
			break
		}
		b.appendHill(h)
		readCount++
	}
	b.logf("successfully read %d explicit hills from state", readCount)

	// closing brace of the bias block, tolerated missing at EOF
	if tok, ok = ts.next(); ok && tok != "}" {
		return fmt.Errorf("%w: unexpected token %q at end of metadynamics block", ErrInput, tok)
	}

	if oldHills > 0 {
		b.hills = append([]*Hill(nil), b.hills[oldHills:]...)
		b.offGrid = append([]*Hill(nil), b.offGrid[oldOffGrid:]...)
	}
	b.newHillsBegin = len(b.hills)
	if !b.useGrids {
		// without grids every hill is evaluated analytically
		b.newHillsBegin = 0
	}

	if b.useGrids {
		if b.rebinGrids && b.restartKeepHills && len(b.hills) > 0 {
			b.logf("rebinning the energy and forces grids from %d hills", len(b.hills))
			he, err := grid.NewScalar(b.vars, false)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInput, err)
			}
			hg, err := grid.NewGradient(b.vars)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInput, err)
			}
			if err := b.projectHills(b.hills, he, hg, true); err != nil {
				return err
			}
			b.hillsEnergy = he
			b.hillsGradients = hg
			b.newHillsBegin = len(b.hills)
			if !b.keepHills {
				b.recountOffGrid()
				b.hills = nil
				b.newHillsBegin = 0
				return b.finishRestart()
			}
		} else if streamEnergy != nil && streamGradients != nil {
			he, err := grid.NewScalar(b.vars, false)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInput, err)
			}
			hg, err := grid.NewGradient(b.vars)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInput, err)
			}
			streamEnergy.MapOnto(&he.Grid)
			streamGradients.MapOnto(&hg.Grid)
			b.hillsEnergy = he
			b.hillsGradients = hg
		}
		b.recountOffGrid()
		if len(b.offGrid) > 0 {
			b.logf("%d hills are near the grid boundaries: they will be computed analytically and saved to the state files", len(b.offGrid))
		}
	}

	return b.finishRestart()
}

func (b *MetaBias) finishRestart() error {
	b.hasData = true
	if b.comm {
		return b.readReplicaFiles()
	}
	return nil
}

// writeHillBinary mirrors writeHillText on the binary stream.
func writeHillBinary(ms *memstream.Stream, h *Hill) {
	ms.WriteInt64(h.It)
	ms.WriteFloat64(h.W)
	ms.WriteUint64(uint64(len(h.Centers)))
	for _, c := range h.Centers {
		ms.WriteInt64(int64(c.Type))
		switch c.Type {
		case colvar.TypeScalar:
			ms.WriteFloat64(c.Real)
		case colvar.TypeVec3, colvar.TypeUnit3, colvar.TypeUnit3Deriv:
			ms.WriteFloat64s(c.Vec[:])
		case colvar.TypeQuaternion, colvar.TypeQuaternionDeriv:
			ms.WriteFloat64s([]float64{c.Quat.Real, c.Quat.Imag, c.Quat.Jmag, c.Quat.Kmag})
		case colvar.TypeVector:
			ms.WriteFloat64s(c.Vec1)
		}
	}
	ms.WriteFloat64s(h.Sigmas)
	ms.WriteString(h.Replica)
}

func readHillBinary(ms *memstream.Stream) (*Hill, error) {
	h := &Hill{}
	h.It = ms.ReadInt64()
	h.W = ms.ReadFloat64()
	n := int(ms.ReadUint64())
	if !ms.Good() || n < 0 || n > 1<<20 {
		return nil, fmt.Errorf("%w: corrupt binary hill record", ErrInput)
	}
	h.Centers = make([]colvar.Value, n)
	for i := range h.Centers {
		t := colvar.ValueType(ms.ReadInt64())
		v := colvar.Value{Type: t}
		switch t {
		case colvar.TypeScalar:
			v.Real = ms.ReadFloat64()
		case colvar.TypeVec3, colvar.TypeUnit3, colvar.TypeUnit3Deriv:
			xs := ms.ReadFloat64s()
			if len(xs) == 3 {
				copy(v.Vec[:], xs)
			}
		case colvar.TypeQuaternion, colvar.TypeQuaternionDeriv:
			xs := ms.ReadFloat64s()
			if len(xs) == 4 {
				v.Quat.Real, v.Quat.Imag, v.Quat.Jmag, v.Quat.Kmag = xs[0], xs[1], xs[2], xs[3]
			}
		case colvar.TypeVector:
			v.Vec1 = ms.ReadFloat64s()
		default:
			return nil, fmt.Errorf("%w: corrupt binary hill record", ErrInput)
		}
		h.Centers[i] = v
	}
	h.Sigmas = ms.ReadFloat64s()
	h.Replica = ms.ReadString()
	if !ms.Good() {
		return nil, fmt.Errorf("%w: %v", ErrInput, ms.Err())
	}
	return h, nil
}

// WriteStateBinary serializes the same data as WriteState into the
// length-prefixed binary snapshot format.
func (b *MetaBias) WriteStateBinary() ([]byte, error) {
	if b.useGrids {
		if err := b.projectHills(b.hills[b.newHillsBegin:], b.hillsEnergy, b.hillsGradients, false); err != nil {
			return nil, err
		}
		b.advanceProjected()
	}

	ms := memstream.New()
	ms.WriteString(b.name)
	ms.WriteInt64(b.step)
	ms.WriteInt64(stateVersion)
	ms.WriteBool(b.keepHills)
	ms.WriteString(b.replicaID)
	ms.WriteBool(b.useGrids)
	if b.useGrids {
		b.hillsEnergy.WriteBinary(ms)
		b.hillsGradients.WriteBinary(ms)
	}
	var hillsOut []*Hill
	if !b.useGrids || b.keepHills {
		hillsOut = b.hills
	} else {
		hillsOut = b.offGrid
	}
	ms.WriteUint64(uint64(len(hillsOut)))
	for _, h := range hillsOut {
		writeHillBinary(ms, h)
	}
	if !ms.Good() {
		return nil, fmt.Errorf("%w: %v", ErrFile, ms.Err())
	}
	return ms.Bytes(), nil
}

// ReadStateBinary restores from a snapshot made by WriteStateBinary.
func (b *MetaBias) ReadStateBinary(buf []byte) error {
	ms := memstream.NewReader(buf)
	ms.ReadString() // name
	b.stateFileStep = ms.ReadInt64()
	ms.ReadInt64() // version
	b.restartKeepHills = ms.ReadBool()
	replica := ms.ReadString()
	if b.comm && replica != "" && replica != b.replicaID {
		return fmt.Errorf("%w: in the state snapshot, the metadynamics block has a different replicaID (%s instead of %s)", ErrInput, replica, b.replicaID)
	}
	hadGrids := ms.ReadBool()
	if !ms.Good() {
		return fmt.Errorf("%w: %v", ErrInput, ms.Err())
	}

	var streamEnergy, streamGradients *grid.Grid
	if hadGrids {
		var err error
		if streamEnergy, err = grid.ReadBinary(ms, b.vars); err != nil {
			return err
		}
		if streamGradients, err = grid.ReadBinary(ms, b.vars); err != nil {
			return err
		}
	}

	nHills := int(ms.ReadUint64())
	if !ms.Good() {
		return fmt.Errorf("%w: %v", ErrInput, ms.Err())
	}
	oldHills := len(b.hills)
	oldOffGrid := len(b.offGrid)
	for i := 0; i < nHills; i++ {
		h, err := readHillBinary(ms)
		if err != nil {
			return err
		}
		b.appendHill(h)
	}
	if oldHills > 0 {
		b.hills = append([]*Hill(nil), b.hills[oldHills:]...)
		b.offGrid = append([]*Hill(nil), b.offGrid[oldOffGrid:]...)
	}
	b.newHillsBegin = len(b.hills)
	if !b.useGrids {
		b.newHillsBegin = 0
	}

	if b.useGrids && streamEnergy != nil && streamGradients != nil {
		he, err := grid.NewScalar(b.vars, false)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInput, err)
		}
		hg, err := grid.NewGradient(b.vars)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInput, err)
		}
		streamEnergy.MapOnto(&he.Grid)
		streamGradients.MapOnto(&hg.Grid)
		b.hillsEnergy = he
		b.hillsGradients = hg
		b.recountOffGrid()
	}

	return b.finishRestart()
}
