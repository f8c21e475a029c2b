package meta

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/gzip"

	"github.com/PolyachenkoYA/metadyn/internal/proxy"
)

// trajWriter buffers hills-trajectory records between output flushes.
// Records accumulate in memory and reach the file (optionally gzip'd)
// only on flush.
type trajWriter struct {
	px   proxy.Proxy
	name string
	gzip bool
	buf  bytes.Buffer
}

func newTrajWriter(px proxy.Proxy, name string, gz bool) *trajWriter {
	return &trajWriter{px: px, name: name, gzip: gz}
}

// record appends one hill line: step, centers, sigmas, weight.
func (t *trajWriter) record(h *Hill) {
	fmt.Fprintf(&t.buf, "%15d  ", h.It)
	for _, c := range h.Centers {
		fmt.Fprintf(&t.buf, " %s", c.String())
	}
	t.buf.WriteString("  ")
	for _, s := range h.Sigmas {
		fmt.Fprintf(&t.buf, " %.14e", s)
	}
	fmt.Fprintf(&t.buf, "   %.14e\n", h.W)
}

func (t *trajWriter) recordDeleted(h *Hill) {
	t.buf.WriteString("# DELETED this hill: ")
	t.record(h)
}

// flush appends the buffered records to the trajectory file.
func (t *trajWriter) flush() error {
	if t.buf.Len() == 0 {
		return nil
	}
	w, err := t.px.OutputStream(t.name)
	if err != nil {
		return fmt.Errorf("%w: hills trajectory file: %v", ErrFile, err)
	}
	if t.gzip {
		zw := gzip.NewWriter(w)
		if _, err := zw.Write(t.buf.Bytes()); err != nil {
			return fmt.Errorf("%w: hills trajectory file: %v", ErrFile, err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("%w: hills trajectory file: %v", ErrFile, err)
		}
	} else {
		if _, err := w.Write(t.buf.Bytes()); err != nil {
			return fmt.Errorf("%w: hills trajectory file: %v", ErrFile, err)
		}
	}
	t.buf.Reset()
	return t.px.FlushOutputStream(t.name)
}

func (t *trajWriter) close() error {
	err := t.flush()
	if cerr := t.px.CloseOutputStream(t.name); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
