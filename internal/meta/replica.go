package meta

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/PolyachenkoYA/metadyn/internal/colvar"
	"github.com/PolyachenkoYA/metadyn/internal/grid"
)

// replicaRecord tracks one peer walker: its coordination files, the
// read cursor into its hills file, and the shadow bias accumulating its
// contribution.
type replicaRecord struct {
	id           string
	listFile     string
	stateFile    string
	hillsFile    string
	hillsFilePos int64
	stateInSync  bool
	updateStatus int

	bias *MetaBias
}

// newShadowBias builds the minimal bias instance fed from a peer's
// files. It shares the colvar layout and grid shape but never writes
// files of its own.
func newShadowBias(parent *MetaBias, id string) (*MetaBias, error) {
	sb := &MetaBias{
		name:        parent.name,
		px:          parent.px,
		vars:        parent.vars,
		hillWeight:  parent.hillWeight,
		hillWidth:   parent.hillWidth,
		sigmas:      parent.sigmas,
		newHillFreq: parent.newHillFreq,
		gridsFreq:   parent.gridsFreq,
		useGrids:    parent.useGrids,
		comm:        true,
		replicaID:   id,
		logger:      parent.logger,
	}
	sb.forces = make([]colvar.Value, len(parent.vars))
	if sb.useGrids {
		var err error
		if sb.hillsEnergy, err = grid.NewScalar(parent.vars, false); err != nil {
			return nil, err
		}
		if sb.hillsGradients, err = grid.NewGradient(parent.vars); err != nil {
			return nil, err
		}
	}
	return sb, nil
}

// setupReplicaOutput registers this replica in the shared registry and
// writes its list, state, and hills files for the peers to read.
func (b *MetaBias) setupReplicaOutput() error {
	cwd, err := filepath.Abs(b.px.WorkDir())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFile, err)
	}
	b.replicaListFile = filepath.Join(cwd, fmt.Sprintf("%s.%s.files.txt", b.name, b.replicaID))
	b.replicaHillsFile = filepath.Join(cwd, fmt.Sprintf("%s.colvars.%s.%s.hills", b.outputPrefix, b.name, b.replicaID))
	b.replicaStateFile = filepath.Join(cwd, fmt.Sprintf("%s.colvars.%s.%s.state", b.outputPrefix, b.name, b.replicaID))

	// the registry may already hold this replica from an earlier run
	registered := false
	if f, err := os.Open(b.registryFile); err == nil {
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			fields := strings.Fields(stripComment(sc.Text()))
			if len(fields) >= 2 && fields[0] == b.replicaID {
				b.replicaListFile = fields[1]
				registered = true
				break
			}
		}
		f.Close()
	}

	if _, err := b.px.OutputStream(b.replicaHillsFile); err != nil {
		return fmt.Errorf("%w: replica hills file: %v", ErrFile, err)
	}

	if err := b.writeReplicaStateFile(); err != nil {
		return err
	}

	listContent := fmt.Sprintf("stateFile %s\nhillsFile %s\n", b.replicaStateFile, b.replicaHillsFile)
	if err := os.WriteFile(b.replicaListFile, []byte(listContent), 0644); err != nil {
		return fmt.Errorf("%w: replica list file: %v", ErrFile, err)
	}

	if !registered {
		f, err := os.OpenFile(b.registryFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("%w: replicas registry: %v", ErrFile, err)
		}
		_, werr := fmt.Fprintf(f, "%s %s\n", b.replicaID, b.replicaListFile)
		cerr := f.Close()
		if werr != nil {
			return fmt.Errorf("%w: replicas registry: %v", ErrFile, werr)
		}
		if cerr != nil {
			return fmt.Errorf("%w: replicas registry: %v", ErrFile, cerr)
		}
	}
	return nil
}

// replicaShare is the per-cycle exchange: reread the registry, flush
// our hills, import the peers'.
func (b *MetaBias) replicaShare() error {
	var firstErr error
	if err := b.updateReplicasRegistry(); err != nil {
		firstErr = err
	}
	if err := b.px.FlushOutputStream(b.replicaHillsFile); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("%w: %v", ErrFile, err)
	}
	if err := b.readReplicaFiles(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func stripComment(line string) string {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		return line[:i]
	}
	return line
}

// updateReplicasRegistry discovers new peers in the registry file and
// rereads every peer's list file.
func (b *MetaBias) updateReplicasRegistry() error {
	f, err := os.Open(b.registryFile)
	if err != nil {
		return fmt.Errorf("%w: failed to open file %q for reading: %v", ErrFile, b.registryFile, err)
	}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(stripComment(sc.Text()))
		if len(fields) < 2 {
			continue
		}
		id, listFile := fields[0], fields[1]
		if id == b.replicaID {
			continue
		}
		known := false
		for _, r := range b.replicas {
			if r.id == id {
				known = true
				break
			}
		}
		if known {
			continue
		}
		b.logf("accessing replica %q", id)
		sb, err := newShadowBias(b, id)
		if err != nil {
			f.Close()
			return err
		}
		b.replicas = append(b.replicas, &replicaRecord{
			id:           id,
			listFile:     listFile,
			bias:         sb,
			updateStatus: 1,
		})
	}
	scanErr := sc.Err()
	f.Close()
	if scanErr != nil {
		return fmt.Errorf("%w: cannot read the replicas registry file %q: %v", ErrFile, b.registryFile, scanErr)
	}

	for _, r := range b.replicas {
		stateFile, hillsFile, err := readListFile(r.listFile)
		if err != nil {
			b.logf("failed to read the file %q: will try again after %d steps", r.listFile, b.replicaUpdateFreq)
			r.updateStatus++
			continue
		}
		if stateFile != r.stateFile {
			b.logf("replica %q has supplied a new state file, %q", r.id, stateFile)
			r.stateInSync = false
			r.hillsFilePos = 0
			r.stateFile = stateFile
			r.hillsFile = hillsFile
		}
	}
	return nil
}

// readListFile parses the two-line stateFile/hillsFile list file.
func readListFile(path string) (stateFile, hillsFile string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()
	var key1, key2 string
	if _, err := fmt.Fscan(f, &key1, &stateFile, &key2, &hillsFile); err != nil {
		return "", "", err
	}
	if key1 != "stateFile" || key2 != "hillsFile" {
		return "", "", fmt.Errorf("malformed replica list file %q", path)
	}
	return stateFile, hillsFile, nil
}

// readReplicaFiles syncs every peer: state file first when out of sync,
// then the tail of its hills file from the remembered offset.
func (b *MetaBias) readReplicaFiles() error {
	for _, r := range b.replicas {
		if !r.bias.hasData || !r.stateInSync {
			if r.stateFile != "" {
				b.logf("reading the state of replica %q from file %q", r.id, r.stateFile)
				if err := r.bias.readStateFile(r.stateFile); err != nil {
					b.logf("failed to read the file %q: will try again in %d steps", r.stateFile, b.replicaUpdateFreq)
					r.stateInSync = false
					r.updateStatus++
				} else {
					r.stateInSync = true
					r.updateStatus = 0
				}
			} else {
				b.logf("the state file of replica %q is currently undefined: will try again after %d steps", r.id, b.replicaUpdateFreq)
				r.updateStatus++
			}
		}

		if !r.stateInSync {
			// a new state file implies a new hills file
			r.hillsFilePos = 0
		}

		if r.hillsFile != "" {
			if err := b.readPeerHills(r); err != nil {
				b.logf("failed to read the file %q: will try again in %d steps", r.hillsFile, b.replicaUpdateFreq)
				r.updateStatus++
			}
		}

		nFlush := b.replicaUpdateFreq/b.newHillFreq + 1
		if int64(r.updateStatus) > 3*nFlush {
			b.logf("WARNING: could not read information from replica %q after more than %d steps; ensure that it is still running", r.id, int64(r.updateStatus)*b.replicaUpdateFreq)
		}
	}
	return nil
}

// readPeerHills tails a peer's hills file from the last read offset.
// The cursor advances only past complete records; on a failed seek the
// cursor resets to zero and the peer's state is scheduled for a reread.
func (b *MetaBias) readPeerHills(r *replicaRecord) error {
	f, err := os.Open(r.hillsFile)
	if err != nil {
		return err
	}
	defer f.Close()

	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if r.hillsFilePos > end {
		// the file shrank: it was overwritten, restart from the top and
		// resync the state
		r.hillsFilePos = 0
		r.stateInSync = false
		r.updateStatus++
		return nil
	}
	if _, err := f.Seek(r.hillsFilePos, io.SeekStart); err != nil {
		r.hillsFilePos = 0
		r.stateInSync = false
		r.updateStatus++
		return nil
	}

	buf, err := io.ReadAll(f)
	if err != nil {
		return err
	}

	bt := &byteTokenizer{buf: buf}
	good := 0
	for {
		h, err := r.bias.readHillRecord(bt)
		if err != nil || h == nil {
			break
		}
		r.bias.acceptTailedHill(h)
		b.logf("received a hill from replica %q at step %d", r.id, h.It)
		good = bt.pos
	}
	r.hillsFilePos += int64(good)

	// anything left beyond the cursor means the peer is still ahead of
	// what parsed cleanly this cycle
	if end > r.hillsFilePos+1 {
		r.updateStatus++
	} else {
		r.updateStatus = 0
	}
	return nil
}

// readStateFile restores a bias from a state file on disk.
func (b *MetaBias) readStateFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFile, err)
	}
	defer f.Close()
	return b.ReadState(f)
}

// writeReplicaStateFile atomically rewrites this replica's state file
// via a temporary file.
func (b *MetaBias) writeReplicaStateFile() error {
	tmp := b.replicaStateFile + ".tmp"
	if err := b.px.RemoveFile(tmp); err != nil {
		return fmt.Errorf("%w: %v", ErrFile, err)
	}
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("%w: temporary state file: %v", ErrFile, err)
	}
	werr := b.WriteState(f)
	cerr := f.Close()
	if werr != nil {
		return werr
	}
	if cerr != nil {
		return fmt.Errorf("%w: temporary state file: %v", ErrFile, cerr)
	}
	if err := b.px.RenameFile(tmp, b.replicaStateFile); err != nil {
		return fmt.Errorf("%w: %v", ErrFile, err)
	}
	return nil
}

// WriteStateToReplicas refreshes this replica's shared state file and
// truncates its hills buffer file, scheduling the peers for resync.
func (b *MetaBias) WriteStateToReplicas() error {
	if !b.comm {
		return nil
	}
	var firstErr error
	if err := b.writeReplicaStateFile(); err != nil {
		firstErr = err
	}
	if err := b.reopenReplicaBufferFile(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, r := range b.replicas {
		r.stateInSync = false
	}
	return firstErr
}

// reopenReplicaBufferFile truncates the local hills buffer file after
// its contents were folded into the state file.
func (b *MetaBias) reopenReplicaBufferFile() error {
	if err := b.px.CloseOutputStream(b.replicaHillsFile); err != nil {
		return fmt.Errorf("%w: %v", ErrFile, err)
	}
	if err := b.px.RemoveFile(b.replicaHillsFile); err != nil {
		return fmt.Errorf("%w: %v", ErrFile, err)
	}
	if _, err := b.px.OutputStream(b.replicaHillsFile); err != nil {
		return fmt.Errorf("%w: %v", ErrFile, err)
	}
	return nil
}

// Replicas reports the ids of the peers currently tracked.
func (b *MetaBias) Replicas() []string {
	out := make([]string, 0, len(b.replicas))
	for _, r := range b.replicas {
		out = append(out, r.id)
	}
	return out
}
