// Package proxy defines the bridge the biasing engine uses to reach
// its host MD engine and the filesystem.
package proxy

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
)

// Proxy is what the bias consumes from its host. Implementations are
// expected to be cheap to call every step.
type Proxy interface {
	// Boltzmann returns k_B in the host's unit system.
	Boltzmann() float64
	// TargetTemperature is the thermostat temperature.
	TargetTemperature() float64
	// ReplicaIndex identifies this replica when the host runs several;
	// -1 when no communicator is available.
	ReplicaIndex() int
	// WorkDir anchors the replica coordination files.
	WorkDir() string

	// OutputStream returns (opening or reusing) a buffered writer for
	// the named file.
	OutputStream(name string) (*bufio.Writer, error)
	FlushOutputStream(name string) error
	CloseOutputStream(name string) error
	RenameFile(oldPath, newPath string) error
	RemoveFile(name string) error
}

// FileProxy is the plain-filesystem implementation used by the CLI and
// the tests.
type FileProxy struct {
	KB      float64
	Temp    float64
	Replica int
	Dir     string

	files   map[string]*os.File
	writers map[string]*bufio.Writer
}

// NewFileProxy returns a proxy rooted at dir. kb and temp set the unit
// system and thermostat temperature.
func NewFileProxy(dir string, kb, temp float64) *FileProxy {
	return &FileProxy{
		KB:      kb,
		Temp:    temp,
		Replica: -1,
		Dir:     dir,
		files:   make(map[string]*os.File),
		writers: make(map[string]*bufio.Writer),
	}
}

func (p *FileProxy) Boltzmann() float64         { return p.KB }
func (p *FileProxy) TargetTemperature() float64 { return p.Temp }
func (p *FileProxy) ReplicaIndex() int          { return p.Replica }
func (p *FileProxy) WorkDir() string            { return p.Dir }

func (p *FileProxy) path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(p.Dir, name)
}

func (p *FileProxy) OutputStream(name string) (*bufio.Writer, error) {
	if w, ok := p.writers[name]; ok {
		return w, nil
	}
	f, err := os.OpenFile(p.path(name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("proxy: open %s: %w", name, err)
	}
	w := bufio.NewWriter(f)
	p.files[name] = f
	p.writers[name] = w
	return w, nil
}

func (p *FileProxy) FlushOutputStream(name string) error {
	w, ok := p.writers[name]
	if !ok {
		return nil
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return p.files[name].Sync()
}

func (p *FileProxy) CloseOutputStream(name string) error {
	w, ok := p.writers[name]
	if !ok {
		return nil
	}
	flushErr := w.Flush()
	closeErr := p.files[name].Close()
	delete(p.writers, name)
	delete(p.files, name)
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

func (p *FileProxy) RenameFile(oldPath, newPath string) error {
	return os.Rename(p.path(oldPath), p.path(newPath))
}

func (p *FileProxy) RemoveFile(name string) error {
	err := os.Remove(p.path(name))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// Close flushes and closes every open stream.
func (p *FileProxy) Close() error {
	var first error
	for name := range p.writers {
		if err := p.CloseOutputStream(name); err != nil && first == nil {
			first = err
		}
	}
	return first
}
