// Package image maps PE32+ and ELF64 x86-64 module files into a
// memory.Snapshot the way a loader would lay them out, so resolvers can run
// over files on disk as if over a live process.
package image

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"binfacts/internal/memory"
)

// Options control where and under which name a module is mapped.
type Options struct {
	// Name overrides the module name, which defaults to the file name.
	Name string
	// Base overrides the preferred load address. Zero keeps the file's
	// preference, moved to the next free slot when it is taken.
	Base uint64
}

const (
	// Modules without a preference (position independent ELF) start here.
	defaultDynamicBase = 0x7f00_0000_0000
	baseAlign          = 0x1_0000
)

// Format is a supported file format.
type Format int

const (
	FormatUnknown Format = iota
	FormatPE
	FormatELF
)

func (f Format) String() string {
	switch f {
	case FormatPE:
		return "pe"
	case FormatELF:
		return "elf"
	}
	return "unknown"
}

// Detect identifies the format of r from its magic.
func Detect(r io.ReaderAt) Format {
	var magic [4]byte
	if _, err := r.ReadAt(magic[:], 0); err != nil {
		return FormatUnknown
	}
	switch {
	case bytes.Equal(magic[:], []byte("\x7fELF")):
		return FormatELF
	case magic[0] == 'M' && magic[1] == 'Z':
		return FormatPE
	}
	return FormatUnknown
}

// Open maps the module at path into s.
func Open(s *memory.Snapshot, path string, opts Options) (*memory.Module, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open module: %w", err)
	}
	format := Detect(f)
	f.Close()

	switch format {
	case FormatPE:
		return OpenPE(s, path, opts)
	case FormatELF:
		return OpenELF(s, path, opts)
	}
	return nil, fmt.Errorf("open module %s: unrecognized format", path)
}

// Spec names one module to load.
type Spec struct {
	Path string
	Options
}

// Load maps every module into a new snapshot. The first becomes the main
// executable.
func Load(specs ...Spec) (*memory.Snapshot, error) {
	s := memory.NewSnapshot()
	for _, sp := range specs {
		if _, err := Open(s, sp.Path, sp.Options); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// placement returns where a module of size bytes preferring base goes:
// base itself when free, else the first aligned free slot above it.
func placement(s *memory.Snapshot, base, size uint64) uint64 {
	if base == 0 {
		base = defaultDynamicBase
	}
	for s.Overlaps(base, size) {
		base = (base + size + baseAlign - 1) &^ (baseAlign - 1)
	}
	return base
}

// mapSegment copies data into s, skipping empty ranges.
func mapSegment(s *memory.Snapshot, start uint64, data []byte, exec bool) error {
	if len(data) == 0 {
		return nil
	}
	if err := s.Map(start, data, exec); err != nil {
		return fmt.Errorf("map segment: %w", err)
	}
	return nil
}
