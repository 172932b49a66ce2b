// Package loader parses static ARM64 ELF executables into the segment table
// used for demand paging.
package loader

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"

	"github.com/sarchlab/lazyload/vm"
)

// ErrNotExecutable is returned for ELF files that are valid but cannot be
// run by the loader.
var ErrNotExecutable = errors.New("not a static ARM64 executable")

// Perm is the access permission of a segment. Bits use mprotect numbering.
type Perm uint32

const (
	// PermRead indicates the segment is readable.
	PermRead Perm = 1 << iota
	// PermWrite indicates the segment is writable.
	PermWrite
	// PermExec indicates the segment is executable.
	PermExec
)

// Prot returns the page protection for p.
func (p Perm) Prot() vm.Prot {
	return vm.Prot(p)
}

func (p Perm) String() string {
	return p.Prot().String()
}

func permFromFlags(flags elf.ProgFlag) Perm {
	var p Perm
	if flags&elf.PF_R != 0 {
		p |= PermRead
	}
	if flags&elf.PF_W != 0 {
		p |= PermWrite
	}
	if flags&elf.PF_X != 0 {
		p |= PermExec
	}
	return p
}

// Segment is a loadable region of the executable.
type Segment struct {
	// VirtAddr is the page-aligned start address of the segment.
	VirtAddr uint64
	// FileSize is the number of bytes backed by the file.
	FileSize uint64
	// MemSize is the size in memory. Bytes past FileSize are zero.
	MemSize uint64
	// FileOffset is where the segment's bytes start in the file.
	FileOffset uint64
	// Perm is the access permission of every page of the segment.
	Perm Perm
}

// End returns the first address past the segment.
func (s Segment) End() uint64 {
	return s.VirtAddr + s.MemSize
}

// Contains reports whether addr falls inside [VirtAddr, End()).
func (s Segment) Contains(addr uint64) bool {
	return addr >= s.VirtAddr && addr-s.VirtAddr < s.MemSize
}

// Pages returns the number of pages the segment spans.
func (s Segment) Pages() uint64 {
	return vm.PageCount(s.MemSize)
}

// Image is a parsed executable.
type Image struct {
	// Path is the file the image was parsed from.
	Path string
	// Entry is the virtual address where execution begins.
	Entry uint64
	// Segments are the loadable segments in program header order.
	Segments []Segment
}

// Parse reads the program headers of the ARM64 ELF executable at path.
// No segment contents are read.
func Parse(path string) (*Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ELF file: %w", err)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat ELF file: %w", err)
	}
	size := uint64(info.Size())

	f, err := elf.NewFile(file)
	if err != nil {
		return nil, fmt.Errorf("invalid ELF file: %w", err)
	}

	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("%w: not a 64-bit ELF file", ErrNotExecutable)
	}

	if f.Machine != elf.EM_AARCH64 {
		return nil, fmt.Errorf("%w: not an ARM64 ELF file (machine type: %v)",
			ErrNotExecutable, f.Machine)
	}

	if f.Type != elf.ET_EXEC {
		return nil, fmt.Errorf("%w: ELF type is %v", ErrNotExecutable, f.Type)
	}

	img := &Image{
		Path:  path,
		Entry: f.Entry,
	}

	for _, phdr := range f.Progs {
		switch phdr.Type {
		case elf.PT_INTERP:
			return nil, fmt.Errorf("%w: dynamically linked", ErrNotExecutable)
		case elf.PT_LOAD:
		default:
			continue
		}

		if phdr.Memsz == 0 {
			continue
		}

		seg, err := segmentFromProg(&phdr.ProgHeader, size)
		if err != nil {
			return nil, err
		}
		img.Segments = append(img.Segments, seg)
	}

	if len(img.Segments) == 0 {
		return nil, fmt.Errorf("%w: no loadable segments", ErrNotExecutable)
	}

	return img, nil
}

// segmentFromProg validates a PT_LOAD header against the file size and
// moves an unaligned start down to its page boundary.
func segmentFromProg(phdr *elf.ProgHeader, size uint64) (Segment, error) {
	if phdr.Filesz > phdr.Memsz {
		return Segment{}, fmt.Errorf("segment at 0x%x: file size 0x%x exceeds memory size 0x%x",
			phdr.Vaddr, phdr.Filesz, phdr.Memsz)
	}

	if phdr.Off > size || phdr.Filesz > size-phdr.Off {
		return Segment{}, fmt.Errorf("segment at 0x%x: file range 0x%x+0x%x is past end of file (0x%x)",
			phdr.Vaddr, phdr.Off, phdr.Filesz, size)
	}

	end, ok := vm.PageRoundUp(phdr.Vaddr + phdr.Memsz)
	if phdr.Vaddr+phdr.Memsz < phdr.Vaddr || !ok || end == 0 {
		return Segment{}, fmt.Errorf("segment at 0x%x: memory size 0x%x overflows the address space",
			phdr.Vaddr, phdr.Memsz)
	}

	delta := phdr.Vaddr - vm.PageRoundDown(phdr.Vaddr)
	if phdr.Off < delta {
		return Segment{}, fmt.Errorf("segment at 0x%x: file offset 0x%x is not congruent to the address",
			phdr.Vaddr, phdr.Off)
	}

	return Segment{
		VirtAddr:   phdr.Vaddr - delta,
		FileSize:   phdr.Filesz + delta,
		MemSize:    phdr.Memsz + delta,
		FileOffset: phdr.Off - delta,
		Perm:       permFromFlags(phdr.Flags),
	}, nil
}
