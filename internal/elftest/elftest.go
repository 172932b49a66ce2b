// Package elftest builds small ELF64 images for tests.
package elftest

import (
	"debug/elf"
	"encoding/binary"
	"os"
)

const (
	headerSize = 64
	phdrSize   = 56
	pageSize   = 0x1000
)

// Segment is one PT_LOAD program header and its file contents.
type Segment struct {
	Vaddr uint64
	Data  []byte
	// MemSize defaults to len(Data) when zero.
	MemSize uint64
	Flags   elf.ProgFlag
}

// File describes an ELF image. Zero values produce a static AArch64
// executable.
type File struct {
	Entry    uint64
	Class    elf.Class
	Machine  elf.Machine
	Type     elf.Type
	Interp   string
	Segments []Segment
	// Truncate, if non-zero, cuts the image to this many bytes.
	Truncate int
}

// Bytes lays the image out. Each segment's data is placed at a file offset
// congruent to its address modulo the page size, like a real linker does.
func (f *File) Bytes() []byte {
	machine := f.Machine
	if machine == elf.EM_NONE {
		machine = elf.EM_AARCH64
	}
	typ := f.Type
	if typ == elf.ET_NONE {
		typ = elf.ET_EXEC
	}
	class := f.Class
	if class == elf.ELFCLASSNONE {
		class = elf.ELFCLASS64
	}

	phnum := len(f.Segments)
	if f.Interp != "" {
		phnum++
	}

	out := make([]byte, headerSize+phnum*phdrSize)
	le := binary.LittleEndian

	copy(out[0:4], elf.ELFMAG)
	out[elf.EI_CLASS] = byte(class)
	out[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	out[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	le.PutUint16(out[16:], uint16(typ))
	le.PutUint16(out[18:], uint16(machine))
	le.PutUint32(out[20:], uint32(elf.EV_CURRENT))
	le.PutUint64(out[24:], f.Entry)
	le.PutUint64(out[32:], headerSize)
	le.PutUint16(out[52:], headerSize)
	le.PutUint16(out[54:], phdrSize)
	le.PutUint16(out[56:], uint16(phnum))
	le.PutUint16(out[58:], 64)

	ph := headerSize
	putPhdr := func(typ elf.ProgType, flags elf.ProgFlag, off, vaddr, filesz, memsz uint64) {
		le.PutUint32(out[ph:], uint32(typ))
		le.PutUint32(out[ph+4:], uint32(flags))
		le.PutUint64(out[ph+8:], off)
		le.PutUint64(out[ph+16:], vaddr)
		le.PutUint64(out[ph+24:], vaddr)
		le.PutUint64(out[ph+32:], filesz)
		le.PutUint64(out[ph+40:], memsz)
		le.PutUint64(out[ph+48:], pageSize)
		ph += phdrSize
	}

	if f.Interp != "" {
		off := uint64(len(out))
		out = append(out, f.Interp...)
		out = append(out, 0)
		putPhdr(elf.PT_INTERP, elf.PF_R, off, 0, uint64(len(f.Interp)+1), uint64(len(f.Interp)+1))
	}

	for _, s := range f.Segments {
		off := uint64(len(out))
		pad := (s.Vaddr - off) % pageSize
		out = append(out, make([]byte, pad)...)
		off += pad
		out = append(out, s.Data...)

		memsz := s.MemSize
		if memsz == 0 {
			memsz = uint64(len(s.Data))
		}
		putPhdr(elf.PT_LOAD, s.Flags, off, s.Vaddr, uint64(len(s.Data)), memsz)
	}

	if f.Truncate > 0 && f.Truncate < len(out) {
		out = out[:f.Truncate]
	}
	return out
}

// Write stores the image at path.
func (f *File) Write(path string) error {
	return os.WriteFile(path, f.Bytes(), 0o755)
}

// Offset returns the file offset of segment i's data in the laid-out image.
func (f *File) Offset(i int) uint64 {
	le := binary.LittleEndian
	ph := headerSize + i*phdrSize
	if f.Interp != "" {
		ph += phdrSize
	}
	return le.Uint64(f.Bytes()[ph+8:])
}
