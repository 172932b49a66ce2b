package emu

import "github.com/sarchlab/lazyload/vm"

// Memory is the guest memory the core executes against. Every access may
// fault; a returned error means no handler resolved the fault.
type Memory interface {
	Read(addr uint64, buf []byte) error
	Write(addr uint64, data []byte) error
	Fetch32(addr uint64) (uint32, error)

	Read8(addr uint64) (uint8, error)
	Read16(addr uint64) (uint16, error)
	Read32(addr uint64) (uint32, error)
	Read64(addr uint64) (uint64, error)

	Write8(addr uint64, v uint8) error
	Write16(addr uint64, v uint16) error
	Write32(addr uint64, v uint32) error
	Write64(addr uint64, v uint64) error
}

var _ Memory = (*vm.AddressSpace)(nil)

// LoadStoreUnit implements ARM64 loads and stores. A failed access leaves
// the register file unchanged.
type LoadStoreUnit struct {
	regFile *RegFile
	memory  Memory
}

// NewLoadStoreUnit creates a new LoadStoreUnit connected to the given
// register file and memory.
func NewLoadStoreUnit(regFile *RegFile, memory Memory) *LoadStoreUnit {
	return &LoadStoreUnit{
		regFile: regFile,
		memory:  memory,
	}
}

// read reads size bytes at addr, zero-extended.
func (lsu *LoadStoreUnit) read(addr uint64, size uint8) (uint64, error) {
	switch size {
	case 1:
		v, err := lsu.memory.Read8(addr)
		return uint64(v), err
	case 2:
		v, err := lsu.memory.Read16(addr)
		return uint64(v), err
	case 4:
		v, err := lsu.memory.Read32(addr)
		return uint64(v), err
	default:
		return lsu.memory.Read64(addr)
	}
}

func (lsu *LoadStoreUnit) write(addr uint64, size uint8, v uint64) error {
	switch size {
	case 1:
		return lsu.memory.Write8(addr, uint8(v))
	case 2:
		return lsu.memory.Write16(addr, uint16(v))
	case 4:
		return lsu.memory.Write32(addr, uint32(v))
	default:
		return lsu.memory.Write64(addr, v)
	}
}

// Load loads size bytes at addr into rt, zero-extended, or sign-extended to
// 64 bits when signed is set (LDRSW).
func (lsu *LoadStoreUnit) Load(rt uint8, addr uint64, size uint8, signed bool) error {
	v, err := lsu.read(addr, size)
	if err != nil {
		return err
	}
	if signed {
		v = uint64(int64(int32(v)))
	}
	lsu.regFile.WriteReg(rt, v)
	return nil
}

// Store stores the low size bytes of rt at addr.
func (lsu *LoadStoreUnit) Store(rt uint8, addr uint64, size uint8) error {
	return lsu.write(addr, size, lsu.regFile.ReadReg(rt))
}

// LoadPair loads rt from addr and rt2 from addr+size. Neither register is
// written unless both loads succeed.
func (lsu *LoadStoreUnit) LoadPair(rt, rt2 uint8, addr uint64, size uint8) error {
	v1, err := lsu.read(addr, size)
	if err != nil {
		return err
	}
	v2, err := lsu.read(addr+uint64(size), size)
	if err != nil {
		return err
	}
	lsu.regFile.WriteReg(rt, v1)
	lsu.regFile.WriteReg(rt2, v2)
	return nil
}

// StorePair stores rt at addr and rt2 at addr+size.
func (lsu *LoadStoreUnit) StorePair(rt, rt2 uint8, addr uint64, size uint8) error {
	if err := lsu.write(addr, size, lsu.regFile.ReadReg(rt)); err != nil {
		return err
	}
	return lsu.write(addr+uint64(size), size, lsu.regFile.ReadReg(rt2))
}
