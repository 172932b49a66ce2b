//go:build unix

package vm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MmapMemory backs each guest page with its own anonymous private host
// mapping, and mirrors guest protection onto it with mprotect.
type MmapMemory struct{}

func newMmapMemory() (HostMemory, error) {
	return MmapMemory{}, nil
}

// Allocate implements HostMemory.
func (MmapMemory) Allocate(length int) ([]byte, error) {
	if length <= 0 {
		return nil, ErrInvalidLength
	}

	b, err := unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", length, err)
	}
	return b, nil
}

// Protect implements HostMemory.
func (MmapMemory) Protect(b []byte, prot Prot) error {
	if err := unix.Mprotect(b, hostProt(prot)); err != nil {
		return fmt.Errorf("mprotect %s: %w", prot, err)
	}
	return nil
}

// Release implements HostMemory.
func (MmapMemory) Release(b []byte) error {
	return unix.Munmap(b)
}

// hostProt maps a guest protection to the host protection of the backing
// page. Guest instructions are fetched as data, so execute needs host read.
func hostProt(p Prot) int {
	prot := unix.PROT_NONE
	if p&(ProtRead|ProtExec) != 0 {
		prot |= unix.PROT_READ
	}
	if p&ProtWrite != 0 {
		prot |= unix.PROT_READ | unix.PROT_WRITE
	}
	return prot
}
