package vm

import "fmt"

// HostMemory supplies the host bytes that back guest pages.
type HostMemory interface {
	// Allocate returns length zeroed, readable and writable bytes.
	Allocate(length int) ([]byte, error)
	// Protect applies prot to memory returned by Allocate.
	Protect(b []byte, prot Prot) error
	// Release returns memory obtained from Allocate.
	Release(b []byte) error
}

// Host memory kinds accepted by NewHostMemory.
const (
	HostMemoryHeap = "heap"
	HostMemoryMmap = "mmap"
)

// NewHostMemory returns the HostMemory implementation named by kind.
func NewHostMemory(kind string) (HostMemory, error) {
	switch kind {
	case HostMemoryHeap, "":
		return HeapMemory{}, nil
	case HostMemoryMmap:
		return newMmapMemory()
	default:
		return nil, fmt.Errorf("unknown host memory kind %q", kind)
	}
}

// HeapMemory backs pages with Go heap slices. Protection is enforced only
// by the emulated MMU.
type HeapMemory struct{}

// Allocate implements HostMemory.
func (HeapMemory) Allocate(length int) ([]byte, error) {
	if length <= 0 {
		return nil, ErrInvalidLength
	}
	return make([]byte, length), nil
}

// Protect implements HostMemory.
func (HeapMemory) Protect([]byte, Prot) error {
	return nil
}

// Release implements HostMemory.
func (HeapMemory) Release([]byte) error {
	return nil
}
