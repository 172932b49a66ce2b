// Package vm provides an emulated virtual address space for user programs.
//
// The address space is a page table of host-backed pages guarded by an MMU
// model: every access is translated through a software TLB and the page
// table, checked against the page protection, and either served from host
// memory or turned into a Fault. Faults are delivered synchronously to the
// installed trap handler, which may resolve them (for example by mapping
// the missing page) before the access is retried.
//
// Usage:
//
//	as := vm.NewAddressSpace()
//	prev, _ := as.InstallTrapHandler(myHandler)
//	_ = as.Map(0x400000, vm.PageSize, vm.ProtRead|vm.ProtWrite)
//	v, err := as.Read64(0x400000)
package vm

const (
	// PageShift is log2(PageSize).
	PageShift = 12

	// PageSize is the size of a page, the unit of mapping and protection.
	PageSize = 1 << PageShift

	pageMask = PageSize - 1
)

// PageRoundDown returns addr rounded down to the start of its page.
func PageRoundDown(addr uint64) uint64 {
	return addr &^ pageMask
}

// PageRoundUp returns addr rounded up to the next page boundary. ok is false
// if the result would overflow.
func PageRoundUp(addr uint64) (rounded uint64, ok bool) {
	rounded = (addr + pageMask) &^ pageMask
	return rounded, rounded >= addr
}

// IsPageAligned reports whether addr is the start of a page.
func IsPageAligned(addr uint64) bool {
	return addr&pageMask == 0
}

// PageCount returns the number of pages needed to hold length bytes.
func PageCount(length uint64) uint64 {
	return (length + pageMask) >> PageShift
}

// PageIndex returns the number of the page containing addr.
func PageIndex(addr uint64) uint64 {
	return addr >> PageShift
}
