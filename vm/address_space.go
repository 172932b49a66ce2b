package vm

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// maxFaultRetries bounds how many faults a single access may raise before
// it is abandoned as a fault loop.
const maxFaultRetries = 8

// Mapping is a run of contiguous pages with the same protection.
type Mapping struct {
	Start uint64
	End   uint64
	Prot  Prot
}

// Length returns the size of the mapping in bytes.
func (m Mapping) Length() uint64 {
	return m.End - m.Start
}

func (m Mapping) String() string {
	return fmt.Sprintf("%012x-%012x %s", m.Start, m.End, m.Prot)
}

// Stats holds address space statistics.
type Stats struct {
	// Faults is the number of faults delivered to the trap handler.
	Faults uint64
	// MapErrFaults counts faults on unmapped pages.
	MapErrFaults uint64
	// AccErrFaults counts faults on pages whose protection denied the access.
	AccErrFaults uint64
	// ResolvedFaults counts faults the trap handler resolved.
	ResolvedFaults uint64
	// MappedPages is the number of pages currently mapped.
	MappedPages uint64
	// TLB holds translation cache statistics (zero if the TLB is disabled).
	TLB TLBStats
}

// Option is a functional option for configuring an AddressSpace.
type Option func(*AddressSpace)

// WithHostMemory sets the allocator for page backing memory.
func WithHostMemory(host HostMemory) Option {
	return func(as *AddressSpace) {
		as.host = host
	}
}

// WithTLB sets the TLB geometry. A zero Sets or Ways disables the TLB.
func WithTLB(config TLBConfig) Option {
	return func(as *AddressSpace) {
		if config.Sets <= 0 || config.Ways <= 0 {
			as.tlb = nil
			return
		}
		as.tlb = NewTLB(config)
	}
}

// AddressSpace is an emulated virtual address space.
//
// Trap handlers run on the goroutine that made the faulting access and
// without any AddressSpace lock held, so they may call Map, Protect and the
// supervisor accessors (CopyIn, CopyOut).
type AddressSpace struct {
	mu      sync.Mutex
	table   *pageTable
	tlb     *TLB
	host    HostMemory
	handler TrapHandler
	stats   Stats
}

// NewAddressSpace creates an empty address space with heap-backed pages and
// the default TLB.
func NewAddressSpace(opts ...Option) *AddressSpace {
	as := &AddressSpace{
		table: newPageTable(),
		tlb:   NewTLB(DefaultTLBConfig()),
		host:  HeapMemory{},
	}

	for _, opt := range opts {
		opt(as)
	}

	return as
}

// InstallTrapHandler makes h the receiver of all faults and returns the
// handler it replaced. The first installation returns DefaultTrapHandler,
// so callers can always forward to the previous handler.
func (as *AddressSpace) InstallTrapHandler(h TrapHandler) (TrapHandler, error) {
	if h == nil {
		return nil, ErrNilHandler
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	previous := as.handler
	if previous == nil {
		previous = DefaultTrapHandler
	}
	as.handler = h

	return previous, nil
}

// checkRange validates a page-aligned range and returns its page numbers.
func checkRange(addr, length uint64) (first, count uint64, err error) {
	if !IsPageAligned(addr) {
		return 0, 0, fmt.Errorf("0x%x: %w", addr, ErrNotAligned)
	}
	if length == 0 || addr+length < addr {
		return 0, 0, fmt.Errorf("0x%x+0x%x: %w", addr, length, ErrInvalidLength)
	}
	end, ok := PageRoundUp(addr + length)
	if !ok {
		return 0, 0, fmt.Errorf("0x%x+0x%x: %w", addr, length, ErrInvalidLength)
	}
	return addr >> PageShift, (end - addr) >> PageShift, nil
}

// Map creates fresh zero-filled pages covering [addr, addr+length) with the
// given protection, replacing any pages already mapped there. addr must be
// page aligned; length is rounded up to whole pages.
func (as *AddressSpace) Map(addr, length uint64, prot Prot) error {
	return as.Populate(addr, length, nil, prot)
}

// Populate is Map with initial contents: src is copied to the start of the
// range and the rest stays zero. The pages are filled and protected before
// they enter the page table, so no access observes them half built.
//
// A failure to allocate host memory wraps ErrHostAllocate; a failure to
// apply prot to it wraps ErrHostProtect.
func (as *AddressSpace) Populate(addr, length uint64, src []byte, prot Prot) error {
	first, count, err := checkRange(addr, length)
	if err != nil {
		return fmt.Errorf("map: %w", err)
	}
	if uint64(len(src)) > length {
		return fmt.Errorf("map 0x%x: %d bytes of content for 0x%x bytes: %w",
			addr, len(src), length, ErrInvalidLength)
	}

	pages := make([]*pte, 0, count)
	release := func() {
		for _, p := range pages {
			_ = as.host.Release(p.data)
		}
	}

	for i := uint64(0); i < count; i++ {
		pageAddr := (first + i) << PageShift

		data, err := as.host.Allocate(PageSize)
		if err != nil {
			release()
			return fmt.Errorf("map 0x%x: %w: %w", pageAddr, ErrHostAllocate, err)
		}
		pages = append(pages, &pte{vpn: first + i, prot: prot, data: data})

		if off := i << PageShift; off < uint64(len(src)) {
			copy(data, src[off:])
		}

		if prot != ProtRW {
			if err := as.host.Protect(data, prot); err != nil {
				release()
				return fmt.Errorf("map 0x%x: %w: %w", pageAddr, ErrHostProtect, err)
			}
		}
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	for _, p := range pages {
		if old, replaced := as.table.set(p); replaced {
			_ = as.host.Release(old.data)
		}
		if as.tlb != nil {
			as.tlb.invalidate(p.vpn)
		}
	}

	return nil
}

// Protect changes the protection of every page in [addr, addr+length).
// All pages in the range must be mapped; otherwise nothing is changed.
func (as *AddressSpace) Protect(addr, length uint64, prot Prot) error {
	first, count, err := checkRange(addr, length)
	if err != nil {
		return fmt.Errorf("protect: %w", err)
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	pages := make([]*pte, 0, count)
	for vpn := first; vpn < first+count; vpn++ {
		p, ok := as.table.get(vpn)
		if !ok {
			return fmt.Errorf("protect 0x%x: %w", vpn<<PageShift, ErrNotMapped)
		}
		pages = append(pages, p)
	}

	for _, p := range pages {
		if err := as.host.Protect(p.data, prot); err != nil {
			return fmt.Errorf("protect 0x%x: %w: %w", p.vpn<<PageShift, ErrHostProtect, err)
		}
		p.prot = prot
	}

	return nil
}

// Unmap removes every mapped page in [addr, addr+length). Unmapped pages in
// the range are ignored.
func (as *AddressSpace) Unmap(addr, length uint64) error {
	first, count, err := checkRange(addr, length)
	if err != nil {
		return fmt.Errorf("unmap: %w", err)
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	for vpn := first; vpn < first+count; vpn++ {
		p, ok := as.table.remove(vpn)
		if !ok {
			continue
		}
		if as.tlb != nil {
			as.tlb.invalidate(vpn)
		}
		_ = as.host.Release(p.data)
	}

	return nil
}

// Lookup returns the protection of the page containing addr.
func (as *AddressSpace) Lookup(addr uint64) (Prot, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()

	p, ok := as.table.get(addr >> PageShift)
	if !ok {
		return ProtNone, false
	}
	return p.prot, true
}

// Mappings returns the mapped ranges in address order, with adjacent pages
// of equal protection merged.
func (as *AddressSpace) Mappings() []Mapping {
	as.mu.Lock()
	defer as.mu.Unlock()

	var out []Mapping
	as.table.ascend(func(p *pte) bool {
		start := p.vpn << PageShift
		if n := len(out); n > 0 && out[n-1].End == start && out[n-1].Prot == p.prot {
			out[n-1].End += PageSize
			return true
		}
		out = append(out, Mapping{Start: start, End: start + PageSize, Prot: p.prot})
		return true
	})
	return out
}

// Stats returns address space statistics.
func (as *AddressSpace) Stats() Stats {
	as.mu.Lock()
	defer as.mu.Unlock()

	s := as.stats
	s.MappedPages = uint64(as.table.len())
	if as.tlb != nil {
		s.TLB = as.tlb.Stats()
	}
	return s
}

// translate resolves addr for an access of type at. It returns a zero code
// and the entry on success, or the fault code.
func (as *AddressSpace) translate(addr uint64, at AccessType) (*pte, FaultCode) {
	as.mu.Lock()
	defer as.mu.Unlock()

	vpn := addr >> PageShift

	var p *pte
	if as.tlb != nil {
		p = as.tlb.lookup(vpn)
	}
	if p == nil {
		var ok bool
		p, ok = as.table.get(vpn)
		if !ok {
			return nil, CodeMapErr
		}
		if as.tlb != nil {
			as.tlb.insert(p)
		}
	}

	if !at.Allowed(p.prot) {
		return nil, CodeAccErr
	}
	return p, 0
}

// deliver hands f to the installed trap handler.
func (as *AddressSpace) deliver(f Fault) error {
	as.mu.Lock()
	as.stats.Faults++
	if f.Code == CodeMapErr {
		as.stats.MapErrFaults++
	} else {
		as.stats.AccErrFaults++
	}
	h := as.handler
	as.mu.Unlock()

	if h == nil {
		h = DefaultTrapHandler
	}

	if err := h(f); err != nil {
		return err
	}

	as.mu.Lock()
	as.stats.ResolvedFaults++
	as.mu.Unlock()
	return nil
}

// access returns the host bytes of the page containing addr, raising faults
// until the access is permitted or a handler gives up.
func (as *AddressSpace) access(addr uint64, at AccessType) ([]byte, error) {
	var last Fault
	for i := 0; ; i++ {
		p, code := as.translate(addr, at)
		if code == 0 {
			return p.data, nil
		}

		f := Fault{Addr: addr, Access: at, Code: code}
		if f == last || i >= maxFaultRetries {
			return nil, &FaultLoopError{Fault: f}
		}
		if err := as.deliver(f); err != nil {
			return nil, err
		}
		last = f
	}
}

// transfer moves bytes between buf and guest memory page by page.
func (as *AddressSpace) transfer(addr uint64, buf []byte, at AccessType) error {
	for len(buf) > 0 {
		data, err := as.access(addr, at)
		if err != nil {
			return err
		}

		off := addr & pageMask
		var n int
		if at == AccessWrite {
			n = copy(data[off:], buf)
		} else {
			n = copy(buf, data[off:])
		}
		buf = buf[n:]
		addr += uint64(n)
	}
	return nil
}

// Read copies len(buf) bytes at addr into buf.
func (as *AddressSpace) Read(addr uint64, buf []byte) error {
	return as.transfer(addr, buf, AccessRead)
}

// Write copies data to addr.
func (as *AddressSpace) Write(addr uint64, data []byte) error {
	return as.transfer(addr, data, AccessWrite)
}

// Fetch32 reads an instruction word at addr with execute access.
func (as *AddressSpace) Fetch32(addr uint64) (uint32, error) {
	var b [4]byte
	if err := as.transfer(addr, b[:], AccessExecute); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// Read8 reads a byte.
func (as *AddressSpace) Read8(addr uint64) (uint8, error) {
	var b [1]byte
	err := as.Read(addr, b[:])
	return b[0], err
}

// Read16 reads a little-endian halfword.
func (as *AddressSpace) Read16(addr uint64) (uint16, error) {
	var b [2]byte
	err := as.Read(addr, b[:])
	return binary.LittleEndian.Uint16(b[:]), err
}

// Read32 reads a little-endian word.
func (as *AddressSpace) Read32(addr uint64) (uint32, error) {
	var b [4]byte
	err := as.Read(addr, b[:])
	return binary.LittleEndian.Uint32(b[:]), err
}

// Read64 reads a little-endian doubleword.
func (as *AddressSpace) Read64(addr uint64) (uint64, error) {
	var b [8]byte
	err := as.Read(addr, b[:])
	return binary.LittleEndian.Uint64(b[:]), err
}

// Write8 writes a byte.
func (as *AddressSpace) Write8(addr uint64, v uint8) error {
	return as.Write(addr, []byte{v})
}

// Write16 writes a little-endian halfword.
func (as *AddressSpace) Write16(addr uint64, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return as.Write(addr, b[:])
}

// Write32 writes a little-endian word.
func (as *AddressSpace) Write32(addr uint64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return as.Write(addr, b[:])
}

// Write64 writes a little-endian doubleword.
func (as *AddressSpace) Write64(addr uint64, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return as.Write(addr, b[:])
}

// CopyIn is a supervisor write: it copies src to addr without raising
// faults. Every touched page must be mapped writable; otherwise the copy
// stops with a NestedFaultError.
func (as *AddressSpace) CopyIn(addr uint64, src []byte) error {
	return as.supervisor(addr, src, AccessWrite)
}

// CopyOut is a supervisor read: it copies guest memory at addr into dst
// without raising faults. Every touched page must be mapped readable or
// executable.
func (as *AddressSpace) CopyOut(addr uint64, dst []byte) error {
	return as.supervisor(addr, dst, AccessRead)
}

func (as *AddressSpace) supervisor(addr uint64, buf []byte, at AccessType) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	for len(buf) > 0 {
		p, ok := as.table.get(addr >> PageShift)
		if !ok {
			return &NestedFaultError{Fault: Fault{Addr: addr, Access: at, Code: CodeMapErr}}
		}

		allowed := at.Allowed(p.prot)
		if at == AccessRead {
			allowed = allowed || AccessExecute.Allowed(p.prot)
		}
		if !allowed {
			return &NestedFaultError{Fault: Fault{Addr: addr, Access: at, Code: CodeAccErr}}
		}

		off := addr & pageMask
		var n int
		if at == AccessWrite {
			n = copy(p.data[off:], buf)
		} else {
			n = copy(buf, p.data[off:])
		}
		buf = buf[n:]
		addr += uint64(n)
	}
	return nil
}
