package vm

import (
	"errors"
	"fmt"
)

// FaultCode tells why an access faulted, like si_code for SIGSEGV.
type FaultCode uint8

const (
	// CodeMapErr means no page is mapped at the address (SEGV_MAPERR).
	CodeMapErr FaultCode = iota + 1
	// CodeAccErr means the page is mapped but the access is not permitted
	// by its protection (SEGV_ACCERR).
	CodeAccErr
)

func (c FaultCode) String() string {
	switch c {
	case CodeMapErr:
		return "SEGV_MAPERR"
	case CodeAccErr:
		return "SEGV_ACCERR"
	default:
		return fmt.Sprintf("FaultCode(%d)", uint8(c))
	}
}

// Fault describes one invalid memory access.
type Fault struct {
	// Addr is the faulting virtual address.
	Addr uint64
	// Access is the access type that faulted.
	Access AccessType
	// Code tells whether the page was missing or the access was denied.
	Code FaultCode
}

func (f Fault) String() string {
	return fmt.Sprintf("%s fault at 0x%x (%s)", f.Access, f.Addr, f.Code)
}

// TrapHandler receives faults raised by an AddressSpace. Returning nil means
// the fault was resolved and the access is retried; any error aborts the
// access with that error.
type TrapHandler func(f Fault) error

// DefaultTrapHandler is the platform's handling of an unresolved fault: the
// access fails with a SegmentationFault.
func DefaultTrapHandler(f Fault) error {
	return &SegmentationFault{Fault: f}
}

// SegmentationFault is the terminal outcome of an invalid access that no
// handler resolved.
type SegmentationFault struct {
	Fault Fault
}

func (e *SegmentationFault) Error() string {
	return fmt.Sprintf("segmentation fault: %s", e.Fault)
}

// Signal implements Signaler.
func (e *SegmentationFault) Signal() Signal {
	return SIGSEGV
}

// NestedFaultError reports a fault raised by a supervisor access made while
// handling another fault, such as copying into a page that is not mapped.
type NestedFaultError struct {
	Fault Fault
}

func (e *NestedFaultError) Error() string {
	return fmt.Sprintf("nested %s during fault handling", e.Fault)
}

// Signal implements Signaler.
func (e *NestedFaultError) Signal() Signal {
	return SIGSEGV
}

// FaultLoopError reports that the trap handler returned success but the
// retried access faulted again for the same reason.
type FaultLoopError struct {
	Fault Fault
}

func (e *FaultLoopError) Error() string {
	return fmt.Sprintf("%s: %s", ErrFaultLoop, e.Fault)
}

// Unwrap returns ErrFaultLoop.
func (e *FaultLoopError) Unwrap() error {
	return ErrFaultLoop
}

// Signal implements Signaler.
func (e *FaultLoopError) Signal() Signal {
	return SIGSEGV
}

// Sentinel errors returned by AddressSpace operations.
var (
	ErrNotAligned    = errors.New("address is not page aligned")
	ErrInvalidLength = errors.New("invalid mapping length")
	ErrNotMapped     = errors.New("range is not mapped")
	ErrNilHandler    = errors.New("trap handler is nil")
	ErrFaultLoop     = errors.New("trap handler returned without resolving the fault")
	ErrHostAllocate  = errors.New("failed to allocate host memory")
	ErrHostProtect   = errors.New("failed to protect host memory")
)
