package fault

import (
	"fmt"

	"github.com/sarchlab/lazyload/vm"
)

// Materialization steps reported in MaterializationError.Op.
const (
	OpMap     = "map"
	OpCopy    = "copy"
	OpProtect = "protect"
	OpTrack   = "track"
)

// MaterializationError reports that a page could not be brought in. The
// faulting program cannot continue.
type MaterializationError struct {
	Fault   vm.Fault
	Segment int
	Page    uint64
	Op      string
	Err     error
}

func (e *MaterializationError) Error() string {
	return fmt.Sprintf("materialize segment %d page %d at 0x%x: %s: %v",
		e.Segment, e.Page, e.Fault.Addr, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *MaterializationError) Unwrap() error {
	return e.Err
}

// Signal implements vm.Signaler.
func (e *MaterializationError) Signal() vm.Signal {
	return vm.SIGBUS
}
