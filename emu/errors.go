package emu

import (
	"fmt"

	"github.com/sarchlab/lazyload/vm"
)

// IllegalInstructionError reports an instruction word outside the
// supported subset.
type IllegalInstructionError struct {
	PC   uint64
	Word uint32
}

func (e *IllegalInstructionError) Error() string {
	return fmt.Sprintf("illegal instruction 0x%08x at pc 0x%x", e.Word, e.PC)
}

// Signal implements vm.Signaler.
func (e *IllegalInstructionError) Signal() vm.Signal {
	return vm.SIGILL
}

// BreakpointError reports a BRK instruction.
type BreakpointError struct {
	PC  uint64
	Imm uint64
}

func (e *BreakpointError) Error() string {
	return fmt.Sprintf("breakpoint #0x%x at pc 0x%x", e.Imm, e.PC)
}

// Signal implements vm.Signaler.
func (e *BreakpointError) Signal() vm.Signal {
	return vm.SIGTRAP
}

// InstructionLimitError reports that the program ran past the configured
// instruction budget.
type InstructionLimitError struct {
	Limit uint64
}

func (e *InstructionLimitError) Error() string {
	return fmt.Sprintf("instruction limit of %d reached", e.Limit)
}

// Signal implements vm.Signaler.
func (e *InstructionLimitError) Signal() vm.Signal {
	return vm.SIGXCPU
}
