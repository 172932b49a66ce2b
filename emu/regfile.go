// Package emu runs a loaded ARM64 image: a functional core that fetches,
// decodes, and executes instructions through a faulting address space, so
// every instruction fetch and data access can raise a page fault.
package emu

import "fmt"

// RegFile represents the ARM64 register file.
type RegFile struct {
	// X holds X0-X30. Index 31 is never written; as an operand it reads as
	// XZR or SP depending on the instruction.
	X [32]uint64

	SP uint64
	PC uint64

	PSTATE PSTATE
}

// PSTATE holds the condition flags.
type PSTATE struct {
	N bool
	Z bool
	C bool
	V bool
}

// ReadReg reads a register value. Register 31 reads as XZR.
func (r *RegFile) ReadReg(reg uint8) uint64 {
	if reg >= 31 {
		return 0
	}
	return r.X[reg]
}

// WriteReg writes a register. Writes to XZR are discarded.
func (r *RegFile) WriteReg(reg uint8, value uint64) {
	if reg >= 31 {
		return
	}
	r.X[reg] = value
}

// ReadRegOrSP reads a register, treating register 31 as SP. Used for base
// registers and the add/subtract immediate forms.
func (r *RegFile) ReadRegOrSP(reg uint8) uint64 {
	if reg == 31 {
		return r.SP
	}
	return r.X[reg]
}

// WriteRegOrSP writes a register, treating register 31 as SP.
func (r *RegFile) WriteRegOrSP(reg uint8, value uint64) {
	if reg == 31 {
		r.SP = value
		return
	}
	r.X[reg] = value
}

func (r *RegFile) String() string {
	flags := []byte("nzcv")
	for i, set := range []bool{r.PSTATE.N, r.PSTATE.Z, r.PSTATE.C, r.PSTATE.V} {
		if set {
			flags[i] -= 'a' - 'A'
		}
	}
	return fmt.Sprintf("pc=0x%x sp=0x%x x0=0x%x x1=0x%x x8=0x%x lr=0x%x %s",
		r.PC, r.SP, r.X[0], r.X[1], r.X[8], r.X[30], flags)
}
