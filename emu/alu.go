package emu

import "github.com/sarchlab/lazyload/insts"

// ALU implements ARM64 arithmetic and logic on operand values. Results of
// 32-bit operations are zero-extended.
type ALU struct {
	regFile *RegFile
}

// NewALU creates a new ALU that sets flags in the given register file.
func NewALU(regFile *RegFile) *ALU {
	return &ALU{regFile: regFile}
}

// AddSub computes op1 + op2, or op1 - op2 when sub is set.
func (a *ALU) AddSub(op1, op2 uint64, sub, is64, setFlags bool) uint64 {
	if !is64 {
		x, y := uint32(op1), uint32(op2)
		var result uint32
		if sub {
			result = x - y
		} else {
			result = x + y
		}
		if setFlags {
			if sub {
				a.setSubFlags32(x, y, result)
			} else {
				a.setAddFlags32(x, y, result)
			}
		}
		return uint64(result)
	}

	var result uint64
	if sub {
		result = op1 - op2
	} else {
		result = op1 + op2
	}
	if setFlags {
		if sub {
			a.setSubFlags64(op1, op2, result)
		} else {
			a.setAddFlags64(op1, op2, result)
		}
	}
	return result
}

// Logical computes AND, BIC, ORR, ORN, EOR, or EON.
func (a *ALU) Logical(op insts.Op, op1, op2 uint64, is64, setFlags bool) uint64 {
	var result uint64
	switch op {
	case insts.OpAND:
		result = op1 & op2
	case insts.OpBIC:
		result = op1 &^ op2
	case insts.OpORR:
		result = op1 | op2
	case insts.OpORN:
		result = op1 | ^op2
	case insts.OpEOR:
		result = op1 ^ op2
	case insts.OpEON:
		result = op1 ^ ^op2
	}

	if !is64 {
		result = uint64(uint32(result))
		if setFlags {
			a.setLogicFlags32(uint32(result))
		}
		return result
	}

	if setFlags {
		a.setLogicFlags64(result)
	}
	return result
}

// Shift applies a register operand shift at the operation width.
func Shift(value uint64, shiftType insts.ShiftType, amount uint8, is64 bool) uint64 {
	if amount == 0 {
		return value
	}

	if !is64 {
		v := uint32(value)
		switch shiftType {
		case insts.ShiftLSL:
			v <<= amount
		case insts.ShiftLSR:
			v >>= amount
		case insts.ShiftASR:
			v = uint32(int32(v) >> amount)
		case insts.ShiftROR:
			v = v>>amount | v<<(32-amount)
		}
		return uint64(v)
	}

	switch shiftType {
	case insts.ShiftLSL:
		return value << amount
	case insts.ShiftLSR:
		return value >> amount
	case insts.ShiftASR:
		return uint64(int64(value) >> amount)
	case insts.ShiftROR:
		return value>>amount | value<<(64-amount)
	}
	return value
}

func (a *ALU) setAddFlags64(op1, op2, result uint64) {
	p := &a.regFile.PSTATE
	p.N = result>>63 == 1
	p.Z = result == 0
	// Carry out of bit 63.
	p.C = result < op1
	// Both operands share a sign the result does not.
	p.V = op1>>63 == op2>>63 && op1>>63 != result>>63
}

func (a *ALU) setAddFlags32(op1, op2, result uint32) {
	p := &a.regFile.PSTATE
	p.N = result>>31 == 1
	p.Z = result == 0
	p.C = result < op1
	p.V = op1>>31 == op2>>31 && op1>>31 != result>>31
}

func (a *ALU) setSubFlags64(op1, op2, result uint64) {
	p := &a.regFile.PSTATE
	p.N = result>>63 == 1
	p.Z = result == 0
	// No borrow.
	p.C = op1 >= op2
	p.V = op1>>63 != op2>>63 && op2>>63 == result>>63
}

func (a *ALU) setSubFlags32(op1, op2, result uint32) {
	p := &a.regFile.PSTATE
	p.N = result>>31 == 1
	p.Z = result == 0
	p.C = op1 >= op2
	p.V = op1>>31 != op2>>31 && op2>>31 == result>>31
}

func (a *ALU) setLogicFlags64(result uint64) {
	p := &a.regFile.PSTATE
	p.N = result>>63 == 1
	p.Z = result == 0
	p.C = false
	p.V = false
}

func (a *ALU) setLogicFlags32(result uint32) {
	p := &a.regFile.PSTATE
	p.N = result>>31 == 1
	p.Z = result == 0
	p.C = false
	p.V = false
}
