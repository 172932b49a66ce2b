package emu

import "github.com/sarchlab/lazyload/insts"

// BranchUnit implements ARM64 branch operations. Every method leaves PC at
// the next instruction to execute.
type BranchUnit struct {
	regFile *RegFile
}

// NewBranchUnit creates a new BranchUnit connected to the given register file.
func NewBranchUnit(regFile *RegFile) *BranchUnit {
	return &BranchUnit{regFile: regFile}
}

func (b *BranchUnit) relative(offset int64) {
	b.regFile.PC = uint64(int64(b.regFile.PC) + offset)
}

// B branches to PC + offset.
func (b *BranchUnit) B(offset int64) {
	b.relative(offset)
}

// BL saves the return address in X30 and branches to PC + offset.
func (b *BranchUnit) BL(offset int64) {
	b.regFile.WriteReg(30, b.regFile.PC+4)
	b.relative(offset)
}

// BR branches to the address in rn.
func (b *BranchUnit) BR(rn uint8) {
	b.regFile.PC = b.regFile.ReadReg(rn)
}

// BLR branches to the address in rn and saves the return address in X30.
func (b *BranchUnit) BLR(rn uint8) {
	// Read the target first; rn may be X30.
	target := b.regFile.ReadReg(rn)
	b.regFile.WriteReg(30, b.regFile.PC+4)
	b.regFile.PC = target
}

// RET returns to the address in rn, normally X30.
func (b *BranchUnit) RET(rn uint8) {
	b.regFile.PC = b.regFile.ReadReg(rn)
}

// BCond branches to PC + offset when cond holds.
func (b *BranchUnit) BCond(offset int64, cond insts.Cond) {
	if b.CheckCondition(cond) {
		b.relative(offset)
		return
	}
	b.regFile.PC += 4
}

// CB branches to PC + offset when the register is zero (or non-zero when
// nonZero is set). A 32-bit compare looks only at the W register.
func (b *BranchUnit) CB(rt uint8, offset int64, is64, nonZero bool) {
	v := b.regFile.ReadReg(rt)
	if !is64 {
		v = uint64(uint32(v))
	}
	if (v != 0) == nonZero {
		b.relative(offset)
		return
	}
	b.regFile.PC += 4
}

// CheckCondition evaluates a condition code against the current flags.
func (b *BranchUnit) CheckCondition(cond insts.Cond) bool {
	p := &b.regFile.PSTATE

	switch cond {
	case insts.CondEQ:
		return p.Z
	case insts.CondNE:
		return !p.Z
	case insts.CondCS:
		return p.C
	case insts.CondCC:
		return !p.C
	case insts.CondMI:
		return p.N
	case insts.CondPL:
		return !p.N
	case insts.CondVS:
		return p.V
	case insts.CondVC:
		return !p.V
	case insts.CondHI:
		return p.C && !p.Z
	case insts.CondLS:
		return !p.C || p.Z
	case insts.CondGE:
		return p.N == p.V
	case insts.CondLT:
		return p.N != p.V
	case insts.CondGT:
		return !p.Z && p.N == p.V
	case insts.CondLE:
		return p.Z || p.N != p.V
	case insts.CondAL, insts.CondNV:
		return true
	default:
		return false
	}
}
