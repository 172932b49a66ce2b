package insts

import "fmt"

// Op represents an ARM64 opcode.
type Op uint16

// ARM64 opcodes.
const (
	OpUnknown Op = iota
	OpADD
	OpSUB
	OpAND
	OpBIC
	OpORR
	OpORN
	OpEOR
	OpEON
	OpMOVZ
	OpMOVN
	OpMOVK
	OpADR
	OpADRP
	OpB
	OpBL
	OpBCond
	OpCBZ
	OpCBNZ
	OpBR
	OpBLR
	OpRET
	OpLDR
	OpSTR
	OpLDRB
	OpSTRB
	OpLDRH
	OpSTRH
	OpLDRSW
	OpLDP
	OpSTP
	OpSVC
	OpBRK
	OpNOP
)

var opNames = [...]string{
	OpUnknown: "unknown",
	OpADD:     "add",
	OpSUB:     "sub",
	OpAND:     "and",
	OpBIC:     "bic",
	OpORR:     "orr",
	OpORN:     "orn",
	OpEOR:     "eor",
	OpEON:     "eon",
	OpMOVZ:    "movz",
	OpMOVN:    "movn",
	OpMOVK:    "movk",
	OpADR:     "adr",
	OpADRP:    "adrp",
	OpB:       "b",
	OpBL:      "bl",
	OpBCond:   "b.cond",
	OpCBZ:     "cbz",
	OpCBNZ:    "cbnz",
	OpBR:      "br",
	OpBLR:     "blr",
	OpRET:     "ret",
	OpLDR:     "ldr",
	OpSTR:     "str",
	OpLDRB:    "ldrb",
	OpSTRB:    "strb",
	OpLDRH:    "ldrh",
	OpSTRH:    "strh",
	OpLDRSW:   "ldrsw",
	OpLDP:     "ldp",
	OpSTP:     "stp",
	OpSVC:     "svc",
	OpBRK:     "brk",
	OpNOP:     "nop",
}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("Op(%d)", uint16(op))
}

// Format represents an instruction encoding format.
type Format uint8

// Instruction formats.
const (
	FormatUnknown       Format = iota
	FormatDPImm                // Add/subtract (immediate)
	FormatDPReg                // Add/subtract and logical (shifted register)
	FormatMoveWide             // Move wide (immediate)
	FormatPCRel                // PC-relative addressing
	FormatBranch               // Unconditional branch (immediate)
	FormatBranchCond           // Conditional branch
	FormatCompareBranch        // Compare and branch
	FormatBranchReg            // Branch to register
	FormatLoadStore            // Load/store register
	FormatLoadStorePair        // Load/store pair
	FormatException            // Exception generation
	FormatSystem               // Hints
)

// Cond represents an ARM64 condition code.
type Cond uint8

// ARM64 condition codes.
const (
	CondEQ Cond = 0b0000 // Equal (Z == 1)
	CondNE Cond = 0b0001 // Not Equal (Z == 0)
	CondCS Cond = 0b0010 // Unsigned higher or same (C == 1)
	CondCC Cond = 0b0011 // Unsigned lower (C == 0)
	CondMI Cond = 0b0100 // Negative (N == 1)
	CondPL Cond = 0b0101 // Positive or zero (N == 0)
	CondVS Cond = 0b0110 // Overflow (V == 1)
	CondVC Cond = 0b0111 // No overflow (V == 0)
	CondHI Cond = 0b1000 // Unsigned higher (C == 1 && Z == 0)
	CondLS Cond = 0b1001 // Unsigned lower or same (C == 0 || Z == 1)
	CondGE Cond = 0b1010 // Signed greater than or equal (N == V)
	CondLT Cond = 0b1011 // Signed less than (N != V)
	CondGT Cond = 0b1100 // Signed greater than (Z == 0 && N == V)
	CondLE Cond = 0b1101 // Signed less than or equal (Z == 1 || N != V)
	CondAL Cond = 0b1110 // Always
	CondNV Cond = 0b1111 // Always (reserved encoding)
)

// ShiftType represents a shift type for register operands.
type ShiftType uint8

// Shift types.
const (
	ShiftLSL ShiftType = 0b00
	ShiftLSR ShiftType = 0b01
	ShiftASR ShiftType = 0b10
	ShiftROR ShiftType = 0b11
)

// IndexMode is the addressing mode of a load or store.
type IndexMode uint8

// Index modes.
const (
	// IndexUnsigned is base plus a scaled unsigned immediate (Imm).
	IndexUnsigned IndexMode = iota
	// IndexSigned is base plus a signed immediate (SignedImm), no writeback.
	IndexSigned
	// IndexPre adds SignedImm to the base before the access and writes it back.
	IndexPre
	// IndexPost accesses at the base and then writes back base plus SignedImm.
	IndexPost
)

// Instruction represents a decoded ARM64 instruction.
type Instruction struct {
	Op     Op
	Format Format

	Is64Bit  bool  // X registers rather than W registers
	SetFlags bool  // S suffix
	Rd       uint8 // Destination, or transfer register for loads and stores
	Rn       uint8 // First source, or base register
	Rm       uint8 // Second source
	Rt2      uint8 // Second transfer register of a pair

	Imm   uint64 // Unsigned immediate (scaled to bytes for loads and stores)
	Shift uint8  // Left shift applied to Imm

	SignedImm    int64 // Signed offset for indexed loads and stores
	IndexMode    IndexMode
	Size         uint8 // Access size in bytes for loads and stores
	BranchOffset int64 // Signed offset in bytes for branches and ADR/ADRP
	Cond         Cond

	ShiftType   ShiftType
	ShiftAmount uint8
}

// Decoder decodes ARM64 machine code into instructions.
type Decoder struct{}

// NewDecoder creates a new ARM64 instruction decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode decodes a 32-bit ARM64 instruction word. Encodings outside the
// supported subset decode to OpUnknown.
func (d *Decoder) Decode(word uint32) *Instruction {
	inst := &Instruction{Op: OpUnknown, Format: FormatUnknown}

	switch {
	case d.isNOP(word):
		inst.Op = OpNOP
		inst.Format = FormatSystem
	case d.isException(word):
		d.decodeException(word, inst)
	case d.isBranchImm(word):
		d.decodeBranchImm(word, inst)
	case d.isBranchCond(word):
		d.decodeBranchCond(word, inst)
	case d.isCompareBranch(word):
		d.decodeCompareBranch(word, inst)
	case d.isBranchReg(word):
		d.decodeBranchReg(word, inst)
	case d.isDataProcessingImm(word):
		d.decodeDataProcessingImm(word, inst)
	case d.isMoveWide(word):
		d.decodeMoveWide(word, inst)
	case d.isPCRel(word):
		d.decodePCRel(word, inst)
	case d.isDataProcessingReg(word):
		d.decodeDataProcessingReg(word, inst)
	case d.isLoadStorePair(word):
		d.decodeLoadStorePair(word, inst)
	case d.isLoadStoreUnsigned(word):
		d.decodeLoadStoreUnsigned(word, inst)
	case d.isLoadStoreImm9(word):
		d.decodeLoadStoreImm9(word, inst)
	}

	return inst
}

// signExtend sign-extends the low bits bits of v.
func signExtend(v uint32, bits uint) int64 {
	shift := 64 - bits
	return int64(uint64(v)<<shift) >> shift
}

// isNOP matches the hint space (NOP, YIELD, WFE, ...), all executed as NOP.
func (d *Decoder) isNOP(word uint32) bool {
	return word&0xFFFFF01F == 0xD503201F
}

// isException matches SVC and BRK.
func (d *Decoder) isException(word uint32) bool {
	masked := word & 0xFFE0001F
	return masked == 0xD4000001 || masked == 0xD4200000
}

// decodeException decodes SVC #imm16 and BRK #imm16.
func (d *Decoder) decodeException(word uint32, inst *Instruction) {
	inst.Format = FormatException
	inst.Imm = uint64((word >> 5) & 0xFFFF)

	if word&0xFFE0001F == 0xD4000001 {
		inst.Op = OpSVC
	} else {
		inst.Op = OpBRK
	}
}

// isBranchImm checks for B (bits [31:26] == 0b000101) and BL (0b100101).
func (d *Decoder) isBranchImm(word uint32) bool {
	return (word>>26)&0x1F == 0b00101
}

// decodeBranchImm decodes B and BL.
// Format: op | 00101 | imm26
func (d *Decoder) decodeBranchImm(word uint32, inst *Instruction) {
	inst.Format = FormatBranch
	inst.BranchOffset = signExtend(word&0x3FFFFFF, 26) * 4

	if word>>31 == 0 {
		inst.Op = OpB
	} else {
		inst.Op = OpBL
	}
}

// isBranchCond checks for B.cond: bits [31:24] == 0x54, bit 4 == 0.
func (d *Decoder) isBranchCond(word uint32) bool {
	return word>>24 == 0x54 && (word>>4)&0x1 == 0
}

// decodeBranchCond decodes B.cond.
// Format: 01010100 | imm19 | 0 | cond
func (d *Decoder) decodeBranchCond(word uint32, inst *Instruction) {
	inst.Format = FormatBranchCond
	inst.Op = OpBCond
	inst.BranchOffset = signExtend((word>>5)&0x7FFFF, 19) * 4
	inst.Cond = Cond(word & 0xF)
}

// isCompareBranch checks for CBZ/CBNZ: bits [30:25] == 0b011010.
func (d *Decoder) isCompareBranch(word uint32) bool {
	return (word>>25)&0x3F == 0b011010
}

// decodeCompareBranch decodes CBZ and CBNZ.
// Format: sf | 011010 | op | imm19 | Rt
func (d *Decoder) decodeCompareBranch(word uint32, inst *Instruction) {
	inst.Format = FormatCompareBranch
	inst.Is64Bit = word>>31 == 1
	inst.Rd = uint8(word & 0x1F)
	inst.BranchOffset = signExtend((word>>5)&0x7FFFF, 19) * 4

	if (word>>24)&0x1 == 0 {
		inst.Op = OpCBZ
	} else {
		inst.Op = OpCBNZ
	}
}

// isBranchReg checks for branch to register.
// Format: 1101011 0 0 op[1:0] 11111 000000 Rn 00000
func (d *Decoder) isBranchReg(word uint32) bool {
	return word&0xFF9FFC1F == 0xD61F0000
}

// decodeBranchReg decodes BR, BLR, and RET.
func (d *Decoder) decodeBranchReg(word uint32, inst *Instruction) {
	inst.Format = FormatBranchReg
	inst.Rn = uint8((word >> 5) & 0x1F)

	switch (word >> 21) & 0x3 {
	case 0b00:
		inst.Op = OpBR
	case 0b01:
		inst.Op = OpBLR
	case 0b10:
		inst.Op = OpRET
	default:
		inst.Format = FormatUnknown
	}
}

// isDataProcessingImm checks for add/subtract (immediate): bits [28:23] ==
// 0b100010.
func (d *Decoder) isDataProcessingImm(word uint32) bool {
	return (word>>23)&0x3F == 0b100010
}

// decodeDataProcessingImm decodes ADD, ADDS, SUB, and SUBS (immediate).
// Format: sf | op | S | 100010 | sh | imm12 | Rn | Rd
func (d *Decoder) decodeDataProcessingImm(word uint32, inst *Instruction) {
	inst.Format = FormatDPImm
	inst.Is64Bit = word>>31 == 1
	inst.SetFlags = (word>>29)&0x1 == 1
	inst.Imm = uint64((word >> 10) & 0xFFF)
	inst.Rn = uint8((word >> 5) & 0x1F)
	inst.Rd = uint8(word & 0x1F)

	if (word>>22)&0x1 == 1 {
		inst.Shift = 12
	}

	if (word>>30)&0x1 == 0 {
		inst.Op = OpADD
	} else {
		inst.Op = OpSUB
	}
}

// isMoveWide checks for move wide (immediate): bits [28:23] == 0b100101.
func (d *Decoder) isMoveWide(word uint32) bool {
	return (word>>23)&0x3F == 0b100101
}

// decodeMoveWide decodes MOVN, MOVZ, and MOVK.
// Format: sf | opc | 100101 | hw | imm16 | Rd
func (d *Decoder) decodeMoveWide(word uint32, inst *Instruction) {
	inst.Format = FormatMoveWide
	inst.Is64Bit = word>>31 == 1
	inst.Imm = uint64((word >> 5) & 0xFFFF)
	inst.Shift = uint8((word>>21)&0x3) * 16
	inst.Rd = uint8(word & 0x1F)

	if !inst.Is64Bit && inst.Shift > 16 {
		inst.Format = FormatUnknown
		return
	}

	switch (word >> 29) & 0x3 {
	case 0b00:
		inst.Op = OpMOVN
	case 0b10:
		inst.Op = OpMOVZ
	case 0b11:
		inst.Op = OpMOVK
	default:
		inst.Format = FormatUnknown
	}
}

// isPCRel checks for PC-relative addressing: bits [28:24] == 0b10000.
func (d *Decoder) isPCRel(word uint32) bool {
	return (word>>24)&0x1F == 0b10000
}

// decodePCRel decodes ADR and ADRP. For ADRP the offset is in bytes,
// already shifted left by 12.
// Format: op | immlo | 10000 | immhi | Rd
func (d *Decoder) decodePCRel(word uint32, inst *Instruction) {
	inst.Format = FormatPCRel
	inst.Rd = uint8(word & 0x1F)

	immlo := (word >> 29) & 0x3
	immhi := (word >> 5) & 0x7FFFF
	offset := signExtend(immhi<<2|immlo, 21)

	if word>>31 == 0 {
		inst.Op = OpADR
		inst.BranchOffset = offset
	} else {
		inst.Op = OpADRP
		inst.BranchOffset = offset << 12
	}
}

// isDataProcessingReg checks for add/subtract (shifted register), bits
// [28:24] == 0b01011 with bit 21 clear, and logical (shifted register),
// bits [28:24] == 0b01010.
func (d *Decoder) isDataProcessingReg(word uint32) bool {
	op := (word >> 24) & 0x1F
	return (op == 0b01011 && (word>>21)&0x1 == 0) || op == 0b01010
}

// decodeDataProcessingReg decodes add/subtract and logical (shifted
// register) instructions.
// Add/Sub format: sf | op | S | 01011 | shift | 0 | Rm | imm6 | Rn | Rd
// Logical format: sf | opc | 01010 | shift | N | Rm | imm6 | Rn | Rd
func (d *Decoder) decodeDataProcessingReg(word uint32, inst *Instruction) {
	inst.Format = FormatDPReg
	inst.Is64Bit = word>>31 == 1
	inst.Rd = uint8(word & 0x1F)
	inst.Rn = uint8((word >> 5) & 0x1F)
	inst.Rm = uint8((word >> 16) & 0x1F)
	inst.ShiftType = ShiftType((word >> 22) & 0x3)
	inst.ShiftAmount = uint8((word >> 10) & 0x3F)

	if !inst.Is64Bit && inst.ShiftAmount >= 32 {
		inst.Format = FormatUnknown
		return
	}

	if (word>>24)&0x1F == 0b01011 {
		if inst.ShiftType == ShiftROR {
			inst.Format = FormatUnknown
			return
		}
		inst.SetFlags = (word>>29)&0x1 == 1
		if (word>>30)&0x1 == 0 {
			inst.Op = OpADD
		} else {
			inst.Op = OpSUB
		}
		return
	}

	invert := (word>>21)&0x1 == 1
	switch (word >> 29) & 0x3 {
	case 0b00:
		inst.Op = pick(invert, OpBIC, OpAND)
	case 0b01:
		inst.Op = pick(invert, OpORN, OpORR)
	case 0b10:
		inst.Op = pick(invert, OpEON, OpEOR)
	case 0b11:
		inst.Op = pick(invert, OpBIC, OpAND)
		inst.SetFlags = true
	}
}

func pick(cond bool, a, b Op) Op {
	if cond {
		return a
	}
	return b
}

// isLoadStorePair checks for LDP/STP: bits [29:27] == 0b101, bit 26 == 0,
// and bits [25:23] one of post-index, signed offset, or pre-index.
func (d *Decoder) isLoadStorePair(word uint32) bool {
	if (word>>27)&0x7 != 0b101 || (word>>26)&0x1 != 0 {
		return false
	}
	mode := (word >> 23) & 0x7
	return mode == 0b001 || mode == 0b010 || mode == 0b011
}

// decodeLoadStorePair decodes LDP and STP for W and X registers.
// Format: opc | 101 | 0 | mode | L | imm7 | Rt2 | Rn | Rt
func (d *Decoder) decodeLoadStorePair(word uint32, inst *Instruction) {
	inst.Format = FormatLoadStorePair
	inst.Rd = uint8(word & 0x1F)
	inst.Rn = uint8((word >> 5) & 0x1F)
	inst.Rt2 = uint8((word >> 10) & 0x1F)

	switch word >> 30 {
	case 0b00:
		inst.Size = 4
	case 0b10:
		inst.Size = 8
		inst.Is64Bit = true
	default:
		inst.Format = FormatUnknown
		return
	}

	inst.SignedImm = signExtend((word>>15)&0x7F, 7) * int64(inst.Size)

	switch (word >> 23) & 0x7 {
	case 0b001:
		inst.IndexMode = IndexPost
	case 0b010:
		inst.IndexMode = IndexSigned
	case 0b011:
		inst.IndexMode = IndexPre
	}

	if (word>>22)&0x1 == 1 {
		inst.Op = OpLDP
	} else {
		inst.Op = OpSTP
	}
}

// isLoadStoreUnsigned checks for load/store register (unsigned immediate):
// bits [29:27] == 0b111, bit 26 == 0, bits [25:24] == 0b01.
func (d *Decoder) isLoadStoreUnsigned(word uint32) bool {
	return (word>>27)&0x7 == 0b111 && (word>>26)&0x1 == 0 && (word>>24)&0x3 == 0b01
}

// decodeLoadStoreUnsigned decodes LDR/STR with a scaled unsigned offset.
// Format: size | 111 | 0 | 01 | opc | imm12 | Rn | Rt
func (d *Decoder) decodeLoadStoreUnsigned(word uint32, inst *Instruction) {
	if !d.loadStoreOp(word, inst) {
		return
	}
	inst.IndexMode = IndexUnsigned
	inst.Imm = uint64((word>>10)&0xFFF) * uint64(inst.Size)
}

// isLoadStoreImm9 checks for load/store register with a 9-bit signed
// offset: bits [29:27] == 0b111, bit 26 == 0, bits [25:24] == 0b00, bit
// 21 == 0, and an unscaled, pre-index, or post-index mode.
func (d *Decoder) isLoadStoreImm9(word uint32) bool {
	if (word>>27)&0x7 != 0b111 || (word>>26)&0x1 != 0 || (word>>24)&0x3 != 0 {
		return false
	}
	return (word>>21)&0x1 == 0 && (word>>10)&0x3 != 0b10
}

// decodeLoadStoreImm9 decodes LDUR/STUR and the pre- and post-indexed
// LDR/STR forms.
// Format: size | 111 | 0 | 00 | opc | 0 | imm9 | idx | Rn | Rt
func (d *Decoder) decodeLoadStoreImm9(word uint32, inst *Instruction) {
	if !d.loadStoreOp(word, inst) {
		return
	}
	inst.SignedImm = signExtend((word>>12)&0x1FF, 9)

	switch (word >> 10) & 0x3 {
	case 0b00:
		inst.IndexMode = IndexSigned
	case 0b01:
		inst.IndexMode = IndexPost
	case 0b11:
		inst.IndexMode = IndexPre
	}
}

// loadStoreOp fills the fields shared by the single-register load/store
// forms. It returns false for unsupported size/opc combinations.
func (d *Decoder) loadStoreOp(word uint32, inst *Instruction) bool {
	size := word >> 30
	opc := (word >> 22) & 0x3

	inst.Rd = uint8(word & 0x1F)
	inst.Rn = uint8((word >> 5) & 0x1F)
	inst.Size = 1 << size

	switch {
	case opc == 0b00:
		inst.Op = [...]Op{OpSTRB, OpSTRH, OpSTR, OpSTR}[size]
	case opc == 0b01:
		inst.Op = [...]Op{OpLDRB, OpLDRH, OpLDR, OpLDR}[size]
	case opc == 0b10 && size == 0b10:
		inst.Op = OpLDRSW
	default:
		inst.Op = OpUnknown
		return false
	}

	inst.Format = FormatLoadStore
	inst.Is64Bit = size == 0b11 || inst.Op == OpLDRSW
	return true
}
