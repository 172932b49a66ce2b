// Package asm encodes the A64 instructions the emulator supports, for
// building test programs.
package asm

import "encoding/binary"

// Register aliases.
const (
	SP  uint32 = 31
	XZR uint32 = 31
	LR  uint32 = 30
	FP  uint32 = 29
)

// Condition codes for BCond.
const (
	EQ uint32 = 0b0000
	NE uint32 = 0b0001
	HS uint32 = 0b0010
	LO uint32 = 0b0011
	GE uint32 = 0b1010
	LT uint32 = 0b1011
	GT uint32 = 0b1100
	LE uint32 = 0b1101
)

// Assemble concatenates instruction words in little-endian order.
func Assemble(words ...uint32) []byte {
	out := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[4*i:], w)
	}
	return out
}

func addSubImm(base, rd, rn, imm12 uint32) uint32 {
	return base | (imm12&0xFFF)<<10 | rn<<5 | rd
}

// ADDImm encodes ADD Xd|SP, Xn|SP, #imm12.
func ADDImm(rd, rn, imm12 uint32) uint32 { return addSubImm(0x91000000, rd, rn, imm12) }

// SUBImm encodes SUB Xd|SP, Xn|SP, #imm12.
func SUBImm(rd, rn, imm12 uint32) uint32 { return addSubImm(0xD1000000, rd, rn, imm12) }

// SUBSImm encodes SUBS Xd, Xn|SP, #imm12.
func SUBSImm(rd, rn, imm12 uint32) uint32 { return addSubImm(0xF1000000, rd, rn, imm12) }

// ADDWImm encodes ADD Wd, Wn, #imm12.
func ADDWImm(rd, rn, imm12 uint32) uint32 { return addSubImm(0x11000000, rd, rn, imm12) }

// CMPImm encodes CMP Xn, #imm12.
func CMPImm(rn, imm12 uint32) uint32 { return SUBSImm(XZR, rn, imm12) }

func shiftedReg(base, rd, rn, rm, lsl uint32) uint32 {
	return base | rm<<16 | (lsl&0x3F)<<10 | rn<<5 | rd
}

// ADDReg encodes ADD Xd, Xn, Xm, LSL #lsl.
func ADDReg(rd, rn, rm, lsl uint32) uint32 { return shiftedReg(0x8B000000, rd, rn, rm, lsl) }

// SUBReg encodes SUB Xd, Xn, Xm.
func SUBReg(rd, rn, rm uint32) uint32 { return shiftedReg(0xCB000000, rd, rn, rm, 0) }

// SUBSReg encodes SUBS Xd, Xn, Xm.
func SUBSReg(rd, rn, rm uint32) uint32 { return shiftedReg(0xEB000000, rd, rn, rm, 0) }

// CMPReg encodes CMP Xn, Xm.
func CMPReg(rn, rm uint32) uint32 { return SUBSReg(XZR, rn, rm) }

// ANDReg encodes AND Xd, Xn, Xm.
func ANDReg(rd, rn, rm uint32) uint32 { return shiftedReg(0x8A000000, rd, rn, rm, 0) }

// ORRReg encodes ORR Xd, Xn, Xm.
func ORRReg(rd, rn, rm uint32) uint32 { return shiftedReg(0xAA000000, rd, rn, rm, 0) }

// EORReg encodes EOR Xd, Xn, Xm.
func EORReg(rd, rn, rm uint32) uint32 { return shiftedReg(0xCA000000, rd, rn, rm, 0) }

// MOVReg encodes MOV Xd, Xm (ORR Xd, XZR, Xm).
func MOVReg(rd, rm uint32) uint32 { return ORRReg(rd, XZR, rm) }

// MOVZ encodes MOVZ Xd, #imm16, LSL #shift.
func MOVZ(rd, imm16, shift uint32) uint32 {
	return 0xD2800000 | (shift/16)<<21 | (imm16&0xFFFF)<<5 | rd
}

// MOVK encodes MOVK Xd, #imm16, LSL #shift.
func MOVK(rd, imm16, shift uint32) uint32 {
	return 0xF2800000 | (shift/16)<<21 | (imm16&0xFFFF)<<5 | rd
}

// MOVN encodes MOVN Xd, #imm16, LSL #shift.
func MOVN(rd, imm16, shift uint32) uint32 {
	return 0x92800000 | (shift/16)<<21 | (imm16&0xFFFF)<<5 | rd
}

// MOV64 loads a 64-bit constant into Xd with MOVZ and MOVK.
func MOV64(rd uint32, v uint64) []uint32 {
	words := []uint32{MOVZ(rd, uint32(v&0xFFFF), 0)}
	for shift := uint32(16); shift < 64; shift += 16 {
		if part := uint32(v>>shift) & 0xFFFF; part != 0 {
			words = append(words, MOVK(rd, part, shift))
		}
	}
	return words
}

func pcRel(base, rd uint32, imm int32) uint32 {
	u := uint32(imm) & 0x1FFFFF
	return base | (u&0x3)<<29 | (u>>2)<<5 | rd
}

// ADR encodes ADR Xd, #offset.
func ADR(rd uint32, offset int32) uint32 { return pcRel(0x10000000, rd, offset) }

// ADRP encodes ADRP Xd, #pages*4096.
func ADRP(rd uint32, pages int32) uint32 { return pcRel(0x90000000, rd, pages) }

// B encodes B #offset.
func B(offset int32) uint32 { return 0x14000000 | uint32(offset/4)&0x3FFFFFF }

// BL encodes BL #offset.
func BL(offset int32) uint32 { return 0x94000000 | uint32(offset/4)&0x3FFFFFF }

// BCond encodes B.cond #offset.
func BCond(cond uint32, offset int32) uint32 {
	return 0x54000000 | (uint32(offset/4)&0x7FFFF)<<5 | cond
}

// CBZ encodes CBZ Xt, #offset.
func CBZ(rt uint32, offset int32) uint32 {
	return 0xB4000000 | (uint32(offset/4)&0x7FFFF)<<5 | rt
}

// CBNZ encodes CBNZ Xt, #offset.
func CBNZ(rt uint32, offset int32) uint32 {
	return 0xB5000000 | (uint32(offset/4)&0x7FFFF)<<5 | rt
}

// BR encodes BR Xn.
func BR(rn uint32) uint32 { return 0xD61F0000 | rn<<5 }

// BLR encodes BLR Xn.
func BLR(rn uint32) uint32 { return 0xD63F0000 | rn<<5 }

// RET encodes RET (X30).
func RET() uint32 { return 0xD65F0000 | LR<<5 }

func ldstUnsigned(base, rt, rn, imm, scale uint32) uint32 {
	return base | (imm/scale&0xFFF)<<10 | rn<<5 | rt
}

// LDR encodes LDR Xt, [Xn, #imm].
func LDR(rt, rn, imm uint32) uint32 { return ldstUnsigned(0xF9400000, rt, rn, imm, 8) }

// STR encodes STR Xt, [Xn, #imm].
func STR(rt, rn, imm uint32) uint32 { return ldstUnsigned(0xF9000000, rt, rn, imm, 8) }

// LDRW encodes LDR Wt, [Xn, #imm].
func LDRW(rt, rn, imm uint32) uint32 { return ldstUnsigned(0xB9400000, rt, rn, imm, 4) }

// STRW encodes STR Wt, [Xn, #imm].
func STRW(rt, rn, imm uint32) uint32 { return ldstUnsigned(0xB9000000, rt, rn, imm, 4) }

// LDRH encodes LDRH Wt, [Xn, #imm].
func LDRH(rt, rn, imm uint32) uint32 { return ldstUnsigned(0x79400000, rt, rn, imm, 2) }

// STRH encodes STRH Wt, [Xn, #imm].
func STRH(rt, rn, imm uint32) uint32 { return ldstUnsigned(0x79000000, rt, rn, imm, 2) }

// LDRB encodes LDRB Wt, [Xn, #imm].
func LDRB(rt, rn, imm uint32) uint32 { return ldstUnsigned(0x39400000, rt, rn, imm, 1) }

// STRB encodes STRB Wt, [Xn, #imm].
func STRB(rt, rn, imm uint32) uint32 { return ldstUnsigned(0x39000000, rt, rn, imm, 1) }

// LDRSW encodes LDRSW Xt, [Xn, #imm].
func LDRSW(rt, rn, imm uint32) uint32 { return ldstUnsigned(0xB9800000, rt, rn, imm, 4) }

func ldstImm9(base, rt, rn uint32, imm int32) uint32 {
	return base | (uint32(imm)&0x1FF)<<12 | rn<<5 | rt
}

// STRPre encodes STR Xt, [Xn, #imm]!.
func STRPre(rt, rn uint32, imm int32) uint32 { return ldstImm9(0xF8000C00, rt, rn, imm) }

// LDRPost encodes LDR Xt, [Xn], #imm.
func LDRPost(rt, rn uint32, imm int32) uint32 { return ldstImm9(0xF8400400, rt, rn, imm) }

// LDRBPost encodes LDRB Wt, [Xn], #imm.
func LDRBPost(rt, rn uint32, imm int32) uint32 { return ldstImm9(0x38400400, rt, rn, imm) }

// LDUR encodes LDUR Xt, [Xn, #imm].
func LDUR(rt, rn uint32, imm int32) uint32 { return ldstImm9(0xF8400000, rt, rn, imm) }

func pair(base, rt, rt2, rn uint32, imm int32) uint32 {
	return base | (uint32(imm/8)&0x7F)<<15 | rt2<<10 | rn<<5 | rt
}

// STPPre encodes STP Xt, Xt2, [Xn, #imm]!.
func STPPre(rt, rt2, rn uint32, imm int32) uint32 { return pair(0xA9800000, rt, rt2, rn, imm) }

// LDPPost encodes LDP Xt, Xt2, [Xn], #imm.
func LDPPost(rt, rt2, rn uint32, imm int32) uint32 { return pair(0xA8C00000, rt, rt2, rn, imm) }

// STP encodes STP Xt, Xt2, [Xn, #imm].
func STP(rt, rt2, rn uint32, imm int32) uint32 { return pair(0xA9000000, rt, rt2, rn, imm) }

// LDP encodes LDP Xt, Xt2, [Xn, #imm].
func LDP(rt, rt2, rn uint32, imm int32) uint32 { return pair(0xA9400000, rt, rt2, rn, imm) }

// SVC encodes SVC #imm16.
func SVC(imm16 uint32) uint32 { return 0xD4000001 | (imm16&0xFFFF)<<5 }

// BRK encodes BRK #imm16.
func BRK(imm16 uint32) uint32 { return 0xD4200000 | (imm16&0xFFFF)<<5 }

// NOP encodes NOP.
func NOP() uint32 { return 0xD503201F }
