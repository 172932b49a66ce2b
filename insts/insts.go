// Package insts provides ARM64 instruction definitions and decoding.
//
// This package decodes the subset of A64 machine code that small static
// programs need to run under the loader:
//   - Data processing: ADD/SUB (immediate and shifted register, with or
//     without flags), AND/ORR/EOR/BIC/ORN/EON (shifted register),
//     MOVZ/MOVN/MOVK, ADR/ADRP
//   - Branches: B, BL, B.cond, CBZ/CBNZ, BR, BLR, RET
//   - Loads and stores: LDR/STR (byte, halfword, word, doubleword) with
//     unsigned offset, unscaled offset, pre- and post-index; LDRSW; LDP/STP
//   - Exceptions and hints: SVC, BRK, NOP
//
// Usage:
//
//	decoder := insts.NewDecoder()
//	inst := decoder.Decode(0x9100A820) // ADD X0, X1, #42
//	fmt.Printf("Op: %v, Rd: %d, Rn: %d, Imm: %d\n", inst.Op, inst.Rd, inst.Rn, inst.Imm)
package insts
