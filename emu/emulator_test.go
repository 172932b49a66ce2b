package emu_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/lazyload/emu"
	"github.com/sarchlab/lazyload/insts"
	"github.com/sarchlab/lazyload/internal/asm"
	"github.com/sarchlab/lazyload/vm"
)

const (
	codeBase = uint64(0x400000)
	dataBase = uint64(0x600000)
	stackTop = dataBase + vm.PageSize
)

// prog flattens instruction words and word slices (from asm.MOV64).
func prog(parts ...interface{}) []uint32 {
	var words []uint32
	for _, p := range parts {
		switch w := p.(type) {
		case uint32:
			words = append(words, w)
		case []uint32:
			words = append(words, w...)
		default:
			Fail("unexpected program part")
		}
	}
	return words
}

// exitWith returns the words that exit with code.
func exitWith(code uint32) []uint32 {
	return []uint32{asm.MOVZ(0, code, 0), asm.MOVZ(8, 93, 0), asm.SVC(0)}
}

// newSpace maps code read-execute at codeBase and one read-write data page
// at dataBase.
func newSpace(code []uint32) *vm.AddressSpace {
	as := vm.NewAddressSpace()
	Expect(as.Map(codeBase, vm.PageSize, vm.ProtRW)).To(Succeed())
	Expect(as.Write(codeBase, asm.Assemble(code...))).To(Succeed())
	Expect(as.Protect(codeBase, vm.PageSize, vm.ProtRead|vm.ProtExec)).To(Succeed())
	Expect(as.Map(dataBase, vm.PageSize, vm.ProtRW)).To(Succeed())
	return as
}

func newEmulator(as *vm.AddressSpace, opts ...emu.EmulatorOption) *emu.Emulator {
	e := emu.NewEmulator(as, opts...)
	e.RegFile().PC = codeBase
	e.RegFile().SP = stackTop
	return e
}

// stepAll steps n instructions, expecting each to succeed.
func stepAll(e *emu.Emulator, n int) {
	for i := 0; i < n; i++ {
		result := e.Step()
		Expect(result.Err).NotTo(HaveOccurred())
		Expect(result.Exited).To(BeFalse())
	}
}

var _ = Describe("Emulator", func() {
	var (
		as  *vm.AddressSpace
		e   *emu.Emulator
		reg *emu.RegFile
	)

	load := func(parts ...interface{}) {
		as = newSpace(prog(parts...))
		e = newEmulator(as)
		reg = e.RegFile()
	}

	Describe("Data processing", func() {
		It("should execute ADD immediate", func() {
			load(asm.ADDImm(0, 1, 5))
			reg.WriteReg(1, 10)

			stepAll(e, 1)

			Expect(reg.ReadReg(0)).To(Equal(uint64(15)))
			Expect(reg.PC).To(Equal(codeBase + 4))
			Expect(e.InstructionCount()).To(Equal(uint64(1)))
		})

		It("should use SP as the register 31 operand of immediate forms", func() {
			load(asm.SUBImm(asm.SP, asm.SP, 32), asm.ADDImm(2, asm.SP, 8))

			stepAll(e, 2)

			Expect(reg.SP).To(Equal(stackTop - 32))
			Expect(reg.ReadReg(2)).To(Equal(stackTop - 24))
		})

		It("should set flags on CMP", func() {
			load(asm.CMPImm(0, 5), asm.CMPImm(0, 6))
			reg.WriteReg(0, 5)

			stepAll(e, 1)
			Expect(reg.PSTATE).To(Equal(emu.PSTATE{Z: true, C: true}))

			stepAll(e, 1)
			Expect(reg.PSTATE).To(Equal(emu.PSTATE{N: true}))
		})

		It("should zero-extend 32-bit results", func() {
			load(asm.ADDWImm(0, 1, 1))
			reg.WriteReg(1, 0x1_FFFF_FFFF)

			stepAll(e, 1)

			Expect(reg.ReadReg(0)).To(BeZero())
		})

		It("should shift the second register operand", func() {
			load(asm.ADDReg(0, 1, 2, 3))
			reg.WriteReg(1, 1)
			reg.WriteReg(2, 2)

			stepAll(e, 1)

			Expect(reg.ReadReg(0)).To(Equal(uint64(17)))
		})

		It("should execute logical operations", func() {
			load(
				asm.ANDReg(3, 1, 2),
				asm.ORRReg(4, 1, 2),
				asm.EORReg(5, 1, 2),
				uint32(0x8A220020), // BIC X0, X1, X2
			)
			reg.WriteReg(1, 0xFF)
			reg.WriteReg(2, 0x0F)

			stepAll(e, 4)

			Expect(reg.ReadReg(3)).To(Equal(uint64(0x0F)))
			Expect(reg.ReadReg(4)).To(Equal(uint64(0xFF)))
			Expect(reg.ReadReg(5)).To(Equal(uint64(0xF0)))
			Expect(reg.ReadReg(0)).To(Equal(uint64(0xF0)))
		})

		It("should discard writes to XZR", func() {
			load(asm.ADDReg(asm.XZR, 1, 1, 0), asm.MOVReg(0, asm.XZR))
			reg.WriteReg(1, 7)
			reg.WriteReg(0, 9)

			stepAll(e, 2)

			Expect(reg.ReadReg(0)).To(BeZero())
		})
	})

	Describe("Move wide and PC-relative", func() {
		It("should build a 64-bit constant", func() {
			load(asm.MOV64(0, 0x1122334455667788))

			stepAll(e, 4)

			Expect(reg.ReadReg(0)).To(Equal(uint64(0x1122334455667788)))
		})

		It("should keep the other bits on MOVK", func() {
			load(asm.MOVN(0, 0, 0), asm.MOVK(0, 0x1234, 16))

			stepAll(e, 1)
			Expect(reg.ReadReg(0)).To(Equal(^uint64(0)))

			stepAll(e, 1)
			Expect(reg.ReadReg(0)).To(Equal(uint64(0xFFFFFFFF1234FFFF)))
		})

		It("should truncate MOVN on a W register", func() {
			load(uint32(0x12800002)) // MOVN W2, #0

			stepAll(e, 1)

			Expect(reg.ReadReg(2)).To(Equal(uint64(0xFFFFFFFF)))
		})

		It("should compute ADR and ADRP addresses", func() {
			load(asm.NOP(), asm.ADR(3, 8), asm.ADRP(4, 1))

			stepAll(e, 3)

			Expect(reg.ReadReg(3)).To(Equal(codeBase + 4 + 8))
			Expect(reg.ReadReg(4)).To(Equal(codeBase + 0x1000))
		})
	})

	Describe("Branches", func() {
		It("should run a counting loop to exit", func() {
			load(
				asm.MOVZ(0, 0, 0),
				asm.MOVZ(1, 10, 0),
				asm.ADDReg(0, 0, 1, 0),
				asm.SUBSImm(1, 1, 1),
				asm.BCond(asm.NE, -8),
				asm.MOVZ(8, 93, 0),
				asm.SVC(0),
			)

			exit := e.Run(context.Background())

			Expect(exit.Signaled()).To(BeFalse())
			Expect(exit.Code).To(Equal(55))
			Expect(exit.Instructions).To(Equal(uint64(2 + 10*3 + 2)))
		})

		It("should call and return", func() {
			load(
				asm.BL(12),
				asm.MOVZ(8, 93, 0),
				asm.SVC(0),
				asm.MOVZ(0, 7, 0),
				asm.RET(),
			)

			exit := e.Run(context.Background())

			Expect(exit.Code).To(Equal(7))
			Expect(reg.ReadReg(30)).To(Equal(codeBase + 4))
		})

		It("should branch on zero and non-zero registers", func() {
			load(
				asm.MOVZ(1, 0, 0),
				asm.CBZ(1, 8),
				asm.BRK(0),
				asm.MOVZ(0, 3, 0),
				asm.CBNZ(0, 8),
				asm.BRK(0),
				asm.MOVZ(8, 93, 0),
				asm.SVC(0),
			)

			exit := e.Run(context.Background())

			Expect(exit.Signaled()).To(BeFalse())
			Expect(exit.Code).To(Equal(3))
		})

		It("should branch to a register with link", func() {
			load(
				asm.BLR(9),
				asm.BRK(0),
				asm.BRK(0),
				exitWith(4),
			)
			reg.WriteReg(9, codeBase+12)

			exit := e.Run(context.Background())

			Expect(exit.Code).To(Equal(4))
			Expect(reg.ReadReg(30)).To(Equal(codeBase + 4))
		})

		It("should fall through an untaken conditional branch", func() {
			load(asm.CMPImm(0, 1), asm.BCond(asm.EQ, 64))

			stepAll(e, 2)

			Expect(reg.PC).To(Equal(codeBase + 8))
		})

		DescribeTable("condition codes",
			func(flags emu.PSTATE, cond insts.Cond, taken bool) {
				regs := &emu.RegFile{PSTATE: flags}
				Expect(emu.NewBranchUnit(regs).CheckCondition(cond)).To(Equal(taken))
			},
			Entry("EQ with Z", emu.PSTATE{Z: true}, insts.CondEQ, true),
			Entry("NE with Z", emu.PSTATE{Z: true}, insts.CondNE, false),
			Entry("HI with C and not Z", emu.PSTATE{C: true}, insts.CondHI, true),
			Entry("LS with Z", emu.PSTATE{C: true, Z: true}, insts.CondLS, true),
			Entry("GE with N and V", emu.PSTATE{N: true, V: true}, insts.CondGE, true),
			Entry("LT with N only", emu.PSTATE{N: true}, insts.CondLT, true),
			Entry("GT with Z", emu.PSTATE{Z: true}, insts.CondGT, false),
			Entry("LE with Z", emu.PSTATE{Z: true}, insts.CondLE, true),
			Entry("AL", emu.PSTATE{}, insts.CondAL, true),
		)
	})

	Describe("Loads and stores", func() {
		It("should store and load with an unsigned offset", func() {
			load(asm.STR(0, 1, 8), asm.LDR(2, 1, 8))
			reg.WriteReg(0, 0x1122334455667788)
			reg.WriteReg(1, dataBase)

			stepAll(e, 2)

			Expect(reg.ReadReg(2)).To(Equal(uint64(0x1122334455667788)))
			Expect(as.Read64(dataBase + 8)).To(Equal(uint64(0x1122334455667788)))
		})

		It("should write back pre- and post-indexed addresses", func() {
			load(asm.STRPre(0, asm.SP, -16), asm.LDRPost(3, asm.SP, 16))
			reg.WriteReg(0, 42)

			stepAll(e, 1)
			Expect(reg.SP).To(Equal(stackTop - 16))
			Expect(as.Read64(stackTop - 16)).To(Equal(uint64(42)))

			stepAll(e, 1)
			Expect(reg.SP).To(Equal(stackTop))
			Expect(reg.ReadReg(3)).To(Equal(uint64(42)))
		})

		It("should push and pop register pairs", func() {
			load(asm.STPPre(asm.FP, asm.LR, asm.SP, -16), asm.LDPPost(1, 2, asm.SP, 16))
			reg.WriteReg(29, 0xAAAA)
			reg.WriteReg(30, 0xBBBB)

			stepAll(e, 1)
			Expect(as.Read64(stackTop - 16)).To(Equal(uint64(0xAAAA)))
			Expect(as.Read64(stackTop - 8)).To(Equal(uint64(0xBBBB)))

			stepAll(e, 1)
			Expect(reg.ReadReg(1)).To(Equal(uint64(0xAAAA)))
			Expect(reg.ReadReg(2)).To(Equal(uint64(0xBBBB)))
			Expect(reg.SP).To(Equal(stackTop))
		})

		It("should zero-extend narrow loads and sign-extend LDRSW", func() {
			load(asm.LDRB(2, 1, 0), asm.LDRH(3, 1, 0), asm.LDRW(4, 1, 0), asm.LDRSW(5, 1, 0))
			Expect(as.Write32(dataBase, 0xFFFFFFFE)).To(Succeed())
			reg.WriteReg(1, dataBase)

			stepAll(e, 4)

			Expect(reg.ReadReg(2)).To(Equal(uint64(0xFE)))
			Expect(reg.ReadReg(3)).To(Equal(uint64(0xFFFE)))
			Expect(reg.ReadReg(4)).To(Equal(uint64(0xFFFFFFFE)))
			Expect(reg.ReadReg(5)).To(Equal(uint64(0xFFFFFFFFFFFFFFFE)))
		})

		It("should store only the low bytes of narrow stores", func() {
			load(asm.STRB(0, 1, 1), asm.STRH(0, 1, 2))
			reg.WriteReg(0, 0x1234)
			reg.WriteReg(1, dataBase)

			stepAll(e, 2)

			buf := make([]byte, 5)
			Expect(as.Read(dataBase, buf)).To(Succeed())
			Expect(buf).To(Equal([]byte{0, 0x34, 0x34, 0x12, 0}))
		})

		It("should load with a negative unscaled offset", func() {
			load(asm.LDUR(0, 1, -8))
			Expect(as.Write64(dataBase, 99)).To(Succeed())
			reg.WriteReg(1, dataBase+8)

			stepAll(e, 1)

			Expect(reg.ReadReg(0)).To(Equal(uint64(99)))
		})
	})

	Describe("Termination", func() {
		It("should exit with the low byte of the code as status", func() {
			load(exitWith(300))

			exit := e.Run(context.Background())

			Expect(exit.Code).To(Equal(300))
			Expect(exit.Status()).To(Equal(44))
			Expect(exit.String()).To(ContainSubstring("exited with code 300"))
		})

		It("should raise SIGILL on an unknown instruction", func() {
			load(asm.NOP(), uint32(0))

			exit := e.Run(context.Background())

			Expect(exit.Signal).To(Equal(vm.SIGILL))
			Expect(exit.Status()).To(Equal(132))
			Expect(exit.Instructions).To(Equal(uint64(1)))

			var ill *emu.IllegalInstructionError
			Expect(errors.As(exit.Err, &ill)).To(BeTrue())
			Expect(ill.PC).To(Equal(codeBase + 4))
		})

		It("should raise SIGTRAP on BRK", func() {
			load(asm.BRK(1))

			exit := e.Run(context.Background())

			Expect(exit.Signal).To(Equal(vm.SIGTRAP))
			Expect(exit.Status()).To(Equal(133))
		})

		It("should stop at the instruction limit", func() {
			as = newSpace(prog(asm.B(0)))
			e = newEmulator(as, emu.WithMaxInstructions(100))

			exit := e.Run(context.Background())

			Expect(exit.Signal).To(Equal(vm.SIGXCPU))
			Expect(exit.Instructions).To(Equal(uint64(100)))
		})

		It("should stop when the context is cancelled", func() {
			load(asm.B(0))
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			exit := e.Run(ctx)

			Expect(exit.Signal).To(Equal(vm.SIGKILL))
			Expect(errors.Is(exit.Err, context.Canceled)).To(BeTrue())
		})

		It("should raise SIGSEGV on an unmapped load and leave state unchanged", func() {
			load(asm.LDR(0, 1, 0))
			reg.WriteReg(1, 0x900000)
			reg.WriteReg(0, 5)

			result := e.Step()

			var segv *vm.SegmentationFault
			Expect(errors.As(result.Err, &segv)).To(BeTrue())
			Expect(segv.Fault.Addr).To(Equal(uint64(0x900000)))
			Expect(segv.Fault.Code).To(Equal(vm.CodeMapErr))
			Expect(reg.PC).To(Equal(codeBase))
			Expect(reg.ReadReg(0)).To(Equal(uint64(5)))
			Expect(e.InstructionCount()).To(BeZero())
		})

		It("should not write back the base of a faulting access", func() {
			load(asm.STRPre(0, 1, -16))
			reg.WriteReg(1, 0x900010)

			Expect(e.Step().Err).To(HaveOccurred())
			Expect(reg.ReadReg(1)).To(Equal(uint64(0x900010)))
		})

		It("should fault on a store to a read-only page", func() {
			load(asm.STR(0, 1, 0), exitWith(0))
			reg.WriteReg(1, codeBase)

			exit := e.Run(context.Background())

			Expect(exit.Signal).To(Equal(vm.SIGSEGV))
			Expect(exit.Status()).To(Equal(139))

			var segv *vm.SegmentationFault
			Expect(errors.As(exit.Err, &segv)).To(BeTrue())
			Expect(segv.Fault.Code).To(Equal(vm.CodeAccErr))
			Expect(segv.Fault.Access).To(Equal(vm.AccessWrite))
		})

		It("should fault on executing a data page", func() {
			load(asm.NOP())
			reg.PC = dataBase

			exit := e.Run(context.Background())

			var segv *vm.SegmentationFault
			Expect(errors.As(exit.Err, &segv)).To(BeTrue())
			Expect(segv.Fault.Access).To(Equal(vm.AccessExecute))
			Expect(exit.String()).To(ContainSubstring("SIGSEGV"))
		})
	})
})
