package emu

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/lazyload/insts"
	"github.com/sarchlab/lazyload/vm"
)

// cancelCheckInterval is how many instructions run between context checks.
// It must be a power of two.
const cancelCheckInterval = 4096

// StepResult represents the result of executing a single instruction.
type StepResult struct {
	// Exited is true if the program terminated (via exit syscall).
	Exited bool

	// ExitCode is the exit status if Exited is true.
	ExitCode int64

	// Err is set if the instruction could not complete. The register file
	// is left as it was before the instruction.
	Err error
}

// Emulator executes ARM64 instructions functionally.
type Emulator struct {
	regFile        *RegFile
	memory         Memory
	decoder        *insts.Decoder
	syscallHandler SyscallHandler

	alu        *ALU
	lsu        *LoadStoreUnit
	branchUnit *BranchUnit

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	log    *logrus.Entry

	stackTop  uint64
	stackSize uint64

	instructionCount uint64
	maxInstructions  uint64 // 0 means no limit
}

// EmulatorOption is a functional option for configuring the Emulator.
type EmulatorOption func(*Emulator)

// WithStdout sets the writer behind fd 1.
func WithStdout(w io.Writer) EmulatorOption {
	return func(e *Emulator) {
		e.stdout = w
	}
}

// WithStderr sets the writer behind fd 2.
func WithStderr(w io.Writer) EmulatorOption {
	return func(e *Emulator) {
		e.stderr = w
	}
}

// WithStdin sets the reader behind fd 0.
func WithStdin(r io.Reader) EmulatorOption {
	return func(e *Emulator) {
		e.stdin = r
	}
}

// WithSyscallHandler replaces the default syscall handler.
func WithSyscallHandler(handler SyscallHandler) EmulatorOption {
	return func(e *Emulator) {
		e.syscallHandler = handler
	}
}

// WithMaxInstructions sets the maximum number of instructions to execute.
// A value of 0 means no limit.
func WithMaxInstructions(max uint64) EmulatorOption {
	return func(e *Emulator) {
		e.maxInstructions = max
	}
}

// WithStack sets the stack Start maps: size bytes ending at top.
func WithStack(top, size uint64) EmulatorOption {
	return func(e *Emulator) {
		e.stackTop = top
		e.stackSize = size
	}
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) EmulatorOption {
	return func(e *Emulator) {
		e.log = log
	}
}

// NewEmulator creates an emulator that executes against memory.
func NewEmulator(memory Memory, opts ...EmulatorOption) *Emulator {
	regFile := &RegFile{}

	e := &Emulator{
		regFile:   regFile,
		memory:    memory,
		decoder:   insts.NewDecoder(),
		stdout:    os.Stdout,
		stderr:    os.Stderr,
		log:       logrus.NewEntry(logrus.StandardLogger()),
		stackTop:  DefaultStackTop,
		stackSize: DefaultStackSize,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.alu = NewALU(regFile)
	e.lsu = NewLoadStoreUnit(regFile, memory)
	e.branchUnit = NewBranchUnit(regFile)

	if e.syscallHandler == nil {
		h := NewDefaultSyscallHandler(regFile, memory, e.stdout, e.stderr)
		h.SetStdin(e.stdin)
		h.SetLogger(e.log)
		e.syscallHandler = h
	}

	return e
}

// RegFile returns the emulator's register file.
func (e *Emulator) RegFile() *RegFile {
	return e.regFile
}

// InstructionCount returns the number of instructions retired.
func (e *Emulator) InstructionCount() uint64 {
	return e.instructionCount
}

// Step executes a single instruction.
func (e *Emulator) Step() StepResult {
	if e.maxInstructions > 0 && e.instructionCount >= e.maxInstructions {
		return StepResult{Err: &InstructionLimitError{Limit: e.maxInstructions}}
	}

	word, err := e.memory.Fetch32(e.regFile.PC)
	if err != nil {
		return StepResult{Err: err}
	}

	inst := e.decoder.Decode(word)

	result := e.execute(inst, word)
	if result.Err == nil {
		e.instructionCount++
	}

	return result
}

// Run executes instructions until the program exits, a step fails, or ctx
// is done.
func (e *Emulator) Run(ctx context.Context) Exit {
	for {
		if e.instructionCount&(cancelCheckInterval-1) == 0 {
			if err := ctx.Err(); err != nil {
				return e.terminate(err, vm.SIGKILL)
			}
		}

		result := e.Step()
		if result.Err != nil {
			return e.terminate(result.Err, signalOf(result.Err))
		}
		if result.Exited {
			return Exit{
				Code:         int(result.ExitCode),
				Instructions: e.instructionCount,
			}
		}
	}
}

func (e *Emulator) terminate(err error, sig vm.Signal) Exit {
	e.log.WithFields(logrus.Fields{
		"signal": sig.String(),
		"regs":   e.regFile.String(),
	}).WithError(err).Debug("program terminated")

	return Exit{
		Signal:       sig,
		Instructions: e.instructionCount,
		Err:          err,
	}
}

// signalOf returns the signal err terminates the program with. Errors that
// carry no signal are treated as segmentation faults.
func signalOf(err error) vm.Signal {
	var s vm.Signaler
	if errors.As(err, &s) {
		return s.Signal()
	}
	return vm.SIGSEGV
}

// execute dispatches and executes a decoded instruction.
func (e *Emulator) execute(inst *insts.Instruction, word uint32) StepResult {
	pc := e.regFile.PC

	if inst.Op == insts.OpUnknown {
		return StepResult{Err: &IllegalInstructionError{PC: pc, Word: word}}
	}

	switch inst.Format {
	case insts.FormatDPImm:
		e.executeDPImm(inst)
	case insts.FormatDPReg:
		e.executeDPReg(inst)
	case insts.FormatMoveWide:
		e.executeMoveWide(inst)
	case insts.FormatPCRel:
		e.executePCRel(inst)
	case insts.FormatBranch, insts.FormatBranchCond,
		insts.FormatCompareBranch, insts.FormatBranchReg:
		e.executeBranch(inst)
		return StepResult{}
	case insts.FormatLoadStore:
		if err := e.executeLoadStore(inst); err != nil {
			return StepResult{Err: err}
		}
	case insts.FormatLoadStorePair:
		if err := e.executeLoadStorePair(inst); err != nil {
			return StepResult{Err: err}
		}
	case insts.FormatException:
		if inst.Op == insts.OpBRK {
			return StepResult{Err: &BreakpointError{PC: pc, Imm: inst.Imm}}
		}
		return e.executeSVC()
	case insts.FormatSystem:
	default:
		return StepResult{Err: &IllegalInstructionError{PC: pc, Word: word}}
	}

	e.regFile.PC += 4
	return StepResult{}
}

// executeSVC handles the SVC (supervisor call) instruction.
func (e *Emulator) executeSVC() StepResult {
	result, err := e.syscallHandler.Handle()
	if err != nil {
		return StepResult{Err: err}
	}

	// The syscall returns to the next instruction.
	e.regFile.PC += 4

	return StepResult{
		Exited:   result.Exited,
		ExitCode: result.ExitCode,
	}
}

// executeDPImm executes add/subtract (immediate). Rn and, without S, Rd
// name SP when 31.
func (e *Emulator) executeDPImm(inst *insts.Instruction) {
	op1 := e.regFile.ReadRegOrSP(inst.Rn)
	imm := inst.Imm << inst.Shift

	result := e.alu.AddSub(op1, imm, inst.Op == insts.OpSUB, inst.Is64Bit, inst.SetFlags)

	if inst.SetFlags {
		e.regFile.WriteReg(inst.Rd, result)
	} else {
		e.regFile.WriteRegOrSP(inst.Rd, result)
	}
}

// executeDPReg executes add/subtract and logical (shifted register).
func (e *Emulator) executeDPReg(inst *insts.Instruction) {
	op1 := e.regFile.ReadReg(inst.Rn)
	op2 := Shift(e.regFile.ReadReg(inst.Rm), inst.ShiftType, inst.ShiftAmount, inst.Is64Bit)

	var result uint64
	switch inst.Op {
	case insts.OpADD, insts.OpSUB:
		result = e.alu.AddSub(op1, op2, inst.Op == insts.OpSUB, inst.Is64Bit, inst.SetFlags)
	default:
		result = e.alu.Logical(inst.Op, op1, op2, inst.Is64Bit, inst.SetFlags)
	}

	e.regFile.WriteReg(inst.Rd, result)
}

// executeMoveWide executes MOVZ, MOVN, and MOVK.
func (e *Emulator) executeMoveWide(inst *insts.Instruction) {
	imm := inst.Imm << inst.Shift

	var result uint64
	switch inst.Op {
	case insts.OpMOVZ:
		result = imm
	case insts.OpMOVN:
		result = ^imm
	case insts.OpMOVK:
		result = e.regFile.ReadReg(inst.Rd)&^(0xFFFF<<inst.Shift) | imm
	}

	if !inst.Is64Bit {
		result = uint64(uint32(result))
	}
	e.regFile.WriteReg(inst.Rd, result)
}

// executePCRel executes ADR and ADRP.
func (e *Emulator) executePCRel(inst *insts.Instruction) {
	base := e.regFile.PC
	if inst.Op == insts.OpADRP {
		base = vm.PageRoundDown(base)
	}
	e.regFile.WriteReg(inst.Rd, uint64(int64(base)+inst.BranchOffset))
}

// executeBranch executes every branch form. PC is updated by the branch.
func (e *Emulator) executeBranch(inst *insts.Instruction) {
	switch inst.Op {
	case insts.OpB:
		e.branchUnit.B(inst.BranchOffset)
	case insts.OpBL:
		e.branchUnit.BL(inst.BranchOffset)
	case insts.OpBCond:
		e.branchUnit.BCond(inst.BranchOffset, inst.Cond)
	case insts.OpCBZ, insts.OpCBNZ:
		e.branchUnit.CB(inst.Rd, inst.BranchOffset, inst.Is64Bit, inst.Op == insts.OpCBNZ)
	case insts.OpBR:
		e.branchUnit.BR(inst.Rn)
	case insts.OpBLR:
		e.branchUnit.BLR(inst.Rn)
	case insts.OpRET:
		e.branchUnit.RET(inst.Rn)
	}
}

// address computes the effective address of a load or store and the base
// register value to write back, if any.
func (e *Emulator) address(inst *insts.Instruction) (addr, writeback uint64, wb bool) {
	base := e.regFile.ReadRegOrSP(inst.Rn)

	switch inst.IndexMode {
	case insts.IndexUnsigned:
		return base + inst.Imm, 0, false
	case insts.IndexPre:
		addr = uint64(int64(base) + inst.SignedImm)
		return addr, addr, true
	case insts.IndexPost:
		return base, uint64(int64(base) + inst.SignedImm), true
	default:
		return uint64(int64(base) + inst.SignedImm), 0, false
	}
}

// executeLoadStore executes single-register loads and stores. Writeback
// happens only after the access succeeds.
func (e *Emulator) executeLoadStore(inst *insts.Instruction) error {
	addr, writeback, wb := e.address(inst)

	var err error
	switch inst.Op {
	case insts.OpSTR, insts.OpSTRB, insts.OpSTRH:
		err = e.lsu.Store(inst.Rd, addr, inst.Size)
	default:
		err = e.lsu.Load(inst.Rd, addr, inst.Size, inst.Op == insts.OpLDRSW)
	}
	if err != nil {
		return err
	}

	if wb {
		e.regFile.WriteRegOrSP(inst.Rn, writeback)
	}
	return nil
}

// executeLoadStorePair executes LDP and STP.
func (e *Emulator) executeLoadStorePair(inst *insts.Instruction) error {
	addr, writeback, wb := e.address(inst)

	var err error
	if inst.Op == insts.OpLDP {
		err = e.lsu.LoadPair(inst.Rd, inst.Rt2, addr, inst.Size)
	} else {
		err = e.lsu.StorePair(inst.Rd, inst.Rt2, addr, inst.Size)
	}
	if err != nil {
		return err
	}

	if wb {
		e.regFile.WriteRegOrSP(inst.Rn, writeback)
	}
	return nil
}
