package emu

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sarchlab/lazyload/loader"
	"github.com/sarchlab/lazyload/vm"
)

// Default stack placement, below the top of the 47-bit user address range.
const (
	DefaultStackTop  uint64 = 0x0000_7fff_ffff_0000
	DefaultStackSize uint64 = 1 << 20
)

// Auxiliary vector entries written to the initial stack.
const (
	atNull   = 0
	atPageSz = 6
	atEntry  = 9
)

// ErrArgsTooLong is returned by Start when argv does not fit in the stack.
var ErrArgsTooLong = errors.New("argument list too long")

// AddressSpace is the memory a program is started in: faulting accesses
// plus eager mapping for the stack.
type AddressSpace interface {
	Memory
	Map(addr, length uint64, prot vm.Prot) error
}

// Exit describes how a program ended.
type Exit struct {
	// Code is the exit status passed to exit or exit_group.
	Code int
	// Signal is the signal that killed the program, or 0 after a normal
	// exit.
	Signal vm.Signal
	// Instructions is the number of instructions retired.
	Instructions uint64
	// Err is the cause of a signaled exit.
	Err error
}

// Signaled reports whether the program was killed by a signal.
func (x Exit) Signaled() bool {
	return x.Signal != 0
}

// Status returns the shell-style exit status: 128 plus the signal number
// for a signaled program, the low byte of the exit code otherwise.
func (x Exit) Status() int {
	if x.Signaled() {
		return 128 + int(x.Signal)
	}
	return x.Code & 0xff
}

func (x Exit) String() string {
	if x.Signaled() {
		return fmt.Sprintf("killed by %s after %d instructions: %v", x.Signal, x.Instructions, x.Err)
	}
	return fmt.Sprintf("exited with code %d after %d instructions", x.Code, x.Instructions)
}

// Start transfers control to img in as: it maps the stack, lays out argv
// and the auxiliary vector the way Linux does for a static executable, and
// runs from the entry point until the program ends. Segment pages are not
// touched here; they are materialized by whatever trap handler as has.
//
// The error is non-nil only when the program could not be started.
func Start(
	ctx context.Context,
	as AddressSpace,
	img *loader.Image,
	argv []string,
	opts ...EmulatorOption,
) (Exit, error) {
	e := NewEmulator(as, opts...)

	stackBase := e.stackTop - e.stackSize
	if err := as.Map(stackBase, e.stackSize, vm.ProtRW); err != nil {
		return Exit{}, fmt.Errorf("failed to map stack: %w", err)
	}

	sp, err := e.initStack(stackBase, img.Entry, argv)
	if err != nil {
		return Exit{}, err
	}

	if h, ok := e.syscallHandler.(*DefaultSyscallHandler); ok {
		h.SetBreak(programBreak(img))
	}

	e.regFile.SP = sp
	e.regFile.PC = img.Entry

	e.log.WithField("entry", fmt.Sprintf("0x%x", img.Entry)).
		WithField("sp", fmt.Sprintf("0x%x", sp)).
		Debug("starting program")

	return e.Run(ctx), nil
}

// initStack writes argv and the initial stack frame below stackTop:
//
//	sp -> argc
//	      argv[0..argc-1], NULL
//	      envp NULL
//	      auxv pairs, AT_NULL
//	      ... argv strings
//
// It returns the 16-byte aligned stack pointer.
func (e *Emulator) initStack(stackBase, entry uint64, argv []string) (uint64, error) {
	var size uint64
	for _, arg := range argv {
		size += uint64(len(arg)) + 1
	}
	frame := uint64(len(argv)+9) * 8
	if size+frame+16 > e.stackSize {
		return 0, ErrArgsTooLong
	}

	sp := e.stackTop
	ptrs := make([]uint64, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		sp -= uint64(len(argv[i])) + 1
		if err := e.memory.Write(sp, append([]byte(argv[i]), 0)); err != nil {
			return 0, fmt.Errorf("failed to write argv: %w", err)
		}
		ptrs[i] = sp
	}

	words := make([]uint64, 0, len(argv)+9)
	words = append(words, uint64(len(argv)))
	words = append(words, ptrs...)
	words = append(words, 0, 0)
	words = append(words, atPageSz, vm.PageSize, atEntry, entry, atNull, 0)

	sp = (sp - uint64(len(words))*8) &^ 15
	if sp < stackBase {
		return 0, ErrArgsTooLong
	}

	buf := make([]byte, len(words)*8)
	for i, w := range words {
		binary.LittleEndian.PutUint64(buf[i*8:], w)
	}
	if err := e.memory.Write(sp, buf); err != nil {
		return 0, fmt.Errorf("failed to write initial stack: %w", err)
	}

	return sp, nil
}

// programBreak is the first page boundary above every segment.
func programBreak(img *loader.Image) uint64 {
	var end uint64
	for _, seg := range img.Segments {
		end = max(end, seg.End())
	}
	if brk, ok := vm.PageRoundUp(end); ok {
		return brk
	}
	return end
}
