package emu

import (
	"errors"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/lazyload/vm"
)

// ARM64 Linux syscall numbers.
const (
	SyscallRead      uint64 = 63  // read(fd, buf, count)
	SyscallWrite     uint64 = 64  // write(fd, buf, count)
	SyscallExit      uint64 = 93  // exit(status)
	SyscallExitGroup uint64 = 94  // exit_group(status)
	SyscallGetpid    uint64 = 172 // getpid()
	SyscallBrk       uint64 = 214 // brk(addr)
)

// Linux error codes.
const (
	EIO    = 5  // I/O error
	EBADF  = 9  // Bad file descriptor
	EFAULT = 14 // Bad address
	ENOSYS = 38 // Function not implemented
)

// ioChunk bounds the host buffer used for one read or write syscall step.
const ioChunk = 64 << 10

// SyscallResult represents the result of a syscall execution.
type SyscallResult struct {
	// Exited is true if the syscall caused program termination.
	Exited bool

	// ExitCode is the exit status if Exited is true.
	ExitCode int64
}

// SyscallHandler executes the syscall described by the register file:
// number in X8, arguments in X0-X5, result in X0.
type SyscallHandler interface {
	Handle() (SyscallResult, error)
}

// DefaultSyscallHandler implements the small syscall surface a static
// program needs to print and exit. Guest buffers are accessed through the
// faulting memory path, so they may materialize pages.
type DefaultSyscallHandler struct {
	regFile *RegFile
	memory  Memory
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
	brk     uint64
	log     *logrus.Entry
}

// NewDefaultSyscallHandler creates a default syscall handler.
func NewDefaultSyscallHandler(
	regFile *RegFile,
	memory Memory,
	stdout, stderr io.Writer,
) *DefaultSyscallHandler {
	return &DefaultSyscallHandler{
		regFile: regFile,
		memory:  memory,
		stdout:  stdout,
		stderr:  stderr,
		log:     logrus.NewEntry(logrus.StandardLogger()),
	}
}

// SetStdin sets the reader behind fd 0. With none, reads return EOF.
func (h *DefaultSyscallHandler) SetStdin(stdin io.Reader) {
	h.stdin = stdin
}

// SetBreak sets the program break reported by brk.
func (h *DefaultSyscallHandler) SetBreak(addr uint64) {
	h.brk = addr
}

// SetLogger sets the logger for unsupported syscalls.
func (h *DefaultSyscallHandler) SetLogger(log *logrus.Entry) {
	h.log = log
}

// Handle executes the syscall indicated by the register file state. An
// error is returned only when a guest buffer access hits a fault that is
// not a plain segmentation fault, such as a failed materialization.
func (h *DefaultSyscallHandler) Handle() (SyscallResult, error) {
	switch num := h.regFile.ReadReg(8); num {
	case SyscallRead:
		return SyscallResult{}, h.handleRead()
	case SyscallWrite:
		return SyscallResult{}, h.handleWrite()
	case SyscallExit, SyscallExitGroup:
		return SyscallResult{
			Exited:   true,
			ExitCode: int64(int32(h.regFile.ReadReg(0))),
		}, nil
	case SyscallGetpid:
		h.regFile.WriteReg(0, uint64(os.Getpid()))
		return SyscallResult{}, nil
	case SyscallBrk:
		// The break never moves.
		h.regFile.WriteReg(0, h.brk)
		return SyscallResult{}, nil
	default:
		h.log.WithField("syscall", num).Debug("unsupported syscall")
		h.setError(ENOSYS)
		return SyscallResult{}, nil
	}
}

// handleRead reads from stdin into guest memory.
func (h *DefaultSyscallHandler) handleRead() error {
	fd := h.regFile.ReadReg(0)
	bufPtr := h.regFile.ReadReg(1)
	count := h.regFile.ReadReg(2)

	if fd != 0 {
		h.setError(EBADF)
		return nil
	}
	if h.stdin == nil || count == 0 {
		h.regFile.WriteReg(0, 0)
		return nil
	}

	buf := make([]byte, min(count, ioChunk))
	n, err := h.stdin.Read(buf)
	if n == 0 && err != nil && !errors.Is(err, io.EOF) {
		h.setError(EIO)
		return nil
	}

	if err := h.memory.Write(bufPtr, buf[:n]); err != nil {
		return h.fault(err)
	}

	h.regFile.WriteReg(0, uint64(n))
	return nil
}

// handleWrite copies a guest buffer to stdout or stderr.
func (h *DefaultSyscallHandler) handleWrite() error {
	fd := h.regFile.ReadReg(0)
	bufPtr := h.regFile.ReadReg(1)
	count := h.regFile.ReadReg(2)

	var writer io.Writer
	switch fd {
	case 1:
		writer = h.stdout
	case 2:
		writer = h.stderr
	default:
		h.setError(EBADF)
		return nil
	}

	var written uint64
	buf := make([]byte, min(count, ioChunk))
	for written < count {
		chunk := buf[:min(count-written, ioChunk)]
		if err := h.memory.Read(bufPtr+written, chunk); err != nil {
			if written > 0 {
				break
			}
			return h.fault(err)
		}

		n, err := writer.Write(chunk)
		written += uint64(n)
		if err != nil {
			if written == 0 {
				h.setError(EIO)
				return nil
			}
			break
		}
	}

	h.regFile.WriteReg(0, written)
	return nil
}

// fault turns a segmentation fault on a guest buffer into EFAULT, as the
// kernel does, and passes every other error through.
func (h *DefaultSyscallHandler) fault(err error) error {
	var segv *vm.SegmentationFault
	if errors.As(err, &segv) {
		h.setError(EFAULT)
		return nil
	}
	return err
}

// setError sets X0 to -errno.
func (h *DefaultSyscallHandler) setError(errno int) {
	h.regFile.WriteReg(0, uint64(-int64(errno)))
}
