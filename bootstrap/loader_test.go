package bootstrap_test

import (
	"bytes"
	"context"
	"debug/elf"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/lazyload/bootstrap"
	"github.com/sarchlab/lazyload/config"
	"github.com/sarchlab/lazyload/emu"
	"github.com/sarchlab/lazyload/fault"
	"github.com/sarchlab/lazyload/internal/asm"
	"github.com/sarchlab/lazyload/internal/elftest"
	"github.com/sarchlab/lazyload/loader"
	"github.com/sarchlab/lazyload/vm"
)

const (
	codeBase = uint64(0x400000)
	dataBase = uint64(0x600000)
)

func code(words ...[]uint32) []byte {
	var all []uint32
	for _, w := range words {
		all = append(all, w...)
	}
	return asm.Assemble(all...)
}

func ins(words ...uint32) []uint32 {
	return words
}

func exitWith(code uint32) []uint32 {
	return ins(asm.MOVZ(0, code, 0), asm.MOVZ(8, 93, 0), asm.SVC(0))
}

func exitWithX0() []uint32 {
	return ins(asm.MOVZ(8, 93, 0), asm.SVC(0))
}

// protectFailingMemory cannot change page protections.
type protectFailingMemory struct {
	vm.HeapMemory
}

func (protectFailingMemory) Protect([]byte, vm.Prot) error {
	return errors.New("mprotect failed")
}

var _ = Describe("Loader", func() {
	var (
		tempDir string
		cfg     *config.Config
		stdout  *bytes.Buffer
	)

	BeforeEach(func() {
		tempDir = GinkgoT().TempDir()
		stdout = new(bytes.Buffer)

		cfg = config.Default()
		cfg.Stack.Size = 64 << 10
		cfg.Exec.MaxInstructions = 1_000_000
	})

	quietLogger := func() *logrus.Entry {
		log := logrus.New()
		log.SetOutput(io.Discard)
		return logrus.NewEntry(log)
	}

	newLoader := func(opts ...bootstrap.Option) *bootstrap.Loader {
		opts = append([]bootstrap.Option{
			bootstrap.WithStdout(stdout),
			bootstrap.WithLogger(quietLogger()),
		}, opts...)
		l, err := bootstrap.New(cfg, opts...)
		Expect(err).NotTo(HaveOccurred())
		return l
	}

	writeImage := func(text []byte, data ...elftest.Segment) string {
		f := &elftest.File{
			Entry: codeBase,
			Segments: append([]elftest.Segment{
				{Vaddr: codeBase, Data: text, Flags: elf.PF_R | elf.PF_X},
			}, data...),
		}
		path := filepath.Join(tempDir, "prog")
		Expect(f.Write(path)).To(Succeed())
		return path
	}

	run := func(l *bootstrap.Loader, path string, argv ...string) (exitStatus int, exitSignal vm.Signal, exitErr error) {
		exit, err := l.LoadAndRun(context.Background(), path, argv)
		Expect(err).NotTo(HaveOccurred())
		return exit.Status(), exit.Signal, exit.Err
	}

	Describe("LoadAndRun", func() {
		It("should run a program that writes to stdout", func() {
			text := code(
				ins(
					asm.MOVZ(0, 1, 0),
					asm.ADR(1, 28),
					asm.MOVZ(2, 6, 0),
					asm.MOVZ(8, 64, 0),
					asm.SVC(0),
				),
				exitWith(0),
			)
			path := writeImage(append(text, "hello\n"...))
			l := newLoader()

			status, sig, err := run(l, path)

			Expect(err).NotTo(HaveOccurred())
			Expect(sig).To(BeZero())
			Expect(status).To(BeZero())
			Expect(stdout.String()).To(Equal("hello\n"))

			stats := l.Stats()
			Expect(stats.Fault.Materialized).To(Equal(uint64(1)))
			Expect(stats.Fault.BytesCopied).To(Equal(uint64(len(text) + 6)))
			Expect(stats.Memory.ResolvedFaults).To(Equal(uint64(1)))
		})

		It("should return the program's exit code", func() {
			path := writeImage(code(exitWith(42)))

			status, _, _ := run(newLoader(), path)

			Expect(status).To(Equal(42))
		})

		It("should pass argv to the program", func() {
			// Exit with argc.
			path := writeImage(code(ins(asm.LDR(0, asm.SP, 0)), exitWithX0()))

			status, _, _ := run(newLoader(), path, "prog", "a", "b")

			Expect(status).To(Equal(3))
		})

		It("should default argv to the path", func() {
			path := writeImage(code(ins(asm.LDR(0, asm.SP, 0)), exitWithX0()))

			status, _, _ := run(newLoader(), path)

			Expect(status).To(Equal(1))
		})

		It("should read standard input", func() {
			// read(0, sp-16, 1); exit(byte)
			path := writeImage(code(
				ins(
					asm.SUBImm(asm.SP, asm.SP, 16),
					asm.MOVZ(0, 0, 0),
					asm.ADDImm(1, asm.SP, 0),
					asm.MOVZ(2, 1, 0),
					asm.MOVZ(8, 63, 0),
					asm.SVC(0),
					asm.LDRB(0, asm.SP, 0),
				),
				exitWithX0(),
			))

			status, _, _ := run(newLoader(bootstrap.WithStdin(strings.NewReader("Z"))), path)

			Expect(status).To(Equal(int('Z')))
		})
	})

	Describe("Demand paging", func() {
		It("should copy file content into the faulting page", func() {
			text := code(asm.MOV64(1, dataBase+3), ins(asm.LDRB(0, 1, 0)), exitWithX0())
			path := writeImage(text, elftest.Segment{
				Vaddr: dataBase, Data: []byte("ABCDEFGHIJ"), MemSize: 0x2000, Flags: elf.PF_R | elf.PF_W,
			})

			status, _, _ := run(newLoader(), path)

			Expect(status).To(Equal(int('D')))
		})

		It("should zero-fill beyond the file size", func() {
			text := code(
				asm.MOV64(1, dataBase+0xB),
				ins(asm.LDRB(0, 1, 0)),
				asm.MOV64(2, dataBase+0x1000),
				ins(asm.LDR(3, 2, 0), asm.ORRReg(0, 0, 3)),
				exitWithX0(),
			)
			path := writeImage(text, elftest.Segment{
				Vaddr: dataBase, Data: []byte("ABCDEFGHIJ"), MemSize: 0x2000, Flags: elf.PF_R | elf.PF_W,
			})
			l := newLoader()

			status, _, _ := run(l, path)

			Expect(status).To(BeZero())
			Expect(l.Handler().Resident(1)).To(Equal([]uint64{0, 1}))
			// The code segment ends with its file data; only the data pages
			// are zero-filled.
			Expect(l.Stats().Fault.BytesZeroed).To(Equal(uint64(2*vm.PageSize - 10)))
		})

		It("should materialize only the pages the program touches", func() {
			text := code(
				asm.MOV64(1, dataBase),
				ins(asm.MOVZ(0, 7, 0), asm.STRB(0, 1, 0)),
				asm.MOV64(2, dataBase+5*vm.PageSize),
				ins(asm.STRB(0, 2, 0), asm.LDRB(3, 1, 0), asm.STRB(3, 2, 1)),
				exitWithX0(),
			)
			path := writeImage(text, elftest.Segment{
				Vaddr: dataBase, MemSize: 16 * vm.PageSize, Flags: elf.PF_R | elf.PF_W,
			})
			l := newLoader()

			status, _, _ := run(l, path)

			Expect(status).To(Equal(7))
			Expect(l.Handler().Resident(0)).To(Equal([]uint64{0}))
			Expect(l.Handler().Resident(1)).To(Equal([]uint64{0, 5}))

			stats := l.Stats()
			Expect(stats.Fault.Materialized).To(Equal(uint64(3)))
			Expect(stats.Memory.MappedPages).To(Equal(uint64(3 + 16)))

			v, err := l.AddressSpace().Read8(dataBase + 5*vm.PageSize + 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(uint8(7)))
		})

		It("should not map anything before the program runs", func() {
			l := newLoader()
			Expect(l.InstallFaultInterception()).To(Succeed())

			Expect(l.AddressSpace().Mappings()).To(BeEmpty())
			Expect(l.Image()).To(BeNil())
			Expect(l.Handler()).To(BeNil())
		})
	})

	Describe("Access violations", func() {
		It("should kill the program with SIGSEGV outside every segment", func() {
			path := writeImage(code(asm.MOV64(1, 0x900000), ins(asm.LDR(0, 1, 0)), exitWith(0)))
			l := newLoader()

			status, sig, err := run(l, path)

			Expect(sig).To(Equal(vm.SIGSEGV))
			Expect(status).To(Equal(139))

			var segv *vm.SegmentationFault
			Expect(errors.As(err, &segv)).To(BeTrue())
			Expect(segv.Fault.Addr).To(Equal(uint64(0x900000)))
			Expect(l.Stats().Fault.ForwardedOutside).To(Equal(uint64(1)))
		})

		It("should kill the program on a write to a read-only segment", func() {
			path := writeImage(
				code(asm.MOV64(1, dataBase), ins(asm.STRB(0, 1, 0)), exitWith(0)),
				elftest.Segment{Vaddr: dataBase, Data: []byte("ro"), Flags: elf.PF_R},
			)
			l := newLoader()

			status, sig, err := run(l, path)

			Expect(sig).To(Equal(vm.SIGSEGV))
			Expect(status).To(Equal(139))

			var segv *vm.SegmentationFault
			Expect(errors.As(err, &segv)).To(BeTrue())
			Expect(segv.Fault.Code).To(Equal(vm.CodeAccErr))

			stats := l.Stats().Fault
			Expect(stats.Materialized).To(Equal(uint64(2)))
			Expect(stats.ForwardedViolations).To(Equal(uint64(1)))
		})

		It("should kill the program on executing a non-executable segment", func() {
			path := writeImage(
				code(asm.MOV64(1, dataBase), ins(asm.BR(1))),
				elftest.Segment{Vaddr: dataBase, Data: asm.Assemble(asm.NOP()), Flags: elf.PF_R | elf.PF_W},
			)

			_, sig, err := run(newLoader(), path)

			Expect(sig).To(Equal(vm.SIGSEGV))
			var segv *vm.SegmentationFault
			Expect(errors.As(err, &segv)).To(BeTrue())
			Expect(segv.Fault.Access).To(Equal(vm.AccessExecute))
		})

		It("should forward unresolved faults to the previous handler", func() {
			as := vm.NewAddressSpace()
			var seen []vm.Fault
			_, err := as.InstallTrapHandler(func(f vm.Fault) error {
				seen = append(seen, f)
				return &vm.SegmentationFault{Fault: f}
			})
			Expect(err).NotTo(HaveOccurred())

			l := newLoader(bootstrap.WithAddressSpace(as))
			Expect(l.InstallFaultInterception()).To(Succeed())
			Expect(l.InstallFaultInterception()).To(Succeed())

			_, err = as.Read8(0x900000)
			Expect(err).To(HaveOccurred())
			Expect(seen).To(HaveLen(1))

			path := writeImage(code(asm.MOV64(1, 0xA00000), ins(asm.LDR(0, 1, 0)), exitWith(0)))
			_, sig, _ := run(l, path)

			Expect(sig).To(Equal(vm.SIGSEGV))
			Expect(seen).To(HaveLen(2))
			Expect(seen[1].Addr).To(Equal(uint64(0xA00000)))
		})

		It("should kill the program with SIGBUS when a page cannot be materialized", func() {
			as := vm.NewAddressSpace(vm.WithHostMemory(protectFailingMemory{}))
			path := writeImage(code(exitWith(0)))

			status, sig, err := run(newLoader(bootstrap.WithAddressSpace(as)), path)

			Expect(sig).To(Equal(vm.SIGBUS))
			Expect(status).To(Equal(135))

			var me *fault.MaterializationError
			Expect(errors.As(err, &me)).To(BeTrue())
			Expect(me.Op).To(Equal(fault.OpProtect))
			Expect(me.Fault.Access).To(Equal(vm.AccessExecute))
		})

		It("should stop a program that never exits", func() {
			cfg.Exec.MaxInstructions = 1000
			path := writeImage(code(ins(asm.B(0))))

			_, sig, _ := run(newLoader(), path)

			Expect(sig).To(Equal(vm.SIGXCPU))
		})
	})

	Describe("Setup failures", func() {
		It("should report a missing file at the parse stage", func() {
			_, err := newLoader().LoadAndRun(context.Background(), filepath.Join(tempDir, "missing"), nil)

			var se *bootstrap.SetupError
			Expect(errors.As(err, &se)).To(BeTrue())
			Expect(se.Stage).To(Equal(bootstrap.StageParse))
			Expect(errors.Is(err, os.ErrNotExist)).To(BeTrue())
		})

		It("should report an executable it cannot run at the parse stage", func() {
			f := &elftest.File{
				Entry:    codeBase,
				Machine:  elf.EM_X86_64,
				Segments: []elftest.Segment{{Vaddr: codeBase, Data: []byte{0x90}, Flags: elf.PF_R | elf.PF_X}},
			}
			path := filepath.Join(tempDir, "x86")
			Expect(f.Write(path)).To(Succeed())

			_, err := newLoader().LoadAndRun(context.Background(), path, nil)

			var se *bootstrap.SetupError
			Expect(errors.As(err, &se)).To(BeTrue())
			Expect(se.Stage).To(Equal(bootstrap.StageParse))
			Expect(se.Path).To(Equal(path))
			Expect(errors.Is(err, loader.ErrNotExecutable)).To(BeTrue())
		})

		It("should report a stack that cannot be mapped at the start stage", func() {
			failing := vm.NewAddressSpace(vm.WithHostMemory(allocFailingMemory{}))
			path := writeImage(code(exitWith(0)))

			_, err := newLoader(bootstrap.WithAddressSpace(failing)).LoadAndRun(context.Background(), path, nil)

			var se *bootstrap.SetupError
			Expect(errors.As(err, &se)).To(BeTrue())
			Expect(se.Stage).To(Equal(bootstrap.StageStart))
		})

		It("should allow a retry after the program failed to start", func() {
			path := writeImage(code(exitWith(5)))
			l := newLoader()

			_, err := l.LoadAndRun(context.Background(), path, []string{strings.Repeat("a", 128<<10)})

			var se *bootstrap.SetupError
			Expect(errors.As(err, &se)).To(BeTrue())
			Expect(se.Stage).To(Equal(bootstrap.StageStart))
			Expect(errors.Is(err, emu.ErrArgsTooLong)).To(BeTrue())
			Expect(l.Image()).To(BeNil())
			Expect(l.Handler()).To(BeNil())

			status, _, _ := run(l, path)
			Expect(status).To(Equal(5))
		})

		It("should load only one image", func() {
			path := writeImage(code(exitWith(0)))
			l := newLoader()
			run(l, path)

			_, err := l.LoadAndRun(context.Background(), path, nil)

			Expect(errors.Is(err, bootstrap.ErrImageLoaded)).To(BeTrue())
		})

		It("should allow a retry after a setup failure", func() {
			l := newLoader()
			_, err := l.LoadAndRun(context.Background(), filepath.Join(tempDir, "missing"), nil)
			Expect(err).To(HaveOccurred())

			status, _, _ := run(l, writeImage(code(exitWith(5))))
			Expect(status).To(Equal(5))
		})

		It("should reject an invalid configuration", func() {
			cfg.Log.Format = "xml"

			_, err := bootstrap.New(cfg)

			Expect(err).To(MatchError(ContainSubstring("invalid config")))
		})
	})
})

// allocFailingMemory cannot allocate pages.
type allocFailingMemory struct {
	vm.HeapMemory
}

func (allocFailingMemory) Allocate(int) ([]byte, error) {
	return nil, errors.New("out of memory")
}
