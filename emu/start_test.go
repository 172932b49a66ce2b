package emu_test

import (
	"bytes"
	"context"
	"errors"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/lazyload/emu"
	"github.com/sarchlab/lazyload/internal/asm"
	"github.com/sarchlab/lazyload/loader"
	"github.com/sarchlab/lazyload/vm"
)

const testStackTop = uint64(0x7f0000000000)

var _ = Describe("Start", func() {
	var img *loader.Image

	BeforeEach(func() {
		img = &loader.Image{
			Entry: codeBase,
			Segments: []loader.Segment{
				{VirtAddr: codeBase, FileSize: 0x100, MemSize: 0x100, Perm: loader.PermRead | loader.PermExec},
				{VirtAddr: dataBase, MemSize: 0x1800, Perm: loader.PermRead | loader.PermWrite},
			},
		}
	})

	start := func(as *vm.AddressSpace, argv []string, opts ...emu.EmulatorOption) emu.Exit {
		opts = append([]emu.EmulatorOption{emu.WithStack(testStackTop, 64<<10)}, opts...)
		exit, err := emu.Start(context.Background(), as, img, argv, opts...)
		Expect(err).NotTo(HaveOccurred())
		return exit
	}

	It("should lay out argv and the auxiliary vector on the stack", func() {
		// Save SP at dataBase and exit.
		as := newSpace(prog(
			asm.MOV64(9, dataBase),
			asm.ADDImm(1, asm.SP, 0),
			asm.STR(1, 9, 0),
			exitWith(0),
		))

		exit := start(as, []string{"prog", "arg one"})
		Expect(exit.Signaled()).To(BeFalse())

		sp, err := as.Read64(dataBase)
		Expect(err).NotTo(HaveOccurred())
		Expect(sp % 16).To(BeZero())
		Expect(sp).To(BeNumerically("<", testStackTop))

		words := make([]uint64, 10)
		for i := range words {
			words[i], err = as.Read64(sp + uint64(i)*8)
			Expect(err).NotTo(HaveOccurred())
		}

		Expect(words[0]).To(Equal(uint64(2)))
		Expect(words[3]).To(BeZero(), "argv terminator")
		Expect(words[4]).To(BeZero(), "envp terminator")
		Expect(words[5:]).To(Equal([]uint64{6, vm.PageSize, 9, codeBase, 0}))

		for i, want := range []string{"prog", "arg one"} {
			buf := make([]byte, len(want)+1)
			Expect(as.Read(words[1+i], buf)).To(Succeed())
			Expect(string(buf)).To(Equal(want + "\x00"))
		}
	})

	It("should run the program from its entry point", func() {
		as := newSpace(prog(
			asm.MOVZ(0, 1, 0),
			asm.ADR(1, 28),
			asm.MOVZ(2, 6, 0),
			asm.MOVZ(8, 64, 0),
			asm.SVC(0),
			exitWith(0),
		))
		Expect(as.Protect(codeBase, vm.PageSize, vm.ProtRW)).To(Succeed())
		Expect(as.Write(codeBase+32, []byte("hello\n"))).To(Succeed())
		Expect(as.Protect(codeBase, vm.PageSize, vm.ProtRead|vm.ProtExec)).To(Succeed())

		stdout := new(bytes.Buffer)
		exit := start(as, []string{"hello"}, emu.WithStdout(stdout))

		Expect(exit.Code).To(BeZero())
		Expect(exit.Instructions).To(Equal(uint64(8)))
		Expect(stdout.String()).To(Equal("hello\n"))
	})

	It("should set the program break above the highest segment", func() {
		as := newSpace(prog(
			asm.MOVZ(0, 0, 0),
			asm.MOVZ(8, 214, 0),
			asm.SVC(0),
			asm.MOV64(9, dataBase),
			asm.STR(0, 9, 0),
			exitWith(0),
		))

		start(as, nil)

		Expect(as.Read64(dataBase)).To(Equal(dataBase + 0x2000))
	})

	It("should map the stack read-write", func() {
		as := newSpace(prog(exitWith(0)))

		start(as, []string{"x"})

		prot, ok := as.Lookup(testStackTop - 64<<10)
		Expect(ok).To(BeTrue())
		Expect(prot).To(Equal(vm.ProtRW))
	})

	It("should reject an argument list larger than the stack", func() {
		as := newSpace(prog(exitWith(0)))

		_, err := emu.Start(context.Background(), as, img,
			[]string{strings.Repeat("a", 8192)},
			emu.WithStack(testStackTop, vm.PageSize))

		Expect(errors.Is(err, emu.ErrArgsTooLong)).To(BeTrue())
	})

	It("should fail when the stack cannot be mapped", func() {
		as := newSpace(prog(exitWith(0)))

		_, err := emu.Start(context.Background(), as, img, nil,
			emu.WithStack(testStackTop+1, vm.PageSize))

		Expect(err).To(MatchError(ContainSubstring("failed to map stack")))
		Expect(errors.Is(err, vm.ErrNotAligned)).To(BeTrue())
	})
})
