package kernels

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"gitlab.com/akita/offload/insts"
)

// hasStack tells whether err records where it was created.
func hasStack(err error) bool {
	_, ok := err.(interface{ StackTrace() errors.StackTrace })
	return ok
}

func word(code []byte, off uint32) *insts.Inst {
	inst, err := insts.Decode(binary.LittleEndian.Uint32(code[off:]))
	Expect(err).NotTo(HaveOccurred())
	return inst
}

var _ = Describe("Assembler", func() {
	var a *Assembler

	BeforeEach(func() {
		a = NewAssembler()
	})

	It("should resolve backward and forward branches", func() {
		a.Label("top")
		a.Branch(insts.BEQ, 1, 2, "end")
		a.Jump("top")
		a.Label("end")
		a.Ret()

		code, err := a.Bytes()
		Expect(err).NotTo(HaveOccurred())

		Expect(word(code, 0).Target(0)).To(Equal(uint32(8)))
		Expect(word(code, 4).Target(4)).To(Equal(uint32(0)))
	})

	It("should fail on undefined labels", func() {
		a.Jump("nowhere")

		_, err := a.Bytes()
		Expect(err).To(HaveOccurred())
		Expect(hasStack(err)).To(BeTrue())
	})

	It("should leave relocated fields zero", func() {
		a.Call("memcpy")
		a.LoadAddr(3, "table", 8)

		code, err := a.Bytes()
		Expect(err).NotTo(HaveOccurred())

		Expect(word(code, 0).Imm).To(BeZero())
		Expect(word(code, 4).Imm).To(BeZero())
		Expect(word(code, 8).Imm).To(BeZero())
		Expect(a.Relocs()).To(Equal([]Reloc{
			{Offset: 0, Symbol: "memcpy", Kind: insts.RelocPC26},
			{Offset: 4, Symbol: "table", Kind: insts.RelocHI16, Addend: 8},
			{Offset: 8, Symbol: "table", Kind: insts.RelocLO16, Addend: 8},
		}))
	})

	It("should load large constants in two instructions", func() {
		a.Li(4, 0x12345678)
		a.Li(5, -3)

		code, err := a.Bytes()
		Expect(err).NotTo(HaveOccurred())

		Expect(code).To(HaveLen(12))
		Expect(word(code, 0).Op).To(Equal(insts.LUI))
		Expect(word(code, 4).Op).To(Equal(insts.ORI))
		Expect(word(code, 8).Imm).To(Equal(int32(-3)))
	})
})

var _ = Describe("Object", func() {
	It("should write a relocatable image", func() {
		code, err := AddOne()
		Expect(err).NotTo(HaveOccurred())

		f, err := elf.NewFile(bytes.NewReader(code))
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Type).To(Equal(elf.ET_REL))
		Expect(f.Machine).To(Equal(elf.Machine(insts.Machine)))
		Expect(f.Class).To(Equal(elf.ELFCLASS32))

		text := f.Section(".text")
		Expect(text).NotTo(BeNil())
		Expect(text.Flags & elf.SHF_EXECINSTR).NotTo(BeZero())

		syms, err := f.Symbols()
		Expect(err).NotTo(HaveOccurred())

		byName := make(map[string]elf.Symbol)
		for _, s := range syms {
			byName[s.Name] = s
		}
		Expect(elf.ST_BIND(byName["add_one"].Info)).To(Equal(elf.STB_GLOBAL))
		Expect(byName["__k32_umodsi3"].Section).To(Equal(elf.SHN_UNDEF))
	})

	It("should place bss after data", func() {
		code, err := FanOut()
		Expect(err).NotTo(HaveOccurred())

		f, err := elf.NewFile(bytes.NewReader(code))
		Expect(err).NotTo(HaveOccurred())

		bss := f.Section(".bss")
		Expect(bss.Type).To(Equal(elf.SHT_NOBITS))
		Expect(bss.Size).To(Equal(uint64(4)))
	})

	It("should reject undefined globals", func() {
		o := NewObject()
		o.Global("missing")

		_, err := o.Build()
		Expect(err).To(HaveOccurred())
		Expect(hasStack(err)).To(BeTrue())
	})
})

var _ = Describe("SharedObject", func() {
	It("should write a shared image with two loadable segments", func() {
		code, err := SharedAddOne()
		Expect(err).NotTo(HaveOccurred())

		f, err := elf.NewFile(bytes.NewReader(code))
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Type).To(Equal(elf.ET_DYN))

		var loads []*elf.Prog
		var dynamic *elf.Prog
		for _, p := range f.Progs {
			switch p.Type {
			case elf.PT_LOAD:
				loads = append(loads, p)
			case elf.PT_DYNAMIC:
				dynamic = p
			}
		}
		Expect(loads).To(HaveLen(2))
		Expect(dynamic).NotTo(BeNil())
		Expect(loads[0].Flags).To(Equal(elf.PF_R | elf.PF_X))
		Expect(loads[1].Flags).To(Equal(elf.PF_R | elf.PF_W))
		Expect(loads[1].Off % pageSize).To(BeZero())
		for _, p := range loads {
			Expect(p.Filesz).To(Equal(p.Memsz))
			Expect(p.Memsz % pageSize).To(BeZero())
		}
		Expect(uint64(len(code))).To(BeNumerically(">=", loads[1].Off+loads[1].Filesz))
	})

	It("should link pc-relative references at build time", func() {
		so := NewSharedObject()
		so.Text.Label("f")
		so.Text.AddrPC(3, "value")
		so.Text.Ret()
		so.Data.Label("value")
		so.Data.Word(42)
		so.Global("f")

		code, err := so.Build()
		Expect(err).NotTo(HaveOccurred())

		f, err := elf.NewFile(bytes.NewReader(code))
		Expect(err).NotTo(HaveOccurred())
		text := f.Section(".text")
		data := f.Section(".data")

		inst := word(code, uint32(text.Offset))
		Expect(inst.Op).To(Equal(insts.LAPC))
		Expect(inst.Target(uint32(text.Addr))).To(Equal(uint32(data.Addr)))
	})

	It("should refuse absolute text relocations", func() {
		so := NewSharedObject()
		so.Text.LoadAddr(3, "value", 0)
		so.Data.Label("value")
		so.Data.Word(1)

		_, err := so.Build()
		Expect(err).To(HaveOccurred())
		Expect(hasStack(err)).To(BeTrue())
	})

	It("should hash like System V", func() {
		Expect(ELFHash("")).To(Equal(uint32(0)))
		Expect(ELFHash("printf")).To(Equal(uint32(0x077905a6)))
	})
})

var _ = Describe("Catalog", func() {
	It("should build every kernel", func() {
		for _, name := range Names() {
			k, ok := Lookup(name)
			Expect(ok).To(BeTrue())
			Expect(k.Image()).NotTo(BeEmpty(), name)
		}
	})
})
