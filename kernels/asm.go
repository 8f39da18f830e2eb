// Package kernels builds K32 kernel images: an assembler, writers for
// relocatable and shared ELF objects, and a catalog of ready-made kernels.
package kernels

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"gitlab.com/akita/offload/insts"
)

// A Reloc asks the loader to patch a field with the address of a symbol.
type Reloc struct {
	Offset uint32
	Symbol string
	Kind   insts.RelocKind
	Addend int32
}

type fixup struct {
	offset uint32
	label  string
	mask   uint32
}

// An Assembler accumulates the code of one text section.
type Assembler struct {
	words  []uint32
	labels map[string]uint32
	fixups []fixup
	relocs []Reloc
}

// NewAssembler returns an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{labels: make(map[string]uint32)}
}

// Offset returns the byte offset of the next instruction.
func (a *Assembler) Offset() uint32 {
	return uint32(len(a.words)) * 4
}

// Label names the current offset. Labels are local to the section.
func (a *Assembler) Label(name string) {
	if _, dup := a.labels[name]; dup {
		panic(fmt.Sprintf("label %s defined twice", name))
	}
	a.labels[name] = a.Offset()
}

// LabelOffset returns the offset of a label.
func (a *Assembler) LabelOffset(name string) (uint32, bool) {
	off, ok := a.labels[name]
	return off, ok
}

// Emit appends a raw instruction word.
func (a *Assembler) Emit(word uint32) {
	a.words = append(a.words, word)
}

// R emits a register instruction.
func (a *Assembler) R(op insts.Opcode, rd, rs, rt uint8) {
	a.Emit(insts.EncodeR(op, rd, rs, rt))
}

// I emits an immediate instruction.
func (a *Assembler) I(op insts.Opcode, rd, rs uint8, imm int32) {
	a.Emit(insts.EncodeI(op, rd, rs, imm))
}

// S emits a store of rt to imm(base).
func (a *Assembler) S(op insts.Opcode, base, rt uint8, imm int32) {
	a.Emit(insts.EncodeS(op, base, rt, imm))
}

// Li loads a 32-bit constant.
func (a *Assembler) Li(rd uint8, v int32) {
	if v >= -0x8000 && v < 0x8000 {
		a.I(insts.ADDI, rd, insts.RegZero, v)
		return
	}
	a.I(insts.LUI, rd, 0, int32(uint32(v)>>16))
	a.I(insts.ORI, rd, rd, v&0xffff)
}

// Mov copies rs into rd.
func (a *Assembler) Mov(rd, rs uint8) {
	a.R(insts.ADD, rd, rs, insts.RegZero)
}

// Branch emits a conditional branch to a local label.
func (a *Assembler) Branch(op insts.Opcode, ra, rb uint8, label string) {
	a.fixups = append(a.fixups, fixup{a.Offset(), label, insts.MaskImm16})
	a.I(op, ra, rb, 0)
}

// Jump emits an unconditional jump to a local label.
func (a *Assembler) Jump(label string) {
	a.fixups = append(a.fixups, fixup{a.Offset(), label, insts.MaskImm26})
	a.Emit(insts.EncodeJ(insts.J, 0))
}

// Reloc records a relocation against the next instruction.
func (a *Assembler) Reloc(kind insts.RelocKind, symbol string, addend int32) {
	a.relocs = append(a.relocs, Reloc{
		Offset: a.Offset(),
		Symbol: symbol,
		Kind:   kind,
		Addend: addend,
	})
}

// Call emits a PC-relative call to a symbol.
func (a *Assembler) Call(symbol string) {
	a.Reloc(insts.RelocPC26, symbol, 0)
	a.Emit(insts.EncodeJ(insts.CALL, 0))
}

// LoadAddr loads the absolute address of symbol+addend into rd.
func (a *Assembler) LoadAddr(rd uint8, symbol string, addend int32) {
	a.Reloc(insts.RelocHI16, symbol, addend)
	a.I(insts.LUI, rd, 0, 0)
	a.Reloc(insts.RelocLO16, symbol, addend)
	a.I(insts.ORI, rd, rd, 0)
}

// LoadGOT loads the address of symbol through the global offset table,
// using scratch to hold the table base.
func (a *Assembler) LoadGOT(rd, scratch uint8, symbol string) {
	a.LoadAddr(scratch, "_GLOBAL_OFFSET_TABLE_", 0)
	a.Reloc(insts.RelocGOT16, symbol, 0)
	a.I(insts.LW, rd, scratch, 0)
}

// LoadGP loads a word at a GP-relative symbol into rd.
func (a *Assembler) LoadGP(rd uint8, symbol string) {
	a.Reloc(insts.RelocGPRel16, symbol, 0)
	a.I(insts.LW, rd, insts.RegGP, 0)
}

// StoreGP stores rt into a GP-relative symbol.
func (a *Assembler) StoreGP(rt uint8, symbol string) {
	a.Reloc(insts.RelocGPRel16S, symbol, 0)
	a.S(insts.SW, insts.RegGP, rt, 0)
}

// AddrPC loads the address of symbol computed relative to the current
// instruction. Shared objects use it to reach their own data.
func (a *Assembler) AddrPC(rd uint8, symbol string) {
	a.Reloc(insts.RelocPC16, symbol, 0)
	a.I(insts.LAPC, rd, 0, 0)
}

// CallGOT calls symbol through its slot in the global offset table of a
// shared object. scratch is clobbered.
func (a *Assembler) CallGOT(scratch uint8, symbol string) {
	a.AddrPC(scratch, symbol+GOTSuffix)
	a.I(insts.LW, scratch, scratch, 0)
	a.R(insts.CALLR, 0, scratch, 0)
}

// Ret returns to the caller.
func (a *Assembler) Ret() {
	a.R(insts.JR, 0, insts.RegLR, 0)
}

// Prologue reserves a frame and saves the link register and the given
// callee-saved registers.
func (a *Assembler) Prologue(saved ...uint8) int32 {
	frame := int32(4*(len(saved)+1)+7) &^ 7
	a.I(insts.ADDI, insts.RegSP, insts.RegSP, -frame)
	a.S(insts.SW, insts.RegSP, insts.RegLR, 0)
	for i, r := range saved {
		a.S(insts.SW, insts.RegSP, r, int32(4*(i+1)))
	}
	return frame
}

// Epilogue undoes Prologue and returns.
func (a *Assembler) Epilogue(frame int32, saved ...uint8) {
	for i, r := range saved {
		a.I(insts.LW, r, insts.RegSP, int32(4*(i+1)))
	}
	a.I(insts.LW, insts.RegLR, insts.RegSP, 0)
	a.I(insts.ADDI, insts.RegSP, insts.RegSP, frame)
	a.Ret()
}

// Relocs returns the relocations recorded so far.
func (a *Assembler) Relocs() []Reloc {
	return a.relocs
}

// Bytes resolves local labels and returns the section contents.
func (a *Assembler) Bytes() ([]byte, error) {
	words := make([]uint32, len(a.words))
	copy(words, a.words)

	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			return nil, errors.Errorf("undefined label %s", f.label)
		}
		delta := (int32(target) - int32(f.offset)) >> 2
		words[f.offset/4] |= insts.Deposit(f.mask, uint32(delta))
	}

	buf := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	return buf, nil
}

// A DataSection accumulates initialized data.
type DataSection struct {
	buf    []byte
	labels map[string]uint32
	relocs []Reloc
}

// NewDataSection returns an empty data section.
func NewDataSection() *DataSection {
	return &DataSection{labels: make(map[string]uint32)}
}

// Offset returns the current size of the section.
func (d *DataSection) Offset() uint32 {
	return uint32(len(d.buf))
}

// Align pads the section to a multiple of n bytes.
func (d *DataSection) Align(n int) {
	for len(d.buf)%n != 0 {
		d.buf = append(d.buf, 0)
	}
}

// Label names the current offset.
func (d *DataSection) Label(name string) {
	d.labels[name] = d.Offset()
}

// Word appends a little-endian word.
func (d *DataSection) Word(v uint32) {
	d.Align(4)
	var w [4]byte
	binary.LittleEndian.PutUint32(w[:], v)
	d.buf = append(d.buf, w[:]...)
}

// Bytes appends raw bytes.
func (d *DataSection) Bytes(b []byte) {
	d.buf = append(d.buf, b...)
}

// Pointer appends a word that the loader fills with symbol+addend.
func (d *DataSection) Pointer(symbol string, addend int32) {
	d.Align(4)
	d.relocs = append(d.relocs, Reloc{
		Offset: d.Offset(),
		Symbol: symbol,
		Kind:   insts.Reloc32,
		Addend: addend,
	})
	d.buf = append(d.buf, 0, 0, 0, 0)
}

// Contents returns the section bytes.
func (d *DataSection) Contents() []byte {
	return d.buf
}
