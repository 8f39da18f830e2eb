// Package insts defines K32, the 32-bit instruction set executed by the
// coprocessor emulator.
//
// Every instruction is one little-endian 32-bit word. The opcode occupies bits
// [31:26]. Register fields are 5 bits wide.
//
//	R: op | rd[25:21] | rs[20:16] | rt[15:11] | 0[10:0]
//	I: op | rd[25:21] | rs[20:16] | imm[15:0]
//	S: op | imm[15:11]@[25:21] | rs[20:16] | rt[15:11] | imm[10:0]@[10:0]
//	J: op | imm[25:0]
//
// Branch, LAPC, J and CALL immediates count words relative to the address of
// the instruction itself.
package insts

import (
	"fmt"

	"github.com/pkg/errors"
)

// Opcode identifies a K32 operation.
type Opcode uint8

// K32 opcodes.
const (
	NOP   Opcode = 0x00
	ADD   Opcode = 0x01
	SUB   Opcode = 0x02
	MUL   Opcode = 0x03
	AND   Opcode = 0x04
	OR    Opcode = 0x05
	XOR   Opcode = 0x06
	SLL   Opcode = 0x07
	SRL   Opcode = 0x08
	SRA   Opcode = 0x09
	SLT   Opcode = 0x0a
	SLTU  Opcode = 0x0b
	JR    Opcode = 0x0c
	CALLR Opcode = 0x0d
	ADDI  Opcode = 0x10
	ANDI  Opcode = 0x11
	ORI   Opcode = 0x12
	XORI  Opcode = 0x13
	LUI   Opcode = 0x14
	SLTI  Opcode = 0x15
	LAPC  Opcode = 0x16
	LW    Opcode = 0x18
	LH    Opcode = 0x19
	LHU   Opcode = 0x1a
	LB    Opcode = 0x1b
	LBU   Opcode = 0x1c
	BEQ   Opcode = 0x1d
	BNE   Opcode = 0x1e
	BLT   Opcode = 0x1f
	BGE   Opcode = 0x20
	SW    Opcode = 0x21
	SH    Opcode = 0x22
	SB    Opcode = 0x23
	J     Opcode = 0x28
	CALL  Opcode = 0x29
	BRK   Opcode = 0x3f
)

// Format is the encoding layout of an instruction.
type Format int

// Instruction formats.
const (
	FormatR Format = iota
	FormatI
	FormatS
	FormatJ
)

// Field masks. A set bit marks a bit position that belongs to the immediate.
const (
	MaskImm16  uint32 = 0x0000ffff
	MaskImm16S uint32 = 0x03e007ff
	MaskImm26  uint32 = 0x03ffffff
	MaskWord   uint32 = 0xffffffff
	MaskHalf   uint32 = 0x0000ffff
	MaskByte   uint32 = 0x000000ff
)

// Well-known registers of the calling convention. r1..r6 carry arguments and
// r1 carries the return value. r16..r27 are preserved across calls.
const (
	RegZero uint8 = 0
	RegRV   uint8 = 1
	RegA0   uint8 = 1
	RegA1   uint8 = 2
	RegA2   uint8 = 3
	RegA3   uint8 = 4
	RegA4   uint8 = 5
	RegA5   uint8 = 6
	RegGP   uint8 = 28
	RegSP   uint8 = 29
	RegFP   uint8 = 30
	RegLR   uint8 = 31
)

type opInfo struct {
	name   string
	format Format
	signed bool
}

var opTable = map[Opcode]opInfo{
	NOP:   {"nop", FormatR, false},
	ADD:   {"add", FormatR, false},
	SUB:   {"sub", FormatR, false},
	MUL:   {"mul", FormatR, false},
	AND:   {"and", FormatR, false},
	OR:    {"or", FormatR, false},
	XOR:   {"xor", FormatR, false},
	SLL:   {"sll", FormatR, false},
	SRL:   {"srl", FormatR, false},
	SRA:   {"sra", FormatR, false},
	SLT:   {"slt", FormatR, false},
	SLTU:  {"sltu", FormatR, false},
	JR:    {"jr", FormatR, false},
	CALLR: {"callr", FormatR, false},
	ADDI:  {"addi", FormatI, true},
	ANDI:  {"andi", FormatI, false},
	ORI:   {"ori", FormatI, false},
	XORI:  {"xori", FormatI, false},
	LUI:   {"lui", FormatI, false},
	SLTI:  {"slti", FormatI, true},
	LAPC:  {"lapc", FormatI, true},
	LW:    {"lw", FormatI, true},
	LH:    {"lh", FormatI, true},
	LHU:   {"lhu", FormatI, true},
	LB:    {"lb", FormatI, true},
	LBU:   {"lbu", FormatI, true},
	BEQ:   {"beq", FormatI, true},
	BNE:   {"bne", FormatI, true},
	BLT:   {"blt", FormatI, true},
	BGE:   {"bge", FormatI, true},
	SW:    {"sw", FormatS, true},
	SH:    {"sh", FormatS, true},
	SB:    {"sb", FormatS, true},
	J:     {"j", FormatJ, true},
	CALL:  {"call", FormatJ, true},
	BRK:   {"brk", FormatJ, false},
}

// Name returns the mnemonic of the opcode.
func (o Opcode) Name() string {
	info, ok := opTable[o]
	if !ok {
		return fmt.Sprintf("op(%#x)", uint8(o))
	}
	return info.name
}

// Inst is a decoded K32 instruction.
type Inst struct {
	Word   uint32
	Op     Opcode
	Format Format
	Rd     uint8
	Rs     uint8
	Rt     uint8

	// Imm is the immediate, sign-extended for operations that treat it as
	// signed and zero-extended otherwise.
	Imm int32
}

// Target returns the absolute address a PC-relative instruction at pc refers
// to.
func (i *Inst) Target(pc uint32) uint32 {
	return pc + uint32(i.Imm)<<2
}

// IsPCRelative tells whether the immediate is a word offset from the
// instruction address.
func (i *Inst) IsPCRelative() bool {
	switch i.Op {
	case BEQ, BNE, BLT, BGE, LAPC, J, CALL:
		return true
	}
	return false
}

func (i *Inst) String() string {
	name := i.Op.Name()
	switch i.Format {
	case FormatR:
		switch i.Op {
		case NOP:
			return name
		case JR, CALLR:
			return fmt.Sprintf("%s r%d", name, i.Rs)
		}
		return fmt.Sprintf("%s r%d, r%d, r%d", name, i.Rd, i.Rs, i.Rt)
	case FormatI:
		switch i.Op {
		case LUI, LAPC:
			return fmt.Sprintf("%s r%d, %d", name, i.Rd, i.Imm)
		case LW, LH, LHU, LB, LBU:
			return fmt.Sprintf("%s r%d, %d(r%d)", name, i.Rd, i.Imm, i.Rs)
		}
		return fmt.Sprintf("%s r%d, r%d, %d", name, i.Rd, i.Rs, i.Imm)
	case FormatS:
		return fmt.Sprintf("%s r%d, %d(r%d)", name, i.Rt, i.Imm, i.Rs)
	default:
		return fmt.Sprintf("%s %d", name, i.Imm)
	}
}

// Decode decodes one instruction word.
func Decode(word uint32) (*Inst, error) {
	op := Opcode(word >> 26)
	info, ok := opTable[op]
	if !ok {
		return nil, errors.Errorf("unknown opcode %#x in word %#08x", uint8(op), word)
	}

	inst := &Inst{
		Word:   word,
		Op:     op,
		Format: info.format,
	}

	switch info.format {
	case FormatR:
		inst.Rd = uint8(word>>21) & 0x1f
		inst.Rs = uint8(word>>16) & 0x1f
		inst.Rt = uint8(word>>11) & 0x1f
	case FormatI:
		inst.Rd = uint8(word>>21) & 0x1f
		inst.Rs = uint8(word>>16) & 0x1f
		inst.Imm = immediate(Extract(word, MaskImm16), 16, info.signed)
	case FormatS:
		inst.Rs = uint8(word>>16) & 0x1f
		inst.Rt = uint8(word>>11) & 0x1f
		inst.Imm = immediate(Extract(word, MaskImm16S), 16, info.signed)
	case FormatJ:
		inst.Imm = immediate(Extract(word, MaskImm26), 26, info.signed)
	}

	return inst, nil
}

func immediate(raw uint32, bits uint, signed bool) int32 {
	if !signed {
		return int32(raw)
	}
	shift := 32 - bits
	return int32(raw<<shift) >> shift
}
