package insts

// Deposit scatters the low bits of value into the set bits of mask, least
// significant first.
func Deposit(mask, value uint32) uint32 {
	var word uint32
	for bit := uint(0); bit < 32; bit++ {
		if mask&(1<<bit) == 0 {
			continue
		}
		word |= (value & 1) << bit
		value >>= 1
	}
	return word
}

// Extract gathers the bits of word selected by mask into a contiguous value.
// It is the inverse of Deposit.
func Extract(word, mask uint32) uint32 {
	var value uint32
	n := uint(0)
	for bit := uint(0); bit < 32; bit++ {
		if mask&(1<<bit) == 0 {
			continue
		}
		value |= ((word >> bit) & 1) << n
		n++
	}
	return value
}

func opBits(op Opcode) uint32 {
	return uint32(op&0x3f) << 26
}

func reg(r uint8, shift uint) uint32 {
	return uint32(r&0x1f) << shift
}

// EncodeR encodes a register-register instruction.
func EncodeR(op Opcode, rd, rs, rt uint8) uint32 {
	return opBits(op) | reg(rd, 21) | reg(rs, 16) | reg(rt, 11)
}

// EncodeI encodes an instruction with a 16-bit immediate. Only the low 16
// bits of imm are kept.
func EncodeI(op Opcode, rd, rs uint8, imm int32) uint32 {
	return opBits(op) | reg(rd, 21) | reg(rs, 16) | uint32(imm)&MaskImm16
}

// EncodeS encodes a store. base is the address register and rt the value.
func EncodeS(op Opcode, base, rt uint8, imm int32) uint32 {
	return opBits(op) | reg(base, 16) | reg(rt, 11) |
		Deposit(MaskImm16S, uint32(imm))
}

// EncodeJ encodes a jump-format instruction with a 26-bit immediate.
func EncodeJ(op Opcode, imm int32) uint32 {
	return opBits(op) | uint32(imm)&MaskImm26
}
