// Package devrt is the device runtime. It backs every known symbol with a
// native implementation that runs when device code reaches the symbol's
// trampoline in the runtime ROM.
package devrt

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"gitlab.com/akita/offload/devicemem"
	"gitlab.com/akita/offload/insts"
	"gitlab.com/akita/offload/symbols"
)

// Slot returns the trampoline of known symbol i. The BRK traps into the
// runtime and the JR returns to the caller of the symbol.
func Slot(i int) []uint32 {
	return []uint32{
		insts.EncodeJ(insts.BRK, int32(i)),
		insts.EncodeR(insts.JR, 0, insts.RegLR, 0),
		insts.EncodeR(insts.NOP, 0, 0, 0),
		insts.EncodeR(insts.NOP, 0, 0, 0),
	}
}

// InstallROM maps the trampolines of every symbol of table at
// symbols.ROMBase as read-only code.
func InstallROM(mem *devicemem.Memory, table *symbols.Table) error {
	size := (table.Size() + devicemem.PageSize - 1) &^ (devicemem.PageSize - 1)
	if size == 0 {
		return errors.New("empty known-symbol table")
	}

	err := mem.Map("rom", symbols.ROMBase, size, devicemem.ProtRead|devicemem.ProtWrite)
	if err != nil {
		return errors.Wrap(err, "map runtime rom")
	}

	code := make([]byte, 0, table.Size())
	var word [4]byte
	for i := range table.Symbols() {
		for _, w := range Slot(i) {
			binary.LittleEndian.PutUint32(word[:], w)
			code = append(code, word[:]...)
		}
	}

	if err := mem.Write(symbols.ROMBase, code); err != nil {
		return errors.Wrap(err, "write runtime rom")
	}

	err = mem.Protect(symbols.ROMBase, size, devicemem.ProtRead|devicemem.ProtExec)
	if err != nil {
		return errors.Wrap(err, "protect runtime rom")
	}
	return nil
}
