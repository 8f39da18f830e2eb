package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"gitlab.com/akita/offload/devicemem"
)

// Mailbox layout in device memory. The host writes a request and polls the
// opcode word until the device resets it to None.
const (
	MailboxBase uint32 = 0x00001000

	MailboxOp      uint32 = 0
	MailboxVersion uint32 = 4
	MailboxArgs    uint32 = 8
	MailboxRet     uint32 = MailboxArgs + 4*Slots

	MailboxSize = MailboxRet + 4
)

// A Mailbox is the request area of the simulated transport.
type Mailbox struct {
	mem  *devicemem.Memory
	base uint32
}

// MapMailbox maps one page for the mailbox at MailboxBase and clears it.
func MapMailbox(mem *devicemem.Memory) (*Mailbox, error) {
	err := mem.Map("mailbox", MailboxBase, devicemem.PageSize,
		devicemem.ProtRead|devicemem.ProtWrite)
	if err != nil {
		return nil, errors.Wrap(err, "map mailbox")
	}

	mb := &Mailbox{mem: mem, base: MailboxBase}
	if err := mem.Write(MailboxBase, make([]byte, MailboxSize)); err != nil {
		return nil, errors.Wrap(err, "clear mailbox")
	}
	return mb, nil
}

// Post writes a request. The opcode is written last.
func (mb *Mailbox) Post(msg Message) error {
	buf := make([]byte, MailboxSize-MailboxVersion)
	binary.LittleEndian.PutUint32(buf, msg.Version)
	for i, a := range msg.Args {
		binary.LittleEndian.PutUint32(buf[4+4*i:], a)
	}
	if err := mb.mem.Write(mb.base+MailboxVersion, buf); err != nil {
		return err
	}
	return mb.mem.Write32(mb.base+MailboxOp, uint32(msg.Op))
}

// Pending returns the opcode word.
func (mb *Mailbox) Pending() (Opcode, error) {
	w, err := mb.mem.Read32(mb.base + MailboxOp)
	return Opcode(w), err
}

// Take reads the pending request.
func (mb *Mailbox) Take() (Message, error) {
	buf, err := mb.mem.Read(mb.base, MailboxRet)
	if err != nil {
		return Message{}, err
	}

	msg := Message{
		Op:      Opcode(binary.LittleEndian.Uint32(buf[MailboxOp:])),
		Version: binary.LittleEndian.Uint32(buf[MailboxVersion:]),
	}
	for i := range msg.Args {
		msg.Args[i] = binary.LittleEndian.Uint32(buf[MailboxArgs+uint32(4*i):])
	}
	return msg, nil
}

// Complete writes the return slot and then resets the opcode to None.
func (mb *Mailbox) Complete(ret uint32) error {
	if err := mb.mem.Write32(mb.base+MailboxRet, ret); err != nil {
		return err
	}
	return mb.mem.Write32(mb.base+MailboxOp, uint32(OpNone))
}

// Return reads the return slot.
func (mb *Mailbox) Return() (uint32, error) {
	return mb.mem.Read32(mb.base + MailboxRet)
}
