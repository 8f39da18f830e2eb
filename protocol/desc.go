package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// DescSize is the size of an encoded BufferDesc.
const DescSize = 8

// A BufferDesc points at a buffer in device memory.
type BufferDesc struct {
	Data uint32
	Len  uint32
}

// EncodeDescs lays descriptors out back to back.
func EncodeDescs(descs []BufferDesc) []byte {
	buf := make([]byte, DescSize*len(descs))
	for i, d := range descs {
		binary.LittleEndian.PutUint32(buf[DescSize*i:], d.Data)
		binary.LittleEndian.PutUint32(buf[DescSize*i+4:], d.Len)
	}
	return buf
}

// DecodeDescs reads n descriptors.
func DecodeDescs(buf []byte, n int) ([]BufferDesc, error) {
	if len(buf) < DescSize*n {
		return nil, errors.Errorf("%d bytes hold fewer than %d descriptors",
			len(buf), n)
	}

	descs := make([]BufferDesc, n)
	for i := range descs {
		descs[i].Data = binary.LittleEndian.Uint32(buf[DescSize*i:])
		descs[i].Len = binary.LittleEndian.Uint32(buf[DescSize*i+4:])
	}
	return descs, nil
}
