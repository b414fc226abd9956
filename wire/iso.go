// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"encoding/binary"
)

// IsoPacketDescriptor is one 16-byte entry in the array of isochronous
// packet descriptors that trails the transfer buffer in a RET_SUBMIT
// payload for an ISO endpoint.
type IsoPacketDescriptor struct {
	Offset       uint32
	Length       uint32
	ActualLength uint32
	Status       int32
}

// IsoPacketDescriptorSize is the wire size of one descriptor entry.
const IsoPacketDescriptorSize = 16

// EncodeIsoPacketDescriptors packs descs into their big-endian wire
// representation, appended after the ISO data in a RET_SUBMIT payload.
func EncodeIsoPacketDescriptors(descs []IsoPacketDescriptor) []byte {
	buf := make([]byte, 0, len(descs)*IsoPacketDescriptorSize)
	b := bytes.NewBuffer(buf)
	for _, d := range descs {
		_ = binary.Write(b, binary.BigEndian, d)
	}
	return b.Bytes()
}

// DecodeIsoPacketDescriptors unpacks count descriptors from the front of
// data's wire representation, as sent by the kernel in a CMD_SUBMIT
// payload for an OUT isochronous transfer.
func DecodeIsoPacketDescriptors(data []byte, count int) ([]IsoPacketDescriptor, error) {
	descs := make([]IsoPacketDescriptor, count)
	r := bytes.NewReader(data)
	for i := range descs {
		if err := binary.Read(r, binary.BigEndian, &descs[i]); err != nil {
			return nil, err
		}
	}
	return descs, nil
}
