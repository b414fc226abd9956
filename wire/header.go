// SPDX-License-Identifier: Apache-2.0

// Package wire encodes and decodes the USB/IP command and reply headers
// exchanged between the kernel VHCI driver and the bridge over the
// socket-pair endpoint. Every header is 48 bytes, big-endian, as laid out
// in Documentation/usb/usbip_protocol.rst.
package wire

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/efficientgo/core/errors"
)

// HeaderSize is the fixed size in bytes of every USB/IP command or reply
// header, submit and unlink alike.
const HeaderSize = 48

// Kind identifies the USB/IP command or reply carried by a header.
type Kind uint32

const (
	CmdSubmit Kind = 0x00000001
	CmdUnlink Kind = 0x00000002
	RetSubmit Kind = 0x00000003
	RetUnlink Kind = 0x00000004
)

func (k Kind) String() string {
	switch k {
	case CmdSubmit:
		return "CMD_SUBMIT"
	case CmdUnlink:
		return "CMD_UNLINK"
	case RetSubmit:
		return "RET_SUBMIT"
	case RetUnlink:
		return "RET_UNLINK"
	default:
		return "UNKNOWN"
	}
}

// Direction is the transfer direction bit carried in every header.
type Direction uint32

const (
	DirOut Direction = 0
	DirIn  Direction = 1
)

// ProtocolError reports a header whose command field is not one this
// bridge understands.
type ProtocolError struct {
	Kind uint32
}

func (e *ProtocolError) Error() string {
	return errors.Newf("invalid usbip command: %#x", e.Kind).Error()
}

type basicHeader struct {
	Command   uint32
	SeqNum    uint32
	DevID     uint32
	Direction uint32
	Endpoint  uint32
}

type cmdSubmitWire struct {
	basicHeader
	TransferFlags        uint32
	TransferBufferLength int32
	StartFrame           int32
	NumberOfPackets      int32
	Interval             int32
	Setup                [8]byte
}

type cmdUnlinkWire struct {
	basicHeader
	UnlinkSeqNum uint32
	_            [24]byte
}

type retSubmitWire struct {
	basicHeader
	Status          int32
	ActualLength    int32
	StartFrame      int32
	NumberOfPackets int32
	ErrorCount      int32
	_               [8]byte
}

type retUnlinkWire struct {
	basicHeader
	Status int32
	_      [24]byte
}

// Command is the decoded, direction-normalized form of a USB/IP command
// header sent by the kernel VHCI driver to the bridge.
type Command struct {
	Kind      Kind
	SeqNum    uint32
	DevID     uint32
	Direction Direction
	Endpoint  uint32

	// valid when Kind == CmdSubmit
	TransferFlags        uint32
	TransferBufferLength int32
	StartFrame           int32
	NumberOfPackets      int32
	Interval             int32
	Setup                [8]byte

	// valid when Kind == CmdUnlink
	UnlinkSeqNum uint32

	// Payload holds the OUT-direction transfer buffer that follows the
	// header on the wire, read separately by the caller once PayloadSize
	// is known.
	Payload []byte
}

func (c *Command) IsSubmit() bool { return c.Kind == CmdSubmit }
func (c *Command) IsUnlink() bool { return c.Kind == CmdUnlink }
func (c *Command) IsIn() bool     { return c.Direction == DirIn }
func (c *Command) IsOut() bool    { return c.Direction == DirOut }
func (c *Command) IsControl() bool {
	return c.Endpoint == 0
}

// PayloadSize is the number of payload bytes that follow the header on
// the wire. Only OUT submissions carry an inbound payload: the transfer
// buffer, followed for an ISO submission by one IsoPacketDescriptor per
// packet. IN submissions and unlinks carry none.
func (c *Command) PayloadSize() int {
	if c.Kind == CmdSubmit && c.IsOut() {
		size := int(c.TransferBufferLength)
		if c.NumberOfPackets > 0 {
			size += int(c.NumberOfPackets) * IsoPacketDescriptorSize
		}
		return size
	}
	return 0
}

// EndpointAddress is the USB endpoint address (direction bit folded into
// the endpoint number), matching libusb's convention.
func (c *Command) EndpointAddress() uint8 {
	addr := uint8(c.Endpoint)
	if c.IsIn() {
		addr |= 0x80
	}
	return addr
}

// ControlSetup is the 8-byte control setup packet. Unlike the rest of the
// header it is little-endian on the wire.
type ControlSetup struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// Direction reports the data transfer direction encoded in the setup
// packet's bmRequestType, independent of the enclosing command header's
// own Direction field (which for a control SUBMIT always describes the
// setup packet's delivery, not the data stage).
func (c ControlSetup) Direction() Direction {
	const deviceToHost = 0x80
	if c.RequestType&deviceToHost != 0 {
		return DirIn
	}
	return DirOut
}

func (c *Command) ControlSetup() ControlSetup {
	return ControlSetup{
		RequestType: c.Setup[0],
		Request:     c.Setup[1],
		Value:       binary.LittleEndian.Uint16(c.Setup[2:4]),
		Index:       binary.LittleEndian.Uint16(c.Setup[4:6]),
		Length:      binary.LittleEndian.Uint16(c.Setup[6:8]),
	}
}

// DecodeHeader reads exactly HeaderSize bytes from r and decodes them into
// a Command. It does not read the trailing OUT payload; call PayloadSize
// and read it separately.
func DecodeHeader(r io.Reader) (*Command, error) {
	raw := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, errors.Wrap(err, "failed to read usbip header")
	}

	var probe basicHeader
	if err := binary.Read(bytes.NewReader(raw), binary.BigEndian, &probe); err != nil {
		return nil, errors.Wrap(err, "failed to decode usbip header")
	}

	cmd := &Command{
		Kind:      Kind(probe.Command),
		SeqNum:    probe.SeqNum,
		DevID:     probe.DevID,
		Direction: Direction(probe.Direction),
		Endpoint:  probe.Endpoint,
	}

	switch cmd.Kind {
	case CmdSubmit:
		var wireCmd cmdSubmitWire
		if err := binary.Read(bytes.NewReader(raw), binary.BigEndian, &wireCmd); err != nil {
			return nil, errors.Wrap(err, "failed to decode cmd_submit header")
		}
		cmd.TransferFlags = wireCmd.TransferFlags
		cmd.TransferBufferLength = wireCmd.TransferBufferLength
		cmd.StartFrame = wireCmd.StartFrame
		cmd.NumberOfPackets = wireCmd.NumberOfPackets
		cmd.Interval = wireCmd.Interval
		cmd.Setup = wireCmd.Setup
	case CmdUnlink:
		var wireCmd cmdUnlinkWire
		if err := binary.Read(bytes.NewReader(raw), binary.BigEndian, &wireCmd); err != nil {
			return nil, errors.Wrap(err, "failed to decode cmd_unlink header")
		}
		cmd.UnlinkSeqNum = wireCmd.UnlinkSeqNum
	default:
		return nil, &ProtocolError{Kind: probe.Command}
	}

	return cmd, nil
}

// ReadPayload reads the OUT-direction transfer buffer following cmd's
// header, if any.
func ReadPayload(r io.Reader, cmd *Command) error {
	size := cmd.PayloadSize()
	if size == 0 {
		return nil
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return errors.Wrap(err, "failed to read usbip payload")
	}
	cmd.Payload = buf
	return nil
}

// EncodeRetSubmit builds the 48-byte RET_SUBMIT header replying to cmd.
func EncodeRetSubmit(cmd *Command, status int32, actualLength int32, errorCount int32) []byte {
	wireCmd := retSubmitWire{
		basicHeader: basicHeader{
			Command:   uint32(RetSubmit),
			SeqNum:    cmd.SeqNum,
			DevID:     cmd.DevID,
			Direction: uint32(cmd.Direction),
			Endpoint:  cmd.Endpoint,
		},
		Status:          status,
		ActualLength:    actualLength,
		StartFrame:      cmd.StartFrame,
		NumberOfPackets: cmd.NumberOfPackets,
		ErrorCount:      errorCount,
	}

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, wireCmd)
	return buf.Bytes()
}

// EncodeRetUnlink builds the 48-byte RET_UNLINK header replying to cmd.
func EncodeRetUnlink(cmd *Command, status int32) []byte {
	wireCmd := retUnlinkWire{
		basicHeader: basicHeader{
			Command:   uint32(RetUnlink),
			SeqNum:    cmd.SeqNum,
			DevID:     cmd.DevID,
			Direction: uint32(cmd.Direction),
			Endpoint:  cmd.Endpoint,
		},
		Status: status,
	}

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, wireCmd)
	return buf.Bytes()
}
