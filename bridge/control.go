// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"

	"golang.org/x/sys/unix"

	"github.com/vbridge/usbip-bridge/usbdesc"
	"github.com/vbridge/usbip-bridge/wire"
)

// Standard control request codes, USB 2.0 spec table 9-4.
const (
	reqGetStatus        = 0x00
	reqGetDescriptor    = 0x06
	reqSetConfiguration = 0x09
	reqGetInterface     = 0x0a
	reqSetInterface     = 0x0b
	reqSetIsochDelay    = 0x31
)

const recipientMask = 0x1f
const recipientDevice = 0x00

// descriptorTypeHIDReport is the HID class GET_DESCRIPTOR type for the
// report descriptor; it isn't a standard descriptor type so usbdesc
// doesn't carry it alongside DescriptorTypeDevice and friends.
const descriptorTypeHIDReport = 0x22

// handleControl answers a SUBMIT on endpoint 0. GET_DESCRIPTOR is
// answered from the backing's descriptor data and GET_STATUS(device)
// from the backing's IsSelfPowered; SET_CONFIGURATION, SET_INTERFACE, GET_INTERFACE and
// SET_ISOCH_DELAY are satisfied locally against the backing's own
// bookkeeping; everything else is forwarded to the backing with the raw
// setup packet.
func (b *Bridge) handleControl(ctx context.Context, cmd *wire.Command) {
	setup := cmd.ControlSetup()

	switch {
	case setup.Request == reqGetDescriptor && setup.Direction() == wire.DirIn:
		b.replyDescriptor(ctx, cmd, setup)
	case setup.Request == reqGetStatus && setup.RequestType&recipientMask == recipientDevice:
		b.replyDeviceStatus(cmd)
	case setup.Request == reqSetConfiguration:
		b.replySetConfiguration(cmd, setup)
	case setup.Request == reqSetInterface:
		b.replySetInterface(cmd, setup)
	case setup.Request == reqGetInterface:
		b.replyGetInterface(cmd, setup)
	case setup.Request == reqSetIsochDelay:
		b.queueSubmitReply(ctx, cmd, 0, nil, 0, 0)
	default:
		b.forwardControl(ctx, cmd, setup)
	}
}

func (b *Bridge) replyDescriptor(ctx context.Context, cmd *wire.Command, setup wire.ControlSetup) {
	descType := uint8(setup.Value >> 8)
	descIndex := uint8(setup.Value)

	var data []byte
	switch descType {
	case usbdesc.DescriptorTypeDevice:
		data = b.backing.DeviceDescriptor()
	case usbdesc.DescriptorTypeConfig:
		d, err := b.backing.ConfigDescriptor(descIndex)
		if err != nil {
			b.queueSubmitReply(ctx, cmd, -int32(unix.EINVAL), nil, 0, 0)
			return
		}
		data = d
	case usbdesc.DescriptorTypeString:
		data = b.backing.StringDescriptor(setup.Index, descIndex)
	case usbdesc.DescriptorTypeBOS:
		data = b.backing.BOSDescriptor()
	case descriptorTypeHIDReport:
		data = b.backing.ReportDescriptor()
	default:
		b.forwardControl(ctx, cmd, setup)
		return
	}

	if len(data) > int(setup.Length) {
		data = data[:setup.Length]
	}
	status := int32(0)
	if len(data) == 0 {
		status = -int32(unix.EINVAL)
	}
	b.queueSubmitReply(ctx, cmd, status, data, int32(len(data)), 0)
}

func (b *Bridge) replyDeviceStatus(cmd *wire.Command) {
	var status uint16
	if b.backing.IsSelfPowered() {
		status = 1
	}
	data := []byte{byte(status), byte(status >> 8)}
	b.queueSubmitReply(context.Background(), cmd, 0, data, int32(len(data)), 0)
}

func (b *Bridge) replySetConfiguration(cmd *wire.Command, setup wire.ControlSetup) {
	err := b.backing.SetConfiguration(uint8(setup.Value))
	b.queueSubmitReply(context.Background(), cmd, statusFromError(err), nil, 0, 0)
}

func (b *Bridge) replySetInterface(cmd *wire.Command, setup wire.ControlSetup) {
	err := b.backing.SetInterface(uint8(setup.Index), uint8(setup.Value))
	b.queueSubmitReply(context.Background(), cmd, statusFromError(err), nil, 0, 0)
}

func (b *Bridge) replyGetInterface(cmd *wire.Command, setup wire.ControlSetup) {
	alt := b.backing.CurrentAltSetting(uint8(setup.Index))
	b.queueSubmitReply(context.Background(), cmd, 0, []byte{alt}, 1, 0)
}

// forwardControl hands requests this bridge doesn't satisfy locally
// straight through to the backing, blocking the Executor until the
// backing answers — the same synchronous handling the original gives
// every control request.
func (b *Bridge) forwardControl(ctx context.Context, cmd *wire.Command, setup wire.ControlSetup) {
	data, err := b.backing.SubmitControl(ctx, setup, cmd.Payload)
	if err != nil {
		b.queueSubmitReply(ctx, cmd, statusFromError(err), nil, 0, 0)
		return
	}
	b.queueSubmitReply(ctx, cmd, 0, data, int32(len(data)), 0)
}
