// SPDX-License-Identifier: Apache-2.0

// Package pluginabi is the Go surface of a mock USB device: a small set of
// interfaces a backing.MockBacking dispatches to instead of talking to
// real hardware. It is the in-process equivalent of a C ABI built from
// function-pointer structs — here the dispatch table is just a Go
// interface, and plugin registration is a caller constructing a Plugin
// value directly rather than a dynamically loaded shared object.
package pluginabi

import (
	"github.com/vbridge/usbip-bridge/usbdesc"
	"github.com/vbridge/usbip-bridge/wire"
)

// TransferControl is the handle a Plugin uses to inspect and resolve one
// in-flight transfer. A MockBacking implements this over an
// xfer.Transfer; a Plugin never sees the transfer table directly.
type TransferControl interface {
	// Complete marks the transfer as finished, releasing it back to the
	// backing for delivery to the host.
	Complete()

	IsIn() bool
	IsOut() bool

	// Fill copies data into the transfer's buffer (IN direction) and
	// sets its actual length.
	Fill(data []byte)
	// Read copies up to len(data) bytes out of the transfer's buffer
	// (OUT direction) and returns the number of bytes copied.
	Read(data []byte) int

	// Size reports the transfer's requested buffer length.
	Size() int
	Type() usbdesc.TransferType
	EP() uint8

	IsoPacketDescriptorCount() int
	IsoPacketDescriptors() []wire.IsoPacketDescriptor
	FillIsoPacketDescriptors(descs []wire.IsoPacketDescriptor)
}

// Plugin is the set of callbacks a mock device implements. A MockBacking
// invokes these in place of submitting a transfer to real hardware or
// issuing a real control request.
type Plugin interface {
	// OnTransferRequest is invoked when a bulk, interrupt, or ISO
	// transfer is submitted. The plugin is expected to call
	// TransferControl.Complete, synchronously or later, once it has
	// filled or consumed the transfer's buffer.
	OnTransferRequest(xfer TransferControl)

	// OnControlSetup handles a control transfer's setup packet
	// synchronously and returns the number of bytes transferred, or a
	// negative libusb-style error code.
	OnControlSetup(setup wire.ControlSetup, data []byte) int

	OnSetConfiguration(index uint8) int
	OnSetInterface(iface, altSetting uint8) int

	// OnTransferComplete is invoked after a transfer already resolved
	// by Complete has been drained, mirroring the original ABI's
	// post-completion hook. Most plugins can leave this a no-op.
	OnTransferComplete(xfer TransferControl)
}
