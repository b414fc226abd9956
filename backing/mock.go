// SPDX-License-Identifier: Apache-2.0

package backing

import (
	"context"

	"github.com/efficientgo/core/errors"

	"github.com/vbridge/usbip-bridge/pluginabi"
	"github.com/vbridge/usbip-bridge/usbdesc"
	"github.com/vbridge/usbip-bridge/wire"
	"github.com/vbridge/usbip-bridge/xfer"
)

// MockBacking serves descriptors from a loaded usbdesc.Tree and forwards
// every transfer and control request to a pluginabi.Plugin instead of
// real hardware. There is no underlying I/O handle: a submitted transfer
// exists only as a *xfer.Transfer entry in the table until the plugin
// calls Complete on its TransferControl.
type MockBacking struct {
	tree   *usbdesc.Tree
	plugin pluginabi.Plugin
	table  *xfer.Table

	altSettings map[uint8]uint8
	configIndex uint8
}

// NewMockBacking constructs a MockBacking serving descriptors from tree
// and dispatching transfers and control requests to plugin.
func NewMockBacking(tree *usbdesc.Tree, plugin pluginabi.Plugin) *MockBacking {
	return &MockBacking{
		tree:        tree,
		plugin:      plugin,
		table:       xfer.NewTable(),
		altSettings: make(map[uint8]uint8),
	}
}

func (m *MockBacking) DeviceDescriptor() []byte { return m.tree.PackDeviceDescriptor() }

func (m *MockBacking) ConfigDescriptor(index uint8) ([]byte, error) {
	data, err := m.tree.PackConfigDescriptor(index)
	if err != nil {
		return nil, &ErrNotFound{What: "config descriptor"}
	}
	return data, nil
}

func (m *MockBacking) StringDescriptor(lang uint16, index uint8) []byte {
	data, err := m.tree.PackStringDescriptor(lang, index)
	if err != nil {
		return nil
	}
	return data
}

func (m *MockBacking) BOSDescriptor() []byte    { return m.tree.PackBOSDescriptor() }
func (m *MockBacking) ReportDescriptor() []byte { return m.tree.PackReportDescriptor() }

func (m *MockBacking) EndpointTransferType(addr uint8) (usbdesc.TransferType, error) {
	tt, ok := m.tree.EndpointTransferType(addr)
	if !ok {
		return 0, &ErrNotFound{What: "endpoint"}
	}
	return tt, nil
}

// IsSelfPowered reports the Attributes bit of the loaded configuration
// descriptor, the same flag a real device would answer GET_STATUS with.
func (m *MockBacking) IsSelfPowered() bool {
	const selfPoweredBit = 1 << 6
	return m.tree.Config.Attributes&selfPoweredBit != 0
}

func (m *MockBacking) SetConfiguration(index uint8) error {
	result := m.plugin.OnSetConfiguration(index)
	if result < 0 {
		return &BackingError{Status: int32(result), Err: errors.Newf("mock plugin refused SetConfiguration(%d)", index)}
	}
	m.configIndex = index
	return nil
}

func (m *MockBacking) SetInterface(iface, alt uint8) error {
	result := m.plugin.OnSetInterface(iface, alt)
	if result < 0 {
		return &BackingError{Status: int32(result), Err: errors.Newf("mock plugin refused SetInterface(%d, %d)", iface, alt)}
	}
	m.altSettings[iface] = alt
	return nil
}

func (m *MockBacking) CurrentAltSetting(iface uint8) uint8 { return m.altSettings[iface] }

func (m *MockBacking) SubmitBulk(tr *xfer.Transfer, onComplete func(*xfer.Transfer)) error {
	return m.submit(tr, onComplete)
}

func (m *MockBacking) SubmitInterrupt(tr *xfer.Transfer, onComplete func(*xfer.Transfer)) error {
	return m.submit(tr, onComplete)
}

func (m *MockBacking) SubmitISO(tr *xfer.Transfer, onComplete func(*xfer.Transfer)) error {
	return m.submit(tr, onComplete)
}

// submit attaches tr to the table, then immediately invokes the
// plugin's OnTransferRequest with a TransferControl wrapping it. The
// plugin may call Complete synchronously (as submit returns) or from a
// goroutine of its own.
func (m *MockBacking) submit(tr *xfer.Transfer, onComplete func(*xfer.Transfer)) error {
	if err := m.table.Attach(tr, onComplete); err != nil {
		return &BackingError{Err: errors.Wrap(err, "mock backing submit")}
	}
	// An OUT transfer's buffer already holds the host's data, and the
	// mock accepts all of it.
	if tr.Endpoint&0x80 == 0 {
		tr.ActualLength = uint32(len(tr.Buffer))
	}

	ctrl := &mockTransferControl{tr: tr, table: m.table, plugin: m.plugin}
	m.plugin.OnTransferRequest(ctrl)
	return nil
}

func (m *MockBacking) SubmitControl(ctx context.Context, setup wire.ControlSetup, outPayload []byte) ([]byte, error) {
	data := make([]byte, setup.Length)
	if setup.Direction() == wire.DirOut {
		copy(data, outPayload)
	}

	n := m.plugin.OnControlSetup(setup, data)
	if n < 0 {
		return nil, &BackingError{Status: int32(n), Err: errors.Newf("mock plugin rejected control setup (result %d)", n)}
	}
	if setup.Direction() == wire.DirIn {
		if n > len(data) {
			n = len(data)
		}
		return data[:n], nil
	}
	return nil, nil
}

func (m *MockBacking) CancelTransfer(ctx context.Context, tr *xfer.Transfer) (bool, error) {
	return m.table.Cancel(ctx, tr, func(tr *xfer.Transfer) {
		tr.Status = xfer.StatusCancelled
		_ = m.table.Complete(tr)
	})
}

func (m *MockBacking) CancelTransfers(ctx context.Context) error {
	return m.table.CancelAll(ctx, func(tr *xfer.Transfer) {
		tr.Status = xfer.StatusCancelled
		_ = m.table.Complete(tr)
	})
}

// mockTransferControl implements pluginabi.TransferControl over one
// *xfer.Transfer, letting a plugin fill or drain the transfer's buffer
// and resolve it through the table exactly once.
type mockTransferControl struct {
	tr     *xfer.Transfer
	table  *xfer.Table
	plugin pluginabi.Plugin
}

func (c *mockTransferControl) Complete() {
	if c.tr.Status == xfer.StatusCancelled {
		return
	}
	c.tr.Status = xfer.StatusCompleted
	if err := c.table.Complete(c.tr); err != nil {
		return
	}
	c.plugin.OnTransferComplete(c)
}

func (c *mockTransferControl) IsIn() bool  { return c.tr.Endpoint&0x80 != 0 }
func (c *mockTransferControl) IsOut() bool { return !c.IsIn() }

func (c *mockTransferControl) Fill(data []byte) {
	n := copy(c.tr.Buffer, data)
	c.tr.ActualLength = uint32(n)
}

func (c *mockTransferControl) Read(data []byte) int {
	return copy(data, c.tr.Buffer[:c.tr.ActualLength])
}

func (c *mockTransferControl) Size() int                 { return len(c.tr.Buffer) }
func (c *mockTransferControl) Type() usbdesc.TransferType { return c.tr.Type }
func (c *mockTransferControl) EP() uint8                  { return c.tr.Endpoint }

func (c *mockTransferControl) IsoPacketDescriptorCount() int { return len(c.tr.IsoPackets) }

func (c *mockTransferControl) IsoPacketDescriptors() []wire.IsoPacketDescriptor {
	out := make([]wire.IsoPacketDescriptor, len(c.tr.IsoPackets))
	var offset uint32
	for i, p := range c.tr.IsoPackets {
		out[i] = wire.IsoPacketDescriptor{
			Offset:       offset,
			Length:       p.Length,
			ActualLength: p.ActualLength,
			Status:       int32(p.Status),
		}
		offset += p.Length
	}
	return out
}

func (c *mockTransferControl) FillIsoPacketDescriptors(descs []wire.IsoPacketDescriptor) {
	packets := make([]xfer.IsoPacket, len(descs))
	for i, d := range descs {
		packets[i] = xfer.IsoPacket{
			Length:       d.Length,
			ActualLength: d.ActualLength,
			Status:       xfer.Status(d.Status),
		}
	}
	c.tr.IsoPackets = packets
}
