// SPDX-License-Identifier: Apache-2.0

package mockplugin

import (
	"testing"

	"github.com/vbridge/usbip-bridge/usbdesc"
	"github.com/vbridge/usbip-bridge/wire"
)

// fakeTransferControl is a minimal pluginabi.TransferControl, mirroring
// the one pluginabi itself tests with.
type fakeTransferControl struct {
	in  bool
	buf []byte
}

func (f *fakeTransferControl) Complete()  {}
func (f *fakeTransferControl) IsIn() bool { return f.in }
func (f *fakeTransferControl) IsOut() bool {
	return !f.in
}
func (f *fakeTransferControl) Fill(data []byte) { f.buf = append(f.buf[:0], data...) }
func (f *fakeTransferControl) Read(data []byte) int {
	return copy(data, f.buf)
}
func (f *fakeTransferControl) Size() int                  { return len(f.buf) }
func (f *fakeTransferControl) Type() usbdesc.TransferType { return usbdesc.TransferBulk }
func (f *fakeTransferControl) EP() uint8                  { return 0x81 }
func (f *fakeTransferControl) IsoPacketDescriptorCount() int {
	return 0
}
func (f *fakeTransferControl) IsoPacketDescriptors() []wire.IsoPacketDescriptor { return nil }
func (f *fakeTransferControl) FillIsoPacketDescriptors(descs []wire.IsoPacketDescriptor) {}

func TestByNameUnknownPlugin(t *testing.T) {
	if _, err := ByName("does-not-exist", LoopbackConfig{}); err == nil {
		t.Fatal("expected an error for an unknown plugin name")
	}
}

func TestByNameLoopback(t *testing.T) {
	p, err := ByName("loopback", LoopbackConfig{})
	if err != nil {
		t.Fatalf("ByName(loopback) returned error: %v", err)
	}
	if _, ok := p.(*Loopback); !ok {
		t.Fatalf("ByName(loopback) = %T, want *Loopback", p)
	}
}

func TestLoopbackEchoesOutThenIn(t *testing.T) {
	p := NewLoopback(LoopbackConfig{})

	out := &fakeTransferControl{in: false, buf: []byte{1, 2, 3}}
	p.OnTransferRequest(out)

	in := &fakeTransferControl{in: true, buf: make([]byte, 3)}
	p.OnTransferRequest(in)

	if string(in.buf) != string([]byte{1, 2, 3}) {
		t.Errorf("in.buf = %v, want [1 2 3]", in.buf)
	}
}

func TestLoopbackInitialFillBeforeAnyOut(t *testing.T) {
	p := NewLoopback(LoopbackConfig{InitialFill: []byte{9, 9}})

	in := &fakeTransferControl{in: true}
	p.OnTransferRequest(in)

	if string(in.buf) != string([]byte{9, 9}) {
		t.Errorf("in.buf = %v, want [9 9]", in.buf)
	}
}

func TestLoopbackControlSetupDeviceToHostFillsControlFill(t *testing.T) {
	p := NewLoopback(LoopbackConfig{ControlFill: 0xAB})

	data := make([]byte, 4)
	setup := wire.ControlSetup{RequestType: 0x80}
	n := p.OnControlSetup(setup, data)

	if n != 4 {
		t.Errorf("OnControlSetup returned %d, want 4", n)
	}
	for i, b := range data {
		if b != 0xAB {
			t.Errorf("data[%d] = %#x, want 0xab", i, b)
		}
	}
}

func TestLoopbackControlSetupHostToDeviceLeavesDataAlone(t *testing.T) {
	p := NewLoopback(LoopbackConfig{ControlFill: 0xAB})

	data := []byte{1, 2, 3}
	setup := wire.ControlSetup{RequestType: 0x00}
	n := p.OnControlSetup(setup, data)

	if n != 3 {
		t.Errorf("OnControlSetup returned %d, want 3", n)
	}
	if string(data) != string([]byte{1, 2, 3}) {
		t.Errorf("data = %v, want unchanged [1 2 3]", data)
	}
}

func TestLoopbackSetConfigurationAndInterfaceSucceed(t *testing.T) {
	p := NewLoopback(LoopbackConfig{})
	if n := p.OnSetConfiguration(1); n != 0 {
		t.Errorf("OnSetConfiguration = %d, want 0", n)
	}
	if n := p.OnSetInterface(0, 0); n != 0 {
		t.Errorf("OnSetInterface = %d, want 0", n)
	}
}
