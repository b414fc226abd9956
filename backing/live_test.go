// SPDX-License-Identifier: Apache-2.0

package backing

import "testing"

// newTestLiveBacking builds a LiveBacking around a descriptor tree
// without opening a real usbfs device node, exercising only the parts of
// the backing that don't touch the kernel (descriptor forwarding,
// altsetting bookkeeping) — the ioctl-driven paths need real hardware
// and are not exercised here.
func newTestLiveBacking(t *testing.T) *LiveBacking {
	t.Helper()
	return &LiveBacking{
		fd:            -1,
		tree:          sampleTree(),
		claimedIfaces: make(map[uint8]bool),
		altSettings:   make(map[uint8]uint8),
	}
}

func TestLiveBackingDescriptorForwarding(t *testing.T) {
	l := newTestLiveBacking(t)

	config, err := l.ConfigDescriptor(0)
	if err != nil {
		t.Fatal(err)
	}
	// the device descriptor is immediately followed by the default
	// configuration descriptor, not returned on its own.
	if want := 18 + len(config); len(l.DeviceDescriptor()) != want {
		t.Errorf("DeviceDescriptor() length = %d, want %d", len(l.DeviceDescriptor()), want)
	}
	if _, err := l.ConfigDescriptor(5); err == nil {
		t.Fatal("expected an error for an unknown configuration index")
	}
}

func TestLiveBackingCurrentAltSettingDefaultsToZero(t *testing.T) {
	l := newTestLiveBacking(t)
	if got := l.CurrentAltSetting(0); got != 0 {
		t.Errorf("CurrentAltSetting(0) = %d, want 0 before any SetInterface", got)
	}
}

func TestLiveBackingEndpointTransferType(t *testing.T) {
	l := newTestLiveBacking(t)
	tt, err := l.EndpointTransferType(0x81)
	if err != nil {
		t.Fatal(err)
	}
	if tt != 3 { // TransferInterrupt
		t.Errorf("transfer type = %v, want TransferInterrupt", tt)
	}

	if _, err := l.EndpointTransferType(0xef); err == nil {
		t.Fatal("expected an error for an unknown endpoint")
	}
}
