// SPDX-License-Identifier: Apache-2.0

package vhci

import (
	baseerrors "errors"
	"testing"
	"testing/fstest"

	"github.com/efficientgo/core/errors"
)

const statusHeader = "hub port sta spd dev      sockfd local_busid\n"

func compareSlots(t *testing.T, driver Driver, expectedSlots map[int]Slot) {
	slots := driver.GetDeviceSlots()
	for i, slot := range expectedSlots {
		if slots[i] != slot {
			t.Errorf("port %d: got %v; want %v", i, slots[i], slot)
		}
	}

	for i, slot := range slots {
		_, isExpected := expectedSlots[i]
		if !slot.IsEmpty() && !isExpected {
			t.Errorf("port %d: status is %d, expected null", i, slot.Status)
		}
	}
}

func newTestDriver(t *testing.T, fsys fstest.MapFS) Driver {
	t.Helper()
	driver, err := NewSysfsDriver(fsys, t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return driver
}

func TestSlotEnumeration(t *testing.T) {
	for _, tc := range []struct {
		name  string
		fs    fstest.MapFS
		slots map[int]Slot
		err   error
	}{
		{
			name: "sysfs unreadable",
			fs:   fstest.MapFS{},
			err:  errors.New("failed to read nports attribute"),
		},
		{
			name: "detect",
			fs: fstest.MapFS{
				"bus/platform/devices/vhci_hcd.0/nports": {Data: []byte("4\n")},
				"bus/platform/devices/vhci_hcd.0/status": {Data: []byte(
					statusHeader +
						"hs  0000 006 002 00010002 000010 2-1\n" +
						"hs  0001 004 000 00000000 000000 0-0\n" +
						"hs  0002 004 000 00000000 000000 0-0\n" +
						"ss  0003 006 002 00080002 000011 2-2\n",
				)},
				"bus/usb/devices/2-1/idVendor":  {Data: []byte("dead\n")},
				"bus/usb/devices/2-1/idProduct": {Data: []byte("beef\n")},
				"bus/usb/devices/2-2/idVendor":  {Data: []byte("dead\n")},
				"bus/usb/devices/2-2/idProduct": {Data: []byte("beef\n")},
			},
			slots: map[int]Slot{
				0: {
					HubSpeed:        HubSpeedHigh,
					Port:            VirtualPort(0),
					Status:          VDevStatusUsed,
					DeviceID:        0x00010002,
					SysPath:         "bus/usb/devices/2-1",
					LocalDeviceInfo: USBDevice{USBID(0xdead), USBID(0xbeef), "2-1"},
				},
				3: {
					HubSpeed:        HubSpeedSuper,
					Port:            VirtualPort(3),
					Status:          VDevStatusUsed,
					DeviceID:        0x00080002,
					SysPath:         "bus/usb/devices/2-2",
					LocalDeviceInfo: USBDevice{USBID(0xdead), USBID(0xbeef), "2-2"},
				},
			},
		},
		{
			name: "handle partially missing data",
			fs: fstest.MapFS{
				"bus/platform/devices/vhci_hcd.0/nports": {Data: []byte("4\n")},
				"bus/platform/devices/vhci_hcd.0/status": {Data: []byte(
					statusHeader +
						"hs  0000 006 002 00010002 000010 2-1\n" +
						"hs  0001 004 000 00000000 000000 0-0\n" +
						"hs  0002 004 000 00000000 000000 0-0\n" +
						"ss  0003 006 002 00080002 000011 2-2\n",
				)},
				"bus/usb/devices/2-1/idVendor":  {Data: []byte("dead\n")},
				"bus/usb/devices/2-1/idProduct": {Data: []byte("beef\n")},
				"bus/usb/devices/2-2/idVendor":  {Data: []byte("dead\n")},
			},
			err: errors.New("failed to describe device"),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			driver, err := NewSysfsDriver(tc.fs, t.TempDir(), nil)
			if (err != nil) != (tc.err != nil) {
				t.Errorf("expected error %v; got %v", tc.err, err)
			}
			if err != nil {
				return
			}
			compareSlots(t, driver, tc.slots)
		})
	}
}

func TestDetachUpdate(t *testing.T) {
	fsys := fstest.MapFS{
		"bus/platform/devices/vhci_hcd.0/nports": {Data: []byte("4\n")},
		"bus/platform/devices/vhci_hcd.0/status": {Data: []byte(
			statusHeader +
				"hs  0000 006 002 00010002 000010 2-1\n" +
				"hs  0001 004 000 00000000 000000 0-0\n" +
				"hs  0002 004 000 00000000 000000 0-0\n" +
				"ss  0003 006 002 00080002 000011 2-2\n",
		)},
		"bus/usb/devices/2-1/idVendor": {Data: []byte("dead\n")},
		"bus/usb/devices/2-1/idProduct": {Data: []byte("beef\n")},
		"bus/usb/devices/2-2/idVendor": {Data: []byte("dead\n")},
		"bus/usb/devices/2-2/idProduct": {Data: []byte("beef\n")},
	}

	driver := newTestDriver(t, fsys)

	delete(fsys, "bus/usb/devices/2-2/idVendor")
	delete(fsys, "bus/usb/devices/2-2/idProduct")
	fsys["bus/platform/devices/vhci_hcd.0/status"] = &fstest.MapFile{Data: []byte(
		statusHeader +
			"hs  0000 006 002 00010002 000010 2-1\n" +
			"hs  0001 004 000 00000000 000000 0-0\n" +
			"hs  0002 004 000 00000000 000000 0-0\n" +
			"ss  0003 004 000 00080000 000000 0-0\n",
	)}

	if err := driver.UpdateAttachedDevices(); err != nil {
		t.Fatal(err)
	}

	expectedSlots := map[int]Slot{
		0: {
			HubSpeed:        HubSpeedHigh,
			Port:            VirtualPort(0),
			Status:          VDevStatusUsed,
			DeviceID:        0x00010002,
			SysPath:         "bus/usb/devices/2-1",
			LocalDeviceInfo: USBDevice{USBID(0xdead), USBID(0xbeef), "2-1"},
		},
	}

	compareSlots(t, driver, expectedSlots)
}

func TestAttachUpdate(t *testing.T) {
	fsys := fstest.MapFS{
		"bus/platform/devices/vhci_hcd.0/nports": {Data: []byte("4\n")},
		"bus/platform/devices/vhci_hcd.0/status": {Data: []byte(
			statusHeader +
				"hs  0000 006 002 00010002 000010 2-1\n" +
				"hs  0001 004 000 00000000 000000 0-0\n" +
				"hs  0002 004 000 00000000 000000 0-0\n" +
				"ss  0003 004 000 00080000 000000 0-0\n",
		)},
		"bus/usb/devices/2-1/idVendor": {Data: []byte("dead\n")},
		"bus/usb/devices/2-1/idProduct": {Data: []byte("beef\n")},
	}

	driver := newTestDriver(t, fsys)

	fsys["bus/platform/devices/vhci_hcd.0/status"] = &fstest.MapFile{Data: []byte(
		statusHeader +
			"hs  0000 006 002 00010002 000010 2-1\n" +
			"hs  0001 004 000 00000000 000000 0-0\n" +
			"hs  0002 004 000 00000000 000000 0-0\n" +
			"ss  0003 006 002 00080002 000011 2-2\n",
	)}
	fsys["bus/usb/devices/2-2/idVendor"] = &fstest.MapFile{Data: []byte("dead\n")}
	fsys["bus/usb/devices/2-2/idProduct"] = &fstest.MapFile{Data: []byte("beef\n")}

	if err := driver.UpdateAttachedDevices(); err != nil {
		t.Fatal(err)
	}

	expectedSlots := map[int]Slot{
		0: {
			HubSpeed:        HubSpeedHigh,
			Port:            VirtualPort(0),
			Status:          VDevStatusUsed,
			DeviceID:        0x00010002,
			SysPath:         "bus/usb/devices/2-1",
			LocalDeviceInfo: USBDevice{USBID(0xdead), USBID(0xbeef), "2-1"},
		},
		3: {
			HubSpeed:        HubSpeedSuper,
			Port:            VirtualPort(3),
			Status:          VDevStatusUsed,
			DeviceID:        0x00080002,
			SysPath:         "bus/usb/devices/2-2",
			LocalDeviceInfo: USBDevice{USBID(0xdead), USBID(0xbeef), "2-2"},
		},
	}

	compareSlots(t, driver, expectedSlots)
}

func TestGetFreePortMatchesSpeedClass(t *testing.T) {
	fsys := fstest.MapFS{
		"bus/platform/devices/vhci_hcd.0/nports": {Data: []byte("2\n")},
		"bus/platform/devices/vhci_hcd.0/status": {Data: []byte(
			statusHeader +
				"hs  0000 004 000 00000000 000000 0-0\n" +
				"ss  0001 004 000 00000000 000000 0-0\n",
		)},
	}

	driver := newTestDriver(t, fsys)

	port, err := driver.GetFreePort(USBSpeedHigh)
	if err != nil {
		t.Fatal(err)
	}
	if port != 0 {
		t.Errorf("expected high-speed port 0; got %d", port)
	}

	port, err = driver.GetFreePort(USBSpeedSuper)
	if err != nil {
		t.Fatal(err)
	}
	if port != 1 {
		t.Errorf("expected super-speed port 1; got %d", port)
	}
}

func TestGetFreePortNoneAvailable(t *testing.T) {
	fsys := fstest.MapFS{
		"bus/platform/devices/vhci_hcd.0/nports": {Data: []byte("1\n")},
		"bus/platform/devices/vhci_hcd.0/status": {Data: []byte(
			statusHeader +
				"ss  0000 004 000 00000000 000000 0-0\n",
		)},
	}

	driver := newTestDriver(t, fsys)

	if _, err := driver.GetFreePort(USBSpeedHigh); !baseerrors.Is(err, ErrNoFreePort) {
		t.Errorf("expected ErrNoFreePort; got %v", err)
	}
}
