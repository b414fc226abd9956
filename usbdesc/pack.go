// SPDX-License-Identifier: Apache-2.0

package usbdesc

import (
	"encoding/binary"

	"github.com/efficientgo/core/errors"
)

// ErrNoSuchDescriptor is returned when a Pack* call is asked for a
// configuration, string, or capability index the tree doesn't have.
var ErrNoSuchDescriptor = errors.New("no such descriptor")

func appendU8(buf []byte, v uint8) []byte {
	return append(buf, v)
}

func appendU16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

// PackDeviceDescriptor returns the 18-byte GET_DESCRIPTOR(DEVICE) wire
// representation followed immediately by the default configuration's
// bytes, matching the kernel's single-GET expectation: a device always
// hands back its configuration descriptor right after its device
// descriptor, never the device descriptor alone.
func (t *Tree) PackDeviceDescriptor() []byte {
	d := t.Device
	buf := make([]byte, 0, 18)
	buf = appendU8(buf, d.Length)
	buf = appendU8(buf, d.DescriptorType)
	buf = appendU16(buf, d.USBVersion)
	buf = appendU8(buf, d.DeviceClass)
	buf = appendU8(buf, d.DeviceSubClass)
	buf = appendU8(buf, d.DeviceProtocol)
	buf = appendU8(buf, d.MaxPacketSize0)
	buf = appendU16(buf, d.VendorID)
	buf = appendU16(buf, d.ProductID)
	buf = appendU16(buf, d.DeviceVersion)
	buf = appendU8(buf, d.ManufacturerIndex)
	buf = appendU8(buf, d.ProductIndex)
	buf = appendU8(buf, d.SerialNumberIndex)
	buf = appendU8(buf, d.NumConfigurations)

	if cfg, err := t.PackConfigDescriptor(0); err == nil {
		buf = append(buf, cfg...)
	}
	return buf
}

func packEndpoint(ep Endpoint) []byte {
	buf := make([]byte, 0, int(ep.Length)+len(ep.Extra))
	buf = appendU8(buf, ep.Length)
	buf = appendU8(buf, ep.DescriptorType)
	buf = appendU8(buf, ep.EndpointAddr)
	buf = appendU8(buf, ep.Attributes)
	buf = appendU16(buf, ep.MaxPacketSize)
	buf = appendU8(buf, ep.Interval)
	if ep.IsAudio() {
		buf = appendU8(buf, ep.Refresh)
		buf = appendU8(buf, ep.SyncAddress)
	}
	buf = append(buf, ep.Extra...)
	return buf
}

func packAltSetting(alt AltSetting) []byte {
	buf := make([]byte, 0, int(alt.Length)+len(alt.Extra))
	buf = appendU8(buf, alt.Length)
	buf = appendU8(buf, alt.DescriptorType)
	buf = appendU8(buf, alt.InterfaceNumber)
	buf = appendU8(buf, alt.AlternateSetting)
	buf = appendU8(buf, alt.NumEndpoints)
	buf = appendU8(buf, alt.InterfaceClass)
	buf = appendU8(buf, alt.InterfaceSubClass)
	buf = appendU8(buf, alt.InterfaceProtocol)
	buf = appendU8(buf, alt.InterfaceIndex)
	buf = append(buf, alt.Extra...)
	for _, ep := range alt.Endpoints {
		buf = append(buf, packEndpoint(ep)...)
	}
	return buf
}

// PackConfigDescriptor returns the GET_DESCRIPTOR(CONFIGURATION) wire
// representation: the configuration header followed by every interface's
// every alternate setting's every endpoint, each followed by its own
// extra bytes, exactly as a real device would lay them out back to back.
// Only configuration index 0 is ever populated; a backing activates one
// configuration at a time, so the tree never holds more than one.
func (t *Tree) PackConfigDescriptor(index uint8) ([]byte, error) {
	if index != 0 {
		return nil, errors.Wrapf(ErrNoSuchDescriptor, "configuration %d", index)
	}

	c := t.Config
	buf := make([]byte, 0, int(c.TotalLength))
	buf = appendU8(buf, c.Length)
	buf = appendU8(buf, c.DescriptorType)
	buf = appendU16(buf, c.TotalLength)
	buf = appendU8(buf, c.NumInterfaces)
	buf = appendU8(buf, c.ConfigurationValue)
	buf = appendU8(buf, c.ConfigurationIndex)
	buf = appendU8(buf, c.Attributes)
	buf = appendU8(buf, c.MaxPower)
	buf = append(buf, c.Extra...)

	for _, iface := range c.Interfaces {
		for _, alt := range iface.AltSettings {
			buf = append(buf, packAltSetting(alt)...)
		}
	}

	return buf, nil
}

// PackStringDescriptor returns the GET_DESCRIPTOR(STRING) wire
// representation for index within langID's string set: a 2-byte header
// (bLength, bDescriptorType = STRING) followed by the raw UTF-16LE
// payload stored in the tree. Under language ID 0, index 0 is the
// supported-languages descriptor when the tree stores one there.
func (t *Tree) PackStringDescriptor(langID uint16, index uint8) ([]byte, error) {
	strs, ok := t.Strings[langID]
	if !ok || int(index) >= len(strs) {
		return nil, errors.Wrapf(ErrNoSuchDescriptor, "string lang=%#x index=%d", langID, index)
	}
	payload := strs[index]
	buf := make([]byte, 0, 2+len(payload))
	buf = appendU8(buf, uint8(2+len(payload)))
	buf = appendU8(buf, DescriptorTypeString)
	buf = append(buf, payload...)
	return buf, nil
}

func packDeviceCapability(dc DeviceCapability) []byte {
	buf := make([]byte, 0, int(dc.Length))
	buf = appendU8(buf, dc.Length)
	buf = appendU8(buf, dc.DescriptorType)
	buf = appendU8(buf, dc.DevCapabilityType)
	buf = append(buf, dc.Data...)
	return buf
}

// PackBOSDescriptor returns the GET_DESCRIPTOR(BOS) wire representation,
// or nil if the device has no BOS descriptor (BOS is optional; USB 2.0
// devices predating it commonly omit it).
func (t *Tree) PackBOSDescriptor() []byte {
	if t.BOS.Length == 0 {
		return nil
	}

	b := t.BOS
	buf := make([]byte, 0, int(b.TotalLength))
	buf = appendU8(buf, b.Length)
	buf = appendU8(buf, b.DescriptorType)
	buf = appendU16(buf, b.TotalLength)
	buf = appendU8(buf, b.NumDeviceCaps)
	for _, dc := range b.DevCapabilities {
		buf = append(buf, packDeviceCapability(dc)...)
	}
	return buf
}

// PackReportDescriptor returns the HID report descriptor exactly as
// loaded, with no reinterpretation.
func (t *Tree) PackReportDescriptor() []byte {
	return t.Report
}
