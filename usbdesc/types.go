// SPDX-License-Identifier: Apache-2.0

// Package usbdesc models the standard USB descriptor tree (device,
// configuration, interface, alternate setting, endpoint, BOS, and string
// descriptors) as plain Go structs, and packs them into the exact
// little-endian byte layout a GET_DESCRIPTOR request expects. Every
// descriptor preserves its vendor-specific "extra" trailing bytes
// uninterpreted, so a tree built from a real device round-trips byte for
// byte.
package usbdesc

// Standard USB descriptor type codes.
const (
	DescriptorTypeDevice    = 0x01
	DescriptorTypeConfig    = 0x02
	DescriptorTypeString    = 0x03
	DescriptorTypeInterface = 0x04
	DescriptorTypeEndpoint  = 0x05
	DescriptorTypeBOS       = 0x0f
	DescriptorTypeDeviceCap = 0x10
)

// TransferType is the endpoint transfer type encoded in the low two bits
// of an endpoint descriptor's bmAttributes.
type TransferType uint8

const (
	TransferControl     TransferType = 0
	TransferIsochronous TransferType = 1
	TransferBulk        TransferType = 2
	TransferInterrupt   TransferType = 3
)

// Device is the standard 18-byte device descriptor.
type Device struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// Endpoint is an endpoint descriptor. Refresh and SyncAddress are only
// meaningful for the 9-byte USB Audio Class isochronous endpoint variant;
// IsAudio reports whether they were present on the wire this tree was
// built from.
type Endpoint struct {
	Length         uint8
	DescriptorType uint8
	EndpointAddr   uint8
	Attributes     uint8
	MaxPacketSize  uint16
	Interval       uint8
	Refresh        uint8
	SyncAddress    uint8
	Extra          []byte
}

func (e Endpoint) IsAudio() bool {
	return e.Length == 9
}

func (e Endpoint) TransferType() TransferType {
	return TransferType(e.Attributes & 0x03)
}

// AltSetting is one interface descriptor for one alternate setting,
// together with the endpoints it declares.
type AltSetting struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
	Extra             []byte
	Endpoints         []Endpoint
}

// Interface groups every alternate setting sharing an interface number.
type Interface struct {
	AltSettings []AltSetting
}

// Config is the standard configuration descriptor together with every
// interface it declares.
type Config struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8
	Extra              []byte
	Interfaces         []Interface
}

// DeviceCapability is one BOS device capability descriptor. Data holds
// whatever capability-specific payload follows the 3-byte common header.
type DeviceCapability struct {
	Length            uint8
	DescriptorType    uint8
	DevCapabilityType uint8
	Data              []byte
}

// BOS is the Binary Object Store descriptor together with its device
// capabilities.
type BOS struct {
	Length          uint8
	DescriptorType  uint8
	TotalLength     uint16
	NumDeviceCaps   uint8
	DevCapabilities []DeviceCapability
}

// StringTable holds every string descriptor a device exposes, keyed by
// USB language ID, then by string index: element i of a language's list
// answers GET_DESCRIPTOR(STRING, i). Language ID 0 holds the
// supported-languages descriptor at index 0.
type StringTable map[uint16][][]byte

// Tree is the complete, immutable descriptor set for one USB device: one
// device descriptor, one active configuration, the string table, the BOS
// descriptor (if the device has one) and an optional HID report
// descriptor. A real device can expose several configurations, but every
// backing this bridge talks to (live or mock) only ever activates one at
// a time, so the tree tracks the single active configuration rather than
// every configuration a multi-config device could present.
type Tree struct {
	Device  Device
	Config  Config
	Strings StringTable
	BOS     BOS
	Report  []byte
}

// EndpointTransferType walks every interface and alternate setting in the
// active configuration looking for address, and reports its transfer
// type. Endpoint addresses are unique per configuration regardless of
// which alternate setting declares them, matching how a real device's
// host controller resolves ep_transfer_type.
func (t *Tree) EndpointTransferType(address uint8) (TransferType, bool) {
	for _, iface := range t.Config.Interfaces {
		for _, alt := range iface.AltSettings {
			for _, ep := range alt.Endpoints {
				if ep.EndpointAddr == address {
					return ep.TransferType(), true
				}
			}
		}
	}
	return 0, false
}

// INEndpoints returns the endpoint number (direction bit stripped) of
// every IN endpoint declared anywhere in the active configuration, each
// appearing once regardless of how many alternate settings declare it.
func (t *Tree) INEndpoints() []uint8 {
	seen := make(map[uint8]bool)
	var out []uint8
	for _, iface := range t.Config.Interfaces {
		for _, alt := range iface.AltSettings {
			for _, ep := range alt.Endpoints {
				if ep.EndpointAddr&0x80 == 0 {
					continue
				}
				num := ep.EndpointAddr & 0x0f
				if !seen[num] {
					seen[num] = true
					out = append(out, num)
				}
			}
		}
	}
	return out
}

// AltSettingEndpoints returns the endpoints declared by altSetting
// within the interface at ifaceIndex, or nil if either index is out of range.
func (c *Config) AltSettingEndpoints(ifaceIndex, altSetting int) []Endpoint {
	if ifaceIndex < 0 || ifaceIndex >= len(c.Interfaces) {
		return nil
	}
	alts := c.Interfaces[ifaceIndex].AltSettings
	if altSetting < 0 || altSetting >= len(alts) {
		return nil
	}
	return alts[altSetting].Endpoints
}
