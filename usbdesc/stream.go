// SPDX-License-Identifier: Apache-2.0

package usbdesc

import (
	"bufio"
	"fmt"
	"io"

	"github.com/efficientgo/core/errors"
)

// textWriter emits the whitespace-separated decimal token stream Save
// produces: every integer field and every collection length is one
// token, collections are a length token followed by that many elements.
type textWriter struct {
	w   io.Writer
	err error
}

func (tw *textWriter) token(v uint64) {
	if tw.err != nil {
		return
	}
	_, tw.err = fmt.Fprintf(tw.w, "%d\n", v)
}

func (tw *textWriter) u8(v uint8)   { tw.token(uint64(v)) }
func (tw *textWriter) u16(v uint16) { tw.token(uint64(v)) }
func (tw *textWriter) bytes(b []byte) {
	tw.token(uint64(len(b)))
	for _, v := range b {
		tw.u8(v)
	}
}

// textReader is the dual of textWriter, scanning whitespace-separated
// decimal tokens out of the stream Save wrote.
type textReader struct {
	sc  *bufio.Scanner
	err error
}

func newTextReader(r io.Reader) *textReader {
	sc := bufio.NewScanner(r)
	sc.Split(bufio.ScanWords)
	return &textReader{sc: sc}
}

func (tr *textReader) token() uint64 {
	if tr.err != nil {
		return 0
	}
	if !tr.sc.Scan() {
		if scanErr := tr.sc.Err(); scanErr != nil {
			tr.err = errors.Wrap(scanErr, "unexpected end of descriptor stream")
		} else {
			tr.err = errors.New("unexpected end of descriptor stream")
		}
		return 0
	}
	var v uint64
	if _, err := fmt.Sscanf(tr.sc.Text(), "%d", &v); err != nil {
		tr.err = errors.Wrap(err, "malformed descriptor stream token")
		return 0
	}
	return v
}

func (tr *textReader) u8() uint8   { return uint8(tr.token()) }
func (tr *textReader) u16() uint16 { return uint16(tr.token()) }
func (tr *textReader) readBytes() []byte {
	n := tr.token()
	if tr.err != nil || n == 0 {
		return nil
	}
	b := make([]byte, n)
	for i := range b {
		b[i] = tr.u8()
	}
	return b
}

func writeEndpoint(tw *textWriter, ep Endpoint) {
	tw.u8(ep.Length)
	tw.u8(ep.DescriptorType)
	tw.u8(ep.EndpointAddr)
	tw.u8(ep.Attributes)
	tw.u16(ep.MaxPacketSize)
	tw.u8(ep.Interval)
	if ep.IsAudio() {
		tw.u8(ep.Refresh)
		tw.u8(ep.SyncAddress)
	}
	tw.bytes(ep.Extra)
}

func readEndpoint(tr *textReader) Endpoint {
	ep := Endpoint{
		Length:         tr.u8(),
		DescriptorType: tr.u8(),
		EndpointAddr:   tr.u8(),
		Attributes:     tr.u8(),
		MaxPacketSize:  tr.u16(),
		Interval:       tr.u8(),
	}
	if ep.IsAudio() {
		ep.Refresh = tr.u8()
		ep.SyncAddress = tr.u8()
	}
	ep.Extra = tr.readBytes()
	return ep
}

func writeAltSetting(tw *textWriter, alt AltSetting) {
	tw.u8(alt.Length)
	tw.u8(alt.DescriptorType)
	tw.u8(alt.InterfaceNumber)
	tw.u8(alt.AlternateSetting)
	tw.u8(alt.NumEndpoints)
	tw.u8(alt.InterfaceClass)
	tw.u8(alt.InterfaceSubClass)
	tw.u8(alt.InterfaceProtocol)
	tw.u8(alt.InterfaceIndex)
	tw.bytes(alt.Extra)
	tw.token(uint64(len(alt.Endpoints)))
	for _, ep := range alt.Endpoints {
		writeEndpoint(tw, ep)
	}
}

func readAltSetting(tr *textReader) AltSetting {
	alt := AltSetting{
		Length:            tr.u8(),
		DescriptorType:    tr.u8(),
		InterfaceNumber:   tr.u8(),
		AlternateSetting:  tr.u8(),
		NumEndpoints:      tr.u8(),
		InterfaceClass:    tr.u8(),
		InterfaceSubClass: tr.u8(),
		InterfaceProtocol: tr.u8(),
		InterfaceIndex:    tr.u8(),
	}
	alt.Extra = tr.readBytes()
	n := tr.token()
	alt.Endpoints = make([]Endpoint, n)
	for i := range alt.Endpoints {
		alt.Endpoints[i] = readEndpoint(tr)
	}
	return alt
}

func writeConfig(tw *textWriter, c Config) {
	tw.u8(c.Length)
	tw.u8(c.DescriptorType)
	tw.u16(c.TotalLength)
	tw.u8(c.NumInterfaces)
	tw.u8(c.ConfigurationValue)
	tw.u8(c.ConfigurationIndex)
	tw.u8(c.Attributes)
	tw.u8(c.MaxPower)
	tw.bytes(c.Extra)
	tw.token(uint64(len(c.Interfaces)))
	for _, iface := range c.Interfaces {
		tw.token(uint64(len(iface.AltSettings)))
		for _, alt := range iface.AltSettings {
			writeAltSetting(tw, alt)
		}
	}
}

func readConfig(tr *textReader) Config {
	c := Config{
		Length:             tr.u8(),
		DescriptorType:     tr.u8(),
		TotalLength:        tr.u16(),
		NumInterfaces:      tr.u8(),
		ConfigurationValue: tr.u8(),
		ConfigurationIndex: tr.u8(),
		Attributes:         tr.u8(),
		MaxPower:           tr.u8(),
	}
	c.Extra = tr.readBytes()
	nIface := tr.token()
	c.Interfaces = make([]Interface, nIface)
	for i := range c.Interfaces {
		nAlt := tr.token()
		alts := make([]AltSetting, nAlt)
		for j := range alts {
			alts[j] = readAltSetting(tr)
		}
		c.Interfaces[i].AltSettings = alts
	}
	return c
}

func writeDeviceCapability(tw *textWriter, dc DeviceCapability) {
	tw.u8(dc.Length)
	tw.u8(dc.DescriptorType)
	tw.u8(dc.DevCapabilityType)
	tw.bytes(dc.Data)
}

func readDeviceCapability(tr *textReader) DeviceCapability {
	dc := DeviceCapability{
		Length:            tr.u8(),
		DescriptorType:    tr.u8(),
		DevCapabilityType: tr.u8(),
	}
	dc.Data = tr.readBytes()
	return dc
}

func writeBOS(tw *textWriter, b BOS) {
	tw.u8(b.Length)
	if b.Length == 0 {
		return
	}
	tw.u8(b.DescriptorType)
	tw.u16(b.TotalLength)
	tw.u8(b.NumDeviceCaps)
	tw.token(uint64(len(b.DevCapabilities)))
	for _, dc := range b.DevCapabilities {
		writeDeviceCapability(tw, dc)
	}
}

func readBOS(tr *textReader) BOS {
	length := tr.u8()
	if length == 0 {
		return BOS{}
	}
	b := BOS{
		Length:         length,
		DescriptorType: tr.u8(),
		TotalLength:    tr.u16(),
		NumDeviceCaps:  tr.u8(),
	}
	n := tr.token()
	b.DevCapabilities = make([]DeviceCapability, n)
	for i := range b.DevCapabilities {
		b.DevCapabilities[i] = readDeviceCapability(tr)
	}
	return b
}

func writeStringTable(tw *textWriter, strs StringTable) {
	tw.token(uint64(len(strs)))
	for lang, list := range strs {
		tw.u16(lang)
		tw.token(uint64(len(list)))
		for _, s := range list {
			tw.bytes(s)
		}
	}
}

func readStringTable(tr *textReader) StringTable {
	n := tr.token()
	strs := make(StringTable, n)
	for i := uint64(0); i < n; i++ {
		lang := tr.u16()
		count := tr.token()
		list := make([][]byte, count)
		for j := range list {
			list[j] = tr.readBytes()
		}
		strs[lang] = list
	}
	return strs
}

// Save writes the tree to w in the whitespace-separated decimal token
// stream format: device descriptor, configuration, string table, report
// descriptor, BOS descriptor, in that order.
func (t *Tree) Save(w io.Writer) error {
	tw := &textWriter{w: w}
	writeDevice(tw, t.Device)
	writeConfig(tw, t.Config)
	writeStringTable(tw, t.Strings)
	tw.bytes(t.Report)
	writeBOS(tw, t.BOS)
	return tw.err
}

func writeDevice(tw *textWriter, d Device) {
	tw.u8(d.Length)
	tw.u8(d.DescriptorType)
	tw.u16(d.USBVersion)
	tw.u8(d.DeviceClass)
	tw.u8(d.DeviceSubClass)
	tw.u8(d.DeviceProtocol)
	tw.u8(d.MaxPacketSize0)
	tw.u16(d.VendorID)
	tw.u16(d.ProductID)
	tw.u16(d.DeviceVersion)
	tw.u8(d.ManufacturerIndex)
	tw.u8(d.ProductIndex)
	tw.u8(d.SerialNumberIndex)
	tw.u8(d.NumConfigurations)
}

func readDevice(tr *textReader) Device {
	return Device{
		Length:            tr.u8(),
		DescriptorType:    tr.u8(),
		USBVersion:        tr.u16(),
		DeviceClass:       tr.u8(),
		DeviceSubClass:    tr.u8(),
		DeviceProtocol:    tr.u8(),
		MaxPacketSize0:    tr.u8(),
		VendorID:          tr.u16(),
		ProductID:         tr.u16(),
		DeviceVersion:     tr.u16(),
		ManufacturerIndex: tr.u8(),
		ProductIndex:      tr.u8(),
		SerialNumberIndex: tr.u8(),
		NumConfigurations: tr.u8(),
	}
}

// Load reads a tree back from r, as written by Save.
func Load(r io.Reader) (*Tree, error) {
	tr := newTextReader(r)

	t := &Tree{
		Device: readDevice(tr),
		Config: readConfig(tr),
	}
	t.Strings = readStringTable(tr)
	t.Report = tr.readBytes()
	t.BOS = readBOS(tr)

	if tr.err != nil {
		return nil, errors.Wrap(tr.err, "failed to load descriptor tree")
	}
	return t, nil
}
