// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/vbridge/usbip-bridge/backing"
	"github.com/vbridge/usbip-bridge/pluginabi"
	"github.com/vbridge/usbip-bridge/usbdesc"
	"github.com/vbridge/usbip-bridge/wire"
)

// echoPlugin fills IN transfers with a fixed payload and answers every
// control setup with controlReply, completing everything synchronously.
type echoPlugin struct {
	payload      []byte
	controlReply []byte
}

func (p *echoPlugin) OnTransferRequest(tc pluginabi.TransferControl) {
	if tc.IsIn() {
		tc.Fill(p.payload)
	}
	tc.Complete()
}
func (p *echoPlugin) OnControlSetup(setup wire.ControlSetup, data []byte) int {
	return copy(data, p.controlReply)
}
func (p *echoPlugin) OnSetConfiguration(index uint8) int      { return 0 }
func (p *echoPlugin) OnSetInterface(iface, alt uint8) int     { return 0 }
func (p *echoPlugin) OnTransferComplete(pluginabi.TransferControl) {}

func testTree() *usbdesc.Tree {
	return &usbdesc.Tree{
		Device: usbdesc.Device{
			Length: 18, DescriptorType: usbdesc.DescriptorTypeDevice,
			VendorID: 0x1d6b, ProductID: 0x0104, NumConfigurations: 1,
		},
		Config: usbdesc.Config{
			Length: 9, DescriptorType: usbdesc.DescriptorTypeConfig,
			TotalLength: 9, NumInterfaces: 1, ConfigurationValue: 1,
			Interfaces: []usbdesc.Interface{
				{AltSettings: []usbdesc.AltSetting{
					{
						Endpoints: []usbdesc.Endpoint{
							{Length: 7, DescriptorType: usbdesc.DescriptorTypeEndpoint, EndpointAddr: 0x81, Attributes: 0x02},
							{Length: 7, DescriptorType: usbdesc.DescriptorTypeEndpoint, EndpointAddr: 0x02, Attributes: 0x02},
						},
					},
				}},
			},
		},
	}
}

type submitWire struct {
	Command              uint32
	SeqNum               uint32
	DevID                uint32
	Direction            uint32
	Endpoint             uint32
	TransferFlags        uint32
	TransferBufferLength int32
	StartFrame           int32
	NumberOfPackets      int32
	Interval             int32
	Setup                [8]byte
}

func encodeSubmit(seqnum, devid, ep, dir uint32, bufLen int32, setup [8]byte) []byte {
	w := submitWire{
		Command: 1, SeqNum: seqnum, DevID: devid, Direction: dir, Endpoint: ep,
		TransferBufferLength: bufLen, Setup: setup,
	}
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, w)
	return buf.Bytes()
}

type unlinkWire struct {
	Command      uint32
	SeqNum       uint32
	DevID        uint32
	Direction    uint32
	Endpoint     uint32
	UnlinkSeqNum uint32
	_            [24]byte
}

func encodeUnlink(seqnum, devid, unlinkSeqnum uint32) []byte {
	w := unlinkWire{Command: 2, SeqNum: seqnum, DevID: devid, UnlinkSeqNum: unlinkSeqnum}
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, w)
	return buf.Bytes()
}

type retSubmitHeader struct {
	Command         uint32
	SeqNum          uint32
	DevID           uint32
	Direction       uint32
	Endpoint        uint32
	Status          int32
	ActualLength    int32
	StartFrame      int32
	NumberOfPackets int32
	ErrorCount      int32
	_               [8]byte
}

func readRetSubmit(t *testing.T, conn net.Conn) (retSubmitHeader, []byte) {
	t.Helper()
	raw := make([]byte, wire.HeaderSize)
	if _, err := readFull(conn, raw); err != nil {
		t.Fatalf("reading reply header: %v", err)
	}
	var hdr retSubmitHeader
	if err := binary.Read(bytes.NewReader(raw), binary.BigEndian, &hdr); err != nil {
		t.Fatalf("decoding reply header: %v", err)
	}

	var payload []byte
	if hdr.Direction == uint32(wire.DirIn) && hdr.ActualLength > 0 {
		payload = make([]byte, hdr.ActualLength)
		if _, err := readFull(conn, payload); err != nil {
			t.Fatalf("reading reply payload: %v", err)
		}
	}
	return hdr, payload
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func newTestBridge(t *testing.T, plugin pluginabi.Plugin) (net.Conn, *Bridge, func()) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	tree := testTree()
	bk := backing.NewMockBacking(tree, plugin)
	b := New(serverConn, bk, 1, tree, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = b.Start(ctx)
		close(done)
	}()

	stop := func() {
		cancel()
		_ = clientConn.Close()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
	return clientConn, b, stop
}

func TestBridgeGetDeviceDescriptor(t *testing.T) {
	client, _, stop := newTestBridge(t, &echoPlugin{})
	defer stop()

	setup := [8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}
	req := encodeSubmit(1, 1, 0, uint32(wire.DirIn), 18, setup)
	if _, err := client.Write(req); err != nil {
		t.Fatal(err)
	}

	hdr, payload := readRetSubmit(t, client)
	if hdr.Status != 0 {
		t.Fatalf("status = %d, want 0", hdr.Status)
	}
	if len(payload) != 18 {
		t.Fatalf("payload len = %d, want 18", len(payload))
	}
	if payload[0] != 18 || payload[1] != usbdesc.DescriptorTypeDevice {
		t.Errorf("unexpected device descriptor prefix: %v", payload[:2])
	}
}

func TestBridgeBulkOutRoundTrip(t *testing.T) {
	client, _, stop := newTestBridge(t, &echoPlugin{})
	defer stop()

	payload := []byte{1, 2, 3, 4}
	req := encodeSubmit(5, 1, 2, uint32(wire.DirOut), int32(len(payload)), [8]byte{})
	if _, err := client.Write(req); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Write(payload); err != nil {
		t.Fatal(err)
	}

	hdr, _ := readRetSubmit(t, client)
	if hdr.Status != 0 {
		t.Fatalf("status = %d, want 0", hdr.Status)
	}
	if hdr.ActualLength != int32(len(payload)) {
		t.Errorf("actual_length = %d, want %d", hdr.ActualLength, len(payload))
	}
}

func TestBridgeBulkInRoundTrip(t *testing.T) {
	payload := []byte{9, 8, 7, 6, 5}
	client, _, stop := newTestBridge(t, &echoPlugin{payload: payload})
	defer stop()

	req := encodeSubmit(7, 1, 1, uint32(wire.DirIn), int32(len(payload)), [8]byte{})
	if _, err := client.Write(req); err != nil {
		t.Fatal(err)
	}

	hdr, reply := readRetSubmit(t, client)
	if hdr.Status != 0 {
		t.Fatalf("status = %d, want 0", hdr.Status)
	}
	if string(reply) != string(payload) {
		t.Errorf("reply payload = %v, want %v", reply, payload)
	}
}

func TestBridgeUnknownEndpointRejected(t *testing.T) {
	client, _, stop := newTestBridge(t, &echoPlugin{})
	defer stop()

	req := encodeSubmit(11, 1, 5, uint32(wire.DirOut), 0, [8]byte{})
	if _, err := client.Write(req); err != nil {
		t.Fatal(err)
	}

	hdr, _ := readRetSubmit(t, client)
	if hdr.Status == 0 {
		t.Fatal("expected a nonzero status for an undeclared endpoint")
	}
}

func TestBridgeUnlinkRepliesImmediately(t *testing.T) {
	client, _, stop := newTestBridge(t, &echoPlugin{})
	defer stop()

	req := encodeUnlink(21, 1, 999)
	if _, err := client.Write(req); err != nil {
		t.Fatal(err)
	}

	raw := make([]byte, wire.HeaderSize)
	if _, err := readFull(client, raw); err != nil {
		t.Fatal(err)
	}
	if binary.BigEndian.Uint32(raw[0:4]) != uint32(wire.RetUnlink) {
		t.Errorf("command = %d, want RET_UNLINK", binary.BigEndian.Uint32(raw[0:4]))
	}
	if binary.BigEndian.Uint32(raw[4:8]) != 21 {
		t.Errorf("seqnum = %d, want 21", binary.BigEndian.Uint32(raw[4:8]))
	}
	// the victim seqnum was never in flight, so RET_UNLINK reports success.
	status := int32(binary.BigEndian.Uint32(raw[20:24]))
	if status != 0 {
		t.Errorf("status = %d, want 0", status)
	}
}

// stallingPlugin never completes a transfer on its own, so it stays
// outstanding until something else (an UNLINK-driven cancel) resolves it.
type stallingPlugin struct{}

func (p *stallingPlugin) OnTransferRequest(pluginabi.TransferControl)   {}
func (p *stallingPlugin) OnControlSetup(wire.ControlSetup, []byte) int  { return 0 }
func (p *stallingPlugin) OnSetConfiguration(index uint8) int           { return 0 }
func (p *stallingPlugin) OnSetInterface(iface, alt uint8) int          { return 0 }
func (p *stallingPlugin) OnTransferComplete(pluginabi.TransferControl) {}

func TestBridgeUnlinkCancelsInFlightTransfer(t *testing.T) {
	client, _, stop := newTestBridge(t, &stallingPlugin{})
	defer stop()

	submitReq := encodeSubmit(30, 1, 2, uint32(wire.DirOut), 2, [8]byte{})
	if _, err := client.Write(submitReq); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Write([]byte{0xaa, 0xbb}); err != nil {
		t.Fatal(err)
	}

	unlinkReq := encodeUnlink(31, 1, 30)
	if _, err := client.Write(unlinkReq); err != nil {
		t.Fatal(err)
	}

	raw := make([]byte, wire.HeaderSize)
	if _, err := readFull(client, raw); err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	kind := binary.BigEndian.Uint32(raw[0:4])
	seqnum := binary.BigEndian.Uint32(raw[4:8])
	status := int32(binary.BigEndian.Uint32(raw[20:24]))
	if kind != uint32(wire.RetUnlink) || seqnum != 31 {
		t.Fatalf("first reply: kind=%d seqnum=%d, want RET_UNLINK for seqnum 31", kind, seqnum)
	}
	if status != -104 { // -ECONNRESET
		t.Errorf("RET_UNLINK status = %d, want -104", status)
	}

	// The cancelled victim's RET_SUBMIT is dropped by the Writer, so
	// nothing else may arrive for seqnum 30.
	_ = client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, err := readFull(client, raw); err == nil {
		t.Errorf("unexpected reply after RET_UNLINK: kind=%d seqnum=%d",
			binary.BigEndian.Uint32(raw[0:4]), binary.BigEndian.Uint32(raw[4:8]))
	}
}

// TestBridgeUnlinkCancelsInFlightINTransfer exercises the Sender path: an
// IN transfer cancelled via UNLINK completes through its endpoint's
// Sender, and the Writer drops that RET_SUBMIT, so the kernel only sees
// the RET_UNLINK.
func TestBridgeUnlinkCancelsInFlightINTransfer(t *testing.T) {
	client, _, stop := newTestBridge(t, &stallingPlugin{})
	defer stop()

	submitReq := encodeSubmit(40, 1, 1, uint32(wire.DirIn), 2, [8]byte{})
	if _, err := client.Write(submitReq); err != nil {
		t.Fatal(err)
	}

	unlinkReq := encodeUnlink(41, 1, 40)
	if _, err := client.Write(unlinkReq); err != nil {
		t.Fatal(err)
	}

	raw := make([]byte, wire.HeaderSize)
	if _, err := readFull(client, raw); err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	kind := binary.BigEndian.Uint32(raw[0:4])
	seqnum := binary.BigEndian.Uint32(raw[4:8])
	status := int32(binary.BigEndian.Uint32(raw[20:24]))
	if kind != uint32(wire.RetUnlink) || seqnum != 41 {
		t.Fatalf("first reply: kind=%d seqnum=%d, want RET_UNLINK for seqnum 41", kind, seqnum)
	}
	if status != -104 { // -ECONNRESET
		t.Errorf("RET_UNLINK status = %d, want -104", status)
	}

	_ = client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, err := readFull(client, raw); err == nil {
		t.Errorf("unexpected reply after RET_UNLINK: kind=%d seqnum=%d",
			binary.BigEndian.Uint32(raw[0:4]), binary.BigEndian.Uint32(raw[4:8]))
	}
}
