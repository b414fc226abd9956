// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"

	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"

	"github.com/efficientgo/core/errors"

	"github.com/vbridge/usbip-bridge/internal/assert"
	"github.com/vbridge/usbip-bridge/usbdesc"
	"github.com/vbridge/usbip-bridge/wire"
	"github.com/vbridge/usbip-bridge/xfer"
)

// handleEndpoint answers a SUBMIT on a non-zero endpoint: IN transfers
// are recorded against the endpoint's Sender queue and submitted
// non-blocking; OUT transfers are submitted directly, with the
// completion callback building the reply itself.
func (b *Bridge) handleEndpoint(ctx context.Context, cmd *wire.Command) {
	addr := cmd.EndpointAddress()
	tt, err := b.backing.EndpointTransferType(addr)
	if err != nil {
		b.queueSubmitReply(ctx, cmd, -int32(unix.EINVAL), nil, 0, 0)
		return
	}

	if cmd.IsIn() {
		b.submitIN(ctx, cmd, uint8(cmd.Endpoint), tt)
	} else {
		b.submitOUT(ctx, cmd, tt)
	}
}

func (b *Bridge) submitIN(ctx context.Context, cmd *wire.Command, epNum uint8, tt usbdesc.TransferType) {
	q, ok := b.endpoints[epNum]
	if !ok {
		_ = level.Warn(b.logger).Log("msg", "SUBMIT for an IN endpoint absent from the descriptor tree", "endpoint", epNum)
		b.queueSubmitReply(ctx, cmd, -int32(unix.EINVAL), nil, 0, 0)
		return
	}

	tr := buildTransfer(cmd, tt)
	b.rememberInFlight(cmd.SeqNum, tr)

	onComplete := func(tr *xfer.Transfer) {
		b.forgetInFlight(cmd.SeqNum)
		b.metrics.observeComplete(epNum, wire.DirIn, tr.Status)
		select {
		case q.data <- frameFromTransfer(tr):
		case <-ctx.Done():
		}
		b.metrics.setQueueDepth(epNum, len(q.data))
	}

	if err := b.submitByType(tr, tt, onComplete); err != nil {
		b.forgetInFlight(cmd.SeqNum)
		b.queueSubmitReply(ctx, cmd, statusFromError(err), nil, 0, 0)
		return
	}

	b.metrics.observeSubmit(epNum, wire.DirIn)
	select {
	case q.commands <- cmd:
	case <-ctx.Done():
		return
	}
	b.metrics.setQueueDepth(epNum, len(q.commands))
}

func (b *Bridge) submitOUT(ctx context.Context, cmd *wire.Command, tt usbdesc.TransferType) {
	tr := buildTransfer(cmd, tt)
	epNum := uint8(cmd.Endpoint)
	b.rememberInFlight(cmd.SeqNum, tr)

	onComplete := func(tr *xfer.Transfer) {
		b.forgetInFlight(cmd.SeqNum)
		b.metrics.observeComplete(epNum, wire.DirOut, tr.Status)
		b.queueSubmitReply(ctx, cmd, statusFromTransferStatus(tr.Status), nil, int32(tr.ActualLength), tr.ErrorCount)
	}

	if err := b.submitByType(tr, tt, onComplete); err != nil {
		b.forgetInFlight(cmd.SeqNum)
		b.queueSubmitReply(ctx, cmd, statusFromError(err), nil, 0, 0)
		return
	}
	b.metrics.observeSubmit(epNum, wire.DirOut)
}

func (b *Bridge) submitByType(tr *xfer.Transfer, tt usbdesc.TransferType, onComplete func(*xfer.Transfer)) error {
	switch tt {
	case usbdesc.TransferBulk:
		return b.backing.SubmitBulk(tr, onComplete)
	case usbdesc.TransferInterrupt:
		return b.backing.SubmitInterrupt(tr, onComplete)
	case usbdesc.TransferIsochronous:
		return b.backing.SubmitISO(tr, onComplete)
	default:
		return errors.Newf("unsupported transfer type %v for a data endpoint", tt)
	}
}

// buildTransfer prepares a *xfer.Transfer from cmd, sizing and filling
// its buffer and ISO packet table according to direction and transfer
// type. IN submissions carry no payload on the wire; OUT submissions
// carry the data (and, for ISO, a trailing per-packet length table) in
// cmd.Payload.
func buildTransfer(cmd *wire.Command, tt usbdesc.TransferType) *xfer.Transfer {
	tr := &xfer.Transfer{
		Endpoint: cmd.EndpointAddress(),
		Type:     tt,
		SeqNum:   cmd.SeqNum,
		DevID:    cmd.DevID,
	}

	switch {
	case tt == usbdesc.TransferIsochronous && cmd.IsIn():
		tr.Buffer = make([]byte, cmd.TransferBufferLength)
		tr.IsoPackets = isoPacketsEqualSize(cmd.TransferBufferLength, cmd.NumberOfPackets)
	case tt == usbdesc.TransferIsochronous && cmd.IsOut():
		tr.Buffer, tr.IsoPackets = splitOutISOPayload(cmd.Payload, int(cmd.NumberOfPackets))
	case cmd.IsIn():
		tr.Buffer = make([]byte, cmd.TransferBufferLength)
	default:
		tr.Buffer = cmd.Payload
	}
	return tr
}

// isoPacketsEqualSize builds the packet table for an IN isochronous
// submission, which carries no per-packet descriptors on the wire: the
// kernel expects n equally-sized packets summing to the transfer buffer.
func isoPacketsEqualSize(transferBufferLength, numberOfPackets int32) []xfer.IsoPacket {
	if numberOfPackets <= 0 {
		return nil
	}
	packets := make([]xfer.IsoPacket, numberOfPackets)
	size := uint32(transferBufferLength) / uint32(numberOfPackets)
	for i := range packets {
		packets[i].Length = size
	}
	return packets
}

// splitOutISOPayload separates an OUT isochronous submission's data from
// its trailing per-packet descriptor table.
func splitOutISOPayload(payload []byte, count int) ([]byte, []xfer.IsoPacket) {
	if count <= 0 {
		return payload, nil
	}
	descBytes := count * wire.IsoPacketDescriptorSize
	if descBytes > len(payload) {
		return payload, nil
	}
	dataSize := len(payload) - descBytes
	descs, err := wire.DecodeIsoPacketDescriptors(payload[dataSize:], count)
	if err != nil {
		return payload[:dataSize], nil
	}

	packets := make([]xfer.IsoPacket, count)
	for i, d := range descs {
		packets[i].Length = d.Length
	}
	return payload[:dataSize], packets
}

// frameFromTransfer packs a completed IN transfer's data for handoff to
// a Sender, appending big-endian ISO packet descriptors after the data
// for isochronous transfers and tallying error_count from their
// per-packet statuses.
func frameFromTransfer(tr *xfer.Transfer) inDataFrame {
	assert.Assertf(tr.ActualLength <= uint32(len(tr.Buffer)), "transfer reported actual length %d exceeding its %d byte buffer", tr.ActualLength, len(tr.Buffer))

	if len(tr.IsoPackets) == 0 {
		buf := make([]byte, tr.ActualLength)
		copy(buf, tr.Buffer[:tr.ActualLength])
		return inDataFrame{buffer: buf, status: tr.Status}
	}

	descs := make([]wire.IsoPacketDescriptor, len(tr.IsoPackets))
	var offset uint32
	var errorCount int32
	for i, p := range tr.IsoPackets {
		descs[i] = wire.IsoPacketDescriptor{
			Offset:       offset,
			Length:       p.Length,
			ActualLength: p.ActualLength,
			Status:       int32(p.Status),
		}
		offset += p.ActualLength
		if p.Status != xfer.StatusCompleted {
			errorCount++
		}
	}

	descBytes := wire.EncodeIsoPacketDescriptors(descs)
	buf := make([]byte, offset+uint32(len(descBytes)))
	copy(buf, tr.Buffer[:offset])
	copy(buf[offset:], descBytes)
	return inDataFrame{buffer: buf, isoDescriptorSize: len(descBytes), errorCount: errorCount, status: tr.Status}
}
