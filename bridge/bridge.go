// SPDX-License-Identifier: Apache-2.0

// Package bridge is the control brain that drives one USB/IP virtual
// device: a Reader, an Executor, a Writer, and one Sender per IN endpoint
// actually declared by the device's descriptor tree, coordinated with
// github.com/oklog/run.Group exactly as the teacher's main.go coordinates
// its own long-lived goroutines.
package bridge

import (
	"context"
	baseerrors "errors"
	"io"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"golang.org/x/sys/unix"

	"github.com/vbridge/usbip-bridge/backing"
	"github.com/vbridge/usbip-bridge/internal/assert"
	"github.com/vbridge/usbip-bridge/usbdesc"
	"github.com/vbridge/usbip-bridge/wire"
	"github.com/vbridge/usbip-bridge/xfer"
)

const (
	inboundQueueDepth  = 64
	outboundQueueDepth = 64
	endpointQueueDepth = 16
)

// endpointQueues holds the per-IN-endpoint command/data pairing queues a
// Sender goroutine pulls from, mirroring the original's in_commands_ and
// in_data_ arrays.
type endpointQueues struct {
	commands chan *wire.Command
	data     chan inDataFrame
}

// inDataFrame is one completed IN transfer's payload, already packed with
// any trailing ISO packet descriptors, waiting to be paired with the
// command that requested it.
type inDataFrame struct {
	buffer            []byte
	isoDescriptorSize int
	errorCount        int32
	status            xfer.Status
}

// replyFrame is one outbound USB/IP reply, queued for the Writer.
type replyFrame struct {
	seqnum  uint32
	kind    wire.Kind
	header  []byte
	payload []byte
}

// Bridge drives exactly one virtual USB device over conn, dispatching
// every command to backing and replying once the backing (or a locally
// satisfied request) resolves it.
type Bridge struct {
	conn    io.ReadWriteCloser
	backing backing.Backing
	devID   uint32
	logger  log.Logger
	metrics *Metrics

	inbound  chan *wire.Command
	outbound chan replyFrame

	mu       sync.Mutex
	inFlight map[uint32]*xfer.Transfer

	unlinkedMu sync.Mutex
	unlinked   map[uint32]struct{}

	endpoints map[uint8]*endpointQueues
}

// New constructs a Bridge that will serve descriptor-driven requests from
// tree and forward everything else to bk. One Sender goroutine is set up
// per IN endpoint tree declares; logger and metrics default to no-ops
// when nil.
func New(conn io.ReadWriteCloser, bk backing.Backing, devID uint32, tree *usbdesc.Tree, logger log.Logger, metrics *Metrics) *Bridge {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	b := &Bridge{
		conn:      conn,
		backing:   bk,
		devID:     devID,
		logger:    logger,
		metrics:   metrics,
		inbound:   make(chan *wire.Command, inboundQueueDepth),
		outbound:  make(chan replyFrame, outboundQueueDepth),
		inFlight:  make(map[uint32]*xfer.Transfer),
		unlinked:  make(map[uint32]struct{}),
		endpoints: make(map[uint8]*endpointQueues),
	}
	for _, ep := range tree.INEndpoints() {
		b.endpoints[ep] = &endpointQueues{
			commands: make(chan *wire.Command, endpointQueueDepth),
			data:     make(chan inDataFrame, endpointQueueDepth),
		}
	}
	return b
}

// Start launches the Reader, Executor, Writer, and every Sender goroutine
// and blocks until one of them exits, at which point it cancels and
// drains the rest, waits for every in-flight transfer to resolve through
// the backing, and returns the error that triggered the shutdown (nil on
// a clean EOF from the kernel or a caller-cancelled ctx).
func (b *Bridge) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		if err := b.backing.CancelTransfers(context.Background()); err != nil {
			_ = level.Warn(b.logger).Log("msg", "failed to drain in-flight transfers during shutdown", "err", err)
		}
	}()

	var g run.Group
	g.Add(func() error {
		return b.readLoop(ctx)
	}, func(error) {
		cancel()
		_ = b.conn.Close()
	})
	g.Add(func() error {
		return b.executeLoop(ctx)
	}, func(error) {
		cancel()
	})
	g.Add(func() error {
		return b.writeLoop(ctx)
	}, func(error) {
		cancel()
	})
	for ep := range b.endpoints {
		ep := ep
		g.Add(func() error {
			return b.senderLoop(ctx, ep)
		}, func(error) {
			cancel()
		})
	}

	err := g.Run()
	cancel()
	<-drained
	return err
}

// readLoop is the sole reader of the endpoint socket: header, then any
// payload, then handoff to the Executor.
func (b *Bridge) readLoop(ctx context.Context) error {
	for {
		cmd, err := wire.DecodeHeader(b.conn)
		if err != nil {
			if ctx.Err() != nil || baseerrors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := wire.ReadPayload(b.conn, cmd); err != nil {
			return err
		}

		select {
		case b.inbound <- cmd:
		case <-ctx.Done():
			return nil
		}
	}
}

// executeLoop is the sole consumer of the inbound queue.
func (b *Bridge) executeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-b.inbound:
			b.dispatch(ctx, cmd)
		}
	}
}

func (b *Bridge) dispatch(ctx context.Context, cmd *wire.Command) {
	switch {
	case cmd.IsUnlink():
		b.handleUnlink(ctx, cmd)
	case cmd.IsControl():
		b.handleControl(ctx, cmd)
	default:
		b.handleEndpoint(ctx, cmd)
	}
}

// writeLoop is the sole writer of the endpoint socket. Before sending a
// RET_SUBMIT it checks the unlinked set: a victim transfer that completed
// on its own after an UNLINK already answered for it must not also get a
// RET_SUBMIT, or the kernel would see two replies for one seqnum.
func (b *Bridge) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case rep := <-b.outbound:
			if rep.kind == wire.RetSubmit && b.consumeUnlinked(rep.seqnum) {
				_ = level.Debug(b.logger).Log("msg", "dropping RET_SUBMIT for a seqnum already unlinked", "seqnum", rep.seqnum)
				continue
			}

			if _, err := b.conn.Write(rep.header); err != nil {
				return err
			}
			if len(rep.payload) > 0 {
				if _, err := b.conn.Write(rep.payload); err != nil {
					return err
				}
			}
		}
	}
}

// senderLoop pairs the next pending IN command for ep with the next
// completed data frame, FIFO, and synthesizes the RET_SUBMIT reply.
func (b *Bridge) senderLoop(ctx context.Context, ep uint8) error {
	q := b.endpoints[ep]
	for {
		var cmd *wire.Command
		select {
		case cmd = <-q.commands:
		case <-ctx.Done():
			return nil
		}

		var frame inDataFrame
		select {
		case frame = <-q.data:
		case <-ctx.Done():
			return nil
		}

		assert.Assertf(frame.isoDescriptorSize <= len(frame.buffer), "sender frame's iso descriptor table (%d bytes) is larger than its buffer (%d bytes)", frame.isoDescriptorSize, len(frame.buffer))
		dataSize := len(frame.buffer) - frame.isoDescriptorSize
		b.queueSubmitReply(ctx, cmd, statusFromTransferStatus(frame.status), frame.buffer, int32(dataSize), frame.errorCount)
	}
}

// handleUnlink answers a CMD_UNLINK. Its RET_UNLINK status reports
// whether the victim transfer was actually still outstanding: 0 if it
// had already completed (or never existed), -ECONNRESET if this UNLINK
// is the one cancelling it. The unlinked set is marked regardless, so
// the Writer can drop a RET_SUBMIT for the victim that was already in
// flight to the socket when the victim completed on its own.
func (b *Bridge) handleUnlink(ctx context.Context, cmd *wire.Command) {
	b.insertUnlinked(cmd.UnlinkSeqNum)

	status := int32(0)
	if tr, ok := b.lookupInFlight(cmd.UnlinkSeqNum); ok {
		status = -int32(unix.ECONNRESET)
		go func() {
			if _, err := b.backing.CancelTransfer(ctx, tr); err != nil {
				_ = level.Warn(b.logger).Log("msg", "failed to cancel transfer for UNLINK", "seqnum", cmd.UnlinkSeqNum, "err", err)
			}
		}()
	}

	b.enqueueReply(ctx, replyFrame{
		seqnum: cmd.SeqNum,
		kind:   wire.RetUnlink,
		header: wire.EncodeRetUnlink(cmd, status),
	})
}

func (b *Bridge) enqueueReply(ctx context.Context, rep replyFrame) {
	select {
	case b.outbound <- rep:
	case <-ctx.Done():
	}
}

// queueSubmitReply builds and enqueues a RET_SUBMIT reply. data is the
// full reply payload (transfer data plus any trailing ISO descriptors);
// it is only actually sent for IN transfers, matching the wire format's
// OUT completions carrying no payload.
func (b *Bridge) queueSubmitReply(ctx context.Context, cmd *wire.Command, status int32, data []byte, actualLength int32, errorCount int32) {
	header := wire.EncodeRetSubmit(cmd, status, actualLength, errorCount)
	var payload []byte
	if cmd.IsIn() && len(data) > 0 {
		payload = data
	}
	b.enqueueReply(ctx, replyFrame{seqnum: cmd.SeqNum, kind: wire.RetSubmit, header: header, payload: payload})
}

func (b *Bridge) insertUnlinked(seqnum uint32) bool {
	b.unlinkedMu.Lock()
	defer b.unlinkedMu.Unlock()
	if _, exists := b.unlinked[seqnum]; exists {
		return false
	}
	b.unlinked[seqnum] = struct{}{}
	return true
}

func (b *Bridge) consumeUnlinked(seqnum uint32) bool {
	b.unlinkedMu.Lock()
	defer b.unlinkedMu.Unlock()
	if _, ok := b.unlinked[seqnum]; ok {
		delete(b.unlinked, seqnum)
		return true
	}
	return false
}

func (b *Bridge) rememberInFlight(seqnum uint32, tr *xfer.Transfer) {
	b.mu.Lock()
	b.inFlight[seqnum] = tr
	n := len(b.inFlight)
	b.mu.Unlock()
	b.metrics.setInFlight(n)
}

func (b *Bridge) forgetInFlight(seqnum uint32) {
	b.mu.Lock()
	delete(b.inFlight, seqnum)
	n := len(b.inFlight)
	b.mu.Unlock()
	b.metrics.setInFlight(n)
}

func (b *Bridge) lookupInFlight(seqnum uint32) (*xfer.Transfer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tr, ok := b.inFlight[seqnum]
	return tr, ok
}

// statusFromError extracts the errno-style status a RET_SUBMIT/RET_UNLINK
// reply expects from a backing failure, falling back to -1 when the
// backing didn't attach one.
func statusFromError(err error) int32 {
	if err == nil {
		return 0
	}
	var be *backing.BackingError
	if baseerrors.As(err, &be) && be.Status != 0 {
		return be.Status
	}
	return -1
}

// statusFromTransferStatus maps a completed transfer's outcome onto the
// negative-errno space RET_SUBMIT's status field uses.
func statusFromTransferStatus(s xfer.Status) int32 {
	switch s {
	case xfer.StatusCompleted:
		return 0
	case xfer.StatusCancelled:
		return -int32(unix.ECONNRESET)
	case xfer.StatusTimedOut:
		return -int32(unix.ETIMEDOUT)
	case xfer.StatusStall:
		return -int32(unix.EPIPE)
	case xfer.StatusNoDevice:
		return -int32(unix.ENODEV)
	case xfer.StatusOverflow:
		return -int32(unix.EOVERFLOW)
	default:
		return -1
	}
}
