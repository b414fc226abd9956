// SPDX-License-Identifier: Apache-2.0

// Package xfer tracks in-flight USB transfers between submission and
// completion. A Table is the single point of truth for "is this transfer
// still outstanding" that the bridge engine and a Backing share: the
// backing attaches a transfer when the bridge submits it, and the
// backing completes it (exactly once, from whichever thread its event
// loop runs on) when the underlying USB transfer finishes or is
// cancelled.
package xfer

import (
	"context"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"

	"github.com/vbridge/usbip-bridge/usbdesc"
)

// Status mirrors the outcome states a USB transfer can complete in.
type Status int

const (
	StatusCompleted Status = iota
	StatusError
	StatusTimedOut
	StatusCancelled
	StatusStall
	StatusNoDevice
	StatusOverflow
)

// IsoPacket is one isochronous packet's length/status bookkeeping within
// a Transfer's Buffer.
type IsoPacket struct {
	Length       uint32
	ActualLength uint32
	Status       Status
}

// Transfer is one in-flight USB transfer. Its identity for table lookups
// is its own pointer, not any field within it — the table is keyed on
// *Transfer directly, the same way the USB library's completion callback
// is handed back the exact transfer object it was given at submission.
type Transfer struct {
	Endpoint   uint8
	Type       usbdesc.TransferType
	Buffer     []byte
	IsoPackets []IsoPacket

	ActualLength uint32
	Status       Status
	ErrorCount   int32

	// SeqNum and DevID identify the USB/IP command this transfer answers,
	// so the bridge can build the RET_SUBMIT reply once the backing
	// reports completion.
	SeqNum uint32
	DevID  uint32
}

// Table is a concurrency-safe set of outstanding transfers, keyed by
// transfer identity, each with a completion callback.
type Table struct {
	mu      sync.Mutex
	pending map[*Transfer]func(*Transfer)
}

// NewTable constructs an empty Table.
func NewTable() *Table {
	return &Table{pending: make(map[*Transfer]func(*Transfer))}
}

// Attach registers tr as outstanding, to be resolved by a later call to
// Complete. It is an error to attach the same *Transfer twice without an
// intervening Complete.
func (t *Table) Attach(tr *Transfer, onComplete func(*Transfer)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.pending[tr]; exists {
		return errors.New("transfer already attached to table")
	}
	t.pending[tr] = onComplete
	return nil
}

// Complete removes tr from the table and invokes its completion callback.
// The callback runs outside the table's lock, so it may safely attach
// further transfers or call back into the table.
func (t *Table) Complete(tr *Transfer) error {
	t.mu.Lock()
	onComplete, ok := t.pending[tr]
	if ok {
		delete(t.pending, tr)
	}
	t.mu.Unlock()

	if !ok {
		return errors.New("completed transfer was not attached to table")
	}
	onComplete(tr)
	return nil
}

// Len reports the number of outstanding transfers.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Pending returns a snapshot of every currently outstanding transfer.
func (t *Table) Pending() []*Transfer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Transfer, 0, len(t.pending))
	for tr := range t.pending {
		out = append(out, tr)
	}
	return out
}

// Cancel asks cancel to request cancellation of tr, then blocks until it
// has been resolved through Complete, or until ctx is done. It reports
// false if tr is not currently outstanding (it may have already
// completed on its own), in which case cancel is never called.
func (t *Table) Cancel(ctx context.Context, tr *Transfer, cancel func(*Transfer)) (bool, error) {
	t.mu.Lock()
	_, ok := t.pending[tr]
	t.mu.Unlock()
	if !ok {
		return false, nil
	}

	cancel(tr)

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		t.mu.Lock()
		_, stillPending := t.pending[tr]
		t.mu.Unlock()
		if !stillPending {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CancelAll asks cancel to request cancellation of every transfer
// currently outstanding, then blocks until the table has drained — i.e.
// until every cancelled transfer has been resolved through Complete — or
// until ctx is done.
func (t *Table) CancelAll(ctx context.Context, cancel func(*Transfer)) error {
	for _, tr := range t.Pending() {
		cancel(tr)
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if t.Len() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
