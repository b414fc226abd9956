// SPDX-License-Identifier: Apache-2.0

// Package backing is the surface the bridge engine drives a USB device
// through, without caring whether that device is real hardware or a
// mock plugin. LiveBacking talks to a kernel usbfs device node;
// MockBacking dispatches to a pluginabi.Plugin.
package backing

import (
	"context"

	"github.com/vbridge/usbip-bridge/usbdesc"
	"github.com/vbridge/usbip-bridge/wire"
	"github.com/vbridge/usbip-bridge/xfer"
)

// ErrNotFound is returned by descriptor and endpoint lookups that find
// no matching entry.
type ErrNotFound struct {
	What string
}

func (e *ErrNotFound) Error() string { return "backing: not found: " + e.What }

// Backing is the small surface the bridge engine calls. A SetConfiguration
// or SetInterface failure, and every submit failure, is a BackingError.
// The descriptor getters read from an already-loaded descriptor tree;
// ConfigDescriptor reports an error for an index the tree does not hold.
// IsSelfPowered reports false when it cannot determine the power state.
type Backing interface {
	DeviceDescriptor() []byte
	ConfigDescriptor(index uint8) ([]byte, error)
	StringDescriptor(lang uint16, index uint8) []byte
	BOSDescriptor() []byte
	ReportDescriptor() []byte
	EndpointTransferType(addr uint8) (usbdesc.TransferType, error)

	IsSelfPowered() bool

	SetConfiguration(index uint8) error
	SetInterface(iface, alt uint8) error
	CurrentAltSetting(iface uint8) uint8

	// SubmitBulk, SubmitInterrupt, and SubmitISO are non-blocking: the
	// backing takes ownership of tr and invokes onComplete exactly once,
	// on whichever goroutine observes the transfer's completion.
	SubmitBulk(tr *xfer.Transfer, onComplete func(*xfer.Transfer)) error
	SubmitInterrupt(tr *xfer.Transfer, onComplete func(*xfer.Transfer)) error
	SubmitISO(tr *xfer.Transfer, onComplete func(*xfer.Transfer)) error

	// SubmitControl is blocking: it returns the response payload (for an
	// IN control transfer) or an error once the request has actually
	// completed.
	SubmitControl(ctx context.Context, setup wire.ControlSetup, outPayload []byte) ([]byte, error)

	// CancelTransfer cancels tr, which must be a *xfer.Transfer previously
	// handed to one of the Submit methods, and blocks until its completion
	// callback has run, or ctx is done. It reports false if tr is no
	// longer outstanding (it may have already completed on its own).
	CancelTransfer(ctx context.Context, tr *xfer.Transfer) (bool, error)

	// CancelTransfers cancels every transfer currently in flight and
	// blocks until each one's completion callback has run, or ctx is
	// done.
	CancelTransfers(ctx context.Context) error
}

// BackingError wraps a failure from the underlying USB library or mock
// plugin, carrying the errno-style status that should go back to the
// kernel in a RET_SUBMIT/RET_UNLINK reply.
type BackingError struct {
	Status int32
	Err    error
}

func (e *BackingError) Error() string { return e.Err.Error() }
func (e *BackingError) Unwrap() error { return e.Err }
