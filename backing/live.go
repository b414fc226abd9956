// SPDX-License-Identifier: Apache-2.0

package backing

import (
	"context"
	baseerrors "errors"
	"sync"
	"unsafe"

	"github.com/efficientgo/core/errors"
	"golang.org/x/sys/unix"

	"github.com/vbridge/usbip-bridge/usbdesc"
	"github.com/vbridge/usbip-bridge/wire"
	"github.com/vbridge/usbip-bridge/xfer"
)

// usbfs ioctl request codes, as defined by linux/usbdevice_fs.h. There is
// no ecosystem binding for these in the retrieved pack; every USB
// userspace library that talks directly to usbfs (rather than going
// through libusb) defines this same table itself.
const (
	usbdevfsControl          = 0xc0185500
	usbdevfsClaimInterface   = 0x8004550f
	usbdevfsReleaseInterface = 0x80045510
	usbdevfsSetInterface     = 0x80085504
	usbdevfsSetConfiguration = 0x80045505
	usbdevfsSubmitURB        = 0x8038550a
	usbdevfsDiscardURB       = 0x0000550b
	usbdevfsReapURB          = 0x4008550c
	usbdevfsDisconnect       = 0x00005516
	usbdevfsConnect          = 0x00005517
)

const (
	urbTypeISO       uint8 = 0
	urbTypeInterrupt uint8 = 1
	urbTypeControl   uint8 = 2
	urbTypeBulk      uint8 = 3

	urbISOASAP uint32 = 0x02
)

// urb mirrors struct usbdevfs_urb's fixed-size prefix. Isochronous packet
// descriptors, when present, immediately follow it in the same
// allocation — urbBuffer below holds both.
type urb struct {
	Type            uint8
	Endpoint        uint8
	Status          int32
	Flags           uint32
	Buffer          unsafe.Pointer
	BufferLength    int32
	ActualLength    int32
	StartFrame      int32
	NumberOfPackets int32
	ErrorCount      int32
	SignalNumber    uint32
	UserContext     uintptr
}

type usbfsISOPacketDesc struct {
	Length       uint32
	ActualLength uint32
	Status       uint32
}

type usbfsControlRequest struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
	Timeout     uint32
	Data        unsafe.Pointer
}

// LiveBacking drives exactly one real USB device through its usbfs
// device node. It auto-detaches any kernel driver and claims every
// interface on construction, maintains a per-interface altsetting
// cache, and runs a single reaper goroutine that is the sole caller of
// USBDEVFS_REAPURB — mirroring go-usb's DeviceHandle.reapLoop, adapted to
// feed a *xfer.Table instead of a private map keyed by URB pointer, so
// that completion bookkeeping and cancellation share the same table the
// mock backing uses.
type LiveBacking struct {
	fd   int
	tree *usbdesc.Tree

	mu            sync.Mutex
	claimedIfaces map[uint8]bool
	altSettings   map[uint8]uint8
	activeConfig  uint8
	closed        bool

	table *xfer.Table

	urbMu sync.Mutex
	urbs  map[*urb]*xfer.Transfer
}

// OpenLiveBacking opens the usbfs device node at devicePath, detaches any
// kernel driver from and claims every interface named in tree's
// configuration, then starts the reaper goroutine.
func OpenLiveBacking(devicePath string, tree *usbdesc.Tree) (*LiveBacking, error) {
	fd, err := unix.Open(devicePath, unix.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", devicePath)
	}

	l := &LiveBacking{
		fd:            fd,
		tree:          tree,
		claimedIfaces: make(map[uint8]bool),
		altSettings:   make(map[uint8]uint8),
		table:         xfer.NewTable(),
		urbs:          make(map[*urb]*xfer.Transfer),
	}

	for i := range tree.Config.Interfaces {
		ifaceNum := uint8(i)
		if err := l.detachKernelDriver(ifaceNum); err != nil {
			_ = unix.Close(fd)
			return nil, err
		}
		if err := l.claimInterfaceLocked(ifaceNum); err != nil {
			_ = unix.Close(fd)
			return nil, err
		}
	}

	go l.reapLoop()
	return l, nil
}

func (l *LiveBacking) detachKernelDriver(iface uint8) error {
	ifaceNum := uint32(iface)
	if err := ioctl(l.fd, usbdevfsDisconnect, unsafe.Pointer(&ifaceNum)); err != nil {
		if baseerrors.Is(err, unix.ENODATA) || baseerrors.Is(err, unix.ENOENT) {
			return nil
		}
		return errors.Wrapf(err, "failed to detach kernel driver from interface %d", iface)
	}
	return nil
}

func (l *LiveBacking) claimInterfaceLocked(iface uint8) error {
	ifaceNum := uint32(iface)
	if err := ioctl(l.fd, usbdevfsClaimInterface, unsafe.Pointer(&ifaceNum)); err != nil {
		return errors.Wrapf(err, "failed to claim interface %d", iface)
	}
	l.claimedIfaces[iface] = true
	return nil
}

// Close releases every claimed interface, reattaches kernel drivers where
// possible, and closes the device node. The reaper goroutine observes
// closure on its next reap and exits.
func (l *LiveBacking) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	for iface := range l.claimedIfaces {
		ifaceNum := uint32(iface)
		_ = ioctl(l.fd, usbdevfsReleaseInterface, unsafe.Pointer(&ifaceNum))
		_ = ioctl(l.fd, usbdevfsConnect, unsafe.Pointer(&ifaceNum))
	}
	l.mu.Unlock()

	return unix.Close(l.fd)
}

func (l *LiveBacking) DeviceDescriptor() []byte { return l.tree.PackDeviceDescriptor() }

func (l *LiveBacking) ConfigDescriptor(index uint8) ([]byte, error) {
	data, err := l.tree.PackConfigDescriptor(index)
	if err != nil {
		return nil, &ErrNotFound{What: "config descriptor"}
	}
	return data, nil
}

func (l *LiveBacking) StringDescriptor(lang uint16, index uint8) []byte {
	data, err := l.tree.PackStringDescriptor(lang, index)
	if err != nil {
		return nil
	}
	return data
}

func (l *LiveBacking) BOSDescriptor() []byte    { return l.tree.PackBOSDescriptor() }
func (l *LiveBacking) ReportDescriptor() []byte { return l.tree.PackReportDescriptor() }

func (l *LiveBacking) EndpointTransferType(addr uint8) (usbdesc.TransferType, error) {
	tt, ok := l.tree.EndpointTransferType(addr)
	if !ok {
		return 0, &ErrNotFound{What: "endpoint"}
	}
	return tt, nil
}

func (l *LiveBacking) IsSelfPowered() bool {
	status, err := l.getStatus(0x80, 0)
	if err != nil {
		return false
	}
	const selfPoweredBit = 1 << 0
	return status&selfPoweredBit != 0
}

func (l *LiveBacking) getStatus(requestType uint8, index uint16) (uint16, error) {
	buf := make([]byte, 2)
	if _, err := l.controlTransfer(requestType, 0x00, 0, index, buf); err != nil {
		return 0, err
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

// SetConfiguration compares index against the currently active
// configuration; if it differs it releases every claimed interface, sets
// the new configuration, then re-claims, mirroring the original
// implementation's device::set_configuration.
func (l *LiveBacking) SetConfiguration(index uint8) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return &BackingError{Err: errors.New("device closed")}
	}
	if l.activeConfig == index {
		return nil
	}

	for iface := range l.claimedIfaces {
		ifaceNum := uint32(iface)
		_ = ioctl(l.fd, usbdevfsReleaseInterface, unsafe.Pointer(&ifaceNum))
	}

	cfg := uint32(index)
	if err := ioctl(l.fd, usbdevfsSetConfiguration, unsafe.Pointer(&cfg)); err != nil {
		return &BackingError{Status: errnoStatus(err), Err: errors.Wrapf(err, "failed to set configuration %d", index)}
	}
	l.activeConfig = index

	for iface := range l.claimedIfaces {
		if err := l.claimInterfaceLocked(iface); err != nil {
			return &BackingError{Err: err}
		}
	}
	return nil
}

func (l *LiveBacking) SetInterface(iface, alt uint8) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return &BackingError{Err: errors.New("device closed")}
	}

	req := struct {
		Interface  uint32
		AltSetting uint32
	}{Interface: uint32(iface), AltSetting: uint32(alt)}

	if err := ioctl(l.fd, usbdevfsSetInterface, unsafe.Pointer(&req)); err != nil {
		return &BackingError{Status: errnoStatus(err), Err: errors.Wrapf(err, "failed to set interface %d alt %d", iface, alt)}
	}
	l.altSettings[iface] = alt
	return nil
}

func (l *LiveBacking) CurrentAltSetting(iface uint8) uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.altSettings[iface]
}

func (l *LiveBacking) SubmitBulk(tr *xfer.Transfer, onComplete func(*xfer.Transfer)) error {
	return l.submitAsync(tr, urbTypeBulk, onComplete)
}

func (l *LiveBacking) SubmitInterrupt(tr *xfer.Transfer, onComplete func(*xfer.Transfer)) error {
	return l.submitAsync(tr, urbTypeInterrupt, onComplete)
}

func (l *LiveBacking) SubmitISO(tr *xfer.Transfer, onComplete func(*xfer.Transfer)) error {
	return l.submitAsync(tr, urbTypeISO, onComplete)
}

// submitAsync allocates a single buffer holding the fixed urb prefix
// followed by its isochronous packet descriptors (when urbType is
// urbTypeISO), the same layout go-usb's AsyncTransfer uses so the kernel
// can find the descriptor array immediately after the URB it submits.
func (l *LiveBacking) submitAsync(tr *xfer.Transfer, urbType uint8, onComplete func(*xfer.Transfer)) error {
	if err := l.table.Attach(tr, onComplete); err != nil {
		return &BackingError{Err: errors.Wrap(err, "live backing submit")}
	}

	urbSize := unsafe.Sizeof(urb{})
	descSize := unsafe.Sizeof(usbfsISOPacketDesc{})
	urbBuffer := make([]byte, urbSize+uintptr(len(tr.IsoPackets))*descSize)
	u := (*urb)(unsafe.Pointer(&urbBuffer[0]))

	*u = urb{
		Type:         urbType,
		Endpoint:     tr.Endpoint,
		BufferLength: int32(len(tr.Buffer)),
	}
	if len(tr.Buffer) > 0 {
		u.Buffer = unsafe.Pointer(&tr.Buffer[0])
	}
	if urbType == urbTypeISO {
		u.NumberOfPackets = int32(len(tr.IsoPackets))
		u.Flags = urbISOASAP
		descs := (*[1 << 16]usbfsISOPacketDesc)(unsafe.Pointer(&urbBuffer[urbSize]))
		for i, p := range tr.IsoPackets {
			descs[i] = usbfsISOPacketDesc{Length: p.Length}
		}
	}

	l.urbMu.Lock()
	l.urbs[u] = tr
	l.urbMu.Unlock()

	if err := ioctl(l.fd, usbdevfsSubmitURB, unsafe.Pointer(u)); err != nil {
		l.urbMu.Lock()
		delete(l.urbs, u)
		l.urbMu.Unlock()
		tr.Status = xfer.StatusError
		_ = l.table.Complete(tr)
		return &BackingError{Status: errnoStatus(err), Err: errors.Wrap(err, "failed to submit URB")}
	}
	return nil
}

// SubmitControl issues a synchronous control transfer via
// USBDEVFS_CONTROL, blocking until the kernel completes it or ctx is
// done.
func (l *LiveBacking) SubmitControl(ctx context.Context, setup wire.ControlSetup, outPayload []byte) ([]byte, error) {
	data := make([]byte, setup.Length)
	if setup.Direction() == wire.DirOut {
		copy(data, outPayload)
	}

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := l.controlTransfer(setup.RequestType, setup.Request, setup.Value, setup.Index, data)
		done <- result{n, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, &BackingError{Status: errnoStatus(r.err), Err: r.err}
		}
		if setup.Direction() == wire.DirIn {
			return data[:r.n], nil
		}
		return nil, nil
	}
}

func (l *LiveBacking) controlTransfer(requestType, request uint8, value, index uint16, data []byte) (int, error) {
	req := usbfsControlRequest{
		RequestType: requestType,
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      uint16(len(data)),
		Timeout:     5000,
	}
	if len(data) > 0 {
		req.Data = unsafe.Pointer(&data[0])
	}

	if err := ioctl(l.fd, usbdevfsControl, unsafe.Pointer(&req)); err != nil {
		return 0, errors.Wrap(err, "control transfer failed")
	}
	return len(data), nil
}

// discardURBFor finds the *urb currently backing tr, if any, and issues
// USBDEVFS_DISCARDURB against it. The kernel resolves the discard
// asynchronously; the reaper observes and completes it through the table
// like any other URB completion.
func (l *LiveBacking) discardURBFor(tr *xfer.Transfer) {
	l.urbMu.Lock()
	var target *urb
	for u, t := range l.urbs {
		if t == tr {
			target = u
			break
		}
	}
	l.urbMu.Unlock()
	if target != nil {
		_ = ioctl(l.fd, usbdevfsDiscardURB, unsafe.Pointer(target))
	}
}

// CancelTransfer discards the single URB backing tr, then waits for the
// reaper to observe and resolve the cancellation through the table.
func (l *LiveBacking) CancelTransfer(ctx context.Context, tr *xfer.Transfer) (bool, error) {
	return l.table.Cancel(ctx, tr, l.discardURBFor)
}

// CancelTransfers discards every outstanding URB, then waits for the
// reaper to observe and resolve each cancellation through the table.
func (l *LiveBacking) CancelTransfers(ctx context.Context) error {
	return l.table.CancelAll(ctx, l.discardURBFor)
}

// reapLoop is the sole goroutine permitted to call USBDEVFS_REAPURB, the
// live-backing equivalent of the original implementation's event pump
// thread. It runs until Close marks the backing closed.
func (l *LiveBacking) reapLoop() {
	for {
		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return
		}

		var reaped *urb
		err := ioctl(l.fd, usbdevfsReapURB, unsafe.Pointer(&reaped))
		if err != nil {
			if baseerrors.Is(err, unix.EINTR) || baseerrors.Is(err, unix.EAGAIN) {
				continue
			}
			return
		}

		l.urbMu.Lock()
		tr, ok := l.urbs[reaped]
		delete(l.urbs, reaped)
		l.urbMu.Unlock()
		if !ok {
			continue
		}

		tr.ActualLength = uint32(reaped.ActualLength)
		tr.ErrorCount = reaped.ErrorCount
		if len(tr.IsoPackets) > 0 {
			urbSize := unsafe.Sizeof(urb{})
			base := uintptr(unsafe.Pointer(reaped)) + urbSize
			descs := (*[1 << 16]usbfsISOPacketDesc)(unsafe.Pointer(base))
			for i := range tr.IsoPackets {
				tr.IsoPackets[i].ActualLength = descs[i].ActualLength
				tr.IsoPackets[i].Status = isoStatus(int32(descs[i].Status))
			}
		}
		switch {
		case reaped.Status == 0:
			tr.Status = xfer.StatusCompleted
		case baseerrors.Is(unix.Errno(-reaped.Status), unix.ECONNRESET):
			tr.Status = xfer.StatusCancelled
		case baseerrors.Is(unix.Errno(-reaped.Status), unix.ETIMEDOUT):
			tr.Status = xfer.StatusTimedOut
		default:
			tr.Status = xfer.StatusError
		}

		if err := l.table.Complete(tr); err != nil {
			continue
		}
	}
}

// isoStatus maps a per-packet usbfs status (0 on success, a negative
// errno otherwise) onto the same xfer.Status space used elsewhere.
func isoStatus(status int32) xfer.Status {
	if status == 0 {
		return xfer.StatusCompleted
	}
	return xfer.StatusError
}

// errnoStatus extracts the negative errno a RET_SUBMIT/RET_UNLINK status
// field expects from an ioctl failure, falling back to -1 (EPERM's
// neighborhood is no better a guess than any other) when err did not
// originate from a raw syscall.
func errnoStatus(err error) int32 {
	var errno unix.Errno
	if baseerrors.As(err, &errno) {
		return -int32(errno)
	}
	return -1
}

// ioctl issues a raw usbfs ioctl, translating the golang.org/x/sys/unix
// raw syscall result into a Go error.
func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
