// SPDX-License-Identifier: Apache-2.0

// Package usbipsock builds the local socket pair a bridge instance uses
// to talk to the kernel's VHCI driver: one end stays in the bridge
// process as an ordinary io.ReadWriteCloser, the other end's raw file
// descriptor is handed to the kernel through vhci.Attach.
package usbipsock

import (
	"os"
	"sync"

	"github.com/efficientgo/core/errors"
	"golang.org/x/sys/unix"
)

// Endpoint is the bridge-owned half of a socket pair. Reads in progress
// observe EOF once Close has shut the connection down.
type Endpoint struct {
	file *os.File

	mu     sync.Mutex
	closed bool
}

// NewPair creates a connected AF_UNIX SOCK_STREAM pair and returns the
// bridge-owned Endpoint together with the raw file descriptor of the
// other end, which the caller surrenders to the kernel VHCI driver.
// The caller is responsible for closing the returned fd once it has
// been handed off: vhci.Attach only passes its number to the kernel and
// does not close it, so the caller closes its copy after Attach returns,
// whether Attach succeeded or failed.
func NewPair() (*Endpoint, uintptr, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to create socket pair")
	}

	if err := unix.SetNonblock(fds[0], false); err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return nil, 0, errors.Wrap(err, "failed to configure bridge-side socket")
	}

	ep := &Endpoint{file: os.NewFile(uintptr(fds[0]), "usbip-endpoint")}
	return ep, uintptr(fds[1]), nil
}

func (e *Endpoint) Read(p []byte) (int, error)  { return e.file.Read(p) }
func (e *Endpoint) Write(p []byte) (int, error) { return e.file.Write(p) }

// Close shuts both directions of the connection down before closing the
// underlying file descriptor, so that a concurrent Read observes a clean
// EOF rather than a race against the fd disappearing underneath it.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	fd := int(e.file.Fd())
	_ = unix.Shutdown(fd, unix.SHUT_RDWR)
	return e.file.Close()
}
