// SPDX-License-Identifier: Apache-2.0

package usbipsock

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestNewPairReadWrite(t *testing.T) {
	ep, peerFd, err := NewPair()
	if err != nil {
		t.Fatal(err)
	}
	defer ep.Close()
	peer := os.NewFile(peerFd, "peer")
	defer peer.Close()

	msg := []byte("hello vhci")
	if _, err := peer.Write(msg); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, len(msg))
	if _, err := ep.Read(buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != string(msg) {
		t.Errorf("read %q, want %q", buf, msg)
	}
}

func TestCloseShutsDownBothDirections(t *testing.T) {
	ep, peerFd, err := NewPair()
	if err != nil {
		t.Fatal(err)
	}
	peer := os.NewFile(peerFd, "peer")
	defer peer.Close()

	if err := ep.Close(); err != nil {
		t.Fatal(err)
	}
	if err := ep.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}

	buf := make([]byte, 1)
	_, err = peer.Read(buf)
	if err == nil {
		t.Error("expected peer read to observe EOF/error after Close")
	}
}

func TestNewPairFdIsValid(t *testing.T) {
	ep, peerFd, err := NewPair()
	if err != nil {
		t.Fatal(err)
	}
	defer ep.Close()
	defer unix.Close(int(peerFd))

	if peerFd == 0 {
		t.Error("expected a non-zero peer fd")
	}
}
