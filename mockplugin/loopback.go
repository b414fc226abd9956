// SPDX-License-Identifier: Apache-2.0

// Package mockplugin provides the statically-linked mock plugins
// selectable by name via the --mock-plugin flag. The original ABI
// registers plugins into a catalog by name through a
// plugin_catalog_api's register_device(ctx, name, factory); dynamic
// loading of that catalog is out of scope, so ByName stands in as a
// small compiled-in equivalent of the same name-to-factory lookup.
package mockplugin

import (
	"github.com/efficientgo/core/errors"

	"github.com/vbridge/usbip-bridge/pluginabi"
	"github.com/vbridge/usbip-bridge/wire"
)

// LoopbackConfig configures a Loopback plugin. Zero value is valid: an
// IN transfer before any OUT data has been seen completes with no data,
// and control setups report success, filling any device-to-host data
// stage with ControlFill (zero bytes by default).
type LoopbackConfig struct {
	// InitialFill seeds the data an IN transfer returns before any OUT
	// transfer has supplied a payload to loop back.
	InitialFill []byte `mapstructure:"initial_fill"`
	// ControlFill is the byte value written into a GET-direction
	// control transfer's data stage.
	ControlFill byte `mapstructure:"control_fill"`
}

// Loopback is a mock plugin that holds the most recent OUT transfer's
// payload and returns it on the next IN transfer, independent of
// endpoint. It exists to exercise the bridge's protocol state machine
// and descriptor-driven dispatch end to end without real hardware,
// distinct from the original's mouse/recorder/playback demo plugins.
type Loopback struct {
	cfg LoopbackConfig

	buf []byte
}

// NewLoopback constructs a Loopback plugin seeded from cfg.
func NewLoopback(cfg LoopbackConfig) *Loopback {
	buf := make([]byte, len(cfg.InitialFill))
	copy(buf, cfg.InitialFill)
	return &Loopback{cfg: cfg, buf: buf}
}

func (p *Loopback) OnTransferRequest(xfer pluginabi.TransferControl) {
	if xfer.IsIn() {
		xfer.Fill(p.buf)
	} else {
		buf := make([]byte, xfer.Size())
		n := xfer.Read(buf)
		p.buf = buf[:n]
	}
	xfer.Complete()
}

// OnControlSetup fills a device-to-host data stage with ControlFill and
// reports success for a host-to-device data stage without inspecting it,
// matching Loopback's no-state-beyond-the-data-path design.
func (p *Loopback) OnControlSetup(setup wire.ControlSetup, data []byte) int {
	if setup.Direction() == wire.DirIn {
		for i := range data {
			data[i] = p.cfg.ControlFill
		}
	}
	return len(data)
}

func (p *Loopback) OnSetConfiguration(index uint8) int  { return 0 }
func (p *Loopback) OnSetInterface(iface, alt uint8) int { return 0 }

func (p *Loopback) OnTransferComplete(xfer pluginabi.TransferControl) {}

// ByName constructs the named statically-linked mock plugin, the
// compiled-in equivalent of the original ABI's plugin catalog lookup.
func ByName(name string, cfg LoopbackConfig) (pluginabi.Plugin, error) {
	switch name {
	case "loopback":
		return NewLoopback(cfg), nil
	default:
		return nil, errors.Newf("unknown mock plugin %q", name)
	}
}
