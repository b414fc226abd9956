// SPDX-License-Identifier: Apache-2.0

package vhci

import (
	baseerrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
)

// ErrNoFreePort is returned when no port matches the requested speed class.
var ErrNoFreePort = errors.New("no free vhci port for requested speed class")

// ErrBusyPort is returned when the kernel refused an attach because the
// port was claimed between GetFreePort and the attach write.
var ErrBusyPort = errors.New("vhci port is busy")

type sysfsDriver struct {
	fsys fs.FS
	root string

	availableControllers uint

	slots []Slot

	logger log.Logger
}

const sysBus = "bus"

func hostControllerPath(controller uint) string {
	name := fmt.Sprintf("%s.%d", vhciControllerBaseName, controller)
	return path.Join(sysBus, VHCIControllerBusType, "devices", name)
}

func usbSysPath(busId string) string {
	return path.Join(sysBus, "usb", "devices", busId)
}

func (d *sysfsDriver) GetDeviceSlots() []Slot {
	return d.slots
}

func (d *sysfsDriver) readAttribute(sysPath string, attributeName string) (string, error) {
	content, err := fs.ReadFile(d.fsys, path.Join(sysPath, attributeName))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(content)), nil
}

func (d *sysfsDriver) readUint16HexAttribute(sysPath string, attributeName string) (uint16, error) {
	attrStr, err := d.readAttribute(sysPath, attributeName)
	if err != nil {
		return 0, err
	}
	var result uint16
	_, err = fmt.Sscanf(attrStr, "%04x", &result)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read device attribute %s", attributeName)
	}
	return result, nil
}

func (d *sysfsDriver) initPorts() error {
	nportsStr, err := d.readAttribute(hostControllerPath(0), "nports")
	if err != nil {
		return errors.New("failed to read nports attribute")
	}
	var nports uint32
	if _, err = fmt.Sscanf(nportsStr, "%d", &nports); err != nil {
		return errors.New("failed to parse nports attribute")
	}
	if nports == 0 {
		return errors.New("VHCI host controller does not have any ports available")
	}

	d.slots = make([]Slot, nports)
	return nil
}

func (d *sysfsDriver) countControllers() error {
	var count uint
	devicesDir := path.Join(sysBus, VHCIControllerBusType, "devices")
	files, err := fs.ReadDir(d.fsys, devicesDir)
	if err != nil {
		return errors.Wrap(err, "failed to read platform sysdir")
	}
	for _, file := range files {
		if strings.HasPrefix(file.Name(), vhciControllerBaseName+".") {
			count++
		}
	}

	d.availableControllers = count
	return nil
}

func (d *sysfsDriver) describeUsbFromBusId(slot *Slot, busId string) error {
	sysPath := usbSysPath(busId)

	vendor, vendErr := d.readUint16HexAttribute(sysPath, "idVendor")
	product, prodErr := d.readUint16HexAttribute(sysPath, "idProduct")

	totalErr := baseerrors.Join(vendErr, prodErr)
	if totalErr != nil {
		return errors.Wrap(totalErr, "failed to describe device")
	}

	slot.LocalDeviceInfo = USBDevice{
		BusId:   busId,
		Vendor:  USBID(vendor),
		Product: USBID(product),
	}
	return nil
}

func (d *sysfsDriver) updateSlotsFromControllerStatus(controller int, statusContent string) error {
	lines := strings.Split(statusContent, "\n")

	var port VirtualPort
	var deviceId uint32
	var speed int
	var status USBIPStatus
	var fd uint // only meaningful inside the kernel, not usable from here
	var hubSpeed string
	var busId string
	for i, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		_, err := fmt.Sscanf(
			line,
			"%2s  %d %d %d %x %d %31s",
			&hubSpeed, &port, &status, &speed, &deviceId, &fd, &busId,
		)
		if err != nil {
			return errors.Wrapf(err, "failed to parse status line %d: %s", i, line)
		}

		if int(port) >= len(d.slots) {
			return errors.Newf("failed to parse status line %d: port %d out of range", i, port)
		}

		slot := &d.slots[port]

		switch hubSpeed {
		case "hs":
			slot.HubSpeed = HubSpeedHigh
		default:
			slot.HubSpeed = HubSpeedSuper
		}

		slot.Controller = controller
		slot.Port = port
		slot.Status = status
		slot.DeviceID = deviceId
		slot.SysPath = usbSysPath(busId)

		if slot.IsEmpty() {
			slot.LocalDeviceInfo = USBDevice{}
		} else {
			_ = d.logger.Log("msg", "processing non-empty virtual port", "port", port, "status", status, "busId", busId)
			if err = d.describeUsbFromBusId(slot, busId); err != nil {
				return errors.Wrapf(err, "failed to describe device %s", busId)
			}
		}
	}
	return nil
}

func (d *sysfsDriver) UpdateAttachedDevices() error {
	var i uint
	for i = 0; i < d.availableControllers; i++ {
		name := "status"
		if i > 0 {
			name = fmt.Sprintf("status.%d", i)
		}
		status, err := d.readAttribute(hostControllerPath(i), name)
		if err != nil {
			return errors.Newf("failed to get status of controller %d", i)
		}
		if err = d.updateSlotsFromControllerStatus(int(i), status); err != nil {
			return err
		}
	}
	return nil
}

func (d *sysfsDriver) GetFreePort(speed USBDeviceSpeed) (VirtualPort, error) {
	hubClass := speed.HubClass()
	for _, slot := range d.slots {
		if slot.HubSpeed != hubClass {
			continue
		}
		if slot.IsEmpty() {
			return slot.Port, nil
		}
	}
	return 0, ErrNoFreePort
}

// AttachDevice writes the USB/IP attach tuple for fd to the controller
// owning port. The kernel's attach handler may return EBUSY if the slot
// was claimed by another process between GetFreePort and this call.
func (d *sysfsDriver) AttachDevice(port VirtualPort, fd uintptr, devid uint32, speed USBDeviceSpeed) error {
	controller := 0
	if int(port) < len(d.slots) {
		controller = d.slots[port].Controller
	}
	attachPath := path.Join(hostControllerPath(uint(controller)), "attach")
	attachStr := fmt.Sprintf("%d %d %d %d", port, fd, devid, speed)
	err := d.writeStringToFile(attachPath, attachStr)
	if baseerrors.Is(err, syscall.EBUSY) {
		return ErrBusyPort
	}
	return err
}

func (d *sysfsDriver) DetachDevice(port VirtualPort) error {
	if int(port) >= len(d.slots) {
		return errors.Newf("port number %d out of bounds", port)
	}
	controller := d.slots[port].Controller
	detachPath := path.Join(hostControllerPath(uint(controller)), "detach")
	detachStr := fmt.Sprintf("%d", port)
	return d.writeStringToFile(detachPath, detachStr)
}

func (d *sysfsDriver) writeStringToFile(relPath string, content string) error {
	f, err := os.OpenFile(filepath.Join(d.root, relPath), os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s for writing", relPath)
	}
	defer func() { _ = f.Close() }()

	_, err = f.WriteString(content)
	if err != nil {
		return errors.Wrapf(err, "failed to write command to %s", relPath)
	}
	return nil
}

// NewSysfsDriver constructs a Driver backed by fsys for reads. root must
// point at the same tree on the real filesystem, since fs.FS has no
// concept of writing and the attach/detach attributes are write-only.
func NewSysfsDriver(fsys fs.FS, root string, logger log.Logger) (Driver, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	d := &sysfsDriver{
		fsys:   fsys,
		root:   root,
		logger: logger,
	}

	if err := d.initPorts(); err != nil {
		return nil, err
	}

	if err := d.countControllers(); err != nil {
		return nil, err
	}

	_ = logger.Log("msg", "initialized VHCI driver", "nports", len(d.slots), "ncontrollers", d.availableControllers)

	if err := d.UpdateAttachedDevices(); err != nil {
		return nil, err
	}

	return d, nil
}

// NewSysfsRootDriver is the production constructor: it opens sysRoot
// (normally "/sys") as both the fs.FS used for reads and the filesystem
// root used for the attribute writes fs.FS cannot express.
func NewSysfsRootDriver(sysRoot string, logger log.Logger) (Driver, error) {
	return NewSysfsDriver(os.DirFS(sysRoot), sysRoot, logger)
}

// Attach finds a free port for speed and writes the attach tuple for fd,
// retrying the next free port if the kernel reports the chosen one busy.
// It gives up once it has tried every port in the hub's speed class, per
// the bridge's bounded-retry attach policy.
func Attach(d Driver, speed USBDeviceSpeed, fd uintptr, devid uint32) (VirtualPort, error) {
	tried := make(map[VirtualPort]bool)
	for {
		port, found := VirtualPort(0), false
		for _, slot := range d.GetDeviceSlots() {
			if slot.HubSpeed == speed.HubClass() && slot.IsEmpty() && !tried[slot.Port] {
				port, found = slot.Port, true
				break
			}
		}
		if !found {
			return 0, ErrNoFreePort
		}
		tried[port] = true

		if err := d.AttachDevice(port, fd, devid, speed); err != nil {
			if baseerrors.Is(err, ErrBusyPort) {
				if err = d.UpdateAttachedDevices(); err != nil {
					return 0, err
				}
				continue
			}
			return 0, err
		}
		return port, nil
	}
}
