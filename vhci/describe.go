// SPDX-License-Identifier: Apache-2.0

package vhci

import (
	"github.com/efficientgo/core/errors"
)

// DescribeAttached returns the slot state for port, failing if the port is
// out of range or has no device currently attached.
func DescribeAttached(port VirtualPort, driver Driver) (*Slot, error) {
	slots := driver.GetDeviceSlots()
	if int(port) >= len(slots) {
		return nil, errors.Newf("port number %d out of bounds", port)
	}
	slot := slots[port]
	if slot.Status != VDevStatusUsed {
		return nil, errors.Newf("no device attached to port %d", port)
	}

	return &slot, nil
}
