// USB device discovery for the probe hardware itself, adapted from the
// teacher's cli/flash/common/usb.go OpenUSBDevice: find a USB device by
// VID/PID and optional serial number, tolerating devices that refuse to
// answer some descriptor requests the way real probe hardware sometimes
// does under a loaded bus.
//
// This is deliberately a thin shim: the actual wire protocol the probe
// speaks to the target (ADIv5 bit timing, a GDB remote-serial-protocol
// front end, CDC-ACM/DFU framing) is out of scope here (spec.md
// Non-goals) -- OpenProbe only gets you a claimed gousb.Device; wiring it
// to the Transport interface is for a protocol layer this module doesn't
// implement.
package transport

import (
	"github.com/golang/glog"
	"github.com/google/gousb"
	"github.com/juju/errors"
)

// OpenProbe opens a USB device with the given VID/PID and, if serial is
// non-empty, matching serial number. If several devices match, the first
// one found is used and the rest are closed again.
func OpenProbe(vid, pid gousb.ID, serial string) (*gousb.Context, *gousb.Device, error) {
	uctx := gousb.NewContext()
	devs, err := uctx.OpenDevices(func(dd *gousb.DeviceDesc) bool {
		match := dd.Vendor == vid && dd.Product == pid
		glog.V(1).Infof("usb: candidate %+v (match=%v)", dd, match)
		return match
	})
	if err != nil && len(devs) == 0 {
		uctx.Close()
		return nil, nil, errors.Annotatef(err, "usbtransport: failed to enumerate USB devices")
	}

	var chosen *gousb.Device
	for _, dev := range devs {
		if chosen != nil {
			dev.Close()
			continue
		}
		sn, _ := dev.SerialNumber()
		if serial == "" || sn == serial {
			chosen = dev
		} else {
			dev.Close()
		}
	}
	if chosen == nil {
		uctx.Close()
		return nil, nil, errors.Errorf("usbtransport: no device matching %s:%s (serial %q) found", vid, pid, serial)
	}
	return uctx, chosen, nil
}
