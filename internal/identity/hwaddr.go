package identity

import (
	"net"
	"strings"

	"github.com/juju/errors"
)

// FormatHardwareAddr renders AA:BB:CC:DD:EE:FF, same as the ESP32 nodes
// report, so one assigning server serves both.
func FormatHardwareAddr(hw net.HardwareAddr) string {
	return strings.ToUpper(hw.String())
}

// HardwareAddr returns correlation id of named interface.
// Empty name selects the first up, non-loopback interface with 6 byte address.
func HardwareAddr(name string) (string, error) {
	if name != "" {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return "", errors.Annotatef(err, "interface=%s", name)
		}
		if len(iface.HardwareAddr) == 0 {
			return "", errors.NotFoundf("hardware address interface=%s", name)
		}
		return FormatHardwareAddr(iface.HardwareAddr), nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return "", errors.Annotate(err, "list interfaces")
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if len(iface.HardwareAddr) == 6 {
			return FormatHardwareAddr(iface.HardwareAddr), nil
		}
	}
	return "", errors.NotFoundf("network interface with hardware address")
}

// TransportClientID derives broker client id, unique per node.
func TransportClientID(correlationID string) string {
	return "metercam-" + strings.Replace(correlationID, ":", "", -1)
}
