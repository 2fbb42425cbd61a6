package channel

import (
	"fmt"
	"sort"
	"strconv"

	"go.bug.st/serial/enumerator"
)

// port enumeration, replaced in tests
var listPorts = enumerator.GetDetailedPortsList

// Discover returns the first serial port whose USB device reports vendorID.
func Discover(vendorID int) (string, error) {
	ports, err := listPorts()
	if err != nil {
		return "", fmt.Errorf("unable to list serial ports: %w", err)
	}

	var matches []string
	for _, port := range ports {
		if !port.IsUSB {
			continue
		}
		// linux reports lower case hex, windows upper case
		vid, err := strconv.ParseUint(port.VID, 16, 16)
		if err != nil || int(vid) != vendorID {
			continue
		}
		matches = append(matches, port.Name)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("unable to automatically detect serial port with vendor id %04X, please set the port manually", vendorID)
	}
	sort.Strings(matches)
	return matches[0], nil
}
