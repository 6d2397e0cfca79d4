package bluez

import (
	"fmt"
	"strconv"
	"strings"
)

// parseAddress converts "AA:BB:CC:DD:EE:FF" to the little-endian byte order
// the kernel expects in sockaddr_rc.
func parseAddress(mac string) ([6]uint8, error) {
	var addr [6]uint8
	parts := strings.Split(mac, ":")
	if len(parts) != 6 {
		return addr, fmt.Errorf("invalid bluetooth address %q", mac)
	}
	for i, p := range parts {
		if len(p) != 2 {
			return addr, fmt.Errorf("invalid bluetooth address %q", mac)
		}
		b, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return addr, fmt.Errorf("invalid bluetooth address %q: %w", mac, err)
		}
		addr[5-i] = uint8(b)
	}
	return addr, nil
}
