package tcp

import "fmt"

// Endpoint is an IPv4 address/port pair, the unit the passive-open engine
// keys its in-flight map and established-socket table by.
type Endpoint struct {
	IP   [4]byte
	Port uint16
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", e.IP[0], e.IP[1], e.IP[2], e.IP[3], e.Port)
}
