package tcp

import "context"

// L3Endpoint is the external transmit/receive adapter C6/C7 consume; this
// stack never touches a NIC or the IP layer directly. Per spec.md §6 it
// exposes a non-blocking best-effort send and a blocking one that suspends
// until the device accepts the packet (the one suspension point named in
// the concurrency model for "transmit_tcp_packet_blocking").
type L3Endpoint interface {
	// TransmitNonBlocking is a best-effort, fire-and-forget send.
	TransmitNonBlocking(dst [4]byte, packet []byte) error
	// TransmitBlocking suspends until the device has accepted packet, or ctx
	// is done.
	TransmitBlocking(ctx context.Context, dst [4]byte, packet []byte) error
}
