// UDPTunnelEndpoint is the one concrete L3Endpoint this module ships: it
// carries TCP segments inside UDP datagrams rather than raw IP, so the
// otherwise-abstract external collaborator named in spec.md §6 has a
// working instance to drive end to end without needing raw-socket
// privileges.
package main

import (
	"context"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/loopkernel/tcpstack/tcperrors"
)

// UDPTunnelEndpoint implements tcp.L3Endpoint over a net.UDPConn, mapping
// each remote IPv4 address to a fixed UDP port (tunnelPort) on that host.
type UDPTunnelEndpoint struct {
	conn       *net.UDPConn
	tunnelPort int
}

// NewUDPTunnelEndpoint opens a UDP socket on listenAddr and widens its
// receive buffer via golang.org/x/sys/unix (the same low-level syscall
// package the teacher's eventloop uses for its wake pipe), since the
// default buffer is too small to hold a burst of retransmitted segments
// without drops.
func NewUDPTunnelEndpoint(listenAddr string, tunnelPort int) (*UDPTunnelEndpoint, error) {
	addr, err := net.ResolveUDPAddr("udp4", listenAddr)
	if err != nil {
		return nil, tcperrors.Wrap(tcperrors.InvalidArgument, "main.NewUDPTunnelEndpoint", "invalid listen address", err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, tcperrors.Wrap(tcperrors.IoError, "main.NewUDPTunnelEndpoint", "failed to open UDP socket", err)
	}

	if sc, err := conn.SyscallConn(); err == nil {
		_ = sc.Control(func(fd uintptr) {
			_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, 4<<20)
		})
	}

	return &UDPTunnelEndpoint{conn: conn, tunnelPort: tunnelPort}, nil
}

func (e *UDPTunnelEndpoint) dstAddr(dst [4]byte) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(dst[0], dst[1], dst[2], dst[3]), Port: e.tunnelPort}
}

// TransmitNonBlocking fires a single UDP datagram and does not wait for it
// to be accepted by the kernel beyond the usual syscall return.
func (e *UDPTunnelEndpoint) TransmitNonBlocking(dst [4]byte, packet []byte) error {
	_, err := e.conn.WriteToUDP(packet, e.dstAddr(dst))
	if err != nil {
		return tcperrors.Wrap(tcperrors.IoError, "UDPTunnelEndpoint.TransmitNonBlocking", "write failed", err)
	}
	return nil
}

// TransmitBlocking is functionally identical to TransmitNonBlocking for a
// UDP socket (the write syscall does not block on delivery), but applies
// ctx's deadline, if it has one, as the connection's write deadline.
// Cancellation of ctx is not otherwise observed.
func (e *UDPTunnelEndpoint) TransmitBlocking(ctx context.Context, dst [4]byte, packet []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = e.conn.SetWriteDeadline(dl)
		defer e.conn.SetWriteDeadline(time.Time{})
	}
	return e.TransmitNonBlocking(dst, packet)
}

// ReadLoop blocks reading datagrams until ctx is done, invoking handle for
// each received packet.
func (e *UDPTunnelEndpoint) ReadLoop(ctx context.Context, handle func(src [4]byte, packet []byte)) error {
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_ = e.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		var src [4]byte
		copy(src[:], addr.IP.To4())
		pkt := append([]byte(nil), buf[:n]...)
		handle(src, pkt)
	}
}

func (e *UDPTunnelEndpoint) Close() error { return e.conn.Close() }
