// Wire-format TCP header, grounded on the teacher pack's
// SeleniaProject-Orizon kernel.TCPHeader field layout (SrcPort, DstPort,
// SeqNum, AckNum, DataOffset, Flags, Window, Checksum, UrgPtr, Options),
// extended with RFC 1323/879 WindowScale and MaximumSegmentSize options
// parsed out of the raw Options bytes rather than left opaque.
package tcp

import (
	"encoding/binary"

	"github.com/loopkernel/tcpstack/tcperrors"
)

// Flag bits, RFC 793 §3.1.
const (
	FlagFIN uint8 = 1 << 0
	FlagSYN uint8 = 1 << 1
	FlagRST uint8 = 1 << 2
	FlagPSH uint8 = 1 << 3
	FlagACK uint8 = 1 << 4
	FlagURG uint8 = 1 << 5
)

// MaxWindowScale is RFC 1323's MAX_WINDOW_SCALE; a remote-advertised window
// scale greater than this is clamped.
const MaxWindowScale = 14

// TCP option kind octets, RFC 1323/879.
const (
	optKindEnd       = 0
	optKindNOP       = 1
	optKindMSS       = 2
	optKindWindowScl = 3
)

// Header is a parsed RFC 793 TCP segment header plus the RFC 1323/879
// options this stack understands.
type Header struct {
	SrcPort    uint16
	DstPort    uint16
	SeqNum     SeqNum
	AckNum     SeqNum
	DataOffset uint8 // header length in 32-bit words
	Flags      uint8
	Window     uint16
	Checksum   uint16
	UrgPtr     uint16

	// WindowScale is the RFC 1323 option value, if present.
	WindowScale    *uint8
	MaxSegmentSize *uint16
}

// HasFlag reports whether all bits in mask are set.
func (h Header) HasFlag(mask uint8) bool { return h.Flags&mask == mask }

// SegmentLength is RFC 793 §3.4's "segment length" used in RST/ACK-number
// arithmetic: the payload length plus one for each of SYN and FIN present.
func SegmentLength(h Header, payloadLen int) uint32 {
	n := uint32(payloadLen)
	if h.HasFlag(FlagSYN) {
		n++
	}
	if h.HasFlag(FlagFIN) {
		n++
	}
	return n
}

// Marshal serializes h plus payload into a wire-format TCP segment. The
// checksum field is left zero if skipChecksum is true (tx_checksum_offload).
func Marshal(h Header, payload []byte, skipChecksum bool) []byte {
	opts := marshalOptions(h)
	for len(opts)%4 != 0 {
		opts = append(opts, optKindEnd)
	}
	headerLen := 20 + len(opts)
	h.DataOffset = uint8(headerLen / 4)

	buf := make([]byte, headerLen+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], h.DstPort)
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.SeqNum))
	binary.BigEndian.PutUint32(buf[8:12], uint32(h.AckNum))
	buf[12] = h.DataOffset << 4
	buf[13] = h.Flags
	binary.BigEndian.PutUint16(buf[14:16], h.Window)
	binary.BigEndian.PutUint16(buf[18:20], h.UrgPtr)
	copy(buf[20:20+len(opts)], opts)
	copy(buf[headerLen:], payload)

	if !skipChecksum {
		binary.BigEndian.PutUint16(buf[16:18], checksum(buf))
	}
	return buf
}

func marshalOptions(h Header) []byte {
	var opts []byte
	if h.MaxSegmentSize != nil {
		opts = append(opts, optKindMSS, 4)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], *h.MaxSegmentSize)
		opts = append(opts, b[:]...)
	}
	if h.WindowScale != nil {
		opts = append(opts, optKindWindowScl, 3, *h.WindowScale)
	}
	return opts
}

// Unmarshal parses a wire-format TCP segment into a Header and its payload.
// It reports tcperrors.Malformed for structurally invalid input (too short,
// data offset beyond the buffer, checksum mismatch when verification is
// requested).
func Unmarshal(buf []byte, verifyChecksum bool) (Header, []byte, error) {
	if len(buf) < 20 {
		return Header{}, nil, tcperrors.New(tcperrors.Malformed, "tcp.Unmarshal", "segment shorter than a fixed TCP header")
	}
	h := Header{
		SrcPort:    binary.BigEndian.Uint16(buf[0:2]),
		DstPort:    binary.BigEndian.Uint16(buf[2:4]),
		SeqNum:     SeqNum(binary.BigEndian.Uint32(buf[4:8])),
		AckNum:     SeqNum(binary.BigEndian.Uint32(buf[8:12])),
		DataOffset: buf[12] >> 4,
		Flags:      buf[13],
		Window:     binary.BigEndian.Uint16(buf[14:16]),
		Checksum:   binary.BigEndian.Uint16(buf[16:18]),
		UrgPtr:     binary.BigEndian.Uint16(buf[18:20]),
	}

	headerLen := int(h.DataOffset) * 4
	if headerLen < 20 || headerLen > len(buf) {
		return Header{}, nil, tcperrors.New(tcperrors.Malformed, "tcp.Unmarshal", "data offset out of range")
	}

	if verifyChecksum {
		want := h.Checksum
		got := checksumWithFieldZeroed(buf, 16)
		if got != want {
			return Header{}, nil, tcperrors.New(tcperrors.Malformed, "tcp.Unmarshal", "checksum mismatch")
		}
	}

	parseOptions(&h, buf[20:headerLen])
	return h, buf[headerLen:], nil
}

func parseOptions(h *Header, opts []byte) {
	i := 0
	for i < len(opts) {
		kind := opts[i]
		switch kind {
		case optKindEnd:
			return
		case optKindNOP:
			i++
			continue
		case optKindMSS:
			if i+4 > len(opts) {
				return
			}
			v := binary.BigEndian.Uint16(opts[i+2 : i+4])
			h.MaxSegmentSize = &v
			i += 4
		case optKindWindowScl:
			if i+3 > len(opts) {
				return
			}
			v := opts[i+2]
			h.WindowScale = &v
			i += 3
		default:
			if i+1 >= len(opts) {
				return
			}
			length := int(opts[i+1])
			if length < 2 {
				return
			}
			i += length
		}
	}
}

// checksum computes the standard TCP/IP one's-complement checksum over buf.
// It omits the IPv4 pseudo-header: this stack's transport runs over a
// UDP-tunneled L3 endpoint (cmd/tcpstackd) rather than raw IP, so the
// pseudo-header fields it would otherwise need are not available here; the
// checksum instead covers only the TCP segment itself, which is sufficient
// to detect in-tunnel corruption.
func checksum(buf []byte) uint16 {
	return checksumWithFieldZeroed(buf, -1)
}

func checksumWithFieldZeroed(buf []byte, zeroOffset int) uint16 {
	var sum uint32
	n := len(buf)
	for i := 0; i+1 < n; i += 2 {
		if i == zeroOffset {
			continue
		}
		sum += uint32(buf[i])<<8 | uint32(buf[i+1])
	}
	if n%2 == 1 && n-1 != zeroOffset {
		sum += uint32(buf[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}
