package tcp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopkernel/tcpstack/scheduler"
	"github.com/loopkernel/tcpstack/tcperrors"
	"github.com/loopkernel/tcpstack/timerwheel"
)

type sentPacket struct {
	dst [4]byte
	hdr Header
	pld []byte
}

type fakeL3 struct {
	mu   sync.Mutex
	sent []sentPacket
}

func (f *fakeL3) record(dst [4]byte, packet []byte) {
	h, payload, err := Unmarshal(packet, false)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.sent = append(f.sent, sentPacket{dst: dst, hdr: h, pld: payload})
	f.mu.Unlock()
}

func (f *fakeL3) TransmitNonBlocking(dst [4]byte, packet []byte) error {
	f.record(dst, packet)
	return nil
}

func (f *fakeL3) TransmitBlocking(ctx context.Context, dst [4]byte, packet []byte) error {
	f.record(dst, packet)
	return nil
}

func (f *fakeL3) snapshot() []sentPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentPacket(nil), f.sent...)
}

func (f *fakeL3) count(pred func(sentPacket) bool) int {
	n := 0
	for _, p := range f.snapshot() {
		if pred(p) {
			n++
		}
	}
	return n
}

func testListener(t *testing.T, cfg Config) (*Listener, *fakeL3, *timerwheel.Clock) {
	t.Helper()
	clock := timerwheel.NewClock(time.Unix(0, 0))
	sched := scheduler.New(0)
	l3 := &fakeL3{}
	local := Endpoint{IP: [4]byte{10, 0, 0, 1}, Port: 443}
	lis, err := NewListener(local, cfg, l3, clock, sched, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(lis.Close)
	return lis, l3, clock
}

func synSegment(remote Endpoint, seq SeqNum) inboundSegment {
	return inboundSegment{
		remote: remote,
		header: Header{SrcPort: remote.Port, DstPort: 443, SeqNum: seq, Flags: FlagSYN, Window: 65535},
	}
}

func TestBacklogBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backlog = 2
	cfg.HandshakeRetries = 5
	cfg.HandshakeTimeout = time.Hour
	lis, l3, _ := testListener(t, cfg)

	a := Endpoint{IP: [4]byte{1, 1, 1, 1}, Port: 1}
	b := Endpoint{IP: [4]byte{1, 1, 1, 2}, Port: 2}
	c := Endpoint{IP: [4]byte{1, 1, 1, 3}, Port: 3}

	ctx := context.Background()
	require.NoError(t, lis.HandleInbound(ctx, a, synSegment(a, 100).header, nil))
	require.NoError(t, lis.HandleInbound(ctx, b, synSegment(b, 200).header, nil))
	require.NoError(t, lis.HandleInbound(ctx, c, synSegment(c, 300).header, nil))

	require.Eventually(t, func() bool {
		return l3.count(func(p sentPacket) bool { return p.hdr.HasFlag(FlagRST) }) == 1
	}, time.Second, 5*time.Millisecond)

	rst := l3.snapshot()
	found := false
	for _, p := range rst {
		if p.hdr.HasFlag(FlagRST) {
			found = true
			assert.Equal(t, c.Port, p.hdr.DstPort)
			assert.EqualValues(t, 301, p.hdr.AckNum)
		}
	}
	assert.True(t, found)
	assert.Equal(t, 2, lis.inFlightCount())
}

func (l *Listener) inFlightCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inFlight)
}

func TestHandshakeRetryExhaustsAndTimesOut(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HandshakeRetries = 2
	cfg.HandshakeTimeout = 10 * time.Millisecond
	lis, l3, clock := testListener(t, cfg)

	remote := Endpoint{IP: [4]byte{2, 2, 2, 2}, Port: 55}
	ctx := context.Background()
	require.NoError(t, lis.HandleInbound(ctx, remote, synSegment(remote, 1000).header, nil))

	for i := 0; i < 5; i++ {
		time.Sleep(5 * time.Millisecond)
		clock.Advance(10 * time.Millisecond)
	}

	acceptCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := lis.Accept(acceptCtx)
	require.Error(t, err)
	assert.Nil(t, conn)
	assert.True(t, tcperrors.Is(err, tcperrors.Timeout))

	synAcks := l3.count(func(p sentPacket) bool { return p.hdr.HasFlag(FlagSYN) && p.hdr.HasFlag(FlagACK) })
	assert.Equal(t, 3, synAcks)
}

func TestBadAckYieldsBadMessage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HandshakeTimeout = time.Hour
	lis, _, _ := testListener(t, cfg)

	remote := Endpoint{IP: [4]byte{3, 3, 3, 3}, Port: 77}
	ctx := context.Background()
	require.NoError(t, lis.HandleInbound(ctx, remote, synSegment(remote, 1000).header, nil))

	require.Eventually(t, func() bool { return lis.inFlightCount() == 1 }, time.Second, 5*time.Millisecond)

	lis.mu.Lock()
	entry := lis.inFlight[remote]
	lis.mu.Unlock()
	require.NotNil(t, entry)

	localISN := lis.isnGen(lis.local, remote)
	ackSeg := inboundSegment{
		remote: remote,
		header: Header{SrcPort: remote.Port, DstPort: 443, SeqNum: 1001, AckNum: localISN + 2, Flags: FlagACK},
	}
	entry.recvQueue <- ackSeg

	acceptCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := lis.Accept(acceptCtx)
	require.Error(t, err)
	assert.Nil(t, conn)
	assert.True(t, tcperrors.Is(err, tcperrors.BadMessage))
}

func TestWindowScaleClamp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HandshakeTimeout = time.Hour
	lis, _, _ := testListener(t, cfg)

	remote := Endpoint{IP: [4]byte{4, 4, 4, 4}, Port: 88}
	ws := uint8(20)
	syn := Header{SrcPort: remote.Port, DstPort: 443, SeqNum: 500, Flags: FlagSYN, Window: 0x4000, WindowScale: &ws}
	ctx := context.Background()
	require.NoError(t, lis.HandleInbound(ctx, remote, syn, nil))

	require.Eventually(t, func() bool { return lis.inFlightCount() == 1 }, time.Second, 5*time.Millisecond)
	lis.mu.Lock()
	entry := lis.inFlight[remote]
	lis.mu.Unlock()

	localISN := lis.isnGen(lis.local, remote)
	entry.recvQueue <- inboundSegment{
		remote: remote,
		header: Header{SrcPort: remote.Port, DstPort: 443, SeqNum: 501, AckNum: localISN + 1, Flags: FlagACK, Window: 0x4000},
	}

	acceptCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := lis.Accept(acceptCtx)
	require.NoError(t, err)
	require.NotNil(t, conn)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.EqualValues(t, 0x4000<<14, conn.sendWindow)
}

func TestDataCarryingAckDeliveredToPop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HandshakeTimeout = time.Hour
	lis, _, _ := testListener(t, cfg)

	remote := Endpoint{IP: [4]byte{5, 5, 5, 5}, Port: 99}
	ctx := context.Background()
	require.NoError(t, lis.HandleInbound(ctx, remote, synSegment(remote, 700).header, nil))

	require.Eventually(t, func() bool { return lis.inFlightCount() == 1 }, time.Second, 5*time.Millisecond)
	lis.mu.Lock()
	entry := lis.inFlight[remote]
	lis.mu.Unlock()

	localISN := lis.isnGen(lis.local, remote)
	entry.recvQueue <- inboundSegment{
		remote: remote,
		header: Header{SrcPort: remote.Port, DstPort: 443, SeqNum: 701, AckNum: localISN + 1, Flags: FlagACK},
		payload: []byte("data"),
	}

	acceptCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := lis.Accept(acceptCtx)
	require.NoError(t, err)
	require.NotNil(t, conn)

	popCtx, popCancel := context.WithTimeout(context.Background(), time.Second)
	defer popCancel()
	got, err := conn.Pop(popCtx, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), got)
}

func TestSynthesizeRSTWithAck(t *testing.T) {
	in := Header{SeqNum: 10, AckNum: 500, Flags: FlagACK}
	rst := SynthesizeRST(in, Endpoint{Port: 1}, Endpoint{Port: 2}, 0)
	assert.EqualValues(t, 500, rst.SeqNum)
	assert.True(t, rst.HasFlag(FlagACK))
	assert.EqualValues(t, 501, rst.AckNum)
}

func TestSynthesizeRSTWithoutAck(t *testing.T) {
	in := Header{SeqNum: 1000, Flags: FlagSYN}
	rst := SynthesizeRST(in, Endpoint{Port: 1}, Endpoint{Port: 2}, 0)
	assert.EqualValues(t, 0, rst.SeqNum)
	assert.True(t, rst.HasFlag(FlagACK))
	assert.EqualValues(t, 1001, rst.AckNum)
}

func TestMalformedSynIsRejectedWithRST(t *testing.T) {
	cfg := DefaultConfig()
	lis, l3, _ := testListener(t, cfg)
	remote := Endpoint{IP: [4]byte{6, 6, 6, 6}, Port: 1}

	bad := Header{SrcPort: remote.Port, DstPort: 443, SeqNum: 1, Flags: FlagSYN | FlagACK}
	require.NoError(t, lis.HandleInbound(context.Background(), remote, bad, nil))

	require.Eventually(t, func() bool {
		return l3.count(func(p sentPacket) bool { return p.hdr.HasFlag(FlagRST) }) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, lis.inFlightCount())
}
