// The established control block (C7): send/receive queues, RTO and
// delayed-ACK timing, a pluggable congestion-control capability, and the
// graceful close sequence.
//
// The background coroutine's three-way select (receive queue, ack queue,
// close notification) is grounded directly on original_source's
// established/mod.rs background_task, supplemented here (SPEC_FULL §4.5)
// with arms for the send queue, the RTO timer, the delayed-ACK timer and
// context cancellation, since the distilled spec.md folds
// RTO handling into the same coroutine without spelling out its select
// shape.
package tcp

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/loopkernel/tcpstack/scheduler"
	"github.com/loopkernel/tcpstack/timerwheel"
	"github.com/loopkernel/tcpstack/tcperrors"
)

// CloseState tracks the graceful-close sequence, spec.md §4.5.
type CloseState int

const (
	Established CloseState = iota
	FinWait1
	FinWait2
	ConnClosed
)

type pendingSegment struct {
	seq     SeqNum
	payload []byte
	sentAt  time.Time
}

type ackUpdate struct {
	ackNum SeqNum
	rtt    time.Duration
}

type connParams struct {
	local, remote         Endpoint
	sendISN, recvISN      SeqNum
	sendWindow, recvWindow uint32
	sendScale, recvScale  uint8
	remoteMSS             uint16
	ackDelay              time.Duration
	l3                    L3Endpoint
	clock                 *timerwheel.Clock
	sched                 *scheduler.Scheduler
	logger                zerolog.Logger
	cc                    CongestionControl
	onClose               func()
	txChecksum            bool
}

// Conn is the established control block, spec.md C7.
type Conn struct {
	local, remote Endpoint
	remoteMSS     uint16
	l3            L3Endpoint
	clock         *timerwheel.Clock
	sched         *scheduler.Scheduler
	logger        zerolog.Logger
	cc            CongestionControl
	rto           *RTOEstimator
	ackDelay      time.Duration
	txChecksum    bool
	onClose       func()

	recvQueue chan inboundSegment
	ackQueue  chan ackUpdate
	sendQueue chan []byte

	mu          sync.Mutex
	sendNext    SeqNum
	sendUnacked SeqNum
	recvNext    SeqNum
	sendWindow  uint32
	recvWindow  uint32
	sendScale   uint8
	recvScale   uint8
	unacked     []pendingSegment
	closeState  CloseState

	recvMu     sync.Mutex
	recvBuf    []byte
	recvNotify chan struct{}

	pushMu      sync.Mutex
	pushWaiters map[chan struct{}]SeqNum

	closeRequested chan struct{}
	closeOnce      sync.Once
	stopped        chan struct{}
}

func newConn(p connParams) *Conn {
	c := &Conn{
		local:          p.local,
		remote:         p.remote,
		remoteMSS:      p.remoteMSS,
		l3:             p.l3,
		clock:          p.clock,
		sched:          p.sched,
		logger:         p.logger.With().Str("component", "tcp.Conn").Str("remote", p.remote.String()).Logger(),
		cc:             p.cc,
		rto:            NewRTOEstimator(DefaultMinRTO, DefaultMaxRTO),
		ackDelay:       p.ackDelay,
		txChecksum:     p.txChecksum,
		onClose:        p.onClose,
		recvQueue:      make(chan inboundSegment, 32),
		ackQueue:       make(chan ackUpdate, 32),
		sendQueue:      make(chan []byte, 64),
		sendNext:       p.sendISN,
		sendUnacked:    p.sendISN,
		recvNext:       p.recvISN,
		sendWindow:     p.sendWindow,
		recvWindow:     uint32(p.recvWindow) << p.recvScale,
		sendScale:      p.sendScale,
		recvScale:      p.recvScale,
		recvNotify:     make(chan struct{}),
		pushWaiters:    make(map[chan struct{}]SeqNum),
		closeRequested: make(chan struct{}),
		stopped:        make(chan struct{}),
	}
	return c
}

// start spawns the connection's background coroutine. Per spec.md §7,
// failure to spawn at construction time is fatal; start surfaces that as an
// error for the caller (the handshake coroutine) to propagate into the
// ready queue.
func (c *Conn) start(parent context.Context) error {
	if _, err := c.sched.Insert(parent, c.run); err != nil {
		return tcperrors.Wrap(tcperrors.ResourceExhausted, "tcp.Conn.start", "failed to spawn background coroutine", err)
	}
	return nil
}

// RemoteMSS returns the negotiated maximum segment size for the remote.
func (c *Conn) RemoteMSS() uint16 { return c.remoteMSS }

// CurrentRTO returns the connection's current retransmission timeout.
func (c *Conn) CurrentRTO() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rto.RTO()
}

// Endpoints returns the local and remote endpoints of the connection.
func (c *Conn) Endpoints() (local, remote Endpoint) { return c.local, c.remote }

// Send enqueues buf for transmission. It is non-blocking and fails with
// tcperrors.Ignored if the connection is already closed, or
// tcperrors.ResourceExhausted if the send queue is momentarily full.
func (c *Conn) Send(buf []byte) error {
	c.mu.Lock()
	closed := c.closeState >= FinWait1
	c.mu.Unlock()
	if closed {
		return tcperrors.New(tcperrors.Ignored, "tcp.Conn.Send", "connection is closing")
	}
	select {
	case c.sendQueue <- buf:
		return nil
	default:
		return tcperrors.New(tcperrors.ResourceExhausted, "tcp.Conn.Send", "send queue full")
	}
}

// Push suspends until nbytes bytes queued via Send have been acknowledged,
// or ctx is done (flush semantics, spec.md §4.5).
func (c *Conn) Push(ctx context.Context, nbytes uint32) error {
	target := SeqAdd(c.currentSendUnacked(), nbytes)
	wait := make(chan struct{})

	c.pushMu.Lock()
	c.pushWaiters[wait] = target
	c.pushMu.Unlock()
	defer func() {
		c.pushMu.Lock()
		delete(c.pushWaiters, wait)
		c.pushMu.Unlock()
	}()

	if c.ackedPast(target) {
		return nil
	}

	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return tcperrors.New(tcperrors.Ignored, "tcp.Conn.Push", "connection closed before flush completed")
	}
}

func (c *Conn) currentSendUnacked() SeqNum {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendUnacked
}

func (c *Conn) ackedPast(target SeqNum) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return SeqLessEq(target, c.sendUnacked)
}

// Pop suspends until at least one byte of in-order data is available, then
// returns up to size bytes (or everything buffered, if size is 0).
func (c *Conn) Pop(ctx context.Context, size int) ([]byte, error) {
	for {
		c.recvMu.Lock()
		if len(c.recvBuf) > 0 {
			n := len(c.recvBuf)
			if size > 0 && size < n {
				n = size
			}
			out := append([]byte(nil), c.recvBuf[:n]...)
			c.recvBuf = c.recvBuf[n:]
			c.recvMu.Unlock()
			return out, nil
		}
		notify := c.recvNotify
		c.recvMu.Unlock()

		select {
		case <-notify:
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.stopped:
			return nil, tcperrors.New(tcperrors.Ignored, "tcp.Conn.Pop", "connection closed with no data pending")
		}
	}
}

// Close initiates a graceful close, transitioning through the FIN-WAIT
// states. It is idempotent: closing an already-closing connection reports
// tcperrors.Ignored.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closeState != Established {
		c.mu.Unlock()
		return tcperrors.New(tcperrors.Ignored, "tcp.Conn.Close", "already closing")
	}
	c.closeState = FinWait1
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.closeRequested) })
	return nil
}

func (c *Conn) deliverInbound(seg inboundSegment) {
	select {
	case c.recvQueue <- seg:
	default:
		c.logger.Warn().Msg("receive queue full, dropping segment")
	}
}

func (c *Conn) run(ctx context.Context) {
	defer close(c.stopped)
	defer func() {
		if c.onClose != nil {
			c.onClose()
		}
	}()

	rtoCh := c.clock.Wait(c.rto.RTO())
	ackDelayCh := c.clock.Wait(c.ackDelay)

	for {
		select {
		case seg, ok := <-c.recvQueue:
			if !ok {
				return
			}
			c.handleInboundSegment(seg)
			ackDelayCh = c.clock.Wait(c.ackDelay)

		case upd, ok := <-c.ackQueue:
			if !ok {
				return
			}
			c.applyAck(upd)
			rtoCh = c.clock.Wait(c.rto.RTO())

		case buf, ok := <-c.sendQueue:
			if !ok {
				return
			}
			c.transmitSegment(ctx, buf)

		case <-rtoCh:
			c.onRTOFired(ctx)
			rtoCh = c.clock.Wait(c.rto.Backoff())

		case <-ackDelayCh:
			c.emitAck(ctx)
			ackDelayCh = c.clock.Wait(c.ackDelay)

		case <-c.closeRequested:
			c.mu.Lock()
			drained := len(c.unacked) == 0
			if drained {
				c.closeState = ConnClosed
			} else {
				c.closeState = FinWait2
			}
			c.mu.Unlock()
			if drained {
				return
			}

		case <-ctx.Done():
			return
		}

		c.mu.Lock()
		done := c.closeState == ConnClosed || (c.closeState == FinWait2 && len(c.unacked) == 0)
		c.mu.Unlock()
		if done {
			return
		}
	}
}

func (c *Conn) handleInboundSegment(seg inboundSegment) {
	c.mu.Lock()
	inOrder := seg.header.SeqNum == c.recvNext
	if inOrder {
		c.recvNext = SeqAdd(c.recvNext, uint32(len(seg.payload)))
	}
	c.mu.Unlock()

	if !inOrder {
		c.logger.Debug().Msg("dropping out-of-order segment")
		return
	}
	if len(seg.payload) > 0 {
		c.recvMu.Lock()
		c.recvBuf = append(c.recvBuf, seg.payload...)
		old := c.recvNotify
		c.recvNotify = make(chan struct{})
		c.recvMu.Unlock()
		close(old)
	}
	if seg.header.HasFlag(FlagACK) {
		select {
		case c.ackQueue <- ackUpdate{ackNum: seg.header.AckNum}:
		default:
		}
	}
}

func (c *Conn) applyAck(upd ackUpdate) {
	c.mu.Lock()
	if SeqLess(c.sendUnacked, upd.ackNum) {
		c.sendUnacked = upd.ackNum
		for len(c.unacked) > 0 && SeqLessEq(SeqAdd(c.unacked[0].seq, uint32(len(c.unacked[0].payload))), upd.ackNum) {
			rtt := time.Since(c.unacked[0].sentAt)
			if upd.rtt > 0 {
				rtt = upd.rtt
			}
			c.rto.Sample(rtt)
			c.cc.OnAck(c.unacked[0].seq, rtt)
			c.unacked = c.unacked[1:]
		}
	}
	target := c.sendUnacked
	c.mu.Unlock()

	c.pushMu.Lock()
	for ch, want := range c.pushWaiters {
		if SeqLessEq(want, target) {
			close(ch)
			delete(c.pushWaiters, ch)
		}
	}
	c.pushMu.Unlock()
}

func (c *Conn) transmitSegment(ctx context.Context, payload []byte) {
	c.mu.Lock()
	seq := c.sendNext
	c.sendNext = SeqAdd(c.sendNext, uint32(len(payload)))
	c.unacked = append(c.unacked, pendingSegment{seq: seq, payload: payload, sentAt: time.Now()})
	ackNum := c.recvNext
	c.mu.Unlock()

	c.cc.OnSend(seq, len(payload))

	h := Header{
		SrcPort: c.local.Port,
		DstPort: c.remote.Port,
		SeqNum:  seq,
		AckNum:  ackNum,
		Flags:   FlagACK,
		Window:  uint16(c.recvWindow >> c.recvScale),
	}
	wire := Marshal(h, payload, c.txChecksum)
	if err := c.l3.TransmitBlocking(ctx, c.remote.IP, wire); err != nil {
		c.logger.Warn().Err(err).Msg("failed to transmit segment")
	}
}

func (c *Conn) onRTOFired(ctx context.Context) {
	c.mu.Lock()
	if len(c.unacked) == 0 {
		c.mu.Unlock()
		return
	}
	earliest := c.unacked[0]
	ackNum := c.recvNext
	c.mu.Unlock()

	c.cc.OnLoss()
	c.logger.Debug().Uint32("seq", uint32(earliest.seq)).Msg("RTO fired, retransmitting earliest unacked segment")

	h := Header{
		SrcPort: c.local.Port,
		DstPort: c.remote.Port,
		SeqNum:  earliest.seq,
		AckNum:  ackNum,
		Flags:   FlagACK,
		Window:  uint16(c.recvWindow >> c.recvScale),
	}
	wire := Marshal(h, earliest.payload, c.txChecksum)
	if err := c.l3.TransmitBlocking(ctx, c.remote.IP, wire); err != nil {
		c.logger.Warn().Err(err).Msg("failed to retransmit segment")
	}
}

func (c *Conn) emitAck(ctx context.Context) {
	c.mu.Lock()
	ackNum := c.recvNext
	c.mu.Unlock()

	h := Header{
		SrcPort: c.local.Port,
		DstPort: c.remote.Port,
		SeqNum:  c.currentSendNext(),
		AckNum:  ackNum,
		Flags:   FlagACK,
		Window:  uint16(c.recvWindow >> c.recvScale),
	}
	wire := Marshal(h, nil, c.txChecksum)
	if err := c.l3.TransmitNonBlocking(c.remote.IP, wire); err != nil {
		c.logger.Debug().Err(err).Msg("failed to transmit delayed ACK")
	}
}

func (c *Conn) currentSendNext() SeqNum {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendNext
}
