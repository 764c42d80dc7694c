// The passive-open engine (C6): SYN admission bounded by a backlog, RST
// synthesis per RFC 793 §3.4, a retried SYN+ACK handshake per remote, and
// promotion to an established control block via a ready queue.
//
// The single background multiplexer coroutine is grounded on the listener
// description in spec.md §4.4; the three-way select shape (close
// notifications, inbound segments, state changes) is additionally grounded
// on original_source's established/mod.rs background_task, which selects
// over an analogous set of channels for a running connection. Go has no
// native coroutines, so — as SPEC_FULL §4.2 lays out — this loop is an
// ordinary goroutine registered with the scheduler. It shares the in-flight
// map with Close, which replaces the map from the caller's goroutine, so
// every access goes through l.mu.
package tcp

import (
	"context"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/rs/zerolog"

	"github.com/loopkernel/tcpstack/scheduler"
	"github.com/loopkernel/tcpstack/timerwheel"
	"github.com/loopkernel/tcpstack/tcperrors"
)

// ListenerState is the passive socket's state, spec.md §3.
type ListenerState int

const (
	Listening ListenerState = iota
	Closed
)

func (s ListenerState) String() string {
	if s == Closed {
		return "Closed"
	}
	return "Listening"
}

// inboundSegment is what HandleInbound hands to the multiplexer, and what
// the multiplexer forwards on to an in-flight or established connection's
// own receive queue.
type inboundSegment struct {
	remote  Endpoint
	header  Header
	payload []byte
}

// AcceptResult is what the ready queue yields: either a freshly established
// Conn, or the terminal error the handshake failed with.
type AcceptResult struct {
	Conn *Conn
	Err  error
}

type inFlightEntry struct {
	recvQueue chan inboundSegment
	cancel    context.CancelFunc
}

// Listener is the passive-open engine, spec.md C6.
type Listener struct {
	local  Endpoint
	cfg    Config
	l3     L3Endpoint
	clock  *timerwheel.Clock
	sched  *scheduler.Scheduler
	logger zerolog.Logger
	rst    *catrate.Limiter
	isnGen func(local, remote Endpoint) SeqNum

	segQueue chan inboundSegment
	closeCh  chan Endpoint
	readyCh  chan AcceptResult
	mainDone chan struct{}
	mainStop context.CancelFunc

	mu       sync.Mutex
	state    ListenerState
	inFlight map[Endpoint]*inFlightEntry
}

// NewListener constructs a Listener and spawns its background multiplexer
// coroutine. Per spec.md §7, "failure to spawn a coroutine at construction
// time is fatal" — NewListener returns the Insert error directly rather
// than swallowing it, so the caller can treat it as a fatal startup error.
func NewListener(local Endpoint, cfg Config, l3 L3Endpoint, clock *timerwheel.Clock, sched *scheduler.Scheduler, logger zerolog.Logger) (*Listener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var limiter *catrate.Limiter
	if cfg.RSTRateLimit > 0 {
		limiter = catrate.NewLimiter(map[time.Duration]int{time.Second: cfg.RSTRateLimit})
	}

	ctx, stop := context.WithCancel(context.Background())
	l := &Listener{
		local:    local,
		cfg:      cfg,
		l3:       l3,
		clock:    clock,
		sched:    sched,
		logger:   logger.With().Str("component", "tcp.Listener").Str("local", local.String()).Logger(),
		rst:      limiter,
		isnGen:   defaultISNGenerator,
		segQueue: make(chan inboundSegment, cfg.Backlog*2+1),
		closeCh:  make(chan Endpoint, cfg.Backlog+1),
		readyCh:  make(chan AcceptResult, cfg.Backlog+1),
		mainDone: make(chan struct{}),
		mainStop: stop,
		state:    Listening,
		inFlight: make(map[Endpoint]*inFlightEntry),
	}

	if _, err := sched.Insert(ctx, l.multiplex); err != nil {
		stop()
		return nil, tcperrors.Wrap(tcperrors.ResourceExhausted, "tcp.NewListener", "failed to spawn multiplexer coroutine", err)
	}
	return l, nil
}

// defaultISNGenerator seeds an ISN from the local/remote endpoint pair; a
// real deployment would additionally mix in a random nonce and wall-clock
// time, omitted here since tests need deterministic ISNs.
func defaultISNGenerator(local, remote Endpoint) SeqNum {
	var h uint32
	for _, b := range local.IP {
		h = h*31 + uint32(b)
	}
	h = h*31 + uint32(local.Port)
	for _, b := range remote.IP {
		h = h*31 + uint32(b)
	}
	h = h*31 + uint32(remote.Port)
	return SeqNum(h)
}

// HandleInbound delivers an inbound segment to the listener. Per the
// concurrency model's back-pressure policy, a full queue suspends the
// caller rather than dropping the segment; it returns early if ctx is
// canceled first.
func (l *Listener) HandleInbound(ctx context.Context, remote Endpoint, h Header, payload []byte) error {
	select {
	case l.segQueue <- inboundSegment{remote: remote, header: h, payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Accept suspends until the ready queue yields an established connection or
// a terminal handshake error, or ctx is done.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	select {
	case r := <-l.readyCh:
		return r.Conn, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close transitions the listener to Closed. Pending handshake coroutines
// are canceled and abandoned without sending a RST to their peers (spec.md
// §9's open question, resolved as "no" — the lower-risk behavior); the
// in-flight map is dropped as a whole.
func (l *Listener) Close() {
	l.mu.Lock()
	if l.state == Closed {
		l.mu.Unlock()
		return
	}
	l.state = Closed
	entries := make([]*inFlightEntry, 0, len(l.inFlight))
	for _, e := range l.inFlight {
		entries = append(entries, e)
	}
	l.inFlight = make(map[Endpoint]*inFlightEntry)
	l.mu.Unlock()

	for _, e := range entries {
		e.cancel()
	}
	l.mainStop()
}

// State reports the listener's current state.
func (l *Listener) State() ListenerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Listener) multiplex(ctx context.Context) {
	defer close(l.mainDone)
	for {
		select {
		case remote := <-l.closeCh:
			l.mu.Lock()
			delete(l.inFlight, remote)
			l.mu.Unlock()
		case seg := <-l.segQueue:
			l.handleSegment(ctx, seg)
		case <-ctx.Done():
			return
		}
	}
}

func (l *Listener) handleSegment(ctx context.Context, seg inboundSegment) {
	l.mu.Lock()
	entry, inFlightOK := l.inFlight[seg.remote]
	backlogFull := len(l.inFlight) >= l.cfg.Backlog
	l.mu.Unlock()

	if inFlightOK {
		select {
		case entry.recvQueue <- seg:
		default:
			l.logger.Warn().Str("remote", seg.remote.String()).Msg("in-flight receive queue full, dropping segment")
		}
		return
	}

	if !seg.header.HasFlag(FlagSYN) || seg.header.HasFlag(FlagACK) || seg.header.HasFlag(FlagRST) {
		l.sendRST(seg)
		return
	}

	if backlogFull {
		l.sendRST(seg)
		return
	}

	if len(seg.payload) > 0 {
		l.logger.Info().Str("remote", seg.remote.String()).Int("bytes", len(seg.payload)).
			Msg("dropping data carried on initial SYN")
		seg.payload = nil
	}

	localISN := l.isnGen(l.local, seg.remote)
	recvQ := make(chan inboundSegment, 4)
	hsCtx, cancel := context.WithCancel(ctx)

	l.mu.Lock()
	l.inFlight[seg.remote] = &inFlightEntry{recvQueue: recvQ, cancel: cancel}
	l.mu.Unlock()

	syn := seg.header
	remote := seg.remote
	if _, err := l.sched.Insert(hsCtx, func(taskCtx context.Context) {
		l.runHandshake(taskCtx, ctx, remote, syn, localISN, recvQ)
	}); err != nil {
		l.logger.Warn().Err(err).Str("remote", remote.String()).Msg("failed to spawn handshake coroutine")
		l.mu.Lock()
		delete(l.inFlight, remote)
		l.mu.Unlock()
		cancel()
	}
}

// sendRST synthesizes and transmits a RST per RFC 793 §3.4, subject to the
// per-remote rate limiter (A3). Device transmit failures during RST
// emission are logged and swallowed, per spec.md §7.
func (l *Listener) sendRST(seg inboundSegment) {
	if l.rst != nil {
		if _, ok := l.rst.Allow(seg.remote.IP); !ok {
			l.logger.Debug().Str("remote", seg.remote.String()).Msg("RST suppressed by rate limiter")
			return
		}
	}

	rst := SynthesizeRST(seg.header, seg.remote, l.local, len(seg.payload))
	wire := Marshal(rst, nil, l.cfg.TxChecksumOffload)
	if err := l.l3.TransmitNonBlocking(seg.remote.IP, wire); err != nil {
		l.logger.Warn().Err(err).Str("remote", seg.remote.String()).Msg("failed to transmit RST")
	}
}

// SynthesizeRST builds the RST header for an incoming segment per RFC 793
// §3.4 / spec.md §4.4.1.
func SynthesizeRST(in Header, remote, local Endpoint, payloadLen int) Header {
	h := Header{
		SrcPort: local.Port,
		DstPort: remote.Port,
		Flags:   FlagRST | FlagACK,
	}
	if in.HasFlag(FlagACK) {
		h.SeqNum = in.AckNum
		h.AckNum = in.AckNum + 1
	} else {
		h.SeqNum = 0
		h.AckNum = in.SeqNum + SeqNum(SegmentLength(in, payloadLen))
	}
	return h
}

func (l *Listener) runHandshake(ctx, connCtx context.Context, remote Endpoint, syn Header, localISN SeqNum, recvQ chan inboundSegment) {
	result := l.handshake(ctx, connCtx, remote, syn, localISN, recvQ)

	select {
	case l.readyCh <- result:
	case <-ctx.Done():
	}
	select {
	case l.closeCh <- remote:
	case <-ctx.Done():
	}
}

func (l *Listener) handshake(ctx, connCtx context.Context, remote Endpoint, syn Header, localISN SeqNum, recvQ chan inboundSegment) AcceptResult {
	remoteMSS := uint16(DefaultMSS)
	if syn.MaxSegmentSize != nil {
		remoteMSS = *syn.MaxSegmentSize
	}
	remoteWS := uint8(0)
	haveRemoteWS := syn.WindowScale != nil
	if haveRemoteWS {
		remoteWS = *syn.WindowScale
		if remoteWS > MaxWindowScale {
			remoteWS = MaxWindowScale
		}
	}
	remoteISN := syn.SeqNum

	attempts := l.cfg.HandshakeRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		localMSS := l.cfg.AdvertisedMSS
		localWS := l.cfg.WindowScale
		synAck := Header{
			SrcPort:        l.local.Port,
			DstPort:        remote.Port,
			SeqNum:         localISN,
			AckNum:         remoteISN + 1,
			Flags:          FlagSYN | FlagACK,
			Window:         l.cfg.ReceiveWindowSize,
			MaxSegmentSize: &localMSS,
			WindowScale:    &localWS,
		}
		wire := Marshal(synAck, nil, l.cfg.TxChecksumOffload)
		if err := l.l3.TransmitBlocking(ctx, remote.IP, wire); err != nil {
			l.logger.Warn().Err(err).Str("remote", remote.String()).Msg("failed to transmit SYN+ACK")
		}

		select {
		case seg := <-recvQ:
			if seg.header.AckNum != localISN+1 {
				return AcceptResult{Err: tcperrors.New(tcperrors.BadMessage, "tcp.handshake", "SYN+ACK ack number mismatch")}
			}

			var recvScale, sendScale uint8
			if haveRemoteWS {
				recvScale = l.cfg.WindowScale
				sendScale = remoteWS
			}

			conn := newConn(connParams{
				local:       l.local,
				remote:      remote,
				sendISN:     localISN + 1,
				recvISN:     remoteISN + 1,
				sendWindow:  uint32(seg.header.Window) << sendScale,
				recvWindow:  uint32(l.cfg.ReceiveWindowSize),
				sendScale:   sendScale,
				recvScale:   recvScale,
				remoteMSS:   remoteMSS,
				ackDelay:    l.cfg.AckDelayTimeout,
				l3:          l.l3,
				clock:       l.clock,
				sched:       l.sched,
				logger:      l.logger,
				cc:          NewRenoCongestionControl(uint32(remoteMSS)),
				onClose:     func() { l.notifyClose(remote) },
				txChecksum:  l.cfg.TxChecksumOffload,
			})

			if len(seg.payload) > 0 {
				conn.deliverInbound(inboundSegment{remote: remote, header: seg.header, payload: seg.payload})
			}
			// The handshake task's ctx is canceled as soon as it returns, so the
			// connection descends from the listener's context instead.
			if err := conn.start(connCtx); err != nil {
				return AcceptResult{Err: err}
			}
			return AcceptResult{Conn: conn}

		case <-l.clock.Wait(l.cfg.HandshakeTimeout):
			continue

		case <-ctx.Done():
			return AcceptResult{Err: tcperrors.New(tcperrors.Ignored, "tcp.handshake", "listener closed before handshake completed")}
		}
	}

	return AcceptResult{Err: tcperrors.New(tcperrors.Timeout, "tcp.handshake", "handshake retries exhausted")}
}

func (l *Listener) notifyClose(remote Endpoint) {
	select {
	case l.closeCh <- remote:
	default:
	}
}
