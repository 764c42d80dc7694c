// Congestion control capability, spec.md §9 "dynamic dispatch for
// congestion control": a constructor function returning a small capability
// object rather than an inheritance hierarchy. NoCongestionControl is the
// spec's "None" constructor; NewRenoCongestionControl is new, supplementing
// the distillation (SPEC_FULL §4.5) since the distilled spec names Reno and
// CUBIC as unspecified variants but an inert None alone never exercises the
// capability.
package tcp

import (
	"sync"
	"time"
)

// CongestionControl is the capability every congestion controller
// implements: on_send/on_ack/on_loss/cwnd from spec.md §4.5, in idiomatic
// Go casing.
type CongestionControl interface {
	OnSend(seq SeqNum, n int)
	OnAck(seq SeqNum, rtt time.Duration)
	OnLoss()
	Cwnd() uint32
}

type noneCongestionControl struct{ window uint32 }

// NoCongestionControl returns a capability that never restricts the send
// window, the spec's "None" constructor.
func NoCongestionControl() CongestionControl {
	return &noneCongestionControl{window: 0xFFFFFFFF}
}

func (n *noneCongestionControl) OnSend(SeqNum, int)          {}
func (n *noneCongestionControl) OnAck(SeqNum, time.Duration) {}
func (n *noneCongestionControl) OnLoss()                     {}
func (n *noneCongestionControl) Cwnd() uint32                { return n.window }

// renoCongestionControl is a small RFC 5681-style AIMD implementation: slow
// start below ssthresh, additive increase above it, multiplicative decrease
// (halve cwnd, set ssthresh) on loss.
type renoCongestionControl struct {
	mu       sync.Mutex
	mss      uint32
	cwnd     uint32
	ssthresh uint32
}

// NewRenoCongestionControl returns a Reno-style AIMD congestion controller
// seeded with the negotiated MSS.
func NewRenoCongestionControl(mss uint32) CongestionControl {
	if mss == 0 {
		mss = DefaultMSS
	}
	return &renoCongestionControl{
		mss:      mss,
		cwnd:     mss,
		ssthresh: 65535,
	}
}

func (r *renoCongestionControl) OnSend(seq SeqNum, n int) {}

func (r *renoCongestionControl) OnAck(seq SeqNum, rtt time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cwnd < r.ssthresh {
		// Slow start: one MSS per ACKed segment.
		r.cwnd += r.mss
	} else {
		// Congestion avoidance: roughly one MSS per RTT.
		r.cwnd += (r.mss*r.mss + r.cwnd - 1) / r.cwnd
	}
}

func (r *renoCongestionControl) OnLoss() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ssthresh = r.cwnd / 2
	if r.ssthresh < r.mss {
		r.ssthresh = r.mss
	}
	r.cwnd = r.ssthresh
}

func (r *renoCongestionControl) Cwnd() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cwnd
}
