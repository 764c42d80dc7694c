package tcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNoCongestionControlNeverLimits(t *testing.T) {
	cc := NoCongestionControl()
	before := cc.Cwnd()
	cc.OnSend(0, 1000)
	cc.OnLoss()
	assert.Equal(t, before, cc.Cwnd())
}

func TestRenoSlowStartIncreasesCwnd(t *testing.T) {
	cc := NewRenoCongestionControl(1460)
	start := cc.Cwnd()
	cc.OnAck(0, 10*time.Millisecond)
	assert.Greater(t, cc.Cwnd(), start)
}

func TestRenoLossHalvesCwnd(t *testing.T) {
	cc := NewRenoCongestionControl(1460)
	for i := 0; i < 5; i++ {
		cc.OnAck(0, 10*time.Millisecond)
	}
	before := cc.Cwnd()
	cc.OnLoss()
	assert.LessOrEqual(t, cc.Cwnd(), before/2+1)
}

func TestRenoCwndNeverBelowOneMSS(t *testing.T) {
	cc := NewRenoCongestionControl(1460)
	for i := 0; i < 10; i++ {
		cc.OnLoss()
	}
	assert.GreaterOrEqual(t, cc.Cwnd(), uint32(1460))
}
