package tcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRTOInitialValue(t *testing.T) {
	e := NewRTOEstimator(0, 0)
	assert.Equal(t, initialRTO, e.RTO())
}

func TestRTOClampsToMinimum(t *testing.T) {
	e := NewRTOEstimator(500*time.Millisecond, 0)
	e.Sample(time.Millisecond)
	assert.GreaterOrEqual(t, e.RTO(), 500*time.Millisecond)
}

func TestRTOClampsToMaximum(t *testing.T) {
	e := NewRTOEstimator(0, 2*time.Second)
	e.Sample(10 * time.Second)
	assert.LessOrEqual(t, e.RTO(), 2*time.Second)
}

func TestRTOBackoffDoubles(t *testing.T) {
	e := NewRTOEstimator(100*time.Millisecond, 10*time.Second)
	e.Sample(200 * time.Millisecond)
	first := e.RTO()
	second := e.Backoff()
	assert.Equal(t, first*2, second)
}

func TestRTOBackoffResetsOnFreshSample(t *testing.T) {
	e := NewRTOEstimator(100*time.Millisecond, 10*time.Second)
	e.Sample(200 * time.Millisecond)
	e.Backoff()
	e.Backoff()
	backedOff := e.RTO()

	e.Sample(200 * time.Millisecond)
	assert.Less(t, e.RTO(), backedOff)
}
