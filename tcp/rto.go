// RTO estimation, the standard Karn/Jacobson algorithm (RFC 6298) with
// minimum/maximum clamps, as required unchanged by spec.md §4.5.
package tcp

import "time"

const (
	// DefaultMinRTO and DefaultMaxRTO bound the estimator's output.
	DefaultMinRTO = 200 * time.Millisecond
	DefaultMaxRTO = 60 * time.Second

	// initialRTO is used until the first RTT sample arrives.
	initialRTO = time.Second
)

// RTOEstimator tracks smoothed RTT (SRTT) and RTT variation (RTTVAR) per
// Jacobson's algorithm, producing a clamped retransmission timeout.
type RTOEstimator struct {
	srtt    time.Duration
	rttvar  time.Duration
	rto     time.Duration
	minRTO  time.Duration
	maxRTO  time.Duration
	hasSamp bool

	backoffShift uint
}

// NewRTOEstimator creates an estimator with the given clamps. A zero min or
// max falls back to DefaultMinRTO/DefaultMaxRTO.
func NewRTOEstimator(minRTO, maxRTO time.Duration) *RTOEstimator {
	if minRTO <= 0 {
		minRTO = DefaultMinRTO
	}
	if maxRTO <= 0 {
		maxRTO = DefaultMaxRTO
	}
	return &RTOEstimator{rto: initialRTO, minRTO: minRTO, maxRTO: maxRTO}
}

// Sample folds a fresh RTT measurement into the estimator. Per Karn's
// algorithm, callers must never sample an RTT measured against a
// retransmitted segment (ambiguous which transmission was ACKed).
func (e *RTOEstimator) Sample(rtt time.Duration) {
	if !e.hasSamp {
		e.srtt = rtt
		e.rttvar = rtt / 2
		e.hasSamp = true
	} else {
		diff := e.srtt - rtt
		if diff < 0 {
			diff = -diff
		}
		e.rttvar = (3*e.rttvar + diff) / 4
		e.srtt = (7*e.srtt + rtt) / 8
	}
	e.backoffShift = 0
	e.rto = e.clamp(e.srtt + maxDuration(4*e.rttvar, time.Millisecond))
}

// RTO returns the current retransmission timeout, including any exponential
// backoff applied by prior calls to Backoff.
func (e *RTOEstimator) RTO() time.Duration {
	backed := e.rto << e.backoffShift
	return e.clamp(backed)
}

// Backoff doubles the effective RTO, per the standard exponential backoff
// on retransmission timeout, up to the configured maximum.
func (e *RTOEstimator) Backoff() time.Duration {
	if e.RTO() < e.maxRTO {
		e.backoffShift++
	}
	return e.RTO()
}

func (e *RTOEstimator) clamp(d time.Duration) time.Duration {
	if d < e.minRTO {
		return e.minRTO
	}
	if d > e.maxRTO {
		return e.maxRTO
	}
	return d
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
