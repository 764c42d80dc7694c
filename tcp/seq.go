package tcp

// SeqNum is a TCP sequence number: a 32-bit unsigned integer compared with
// wraparound (modular) semantics per RFC 1323 §4.2, never as a plain
// ordinary integer.
type SeqNum uint32

// SeqLess reports whether a precedes b in sequence-number space, accounting
// for wraparound.
func SeqLess(a, b SeqNum) bool { return int32(a-b) < 0 }

// SeqLessEq reports whether a precedes or equals b in sequence-number
// space, accounting for wraparound.
func SeqLessEq(a, b SeqNum) bool { return int32(a-b) <= 0 }

// SeqDiff returns the forward distance from b to a (i.e. a-b performed in
// wraparound arithmetic).
func SeqDiff(a, b SeqNum) uint32 { return uint32(a - b) }

// SeqAdd returns a+n in wraparound arithmetic.
func SeqAdd(a SeqNum, n uint32) SeqNum { return a + SeqNum(n) }
