// Scatter-gather arrays on top of Buffer. spec.md §3 defines the single-
// segment invariant enforced here: every public entry point that builds or
// consumes an SGArray requires len(Segments) == 1, rejecting anything else
// with tcperrors.InvalidArgument.
package bufpool

import "github.com/loopkernel/tcpstack/tcperrors"

// SGArray is a scatter-gather array of owned buffer segments. The stack
// only ever constructs and consumes single-segment arrays; the field stays
// a slice (rather than a bare Buffer) to mirror the original multi-segment
// contract spec.md inherits from the data model it was distilled from.
type SGArray struct {
	Segments []Buffer
}

// AllocSGArray returns a single-segment array backed by an owned buffer of
// exactly n bytes, freshly allocated from p.
func AllocSGArray(p *Pool, n int) SGArray {
	return SGArray{Segments: []Buffer{Alloc(p, n)}}
}

// IntoSGArray wraps an existing buffer into a single-segment array, sharing
// ownership with the caller's handle (the returned array retains buf; it
// does not copy).
func IntoSGArray(buf Buffer) SGArray {
	return SGArray{Segments: []Buffer{buf.Retain()}}
}

// FreeSGArray releases sga's single segment, returning its storage to its
// originating pool once the last reference is gone. It reports
// tcperrors.InvalidArgument if sga does not have exactly one segment.
func FreeSGArray(sga SGArray) error {
	if len(sga.Segments) != 1 {
		return tcperrors.New(tcperrors.InvalidArgument, "bufpool.FreeSGArray",
			"scatter-gather array must have exactly one segment")
	}
	sga.Segments[0].Release()
	return nil
}

// CloneSGArray copies the underlying bytes of sga's single segment into a
// new, independently owned single-segment array allocated from p. It
// reports tcperrors.InvalidArgument if sga does not have exactly one
// segment.
func CloneSGArray(p *Pool, sga SGArray) (SGArray, error) {
	if len(sga.Segments) != 1 {
		return SGArray{}, tcperrors.New(tcperrors.InvalidArgument, "bufpool.CloneSGArray",
			"scatter-gather array must have exactly one segment")
	}
	return SGArray{Segments: []Buffer{sga.Segments[0].Clone(p)}}, nil
}

// Len returns the byte length of sga's single segment, or 0 if sga is
// empty.
func (sga SGArray) Len() int {
	if len(sga.Segments) != 1 {
		return 0
	}
	return sga.Segments[0].Len()
}

// Bytes returns the byte view of sga's single segment, or nil if sga does
// not have exactly one segment.
func (sga SGArray) Bytes() []byte {
	if len(sga.Segments) != 1 {
		return nil
	}
	return sga.Segments[0].Bytes()
}
