// Package bufpool implements owned, reference-counted buffers and the
// scatter-gather arrays built on top of them.
//
// The size-bucketed recycling strategy is grounded on the teacher pack's
// SeleniaProject-Orizon asyncio.BytePool (sorted ascending bucket sizes,
// sync.Pool per bucket, approximate per-bucket retention limit). BytePool
// alone hands back a bare []byte with no notion of shared ownership, so
// Buffer adds the refcount spec.md §3 requires ("the system retains a
// matching ownership handle until the caller returns that pointer via
// free_sgarray").
package bufpool

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Pool is a size-bucketed allocator of pooled byte slices, recycled via
// sync.Pool the same way Orizon's BytePool recycles raw I/O buffers.
type Pool struct {
	bucketSizes []int
	maxPerBkt   int
	buckets     []bucket
}

type bucket struct {
	size  int
	limit int64
	inuse int64
	pool  sync.Pool
}

// DefaultBucketSizes mirrors Orizon's BytePool network-buffer defaults.
var DefaultBucketSizes = []int{1024, 2048, 4096, 8192, 16384, 32768, 65536}

// NewPool creates a Pool with the given ascending bucket sizes (sorted if
// not already) and an approximate per-bucket retention limit.
func NewPool(bucketSizes []int, maxPerBucket int) *Pool {
	bs := append([]int(nil), bucketSizes...)
	sort.Ints(bs)
	buckets := make([]bucket, len(bs))
	for i, sz := range bs {
		size := sz
		buckets[i] = bucket{
			size:  size,
			limit: int64(maxPerBucket),
			pool:  sync.Pool{New: func() any { return make([]byte, size) }},
		}
	}
	return &Pool{bucketSizes: bs, maxPerBkt: maxPerBucket, buckets: buckets}
}

// DefaultPool returns a Pool sized for typical TCP segment and header
// buffers.
func DefaultPool() *Pool {
	return NewPool(DefaultBucketSizes, 1024)
}

func (p *Pool) findBucket(n int) int {
	i := sort.Search(len(p.buckets), func(i int) bool { return p.buckets[i].size >= n })
	if i >= len(p.buckets) {
		return -1
	}
	return i
}

// get returns a raw slice with capacity >= n and length n. Buffers larger
// than the top bucket are allocated fresh and never pooled on release.
func (p *Pool) get(n int) []byte {
	if n < 0 {
		n = 0
	}
	idx := p.findBucket(n)
	if idx < 0 {
		return make([]byte, n)
	}
	b := &p.buckets[idx]
	buf := b.pool.Get().([]byte)
	atomic.AddInt64(&b.inuse, 1)
	return buf[:n]
}

func (p *Pool) put(buf []byte) {
	capn := cap(buf)
	if capn == 0 {
		return
	}
	idx := p.findBucket(capn)
	if idx < 0 || p.buckets[idx].size != capn {
		return
	}
	b := &p.buckets[idx]
	if cur := atomic.AddInt64(&b.inuse, -1); cur >= b.limit {
		return
	}
	b.pool.Put(buf[:capn])
}

// Buffer is an owned, reference-counted byte range carved out of a Pool.
// Handles obtained via Retain (including the one IntoSGArray stores in an
// SGArray) share the same underlying storage, while Clone copies into new
// storage; the storage returns to its Pool only once the last reference
// releases it.
type Buffer struct {
	pool    *Pool
	storage []byte
	off     int
	length  int
	refs    *int32
}

// Alloc allocates a fresh owned Buffer of exactly n bytes from p.
func Alloc(p *Pool, n int) Buffer {
	storage := p.get(n)
	refs := int32(1)
	return Buffer{pool: p, storage: storage, off: 0, length: n, refs: &refs}
}

// FromBytes wraps an existing slice as an owned Buffer without pooling;
// releasing it is a no-op on the underlying memory. Used for buffers handed
// in from outside the stack (e.g. data read off an L3Endpoint).
func FromBytes(data []byte) Buffer {
	refs := int32(1)
	return Buffer{storage: data, off: 0, length: len(data), refs: &refs}
}

// Bytes returns the buffer's current view. The returned slice must not be
// retained past a call to Release.
func (b Buffer) Bytes() []byte {
	if b.refs == nil {
		return nil
	}
	return b.storage[b.off : b.off+b.length]
}

// Len reports the buffer's length.
func (b Buffer) Len() int { return b.length }

// Retain increments the buffer's reference count and returns the same
// logical buffer, ready to be released independently by the new holder.
func (b Buffer) Retain() Buffer {
	if b.refs != nil {
		atomic.AddInt32(b.refs, 1)
	}
	return b
}

// Release decrements the buffer's reference count, returning the backing
// storage to its pool once the count reaches zero. Releasing a zero-value
// Buffer is a no-op.
func (b Buffer) Release() {
	if b.refs == nil {
		return
	}
	if atomic.AddInt32(b.refs, -1) == 0 && b.pool != nil {
		b.pool.put(b.storage)
	}
}

// Clone copies the buffer's current bytes into a brand-new, independently
// owned Buffer allocated from p.
func (b Buffer) Clone(p *Pool) Buffer {
	out := Alloc(p, b.length)
	copy(out.Bytes(), b.Bytes())
	return out
}

// RefCount reports the buffer's current reference count, for tests.
func (b Buffer) RefCount() int32 {
	if b.refs == nil {
		return 0
	}
	return atomic.LoadInt32(b.refs)
}
