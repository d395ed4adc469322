// Buffer pool for the track signal hot path
//
// Every refresh cycle re-encodes the drive state of each locomotive
// into fresh bit stream segments. Pooling those buffers keeps the
// steady encode-transmit-discard churn away from the garbage
// collector.
//
// Usage:
//
//	seg := pool.GetSegment(64)
//	defer pool.PutSegment(seg)
//	// append wire bytes to seg...

package pool

import (
	"sync"
)

// Segments longer than this are one-off telegrams, not refresh
// traffic. They are left to the garbage collector so the pool does not
// accumulate oversized buffers.
const maxPooledSegment = 4096

var segmentPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 256) // Covers any single DCC or MM telegram
	},
}

// GetSegment returns a zero-length segment buffer with at least the
// given capacity.
func GetSegment(capacity int) []byte {
	s := segmentPool.Get().([]byte)
	if cap(s) < capacity {
		segmentPool.Put(s)
		return make([]byte, 0, capacity)
	}
	return s[:0]
}

// PutSegment returns a segment buffer to the pool. The caller must not
// touch the slice afterwards.
func PutSegment(s []byte) {
	if s == nil || cap(s) > maxPooledSegment {
		return
	}
	segmentPool.Put(s[:0])
}
