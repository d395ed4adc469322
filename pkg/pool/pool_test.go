// Unit tests for the segment buffer pool

package pool

import (
	"sync"
	"testing"
)

func TestGetSegmentEmpty(t *testing.T) {
	s := GetSegment(64)
	if len(s) != 0 {
		t.Errorf("fresh segment has length %d, want 0", len(s))
	}
	if cap(s) < 64 {
		t.Errorf("fresh segment has capacity %d, want >= 64", cap(s))
	}
	PutSegment(s)
}

func TestSegmentReuseIsReset(t *testing.T) {
	s := GetSegment(16)
	s = append(s, 0xAA, 0x55, 0xAA)
	PutSegment(s)

	s2 := GetSegment(16)
	if len(s2) != 0 {
		t.Errorf("pooled segment has length %d, want 0", len(s2))
	}
	PutSegment(s2)
}

func TestGetSegmentLargeCapacity(t *testing.T) {
	s := GetSegment(1024)
	if cap(s) < 1024 {
		t.Errorf("capacity %d, want >= 1024", cap(s))
	}
	PutSegment(s)
}

func TestPutSegmentOversized(t *testing.T) {
	// Oversized buffers are discarded. This must not panic and must
	// not poison later gets.
	PutSegment(make([]byte, 0, maxPooledSegment+1))
	s := GetSegment(8)
	if len(s) != 0 {
		t.Errorf("segment has length %d, want 0", len(s))
	}
	PutSegment(s)
}

func TestPutSegmentNil(t *testing.T) {
	// Should not panic
	PutSegment(nil)
}

func TestSegmentPoolConcurrent(t *testing.T) {
	var wg sync.WaitGroup
	iterations := 1000
	goroutines := 10

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				s := GetSegment(48)
				s = append(s, 0xC6, 0x3C, 0xC6)
				PutSegment(s)
			}
		}()
	}

	wg.Wait()
}

func BenchmarkSegmentPool(b *testing.B) {
	data := []byte{0xC6, 0x3C, 0xC6, 0x3C, 0xC6, 0x3C, 0xC6, 0x3C}

	for i := 0; i < b.N; i++ {
		s := GetSegment(64)
		s = append(s, data...)
		PutSegment(s)
	}
}

func BenchmarkSegmentNoPool(b *testing.B) {
	data := []byte{0xC6, 0x3C, 0xC6, 0x3C, 0xC6, 0x3C, 0xC6, 0x3C}

	for i := 0; i < b.N; i++ {
		s := make([]byte, 0, 64)
		s = append(s, data...)
		_ = s
	}
}
