// Package fork carries real-time caller audio from the media path into the
// analysis path without ever blocking the media thread.
//
// The media callback pushes 20 ms frames into a per-session lock-free
// [Ring]; a per-session [Consumer] drains the ring and forwards frames to
// the session's destinations. Overflow is not an error: the ring drops its
// oldest frame to admit the new one, because on a live call a stale frame is
// worth strictly less than a fresh one, and dropping the newest would bias
// every latency measurement downstream.
package fork

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrelvoice/kestrel/pkg/audio"
)

// Metrics is a value-copy snapshot of a ring's counters.
type Metrics struct {
	FramesReceived uint64
	FramesDropped  uint64
	OverflowEvents uint64
	BytesBuffered  int
	PeakBytes      int
	LastOverflow   time.Time
}

type cell struct {
	seq   atomic.Uint64
	frame audio.Frame
}

// Ring is a bounded lock-free frame queue with a drop-oldest overflow
// policy. Push never blocks and never fails; at capacity it evicts the
// oldest frame first. The implementation is a bounded queue with per-cell
// sequence numbers, safe for concurrent producers and consumers, though the
// fork path uses it single-producer single-consumer.
type Ring struct {
	cells  []cell
	format audio.Format

	enqueuePos atomic.Uint64
	dequeuePos atomic.Uint64

	nextSeq  atomic.Uint64
	received atomic.Uint64
	dropped  atomic.Uint64
	overflow atomic.Uint64
	bytes    atomic.Int64
	peak     atomic.Int64

	// overflowMu guards LastOverflow only; it is touched on the drop path,
	// never on a clean push.
	overflowMu   sync.Mutex
	lastOverflow time.Time
}

// NewRing creates a ring holding up to capacity frames of the given format.
// Capacity is exact, minimum 1.
func NewRing(capacity int, format audio.Format) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	r := &Ring{
		cells:  make([]cell, capacity),
		format: format,
	}
	for i := range r.cells {
		r.cells[i].seq.Store(uint64(i))
	}
	return r
}

// NewRingForDuration sizes the ring to hold bufferMs worth of frames.
func NewRingForDuration(bufferMs int, format audio.Format) *Ring {
	frames := bufferMs / format.FrameDurationMs
	if frames < 1 {
		frames = 1
	}
	return NewRing(frames, format)
}

// Push copies data into a new frame and enqueues it. It returns true when
// the frame fit without eviction and false when the oldest frame was dropped
// to make room; either way the new frame is in the buffer.
func (r *Ring) Push(sessionID string, data []byte) bool {
	buf := make([]byte, len(data))
	copy(buf, data)
	f := audio.Frame{
		SessionID: sessionID,
		Seq:       r.nextSeq.Add(1),
		Data:      buf,
		Enqueued:  time.Now(),
	}

	clean := true
	for {
		if r.tryPush(f) {
			break
		}
		// Full: evict the oldest and retry.
		if old, ok := r.tryPop(); ok {
			clean = false
			r.dropped.Add(1)
			r.overflow.Add(1)
			r.bytes.Add(-int64(len(old.Data)))
			r.overflowMu.Lock()
			r.lastOverflow = time.Now()
			r.overflowMu.Unlock()
		}
	}

	r.received.Add(1)
	total := r.bytes.Add(int64(len(buf)))
	for {
		peak := r.peak.Load()
		if total <= peak || r.peak.CompareAndSwap(peak, total) {
			break
		}
	}
	return clean
}

func (r *Ring) tryPush(f audio.Frame) bool {
	for {
		pos := r.enqueuePos.Load()
		c := &r.cells[pos%uint64(len(r.cells))]
		seq := c.seq.Load()
		switch {
		case seq == pos:
			if r.enqueuePos.CompareAndSwap(pos, pos+1) {
				c.frame = f
				c.seq.Store(pos + 1)
				return true
			}
		case seq < pos:
			return false
		}
	}
}

// Pop removes and returns the oldest frame.
func (r *Ring) Pop() (audio.Frame, bool) {
	f, ok := r.tryPop()
	if ok {
		r.bytes.Add(-int64(len(f.Data)))
	}
	return f, ok
}

func (r *Ring) tryPop() (audio.Frame, bool) {
	for {
		pos := r.dequeuePos.Load()
		c := &r.cells[pos%uint64(len(r.cells))]
		seq := c.seq.Load()
		switch {
		case seq == pos+1:
			if r.dequeuePos.CompareAndSwap(pos, pos+1) {
				f := c.frame
				c.frame = audio.Frame{}
				c.seq.Store(pos + uint64(len(r.cells)))
				return f, true
			}
		case seq <= pos:
			return audio.Frame{}, false
		}
	}
}

// Peek returns the oldest frame without removing it.
func (r *Ring) Peek() (audio.Frame, bool) {
	pos := r.dequeuePos.Load()
	c := &r.cells[pos%uint64(len(r.cells))]
	if c.seq.Load() != pos+1 {
		return audio.Frame{}, false
	}
	f := c.frame
	// The producer may have lapped us between the loads; re-check.
	if r.dequeuePos.Load() != pos {
		return audio.Frame{}, false
	}
	return f, true
}

// Clear drains the ring and returns how many frames were removed.
func (r *Ring) Clear() int {
	n := 0
	for {
		if _, ok := r.Pop(); !ok {
			return n
		}
		n++
	}
}

// Len returns the current number of buffered frames.
func (r *Ring) Len() int {
	n := int64(r.enqueuePos.Load()) - int64(r.dequeuePos.Load())
	if n < 0 {
		return 0
	}
	return int(n)
}

// Cap returns the frame capacity.
func (r *Ring) Cap() int {
	return len(r.cells)
}

// SizeMs returns the buffered audio duration in milliseconds.
func (r *Ring) SizeMs() int {
	bps := r.format.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return int(r.bytes.Load()) * 1000 / bps
}

// FillRatio returns occupancy as a fraction of capacity.
func (r *Ring) FillRatio() float64 {
	return float64(r.Len()) / float64(r.Cap())
}

// OldestAgeMs returns the age of the oldest buffered frame, or 0 when empty.
func (r *Ring) OldestAgeMs() int {
	f, ok := r.Peek()
	if !ok {
		return 0
	}
	return int(f.Age(time.Now()) / time.Millisecond)
}

// Metrics returns a snapshot of the counters.
func (r *Ring) Metrics() Metrics {
	r.overflowMu.Lock()
	last := r.lastOverflow
	r.overflowMu.Unlock()
	return Metrics{
		FramesReceived: r.received.Load(),
		FramesDropped:  r.dropped.Load(),
		OverflowEvents: r.overflow.Load(),
		BytesBuffered:  int(r.bytes.Load()),
		PeakBytes:      int(r.peak.Load()),
		LastOverflow:   last,
	}
}
