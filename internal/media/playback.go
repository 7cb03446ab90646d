package media

import (
	"sync"
)

// PlaybackQueue buffers synthesized agent audio on its way back to the
// caller. The playback pump pops one frame per tick; barge-in clears the
// whole queue in one atomic step so a cancelled response never leaks a
// partial frame.
type PlaybackQueue struct {
	mu     sync.Mutex
	chunks [][]byte
	offset int // consumed bytes of chunks[0]
	bytes  int

	enqueued int64
	cleared  int64
}

// NewPlaybackQueue returns an empty queue.
func NewPlaybackQueue() *PlaybackQueue {
	return &PlaybackQueue{}
}

// Enqueue appends one chunk of PCM. The chunk is copied; callers may reuse
// their buffer.
func (q *PlaybackQueue) Enqueue(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)

	q.mu.Lock()
	q.chunks = append(q.chunks, buf)
	q.bytes += len(buf)
	q.enqueued += int64(len(buf))
	q.mu.Unlock()
}

// NextFrame assembles the next n bytes of queued audio. When the queue holds
// less than a full frame the tail is padded with silence, so a response
// always ends on a frame boundary. Returns false when the queue is empty.
func (q *PlaybackQueue) NextFrame(n int) ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.bytes == 0 {
		return nil, false
	}

	out := make([]byte, n)
	filled := 0
	for filled < n && len(q.chunks) > 0 {
		head := q.chunks[0][q.offset:]
		c := copy(out[filled:], head)
		filled += c
		q.offset += c
		q.bytes -= c
		if q.offset == len(q.chunks[0]) {
			q.chunks[0] = nil
			q.chunks = q.chunks[1:]
			q.offset = 0
		}
	}
	return out, true
}

// Clear discards everything queued and returns how many bytes were dropped.
// Used on barge-in; the pump observes the empty queue on its next tick.
func (q *PlaybackQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := q.bytes
	q.chunks = nil
	q.offset = 0
	q.bytes = 0
	q.cleared += int64(dropped)
	return dropped
}

// Bytes returns the queued byte count.
func (q *PlaybackQueue) Bytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Stats returns lifetime enqueued and cleared byte totals.
func (q *PlaybackQueue) Stats() (enqueued, cleared int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueued, q.cleared
}
