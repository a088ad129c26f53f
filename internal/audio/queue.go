package audio

import (
	"sync"

	"github.com/wyohome/satellite/internal/ringbuf"
)

// QueueChunks caps the processing queue at 10 s of audio so a stalled
// processor sheds the oldest chunks instead of growing without bound.
const QueueChunks = 10 * SampleRate / ChunkSamples

// Queue is the bounded capture-to-processor chunk queue. The capture
// goroutine pushes, the processor pops; overflow drops the oldest chunk.
type Queue struct {
	mu   sync.Mutex
	ring *ringbuf.Ring[Chunk]
}

// NewQueue builds an empty processing queue.
func NewQueue() *Queue {
	return &Queue{ring: ringbuf.New[Chunk](QueueChunks)}
}

// Push appends a chunk, evicting the oldest when full.
func (q *Queue) Push(c Chunk) {
	q.mu.Lock()
	q.ring.PushBack(c)
	q.mu.Unlock()
}

// Pop removes and returns the oldest chunk, or ok=false when empty.
func (q *Queue) Pop() (Chunk, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.PopFront()
}

// Len returns the number of queued chunks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.Len()
}

// Clear discards every queued chunk.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.ring.TrimTo(0)
	q.mu.Unlock()
}
