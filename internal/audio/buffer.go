package audio

import (
	"sync"
	"time"
)

// Chunk is one opaque audio frame queued for delivery.
type Chunk struct {
	Data       []byte
	EnqueuedAt time.Time
	Generation uint64
}

// BufferManager holds the per-session inbound and outbound audio queues.
// The outbound queue carries a generation counter: a barge-in bumps the
// generation, which invalidates every chunk queued under the previous one.
type BufferManager struct {
	mu sync.Mutex

	in  []Chunk
	out []Chunk

	maxChunks  int
	generation uint64
	playing    bool

	inReady chan struct{}
}

// NewBufferManager creates a buffer manager bounding each queue at maxChunks.
func NewBufferManager(maxChunks int) *BufferManager {
	if maxChunks <= 0 {
		maxChunks = 100
	}
	return &BufferManager{
		maxChunks: maxChunks,
		inReady:   make(chan struct{}, 1),
	}
}

// PushIn enqueues an inbound (client → STT) chunk.
// Returns false if the queue is full and the chunk was dropped.
func (b *BufferManager) PushIn(data []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.in) >= b.maxChunks {
		return false
	}
	b.in = append(b.in, Chunk{Data: data, EnqueuedAt: time.Now()})

	select {
	case b.inReady <- struct{}{}:
	default:
	}
	return true
}

// InReady signals that the inbound queue may have work. The signal is
// coalesced; consumers drain the queue until PopIn reports empty.
func (b *BufferManager) InReady() <-chan struct{} {
	return b.inReady
}

// PopIn dequeues the oldest inbound chunk.
func (b *BufferManager) PopIn() (Chunk, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.in) == 0 {
		return Chunk{}, false
	}
	c := b.in[0]
	b.in = b.in[1:]
	return c, true
}

// PushOut enqueues an outbound (TTS → client) chunk tagged with the current
// generation. Returns false if the queue is full and the chunk was dropped.
func (b *BufferManager) PushOut(data []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.out) >= b.maxChunks {
		return false
	}
	b.out = append(b.out, Chunk{Data: data, EnqueuedAt: time.Now(), Generation: b.generation})
	return true
}

// PopOut dequeues the oldest outbound chunk belonging to the current
// generation. Stale chunks from earlier generations are discarded in the
// same pass.
func (b *BufferManager) PopOut() (Chunk, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.out) > 0 {
		c := b.out[0]
		b.out = b.out[1:]
		if c.Generation == b.generation {
			return c, true
		}
	}
	return Chunk{}, false
}

// Generation returns the current output generation.
func (b *BufferManager) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}

// BumpGeneration increments the output generation and discards every queued
// outbound chunk. Chunks still in flight elsewhere are filtered by PopOut.
func (b *BufferManager) BumpGeneration() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.generation++
	b.out = b.out[:0]
	return b.generation
}

// SetPlaying marks whether outbound audio is currently being played.
func (b *BufferManager) SetPlaying(playing bool) {
	b.mu.Lock()
	b.playing = playing
	b.mu.Unlock()
}

// IsPlaying reports whether outbound audio is currently being played.
func (b *BufferManager) IsPlaying() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.playing
}

// InLen returns the inbound queue depth.
func (b *BufferManager) InLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.in)
}

// OutLen returns the outbound queue depth.
func (b *BufferManager) OutLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.out)
}

// Clear empties both queues and resets the playing marker. The generation is
// preserved so fencing survives a clear.
func (b *BufferManager) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.in = b.in[:0]
	b.out = b.out[:0]
	b.playing = false
}
