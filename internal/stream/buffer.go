package stream

import (
	"math"
	"sync"
	"time"

	"github.com/rook2pawn/audio-chunk/internal/audio"
)

const (
	// DefaultMaxAge is the retention used when a buffer is built with no age
	DefaultMaxAge = 30 * time.Second

	// Forever passed to Recent returns everything still retained
	Forever time.Duration = math.MaxInt64
)

// BufferOption configures a WindowedBuffer
type BufferOption func(*WindowedBuffer)

// WithClock replaces the wall clock used for eviction and window cutoffs
func WithClock(now func() time.Time) BufferOption {
	return func(b *WindowedBuffer) { b.now = now }
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	Chunks  int           `json:"chunks"`
	MaxAge  time.Duration `json:"max_age"`
	Pushed  uint64        `json:"pushed"`
	Evicted uint64        `json:"evicted"`
	Oldest  time.Time     `json:"oldest,omitempty"`
	Newest  time.Time     `json:"newest,omitempty"`
}

// WindowedBuffer retains chunks in arrival order and forgets those whose
// timestamp falls more than maxAge behind the clock. Eviction happens on Push.
type WindowedBuffer struct {
	chunks []*audio.Chunk
	maxAge time.Duration
	now    func() time.Time

	pushed  uint64
	evicted uint64

	mu sync.RWMutex
}

// NewWindowedBuffer creates a buffer; maxAge <= 0 selects DefaultMaxAge
func NewWindowedBuffer(maxAge time.Duration, opts ...BufferOption) *WindowedBuffer {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	b := &WindowedBuffer{
		maxAge: maxAge,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Push appends c and then drops every chunk, c included, with a timestamp
// older than now - maxAge. It returns how many chunks were dropped.
func (b *WindowedBuffer) Push(c *audio.Chunk) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = append(b.chunks, c)
	b.pushed++

	cutoff := b.now().Add(-b.maxAge)
	kept := b.chunks[:0]
	for _, x := range b.chunks {
		if !x.Timestamp.Before(cutoff) {
			kept = append(kept, x)
		}
	}
	evicted := len(b.chunks) - len(kept)
	for i := len(kept); i < len(b.chunks); i++ {
		b.chunks[i] = nil
	}
	b.chunks = kept
	b.evicted += uint64(evicted)

	return evicted
}

// Recent returns, in arrival order, the retained chunks whose timestamp is
// at or after now - window. It does not change the buffer.
func (b *WindowedBuffer) Recent(window time.Duration) []*audio.Chunk {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*audio.Chunk, 0, len(b.chunks))
	if window == Forever {
		return append(out, b.chunks...)
	}

	cutoff := b.now().Add(-window)
	for _, c := range b.chunks {
		if !c.Timestamp.Before(cutoff) {
			out = append(out, c)
		}
	}
	return out
}

// ToStream returns a finite stream over a snapshot of the current contents.
// Later pushes do not affect it.
func (b *WindowedBuffer) ToStream() Stream {
	return FromSlice(b.Recent(Forever))
}

// Len returns the number of retained chunks
func (b *WindowedBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.chunks)
}

// MaxAge returns the retention horizon
func (b *WindowedBuffer) MaxAge() time.Duration {
	return b.maxAge
}

// GetStats returns current buffer statistics
func (b *WindowedBuffer) GetStats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := BufferStats{
		Chunks:  len(b.chunks),
		MaxAge:  b.maxAge,
		Pushed:  b.pushed,
		Evicted: b.evicted,
	}
	if n := len(b.chunks); n > 0 {
		stats.Oldest = b.chunks[0].Timestamp
		stats.Newest = b.chunks[n-1].Timestamp
	}
	return stats
}
