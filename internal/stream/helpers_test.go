package stream

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rook2pawn/audio-chunk/internal/audio"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// chunkAt builds a float32 chunk stamped ms milliseconds after the epoch
func chunkAt(t *testing.T, id string, ms int64) *audio.Chunk {
	t.Helper()
	c, err := audio.New(
		audio.WithID(id),
		audio.WithTimestamp(time.UnixMilli(ms)),
		audio.WithSamples([]float32{float32(ms)}),
	)
	require.NoError(t, err)
	return c
}

func chunkSeq(t *testing.T, n int) []*audio.Chunk {
	t.Helper()
	out := make([]*audio.Chunk, n)
	for i := range out {
		out[i] = chunkAt(t, "s", int64(i))
	}
	return out
}

// fakeClock is a settable clock safe for concurrent use
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(ms int64) *fakeClock {
	return &fakeClock{now: time.UnixMilli(ms)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.UnixMilli(ms)
}

// countingStream counts pulls on the wrapped stream
type countingStream struct {
	Stream
	mu    sync.Mutex
	pulls int
}

func (s *countingStream) Next(ctx context.Context) (*audio.Chunk, error) {
	s.mu.Lock()
	s.pulls++
	s.mu.Unlock()
	return s.Stream.Next(ctx)
}

func (s *countingStream) Pulls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulls
}

type pullResult struct {
	chunk *audio.Chunk
	err   error
}

// pullAsync starts a Next call in the background
func pullAsync(ctx context.Context, s Stream) <-chan pullResult {
	ch := make(chan pullResult, 1)
	go func() {
		c, err := s.Next(ctx)
		ch <- pullResult{c, err}
	}()
	return ch
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}
