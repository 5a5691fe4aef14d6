package stream

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rook2pawn/audio-chunk/internal/audio"
)

func TestWindowedBufferEvictionScenario(t *testing.T) {
	clock := newFakeClock(0)
	b := NewWindowedBuffer(15*time.Second, WithClock(clock.Now))

	c0 := chunkAt(t, "s", 0)
	c1 := chunkAt(t, "s", 10_000)
	c2 := chunkAt(t, "s", 20_000)

	assert.Zero(t, b.Push(c0))
	clock.Set(10_000)
	assert.Zero(t, b.Push(c1))
	clock.Set(20_000)
	assert.Equal(t, 1, b.Push(c2))

	assert.Equal(t, []*audio.Chunk{c1, c2}, b.Recent(Forever))
	assert.Equal(t, []*audio.Chunk{c2}, b.Recent(5*time.Second))
	assert.Equal(t, 2, b.Len())

	stats := b.GetStats()
	assert.Equal(t, uint64(3), stats.Pushed)
	assert.Equal(t, uint64(1), stats.Evicted)
	assert.Equal(t, c1.Timestamp, stats.Oldest)
	assert.Equal(t, c2.Timestamp, stats.Newest)
}

func TestWindowedBufferEvictsStaleArrival(t *testing.T) {
	clock := newFakeClock(60_000)
	b := NewWindowedBuffer(10*time.Second, WithClock(clock.Now))

	assert.Equal(t, 1, b.Push(chunkAt(t, "s", 1_000)))
	assert.Zero(t, b.Len())
}

func TestWindowedBufferEvictionBound(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	clock := newFakeClock(0)
	maxAge := 2 * time.Second
	b := NewWindowedBuffer(maxAge, WithClock(clock.Now))

	now := int64(0)
	for i := 0; i < 500; i++ {
		now += rng.Int63n(200)
		clock.Set(now)
		ts := now - rng.Int63n(3000)
		b.Push(chunkAt(t, "s", ts))

		cutoff := time.UnixMilli(now).Add(-maxAge)
		for _, c := range b.Recent(Forever) {
			require.False(t, c.Timestamp.Before(cutoff), "chunk at %d retained at %d", c.Timestamp.UnixMilli(), now)
		}
	}
}

func TestWindowedBufferRecentIsMonotoneSubsequence(t *testing.T) {
	clock := newFakeClock(10_000)
	b := NewWindowedBuffer(10*time.Second, WithClock(clock.Now))
	for _, ms := range []int64{1_000, 4_000, 2_500, 9_000, 6_000, 10_000} {
		b.Push(chunkAt(t, "s", ms))
	}
	all := b.Recent(Forever)

	windows := []time.Duration{0, time.Second, 3 * time.Second, 5 * time.Second, 9 * time.Second, Forever}
	var prev []*audio.Chunk
	for _, w := range windows {
		cur := b.Recent(w)
		assert.True(t, isSubsequence(cur, all), "window %v not a subsequence", w)
		assert.True(t, isSubsequence(prev, cur), "window %v lost chunks of a smaller window", w)
		prev = cur
	}

	assert.Len(t, b.Recent(0), 1)
	assert.Len(t, b.Recent(5*time.Second), 3)
	assert.Equal(t, 6, b.Len(), "Recent must not mutate")
}

func TestWindowedBufferToStreamSnapshot(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(1_000)
	b := NewWindowedBuffer(time.Minute, WithClock(clock.Now))

	first := chunkAt(t, "s", 1_000)
	b.Push(first)
	s := b.ToStream()
	b.Push(chunkAt(t, "s", 1_001))

	got, err := Collect(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, []*audio.Chunk{first}, got)
}

func TestWindowedBufferDefaultMaxAge(t *testing.T) {
	assert.Equal(t, DefaultMaxAge, NewWindowedBuffer(0).MaxAge())
	assert.Equal(t, time.Second, NewWindowedBuffer(time.Second).MaxAge())
}

func isSubsequence(sub, seq []*audio.Chunk) bool {
	i := 0
	for _, c := range seq {
		if i < len(sub) && sub[i] == c {
			i++
		}
	}
	return i == len(sub)
}
