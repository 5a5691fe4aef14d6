package stream

import (
	"context"
	"errors"
	"io"

	"github.com/rook2pawn/audio-chunk/internal/audio"
)

// MapFunc transforms one chunk. It may block; Map waits for it before
// pulling the next input.
type MapFunc func(ctx context.Context, c *audio.Chunk) (*audio.Chunk, error)

type mapStream struct {
	src Stream
	fn  MapFunc
	err error
}

// Map returns a stream yielding fn applied to each element of src, in order
// and one at a time. Once fn fails, that error is returned for the failing
// position and every pull after it; src is not pulled again.
func Map(src Stream, fn MapFunc) Stream {
	return &mapStream{src: src, fn: fn}
}

func (m *mapStream) Next(ctx context.Context) (*audio.Chunk, error) {
	if m.err != nil {
		return nil, m.err
	}

	c, err := m.src.Next(ctx)
	if err != nil {
		return nil, err
	}

	out, err := m.fn(ctx, c)
	if err != nil {
		m.err = err
		return nil, err
	}
	return out, nil
}

func (m *mapStream) Close() error {
	return m.src.Close()
}

// Sink consumes chunks one at a time
type Sink interface {
	Write(ctx context.Context, c *audio.Chunk) error
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(ctx context.Context, c *audio.Chunk) error

// Write calls f(ctx, c)
func (f SinkFunc) Write(ctx context.Context, c *audio.Chunk) error {
	return f(ctx, c)
}

// PipeTo writes every chunk of s to sink in order, waiting for each write to
// finish before pulling the next chunk. It returns nil when s is exhausted
// and otherwise the first pull or write error, unchanged.
func PipeTo(ctx context.Context, s Stream, sink Sink) error {
	for {
		c, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := sink.Write(ctx, c); err != nil {
			return err
		}
	}
}
