package stream

import (
	"context"
	"errors"
	"io"

	"github.com/rook2pawn/audio-chunk/internal/audio"
)

// ErrClosed is returned by Next after the consumer closed the stream,
// and by Push after the bridge stopped accepting chunks.
var ErrClosed = errors.New("stream closed")

// Stream is a pull-based, order-preserving sequence of chunks consumed by a
// single reader. Next returns io.EOF once the sequence is exhausted.
type Stream interface {
	Next(ctx context.Context) (*audio.Chunk, error)
	Close() error
}

// sliceStream yields a fixed sequence
type sliceStream struct {
	chunks []*audio.Chunk
	pos    int
	closed bool
}

// FromSlice returns a finite stream over a copy of chunks
func FromSlice(chunks []*audio.Chunk) Stream {
	cp := make([]*audio.Chunk, len(chunks))
	copy(cp, chunks)
	return &sliceStream{chunks: cp}
}

func (s *sliceStream) Next(ctx context.Context) (*audio.Chunk, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.chunks) {
		return nil, io.EOF
	}
	c := s.chunks[s.pos]
	s.chunks[s.pos] = nil
	s.pos++
	return c, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	s.chunks = nil
	return nil
}

// concatStream drains its parts in order
type concatStream struct {
	parts  []Stream
	closed bool
}

// Concat returns a stream yielding every chunk of each part in turn.
// Closing it closes all parts.
func Concat(parts ...Stream) Stream {
	return &concatStream{parts: parts}
}

func (s *concatStream) Next(ctx context.Context) (*audio.Chunk, error) {
	if s.closed {
		return nil, ErrClosed
	}
	for len(s.parts) > 0 {
		c, err := s.parts[0].Next(ctx)
		if errors.Is(err, io.EOF) {
			s.parts[0].Close()
			s.parts = s.parts[1:]
			continue
		}
		return c, err
	}
	return nil, io.EOF
}

func (s *concatStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for _, p := range s.parts {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.parts = nil
	return errors.Join(errs...)
}

// Collect drains s into a slice. It stops at io.EOF, or at the first other
// error, returning the chunks read so far alongside it.
func Collect(ctx context.Context, s Stream) ([]*audio.Chunk, error) {
	var out []*audio.Chunk
	for {
		c, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, c)
	}
}
