package audio

import (
	"fmt"
	"math"
	"time"
)

// Interchange is the plain-data projection of a chunk shared by every wire
// protocol. Timestamp is milliseconds since the Unix epoch and Data is the
// payload as an ordered number sequence.
type Interchange struct {
	ID         string         `json:"id,omitempty" cbor:"id,omitempty"`
	SampleRate int            `json:"sampleRate" cbor:"sampleRate"`
	Encoding   string         `json:"encoding" cbor:"encoding"`
	Timestamp  int64          `json:"timestamp" cbor:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty" cbor:"metadata,omitempty"`
	Data       []float64      `json:"data" cbor:"data"`
}

// ToInterchange projects a chunk onto its interchange form
func ToInterchange(c *Chunk) Interchange {
	ix := Interchange{
		ID:         c.ID,
		SampleRate: c.SampleRate,
		Encoding:   string(c.Encoding),
		Timestamp:  c.Timestamp.UnixMilli(),
		Metadata:   c.Metadata,
	}

	if c.Encoding.Float() {
		ix.Data = make([]float64, len(c.Samples))
		for i, s := range c.Samples {
			ix.Data[i] = float64(s)
		}
	} else {
		ix.Data = make([]float64, len(c.Data))
		for i, b := range c.Data {
			ix.Data[i] = float64(b)
		}
	}

	return ix
}

// FromInterchange rebuilds a chunk from its interchange form. The payload
// becomes float samples for float32 chunks and bytes otherwise; byte values
// must be integers in 0..255.
func FromInterchange(ix Interchange) (*Chunk, error) {
	enc := Encoding(ix.Encoding)
	if enc == "" {
		enc = DefaultEncoding
	}
	if !enc.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, ix.Encoding)
	}

	opts := []Option{
		WithID(ix.ID),
		WithEncoding(enc),
		WithSampleRate(ix.SampleRate),
		WithTimestamp(time.UnixMilli(ix.Timestamp)),
		WithMetadata(ix.Metadata),
	}

	if enc.Float() {
		samples := make([]float32, len(ix.Data))
		for i, v := range ix.Data {
			samples[i] = float32(v)
		}
		opts = append(opts, WithSamples(samples))
	} else {
		data := make([]byte, len(ix.Data))
		for i, v := range ix.Data {
			if v < 0 || v > math.MaxUint8 || v != math.Trunc(v) {
				return nil, fmt.Errorf("byte value %v at index %d out of range", v, i)
			}
			data[i] = byte(v)
		}
		opts = append(opts, WithBytes(data))
	}

	return New(opts...)
}
