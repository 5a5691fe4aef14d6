package audio

import (
	"errors"
	"fmt"
	"time"
)

// Encoding names the representation of a chunk payload
type Encoding string

const (
	EncodingPCM16   Encoding = "pcm16"
	EncodingFloat32 Encoding = "float32"
	EncodingOpus    Encoding = "opus"
	EncodingWAV     Encoding = "wav"
	EncodingMP3     Encoding = "mp3"
)

// Chunk defaults
const (
	DefaultEncoding   = EncodingFloat32
	DefaultSampleRate = 16000
)

var (
	// ErrUnknownEncoding is returned for encodings outside the supported set
	ErrUnknownEncoding = errors.New("unknown audio encoding")

	// ErrPayloadMismatch is returned when the payload kind does not match the encoding
	ErrPayloadMismatch = errors.New("payload does not match encoding")
)

// Valid reports whether e is one of the supported encodings
func (e Encoding) Valid() bool {
	switch e {
	case EncodingPCM16, EncodingFloat32, EncodingOpus, EncodingWAV, EncodingMP3:
		return true
	}
	return false
}

// Float reports whether payloads of this encoding are float samples rather than bytes
func (e Encoding) Float() bool {
	return e == EncodingFloat32
}

// ParseEncoding converts a wire name into an Encoding
func ParseEncoding(s string) (Encoding, error) {
	e := Encoding(s)
	if !e.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownEncoding, s)
	}
	return e, nil
}

// Chunk is one discrete piece of audio plus its descriptive metadata.
// A chunk is never mutated after construction: Samples is set for float32
// chunks, Data for every other encoding.
type Chunk struct {
	ID         string
	Samples    []float32
	Data       []byte
	Encoding   Encoding
	SampleRate int
	Timestamp  time.Time
	Metadata   map[string]any
}

// Option configures a chunk under construction
type Option func(*Chunk)

// WithID sets the stream identifier
func WithID(id string) Option {
	return func(c *Chunk) { c.ID = id }
}

// WithSamples sets a float sample payload
func WithSamples(samples []float32) Option {
	return func(c *Chunk) { c.Samples = samples }
}

// WithBytes sets a raw byte payload
func WithBytes(data []byte) Option {
	return func(c *Chunk) { c.Data = data }
}

// WithEncoding sets the payload encoding
func WithEncoding(e Encoding) Option {
	return func(c *Chunk) { c.Encoding = e }
}

// WithSampleRate sets the sample rate in Hz
func WithSampleRate(hz int) Option {
	return func(c *Chunk) { c.SampleRate = hz }
}

// WithTimestamp sets the capture time
func WithTimestamp(t time.Time) Option {
	return func(c *Chunk) { c.Timestamp = t }
}

// WithMetadata attaches free-form metadata. New stores it in the wire value
// model: numbers as float64, nested maps as map[string]any, slices as []any.
func WithMetadata(md map[string]any) Option {
	return func(c *Chunk) { c.Metadata = md }
}

// New builds a chunk, filling in defaults for anything not supplied:
// float32 encoding, 16 kHz, and the current time. Timestamps are kept at
// millisecond precision.
func New(opts ...Option) (*Chunk, error) {
	c := &Chunk{}
	for _, opt := range opts {
		opt(c)
	}

	if c.Encoding == "" {
		c.Encoding = DefaultEncoding
	}
	if !c.Encoding.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, c.Encoding)
	}
	if c.SampleRate == 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.SampleRate < 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now()
	}
	c.Timestamp = time.UnixMilli(c.Timestamp.UnixMilli())

	if c.Encoding.Float() {
		if c.Data != nil {
			return nil, fmt.Errorf("%w: %s chunk carries %d bytes", ErrPayloadMismatch, c.Encoding, len(c.Data))
		}
		if c.Samples == nil {
			c.Samples = []float32{}
		}
	} else {
		if c.Samples != nil {
			return nil, fmt.Errorf("%w: %s chunk carries %d float samples", ErrPayloadMismatch, c.Encoding, len(c.Samples))
		}
		if c.Data == nil {
			c.Data = []byte{}
		}
	}

	if len(c.Metadata) == 0 {
		c.Metadata = nil
	} else {
		c.Metadata = normalizeMetadata(c.Metadata)
	}

	return c, nil
}

// Len returns the number of payload elements (samples or bytes)
func (c *Chunk) Len() int {
	if c.Encoding.Float() {
		return len(c.Samples)
	}
	return len(c.Data)
}

// Duration returns the playback length of uncompressed payloads.
// Container and compressed encodings report zero.
func (c *Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	var frames int
	switch c.Encoding {
	case EncodingFloat32:
		frames = len(c.Samples)
	case EncodingPCM16:
		frames = len(c.Data) / 2
	default:
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(c.SampleRate)
}

// String returns a short description suitable for logs
func (c *Chunk) String() string {
	return fmt.Sprintf("chunk{id=%q enc=%s rate=%d len=%d ts=%d}",
		c.ID, c.Encoding, c.SampleRate, c.Len(), c.Timestamp.UnixMilli())
}
