package audio

import (
	"sync"
	"time"
)

// FramerConfig contains configuration for slicing raw PCM into chunks
type FramerConfig struct {
	StreamID      string
	SampleRate    int
	FrameDuration time.Duration
	Metadata      map[string]any
	Now           func() time.Time // capture clock, defaults to time.Now
}

// FramerStats represents framer statistics
type FramerStats struct {
	FramesEmitted uint64        `json:"frames_emitted"`
	BytesIn       uint64        `json:"bytes_in"`
	PendingBytes  int           `json:"pending_bytes"`
	Captured      time.Duration `json:"captured"`
}

// Framer turns a raw little-endian PCM-16 mono byte stream into fixed-duration
// pcm16 chunks. Each chunk is stamped with the capture time of its first
// sample, measured from the first Write.
type Framer struct {
	config     FramerConfig
	frameBytes int

	pending []byte
	base    time.Time
	offset  int // samples emitted so far

	framesEmitted uint64
	bytesIn       uint64

	mu sync.Mutex
}

// NewFramer creates a framer, applying defaults of 16 kHz and 20 ms frames
func NewFramer(config FramerConfig) *Framer {
	if config.SampleRate <= 0 {
		config.SampleRate = DefaultSampleRate
	}
	if config.FrameDuration <= 0 {
		config.FrameDuration = 20 * time.Millisecond
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	samplesPerFrame := int(int64(config.SampleRate) * int64(config.FrameDuration) / int64(time.Second))
	if samplesPerFrame < 1 {
		samplesPerFrame = 1
	}

	return &Framer{
		config:     config,
		frameBytes: samplesPerFrame * 2,
	}
}

// Write appends raw bytes and returns every complete frame now available
func (f *Framer) Write(p []byte) ([]*Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.base.IsZero() {
		f.base = f.config.Now()
	}
	f.bytesIn += uint64(len(p))
	f.pending = append(f.pending, p...)

	var out []*Chunk
	for len(f.pending) >= f.frameBytes {
		chunk, err := f.emit(f.frameBytes)
		if err != nil {
			return out, err
		}
		out = append(out, chunk)
	}

	return out, nil
}

// Flush emits whatever whole samples remain as a short final frame.
// It returns nil when nothing is pending.
func (f *Framer) Flush() (*Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(f.pending) &^ 1
	if n == 0 {
		return nil, nil
	}
	return f.emit(n)
}

// emit cuts n bytes off the pending buffer; caller holds the lock
func (f *Framer) emit(n int) (*Chunk, error) {
	data := make([]byte, n)
	copy(data, f.pending[:n])
	f.pending = f.pending[n:]

	ts := f.base.Add(time.Duration(f.offset) * time.Second / time.Duration(f.config.SampleRate))
	f.offset += n / 2

	chunk, err := New(
		WithID(f.config.StreamID),
		WithEncoding(EncodingPCM16),
		WithSampleRate(f.config.SampleRate),
		WithTimestamp(ts),
		WithBytes(data),
		WithMetadata(f.config.Metadata),
	)
	if err != nil {
		return nil, err
	}

	f.framesEmitted++
	return chunk, nil
}

// GetStats returns current framer statistics
func (f *Framer) GetStats() FramerStats {
	f.mu.Lock()
	defer f.mu.Unlock()

	return FramerStats{
		FramesEmitted: f.framesEmitted,
		BytesIn:       f.bytesIn,
		PendingBytes:  len(f.pending),
		Captured:      time.Duration(f.offset) * time.Second / time.Duration(f.config.SampleRate),
	}
}
