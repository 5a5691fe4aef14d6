package vad

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rook2pawn/audio-chunk/internal/audio"
)

// Metadata keys written by Annotate
const (
	MetaLevel = "vad_level"
	MetaVoice = "vad_voice"
)

// Config tunes a Detector
type Config struct {
	Threshold float64 // smoothed RMS level at or above which a chunk is voice
	Smoothing float64 // weight of the newest chunk; 1 disables smoothing
}

// Detector flags voice activity chunk by chunk from the RMS level of the
// payload. Only pcm16 and float32 chunks can be measured; other encodings
// pass through unmeasured. A Detector carries smoothing state, so use one
// per stream.
type Detector struct {
	config Config

	lastLevel     float64
	totalChunks   uint64
	voiceChunks   uint64
	skippedChunks uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// Result is the measurement of one chunk
type Result struct {
	Level     float64   `json:"level"`     // smoothed RMS, full scale = 1
	Raw       float64   `json:"raw"`       // unsmoothed RMS
	HasVoice  bool      `json:"has_voice"`
	Timestamp time.Time `json:"timestamp"` // chunk timestamp
}

// Segment is a run of consecutive voice chunks
type Segment struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Chunks    int           `json:"chunks"`
	PeakLevel float64       `json:"peak_level"`
}

// DetectorStats represents detector statistics
type DetectorStats struct {
	TotalChunks     uint64    `json:"total_chunks"`
	VoiceChunks     uint64    `json:"voice_chunks"`
	SkippedChunks   uint64    `json:"skipped_chunks"`
	VoicePercentage float64   `json:"voice_percentage"`
	LastProcessed   time.Time `json:"last_processed"`
	Threshold       float64   `json:"threshold"`
}

// NewDetector creates a detector. A zero Smoothing means no smoothing.
func NewDetector(config Config) (*Detector, error) {
	if config.Threshold < 0 || config.Threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", config.Threshold)
	}
	if config.Smoothing < 0 || config.Smoothing > 1 {
		return nil, fmt.Errorf("smoothing must be between 0 and 1, got %f", config.Smoothing)
	}
	if config.Smoothing == 0 {
		config.Smoothing = 1
	}
	return &Detector{config: config}, nil
}

// Process measures one chunk. ok is false when the encoding carries no
// measurable samples; such chunks do not disturb the smoothing state.
func (d *Detector) Process(c *audio.Chunk) (result Result, ok bool) {
	raw, ok := rms(c)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.lastProcessed = time.Now()
	if !ok {
		d.skippedChunks++
		return Result{}, false
	}

	level := raw
	if d.totalChunks > 0 {
		level = d.config.Smoothing*raw + (1-d.config.Smoothing)*d.lastLevel
	}
	d.lastLevel = level

	hasVoice := level >= d.config.Threshold
	d.totalChunks++
	if hasVoice {
		d.voiceChunks++
	}

	return Result{
		Level:     level,
		Raw:       raw,
		HasVoice:  hasVoice,
		Timestamp: c.Timestamp,
	}, true
}

// Annotate returns a copy of c whose metadata carries the measured level and
// voice flag. It matches stream.MapFunc. Unmeasurable chunks are returned
// as they are.
func (d *Detector) Annotate(ctx context.Context, c *audio.Chunk) (*audio.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, ok := d.Process(c)
	if !ok {
		return c, nil
	}

	md := make(map[string]any, len(c.Metadata)+2)
	for k, v := range c.Metadata {
		md[k] = v
	}
	md[MetaLevel] = result.Level
	md[MetaVoice] = result.HasVoice

	out := *c
	out.Metadata = md
	return &out, nil
}

// Segments runs the detector over chunks in order and groups consecutive
// voice chunks. A segment ends where the first silent chunk starts, or at
// the end of the last chunk.
func (d *Detector) Segments(chunks []*audio.Chunk) []Segment {
	segments := make([]Segment, 0)
	var current *Segment

	closeAt := func(end time.Time) {
		current.EndTime = end
		current.Duration = end.Sub(current.StartTime)
		segments = append(segments, *current)
		current = nil
	}

	for _, c := range chunks {
		result, ok := d.Process(c)
		if !ok {
			continue
		}

		if result.HasVoice {
			if current == nil {
				current = &Segment{StartTime: c.Timestamp}
			}
			current.Chunks++
			current.PeakLevel = math.Max(current.PeakLevel, result.Level)
			continue
		}

		if current != nil {
			closeAt(c.Timestamp)
		}
	}

	if current != nil {
		last := chunks[len(chunks)-1]
		closeAt(last.Timestamp.Add(last.Duration()))
	}

	return segments
}

// GetStats returns current detector statistics
func (d *Detector) GetStats() DetectorStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	voicePercentage := float64(0)
	if d.totalChunks > 0 {
		voicePercentage = float64(d.voiceChunks) / float64(d.totalChunks) * 100
	}

	return DetectorStats{
		TotalChunks:     d.totalChunks,
		VoiceChunks:     d.voiceChunks,
		SkippedChunks:   d.skippedChunks,
		VoicePercentage: voicePercentage,
		LastProcessed:   d.lastProcessed,
		Threshold:       d.config.Threshold,
	}
}

// UpdateThreshold updates the voice detection threshold
func (d *Detector) UpdateThreshold(threshold float64) error {
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.config.Threshold = threshold
	return nil
}

// Reset clears the smoothing state and statistics
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.totalChunks = 0
	d.voiceChunks = 0
	d.skippedChunks = 0
	d.lastLevel = 0
	d.lastProcessed = time.Time{}
}

// rms returns the root mean square of the chunk's samples scaled to full
// scale 1. Empty payloads measure as silence.
func rms(c *audio.Chunk) (float64, bool) {
	var sum float64
	var n int

	switch c.Encoding {
	case audio.EncodingFloat32:
		for _, s := range c.Samples {
			sum += float64(s) * float64(s)
		}
		n = len(c.Samples)
	case audio.EncodingPCM16:
		for _, s := range audio.PCM16Samples(c.Data) {
			v := float64(s) / 32768
			sum += v * v
			n++
		}
	default:
		return 0, false
	}

	if n == 0 {
		return 0, true
	}
	return math.Sqrt(sum / float64(n)), true
}
