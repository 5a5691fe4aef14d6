package audio

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(n, sampleRate int) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		t := float64(i) / float64(sampleRate)
		samples[i] = int16(16383 * math.Sin(2*math.Pi*440*t))
	}
	return samples
}

func TestEncodeDecodeWAV(t *testing.T) {
	samples := sine(800, 8000)

	wav, err := EncodeWAV(samples, 8000)
	require.NoError(t, err)
	assert.Len(t, wav, wavHeaderSize+len(samples)*2)
	require.NoError(t, ValidateWAV(wav))

	info, err := GetWAVInfo(wav)
	require.NoError(t, err)
	assert.Equal(t, uint32(8000), info.SampleRate)
	assert.Equal(t, uint16(1), info.Channels)
	assert.Equal(t, uint16(16), info.BitsPerSample)
	assert.Equal(t, 100*time.Millisecond, info.Duration)

	decoded, rate, err := DecodeWAV(wav)
	require.NoError(t, err)
	assert.Equal(t, 8000, rate)
	assert.Equal(t, samples, decoded)
}

func TestEncodeWAVErrors(t *testing.T) {
	_, err := EncodeWAV(nil, 8000)
	assert.Error(t, err)

	_, err = EncodeWAV([]int16{1}, 0)
	assert.Error(t, err)
}

func TestValidateWAVRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"short", []byte("RIFF")},
		{"no riff", append([]byte("JUNK"), make([]byte, 40)...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, ValidateWAV(tt.data))
		})
	}
}

func TestPCM16RoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, math.MaxInt16, math.MinInt16}
	assert.Equal(t, samples, PCM16Samples(PCM16Bytes(samples)))
	assert.Len(t, PCM16Samples([]byte{1, 2, 3}), 1)
}

func TestChunksToWAV(t *testing.T) {
	a, err := New(WithID("s"), WithEncoding(EncodingPCM16), WithSampleRate(8000),
		WithTimestamp(time.UnixMilli(1000)), WithBytes(PCM16Bytes([]int16{1, 2})))
	require.NoError(t, err)
	b, err := New(WithID("s"), WithEncoding(EncodingPCM16), WithSampleRate(8000),
		WithBytes(PCM16Bytes([]int16{3})))
	require.NoError(t, err)
	skipped, err := New(WithSamples([]float32{0.5}))
	require.NoError(t, err)

	wav, rate, err := ChunksToWAV([]*Chunk{a, skipped, b})
	require.NoError(t, err)
	assert.Equal(t, 8000, rate)

	samples, _, err := DecodeWAV(wav)
	require.NoError(t, err)
	assert.Equal(t, []int16{1, 2, 3}, samples)

	packed, err := WAVChunk([]*Chunk{a, b})
	require.NoError(t, err)
	assert.Equal(t, EncodingWAV, packed.Encoding)
	assert.Equal(t, "s", packed.ID)
	assert.Equal(t, a.Timestamp, packed.Timestamp)
	assert.Equal(t, wav, packed.Data)
}

func TestChunksToWAVErrors(t *testing.T) {
	_, _, err := ChunksToWAV(nil)
	assert.ErrorIs(t, err, ErrNoPCM)

	a, _ := New(WithEncoding(EncodingPCM16), WithSampleRate(8000), WithBytes([]byte{1, 0}))
	b, _ := New(WithEncoding(EncodingPCM16), WithSampleRate(16000), WithBytes([]byte{1, 0}))
	_, _, err = ChunksToWAV([]*Chunk{a, b})
	assert.Error(t, err)
}
