package protocol

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rook2pawn/audio-chunk/internal/audio"
)

func testChunks(t *testing.T) []*audio.Chunk {
	t.Helper()

	ts := time.UnixMilli(1700000000456)
	build := func(opts ...audio.Option) *audio.Chunk {
		c, err := audio.New(append([]audio.Option{
			audio.WithID("room-7"),
			audio.WithSampleRate(24000),
			audio.WithTimestamp(ts),
			audio.WithMetadata(map[string]any{"lang": "en"}),
		}, opts...)...)
		require.NoError(t, err)
		return c
	}

	return []*audio.Chunk{
		build(audio.WithSamples([]float32{0.1, -0.5, 1})),
		build(audio.WithEncoding(audio.EncodingPCM16), audio.WithBytes([]byte{0, 128, 255, 1})),
		build(audio.WithEncoding(audio.EncodingOpus), audio.WithBytes([]byte{0xfc})),
		build(audio.WithEncoding(audio.EncodingWAV), audio.WithBytes([]byte("RIFF"))),
		build(audio.WithEncoding(audio.EncodingMP3), audio.WithBytes([]byte{})),
	}
}

func TestCodecRoundTrip(t *testing.T) {
	for _, codec := range []Codec{Binary, Text} {
		for _, chunk := range testChunks(t) {
			t.Run(codec.Name()+"/"+string(chunk.Encoding), func(t *testing.T) {
				data, err := codec.Encode(chunk)
				require.NoError(t, err)

				back, err := codec.Decode(data)
				require.NoError(t, err)
				assert.Equal(t, chunk, back)
			})
		}
	}
}

func TestCodecRoundTripMetadata(t *testing.T) {
	tests := []struct {
		name string
		md   map[string]any
	}{
		{"int", map[string]any{"seq": 3, "offset": int64(-12)}},
		{"float", map[string]any{"gain": 0.5, "level": float32(0.25)}},
		{"nested map", map[string]any{"channel": map[string]any{"index": 2, "labels": []string{"l", "r"}}}},
		{"mixed list", map[string]any{"tags": []any{1, "a", true, nil}}},
	}

	for _, codec := range []Codec{Binary, Text} {
		for _, tt := range tests {
			t.Run(codec.Name()+"/"+tt.name, func(t *testing.T) {
				chunk, err := audio.New(
					audio.WithID("meta"),
					audio.WithTimestamp(time.UnixMilli(1700000000000)),
					audio.WithSamples([]float32{0.5}),
					audio.WithMetadata(tt.md),
				)
				require.NoError(t, err)

				data, err := codec.Encode(chunk)
				require.NoError(t, err)

				back, err := codec.Decode(data)
				require.NoError(t, err)
				assert.Equal(t, chunk, back)
				assert.IsType(t, float64(0), firstNumber(back.Metadata))
			})
		}
	}
}

// firstNumber finds any number in md, searching nested maps and lists
func firstNumber(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for _, e := range x {
			if n := firstNumber(e); n != nil {
				return n
			}
		}
	case []any:
		for _, e := range x {
			if n := firstNumber(e); n != nil {
				return n
			}
		}
	case string, bool, nil:
		return nil
	default:
		return x
	}
	return nil
}

func TestTextCodecRejectsNonFiniteSamples(t *testing.T) {
	for _, v := range []float32{float32(math.NaN()), float32(math.Inf(1)), float32(math.Inf(-1))} {
		chunk, err := audio.New(audio.WithSamples([]float32{0, v}))
		require.NoError(t, err)

		_, err = Text.Encode(chunk)
		assert.Error(t, err, "JSON has no representation for %v", v)

		_, err = Binary.Encode(chunk)
		assert.NoError(t, err)
	}
}

func TestTextCodecFieldNames(t *testing.T) {
	chunk := testChunks(t)[1]
	data, err := Text.Encode(chunk)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "room-7", raw["id"])
	assert.Equal(t, float64(24000), raw["sampleRate"])
	assert.Equal(t, "pcm16", raw["encoding"])
	assert.Equal(t, float64(1700000000456), raw["timestamp"])
	assert.Equal(t, []any{float64(0), float64(128), float64(255), float64(1)}, raw["data"])
}

func TestBinaryCodecAcceptsIntegerPayload(t *testing.T) {
	// producers that encode byte payloads as CBOR integers
	data, err := cbor.Marshal(map[string]any{
		"sampleRate": 8000,
		"encoding":   "pcm16",
		"timestamp":  1000,
		"data":       []int{1, 2, 3},
	})
	require.NoError(t, err)

	chunk, err := Binary.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, chunk.Data)
	assert.Equal(t, time.UnixMilli(1000), chunk.Timestamp)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		codec Codec
		data  []byte
	}{
		{"binary garbage", Binary, []byte{0xff, 0x00, 0x13}},
		{"binary empty", Binary, nil},
		{"text garbage", Text, []byte("{not json")},
		{"text unknown encoding", Text, []byte(`{"encoding":"flac","timestamp":1,"data":[]}`)},
		{"text byte out of range", Text, []byte(`{"encoding":"pcm16","timestamp":1,"data":[300]}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.codec.Decode(tt.data)
			require.Error(t, err)

			var decErr *DecodeError
			require.ErrorAs(t, err, &decErr)
			assert.Equal(t, tt.codec.Name(), decErr.Protocol)
		})
	}
}

func TestDecodeErrorUnwrapsEncoding(t *testing.T) {
	_, err := Text.Decode([]byte(`{"encoding":"flac","timestamp":1,"data":[]}`))
	assert.ErrorIs(t, err, audio.ErrUnknownEncoding)
}

func TestForContentType(t *testing.T) {
	c, err := ForContentType("application/cbor")
	require.NoError(t, err)
	assert.Equal(t, Binary, c)

	c, err = ForContentType("application/json; charset=utf-8")
	require.NoError(t, err)
	assert.Equal(t, Text, c)

	_, err = ForContentType("text/plain")
	assert.Error(t, err)

	_, err = ForContentType("")
	assert.Error(t, err)
}

func TestByName(t *testing.T) {
	c, err := ByName("binary")
	require.NoError(t, err)
	assert.True(t, c.Binary())
	assert.Equal(t, ContentTypeCBOR, c.ContentType())

	c, err = ByName("JSON")
	require.NoError(t, err)
	assert.False(t, c.Binary())

	_, err = ByName("xml")
	assert.Error(t, err)
}
