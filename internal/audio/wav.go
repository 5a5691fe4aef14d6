package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const wavHeaderSize = 44

// wavHeader is the canonical 44-byte RIFF/WAVE header for mono 16-bit PCM
type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // file size - 8
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

// WAVInfo describes a WAV container
type WAVInfo struct {
	SampleRate    uint32        `json:"sample_rate"`
	Channels      uint16        `json:"channels"`
	BitsPerSample uint16        `json:"bits_per_sample"`
	Duration      time.Duration `json:"duration"`
	DataSize      uint32        `json:"data_size_bytes"`
	NumSamples    uint32        `json:"num_samples"`
}

// ErrNoPCM is returned when a WAV export is asked for chunks without pcm16 audio
var ErrNoPCM = errors.New("no pcm16 audio to export")

// PCM16Samples interprets little-endian bytes as signed 16-bit samples.
// A trailing odd byte is ignored.
func PCM16Samples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return samples
}

// PCM16Bytes is the inverse of PCM16Samples
func PCM16Bytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[2*i:], uint16(s))
	}
	return data
}

// EncodeWAV wraps PCM-16 mono samples in a WAV container
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	dataSize := uint32(len(samples) * 2)
	header := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * 2,
		BlockAlign:    2,
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+int(dataSize)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	return buf.Bytes(), nil
}

// DecodeWAV extracts PCM-16 mono samples and the sample rate from a WAV container
func DecodeWAV(data []byte) ([]int16, int, error) {
	header, err := readWAVHeader(data)
	if err != nil {
		return nil, 0, err
	}
	if header.AudioFormat != 1 {
		return nil, 0, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", header.AudioFormat)
	}
	if header.BitsPerSample != 16 {
		return nil, 0, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", header.BitsPerSample)
	}
	if header.NumChannels != 1 {
		return nil, 0, fmt.Errorf("unsupported channel count: %d (only mono is supported)", header.NumChannels)
	}

	body := data[wavHeaderSize:]
	if int(header.Subchunk2Size) < len(body) {
		body = body[:header.Subchunk2Size]
	}
	if len(body) < 2 {
		return nil, 0, fmt.Errorf("no audio data found")
	}

	return PCM16Samples(body), int(header.SampleRate), nil
}

// ValidateWAV checks the container markers without decoding samples
func ValidateWAV(data []byte) error {
	_, err := readWAVHeader(data)
	return err
}

// GetWAVInfo extracts format details from a WAV container
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	header, err := readWAVHeader(data)
	if err != nil {
		return nil, err
	}
	if header.SampleRate == 0 || header.BitsPerSample == 0 {
		return nil, fmt.Errorf("invalid WAV header: zero sample rate or bit depth")
	}

	numSamples := header.Subchunk2Size / (uint32(header.BitsPerSample) / 8)
	return &WAVInfo{
		SampleRate:    header.SampleRate,
		Channels:      header.NumChannels,
		BitsPerSample: header.BitsPerSample,
		Duration:      time.Duration(numSamples) * time.Second / time.Duration(header.SampleRate),
		DataSize:      header.Subchunk2Size,
		NumSamples:    numSamples,
	}, nil
}

func readWAVHeader(data []byte) (*wavHeader, error) {
	if len(data) < wavHeaderSize {
		return nil, fmt.Errorf("WAV data too short: need at least %d bytes, got %d", wavHeaderSize, len(data))
	}

	var header wavHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}

	switch {
	case string(header.ChunkID[:]) != "RIFF":
		return nil, fmt.Errorf("invalid WAV file: missing RIFF header")
	case string(header.Format[:]) != "WAVE":
		return nil, fmt.Errorf("invalid WAV file: missing WAVE format")
	case string(header.Subchunk1ID[:]) != "fmt ":
		return nil, fmt.Errorf("invalid WAV file: missing fmt chunk")
	case string(header.Subchunk2ID[:]) != "data":
		return nil, fmt.Errorf("invalid WAV file: missing data chunk")
	}

	return &header, nil
}

// ChunksToWAV joins the pcm16 payloads of chunks, in order, into one WAV file.
// Chunks of other encodings are skipped; every pcm16 chunk must share one
// sample rate, which is returned alongside the file.
func ChunksToWAV(chunks []*Chunk) ([]byte, int, error) {
	var (
		pcm  []byte
		rate int
	)
	for _, c := range chunks {
		if c.Encoding != EncodingPCM16 {
			continue
		}
		if rate == 0 {
			rate = c.SampleRate
		} else if c.SampleRate != rate {
			return nil, 0, fmt.Errorf("mixed sample rates: %d and %d", rate, c.SampleRate)
		}
		pcm = append(pcm, c.Data[:len(c.Data)&^1]...)
	}
	if len(pcm) == 0 {
		return nil, 0, ErrNoPCM
	}

	wav, err := EncodeWAV(PCM16Samples(pcm), rate)
	if err != nil {
		return nil, 0, err
	}
	return wav, rate, nil
}

// WAVChunk packages pcm16 chunks into a single wav-encoded chunk carrying the
// stream id and timestamp of the first contributing chunk.
func WAVChunk(chunks []*Chunk) (*Chunk, error) {
	wav, rate, err := ChunksToWAV(chunks)
	if err != nil {
		return nil, err
	}

	var first *Chunk
	for _, c := range chunks {
		if c.Encoding == EncodingPCM16 {
			first = c
			break
		}
	}

	return New(
		WithID(first.ID),
		WithEncoding(EncodingWAV),
		WithSampleRate(rate),
		WithTimestamp(first.Timestamp),
		WithBytes(wav),
	)
}
