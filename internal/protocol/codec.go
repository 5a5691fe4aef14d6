package protocol

import (
	"encoding/json"
	"fmt"
	"mime"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/rook2pawn/audio-chunk/internal/audio"
)

// Wire protocol names and content types
const (
	NameBinary = "binary"
	NameText   = "text"

	ContentTypeCBOR = "application/cbor"
	ContentTypeJSON = "application/json"

	// MaxDatagramSize is the largest encoded chunk accepted in one UDP datagram
	MaxDatagramSize = 65507
)

// Codec converts chunks to and from one wire protocol. Both protocols carry
// the interchange shape; they differ only in the byte-level format.
type Codec interface {
	Name() string
	ContentType() string
	// Binary reports whether encoded frames are opaque bytes rather than UTF-8 text
	Binary() bool
	Encode(c *audio.Chunk) ([]byte, error)
	Decode(data []byte) (*audio.Chunk, error)
}

// DecodeError reports bytes that could not be turned into a chunk
type DecodeError struct {
	Protocol string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s chunk: %v", e.Protocol, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

var (
	// Binary is the compact CBOR protocol
	Binary Codec = newBinaryCodec()

	// Text is the UTF-8 JSON protocol. JSON has no NaN or infinity, so
	// float32 chunks holding non-finite samples fail to encode; Binary
	// carries them.
	Text Codec = textCodec{}
)

type binaryCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newBinaryCodec() *binaryCodec {
	enc, err := cbor.EncOptions{}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encode options: %v", err))
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decode options: %v", err))
	}
	return &binaryCodec{enc: enc, dec: dec}
}

func (c *binaryCodec) Name() string        { return NameBinary }
func (c *binaryCodec) ContentType() string { return ContentTypeCBOR }
func (c *binaryCodec) Binary() bool        { return true }

func (c *binaryCodec) Encode(chunk *audio.Chunk) ([]byte, error) {
	data, err := c.enc.Marshal(audio.ToInterchange(chunk))
	if err != nil {
		return nil, fmt.Errorf("encode binary chunk: %w", err)
	}
	return data, nil
}

func (c *binaryCodec) Decode(data []byte) (*audio.Chunk, error) {
	var ix audio.Interchange
	if err := c.dec.Unmarshal(data, &ix); err != nil {
		return nil, &DecodeError{Protocol: NameBinary, Err: err}
	}
	chunk, err := audio.FromInterchange(ix)
	if err != nil {
		return nil, &DecodeError{Protocol: NameBinary, Err: err}
	}
	return chunk, nil
}

type textCodec struct{}

func (textCodec) Name() string        { return NameText }
func (textCodec) ContentType() string { return ContentTypeJSON }
func (textCodec) Binary() bool        { return false }

func (textCodec) Encode(chunk *audio.Chunk) ([]byte, error) {
	data, err := json.Marshal(audio.ToInterchange(chunk))
	if err != nil {
		return nil, fmt.Errorf("encode text chunk: %w", err)
	}
	return data, nil
}

func (textCodec) Decode(data []byte) (*audio.Chunk, error) {
	var ix audio.Interchange
	if err := json.Unmarshal(data, &ix); err != nil {
		return nil, &DecodeError{Protocol: NameText, Err: err}
	}
	chunk, err := audio.FromInterchange(ix)
	if err != nil {
		return nil, &DecodeError{Protocol: NameText, Err: err}
	}
	return chunk, nil
}

// ByName returns the codec for a protocol name
func ByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case NameBinary, "cbor":
		return Binary, nil
	case NameText, "json":
		return Text, nil
	}
	return nil, fmt.Errorf("unknown protocol %q", name)
}

// ForContentType returns the codec for an HTTP Content-Type header value
func ForContentType(contentType string) (Codec, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("invalid content type %q: %w", contentType, err)
	}
	switch mediaType {
	case ContentTypeCBOR:
		return Binary, nil
	case ContentTypeJSON:
		return Text, nil
	}
	return nil, fmt.Errorf("unsupported content type %q", mediaType)
}
