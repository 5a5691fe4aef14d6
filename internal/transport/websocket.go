package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rook2pawn/audio-chunk/internal/audio"
	"github.com/rook2pawn/audio-chunk/internal/metrics"
	"github.com/rook2pawn/audio-chunk/internal/protocol"
	"github.com/rook2pawn/audio-chunk/internal/stream"
)

const closeGracePeriod = time.Second

// WSSender writes chunks to a websocket connection, one frame per chunk.
// The binary codec uses binary frames and the text codec text frames.
type WSSender struct {
	conn  *websocket.Conn
	codec protocol.Codec

	mu     sync.Mutex
	closed bool
}

// NewWSSender wraps conn for writing chunks encoded with codec
func NewWSSender(conn *websocket.Conn, codec protocol.Codec) *WSSender {
	return &WSSender{conn: conn, codec: codec}
}

// Write encodes c and sends it as a single frame. A context deadline becomes
// the write deadline.
func (s *WSSender) Write(ctx context.Context, c *audio.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := s.codec.Encode(c)
	if err != nil {
		return err
	}

	messageType := websocket.TextMessage
	if s.codec.Binary() {
		messageType = websocket.BinaryMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return websocket.ErrCloseSent
	}

	deadline, _ := ctx.Deadline()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, data)
}

// Close sends a normal close frame. The connection itself is left to its owner.
func (s *WSSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
}

// StreamFromWebSocket turns the frames arriving on conn into a pull stream.
// Frames that do not decode are logged and skipped. The stream ends when the
// peer closes the socket; closing the stream closes the socket.
func StreamFromWebSocket(conn *websocket.Conn, codec protocol.Codec, cfg stream.BridgeConfig, logger *slog.Logger, m *metrics.Metrics) (*stream.Bridge, error) {
	return stream.Subscribe(cfg, func(in stream.Inlet) (func(), error) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})

		go func() {
			defer close(done)
			defer in.Finish()
			readFrames(ctx, conn, codec, in, logger, m)
		}()

		return func() {
			cancel()
			conn.Close()
			<-done
		}, nil
	})
}

func readFrames(ctx context.Context, conn *websocket.Conn, codec protocol.Codec, in stream.Inlet, logger *slog.Logger, m *metrics.Metrics) {
	remote := conn.RemoteAddr().String()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("WebSocket read failed",
					slog.String("remote_addr", remote),
					slog.Any("error", err))
			}
			return
		}

		if codec.Binary() && messageType != websocket.BinaryMessage {
			m.RecordDecodeError(SinkWebSocket, codec.Name())
			logger.Debug("Skipping non-binary frame",
				slog.String("remote_addr", remote))
			continue
		}

		chunk, err := codec.Decode(data)
		if err != nil {
			m.RecordDecodeError(SinkWebSocket, codec.Name())
			logger.Warn("Failed to decode frame",
				slog.String("remote_addr", remote),
				slog.Int("size", len(data)),
				slog.Any("error", err))
			continue
		}
		m.RecordChunkReceived(SinkWebSocket, codec.Name(), chunk.Len())

		if err := in.Push(ctx, chunk); err != nil {
			if errors.Is(err, stream.ErrDropped) {
				continue
			}
			return
		}
	}
}
