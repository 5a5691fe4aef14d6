package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rook2pawn/audio-chunk/internal/audio"
	"github.com/rook2pawn/audio-chunk/internal/protocol"
	"github.com/rook2pawn/audio-chunk/internal/stream"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// collectServer reads everything a client sends as a stream and reports it
// once the client closes the socket.
func collectServer(t *testing.T, codec protocol.Codec) (*httptest.Server, <-chan []*audio.Chunk) {
	t.Helper()
	received := make(chan []*audio.Chunk, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b, err := StreamFromWebSocket(conn, codec, stream.BridgeConfig{}, testLogger(), nil)
		if err != nil {
			conn.Close()
			return
		}
		defer b.Close()

		chunks, _ := stream.Collect(context.Background(), b)
		received <- chunks
	}))
	t.Cleanup(srv.Close)

	return srv, received
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitChunks(t *testing.T, ch <-chan []*audio.Chunk) []*audio.Chunk {
	t.Helper()
	select {
	case chunks := <-ch:
		return chunks
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the server stream to end")
		return nil
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	for _, codec := range []protocol.Codec{protocol.Binary, protocol.Text} {
		t.Run(codec.Name(), func(t *testing.T) {
			srv, received := collectServer(t, codec)
			sender := NewWSSender(dial(t, srv), codec)

			want := []*audio.Chunk{testChunk(t, 0), testChunk(t, 20), testChunk(t, 40)}
			for _, c := range want {
				require.NoError(t, sender.Write(context.Background(), c))
			}
			require.NoError(t, sender.Close())

			got := waitChunks(t, received)
			require.Len(t, got, len(want))
			for i := range want {
				assert.Equal(t, audio.ToInterchange(want[i]), audio.ToInterchange(got[i]))
			}
		})
	}
}

func TestWebSocketSkipsBadFrames(t *testing.T) {
	srv, received := collectServer(t, protocol.Binary)
	conn := dial(t, srv)
	sender := NewWSSender(conn, protocol.Binary)

	first := testChunk(t, 1)
	last := testChunk(t, 2)
	text, err := protocol.Text.Encode(first)
	require.NoError(t, err)

	require.NoError(t, sender.Write(context.Background(), first))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0x00, 0x13}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, text))
	require.NoError(t, sender.Write(context.Background(), last))
	require.NoError(t, sender.Close())

	got := waitChunks(t, received)
	require.Len(t, got, 2)
	assert.Equal(t, audio.ToInterchange(first), audio.ToInterchange(got[0]))
	assert.Equal(t, audio.ToInterchange(last), audio.ToInterchange(got[1]))
}

func TestWebSocketStreamCloseClosesSocket(t *testing.T) {
	closed := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b, err := StreamFromWebSocket(conn, protocol.Binary, stream.BridgeConfig{}, testLogger(), nil)
		if err != nil {
			return
		}
		_, _ = b.Next(context.Background())
		b.Close()
		close(closed)
	}))
	defer srv.Close()

	conn := dial(t, srv)
	require.NoError(t, NewWSSender(conn, protocol.Binary).Write(context.Background(), testChunk(t, 0)))

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("server stream did not close")
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestWSSenderRejectsCancelledContext(t *testing.T) {
	srv, _ := collectServer(t, protocol.Binary)
	sender := NewWSSender(dial(t, srv), protocol.Binary)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sender.Write(ctx, testChunk(t, 0)), context.Canceled)

	require.NoError(t, sender.Close())
	assert.Error(t, sender.Write(context.Background(), testChunk(t, 0)))
}
