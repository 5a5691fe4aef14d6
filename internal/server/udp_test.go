package server

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rook2pawn/audio-chunk/internal/config"
	"github.com/rook2pawn/audio-chunk/internal/protocol"
	"github.com/rook2pawn/audio-chunk/internal/stream"
)

func startUDP(t *testing.T, mgr *stream.Manager) *UDPServer {
	t.Helper()
	cfg := &config.ServerConfig{
		UDPPort:     0,
		BindAddress: "127.0.0.1",
		BufferSize:  65536,
		Workers:     2,
		QueueSize:   16,
	}
	s := NewUDPServer(cfg, testLogger(), mgr, nil)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestUDPServerPublishesDatagrams(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	s := startUDP(t, mgr)

	conn, err := net.Dial("udp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	for ms := int64(0); ms < 5; ms++ {
		data, err := protocol.Binary.Encode(testChunk(t, "udp-1", ms))
		require.NoError(t, err)
		_, err = conn.Write(data)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return s.GetStatistics().PacketsProcessed == 5
	}, 5*time.Second, 10*time.Millisecond)

	chunks, err := mgr.Recent("udp-1", stream.Forever)
	require.NoError(t, err)
	require.Len(t, chunks, 5)
	for i, c := range chunks {
		assert.Equal(t, int64(i), offsetMs(c), "datagrams from one sender keep their order")
	}

	stats := s.GetStatistics()
	assert.Equal(t, uint64(5), stats.PacketsReceived)
	assert.Equal(t, uint64(5), stats.PacketsProcessed)
	assert.Equal(t, uint64(1), stats.ActiveStreams)
	assert.Equal(t, uint64(16), stats.QueueCapacity)
}

func TestUDPServerCountsBadDatagrams(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	s := startUDP(t, mgr)

	conn, err := net.Dial("udp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("definitely not cbor"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.GetStatistics().ParseErrors == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, mgr.GetActiveSessionCount())
}

func TestUDPServerStopBeforeTraffic(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	s := NewUDPServer(&config.ServerConfig{BindAddress: "127.0.0.1", BufferSize: 65536, Workers: 1, QueueSize: 1}, testLogger(), mgr, nil)
	require.NoError(t, s.Start())
	require.NotNil(t, s.Addr())
	require.NoError(t, s.Stop())
}

func TestUDPServerStopTwice(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	s := startUDP(t, mgr)

	require.NoError(t, s.Stop())
	assert.NotPanics(t, func() { require.NoError(t, s.Stop()) })
}
