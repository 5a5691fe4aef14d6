package server

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/rook2pawn/audio-chunk/internal/audio"
	"github.com/rook2pawn/audio-chunk/internal/metrics"
	"github.com/rook2pawn/audio-chunk/internal/stream"
)

// testEpoch keeps test chunks inside the manager's retention window
var testEpoch = time.Now().Truncate(time.Millisecond)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T) (*stream.Manager, *prometheus.Registry, *metrics.Metrics) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	mgr := stream.NewManager(testLogger(), stream.ManagerConfig{
		MaxAge:          time.Minute,
		CleanupInterval: time.Hour,
	}, m)
	t.Cleanup(mgr.Stop)
	return mgr, reg, m
}

// testChunk builds a float32 chunk stamped ms after testEpoch
func testChunk(t *testing.T, id string, ms int64) *audio.Chunk {
	t.Helper()
	c, err := audio.New(
		audio.WithID(id),
		audio.WithTimestamp(testEpoch.Add(time.Duration(ms)*time.Millisecond)),
		audio.WithSamples([]float32{0.5, float32(ms)}),
	)
	require.NoError(t, err)
	return c
}

func offsetMs(c *audio.Chunk) int64 {
	return c.Timestamp.Sub(testEpoch).Milliseconds()
}
