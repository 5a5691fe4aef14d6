package transport

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/rook2pawn/audio-chunk/internal/audio"
	"github.com/rook2pawn/audio-chunk/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *metrics.Metrics {
	return metrics.NewMetrics(prometheus.NewRegistry())
}

func testChunk(t *testing.T, ms int64) *audio.Chunk {
	t.Helper()
	c, err := audio.New(
		audio.WithID("mic-1"),
		audio.WithTimestamp(time.UnixMilli(ms)),
		audio.WithSamples([]float32{0.25, -0.5, float32(ms)}),
		audio.WithMetadata(map[string]any{"source": "mic"}),
	)
	require.NoError(t, err)
	return c
}
