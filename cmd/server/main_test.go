package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rook2pawn/audio-chunk/internal/audio"
	"github.com/rook2pawn/audio-chunk/internal/stream"
)

func TestDurableTapConfig(t *testing.T) {
	cfg := durableTapConfig(stream.BridgeConfig{Capacity: 16, Overflow: stream.DropOldest})
	assert.Equal(t, stream.BridgeConfig{Capacity: 16, Overflow: stream.Block}, cfg)
}

func TestArchiveTapNeverDrops(t *testing.T) {
	ctx := context.Background()
	mgr := stream.NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)), stream.ManagerConfig{
		MaxAge:          time.Minute,
		CleanupInterval: time.Hour,
	}, nil)
	defer mgr.Stop()

	tap := mgr.Tap(durableTapConfig(stream.BridgeConfig{Capacity: 1, Overflow: stream.DropOldest}))
	defer tap.Close()

	now := time.Now()
	first, err := audio.New(audio.WithID("arch"), audio.WithTimestamp(now))
	require.NoError(t, err)
	second, err := audio.New(audio.WithID("arch"), audio.WithTimestamp(now.Add(time.Millisecond)))
	require.NoError(t, err)

	require.NoError(t, mgr.Publish(ctx, first))

	done := make(chan error, 1)
	go func() { done <- mgr.Publish(ctx, second) }()

	select {
	case err := <-done:
		t.Fatalf("publish into a full archive queue returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	got, err := tap.Next(ctx)
	require.NoError(t, err)
	assert.Same(t, first, got)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("publish did not resume after the queue drained")
	}

	got, err = tap.Next(ctx)
	require.NoError(t, err)
	assert.Same(t, second, got)
	assert.Zero(t, tap.GetStats().Dropped)
}
